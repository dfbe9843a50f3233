package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/goraskills/webhook-bridge/pkg/blobs"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"
)

// Reference is the response version observed before the command is sent.
type Reference struct {
	Version string
	// Present is false when the response did not exist or could not be read.
	Present bool
}

// Changed reports whether obj is a response written after the reference was taken.
// Versions are only compared for equality.
func (r Reference) Changed(obj *blobs.Object) bool {
	return !r.Present || obj.Version != r.Version
}

// Poller waits for a new version of the response object.
type Poller struct {
	// Store is the interface to read the response
	Store blobs.BlobReader
	Path  string

	Interval    time.Duration
	MaxAttempts int
	Wait        WaitFunc
}

// Baseline reads the response object once. Any failure, including not found, yields an
// absent baseline so that the first response to appear counts as new.
func (p *Poller) Baseline(ctx context.Context) Reference {
	log := klog.FromContext(ctx)

	obj, err := p.Store.Read(ctx, p.Path)
	if err != nil {
		if !blobs.IsNotFound(err) {
			log.Info("could not read response baseline, treating it as absent", "path", p.Path, "err", err)
		}
		return Reference{}
	}
	log.V(2).Info("captured response baseline", "path", p.Path, "version", obj.Version)
	return Reference{Version: obj.Version, Present: true}
}

// Poll reads the response object every Interval until its version differs from ref.
// It returns the new object and the number of reads made. Read failures do not stop the loop;
// only exhausting MaxAttempts (codes.DeadlineExceeded) or ctx (codes.Canceled) does.
func (p *Poller) Poll(ctx context.Context, ref Reference) (*blobs.Object, int, error) {
	log := klog.FromContext(ctx)

	wait := p.Wait
	if wait == nil {
		wait = sleep
	}

	attempt := 0
	for attempt < p.MaxAttempts {
		if err := wait(ctx, p.Interval); err != nil {
			return nil, attempt, p.cancelled(err)
		}
		attempt++

		obj, err := p.Store.Read(ctx, p.Path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempt, p.cancelled(ctx.Err())
			}
			switch {
			case blobs.IsNotFound(err):
				log.V(2).Info("response not written yet", "path", p.Path, "attempt", attempt)
			case blobs.IsTransient(err):
				log.V(2).Info("reading response failed, will retry", "path", p.Path, "attempt", attempt, "err", err)
			default:
				log.Error(err, "reading response failed, will retry", "path", p.Path, "attempt", attempt)
			}
			continue
		}

		if ref.Changed(obj) {
			log.Info("new response observed", "path", p.Path, "version", obj.Version, "attempt", attempt)
			return obj, attempt, nil
		}
		log.V(2).Info("response unchanged", "path", p.Path, "version", obj.Version, "attempt", attempt)
	}

	return nil, attempt, &blobs.Error{
		Code:    codes.DeadlineExceeded,
		Op:      "waiting for",
		Path:    p.Path,
		Message: fmt.Sprintf("no new response after %d attempts", attempt),
	}
}

func (p *Poller) cancelled(err error) error {
	return &blobs.Error{Code: codes.Canceled, Op: "waiting for", Path: p.Path, Err: err}
}
