package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goraskills/webhook-bridge/pkg/blobs"
	"github.com/goraskills/webhook-bridge/pkg/exchange"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// HandleFunc computes the response body for one command.
type HandleFunc func(ctx context.Context, command *blobs.Object) ([]byte, error)

// Responder plays the automation worker for local development: it watches the command object
// and answers every new version by writing the response object.
type Responder struct {
	Store        blobs.Store
	CommandPath  string
	ResponsePath string
	Interval     time.Duration

	Handle HandleFunc
	Wait   exchange.WaitFunc
}

// Run watches until ctx is done. A command already present when Run starts is answered too.
func (r *Responder) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	if r.Handle == nil {
		return fmt.Errorf("responder for %q has no handler", r.CommandPath)
	}

	poller := &exchange.Poller{
		Store:       r.Store,
		Path:        r.CommandPath,
		Interval:    r.Interval,
		MaxAttempts: 100,
		Wait:        r.Wait,
	}
	dispatcher := &exchange.Dispatcher{Store: r.Store}

	var ref exchange.Reference
	for {
		command, _, err := poller.Poll(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if status.Code(err) == codes.DeadlineExceeded {
				continue
			}
			return err
		}
		ref = exchange.Reference{Version: command.Version, Present: true}

		body, err := r.Handle(ctx, command)
		if err != nil {
			log.Error(err, "handling command", "version", command.Version)
			body = FailureResponse(err)
		}

		message := fmt.Sprintf("Response to %s", command.Version)
		if _, err := dispatcher.Dispatch(ctx, r.ResponsePath, body, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error(err, "writing response", "path", r.ResponsePath)
			continue
		}
		log.Info("answered command", "commandVersion", command.Version)
	}
}

// DocumentHandler answers every command that has an action with a success response pointing
// at baseURL.
func DocumentHandler(baseURL, resultField string) HandleFunc {
	return func(ctx context.Context, command *blobs.Object) ([]byte, error) {
		var envelope struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(command.Content, &envelope); err != nil {
			return nil, fmt.Errorf("decoding command: %w", err)
		}
		if envelope.Action == "" {
			return nil, fmt.Errorf("command has no action")
		}
		return json.Marshal(map[string]string{
			"status":    "success",
			resultField: strings.TrimSuffix(baseURL, "/") + "/" + command.Path + "?version=" + command.Version,
		})
	}
}

func FailureResponse(err error) []byte {
	b, _ := json.Marshal(map[string]string{"status": "error", "message": err.Error()})
	return b
}

// ObjectServer serves store objects over HTTP at /<path>.
type ObjectServer struct {
	Store blobs.BlobReader
}

func (s *ObjectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.serveGETObject(w, r, path)
}

func (s *ObjectServer) serveGETObject(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	obj, err := s.Store.Read(ctx, path)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error reading object", "path", path)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"`+obj.Version+`"`)
	if _, err := w.Write(obj.Content); err != nil {
		log.V(2).Info("error writing object response", "path", path, "err", err)
	}
}
