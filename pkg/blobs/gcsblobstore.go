package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// GCSStore keeps blobs as objects in a GCS bucket. The object generation is the version.
type GCSStore struct {
	Client *storage.Client
	Bucket string
	// Prefix is prepended to every path, e.g. "bridge/".
	Prefix string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a storage client for bucket. opts can point the client at an emulator.
func NewGCSStore(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &GCSStore{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

func (j *GCSStore) Close() error {
	return j.Client.Close()
}

func (j *GCSStore) object(path string) *storage.ObjectHandle {
	// Retries belong to the caller's poll loop, not to individual calls.
	return j.Client.Bucket(j.Bucket).Object(j.Prefix + path).Retryer(storage.WithPolicy(storage.RetryNever))
}

func (j *GCSStore) gcsURL(path string) string {
	return "gs://" + j.Bucket + "/" + j.Prefix + path
}

func (j *GCSStore) Read(ctx context.Context, path string) (*Object, error) {
	log := klog.FromContext(ctx)

	// Authenticated JSON API reads are strongly consistent and never served from edge caches.
	startedAt := time.Now()
	r, err := j.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, notFound("reading", path)
		}
		return nil, gcsError("reading", path, err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, gcsError("reading", path, err)
	}
	version := strconv.FormatInt(r.Attrs.Generation, 10)

	log.V(2).Info("read blob from GCS", "url", j.gcsURL(path), "generation", version, "bytes", len(content), "duration", time.Since(startedAt))

	return &Object{Path: path, Content: content, Version: version}, nil
}

func (j *GCSStore) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error) {
	log := klog.FromContext(ctx)

	obj := j.object(path)
	if opts.ExpectedVersion == "" {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		generation, err := strconv.ParseInt(opts.ExpectedVersion, 10, 64)
		if err != nil {
			return "", &Error{Code: codes.InvalidArgument, Op: "writing", Path: path, Message: fmt.Sprintf("invalid generation %q", opts.ExpectedVersion)}
		}
		obj = obj.If(storage.Conditions{GenerationMatch: generation})
	}

	log.Info("uploading blob to GCS", "destination", j.gcsURL(path), "bytes", len(content), "expectedGeneration", opts.ExpectedVersion)

	startedAt := time.Now()
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, max-age=0"
	if opts.Message != "" {
		w.Metadata = map[string]string{"message": opts.Message}
	}
	if _, err := w.Write(content); err != nil {
		_ = w.CloseWithError(err)
		return "", gcsError("writing", path, err)
	}
	if err := w.Close(); err != nil {
		return "", gcsError("writing", path, err)
	}
	version := strconv.FormatInt(w.Attrs().Generation, 10)

	log.Info("uploaded blob to GCS", "url", j.gcsURL(path), "generation", version, "duration", time.Since(startedAt))

	return version, nil
}

// gcsError classifies errors from both the JSON and the gRPC transports of the storage client.
func gcsError(op, path string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := codes.Unknown
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			code = codes.Aborted
		case apiErr.Code == http.StatusNotFound:
			code = codes.NotFound
		case apiErr.Code == http.StatusUnauthorized:
			code = codes.Unauthenticated
		case apiErr.Code == http.StatusForbidden:
			code = codes.PermissionDenied
		case apiErr.Code == http.StatusTooManyRequests:
			code = codes.ResourceExhausted
		case apiErr.Code >= 500:
			code = codes.Unavailable
		}
		return &Error{Code: code, Op: op, Path: path, Message: apiErr.Message, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		code := st.Code()
		if code == codes.FailedPrecondition {
			code = codes.Aborted
		}
		return &Error{Code: code, Op: op, Path: path, Message: st.Message(), Err: err}
	}
	return transportError(op, path, err)
}
