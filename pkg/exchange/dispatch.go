package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/goraskills/webhook-bridge/pkg/blobs"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"
)

// Dispatcher writes command envelopes, guarding each write with the version it just read.
type Dispatcher struct {
	Store blobs.Store
}

// Dispatch writes command to path and returns the version the store assigned.
// A missing object is created; an existing one is replaced only if nobody wrote it in between.
func (d *Dispatcher) Dispatch(ctx context.Context, path string, command []byte, message string) (string, error) {
	log := klog.FromContext(ctx)

	var expected string
	existing, err := d.Store.Read(ctx, path)
	switch {
	case err == nil:
		expected = existing.Version
	case blobs.IsNotFound(err):
		log.V(2).Info("command object does not exist yet", "path", path)
	default:
		// Without the current version the write would be rejected anyway.
		return "", fmt.Errorf("reading current version of %q: %w", path, err)
	}

	version, err := d.Store.Write(ctx, path, command, blobs.WriteOptions{
		ExpectedVersion: expected,
		Message:         message,
	})
	if err != nil {
		return "", fmt.Errorf("writing command: %w", err)
	}

	log.Info("dispatched command", "path", path, "previousVersion", expected, "version", version)
	return version, nil
}

// EncodeCommand validates that payload is a JSON object and returns its UTF-8 encoding.
// payload may be raw JSON ([]byte, json.RawMessage, string) or any value json.Marshal accepts.
func EncodeCommand(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return nil, invalid("command is not encodable as JSON: %v", err)
		}
		raw = buf.Bytes()
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, invalid("command payload is empty")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, invalid("command payload must be a JSON object")
	}
	return raw, nil
}

// DecodeCommand parses a command envelope the way a responder does.
func DecodeCommand(content []byte) (map[string]any, error) {
	var command map[string]any
	if err := json.Unmarshal(content, &command); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	return command, nil
}

func invalid(format string, args ...any) error {
	return &blobs.Error{Code: codes.InvalidArgument, Message: fmt.Sprintf(format, args...)}
}
