package blobs

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is returned by every Store backend. Its Code classifies the failure so that callers
// can decide between aborting and retrying without knowing which backend produced it.
type Error struct {
	Code codes.Code
	Op   string
	Path string
	// Message is the store's own description of the failure, when it sent one.
	Message string
	Err     error
}

var _ interface{ GRPCStatus() *status.Status } = (*Error)(nil)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Path, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// Message returns the store-reported message carried by err, falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var blobErr *Error
	if errors.As(err, &blobErr) && blobErr.Message != "" {
		return blobErr.Message
	}
	return err.Error()
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsConflict reports whether err is an optimistic-concurrency mismatch.
func IsConflict(err error) bool {
	return status.Code(err) == codes.Aborted
}

// IsAuth reports whether err means the credential was rejected.
func IsAuth(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// IsTransient reports whether err is a network or server-side condition worth retrying.
func IsTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	}
	return false
}

func notFound(op, path string) error {
	return &Error{Code: codes.NotFound, Op: op, Path: path, Message: "not found"}
}

func conflict(op, path, message string) error {
	return &Error{Code: codes.Aborted, Op: op, Path: path, Message: message}
}

// transportError classifies an error returned before the store answered.
func transportError(op, path string, err error) error {
	code := codes.Unavailable
	if errors.Is(err, context.Canceled) {
		code = codes.Canceled
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = codes.DeadlineExceeded
	}
	return &Error{Code: code, Op: op, Path: path, Err: err}
}
