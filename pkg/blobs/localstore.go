package blobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"
)

// LocalStore keeps blobs as files under Root, for local development against a responder that
// shares the directory. The version is the sha256 of the content, so it changes iff content does.
type LocalStore struct {
	Root string

	// mu serializes the version check and rename inside one process only.
	mu sync.Mutex
}

var _ Store = (*LocalStore)(nil)

func (l *LocalStore) filePath(path string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(path))
	if cleaned == string(filepath.Separator) {
		return "", &Error{Code: codes.InvalidArgument, Op: "resolving", Path: path, Message: "empty path"}
	}
	return filepath.Join(l.Root, strings.TrimPrefix(cleaned, string(filepath.Separator))), nil
}

func (l *LocalStore) Read(ctx context.Context, path string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("reading", path, err)
	}
	p, err := l.filePath(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("reading", path)
		}
		return nil, &Error{Code: codes.Unavailable, Op: "reading", Path: path, Err: err}
	}
	return &Object{Path: path, Content: content, Version: contentVersion(content)}, nil
}

func (l *LocalStore) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error) {
	log := klog.FromContext(ctx)

	if err := ctx.Err(); err != nil {
		return "", transportError("writing", path, err)
	}
	p, err := l.filePath(path)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := os.ReadFile(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if opts.ExpectedVersion != "" {
			return "", conflict("writing", path, "object does not exist")
		}
	case err != nil:
		return "", &Error{Code: codes.Unavailable, Op: "writing", Path: path, Err: err}
	default:
		if opts.ExpectedVersion == "" {
			return "", conflict("writing", path, "object already exists")
		}
		if v := contentVersion(current); v != opts.ExpectedVersion {
			return "", conflict("writing", path, fmt.Sprintf("version is %s, not %s", v, opts.ExpectedVersion))
		}
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", &Error{Code: codes.Unavailable, Op: "writing", Path: path, Err: err}
	}
	n, err := writeToFile(ctx, bytes.NewReader(content), p)
	if err != nil {
		return "", &Error{Code: codes.Unavailable, Op: "writing", Path: path, Err: err}
	}

	version := contentVersion(content)
	log.Info("wrote blob to local store", "path", p, "bytes", n, "version", version)
	return version, nil
}

func contentVersion(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// writeToFile writes src to a temp file beside destinationPath and renames it into place,
// so readers never observe a partial blob.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, ".blob")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("writing temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
