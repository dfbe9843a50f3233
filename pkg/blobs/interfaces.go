package blobs

import "context"

type BlobReader interface {
	// Read fetches the object at path, bypassing any intermediate cache.
	// If no such object exists, Read should return an error for which IsNotFound(err) is true.
	Read(ctx context.Context, path string) (*Object, error)
}

type Store interface {
	BlobReader
	// Write stores content at path and returns the new version.
	// If opts.ExpectedVersion is set, the write applies only when it matches the current version;
	// if it is empty, the object must not exist yet. A mismatch is reported with IsConflict(err).
	// Write does not retry.
	Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error)
}

type Object struct {
	Path    string
	Content []byte
	// Version is assigned by the store on every write. It is opaque and only comparable for equality.
	Version string
}

type WriteOptions struct {
	ExpectedVersion string

	// Message is recorded by stores that keep a history of writes (the commit message on GitHub).
	Message string
}
