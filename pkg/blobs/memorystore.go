package blobs

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store; the zero value is ready to use. Every write gets a new
// version, even when the content is unchanged, matching stores that version by generation rather
// than by content.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
	writes  int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*Object),
	}
}

func (s *MemoryStore) Read(ctx context.Context, path string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("reading", path, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, notFound("reading", path)
	}
	return &Object{
		Path:    obj.Path,
		Content: append([]byte(nil), obj.Content...),
		Version: obj.Version,
	}, nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transportError("writing", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.objects[path]
	switch {
	case !exists && opts.ExpectedVersion != "":
		return "", conflict("writing", path, "object does not exist")
	case exists && opts.ExpectedVersion == "":
		return "", conflict("writing", path, "object already exists")
	case exists && current.Version != opts.ExpectedVersion:
		return "", conflict("writing", path, "version is "+current.Version+", not "+opts.ExpectedVersion)
	}

	if s.objects == nil {
		s.objects = make(map[string]*Object)
	}
	s.writes++
	version := strconv.FormatInt(s.writes, 10)
	s.objects[path] = &Object{
		Path:    path,
		Content: append([]byte(nil), content...),
		Version: version,
	}
	return version, nil
}
