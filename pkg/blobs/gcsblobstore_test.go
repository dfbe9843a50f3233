package blobs

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"k8s.io/klog/v2/ktesting"
)

// fakeGCSUploads implements JSON API multipart uploads with ifGenerationMatch preconditions.
type fakeGCSUploads struct {
	mu          sync.Mutex
	generations map[string]int64
	next        int64

	preconditions []string
}

func newFakeGCS(t *testing.T) (*fakeGCSUploads, *GCSStore) {
	_, ctx := ktesting.NewTestContext(t)

	fake := &fakeGCSUploads{generations: map[string]int64{}, next: 1000}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewGCSStore(ctx, "bkt", "", option.WithEndpoint(srv.URL+"/storage/v1/"), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return fake, store
}

func writeGCSError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, status, message)
}

func (f *fakeGCSUploads) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/b/bkt/o") {
		writeGCSError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := io.Copy(io.Discard, r.Body); err != nil {
		writeGCSError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := r.URL.Query().Get("name")
	precondition := r.URL.Query().Get("ifGenerationMatch")
	f.preconditions = append(f.preconditions, precondition)

	if precondition != "" {
		want, err := strconv.ParseInt(precondition, 10, 64)
		if err != nil {
			writeGCSError(w, http.StatusBadRequest, "invalid ifGenerationMatch")
			return
		}
		if f.generations[name] != want {
			writeGCSError(w, http.StatusPreconditionFailed, "At least one of the pre-conditions you specified did not hold.")
			return
		}
	}

	f.next++
	f.generations[name] = f.next
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"kind":       "storage#object",
		"bucket":     "bkt",
		"name":       name,
		"generation": strconv.FormatInt(f.next, 10),
	})
}

func TestGCSStoreWriteUsesGenerationPreconditions(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	fake, store := newFakeGCS(t)

	v1, err := store.Write(ctx, "data.json", []byte(`{"n":1}`), WriteOptions{Message: "first"})
	require.NoError(t, err)
	assert.Equal(t, "1001", v1, "the generation is the version")

	v2, err := store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{ExpectedVersion: v1})
	require.NoError(t, err)
	assert.Equal(t, "1002", v2)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"0", "1001"}, fake.preconditions, "create requires absence, update requires the read generation")
}

func TestGCSStoreWriteConflicts(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	_, store := newFakeGCS(t)

	v1, err := store.Write(ctx, "data.json", []byte(`{"n":1}`), WriteOptions{})
	require.NoError(t, err)

	_, err = store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{})
	require.Error(t, err)
	assert.True(t, IsConflict(err), "second create: got %v", err)

	_, err = store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{ExpectedVersion: "1"})
	require.Error(t, err)
	assert.True(t, IsConflict(err), "stale generation: got %v", err)

	v2, err := store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{ExpectedVersion: v1})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestGCSStoreWriteRejectsMalformedGeneration(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	fake, store := newFakeGCS(t)

	_, err := store.Write(ctx, "data.json", []byte(`{}`), WriteOptions{ExpectedVersion: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid generation "e1"`)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.preconditions, "nothing is sent for a malformed generation")
}
