package blobs

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"
)

type s3Object struct {
	etag    string
	content []byte
}

// fakeS3 implements path-style GET and conditional PUT for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]s3Object
	nextID  int

	methods      []string
	cacheBusters []string
	cacheControl []string
	ifMatch      []string
	ifNoneMatch  []string
}

func newFakeS3(t *testing.T) (*fakeS3, *S3Store) {
	fake := &fakeS3{objects: map[string]s3Object{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Region:    "us-east-1",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "bkt",
	})
	require.NoError(t, err)
	return fake, store
}

func writeS3Error(w http.ResponseWriter, status int, code, message, key string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><Key>%s</Key><BucketName>bkt</BucketName><RequestId>1</RequestId></Error>`, code, message, key)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.methods = append(f.methods, r.Method)

	key, ok := strings.CutPrefix(r.URL.Path, "/bkt/")
	if !ok {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist", "")
		return
	}
	current, exists := f.objects[key]

	switch r.Method {
	case http.MethodGet:
		f.cacheBusters = append(f.cacheBusters, r.URL.Query().Get("x-cache-bust"))
		f.cacheControl = append(f.cacheControl, r.Header.Get("Cache-Control"))
		if !exists {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", key)
			return
		}
		w.Header().Set("ETag", `"`+current.etag+`"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(current.content)))
		w.Write(current.content)

	case http.MethodPut:
		ifMatch := r.Header.Get("If-Match")
		ifNoneMatch := r.Header.Get("If-None-Match")
		f.ifMatch = append(f.ifMatch, ifMatch)
		f.ifNoneMatch = append(f.ifNoneMatch, ifNoneMatch)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody", err.Error(), key)
			return
		}
		if (ifNoneMatch == "*" && exists) || (ifMatch != "" && (!exists || strings.Trim(ifMatch, `"`) != current.etag)) {
			writeS3Error(w, http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold", key)
			return
		}

		f.nextID++
		etag := fmt.Sprintf("e%d", f.nextID)
		f.objects[key] = s3Object{etag: etag, content: body}
		w.Header().Set("ETag", `"`+etag+`"`)
		w.WriteHeader(http.StatusOK)

	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed", key)
	}
}

func TestS3StoreReadNotFound(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	_, store := newFakeS3(t)

	_, err := store.Read(ctx, "response.json")
	require.Error(t, err)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestS3StoreReadIsOneRequest(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	fake, store := newFakeS3(t)

	version, err := store.Write(ctx, "data.json", []byte(`{"action":"fetchPdf"}`), WriteOptions{})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.methods = nil
	fake.mu.Unlock()

	obj, err := store.Read(ctx, "data.json")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"fetchPdf"}`, string(obj.Content))
	assert.Equal(t, version, obj.Version, "the ETag is the version")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{http.MethodGet}, fake.methods)
}

func TestS3StoreReadBustsCache(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	fake, store := newFakeS3(t)

	for i := 0; i < 2; i++ {
		_, err := store.Read(ctx, "response.json")
		require.True(t, IsNotFound(err))
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.cacheBusters, 2)
	assert.NotEmpty(t, fake.cacheBusters[0])
	assert.NotEqual(t, fake.cacheBusters[0], fake.cacheBusters[1])
	assert.Equal(t, []string{"no-cache", "no-cache"}, fake.cacheControl)
}

func TestS3StoreWriteCreateThenUpdate(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	fake, store := newFakeS3(t)

	v1, err := store.Write(ctx, "data.json", []byte(`{"n":1}`), WriteOptions{Message: "first"})
	require.NoError(t, err)
	assert.Equal(t, "e1", v1)

	v2, err := store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{ExpectedVersion: v1})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	obj, err := store.Read(ctx, "data.json")
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(obj.Content))
	assert.Equal(t, v2, obj.Version)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"*", ""}, fake.ifNoneMatch, "create sends If-None-Match: *")
	require.Len(t, fake.ifMatch, 2)
	assert.Empty(t, fake.ifMatch[0])
	assert.Equal(t, v1, strings.Trim(fake.ifMatch[1], `"`), "update sends the expected ETag")
}

func TestS3StoreWriteConflicts(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	_, store := newFakeS3(t)

	v1, err := store.Write(ctx, "data.json", []byte(`{"n":1}`), WriteOptions{})
	require.NoError(t, err)

	_, err = store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{})
	require.Error(t, err)
	assert.True(t, IsConflict(err), "second create: got %v", err)

	_, err = store.Write(ctx, "data.json", []byte(`{"n":2}`), WriteOptions{ExpectedVersion: "stale"})
	require.Error(t, err)
	assert.True(t, IsConflict(err), "stale ETag: got %v", err)

	obj, err := store.Read(ctx, "data.json")
	require.NoError(t, err)
	assert.Equal(t, v1, obj.Version, "rejected writes leave the object alone")
}
