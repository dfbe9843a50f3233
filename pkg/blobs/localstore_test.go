package blobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"
)

func TestLocalStoreVersionsByContent(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	store := &LocalStore{Root: t.TempDir()}

	_, err := store.Read(ctx, "response.json")
	require.True(t, IsNotFound(err), "expected not found, got %v", err)

	v1, err := store.Write(ctx, "nested/response.json", []byte(`{"status":"pending"}`), WriteOptions{})
	require.NoError(t, err)

	obj, err := store.Read(ctx, "nested/response.json")
	require.NoError(t, err)
	assert.Equal(t, v1, obj.Version)
	assert.Equal(t, `{"status":"pending"}`, string(obj.Content))

	v2, err := store.Write(ctx, "nested/response.json", []byte(`{"status":"success"}`), WriteOptions{ExpectedVersion: v1})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// Rewriting identical content yields the same version.
	v3, err := store.Write(ctx, "nested/response.json", []byte(`{"status":"success"}`), WriteOptions{ExpectedVersion: v2})
	require.NoError(t, err)
	assert.Equal(t, v2, v3)

	entries, err := os.ReadDir(filepath.Join(store.Root, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestLocalStoreConflicts(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	store := &LocalStore{Root: t.TempDir()}

	_, err := store.Write(ctx, "data.json", []byte("{}"), WriteOptions{ExpectedVersion: "abc"})
	assert.True(t, IsConflict(err), "write to missing object with a version: %v", err)

	_, err = store.Write(ctx, "data.json", []byte("{}"), WriteOptions{})
	require.NoError(t, err)

	_, err = store.Write(ctx, "data.json", []byte("{}"), WriteOptions{})
	assert.True(t, IsConflict(err), "create over existing object: %v", err)

	_, err = store.Write(ctx, "data.json", []byte("{}"), WriteOptions{ExpectedVersion: "abc"})
	assert.True(t, IsConflict(err), "stale version: %v", err)
}

func TestLocalStoreStaysUnderRoot(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	root := t.TempDir()
	store := &LocalStore{Root: filepath.Join(root, "store")}

	_, err := store.Write(ctx, "../escape.json", []byte("{}"), WriteOptions{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "escape.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "store", "escape.json"))
	assert.NoError(t, err)

	_, err = store.Read(ctx, "")
	assert.Error(t, err)
}
