package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, "runs/1/scratch.md", "# Scratch\n"))
	require.NoError(t, store.Append(ctx, "runs/1/scratch.md", "more\n"))

	content, err := store.Read(ctx, "runs/1/scratch.md")
	require.NoError(t, err)
	assert.Equal(t, "# Scratch\nmore\n", content)

	exists, err := store.Exists(ctx, "runs/1/scratch.md")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "runs/2/scratch.md")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStore_EnsureDefault(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.EnsureDefault(ctx, "plan.md", "default"))
	require.NoError(t, store.EnsureDefault(ctx, "plan.md", "other"))

	content, err := store.Read(ctx, "plan.md")
	require.NoError(t, err)
	assert.Equal(t, "default", content)
}

func TestFSStore_RejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, path := range []string{"../outside.md", "/etc/passwd", "a/../../b"} {
		_, readErr := store.Read(ctx, path)
		assert.Error(t, readErr, "path %q", path)
		assert.Error(t, store.Write(ctx, path, "x"), "path %q", path)
	}
}

func TestReadOr_SubstitutesMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	assert.Equal(t, Missing, ReadOr(ctx, store, "nope.md", Missing))

	require.NoError(t, store.Write(ctx, "yes.md", "hi"))
	assert.Equal(t, "hi", ReadOr(ctx, store, "yes.md", Missing))
}
