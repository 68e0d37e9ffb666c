package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base })

	ok, err := Exists(ctx, m, "shared/c1/notes.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, "shared/c1/notes.txt", []byte("cells"), map[string]string{"owner": "u1"}))

	ok, err = Exists(ctx, m, "shared/c1/notes.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := m.Stat(ctx, "shared/c1/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, base, info.Updated)
	assert.Equal(t, "u1", info.Metadata["owner"])

	data, err := m.Get(ctx, "shared/c1/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "cells", string(data))
}

func TestMemoryCopyKeepsMetadata(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "a", []byte("x"), map[string]string{"owner": "u1"}))
	require.NoError(t, m.Copy(ctx, "a", "b"))

	info, err := m.Stat(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "u1", info.Metadata["owner"])

	err = m.Copy(ctx, "missing", "c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"shared/c1/b.txt", "shared/c1/a.txt", "shared/c2/a.txt"} {
		require.NoError(t, m.Put(ctx, k, []byte(k), nil))
	}

	list, err := m.List(ctx, "shared/c1/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "shared/c1/a.txt", list[0].Key)

	require.NoError(t, m.Delete(ctx, "shared/c1/a.txt"))
	assert.ErrorIs(t, m.Delete(ctx, "shared/c1/a.txt"), ErrNotFound)

	_, err = m.Get(ctx, "shared/c1/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
