package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	info, err := s.Put(ctx, "exports/a.csv", strings.NewReader("x,y\n"), PutOptions{ContentType: "text/csv", Metadata: map[string]string{"export": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "exports/a.csv", info.Key)
	assert.Equal(t, int64(4), info.Size)

	_, err = s.Put(ctx, "exports/a.csv", strings.NewReader("again"), PutOptions{})
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.Put(ctx, "exports/b.json", bytes.NewReader([]byte(`{}`)), PutOptions{ContentType: "application/json"})
	require.NoError(t, err)
	_, err = s.Put(ctx, "other/c.json", bytes.NewReader([]byte(`[]`)), PutOptions{})
	require.NoError(t, err)

	head, err := s.Head(ctx, "exports/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", head.ContentType)
	assert.Equal(t, "a", head.Metadata["export"])

	got, body, err := s.Get(ctx, "exports/a.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "x,y\n", string(data))
	assert.Equal(t, head.ETag, got.ETag)

	list, err := s.List(ctx, "exports/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "exports/a.csv", list[0].Key)
	assert.Equal(t, "exports/b.json", list[1].Key)

	_, _, err = s.Get(ctx, "exports/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Head(ctx, "exports/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Delete(ctx, "exports/a.csv")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, "exports/a.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)
	_, err := s.PresignURL(context.Background(), "other/c.json", 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestFilesystemStore(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)

	u, err := s.PresignURL(context.Background(), "other/c.json", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "x.meta"} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), PutOptions{})
		assert.Error(t, err, key)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, Config{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, Config{Driver: DriverS3})
	assert.Error(t, err, "bucket is required")
	_, err = Open(ctx, Config{Driver: "ftp"})
	assert.Error(t, err)
}
