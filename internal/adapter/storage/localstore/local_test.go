package localstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestSaveGetRoundtrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "job1/video.mp4", strings.NewReader("payload")))

	rc, err := b.Get(ctx, "job1/video.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	size, err := b.Size(ctx, "job1/video.mp4")
	require.NoError(t, err)
	assert.EqualValues(t, 7, size)

	ok, err := b.Exists(ctx, "job1/video.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetAbsent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Get(ctx, "nope/missing.mp4")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = b.Size(ctx, "nope/missing.mp4")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := b.Exists(ctx, "nope/missing.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIdempotent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "job1/video.mp4", strings.NewReader("x")))
	require.NoError(t, b.Delete(ctx, "job1/video.mp4"))

	ok, err := b.Exists(ctx, "job1/video.mp4")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	require.NoError(t, b.Delete(ctx, "job1/video.mp4"))
}

func TestTraversalStaysUnderRoot(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	// Leading dot-dot segments are stripped; the write lands under the root.
	require.NoError(t, b.Save(ctx, "../../escape.txt", strings.NewReader("x")))

	assert.FileExists(t, filepath.Join(b.Root(), "escape.txt"))
	_, err := os.Stat(filepath.Join(filepath.Dir(b.Root()), "escape.txt"))
	assert.True(t, os.IsNotExist(err), "nothing may land outside the root")
}

func TestSaveCancelledContext(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Save(ctx, "job1/video.mp4", strings.NewReader("payload"))
	assert.ErrorIs(t, err, context.Canceled)

	// The aborted write leaves no artifact behind.
	ok, statErr := b.Exists(context.Background(), "job1/video.mp4")
	require.NoError(t, statErr)
	assert.False(t, ok)
}

func TestSaveOverwrites(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "a.bin", strings.NewReader("first")))
	require.NoError(t, b.Save(ctx, "a.bin", strings.NewReader("second")))

	rc, err := b.Get(ctx, "a.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "second", string(data))
}
