package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/filetransfer/reuse"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "reuse.db")
	blobDir := filepath.Join(dir, "blobs")

	c, db, err := Open(context.Background(), dsn, blobDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return c
}

func TestReserveAndCacheAndRetrieve(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	resID, err := c.ReserveSpace(ctx, 1024, 60, "Owner_alice")
	require.NoError(t, err)
	require.NotEmpty(t, resID)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "exe")
	require.NoError(t, os.WriteFile(src, []byte("binary-content"), 0o755))

	require.NoError(t, c.CacheFile(ctx, src, "deadbeef", "sha256", resID))

	dest := filepath.Join(t.TempDir(), "condor_exec.exe")
	require.NoError(t, c.RetrieveFile(ctx, dest, "deadbeef", "sha256", "Owner_alice"))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "binary-content", string(data))
}

func TestRetrieveFile_Miss(t *testing.T) {
	c := newTestCache(t)
	err := c.RetrieveFile(context.Background(), filepath.Join(t.TempDir(), "x"), "nope", "sha256", "Owner_bob")
	require.ErrorIs(t, err, reuse.ErrObjectNotFound)
}

func TestCacheFile_RequiresReservation(t *testing.T) {
	c := newTestCache(t)
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	err := c.CacheFile(context.Background(), src, "cs", "sha256", "no-such-reservation")
	require.ErrorIs(t, err, reuse.ErrReservationRequired)
}

func TestRelease_IdempotentOnUnknownID(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Release(context.Background(), "unknown"))
	require.NoError(t, c.Release(context.Background(), "unknown"))
}

func TestRetrieveFile_TagScoping(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	resID, err := c.ReserveSpace(ctx, 1024, 60, "Owner_alice")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	require.NoError(t, c.CacheFile(ctx, src, "cs1", "sha256", resID))

	err = c.RetrieveFile(ctx, filepath.Join(t.TempDir(), "out"), "cs1", "sha256", "Owner_mallory")
	require.ErrorIs(t, err, reuse.ErrObjectNotFound)
}
