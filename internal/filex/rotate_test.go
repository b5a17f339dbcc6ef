package filex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitSpool_FirstCommitNoPriorFiles(t *testing.T) {
	base := t.TempDir()
	spool := filepath.Join(base, "spool")
	tmp := spool + TmpSuffix

	require.NoError(t, os.MkdirAll(tmp, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, WriteCommitMarker(tmp))

	require.NoError(t, CommitSpool(spool))

	data, err := os.ReadFile(filepath.Join(spool, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err), "tmp-spool must be removed after commit")
}

func TestCommitSpool_PriorVersionMovedToSwap(t *testing.T) {
	base := t.TempDir()
	spool := filepath.Join(base, "spool")
	tmp := spool + TmpSuffix
	swap := spool + SwapSuffix

	require.NoError(t, os.MkdirAll(spool, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(spool, "a.txt"), []byte("old"), 0o644))

	require.NoError(t, os.MkdirAll(tmp, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "a.txt"), []byte("new"), 0o644))
	require.NoError(t, WriteCommitMarker(tmp))

	require.NoError(t, CommitSpool(spool))

	data, err := os.ReadFile(filepath.Join(spool, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))

	old, err := os.ReadFile(filepath.Join(swap, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "old", string(old))
}

func TestCommitSpool_MissingMarkerFails(t *testing.T) {
	base := t.TempDir()
	spool := filepath.Join(base, "spool")
	tmp := spool + TmpSuffix

	require.NoError(t, os.MkdirAll(tmp, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "a.txt"), []byte("hello"), 0o644))

	err := CommitSpool(spool)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(spool, "a.txt"))
	require.True(t, os.IsNotExist(statErr), "sandbox must be untouched when commit marker is missing")
}

func TestCommitSpool_NestedPaths(t *testing.T) {
	base := t.TempDir()
	spool := filepath.Join(base, "spool")
	tmp := spool + TmpSuffix

	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "d"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "d", "c"), []byte("nested"), 0o644))
	require.NoError(t, WriteCommitMarker(tmp))

	require.NoError(t, CommitSpool(spool))

	data, err := os.ReadFile(filepath.Join(spool, "d", "c"))
	require.NoError(t, err)
	require.Equal(t, "nested", string(data))
}
