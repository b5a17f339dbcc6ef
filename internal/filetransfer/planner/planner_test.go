package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildList_FilesAndDirectory(t *testing.T) {
	iwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "a.txt"), []byte("1234"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "b.bin"), make([]byte, 10), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(iwd, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "d", "c"), []byte("x"), 0o644))

	items, err := BuildList([]string{"a.txt", "b.bin", "d/"}, Options{Iwd: iwd, MaxDepth: 10})
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, it.SourceName)
	}
	require.ElementsMatch(t, []string{"a.txt", "b.bin", filepath.Join("d", "c")}, names)
}

func TestBuildList_DirectoryWithoutTrailingSlashIncludesDirEntry(t *testing.T) {
	iwd := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(iwd, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "d", "c"), []byte("x"), 0o644))

	items, err := BuildList([]string{"d"}, Options{Iwd: iwd, MaxDepth: 10})
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, it.SourceName)
	}
	require.Contains(t, names, "d")
	require.Contains(t, names, filepath.Join("d", "c"))
}

func TestBuildList_URLEntriesNeverExpanded(t *testing.T) {
	iwd := t.TempDir()
	items, err := BuildList([]string{"http://example.com/x.dat"}, Options{Iwd: iwd})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "http", items[0].SourceScheme)
	require.Equal(t, "http://example.com/x.dat", items[0].SourceName)
}

func TestBuildList_Ordering(t *testing.T) {
	iwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "a.txt"), []byte("1"), 0o644))

	items := []TransferItem{
		{SourceName: "a.txt"},
		{SourceName: "http://x.com/f", SourceScheme: "http"},
		{DestURL: "https://signed.example/obj", SourceScheme: "https"},
	}
	sortItems(items)

	require.Equal(t, "https://signed.example/obj", items[0].DestURL)
	require.Equal(t, "a.txt", items[1].SourceName)
	require.Equal(t, "http://x.com/f", items[2].SourceName)
}

func TestBuildList_CredentialFileFirst(t *testing.T) {
	iwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "a.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "cred.pem"), []byte("c"), 0o600))

	items, err := BuildList([]string{"a.txt", "cred.pem"}, Options{Iwd: iwd, CredentialPath: "cred.pem"})
	require.NoError(t, err)
	require.Equal(t, "cred.pem", items[0].SourceName)
}

func TestBuildList_MaxDepthLimitsRecursion(t *testing.T) {
	iwd := t.TempDir()
	nested := filepath.Join(iwd, "d1", "d2")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "deep.txt"), []byte("x"), 0o644))

	items, err := BuildList([]string{"d1/"}, Options{Iwd: iwd, MaxDepth: 1})
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, it.SourceName)
	}
	require.Contains(t, names, filepath.Join("d1", "d2"))
	require.NotContains(t, names, filepath.Join("d1", "d2", "deep.txt"))
}

// sortItems is a small test helper exercising the same ordering the
// package applies internally to freshly-expanded lists.
func sortItems(items []TransferItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
