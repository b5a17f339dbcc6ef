// Package catalog implements the sandbox snapshot component (C1): a
// basename → (mtime, size) map used to detect which files changed between
// an initial Download and a subsequent Upload (spec §4.1, property P2).
package catalog

import (
	"os"
	"path/filepath"
	"time"

	"github.com/relayforge/relayforge/internal/common"
)

// Entry is one catalogued file's mtime and size. A Size of -1 is a
// sentinel meaning "compare by mtime only" — any mtime newer than the
// stored value counts as a change regardless of size.
type Entry struct {
	ModTime time.Time
	Size    int64
}

// Changed reports whether cur differs from the baseline entry e under e's
// own comparison rule (spec §4.1).
func (e Entry) Changed(cur Entry) bool {
	if e.Size == -1 {
		return cur.ModTime.After(e.ModTime)
	}
	return cur.Size != e.Size || !cur.ModTime.Equal(e.ModTime)
}

// Catalog is an immutable snapshot of a directory's top-level regular
// files. It is rebuilt wholesale on each scan, never mutated in place.
type Catalog struct {
	entries map[string]Entry
}

// Scan walks dir (non-recursively) and returns a fresh Catalog. Directories
// are skipped; the compiled-exec fingerprint basename is always excluded.
func Scan(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if de.Name() == common.CompiledExecFingerprint {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		c.entries[de.Name()] = Entry{ModTime: info.ModTime(), Size: info.Size()}
	}
	return c, nil
}

// Lookup returns the catalogued entry for name and whether it was present.
// A miss is reported to the caller as "new file".
func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names returns the catalogued basenames.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	return names
}

// Diff scans dir freshly and returns the basenames whose (mtime, size) have
// changed relative to the baseline catalog c, plus any names in dir that
// were not present in c at all (also "changed" — new files are always
// re-sent).
func (c *Catalog) Diff(dir string) ([]string, error) {
	fresh, err := Scan(dir)
	if err != nil {
		return nil, err
	}

	var changed []string
	for name, curEntry := range fresh.entries {
		base, ok := c.Lookup(name)
		if !ok || base.Changed(curEntry) {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

// Join is a convenience for building a full path from a catalog's directory
// and a basename, matching how callers reconstruct paths for stat calls.
func Join(dir, name string) string {
	return filepath.Join(dir, name)
}
