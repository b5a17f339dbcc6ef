package filex

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CommitMarkerName is the zero-byte file written to a tmp-spool directory to
// mark "about to commit" (spec §6 Persisted state: ".ccommit.con").
const CommitMarkerName = ".ccommit.con"

// TmpSuffix and SwapSuffix name the sibling directories used during
// transactional delivery (spec §4.9, §6).
const (
	TmpSuffix  = ".tmp"
	SwapSuffix = ".swap"
)

// WriteCommitMarker creates the zero-byte commit marker inside tmpDir,
// signalling that CommitSpool may now be called for spoolDir.
func WriteCommitMarker(tmpDir string) error {
	f, err := os.Create(filepath.Join(tmpDir, CommitMarkerName))
	if err != nil {
		return fmt.Errorf("filex: write commit marker: %w", err)
	}
	return f.Close()
}

// CommitSpool performs the tmp-spool -> commit -> rotate -> spool dance
// described in spec §4.9 and §6:
//
//  1. Every file present in <spoolDir>.tmp that also exists in spoolDir is
//     first moved into <spoolDir>.swap (creating parent directories as
//     needed), preserving its relative path.
//  2. Every file in <spoolDir>.tmp is then moved into spoolDir.
//  3. <spoolDir>.tmp is removed.
//
// If any step fails, CommitSpool returns immediately: files already moved
// to swap stay there for manual recovery (spec: "If a rotation fails the
// swap directory retains prior state"), and spoolDir is left with whatever
// subset of files had already been rotated in — CommitSpool never partially
// deletes spoolDir contents it did not itself just replace.
func CommitSpool(spoolDir string) error {
	tmpDir := spoolDir + TmpSuffix
	swapDir := spoolDir + SwapSuffix

	if _, err := os.Stat(filepath.Join(tmpDir, CommitMarkerName)); err != nil {
		return fmt.Errorf("filex: commit marker missing in %s: %w", tmpDir, err)
	}

	var relFiles []string
	err := filepath.WalkDir(tmpDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(tmpDir, path)
		if err != nil {
			return err
		}
		if rel == CommitMarkerName {
			return nil
		}
		relFiles = append(relFiles, rel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("filex: scan tmp-spool: %w", err)
	}

	if err := os.MkdirAll(swapDir, 0o700); err != nil {
		return fmt.Errorf("filex: create swap dir: %w", err)
	}
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return fmt.Errorf("filex: create spool dir: %w", err)
	}

	for _, rel := range relFiles {
		existing := filepath.Join(spoolDir, rel)
		if _, statErr := os.Lstat(existing); statErr == nil {
			swapped := filepath.Join(swapDir, rel)
			if err := os.MkdirAll(filepath.Dir(swapped), 0o700); err != nil {
				return fmt.Errorf("filex: prep swap dir for %s: %w", rel, err)
			}
			if err := os.Rename(existing, swapped); err != nil {
				return fmt.Errorf("filex: swap prior version of %s: %w", rel, err)
			}
		}
	}

	for _, rel := range relFiles {
		src := filepath.Join(tmpDir, rel)
		dst := filepath.Join(spoolDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return fmt.Errorf("filex: prep spool dir for %s: %w", rel, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("filex: rotate %s into spool: %w", rel, err)
		}
	}

	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("filex: remove tmp-spool: %w", err)
	}

	return nil
}
