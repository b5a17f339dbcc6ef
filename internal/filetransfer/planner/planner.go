// Package planner implements the transfer-list builder (C2): expansion of
// a job's raw input-file spec into a totally ordered list of TransferItem
// values (spec §3 "Transfer item", §4.2).
package planner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TransferItem is one planned file or URL move.
type TransferItem struct {
	SourceName   string
	SourceScheme string // empty if local
	DestDir      string // relative to the receiver's sandbox
	DestURL      string // empty if CEDAR
	FileMode     os.FileMode
	FileSize     int64

	IsDirectory    bool
	IsSymlink      bool
	IsDomainSocket bool
}

// classOf returns the ordering class from spec §3: destination-URL items
// sort first (0), then local CEDAR transfers (1), then source-URL items (2).
func (t TransferItem) classOf() int {
	switch {
	case t.DestURL != "":
		return 0
	case t.SourceScheme != "":
		return 2
	default:
		return 1
	}
}

// less implements the ordering key: (has-dest-url, dest-scheme, dest-url) <
// (has-src-url, src-scheme, src-name) < (src-name).
func less(a, b TransferItem) bool {
	ca, cb := a.classOf(), b.classOf()
	if ca != cb {
		return ca < cb
	}
	switch ca {
	case 0:
		if sa, sb := urlScheme(a.DestURL), urlScheme(b.DestURL); sa != sb {
			return sa < sb
		}
		return a.DestURL < b.DestURL
	case 2:
		if a.SourceScheme != b.SourceScheme {
			return a.SourceScheme < b.SourceScheme
		}
		return a.SourceName < b.SourceName
	default:
		return a.SourceName < b.SourceName
	}
}

// Options configures BuildList.
type Options struct {
	Iwd            string
	MaxDepth       int
	CredentialPath string
	Logger         *slog.Logger
}

// BuildList expands the job's raw input-file entries into a totally
// ordered transfer plan (spec §4.2).
func BuildList(entries []string, opts Options) ([]TransferItem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var items []TransferItem
	var credential *TransferItem

	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		if scheme := urlScheme(entry); scheme != "" {
			items = append(items, TransferItem{SourceName: entry, SourceScheme: scheme})
			continue
		}

		contentsOnly := strings.HasSuffix(entry, string(filepath.Separator)) || strings.HasSuffix(entry, "/")
		trimmed := strings.TrimRight(entry, "/"+string(filepath.Separator))
		full := filepath.Join(opts.Iwd, trimmed)

		expanded, err := expand(full, trimmed, opts.Iwd, contentsOnly, opts.MaxDepth, logger)
		if err != nil {
			return nil, err
		}

		for i := range expanded {
			if opts.CredentialPath != "" && expanded[i].SourceName == opts.CredentialPath && credential == nil {
				c := expanded[i]
				credential = &c
				continue
			}
			items = append(items, expanded[i])
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })

	if credential != nil {
		items = append([]TransferItem{*credential}, items...)
	}
	return items, nil
}

// BuildOutputItems builds destination-URL transfer items for a job's
// declared output files, remap table, and output-destination prefix (spec
// §2 "output-file list", "output remap list", "output destination prefix").
// Each listed output file is paired with a destination URL formed from
// destination and the file's remapped name; a name missing from remaps
// travels under its own name. A listed file missing under iwd is an error;
// a listed directory is skipped. Returns nil without error if
// destination is empty (no stage-out configured) or outputFiles is empty.
func BuildOutputItems(outputFiles []string, iwd, destination string, remaps map[string]string) ([]TransferItem, error) {
	if destination == "" || len(outputFiles) == 0 {
		return nil, nil
	}

	base := strings.TrimRight(destination, "/")
	var items []TransferItem
	for _, raw := range outputFiles {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		full := filepath.Join(iwd, name)
		info, err := os.Lstat(full)
		if err != nil {
			return nil, fmt.Errorf("planner: stat output %s: %w", name, err)
		}
		if info.IsDir() {
			continue
		}

		remoteName := name
		if target, ok := remaps[name]; ok {
			remoteName = target
		}
		items = append(items, TransferItem{
			SourceName: name,
			DestURL:    base + "/" + remoteName,
			FileMode:   info.Mode(),
			FileSize:   info.Size(),
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].DestURL < items[j].DestURL })
	return items, nil
}

// urlScheme returns the URL scheme prefix of entry (e.g. "http", "s3"), or
// "" if entry looks like a local path.
func urlScheme(entry string) string {
	idx := strings.Index(entry, "://")
	if idx <= 0 {
		return ""
	}
	scheme := entry[:idx]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return scheme
}

// expand recurses into a local filesystem entry, applying the directory,
// symlink, domain-socket, and max-depth rules from spec §4.2.
func expand(fullPath, relName, iwd string, contentsOnly bool, maxDepth int, logger *slog.Logger) ([]TransferItem, error) {
	info, err := os.Lstat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("planner: stat %s: %w", relName, err)
	}

	if info.Mode()&os.ModeSocket != 0 {
		logger.Info("dropping domain-socket transfer entry", "path", relName)
		return nil, nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Stat(fullPath)
		if err == nil && target.IsDir() {
			// Symlinks to directories are not followed.
			return []TransferItem{{
				SourceName: relName,
				IsSymlink:  true,
				FileMode:   info.Mode(),
			}}, nil
		}
		return []TransferItem{{
			SourceName: relName,
			IsSymlink:  true,
			FileMode:   info.Mode(),
			FileSize:   info.Size(),
		}}, nil
	}

	if !info.IsDir() {
		return []TransferItem{{
			SourceName: relName,
			FileMode:   info.Mode(),
			FileSize:   info.Size(),
		}}, nil
	}

	var out []TransferItem
	if !contentsOnly {
		out = append(out, TransferItem{
			SourceName:  relName,
			IsDirectory: true,
			FileMode:    info.Mode(),
		})
	}

	children, err := walkDir(fullPath, relName, iwd, 1, maxDepth, logger)
	if err != nil {
		return nil, err
	}
	out = append(out, children...)
	return out, nil
}

func walkDir(fullPath, relName, iwd string, depth, maxDepth int, logger *slog.Logger) ([]TransferItem, error) {
	if maxDepth > 0 && depth > maxDepth {
		return nil, nil
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("planner: readdir %s: %w", relName, err)
	}

	var out []TransferItem
	for _, de := range entries {
		childRel := filepath.Join(relName, de.Name())
		childFull := filepath.Join(fullPath, de.Name())

		info, err := os.Lstat(childFull)
		if err != nil {
			return nil, err
		}

		if info.Mode()&os.ModeSocket != 0 {
			logger.Info("dropping domain-socket transfer entry", "path", childRel)
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			// Symlinks to directories are recorded but never descended into.
			out = append(out, TransferItem{
				SourceName: childRel,
				IsSymlink:  true,
				FileMode:   info.Mode(),
				FileSize:   info.Size(),
			})
			continue
		}

		if info.IsDir() {
			out = append(out, TransferItem{SourceName: childRel, IsDirectory: true, FileMode: info.Mode()})
			nested, err := walkDir(childFull, childRel, iwd, depth+1, maxDepth, logger)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}

		out = append(out, TransferItem{SourceName: childRel, FileMode: info.Mode(), FileSize: info.Size()})
	}
	return out, nil
}
