package filex

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrIllegalSandboxPath is returned by SafeJoin when name would resolve
// outside root (spec §4.9 path safety, §7 "Path safety", §8 P4).
var ErrIllegalSandboxPath = errors.New("filex: illegal sandbox path")

// SafeJoin joins root and name, rejecting any name that is absolute or that
// escapes root via ".." components after cleaning. It never touches the
// filesystem — it is a pure path check, so callers can use it before
// deciding whether to open/create anything.
func SafeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", ErrIllegalSandboxPath
	}

	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrIllegalSandboxPath
	}

	full := filepath.Join(root, cleaned)

	rootClean := filepath.Clean(root)
	if full != rootClean && !strings.HasPrefix(full, rootClean+string(filepath.Separator)) {
		return "", ErrIllegalSandboxPath
	}

	return full, nil
}

// ApplyRemap rewrites name according to a "source=target" remap table, as
// used for sender- and receiver-supplied remaps (GLOSSARY: Remap). If name
// has no matching source entry it is returned unchanged.
func ApplyRemap(remap map[string]string, name string) string {
	if target, ok := remap[name]; ok {
		return target
	}
	return name
}

// ParseRemapList parses a "source=target;source2=target2" remap spec into a
// lookup table.
func ParseRemapList(spec string) map[string]string {
	out := map[string]string{}
	if spec == "" {
		return out
	}
	for _, pair := range strings.Split(spec, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}
