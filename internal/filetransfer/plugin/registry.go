// Package plugin implements the plugin registry (C3): discovery of external
// transport helpers by URL scheme, and the plugin invoker (C4) that spawns
// them for single- and multi-file transfers (spec §4.3, §4.4, §6).
package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/relayforge/relayforge/internal/classad"
)

// Registration describes one discovered plugin binary.
type Registration struct {
	Path            string
	SupportedSchemes []string
	MultiFile       bool
	Version         string
}

// Registry maps a URL scheme to the plugin that handles it. It is built
// once at startup and is read-only afterward, so concurrent sessions may
// share a single instance without locking (spec §5).
type Registry struct {
	mu          sync.RWMutex
	byScheme    map[string]*Registration
	byPath      map[string]*Registration
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byScheme: map[string]*Registration{},
		byPath:   map[string]*Registration{},
	}
}

// Runner spawns a plugin capability probe. Production callers pass
// execRunner; tests may substitute a fake.
type Runner interface {
	Probe(ctx context.Context, path string) ([]byte, error)
}

// execRunner shells out to the plugin binary with "-classad" the way the
// plugin contract in spec §6 requires.
type execRunner struct{}

func (execRunner) Probe(ctx context.Context, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, "-classad")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("plugin: probe %s: %w", path, err)
	}
	return out.Bytes(), nil
}

// DefaultRunner is the production Runner implementation.
var DefaultRunner Runner = execRunner{}

// Discover probes each candidate plugin path with "-classad" and registers
// it under every scheme it reports supporting. If any registered plugin
// supports https, an implicit s3 capability is asserted on that same
// plugin, matching the source's implicit-s3-from-https rule (spec §4.3).
func (r *Registry) Discover(ctx context.Context, runner Runner, paths []string) error {
	if runner == nil {
		runner = DefaultRunner
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, path := range paths {
		out, err := runner.Probe(ctx, path)
		if err != nil {
			return err
		}
		attrs, err := classad.Parse(bytes.NewReader(out))
		if err != nil {
			return fmt.Errorf("plugin: parse capability probe for %s: %w", path, err)
		}

		reg := &Registration{Path: path}
		if methods, ok := attrs.GetString("SupportedMethods"); ok {
			for _, s := range strings.Split(methods, ",") {
				s = strings.TrimSpace(s)
				if s != "" {
					reg.SupportedSchemes = append(reg.SupportedSchemes, s)
				}
			}
		}
		if multi, ok := attrs.GetBool("MultipleFileSupport"); ok {
			reg.MultiFile = multi
		}
		if version, ok := attrs.GetString("PluginVersion"); ok {
			reg.Version = version
		}

		r.byPath[path] = reg
		for _, scheme := range reg.SupportedSchemes {
			r.byScheme[scheme] = reg
			if scheme == "https" {
				if _, taken := r.byScheme["s3"]; !taken {
					r.byScheme["s3"] = reg
				}
			}
		}
	}
	return nil
}

// Lookup returns the plugin registered for scheme, honoring a job-level
// inline override map (scheme=path;...) that wins over the global table.
// Overrides are assumed multi-file capable, so no capability probe is
// needed for them. An override carries no privilege setting of its own: it
// runs under the same privilege setting as a registered plugin.
func (r *Registry) Lookup(scheme string, jobOverrides map[string]string) (*Registration, bool) {
	if path, ok := jobOverrides[scheme]; ok {
		return &Registration{Path: path, SupportedSchemes: []string{scheme}, MultiFile: true}, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byScheme[scheme]
	return reg, ok
}

// ParseOverrides parses a job's inline plugin override string
// ("scheme=path;scheme2=path2") into a scheme→path map.
func ParseOverrides(spec string) map[string]string {
	m := map[string]string{}
	for _, pair := range strings.Split(spec, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		m[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return m
}
