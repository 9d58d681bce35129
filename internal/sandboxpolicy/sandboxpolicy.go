// Package sandboxpolicy builds the per-agent runtime/sandbox.json the
// sandbox launcher reads: provider defaults merged with user overrides from
// sandbox.yaml, per spec.md §6. The list-field union-with-dedup merge rule
// adapts manifest.MergePath's order-preserving dedup idiom from PATH
// strings to arbitrary string lists.
package sandboxpolicy

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/voratiq/voratiq/internal/agent"
	"github.com/voratiq/voratiq/internal/pathguard"
	"gopkg.in/yaml.v3"
)

// NetworkPolicy controls which network destinations an agent's sandbox may
// reach.
type NetworkPolicy struct {
	AllowedDomains      []string `json:"allowedDomains,omitempty" yaml:"allowedDomains,omitempty"`
	DeniedDomains       []string `json:"deniedDomains,omitempty" yaml:"deniedDomains,omitempty"`
	AllowLocalBinding   bool     `json:"allowLocalBinding,omitempty" yaml:"allowLocalBinding,omitempty"`
	AllowUnixSockets    []string `json:"allowUnixSockets,omitempty" yaml:"allowUnixSockets,omitempty"`
	AllowAllUnixSockets bool     `json:"allowAllUnixSockets,omitempty" yaml:"allowAllUnixSockets,omitempty"`
}

// FilesystemPolicy controls which paths an agent's sandbox may read or write.
type FilesystemPolicy struct {
	AllowWrite []string `json:"allowWrite,omitempty" yaml:"allowWrite,omitempty"`
	DenyRead   []string `json:"denyRead,omitempty" yaml:"denyRead,omitempty"`
	DenyWrite  []string `json:"denyWrite,omitempty" yaml:"denyWrite,omitempty"`
}

// DenialBackoff tunes how the sandbox reacts to repeated denied operations.
type DenialBackoff struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	WarningThreshold  int  `json:"warningThreshold,omitempty" yaml:"warningThreshold,omitempty"`
	DelayThreshold    int  `json:"delayThreshold,omitempty" yaml:"delayThreshold,omitempty"`
	DelayMs           int  `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
	FailFastThreshold int  `json:"failFastThreshold,omitempty" yaml:"failFastThreshold,omitempty"`
	WindowMs          int  `json:"windowMs,omitempty" yaml:"windowMs,omitempty"`
}

// Policy is one agent's full sandbox policy, written to runtime/sandbox.json.
type Policy struct {
	Network       NetworkPolicy    `json:"network" yaml:"network"`
	Filesystem    FilesystemPolicy `json:"filesystem" yaml:"filesystem"`
	DenialBackoff DenialBackoff    `json:"denialBackoff" yaml:"denialBackoff"`
}

// Overrides is the top-level shape of sandbox.yaml: a default policy applied
// to every agent, and optional per-provider overrides keyed by harness.
type Overrides struct {
	Default   Policy                    `yaml:"default"`
	Providers map[agent.Harness]Policy `yaml:"providers,omitempty"`
}

// providerDefaults are the built-in per-provider defaults merged under any
// user override; each provider may reach only its own API.
var providerDefaults = map[agent.Harness]Policy{
	agent.HarnessClaude: {
		Network: NetworkPolicy{AllowedDomains: []string{"api.anthropic.com"}},
		DenialBackoff: DenialBackoff{Enabled: true, WarningThreshold: 3, DelayThreshold: 6, DelayMs: 500, FailFastThreshold: 12, WindowMs: 60_000},
	},
	agent.HarnessCodex: {
		Network: NetworkPolicy{AllowedDomains: []string{"api.openai.com", "chatgpt.com"}},
		DenialBackoff: DenialBackoff{Enabled: true, WarningThreshold: 3, DelayThreshold: 6, DelayMs: 500, FailFastThreshold: 12, WindowMs: 60_000},
	},
	agent.HarnessGemini: {
		Network: NetworkPolicy{AllowedDomains: []string{"generativelanguage.googleapis.com"}},
		DenialBackoff: DenialBackoff{Enabled: true, WarningThreshold: 3, DelayThreshold: 6, DelayMs: 500, FailFastThreshold: 12, WindowMs: 60_000},
	},
}

// DefaultFor returns the built-in policy for harness, or a zero Policy
// (deny-by-default network, no filesystem grants) for an unrecognized one.
func DefaultFor(harness agent.Harness) Policy {
	return providerDefaults[harness]
}

// LoadOverrides reads sandbox.yaml. A missing file yields an empty
// Overrides, since user overrides are optional.
func LoadOverrides(path string) (Overrides, error) {
	var out Overrides
	data, err := readOptional(path)
	if err != nil {
		return out, err
	}
	if data == nil {
		return out, nil
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Resolve computes the effective policy for harness: the provider default,
// merged with the override file's "default" section, merged with its
// provider-specific section (later sections win on scalars, union on lists).
func Resolve(overrides Overrides, harness agent.Harness) Policy {
	p := Merge(DefaultFor(harness), overrides.Default)
	if providerOverride, ok := overrides.Providers[harness]; ok {
		p = Merge(p, providerOverride)
	}
	return p
}

// Merge combines base and override: list fields union-with-dedup preserving
// first-appearance order; scalar fields take override's value when it is
// the non-zero/true one.
func Merge(base, override Policy) Policy {
	return Policy{
		Network: NetworkPolicy{
			AllowedDomains:      unionDedup(base.Network.AllowedDomains, override.Network.AllowedDomains),
			DeniedDomains:       unionDedup(base.Network.DeniedDomains, override.Network.DeniedDomains),
			AllowLocalBinding:   base.Network.AllowLocalBinding || override.Network.AllowLocalBinding,
			AllowUnixSockets:    unionDedup(base.Network.AllowUnixSockets, override.Network.AllowUnixSockets),
			AllowAllUnixSockets: base.Network.AllowAllUnixSockets || override.Network.AllowAllUnixSockets,
		},
		Filesystem: FilesystemPolicy{
			AllowWrite: unionDedup(base.Filesystem.AllowWrite, override.Filesystem.AllowWrite),
			DenyRead:   unionDedup(base.Filesystem.DenyRead, override.Filesystem.DenyRead),
			DenyWrite:  unionDedup(base.Filesystem.DenyWrite, override.Filesystem.DenyWrite),
		},
		DenialBackoff: mergeDenialBackoff(base.DenialBackoff, override.DenialBackoff),
	}
}

func mergeDenialBackoff(base, override DenialBackoff) DenialBackoff {
	out := base
	if override.Enabled {
		out.Enabled = true
	}
	if override.WarningThreshold != 0 {
		out.WarningThreshold = override.WarningThreshold
	}
	if override.DelayThreshold != 0 {
		out.DelayThreshold = override.DelayThreshold
	}
	if override.DelayMs != 0 {
		out.DelayMs = override.DelayMs
	}
	if override.FailFastThreshold != 0 {
		out.FailFastThreshold = override.FailFastThreshold
	}
	if override.WindowMs != 0 {
		out.WindowMs = override.WindowMs
	}
	return out
}

func unionDedup(base, override []string) []string {
	seen := make(map[string]struct{}, len(base)+len(override))
	var out []string
	for _, list := range [][]string{base, override} {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write serializes p to <manifestDir>/sandbox.json, asserting the
// destination stays within root.
func Write(root, manifestDir string, p Policy) error {
	path := filepath.Join(manifestDir, "sandbox.json")
	if err := pathguard.AssertWithin(root, path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return pathguard.AtomicWriteFile(path, data, 0o644)
}
