// Package agent defines the provider-agnostic data model for a configured
// coding agent: its launch definition, the harness identifiers known to the
// engine, and the usage/cost accounting shape shared across every provider.
package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Harness identifies the LLM coding-agent CLI a Definition launches.
type Harness string

// Known harnesses. The credential and chatpreserve packages key their
// built-in per-provider tables by these ids; there is no runtime
// registration, so a provider id with no table entry has no adapter.
const (
	HarnessClaude Harness = "claude"
	HarnessCodex  Harness = "codex"
	HarnessGemini Harness = "gemini"
)

// modelToken is the literal placeholder substituted with Definition.Model
// inside Definition.Argv at launch time.
const modelToken = "{{MODEL}}"

// idPattern matches the allowed alphabet for an agent id: lowercase letters,
// digits, and hyphens.
var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Definition is the static, user-supplied configuration for one agent
// participating in a run. It corresponds to spec.md's AgentDefinition.
type Definition struct {
	ID       string            `yaml:"id"`
	Provider Harness           `yaml:"provider"`
	Model    string            `yaml:"model"`
	Binary   string            `yaml:"binary"`
	Argv     []string          `yaml:"argv"`
	Env      map[string]string `yaml:"env,omitempty"`
}

// Validate checks the structural invariants spec.md places on an
// AgentDefinition: a slug id, a non-empty provider, and a binary path. It
// does not check that the provider has a credential adapter (credential.Lookup
// does) or that the binary exists on disk — that is a workspace-setup
// concern, not a validation one.
func (d Definition) Validate() error {
	if d.ID == "" || !idPattern.MatchString(d.ID) {
		return fmt.Errorf("agent id %q must match [a-z0-9-]+", d.ID)
	}
	if d.Provider == "" {
		return fmt.Errorf("agent %q: provider is required", d.ID)
	}
	if d.Binary == "" {
		return fmt.Errorf("agent %q: binary is required", d.ID)
	}
	return nil
}

// ResolvedArgv substitutes the literal {{MODEL}} token in Argv with Model,
// leaving every other element untouched. The returned slice is always a
// fresh copy; callers may mutate it freely.
func (d Definition) ResolvedArgv() []string {
	out := make([]string, len(d.Argv))
	for i, a := range d.Argv {
		out[i] = strings.ReplaceAll(a, modelToken, d.Model)
	}
	return out
}

// ValidateUniqueIDs checks that every Definition.ID in defs is unique,
// per spec.md invariant 2 and the "duplicate agentId fails validation"
// boundary behavior in §8.
func ValidateUniqueIDs(defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("duplicate agent id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// Usage mirrors the token/cost accounting shape used across providers
// (modeled on github.com/maruel/genai's Usage type), so eval cost roll-ups
// are directly comparable regardless of which harness produced them.
type Usage struct {
	InputTokens       int64   `json:"inputTokens,omitempty"`
	OutputTokens      int64   `json:"outputTokens,omitempty"`
	CachedInputTokens int64   `json:"cachedInputTokens,omitempty"`
	CostUSD           float64 `json:"costUsd,omitempty"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + o.InputTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
		CachedInputTokens: u.CachedInputTokens + o.CachedInputTokens,
		CostUSD:           u.CostUSD + o.CostUSD,
	}
}
