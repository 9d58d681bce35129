package sandboxpolicy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/voratiq/voratiq/internal/agent"
)

func TestResolveAppliesProviderDefaultThenOverrides(t *testing.T) {
	overrides := Overrides{
		Default: Policy{Network: NetworkPolicy{DeniedDomains: []string{"evil.example"}}},
		Providers: map[agent.Harness]Policy{
			agent.HarnessClaude: {Network: NetworkPolicy{AllowedDomains: []string{"console.anthropic.com"}}},
		},
	}
	p := Resolve(overrides, agent.HarnessClaude)
	want := []string{"api.anthropic.com", "console.anthropic.com"}
	if len(p.Network.AllowedDomains) != len(want) {
		t.Fatalf("AllowedDomains = %v, want %v", p.Network.AllowedDomains, want)
	}
	for i, d := range want {
		if p.Network.AllowedDomains[i] != d {
			t.Errorf("AllowedDomains[%d] = %q, want %q", i, p.Network.AllowedDomains[i], d)
		}
	}
	if len(p.Network.DeniedDomains) != 1 || p.Network.DeniedDomains[0] != "evil.example" {
		t.Errorf("DeniedDomains = %v", p.Network.DeniedDomains)
	}
	if !p.DenialBackoff.Enabled {
		t.Error("expected denial backoff to remain enabled from provider default")
	}
}

func TestUnionDedupPreservesFirstAppearanceOrder(t *testing.T) {
	got := unionDedup([]string{"a", "b"}, []string{"b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got = %v, want %v", got, want)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("got[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestMergeDenialBackoffOverrideScalarsWin(t *testing.T) {
	base := DenialBackoff{Enabled: true, WarningThreshold: 3, DelayMs: 500}
	override := DenialBackoff{DelayMs: 1000}
	merged := mergeDenialBackoff(base, override)
	if merged.DelayMs != 1000 {
		t.Errorf("DelayMs = %d, want 1000", merged.DelayMs)
	}
	if merged.WarningThreshold != 3 {
		t.Errorf("WarningThreshold = %d, want preserved 3", merged.WarningThreshold)
	}
}

func TestLoadOverridesMissingFileYieldsEmpty(t *testing.T) {
	overrides, err := LoadOverrides(filepath.Join(t.TempDir(), "sandbox.yaml"))
	if err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}
	if len(overrides.Providers) != 0 {
		t.Errorf("expected no providers, got %+v", overrides.Providers)
	}
}

func TestWriteProducesValidJSON(t *testing.T) {
	root := t.TempDir()
	manifestDir := filepath.Join(root, "agent-1", "runtime")
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := DefaultFor(agent.HarnessCodex)
	if err := Write(root, manifestDir, p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(manifestDir, "sandbox.json"))
	if err != nil {
		t.Fatal(err)
	}
	var decoded Policy
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Network.AllowedDomains) == 0 {
		t.Error("expected allowed domains to round-trip")
	}
}
