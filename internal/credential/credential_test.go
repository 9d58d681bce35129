package credential

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/voratiq/voratiq/internal/agent"
)

func TestLookupKnownProviders(t *testing.T) {
	for _, h := range []agent.Harness{agent.HarnessClaude, agent.HarnessCodex, agent.HarnessGemini} {
		if _, err := Lookup(h); err != nil {
			t.Errorf("Lookup(%s): %v", h, err)
		}
	}
}

func TestLookupUnknownProvider(t *testing.T) {
	if _, err := Lookup("unknown"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestClaudeStageViaAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	p := claudeProvider{}
	ctx, err := p.Stage(Runtime{}, t.TempDir())
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if ctx.Env["ANTHROPIC_API_KEY"] != "sk-test" {
		t.Errorf("env = %+v", ctx.Env)
	}
	if len(ctx.Staged) != 0 {
		t.Errorf("expected no staged files when using an API key, got %+v", ctx.Staged)
	}
}

func TestClaudeStageViaFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	home := t.TempDir()
	credDir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(credDir, ".credentials.json"), []byte(`{"token":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	p := claudeProvider{}
	rt := Runtime{Home: home}
	if err := p.Verify(rt); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	sandboxHome := t.TempDir()
	ctx, err := p.Stage(rt, sandboxHome)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(ctx.Staged) != 1 {
		t.Fatalf("staged = %+v, want 1 file", ctx.Staged)
	}
	data, err := os.ReadFile(ctx.Staged[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"token":"x"}` {
		t.Errorf("staged content = %q", data)
	}
	info, err := os.Stat(ctx.Staged[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("staged mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestClaudeVerifyMissingCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	p := claudeProvider{}
	if err := p.Verify(Runtime{Home: t.TempDir()}); err == nil {
		t.Error("expected verify error when no credentials exist")
	}
}

func TestRegistryTeardownIdempotent(t *testing.T) {
	sandboxHome := t.TempDir()
	staged := filepath.Join(sandboxHome, ".claude", ".credentials.json")
	if err := os.MkdirAll(filepath.Dir(staged), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(staged, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	reg.Put("run-1", "agent-a", Context{Staged: []StagedFile{{Path: staged, Mode: 0o600}}})

	if err := reg.Teardown("run-1", "agent-a", sandboxHome); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("expected staged file to be removed")
	}
	if err := reg.Teardown("run-1", "agent-a", sandboxHome); err != nil {
		t.Fatalf("second Teardown should be a no-op, got: %v", err)
	}
}

func TestRegistryTeardownRun(t *testing.T) {
	sandboxHomeA := t.TempDir()
	sandboxHomeB := t.TempDir()
	fileA := filepath.Join(sandboxHomeA, "cred.json")
	fileB := filepath.Join(sandboxHomeB, "cred.json")
	os.WriteFile(fileA, []byte("a"), 0o600)
	os.WriteFile(fileB, []byte("b"), 0o600)

	reg := NewRegistry()
	reg.Put("run-1", "agent-a", Context{Staged: []StagedFile{{Path: fileA}}})
	reg.Put("run-1", "agent-b", Context{Staged: []StagedFile{{Path: fileB}}})

	homes := map[string]string{"agent-a": sandboxHomeA, "agent-b": sandboxHomeB}
	err := reg.TeardownRun("run-1", func(agentID string) string { return homes[agentID] })
	if err != nil {
		t.Fatalf("TeardownRun: %v", err)
	}
	if _, err := os.Stat(fileA); !os.IsNotExist(err) {
		t.Error("fileA should be removed")
	}
	if _, err := os.Stat(fileB); !os.IsNotExist(err) {
		t.Error("fileB should be removed")
	}
}
