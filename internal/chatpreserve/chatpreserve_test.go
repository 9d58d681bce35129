package chatpreserve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/voratiq/voratiq/internal/agent"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPreserveClaudeConcatenatesJSONL(t *testing.T) {
	sandbox := t.TempDir()
	artifacts := t.TempDir()
	writeFile(t, filepath.Join(sandbox, ".claude", "projects", "p1", "session.jsonl"), `{"a":1}`+"\n")
	writeFile(t, filepath.Join(sandbox, ".claude", "projects", "p2", "session.jsonl"), `{"b":2}`)

	res, err := Preserve(agent.HarnessClaude, sandbox, artifacts)
	if err != nil {
		t.Fatalf("Preserve: %v", err)
	}
	if !res.Captured {
		t.Fatal("expected capture")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %+v", res.Warnings)
	}

	data, err := os.ReadFile(filepath.Join(artifacts, "chat.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	want := "{\"a\":1}\n{\"b\":2}\n"
	if string(data) != want {
		t.Errorf("chat.jsonl = %q, want %q", data, want)
	}
}

func TestPreserveCodexNoTranscriptsYieldsNotFound(t *testing.T) {
	sandbox := t.TempDir()
	artifacts := t.TempDir()

	res, err := Preserve(agent.HarnessCodex, sandbox, artifacts)
	if err != nil {
		t.Fatalf("Preserve: %v", err)
	}
	if res.Captured {
		t.Error("expected no capture when no transcripts exist")
	}
	if _, err := os.Stat(filepath.Join(artifacts, "chat.jsonl")); !os.IsNotExist(err) {
		t.Error("expected no chat.jsonl to be written")
	}
}

func TestPreserveGeminiBuildsJSONWrapper(t *testing.T) {
	sandbox := t.TempDir()
	artifacts := t.TempDir()
	writeFile(t, filepath.Join(sandbox, ".gemini", "tmp", "abc123", "chats", "chat-1.json"), `{"messages":[{"role":"user","text":"hi"}]}`)

	res, err := Preserve(agent.HarnessGemini, sandbox, artifacts)
	if err != nil {
		t.Fatalf("Preserve: %v", err)
	}
	if !res.Captured {
		t.Fatal("expected capture")
	}

	data, err := os.ReadFile(filepath.Join(artifacts, "chat.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc chatDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal chat.json: %v", err)
	}
	if doc.Provider != agent.HarnessGemini {
		t.Errorf("provider = %q, want gemini", doc.Provider)
	}
	if len(doc.Transcripts) != 1 {
		t.Fatalf("transcripts = %d, want 1", len(doc.Transcripts))
	}
	wantPath := filepath.Join(".gemini", "tmp", "abc123", "chats", "chat-1.json")
	if doc.Transcripts[0].Path != wantPath {
		t.Errorf("path = %q, want %q", doc.Transcripts[0].Path, wantPath)
	}
	var payload map[string]any
	if err := json.Unmarshal(doc.Transcripts[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["messages"]; !ok {
		t.Error("expected payload to preserve messages field")
	}
}

func TestPreserveGeminiWarnsOnInvalidJSON(t *testing.T) {
	sandbox := t.TempDir()
	artifacts := t.TempDir()
	writeFile(t, filepath.Join(sandbox, ".gemini", "tmp", "abc123", "chats", "broken.json"), `not json`)
	writeFile(t, filepath.Join(sandbox, ".gemini", "tmp", "abc123", "chats", "ok.json"), `{"messages":[]}`)

	res, err := Preserve(agent.HarnessGemini, sandbox, artifacts)
	if err != nil {
		t.Fatalf("Preserve: %v", err)
	}
	if !res.Captured {
		t.Fatal("expected capture from the valid file")
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %+v, want 1", res.Warnings)
	}
}

func TestLookupUnknownHarnessReturnsNil(t *testing.T) {
	if Lookup(agent.Harness("unknown")) != nil {
		t.Error("expected nil locator for unknown harness")
	}
	res, err := Preserve(agent.Harness("unknown"), t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("Preserve: %v", err)
	}
	if res.Captured {
		t.Error("expected no capture for unknown harness")
	}
}
