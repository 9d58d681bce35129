package credential

import (
	"os"
	"path/filepath"
)

// claudeProvider stages ~/.claude/.credentials.json, mirroring the location
// internal/agent/claude already knows how to read session transcripts from.
type claudeProvider struct{}

func (claudeProvider) sourcePath(rt Runtime) string {
	if rt.ClaudeConfigDir != "" {
		return filepath.Join(rt.ClaudeConfigDir, ".credentials.json")
	}
	return filepath.Join(rt.Home, ".claude", ".credentials.json")
}

func (p claudeProvider) Verify(rt Runtime) error {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return nil
	}
	return verifyExists(p.sourcePath(rt))
}

func (p claudeProvider) Stage(rt Runtime, sandboxHome string) (Context, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return Context{Env: map[string]string{"ANTHROPIC_API_KEY": key}}, nil
	}
	dest := filepath.Join(sandboxHome, ".claude", ".credentials.json")
	staged, err := stageFile(sandboxHome, dest, p.sourcePath(rt))
	if err != nil {
		return Context{}, err
	}
	return Context{Staged: []StagedFile{staged}}, nil
}

// codexProvider stages ~/.codex/auth.json.
type codexProvider struct{}

func (codexProvider) sourcePath(rt Runtime) string {
	return filepath.Join(rt.Home, ".codex", "auth.json")
}

func (p codexProvider) Verify(rt Runtime) error {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return nil
	}
	return verifyExists(p.sourcePath(rt))
}

func (p codexProvider) Stage(rt Runtime, sandboxHome string) (Context, error) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return Context{Env: map[string]string{"OPENAI_API_KEY": key}}, nil
	}
	dest := filepath.Join(sandboxHome, ".codex", "auth.json")
	staged, err := stageFile(sandboxHome, dest, p.sourcePath(rt))
	if err != nil {
		return Context{}, err
	}
	return Context{Staged: []StagedFile{staged}}, nil
}

// geminiProvider stages ~/.gemini/oauth_creds.json.
type geminiProvider struct{}

func (geminiProvider) sourcePath(rt Runtime) string {
	return filepath.Join(rt.Home, ".gemini", "oauth_creds.json")
}

func (p geminiProvider) Verify(rt Runtime) error {
	if os.Getenv("GEMINI_API_KEY") != "" {
		return nil
	}
	return verifyExists(p.sourcePath(rt))
}

func (p geminiProvider) Stage(rt Runtime, sandboxHome string) (Context, error) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return Context{Env: map[string]string{"GEMINI_API_KEY": key}}, nil
	}
	dest := filepath.Join(sandboxHome, ".gemini", "oauth_creds.json")
	staged, err := stageFile(sandboxHome, dest, p.sourcePath(rt))
	if err != nil {
		return Context{}, err
	}
	return Context{Staged: []StagedFile{staged}}, nil
}
