package gitutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"fatal: Unable to create '.git/index.lock': File exists.", true},
		{"fatal: cannot lock ref 'refs/heads/main'", true},
		{"fatal: pathspec 'foo' did not match any files", false},
	}
	for _, c := range cases {
		if got := isTransient(c.msg); got != c.want {
			t.Errorf("isTransient(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initRepo(t *testing.T, dir string) *CLI {
	t.Helper()
	c := NewCLI()
	ctx := context.Background()
	run := func(args ...string) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.name", "test")
	run("config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return c
}

func TestCLIWorktreeAndCommitCycle(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repoDir := t.TempDir()
	c := initRepo(t, repoDir)

	base, err := c.HeadSHA(ctx, repoDir)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}

	worktreeDir := filepath.Join(t.TempDir(), "wt")
	if err := c.CreateWorktree(ctx, repoDir, worktreeDir, "voratiq/run/test/agent-a", base); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(worktreeDir, "new.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.AddAll(ctx, worktreeDir); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	staged, err := c.HasStagedChanges(ctx, worktreeDir)
	if err != nil {
		t.Fatalf("HasStagedChanges: %v", err)
	}
	if !staged {
		t.Fatal("expected staged changes")
	}

	env := append(os.Environ(), "GIT_AUTHOR_NAME=sandbox", "GIT_AUTHOR_EMAIL=sandbox@voratiq.local")
	if err := c.Commit(ctx, worktreeDir, "agent commit", env); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	head, err := c.HeadSHA(ctx, worktreeDir)
	if err != nil {
		t.Fatalf("HeadSHA after commit: %v", err)
	}
	if head == base {
		t.Fatal("expected HEAD to advance past base")
	}

	patch, err := c.DiffPatch(ctx, worktreeDir, base, head)
	if err != nil {
		t.Fatalf("DiffPatch: %v", err)
	}
	if patch == "" {
		t.Error("expected non-empty diff patch")
	}

	numstat, err := c.NumStat(ctx, worktreeDir, base, head)
	if err != nil {
		t.Fatalf("NumStat: %v", err)
	}
	if numstat == "" {
		t.Error("expected non-empty numstat")
	}

	shortstat, err := c.ShortStat(ctx, worktreeDir, base, head)
	if err != nil {
		t.Fatalf("ShortStat: %v", err)
	}
	if shortstat == "" {
		t.Error("expected non-empty shortstat")
	}

	size, err := c.CatFileSize(ctx, worktreeDir, head, "new.txt")
	if err != nil {
		t.Fatalf("CatFileSize: %v", err)
	}
	if size != int64(len("content\n")) {
		t.Errorf("size = %d, want %d", size, len("content\n"))
	}

	if err := c.RemoveWorktree(ctx, repoDir, worktreeDir); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
}
