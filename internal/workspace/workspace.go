// Package workspace builds the canonical per-agent directory layout and git
// worktree spec.md §4.5 describes, and links declared environment
// dependencies into it.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voratiq/voratiq/internal/envconfig"
	"github.com/voratiq/voratiq/internal/gitutil"
	"github.com/voratiq/voratiq/internal/pathguard"
	"github.com/voratiq/voratiq/internal/runrecord"
)

// Layout is the canonical set of paths under one agent's run directory:
// .voratiq/runs/sessions/<runId>/<agentId>/.
type Layout struct {
	AgentRoot string
	Sandbox   string
	Runtime   string
	Artifacts string
	Evals     string
	Workspace string // the git worktree

	// NodeBinDir and VenvBinDir are absolute PATH prepends to wire into the
	// manifest, empty when the corresponding dependency wasn't declared.
	NodeBinDir string
	VenvBinDir string

	// AccessShim is the absolute path to the in-workspace shim script the
	// manifest wraps the agent's own binary/argv with, per spec.md §4.5.
	AccessShim string
}

// NewLayout computes the canonical path layout without creating anything.
func NewLayout(sessionsDir, runID, agentID string) Layout {
	root := filepath.Join(sessionsDir, runID, agentID)
	return Layout{
		AgentRoot: root,
		Sandbox:   filepath.Join(root, "sandbox"),
		Runtime:   filepath.Join(root, "runtime"),
		Artifacts: filepath.Join(root, "artifacts"),
		Evals:     filepath.Join(root, "evals"),
		Workspace: filepath.Join(root, "workspace"),
	}
}

// Branch returns the deterministic worktree branch name for (runID, agentID).
func Branch(runID, agentID string) string {
	return fmt.Sprintf("voratiq/run/%s/%s", runID, agentID)
}

// Build creates the full directory tree, the git worktree, and links
// declared environment dependencies, per spec.md §4.5. repoRoot is the
// host repository the worktree is created from; sessionsDir is its
// .voratiq/runs/sessions directory.
func Build(ctx context.Context, ops gitutil.Ops, repoRoot, sessionsDir, runID, agentID, baseRevisionSha string, env envconfig.EnvironmentConfig) (Layout, error) {
	layout := NewLayout(sessionsDir, runID, agentID)

	for _, dir := range []string{layout.Sandbox, layout.Runtime, layout.Artifacts, layout.Evals} {
		if err := pathguard.AssertWithin(sessionsDir, dir); err != nil {
			return Layout{}, runrecord.NewError(runrecord.KindWorkspaceSetup, "agent directory escapes sessions root").WithCause(err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, runrecord.NewError(runrecord.KindWorkspaceSetup, "creating agent directory").WithDetail(dir).WithCause(err)
		}
	}

	if err := ops.CreateWorktree(ctx, repoRoot, layout.Workspace, Branch(runID, agentID), baseRevisionSha); err != nil {
		return Layout{}, runrecord.NewError(runrecord.KindWorkspaceSetup, "creating worktree").WithCause(err)
	}

	if err := removeExistingTmp(layout); err != nil {
		return Layout{}, err
	}

	nodeBinDir, err := linkNodeDependencies(repoRoot, layout.Workspace, env.NodeDependencyRoots)
	if err != nil {
		return Layout{}, err
	}
	layout.NodeBinDir = nodeBinDir

	venvBinDir, err := linkPythonVenv(repoRoot, layout.Workspace, env.PythonVenvPath)
	if err != nil {
		return Layout{}, err
	}
	layout.VenvBinDir = venvBinDir

	shimPath, err := writeAccessShim(layout)
	if err != nil {
		return Layout{}, err
	}
	layout.AccessShim = shimPath

	return layout, nil
}

// removeExistingTmp deletes any pre-existing tmp/ directory directly under
// the agent root, so a stale directory from a previous attempt at the same
// runId/agentId never leaks into the new sandbox.
func removeExistingTmp(layout Layout) error {
	tmp := filepath.Join(layout.AgentRoot, "tmp")
	if err := pathguard.AssertWithin(layout.AgentRoot, tmp); err != nil {
		return runrecord.NewError(runrecord.KindWorkspaceSetup, "tmp path escapes agent root").WithCause(err)
	}
	if err := os.RemoveAll(tmp); err != nil {
		return runrecord.NewError(runrecord.KindWorkspaceSetup, "removing stale tmp directory").WithCause(err)
	}
	return nil
}

// linkNodeDependencies symlinks node_modules from each declared dependency
// root in repoRoot into the corresponding path in the worktree, so the agent
// never needs to reinstall packages. Returns the node_modules/.bin inside
// the worktree of the first root that was linked, or "" if none was.
func linkNodeDependencies(repoRoot, worktree string, roots []string) (string, error) {
	var binDir string
	for _, rel := range roots {
		if err := pathguard.AssertRepoRelative(rel); err != nil {
			return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "node dependency root escapes repo").WithCause(err)
		}
		src := filepath.Join(repoRoot, rel, "node_modules")
		if _, err := os.Stat(src); err != nil {
			continue // nothing installed at this root; not this component's job to npm install.
		}
		dst := filepath.Join(worktree, rel, "node_modules")
		if err := pathguard.AssertWithin(worktree, dst); err != nil {
			return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "node dependency destination escapes worktree").WithCause(err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "creating node dependency parent").WithCause(err)
		}
		if err := os.Symlink(src, dst); err != nil {
			return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "linking node_modules").WithDetail(dst).WithCause(err)
		}
		if binDir == "" {
			binDir = filepath.Join(dst, ".bin")
		}
	}
	return binDir, nil
}

// linkPythonVenv symlinks the declared virtualenv into the worktree and
// returns its bin directory, empty if no venv was declared or found.
func linkPythonVenv(repoRoot, worktree, relPath string) (string, error) {
	if relPath == "" {
		return "", nil
	}
	if err := pathguard.AssertRepoRelative(relPath); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "python venv path escapes repo").WithCause(err)
	}
	src := filepath.Join(repoRoot, relPath)
	if _, err := os.Stat(src); err != nil {
		return "", nil
	}
	dst := filepath.Join(worktree, filepath.Base(relPath))
	if err := pathguard.AssertWithin(worktree, dst); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "python venv destination escapes worktree").WithCause(err)
	}
	if err := os.Symlink(src, dst); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "linking python venv").WithDetail(dst).WithCause(err)
	}
	return filepath.Join(dst, "bin"), nil
}

// accessShimScript mediates the agent's filesystem access: the manifest
// launches this script instead of the agent binary directly, with the real
// binary as its first argument and the agent's own argv following it. Every
// remaining argument that resolves to a path outside the worktree aborts the
// launch; arguments starting with "-" and arguments whose parent directory
// does not exist are not checked. The binary itself (the first argument,
// typically an absolute path to the installed CLI) is exempt from the check
// since it is not agent-controlled input.
const accessShimScript = `#!/bin/sh
# voratiq sandbox access shim: refuses to launch with any argument that
# resolves outside this worktree.
set -eu
root=$(cd "$(dirname "$0")" && pwd)
bin=$1
shift
for arg in "$@"; do
  case "$arg" in
    -*) continue ;;
    /*) target=$arg ;;
    *) target="$root/$arg" ;;
  esac
  dir=$(cd "$(dirname "$target")" 2>/dev/null && pwd) || continue
  resolved=$dir/$(basename "$target")
  case "$resolved" in
    "$root"/*|"$root") ;;
    *) echo "voratiq: path outside sandbox: $arg" >&2; exit 1 ;;
  esac
done
exec "$bin" "$@"
`

// writeAccessShim writes the shim script into the worktree root and returns
// its absolute path.
func writeAccessShim(layout Layout) (string, error) {
	dst := filepath.Join(layout.Workspace, ".voratiq-access-shim.sh")
	if err := pathguard.AssertWithin(layout.Workspace, dst); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "access shim path escapes worktree").WithCause(err)
	}
	if err := pathguard.AtomicWriteFile(dst, []byte(accessShimScript), 0o755); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "writing access shim").WithCause(err)
	}
	return dst, nil
}

// Remove tears down the worktree and removes the agent's directory tree,
// used on the cleanup path after a failed or partial Build.
func Remove(ctx context.Context, ops gitutil.Ops, repoRoot string, layout Layout) error {
	if err := ops.RemoveWorktree(ctx, repoRoot, layout.Workspace); err != nil {
		// The worktree may never have been created; fall through to removing
		// whatever directory tree exists regardless.
		_ = err
	}
	return os.RemoveAll(layout.AgentRoot)
}
