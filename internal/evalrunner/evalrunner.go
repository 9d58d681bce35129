// Package evalrunner executes the per-agent eval commands declared in
// evals.yaml inside the agent's worktree, per spec.md §4.10.
package evalrunner

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/voratiq/voratiq/internal/envconfig"
	"github.com/voratiq/voratiq/internal/pathguard"
	"github.com/voratiq/voratiq/internal/runrecord"
)

// trustedTempRoots are the only prefixes evalrunner will pre-create a
// directory under when an eval's env declares TMPDIR/TMP/TEMP. Anything else
// is untrusted and is unset rather than blindly propagated.
var trustedTempRoots = []string{
	os.TempDir(),
	"/tmp",
}

// Input collects what Run needs for one eval invocation.
type Input struct {
	Eval       envconfig.EvalDefinition
	WorktreeDir string
	LogPath     string
	Env         map[string]string
}

// Run executes one eval and returns its recorded result plus any warnings
// about untrusted temp-dir env vars that were dropped.
func Run(ctx context.Context, in Input) (runrecord.EvalResult, []string) {
	result := runrecord.EvalResult{Slug: in.Eval.Slug, Command: in.Eval.Command, LogPath: in.LogPath}

	if strings.TrimSpace(in.Eval.Command) == "" {
		result.Status = runrecord.EvalSkipped
		return result, nil
	}

	env, warnings := guardTempDirs(in.Env)

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Eval.Command)
	cmd.Dir = in.WorktreeDir
	cmd.Env = envSlice(env)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if writeErr := writeLog(in.LogPath, combined.Bytes()); writeErr != nil {
		slog.Warn("failed to write eval log", "slug", in.Eval.Slug, "err", writeErr)
	}

	switch {
	case err == nil:
		result.Status = runrecord.EvalSucceeded
		code := 0
		result.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			result.Status = runrecord.EvalFailed
			code := exitErr.ExitCode()
			result.ExitCode = &code
		} else {
			result.Status = runrecord.EvalErrored
			result.Error = err.Error()
		}
	}
	return result, warnings
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// guardTempDirs pre-creates trusted temp directories referenced by
// TMPDIR/TMP/TEMP and unsets any entry that falls outside the allow-listed
// roots, reporting each as a warning.
func guardTempDirs(env map[string]string) (map[string]string, []string) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	var warnings []string
	for _, key := range []string{"TMPDIR", "TMP", "TEMP"} {
		v, ok := out[key]
		if !ok || v == "" || !filepath.IsAbs(v) {
			continue
		}
		if !isTrustedTempRoot(v) {
			delete(out, key)
			warnings = append(warnings, "dropped untrusted "+key+" outside allow-listed temp roots: "+v)
			continue
		}
		if err := pathguard.AssertWithin(trustedRootFor(v), v); err != nil {
			delete(out, key)
			warnings = append(warnings, "dropped "+key+" failing path confinement: "+v)
			continue
		}
		if err := os.MkdirAll(v, 0o700); err != nil {
			delete(out, key)
			warnings = append(warnings, "failed to create "+key+" directory: "+v)
		}
	}
	return out, warnings
}

func isTrustedTempRoot(path string) bool {
	return trustedRootFor(path) != ""
}

func trustedRootFor(path string) string {
	for _, root := range trustedTempRoots {
		if root == "" {
			continue
		}
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func writeLog(path string, data []byte) error {
	return pathguard.AtomicWriteFile(path, data, 0o644)
}
