// Package harvest runs the post-process sequence that turns an agent's
// worktree changes into a commit and a set of captured artifacts, per
// spec.md §4.9. ParseDiffNumstat and the credential/secret scan are adapted
// directly from the teacher's task/diffstat.go and task/safety.go.
package harvest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/voratiq/voratiq/internal/gitutil"
	"github.com/voratiq/voratiq/internal/pathguard"
	"github.com/voratiq/voratiq/internal/runrecord"
)

const defaultAuthorName = "voratiq"
const defaultAuthorEmail = "voratiq@localhost"
const maxBinarySize = 500 * 1024

// credentialPaths are worktree-relative paths the harvested diff must never
// touch, mirroring the sandbox home layout credential.Stage writes into.
var credentialPaths = []string{
	".claude/.credentials.json",
	".codex/auth.json",
	".gemini/oauth_creds.json",
}

// Result is what one successful (or partially successful) harvest produces.
type Result struct {
	CommitSha      string
	DiffStatistics runrecord.DiffStatistics
	Artifacts      runrecord.Artifacts
	SafetyWarnings []string
}

// Input collects everything Run needs for one agent's worktree.
type Input struct {
	WorktreePath    string
	ArtifactsDir    string
	BaseRevisionSha string
	AuthorName      string
	AuthorEmail     string
}

// Run executes the five-step harvest sequence. Any failure is returned as a
// tagged EngineError; partially-written artifacts are left in place since
// Artifacts tracks exactly what was captured.
func Run(ctx context.Context, ops gitutil.Ops, in Input) (Result, error) {
	var res Result

	if err := ops.AddAll(ctx, in.WorktreePath); err != nil {
		return res, gitErr("stage", err)
	}
	staged, err := ops.HasStagedChanges(ctx, in.WorktreePath)
	if err != nil {
		return res, gitErr("stage-check", err)
	}
	if !staged {
		return res, runrecord.NewError(runrecord.KindAgentProcess, "No workspace changes detected")
	}

	summary, err := captureSummary(in)
	if err != nil {
		return res, err
	}
	res.Artifacts.SummaryCaptured = true

	if err := ops.AddAll(ctx, in.WorktreePath); err != nil {
		return res, gitErr("restage", err)
	}
	staged, err = ops.HasStagedChanges(ctx, in.WorktreePath)
	if err != nil {
		return res, gitErr("restage-check", err)
	}
	if !staged {
		return res, runrecord.NewError(runrecord.KindAgentProcess, "No workspace changes detected")
	}

	authorName := in.AuthorName
	if authorName == "" {
		authorName = defaultAuthorName
	}
	authorEmail := in.AuthorEmail
	if authorEmail == "" {
		authorEmail = defaultAuthorEmail
	}
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME="+authorName, "GIT_AUTHOR_EMAIL="+authorEmail,
		"GIT_COMMITTER_NAME="+authorName, "GIT_COMMITTER_EMAIL="+authorEmail)
	if err := ops.Commit(ctx, in.WorktreePath, summary, env); err != nil {
		return res, gitErr("commit", err)
	}

	head, err := ops.HeadSHA(ctx, in.WorktreePath)
	if err != nil {
		return res, gitErr("head", err)
	}
	res.CommitSha = head

	res.Artifacts.DiffAttempted = true
	patch, err := ops.DiffPatch(ctx, in.WorktreePath, in.BaseRevisionSha, head)
	if err != nil {
		return res, gitErr("diff", err)
	}

	// The credential-path scan runs before the patch ever touches disk: a
	// diff that fails this check must never leave diff.patch (or a
	// DiffCaptured record) behind, or the scan is pointless.
	if err := scanForCredentialPaths(patch); err != nil {
		return res, err
	}

	if err := writeArtifact(in.ArtifactsDir, "diff.patch", []byte(patch)); err != nil {
		return res, err
	}
	res.Artifacts.DiffCaptured = true

	numstat, err := ops.NumStat(ctx, in.WorktreePath, in.BaseRevisionSha, head)
	if err != nil {
		return res, gitErr("numstat", err)
	}
	res.DiffStatistics = ParseDiffNumstat(numstat)

	shortstat, err := ops.ShortStat(ctx, in.WorktreePath, in.BaseRevisionSha, head)
	if err != nil {
		return res, gitErr("shortstat", err)
	}
	applyShortStat(&res.DiffStatistics, shortstat)

	warnings, err := scanForSecrets(patch)
	if err != nil {
		return res, err
	}
	warnings = append(warnings, scanForLargeBinaries(ctx, ops, in.WorktreePath, head, res.DiffStatistics)...)
	res.SafetyWarnings = warnings

	return res, nil
}

func captureSummary(in Input) (string, error) {
	src := filepath.Join(in.WorktreePath, ".summary.txt")
	if err := pathguard.AssertWithin(in.WorktreePath, src); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "summary path escapes worktree").WithCause(err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", runrecord.NewError(runrecord.KindAgentProcess, "missing .summary.txt").WithCause(err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", runrecord.NewError(runrecord.KindAgentProcess, "empty .summary.txt")
	}
	if err := writeArtifact(in.ArtifactsDir, "summary.txt", []byte(trimmed+"\n")); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", runrecord.NewError(runrecord.KindWorkspaceSetup, "removing worktree summary copy").WithCause(err)
	}
	return trimmed, nil
}

func writeArtifact(artifactsDir, name string, data []byte) error {
	dst := filepath.Join(artifactsDir, name)
	if err := pathguard.AssertWithin(artifactsDir, dst); err != nil {
		return runrecord.NewError(runrecord.KindWorkspaceSetup, "artifact path escapes artifacts dir").WithCause(err)
	}
	if err := pathguard.AtomicWriteFile(dst, data, 0o644); err != nil {
		return runrecord.NewError(runrecord.KindWorkspaceSetup, "writing artifact").WithDetail(name).WithCause(err)
	}
	return nil
}

func gitErr(step string, cause error) error {
	return runrecord.NewError(runrecord.KindGitOperation, "git "+step+" failed").WithCause(cause)
}

// ParseDiffNumstat parses `git diff --numstat` output into DiffStatistics.
// Each line is "<added>\t<deleted>\t<path>"; binary files use "-\t-\t<path>".
func ParseDiffNumstat(numstat string) runrecord.DiffStatistics {
	var stats runrecord.DiffStatistics
	numstat = strings.TrimSpace(numstat)
	if numstat == "" {
		return stats
	}
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fs := runrecord.DiffFileStat{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fs.Binary = true
		} else {
			fs.Added, _ = strconv.Atoi(parts[0])
			fs.Deleted, _ = strconv.Atoi(parts[1])
		}
		stats.Files = append(stats.Files, fs)
		stats.FilesChanged++
		stats.Insertions += fs.Added
		stats.Deletions += fs.Deleted
	}
	return stats
}

var shortStatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// applyShortStat cross-checks/normalizes FilesChanged against `git diff
// --shortstat`, which is authoritative for the summary counts even though
// per-file detail comes from numstat.
func applyShortStat(stats *runrecord.DiffStatistics, shortstat string) {
	m := shortStatRe.FindStringSubmatch(shortstat)
	if m == nil {
		return
	}
	if n, err := strconv.Atoi(m[1]); err == nil {
		stats.FilesChanged = n
	}
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			stats.Insertions = n
		}
	}
	if m[3] != "" {
		if n, err := strconv.Atoi(m[3]); err == nil {
			stats.Deletions = n
		}
	}
}

// scanForCredentialPaths fails the agent if the diff touches a known
// credential path, per spec.md §4.9 step 6.
func scanForCredentialPaths(patch string) error {
	scanner := bufio.NewScanner(strings.NewReader(patch))
	for scanner.Scan() {
		line := scanner.Text()
		after, ok := strings.CutPrefix(line, "+++ b/")
		if !ok {
			continue
		}
		for _, cp := range credentialPaths {
			if after == cp {
				return runrecord.NewError(runrecord.KindAgentProcess, "diff touches a credential path").WithDetail(after)
			}
		}
	}
	return nil
}

var secretPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
}

// scanForSecrets scans added lines for common secret patterns, returning
// non-fatal warnings (unlike scanForCredentialPaths, this never fails the
// agent — it surfaces in warnings for a human to review).
func scanForSecrets(patch string) ([]string, error) {
	var warnings []string
	seen := make(map[string]bool)
	var currentFile string
	scanner := bufio.NewScanner(strings.NewReader(patch))
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			warnings = append(warnings, fmt.Sprintf("possible %s in %s", sp.desc, currentFile))
		}
	}
	return warnings, nil
}

// scanForLargeBinaries warns on any binary file in the diff above
// maxBinarySize. A CatFileSize failure (e.g. the file was deleted) is
// skipped rather than treated as an error, mirroring the teacher's
// task/safety.go posture.
func scanForLargeBinaries(ctx context.Context, ops gitutil.Ops, worktree, headSHA string, stats runrecord.DiffStatistics) []string {
	var warnings []string
	for _, f := range stats.Files {
		if !f.Binary {
			continue
		}
		size, err := ops.CatFileSize(ctx, worktree, headSHA, f.Path)
		if err != nil {
			continue
		}
		if size > maxBinarySize {
			warnings = append(warnings, fmt.Sprintf("large binary %s (%d bytes, limit %d)", f.Path, size, maxBinarySize))
		}
	}
	return warnings
}
