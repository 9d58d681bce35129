// Package credential stages and tears down per-agent provider credentials
// inside a sandbox home, and tracks staged state in a process-global
// registry keyed by runId so an abort can always find what to clean up.
package credential

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/voratiq/voratiq/internal/agent"
	"github.com/voratiq/voratiq/internal/pathguard"
	"github.com/voratiq/voratiq/internal/runrecord"
)

// Runtime carries the host-side values a provider adapter needs to locate
// its real credentials: the invoking user's HOME (or USERPROFILE), and any
// provider-specific config dir overrides already read from the environment.
type Runtime struct {
	Home            string
	XDGConfigHome   string
	ClaudeConfigDir string
}

// StagedFile records one file copied/materialized into a sandbox home, so
// Teardown can unlink exactly what Stage created.
type StagedFile struct {
	Path string
	Mode os.FileMode
}

// Context is what Stage returns: the environment augmentations the agent
// process needs, plus the staged file list for teardown.
type Context struct {
	Env    map[string]string
	Staged []StagedFile
}

// Provider is the verify/stage capability a credential adapter implements
// for one agent provider. Teardown is not per provider: Registry.Teardown
// unlinks the files listed in the staged Context.
type Provider interface {
	Verify(rt Runtime) error
	Stage(rt Runtime, sandboxHome string) (Context, error)
}

var providers = map[agent.Harness]Provider{
	agent.HarnessClaude: claudeProvider{},
	agent.HarnessCodex:  codexProvider{},
	agent.HarnessGemini: geminiProvider{},
}

// Lookup returns the registered adapter for harness, or an error if none is
// registered (an unknown provider is a validation failure, not a crash).
func Lookup(harness agent.Harness) (Provider, error) {
	p, ok := providers[harness]
	if !ok {
		return nil, runrecord.NewError(runrecord.KindCredential, "no credential adapter registered").WithDetail(string(harness))
	}
	return p, nil
}

// Registry tracks staged Contexts keyed by runId then agentId, so abort and
// normal teardown paths can both find and clear every staged file for a run.
type Registry struct {
	mu   sync.Mutex
	runs map[string]map[string]Context
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]map[string]Context)}
}

// Put records ctx as staged for (runID, agentID).
func (r *Registry) Put(runID, agentID string, ctx Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[runID] == nil {
		r.runs[runID] = make(map[string]Context)
	}
	r.runs[runID][agentID] = ctx
}

// Teardown unlinks every staged file for (runID, agentID) and forgets it.
// Idempotent: calling it twice, or for an agent with nothing staged, is a
// no-op.
func (r *Registry) Teardown(runID, agentID, sandboxHome string) error {
	r.mu.Lock()
	ctx, ok := r.runs[runID][agentID]
	if ok {
		delete(r.runs[runID], agentID)
		if len(r.runs[runID]) == 0 {
			delete(r.runs, runID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	var firstErr error
	for _, f := range ctx.Staged {
		if err := pathguard.SafeUnlink(sandboxHome, f.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TeardownRun unlinks every staged file for every agent under runID, for use
// by the abort path. sandboxHomeFor resolves an agentID to its sandbox home.
func (r *Registry) TeardownRun(runID string, sandboxHomeFor func(agentID string) string) error {
	r.mu.Lock()
	agentIDs := make([]string, 0, len(r.runs[runID]))
	for id := range r.runs[runID] {
		agentIDs = append(agentIDs, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range agentIDs {
		if err := r.Teardown(runID, id, sandboxHomeFor(id)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// stageFile copies src into destination dest (under sandboxHome) with mode
// 0600, asserting the destination stays within sandboxHome.
func stageFile(sandboxHome, dest, src string) (StagedFile, error) {
	if err := pathguard.AssertWithin(sandboxHome, dest); err != nil {
		return StagedFile{}, runrecord.NewError(runrecord.KindCredential, "staged destination escapes sandbox home").WithCause(err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return StagedFile{}, runrecord.NewError(runrecord.KindCredential, "reading source credential").WithDetail(src).WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return StagedFile{}, runrecord.NewError(runrecord.KindCredential, "creating credential directory").WithCause(err)
	}
	if err := pathguard.AtomicWriteFile(dest, data, 0o600); err != nil {
		return StagedFile{}, runrecord.NewError(runrecord.KindCredential, "staging credential file").WithCause(err)
	}
	return StagedFile{Path: dest, Mode: 0o600}, nil
}

func verifyExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return runrecord.NewError(runrecord.KindCredential, "credentials not found").WithDetail(path).WithCause(err)
	}
	return nil
}
