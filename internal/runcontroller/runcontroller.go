// Package runcontroller implements execute_run, spec.md §4.13's top-level
// orchestration: validate and load config, initialize the run record, prepare
// each agent's isolated worktree serially, execute the prepared agents
// through the scheduler, and finalize the record into a RunReport. Every
// step delegates to an already-independently-grounded package (workspace,
// credential, manifest, sandboxpolicy, sandbox, harvest, chatpreserve,
// evalrunner, scheduler, agentlifecycle, runrecord); this file's own
// contribution is the wiring order spec.md §4.13 specifies.
package runcontroller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/voratiq/voratiq/internal/abortregistry"
	"github.com/voratiq/voratiq/internal/agent"
	"github.com/voratiq/voratiq/internal/agentlifecycle"
	"github.com/voratiq/voratiq/internal/chatpreserve"
	"github.com/voratiq/voratiq/internal/credential"
	"github.com/voratiq/voratiq/internal/envconfig"
	"github.com/voratiq/voratiq/internal/evalrunner"
	"github.com/voratiq/voratiq/internal/gitutil"
	"github.com/voratiq/voratiq/internal/harvest"
	"github.com/voratiq/voratiq/internal/manifest"
	"github.com/voratiq/voratiq/internal/pathguard"
	"github.com/voratiq/voratiq/internal/runrecord"
	"github.com/voratiq/voratiq/internal/sandbox"
	"github.com/voratiq/voratiq/internal/sandboxpolicy"
	"github.com/voratiq/voratiq/internal/scheduler"
	"github.com/voratiq/voratiq/internal/workspace"
)

// defaultSilenceTimeout and defaultWallClockCap are the system-wide watchdog
// defaults applied whenever Input leaves the corresponding field unset.
const (
	defaultSilenceTimeout = 2 * time.Minute
	defaultWallClockCap   = 30 * time.Minute
)

// Renderer receives live per-agent progress during ExecuteRun. A nil
// Renderer is a valid, silent choice for callers that only want the final
// RunReport.
type Renderer interface {
	AgentUpdated(agentlifecycle.Snapshot)
}

// Input collects everything one execute_run invocation needs, per spec.md §6.
type Input struct {
	Root            string
	SpecAbsPath     string
	SpecDisplayPath string
	AgentIDs        []string // empty means every agent declared in agents.yaml
	MaxParallel     int      // <= 0 means no explicit cap

	Ops         gitutil.Ops
	Spawner     sandbox.Spawner
	Store       *runrecord.Store
	Credentials *credential.Registry
	Abort       *abortregistry.Registry
	Runtime     credential.Runtime

	SilenceTimeout time.Duration
	WallClockCap   time.Duration

	Renderer Renderer
}

// RunReport is the summary ExecuteRun returns, per spec.md §6.
type RunReport struct {
	RunID           string
	Spec            runrecord.SpecRef
	Status          runrecord.Status
	CreatedAt       time.Time
	BaseRevisionSha string
	Agents          []runrecord.AgentInvocationRecord
	HadAgentFailure bool
	HadEvalFailure  bool
}

// runConfig is what loadAndValidate resolves once, up front, and every
// later step reads from.
type runConfig struct {
	baseRevisionSha  string
	env              envconfig.EnvironmentConfig
	evals            []envconfig.EvalDefinition
	sandboxOverrides sandboxpolicy.Overrides
}

// ExecuteRun runs every configured (or explicitly selected) agent against
// the spec at in.SpecAbsPath in parallel isolated worktrees, per spec.md
// §4.13's six-step sequence, and returns the finalized report plus the
// process exit code spec.md §6 defines: 1 iff any agent failed or the run
// was aborted, 0 otherwise. A non-nil error return means the run never got
// far enough to produce a report at all (validation, history-lock, or
// record-store failure before or after the agents ran).
func ExecuteRun(ctx context.Context, in Input) (RunReport, int, error) {
	cfg, defs, err := loadAndValidate(ctx, in)
	if err != nil {
		return RunReport{}, 1, err
	}

	runID := runrecord.NewRunID(time.Now())
	rec := &runrecord.RunRecord{
		RunID:           runID,
		BaseRevisionSha: cfg.baseRevisionSha,
		Spec:            runrecord.SpecRef{Path: in.SpecDisplayPath},
		RootPath:        in.Root,
		CreatedAt:       time.Now().UTC(),
		Status:          runrecord.StatusRunning,
	}
	for _, d := range defs {
		rec.Agents = append(rec.Agents, runrecord.AgentInvocationRecord{AgentID: d.ID, Model: d.Model, Status: runrecord.StatusQueued})
	}
	if err := in.Store.Append(ctx, rec); err != nil {
		return RunReport{}, 1, err
	}

	sessionsDir := filepath.Join(in.Root, ".voratiq", "runs", "sessions")
	machines := make(map[string]*agentlifecycle.Machine, len(defs))
	sandboxHomes := make(map[string]string, len(defs))
	for _, d := range defs {
		machines[d.ID] = agentlifecycle.New(d.ID)
	}

	if in.Abort != nil {
		in.Abort.Register(&abortregistry.ActiveRun{
			RunID:       runID,
			Store:       in.Store,
			Credentials: in.Credentials,
			SandboxHome: func(agentID string) string { return sandboxHomes[agentID] },
		})
		defer in.Abort.Clear()
	}

	var unsubs []func()
	if in.Renderer != nil {
		for _, m := range machines {
			ch, unsub := m.Subscribe()
			unsubs = append(unsubs, unsub)
			go forwardSnapshots(ch, in.Renderer)
		}
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	var jobs []scheduler.Job
	for _, d := range defs {
		d := d
		m := machines[d.ID]
		p, prepErr := prepareAgent(ctx, in, cfg, runID, sessionsDir, d)
		if prepErr != nil {
			recordPrepFailure(ctx, in.Store, m, runID, d, prepErr)
			continue
		}
		sandboxHomes[d.ID] = p.layout.Sandbox
		jobs = append(jobs, scheduler.Job{
			AgentID: d.ID,
			Execute: func(jobCtx context.Context) error {
				return runAgent(jobCtx, in, runID, p, m, cfg)
			},
		})
	}

	scheduler.Run(ctx, jobs, in.MaxParallel)

	return finalize(ctx, in, runID, sandboxHomes)
}

// recordPrepFailure marks an agent that never reached the scheduler as
// errored, since workspace setup or credential staging failing is an
// engine-side condition, not an agent-caused one.
func recordPrepFailure(ctx context.Context, store *runrecord.Store, m *agentlifecycle.Machine, runID string, d agent.Definition, prepErr error) {
	_ = m.Start()
	_ = m.Errored(prepErr.Error())
	completedAt := time.Now().UTC()
	_ = store.Mutate(ctx, runID, func(rec *runrecord.RunRecord) error {
		incoming := runrecord.AgentInvocationRecord{
			AgentID:     d.ID,
			Model:       d.Model,
			Status:      runrecord.StatusErrored,
			CompletedAt: &completedAt,
			Error:       prepErr.Error(),
		}
		current := rec.AgentByID(d.ID)
		merged := runrecord.MergeAgent(current, incoming)
		if current != nil {
			*current = merged
		} else {
			rec.Agents = append(rec.Agents, merged)
		}
		return nil
	})
}

// finalize merges every agent's terminal state into the run's own status,
// flushes the write buffer, and tears down any credentials still staged.
func finalize(ctx context.Context, in Input, runID string, sandboxHomes map[string]string) (RunReport, int, error) {
	snapshot, err := in.Store.Fetch(runID)
	if err != nil {
		return RunReport{}, 1, err
	}

	hadAgentFailure := snapshot.HadAgentFailure()
	hadEvalFailure := snapshot.HadEvalFailure()
	aborted := snapshot.Status == runrecord.StatusAborted

	if err := in.Store.Mutate(ctx, runID, func(rec *runrecord.RunRecord) error {
		if !aborted {
			switch {
			case hadAgentFailure:
				rec.Status = runrecord.StatusFailed
			default:
				rec.Status = runrecord.StatusSucceeded
			}
		}
		sort.Slice(rec.Agents, func(i, j int) bool { return rec.Agents[i].AgentID < rec.Agents[j].AgentID })
		return nil
	}); err != nil {
		return RunReport{}, 1, err
	}

	if err := in.Store.FlushAll(ctx); err != nil {
		return RunReport{}, 1, err
	}

	if in.Credentials != nil {
		_ = in.Credentials.TeardownRun(runID, func(agentID string) string { return sandboxHomes[agentID] })
	}

	final, err := in.Store.Fetch(runID)
	if err != nil {
		return RunReport{}, 1, err
	}

	report := RunReport{
		RunID:           final.RunID,
		Spec:            final.Spec,
		Status:          final.Status,
		CreatedAt:       final.CreatedAt,
		BaseRevisionSha: final.BaseRevisionSha,
		Agents:          final.Agents,
		HadAgentFailure: hadAgentFailure,
		HadEvalFailure:  hadEvalFailure,
	}

	exitCode := 0
	if hadAgentFailure || aborted {
		exitCode = 1
	}
	return report, exitCode, nil
}

func forwardSnapshots(ch <-chan agentlifecycle.Snapshot, r Renderer) {
	for snap := range ch {
		r.AgentUpdated(snap)
	}
}

// loadAndValidate reads and validates everything execute_run needs before
// any run directory is created: the spec file, the base revision, the
// agent roster (optionally filtered to an explicit subset), every selected
// agent's credentials, and the environment/eval/sandbox config files.
func loadAndValidate(ctx context.Context, in Input) (runConfig, []agent.Definition, error) {
	var cfg runConfig

	if in.Root == "" {
		return cfg, nil, runrecord.NewError(runrecord.KindValidation, "root path is required")
	}
	if _, err := os.Stat(in.SpecAbsPath); err != nil {
		return cfg, nil, runrecord.NewError(runrecord.KindValidation, "spec file not found").WithDetail(in.SpecAbsPath).WithCause(err)
	}

	baseRevisionSha, err := in.Ops.HeadSHA(ctx, in.Root)
	if err != nil {
		return cfg, nil, runrecord.NewError(runrecord.KindGitOperation, "reading base revision").WithCause(err)
	}
	cfg.baseRevisionSha = baseRevisionSha

	voratiqDir := filepath.Join(in.Root, ".voratiq")

	defs, err := envconfig.LoadAgents(filepath.Join(voratiqDir, "agents.yaml"))
	if err != nil {
		return cfg, nil, err
	}
	defs, err = filterAgents(defs, in.AgentIDs)
	if err != nil {
		return cfg, nil, err
	}

	for _, d := range defs {
		provider, err := credential.Lookup(d.Provider)
		if err != nil {
			return cfg, nil, err
		}
		if err := provider.Verify(in.Runtime); err != nil {
			return cfg, nil, err
		}
	}

	cfg.env, err = envconfig.LoadEnvironment(filepath.Join(voratiqDir, "environment.yaml"))
	if err != nil {
		return cfg, nil, err
	}
	cfg.evals, err = envconfig.LoadEvals(filepath.Join(voratiqDir, "evals.yaml"))
	if err != nil {
		return cfg, nil, err
	}
	cfg.sandboxOverrides, err = sandboxpolicy.LoadOverrides(filepath.Join(voratiqDir, "sandbox.yaml"))
	if err != nil {
		return cfg, nil, err
	}

	return cfg, defs, nil
}

// filterAgents restricts defs to ids, preserving the order ids was given in.
// An empty ids means every declared agent runs. An id with no matching
// definition is a validation failure, per spec.md §8.
func filterAgents(defs []agent.Definition, ids []string) ([]agent.Definition, error) {
	if len(ids) == 0 {
		return defs, nil
	}
	byID := make(map[string]agent.Definition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}
	out := make([]agent.Definition, 0, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, runrecord.NewError(runrecord.KindValidation, "unknown agent id").WithDetail(id)
		}
		out = append(out, d)
	}
	return out, nil
}

// prepared is one agent's fully-staged invocation, ready for the scheduler.
type prepared struct {
	def         agent.Definition
	layout      workspace.Layout
	manifest    *manifest.Manifest
	authorName  string
	authorEmail string
}

// prepareAgent builds one agent's worktree, stages its credentials, writes
// its prompt file, manifest, and sandbox policy, per spec.md §4.13 step 4.
// Any failure unwinds everything this call itself staged before returning.
func prepareAgent(ctx context.Context, in Input, cfg runConfig, runID, sessionsDir string, d agent.Definition) (p *prepared, err error) {
	layout, err := workspace.Build(ctx, in.Ops, in.Root, sessionsDir, runID, d.ID, cfg.baseRevisionSha, cfg.env)
	if err != nil {
		_ = workspace.Remove(ctx, in.Ops, in.Root, workspace.NewLayout(sessionsDir, runID, d.ID))
		return nil, err
	}

	staged := false
	defer func() {
		if err != nil {
			if staged {
				_ = in.Credentials.Teardown(runID, d.ID, layout.Sandbox)
			}
			_ = workspace.Remove(ctx, in.Ops, in.Root, layout)
		}
	}()

	provider, err := credential.Lookup(d.Provider)
	if err != nil {
		return nil, err
	}
	credCtx, err := provider.Stage(in.Runtime, layout.Sandbox)
	if err != nil {
		return nil, err
	}
	in.Credentials.Put(runID, d.ID, credCtx)
	staged = true

	if host := credential.APIHost(d.Provider); host != "" {
		if region := credential.RegionHint(ctx, host); region != "" {
			slog.Info("resolved provider API host", "agent", d.ID, "host", host, "region", region)
		}
	}

	specData, readErr := os.ReadFile(in.SpecAbsPath)
	if readErr != nil {
		err = runrecord.NewError(runrecord.KindValidation, "reading spec file").WithCause(readErr)
		return nil, err
	}
	promptPath := filepath.Join(layout.Runtime, "prompt.md")
	if guardErr := pathguard.AssertWithin(layout.Runtime, promptPath); guardErr != nil {
		err = guardErr
		return nil, err
	}
	if writeErr := pathguard.AtomicWriteFile(promptPath, specData, 0o644); writeErr != nil {
		err = runrecord.NewError(runrecord.KindWorkspaceSetup, "writing agent prompt").WithCause(writeErr)
		return nil, err
	}

	authorName := fmt.Sprintf("voratiq/%s", d.ID)
	authorEmail := d.ID + "@voratiq.local"
	baseEnv := make(map[string]string, len(d.Env)+5)
	for k, v := range d.Env {
		baseEnv[k] = v
	}
	baseEnv["HOME"] = layout.Sandbox
	baseEnv["GIT_AUTHOR_NAME"] = authorName
	baseEnv["GIT_AUTHOR_EMAIL"] = authorEmail
	baseEnv["GIT_COMMITTER_NAME"] = authorName
	baseEnv["GIT_COMMITTER_EMAIL"] = authorEmail

	man, buildErr := manifest.Build(manifest.BuildInput{
		Binary:        d.Binary,
		Argv:          d.ResolvedArgv(),
		PromptAbsPath: promptPath,
		WorkspaceAbs:  layout.Workspace,
		ManifestDir:   layout.Runtime,
		BaseEnv:       baseEnv,
		CredentialEnv: credCtx.Env,
		VenvBinDir:    layout.VenvBinDir,
		NodeBinDir:    layout.NodeBinDir,
		InheritedPath: os.Getenv("PATH"),
		AccessShim:    layout.AccessShim,
	})
	if buildErr != nil {
		err = buildErr
		return nil, err
	}
	if writeErr := manifest.Write(in.Root, layout.Runtime, man); writeErr != nil {
		err = writeErr
		return nil, err
	}

	policy := sandboxpolicy.Resolve(cfg.sandboxOverrides, d.Provider)
	if writeErr := sandboxpolicy.Write(in.Root, layout.Runtime, policy); writeErr != nil {
		err = writeErr
		return nil, err
	}

	return &prepared{def: d, layout: layout, manifest: man, authorName: authorName, authorEmail: authorEmail}, nil
}

// runAgent drives one prepared agent's lifecycle machine through spawn,
// harvest, chat preservation, and eval collection, per spec.md §4.13 step 5,
// writing progress and the final terminal record through the store.
func runAgent(ctx context.Context, in Input, runID string, p *prepared, m *agentlifecycle.Machine, cfg runConfig) error {
	if err := m.Start(); err != nil {
		return err
	}
	startedAt := time.Now().UTC()
	if err := in.Store.Mutate(ctx, runID, func(rec *runrecord.RunRecord) error {
		ag := rec.AgentByID(p.def.ID)
		if ag == nil {
			return runrecord.NewError(runrecord.KindRunReportInvariant, "agent missing from record").WithDetail(p.def.ID)
		}
		ag.Status = runrecord.StatusRunning
		ag.StartedAt = &startedAt
		return nil
	}); err != nil {
		return err
	}

	silence := in.SilenceTimeout
	if silence <= 0 {
		silence = defaultSilenceTimeout
	}
	wallClock := in.WallClockCap
	if wallClock <= 0 {
		wallClock = defaultWallClockCap
	}

	launchRes, spawnErr := in.Spawner.Spawn(ctx, sandbox.LaunchInput{
		Binary:         p.manifest.Binary,
		Argv:           p.manifest.Argv,
		Dir:            p.layout.Workspace,
		Env:            envSlice(p.manifest.Env),
		StdoutPath:     filepath.Join(p.layout.Artifacts, "stdout.log"),
		StderrPath:     filepath.Join(p.layout.Artifacts, "stderr.log"),
		SilenceTimeout: silence,
		WallClockCap:   wallClock,
	})
	if launchRes.Trigger != sandbox.TriggerNone {
		m.NotifyWatchdog(string(launchRes.Trigger))
	}

	var harvestRes harvest.Result
	var harvestErr error
	if spawnErr == nil {
		harvestRes, harvestErr = harvest.Run(ctx, in.Ops, harvest.Input{
			WorktreePath:    p.layout.Workspace,
			ArtifactsDir:    p.layout.Artifacts,
			BaseRevisionSha: cfg.baseRevisionSha,
			AuthorName:      p.authorName,
			AuthorEmail:     p.authorEmail,
		})
	}

	chatRes, chatErr := chatpreserve.Preserve(p.def.Provider, p.layout.Sandbox, p.layout.Artifacts)
	var warnings []string
	switch {
	case chatErr != nil:
		warnings = append(warnings, "chat transcript preservation failed: "+chatErr.Error())
	default:
		warnings = append(warnings, chatRes.Warnings...)
	}
	if spawnErr == nil && harvestErr == nil {
		warnings = append(warnings, harvestRes.SafetyWarnings...)
	}

	var evalResults []runrecord.EvalResult
	if spawnErr == nil && harvestErr == nil && launchRes.Trigger == sandbox.TriggerNone && launchRes.ExitCode == 0 {
		for _, e := range cfg.evals {
			result, evalWarnings := evalrunner.Run(ctx, evalrunner.Input{
				Eval:        e,
				WorktreeDir: p.layout.Workspace,
				LogPath:     filepath.Join(p.layout.Evals, e.Slug+".log"),
				Env:         p.manifest.Env,
			})
			evalResults = append(evalResults, result)
			warnings = append(warnings, evalWarnings...)
		}
	}

	status := runrecord.StatusSucceeded
	var agentErrMsg string
	switch {
	case spawnErr != nil:
		status = runrecord.StatusErrored
		agentErrMsg = spawnErr.Error()
	case launchRes.Trigger != sandbox.TriggerNone:
		status = runrecord.StatusFailed
		agentErrMsg = "watchdog triggered: " + string(launchRes.Trigger)
	case launchRes.ExitCode != 0:
		status = runrecord.StatusFailed
		agentErrMsg = fmt.Sprintf("agent process exited with code %d", launchRes.ExitCode)
	case harvestErr != nil:
		status = runrecord.StatusFailed
		agentErrMsg = harvestErr.Error()
	}

	switch status {
	case runrecord.StatusSucceeded:
		_ = m.Succeed()
	case runrecord.StatusFailed:
		_ = m.Fail(agentErrMsg)
	default:
		_ = m.Errored(agentErrMsg)
	}

	if in.Credentials != nil {
		_ = in.Credentials.Teardown(runID, p.def.ID, p.layout.Sandbox)
	}

	completedAt := time.Now().UTC()
	diffStats := harvestRes.DiffStatistics
	artifacts := harvestRes.Artifacts
	artifacts.StdoutCaptured = true
	artifacts.StderrCaptured = true

	mutateErr := in.Store.Mutate(ctx, runID, func(rec *runrecord.RunRecord) error {
		incoming := runrecord.AgentInvocationRecord{
			AgentID:     p.def.ID,
			Model:       p.def.Model,
			Status:      status,
			CompletedAt: &completedAt,
			CommitSha:   harvestRes.CommitSha,
			Artifacts:   &artifacts,
			Evals:       evalResults,
			Warnings:    warnings,
			Error:       agentErrMsg,
		}
		if !diffStats.Empty() {
			incoming.DiffStatistics = &diffStats
		}
		current := rec.AgentByID(p.def.ID)
		merged := runrecord.MergeAgent(current, incoming)
		if current != nil {
			*current = merged
		} else {
			rec.Agents = append(rec.Agents, merged)
		}
		return nil
	})
	if mutateErr != nil {
		return mutateErr
	}
	if status != runrecord.StatusSucceeded {
		return fmt.Errorf("agent %s: %s", p.def.ID, agentErrMsg)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
