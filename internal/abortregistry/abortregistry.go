// Package abortregistry holds a process-global weak reference to the
// currently active run and handles SIGINT/SIGTERM by forcing it to a
// terminal aborted state, per spec.md §4.14. It is grounded on the
// teacher's runDaemon signal loop (internal/cli/run.go), generalized from
// "cancel the daemon's context" to "mark the active run aborted and flush".
package abortregistry

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/voratiq/voratiq/internal/credential"
	"github.com/voratiq/voratiq/internal/runrecord"
)

// standardAbortWarning is attached to every agent forced into aborted by a
// signal, per spec.md §4.14.
const standardAbortWarning = "run aborted"

// ActiveRun is the identity-only reference the registry holds for the run
// currently executing. The registry never mutates records directly except
// through the abort path below; normal progress updates flow through Store
// from the run controller, not from here.
type ActiveRun struct {
	RunID       string
	Store       *runrecord.Store
	Credentials *credential.Registry
	SandboxHome func(agentID string) string
}

// Registry holds at most one ActiveRun at a time.
type Registry struct {
	mu     sync.Mutex
	active *ActiveRun
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register marks run as the active run. It replaces any previously
// registered run; voratiq only ever executes one run per process.
func (r *Registry) Register(run *ActiveRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = run
}

// Clear removes the active run slot without touching its record. Called by
// the run controller's normal finalize path once it has flushed and torn
// down credentials itself.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}

// TerminateActiveRun rewrites the active run's record to aborted, marks
// every non-terminal agent aborted with the standard warning, flushes the
// buffer synchronously, and tears down all staged credentials for the run.
// It is a no-op if no run is currently registered. applyStatus is
// preserved by Store.Mutate; already-terminal run and agent statuses are
// left as they are by the mutation below, which skips them.
func (r *Registry) TerminateActiveRun(ctx context.Context) error {
	r.mu.Lock()
	run := r.active
	r.active = nil
	r.mu.Unlock()

	if run == nil {
		return nil
	}

	err := run.Store.Mutate(ctx, run.RunID, func(rec *runrecord.RunRecord) error {
		if !rec.Status.Terminal() {
			rec.Status = runrecord.StatusAborted
		}
		for i := range rec.Agents {
			if rec.Agents[i].Terminal() {
				continue
			}
			rec.Agents[i].Status = runrecord.StatusAborted
			rec.Agents[i].Warnings = append(rec.Agents[i].Warnings, standardAbortWarning)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if run.Credentials != nil && run.SandboxHome != nil {
		if teardownErr := run.Credentials.TeardownRun(run.RunID, run.SandboxHome); teardownErr != nil {
			return teardownErr
		}
	}
	return nil
}

// ListenForSignals installs a SIGINT/SIGTERM handler that calls
// TerminateActiveRun on reg. It returns a stop func that removes the
// handler; callers should defer it so tests and repeated CLI invocations in
// the same process don't accumulate handlers.
func ListenForSignals(reg *Registry) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			slog.Warn("received signal, aborting active run", "signal", sig)
			if err := reg.TerminateActiveRun(context.Background()); err != nil {
				slog.Warn("failed to abort active run", "err", err)
			}
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}
