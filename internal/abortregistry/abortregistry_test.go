package abortregistry

import (
	"context"
	"testing"
	"time"

	"github.com/voratiq/voratiq/internal/credential"
	"github.com/voratiq/voratiq/internal/runrecord"
)

func newTestRecord(runID string) *runrecord.RunRecord {
	return &runrecord.RunRecord{
		RunID:           runID,
		BaseRevisionSha: "deadbeef",
		Spec:            runrecord.SpecRef{Path: "/repo/spec.md"},
		RootPath:        "/repo",
		CreatedAt:       time.Now().UTC(),
		Status:          runrecord.StatusRunning,
		Agents: []runrecord.AgentInvocationRecord{
			{AgentID: "alpha", Status: runrecord.StatusRunning},
			{AgentID: "beta", Status: runrecord.StatusSucceeded},
		},
	}
}

func TestTerminateActiveRunNoopWithoutRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.TerminateActiveRun(context.Background()); err != nil {
		t.Fatalf("TerminateActiveRun: %v", err)
	}
}

func TestTerminateActiveRunMarksNonTerminalAgentsAborted(t *testing.T) {
	root := t.TempDir()
	store := runrecord.NewStore(root)
	rec := newTestRecord("20260101-000000-aaaaa")
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	creds := credential.NewRegistry()
	r := NewRegistry()
	r.Register(&ActiveRun{
		RunID:       rec.RunID,
		Store:       store,
		Credentials: creds,
		SandboxHome: func(agentID string) string { return "" },
	})

	if err := r.TerminateActiveRun(context.Background()); err != nil {
		t.Fatalf("TerminateActiveRun: %v", err)
	}

	got, err := store.Fetch(rec.RunID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Status != runrecord.StatusAborted {
		t.Errorf("run status = %s, want aborted", got.Status)
	}
	alpha := got.AgentByID("alpha")
	if alpha.Status != runrecord.StatusAborted {
		t.Errorf("alpha status = %s, want aborted", alpha.Status)
	}
	if len(alpha.Warnings) != 1 || alpha.Warnings[0] != standardAbortWarning {
		t.Errorf("alpha warnings = %+v, want [%q]", alpha.Warnings, standardAbortWarning)
	}
	beta := got.AgentByID("beta")
	if beta.Status != runrecord.StatusSucceeded {
		t.Errorf("beta status = %s, want preserved succeeded", beta.Status)
	}
	if len(beta.Warnings) != 0 {
		t.Errorf("beta warnings = %+v, want none", beta.Warnings)
	}
}

func TestTerminateActiveRunClearsSlot(t *testing.T) {
	root := t.TempDir()
	store := runrecord.NewStore(root)
	rec := newTestRecord("20260101-000000-bbbbb")
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r := NewRegistry()
	r.Register(&ActiveRun{
		RunID:       rec.RunID,
		Store:       store,
		Credentials: credential.NewRegistry(),
		SandboxHome: func(agentID string) string { return "" },
	})
	if err := r.TerminateActiveRun(context.Background()); err != nil {
		t.Fatalf("TerminateActiveRun: %v", err)
	}
	// A second call is a no-op since the slot was cleared.
	if err := r.TerminateActiveRun(context.Background()); err != nil {
		t.Fatalf("second TerminateActiveRun: %v", err)
	}
}

func TestRegisterClear(t *testing.T) {
	r := NewRegistry()
	r.Register(&ActiveRun{RunID: "x"})
	r.Clear()
	if err := r.TerminateActiveRun(context.Background()); err != nil {
		t.Fatalf("TerminateActiveRun after Clear: %v", err)
	}
}
