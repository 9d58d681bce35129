package runrecord

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecord(runID string) *RunRecord {
	return &RunRecord{
		RunID:           runID,
		BaseRevisionSha: "deadbeef",
		Spec:            SpecRef{Path: "/repo/spec.md"},
		RootPath:        "/repo",
		CreatedAt:       time.Now().UTC(),
		Status:          StatusRunning,
		Agents:          []AgentInvocationRecord{{AgentID: "alpha", Status: StatusQueued}},
	}
}

func TestStoreAppendAndFetch(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	rec := newTestRecord("20260101-000000-aaaaa")

	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Fetch(rec.RunID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.RunID != rec.RunID || got.Status != StatusRunning {
		t.Errorf("fetched record mismatch: %+v", got)
	}

	idxData, err := os.ReadFile(filepath.Join(root, ".voratiq", "runs", "index.json"))
	if err != nil {
		t.Fatalf("reading index: %v", err)
	}
	var idx Index
	if err := json.Unmarshal(idxData, &idx); err != nil {
		t.Fatal(err)
	}
	if len(idx.Runs) != 1 || idx.Runs[0].RunID != rec.RunID {
		t.Errorf("index = %+v", idx)
	}
}

func TestStoreAppendRejectsDuplicateRunDir(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	rec := newTestRecord("20260101-000000-bbbbb")
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(context.Background(), rec); err == nil {
		t.Error("expected second Append for the same runId to fail")
	}
}

func TestStoreMutateTerminalFlushesImmediately(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	rec := newTestRecord("20260101-000000-ccccc")
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	err := s.Mutate(context.Background(), rec.RunID, func(r *RunRecord) error {
		r.Status = StatusSucceeded
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// Buffer entry must be disposed after a terminal flush.
	s.mu.Lock()
	_, buffered := s.buffer[rec.RunID]
	s.mu.Unlock()
	if buffered {
		t.Error("buffer entry should be disposed after terminal flush")
	}

	onDisk, err := s.readRecordFile(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.Status != StatusSucceeded {
		t.Errorf("on-disk status = %s, want succeeded", onDisk.Status)
	}
}

func TestStoreMutatePreservesApplyStatus(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	rec := newTestRecord("20260101-000000-ddddd")
	applied := "applied"
	rec.ApplyStatus = &applied
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	err := s.Mutate(context.Background(), rec.RunID, func(r *RunRecord) error {
		r.Status = StatusFailed
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	onDisk, err := s.readRecordFile(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.ApplyStatus == nil || *onDisk.ApplyStatus != "applied" {
		t.Errorf("applyStatus not preserved: %+v", onDisk.ApplyStatus)
	}
}

func TestStoreFlushAllNonTerminal(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	rec := newTestRecord("20260101-000000-eeeee")
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	err := s.Mutate(context.Background(), rec.RunID, func(r *RunRecord) error {
		r.Agents[0].Status = StatusRunning
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	onDisk, err := s.readRecordFile(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.Agents[0].Status != StatusRunning {
		t.Errorf("flushed status = %s, want running", onDisk.Agents[0].Status)
	}
}

func TestStoreMutateDoesNotLoseConcurrentNonTerminalUpdates(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	rec := newTestRecord("20260101-000000-fffff")
	rec.Agents = []AgentInvocationRecord{
		{AgentID: "alpha", Status: StatusQueued},
		{AgentID: "beta", Status: StatusQueued},
	}
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	// Two non-terminal Mutate calls for the same runId, neither of which
	// flushes to disk, must both land in the buffer: the second must build
	// on the first's buffered result rather than re-deriving from the
	// stale on-disk copy and discarding it.
	if err := s.Mutate(context.Background(), rec.RunID, func(r *RunRecord) error {
		r.AgentByID("alpha").Status = StatusRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Mutate(context.Background(), rec.RunID, func(r *RunRecord) error {
		r.AgentByID("beta").Status = StatusRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	buffered, err := s.Fetch(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got := buffered.AgentByID("alpha").Status; got != StatusRunning {
		t.Errorf("buffered alpha status = %s, want running (lost update)", got)
	}
	if got := buffered.AgentByID("beta").Status; got != StatusRunning {
		t.Errorf("buffered beta status = %s, want running", got)
	}

	if err := s.FlushAll(context.Background()); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	onDisk, err := s.readRecordFile(rec.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got := onDisk.AgentByID("alpha").Status; got != StatusRunning {
		t.Errorf("on-disk alpha status = %s, want running (lost update)", got)
	}
	if got := onDisk.AgentByID("beta").Status; got != StatusRunning {
		t.Errorf("on-disk beta status = %s, want running", got)
	}
}

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	if len(id) != len("20260731-120000-xxxxx") {
		t.Fatalf("unexpected runId length: %q", id)
	}
	if id[:15] != "20260731-120000" {
		t.Errorf("prefix = %q, want 20260731-120000", id[:15])
	}
}
