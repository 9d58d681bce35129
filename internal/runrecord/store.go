package runrecord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voratiq/voratiq/internal/historylock"
	"github.com/voratiq/voratiq/internal/pathguard"
)

// flushDebounce is how long a non-terminal mutation waits in the write
// buffer before being coalesced to disk, bounding write amplification for
// chatty in-progress updates (e.g. per-message renderer ticks) without
// risking unbounded staleness.
const flushDebounce = 250 * time.Millisecond

// Store provides append/rewrite/fetch/flush over RunRecords persisted as
// one record.json per run under sessionsDir, indexed by indexPath, with
// mutations serialized through a historylock at lockPath.
type Store struct {
	sessionsDir string
	indexPath   string
	lockPath    string
	lockTimeout time.Duration

	mu      sync.Mutex
	buffer  map[string]*bufferedRecord
}

type bufferedRecord struct {
	record *RunRecord
	timer  *time.Timer
}

// NewStore creates a Store rooted at root (the repository root containing
// .voratiq/).
func NewStore(root string) *Store {
	runsDir := filepath.Join(root, ".voratiq", "runs")
	return &Store{
		sessionsDir: filepath.Join(runsDir, "sessions"),
		indexPath:   filepath.Join(runsDir, "index.json"),
		lockPath:    filepath.Join(runsDir, "history.lock"),
		lockTimeout: historylock.DefaultTimeout,
		buffer:      make(map[string]*bufferedRecord),
	}
}

func (s *Store) recordPath(runID string) string {
	return filepath.Join(s.sessionsDir, runID, "record.json")
}

// Append creates a brand-new run directory and persists its initial record.
// It fails if the run directory already exists, per spec.md invariant 1.
func (s *Store) Append(ctx context.Context, rec *RunRecord) error {
	dir := filepath.Join(s.sessionsDir, rec.RunID)
	if _, err := os.Stat(dir); err == nil {
		return NewError(KindWorkspaceSetup, "run directory already exists").WithDetail(dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewError(KindWorkspaceSetup, "creating run directory").WithCause(err)
	}

	return s.withLock(ctx, func() error {
		if err := s.writeRecordFile(rec); err != nil {
			return err
		}
		return s.appendIndexEntry(IndexEntry{RunID: rec.RunID, CreatedAt: rec.CreatedAt, Status: rec.Status})
	})
}

// Mutate applies fn to the current on-disk record for runID and persists
// the result, honoring the merge rules in spec.md §4.3: a mutation landing
// on a terminal status is flushed immediately and its buffer entry
// disposed; otherwise it is held in the write buffer and coalesced.
func (s *Store) Mutate(ctx context.Context, runID string, fn func(*RunRecord) error) error {
	return s.withLock(ctx, func() error {
		rec, err := s.currentRecord(runID)
		if err != nil {
			return err
		}
		applyStatusBefore := rec.ApplyStatus

		if err := fn(rec); err != nil {
			return err
		}

		// applyStatus is owned by the external apply command; an
		// engine-initiated mutation preserves it untouched unless fn
		// explicitly targeted it (observable because fn ran with a
		// pointer into rec, so a deliberate change is allowed through).
		if rec.ApplyStatus == nil && applyStatusBefore != nil {
			rec.ApplyStatus = applyStatusBefore
		}

		s.buffer1(runID, rec)
		if rec.Status.Terminal() || rec.DeletedAt != nil {
			return s.flushLocked(rec)
		}
		return nil
	})
}

// buffer1 stores rec as the latest in-memory version for runID and
// (re)arms its coalescing flush timer.
func (s *Store) buffer1(runID string, rec *RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.buffer[runID]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	s.buffer[runID] = &bufferedRecord{
		record: rec,
		timer: time.AfterFunc(flushDebounce, func() {
			if err := s.Flush(context.Background(), runID); err != nil {
				slog.Warn("coalesced flush failed", "runId", runID, "err", err)
			}
		}),
	}
}

// Flush writes the buffered record for runID to disk immediately (if one is
// pending) and clears its buffer entry. A no-op if nothing is buffered.
func (s *Store) Flush(ctx context.Context, runID string) error {
	s.mu.Lock()
	buffered, ok := s.buffer[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.withLock(ctx, func() error {
		return s.flushLocked(buffered.record)
	})
}

// flushLocked writes rec to disk and disposes its buffer entry. Must be
// called with the history lock held.
func (s *Store) flushLocked(rec *RunRecord) error {
	if err := s.writeRecordFile(rec); err != nil {
		return err
	}
	if err := s.rewriteIndexEntry(IndexEntry{RunID: rec.RunID, CreatedAt: rec.CreatedAt, Status: rec.Status}); err != nil {
		return err
	}
	s.dispose(rec.RunID)
	return nil
}

// FlushAll flushes every buffered runId, collecting the first error.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.buffer))
	for id := range s.buffer {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispose cancels and drops the write-buffer entry for runID without
// flushing it. Used after a flush already persisted the final state.
func (s *Store) Dispose(runID string) { s.dispose(runID) }

func (s *Store) dispose(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffer[runID]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(s.buffer, runID)
	}
}

// Fetch returns the on-disk record for runID, preferring a buffered version
// if one is pending (so readers observe in-flight updates immediately).
func (s *Store) Fetch(runID string) (*RunRecord, error) {
	return s.currentRecord(runID)
}

// currentRecord returns the latest version of runID's record: the buffered
// one if a non-flushed mutation is pending, otherwise the on-disk copy.
// Always returns a clone the caller may mutate freely, so a buffered Mutate
// builds on top of the previous Mutate's still-unflushed result instead of
// silently discarding it by re-deriving from a stale on-disk copy.
func (s *Store) currentRecord(runID string) (*RunRecord, error) {
	s.mu.Lock()
	buffered, ok := s.buffer[runID]
	s.mu.Unlock()
	if ok {
		return cloneRecord(buffered.record), nil
	}
	return s.readRecordFile(runID)
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lk, err := historylock.Acquire(ctx, s.lockPath, s.lockTimeout)
	if err != nil {
		return NewError(KindHistoryLockTimeout, "acquiring history lock").WithCause(err)
	}
	defer lk.Release()
	return fn()
}

func (s *Store) readRecordFile(runID string) (*RunRecord, error) {
	data, err := os.ReadFile(s.recordPath(runID))
	if err != nil {
		return nil, NewError(KindRunReportInvariant, "reading run record").WithDetail(runID).WithCause(err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, NewError(KindRunReportInvariant, "parsing run record").WithDetail(runID).WithCause(err)
	}
	return &rec, nil
}

func (s *Store) writeRecordFile(rec *RunRecord) error {
	dir := filepath.Join(s.sessionsDir, rec.RunID)
	if err := pathguard.AssertWithin(s.sessionsDir, dir); err != nil {
		return NewError(KindWorkspaceSetup, "record path escapes sessions root").WithCause(err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return NewError(KindRunReportInvariant, "encoding run record").WithCause(err)
	}
	data = append(data, '\n')
	if err := pathguard.AtomicWriteFile(s.recordPath(rec.RunID), data, 0o644); err != nil {
		return NewError(KindRunReportInvariant, "writing run record").WithCause(err)
	}
	return nil
}

func (s *Store) readIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &Index{Version: CurrentIndexVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	return &idx, nil
}

func (s *Store) writeIndex(idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	data = append(data, '\n')
	return pathguard.AtomicWriteFile(s.indexPath, data, 0o644)
}

func (s *Store) appendIndexEntry(e IndexEntry) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	idx.Runs = append(idx.Runs, e)
	return s.writeIndex(idx)
}

func (s *Store) rewriteIndexEntry(e IndexEntry) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	found := false
	for i := range idx.Runs {
		if idx.Runs[i].RunID == e.RunID {
			idx.Runs[i] = e
			found = true
			break
		}
	}
	if !found {
		idx.Runs = append(idx.Runs, e)
	}
	return s.writeIndex(idx)
}

func cloneRecord(rec *RunRecord) *RunRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		// Marshaling our own well-typed struct cannot fail in practice;
		// fall back to returning the same pointer rather than panicking.
		return rec
	}
	var clone RunRecord
	if err := json.Unmarshal(data, &clone); err != nil {
		return rec
	}
	return &clone
}
