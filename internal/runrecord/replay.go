package runrecord

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/voratiq/voratiq/internal/pathguard"
)

// Replay reconstructs the full set of historical run records directly from
// .voratiq/runs/sessions/*/record.json, without consulting index.json.
// Sessions whose record.json is missing or fails to parse are skipped with
// a warning, the same tolerant-skip posture as the teacher's
// task/load.go:loadLogs. Returned records are sorted by CreatedAt ascending.
func Replay(sessionsDir string) ([]*RunRecord, error) {
	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []*RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(sessionsDir, e.Name(), "record.json")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("skipping unreadable run record", "session", e.Name(), "err", err)
			}
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("skipping malformed run record", "session", e.Name(), "err", err)
			continue
		}
		recs = append(recs, &rec)
	}

	slices.SortFunc(recs, func(a, b *RunRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return recs, nil
}

// Reconcile rebuilds index.json from the sessions directory truth, dropping
// any index entry whose record.json is missing or unparsable and emitting a
// warning per dropped entry. It satisfies spec.md invariant 4: the index
// contains an entry iff the corresponding record.json exists and parses.
func Reconcile(indexPath, sessionsDir string) error {
	recs, err := Replay(sessionsDir)
	if err != nil {
		return err
	}

	idx := &Index{Version: CurrentIndexVersion}
	for _, rec := range recs {
		idx.Runs = append(idx.Runs, IndexEntry{RunID: rec.RunID, CreatedAt: rec.CreatedAt, Status: rec.Status})
	}

	old, err := os.ReadFile(indexPath)
	if err == nil {
		var oldIdx Index
		if json.Unmarshal(old, &oldIdx) == nil {
			known := make(map[string]struct{}, len(idx.Runs))
			for _, e := range idx.Runs {
				known[e.RunID] = struct{}{}
			}
			for _, e := range oldIdx.Runs {
				if _, ok := known[e.RunID]; !ok {
					slog.Warn("dropping index entry with no matching run record", "runId", e.RunID)
				}
			}
		}
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return pathguard.AtomicWriteFile(indexPath, data, 0o644)
}
