// Package runrecord implements spec.md §3's data model and §4.3's record
// store: the authoritative, crash-safe, incrementally-updated bookkeeping
// for one run and its agents.
package runrecord

import (
	"time"

	"github.com/voratiq/voratiq/internal/agent"
)

// Status is a run or agent's lifecycle state. Terminal statuses are
// absorbing: spec.md invariant 3 forbids regressing from a terminal status
// back to a non-terminal one.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
	StatusAborted   Status = "aborted"
	StatusPruned    Status = "pruned"
)

// Terminal reports whether s is one of the absorbing end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusAborted, StatusPruned:
		return true
	default:
		return false
	}
}

// DiffFileStat describes one changed file in a harvested diff.
type DiffFileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary,omitempty"`
}

// DiffStatistics summarizes a harvested commit's diff.
type DiffStatistics struct {
	FilesChanged int            `json:"filesChanged"`
	Insertions   int            `json:"insertions"`
	Deletions    int            `json:"deletions"`
	Files        []DiffFileStat `json:"files,omitempty"`
}

// Empty reports whether the statistics carry no information, used by the
// record store's "keep the most recent non-empty value" merge rule.
func (d DiffStatistics) Empty() bool {
	return d.FilesChanged == 0 && d.Insertions == 0 && d.Deletions == 0 && len(d.Files) == 0
}

// Artifacts tracks which artifact files a harvest step actually produced.
type Artifacts struct {
	DiffAttempted   bool `json:"diffAttempted"`
	DiffCaptured    bool `json:"diffCaptured"`
	StdoutCaptured  bool `json:"stdoutCaptured"`
	StderrCaptured  bool `json:"stderrCaptured"`
	SummaryCaptured bool `json:"summaryCaptured"`
}

// EvalStatus is the outcome of one eval slug run against an agent's commit.
type EvalStatus string

const (
	EvalSucceeded EvalStatus = "succeeded"
	EvalFailed    EvalStatus = "failed"
	EvalErrored   EvalStatus = "errored"
	EvalSkipped   EvalStatus = "skipped"
)

// EvalResult is one eval slug's recorded outcome for an agent.
type EvalResult struct {
	Slug     string     `json:"slug"`
	Status   EvalStatus `json:"status"`
	ExitCode *int       `json:"exitCode,omitempty"`
	Command  string     `json:"command,omitempty"`
	LogPath  string     `json:"logPath,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// AgentInvocationRecord is one agent's entry within a RunRecord.
type AgentInvocationRecord struct {
	AgentID        string          `json:"agentId"`
	Model          string          `json:"model,omitempty"`
	Status         Status          `json:"status"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CommitSha      string          `json:"commitSha,omitempty"`
	DiffStatistics *DiffStatistics `json:"diffStatistics,omitempty"`
	Artifacts      *Artifacts      `json:"artifacts,omitempty"`
	Evals          []EvalResult    `json:"evals,omitempty"`
	Usage          agent.Usage     `json:"usage,omitzero"`
	Warnings       []string        `json:"warnings,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Terminal reports whether the agent invocation has reached an absorbing
// status.
func (a AgentInvocationRecord) Terminal() bool { return a.Status.Terminal() }

// SpecRef identifies the Markdown specification a run was launched against.
type SpecRef struct {
	Path string `json:"path"`
}

// RunRecord is the authoritative per-run document persisted under
// .voratiq/runs/sessions/<runId>/record.json.
type RunRecord struct {
	RunID           string                  `json:"runId"`
	BaseRevisionSha string                  `json:"baseRevisionSha"`
	Spec            SpecRef                 `json:"spec"`
	RootPath        string                  `json:"rootPath"`
	CreatedAt       time.Time               `json:"createdAt"`
	DeletedAt       *time.Time              `json:"deletedAt,omitempty"`
	Status          Status                  `json:"status"`
	Agents          []AgentInvocationRecord `json:"agents"`
	ApplyStatus     *string                 `json:"applyStatus,omitempty"`
}

// AgentByID returns a pointer to the invocation record for id, or nil.
func (r *RunRecord) AgentByID(id string) *AgentInvocationRecord {
	for i := range r.Agents {
		if r.Agents[i].AgentID == id {
			return &r.Agents[i]
		}
	}
	return nil
}

// HadAgentFailure reports whether any agent ended in failed or errored.
func (r *RunRecord) HadAgentFailure() bool {
	for _, a := range r.Agents {
		if a.Status == StatusFailed || a.Status == StatusErrored {
			return true
		}
	}
	return false
}

// HadEvalFailure reports whether any agent's eval results include a
// failed or errored entry.
func (r *RunRecord) HadEvalFailure() bool {
	for _, a := range r.Agents {
		for _, e := range a.Evals {
			if e.Status == EvalFailed || e.Status == EvalErrored {
				return true
			}
		}
	}
	return false
}

// IndexEntry is one row of .voratiq/runs/index.json.
type IndexEntry struct {
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
}

// Index is the versioned top-level document at .voratiq/runs/index.json.
type Index struct {
	Version int          `json:"version"`
	Runs    []IndexEntry `json:"runs"`
}

// CurrentIndexVersion is the only Index.Version this engine writes or reads.
const CurrentIndexVersion = 1
