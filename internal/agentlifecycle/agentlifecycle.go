// Package agentlifecycle implements the per-agent state machine of
// spec.md §4.11: queued → running → {succeeded, failed, errored, aborted}.
// It is grounded on the teacher's task.Task pattern (internal/task/runner.go
// and internal/server/server.go's handleTaskEvents): a mutex-guarded state
// field mutated through a single setState-style choke point, fanned out to
// subscribers over per-subscriber channels the way handleTaskEvents ranges
// over task.Subscribe's SSE channel.
package agentlifecycle

import (
	"errors"
	"sync"
	"time"
)

// Status is one state in the agent lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
	StatusAborted   Status = "aborted"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored, StatusAborted:
		return true
	default:
		return false
	}
}

// ErrInvalidTransition is returned when a caller requests a transition the
// state machine does not permit from its current status.
var ErrInvalidTransition = errors.New("agentlifecycle: invalid state transition")

// Snapshot is an immutable point-in-time view published to subscribers and
// written through to the record store.
type Snapshot struct {
	AgentID         string
	Status          Status
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           string
	WatchdogTrigger string
}

// Machine is one agent's lifecycle state machine. The zero value is not
// usable; construct with New.
type Machine struct {
	mu      sync.Mutex
	agentID string
	status  Status

	startedAt  time.Time
	finishedAt time.Time
	err        string
	trigger    string

	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

// New returns a Machine for agentID in its initial queued state.
func New(agentID string) *Machine {
	return &Machine{
		agentID: agentID,
		status:  StatusQueued,
		subs:    make(map[int]chan Snapshot),
	}
}

// Snapshot returns the machine's current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		AgentID:         m.agentID,
		Status:          m.status,
		StartedAt:       m.startedAt,
		FinishedAt:      m.finishedAt,
		Error:           m.err,
		WatchdogTrigger: m.trigger,
	}
}

// Subscribe registers a new subscriber and immediately delivers the current
// snapshot on it. The returned channel is closed once the machine reaches a
// terminal state and has published its final snapshot, or immediately if it
// is already terminal when Subscribe is called — mirroring the teacher's
// handleTaskEvents, which ranges over a channel until the producer closes it.
// The caller must invoke the returned unsub func to release the subscription
// early (e.g. on client disconnect).
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	ch := make(chan Snapshot, 8)
	ch <- m.snapshotLocked()
	if m.closed {
		close(ch)
		m.mu.Unlock()
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.mu.Lock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
			m.mu.Unlock()
		})
	}
	return ch, unsub
}

func (m *Machine) publishLocked() {
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// A slow subscriber misses an intermediate snapshot rather than
			// blocking the state machine; Snapshot() remains authoritative.
		}
	}
}

// Start transitions queued → running, recording startedAt and publishing a
// running snapshot so the record store can persist it before any work begins.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusQueued {
		return ErrInvalidTransition
	}
	m.status = StatusRunning
	m.startedAt = time.Now().UTC()
	m.publishLocked()
	return nil
}

// NotifyWatchdog records a watchdog trigger reason without transitioning the
// machine, letting an early-failure callback surface the cause to the
// renderer immediately while the final status is still being determined
// (harvest and eval collection may still run to completion).
func (m *Machine) NotifyWatchdog(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusRunning {
		return
	}
	m.trigger = trigger
	m.publishLocked()
}

// Succeed transitions running → succeeded.
func (m *Machine) Succeed() error {
	return m.finish(StatusSucceeded, "")
}

// Fail transitions running → failed, recording errMsg as the terminal error.
func (m *Machine) Fail(errMsg string) error {
	return m.finish(StatusFailed, errMsg)
}

// Errored transitions running → errored, for internal invariant violations
// rather than agent-caused failures.
func (m *Machine) Errored(errMsg string) error {
	return m.finish(StatusErrored, errMsg)
}

// Abort transitions running → aborted, recording warning as the error
// message.
func (m *Machine) Abort(warning string) error {
	return m.finish(StatusAborted, warning)
}

func (m *Machine) finish(target Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusRunning {
		return ErrInvalidTransition
	}
	m.status = target
	m.finishedAt = time.Now().UTC()
	m.err = errMsg
	m.publishLocked()

	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.closed = true
	return nil
}
