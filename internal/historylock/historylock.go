// Package historylock implements spec.md §4.2: a file-based advisory lock
// guarding every read-then-write of the run index, with exponential
// backoff, jitter, and stale-owner reclamation.
//
// Grounded on github.com/nikolasavic/lokt's internal/lock + internal/lockfile
// + internal/stale packages (atomic O_EXCL create, one-line JSON payload,
// dead-PID detection), adapted to this spec's narrower payload
// ({pid, createdAt} only — no TTL, metadata, or audit trail) and its fixed
// "2x timeout" staleness rule (spec.md §9 Open Question (a): keep the grace
// period even when the owner PID is absent from the payload).
package historylock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/voratiq/voratiq/internal/pathguard"
)

// DefaultTimeout is the total acquisition deadline spec.md §4.2 specifies.
const DefaultTimeout = 10 * time.Second

const (
	minBackoff = 25 * time.Millisecond
	maxBackoff = 1 * time.Second
)

// payload is the one-line JSON lock file body: {pid, createdAt}.
type payload struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lock represents an acquired history lock. Release removes the lock file,
// may be called more than once, and is typically deferred. This package
// installs no signal or exit handler: a process killed while holding the
// lock leaves the file behind until a later Acquire reclaims it as stale.
type Lock struct {
	path string
}

// Acquire attempts to take the exclusive lock at path within timeout
// (DefaultTimeout if timeout <= 0), using exponential backoff with jitter
// between minBackoff and maxBackoff, reclaiming a stale holder when found.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	attempt := 0
	for {
		ok, err := tryCreate(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{path: path}, nil
		}

		if reclaimStale(path, timeout) {
			continue // retry immediately, no backoff consumed
		}

		delay := backoffDelay(attempt)
		attempt++
		waitForReleaseOrTimeout(ctx, path, delay)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: acquiring lock %q after %s", ErrTimeout, path, timeout)
		}
	}
}

// waitForReleaseOrTimeout blocks until delay elapses, ctx is done, or an
// fsnotify watch on the lock's directory reports the lock file was removed
// or renamed away — whichever comes first. A waiter this wakes still has to
// win the next tryCreate race, so a spurious early wake is harmless; it just
// means one extra failed create attempt. If the watcher fails to start (e.g.
// platform without inotify support), this degrades to pure polling on delay,
// which is still correct, just slower to notice a release.
func waitForReleaseOrTimeout(ctx context.Context, path string, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case err, ok := <-watcher.Errors:
			if !ok || err != nil {
				return
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == path && (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
				return
			}
		}
	}
}

// ErrTimeout is wrapped by Acquire when the deadline elapses without
// successfully taking the lock.
var ErrTimeout = errors.New("history lock timeout")

// tryCreate attempts an atomic create-if-absent of the lock file.
func tryCreate(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock file %q: %w", path, err)
	}
	defer f.Close()

	p := payload{PID: os.Getpid(), CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encoding lock payload: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("writing lock payload: %w", err)
	}
	return true, nil
}

// reclaimStale removes path if its mtime is older than 2*timeout AND the
// recorded owner is absent, self, or not alive. Returns true if it removed
// the file (the caller should retry the create immediately).
func reclaimStale(path string, timeout time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false // vanished between the failed create and this check
	}
	if time.Since(info.ModTime()) < 2*timeout {
		return false
	}

	data, err := os.ReadFile(path)
	var p payload
	if err == nil {
		_ = json.Unmarshal(data, &p) // malformed payload => owner fields zero, treated as absent
	}

	if p.PID != 0 && p.PID != os.Getpid() && processAlive(p.PID) {
		return false
	}

	// os.Remove racing another reclaimer is fine: at most one wins, the
	// loser's create attempt simply fails and it backs off again.
	return os.Remove(path) == nil
}

// backoffDelay returns an exponential backoff with +/-25% jitter, capped at
// maxBackoff.
func backoffDelay(attempt int) time.Duration {
	d := minBackoff << attempt
	if d <= 0 || d > maxBackoff { // overflow or cap
		d = maxBackoff
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// Release removes the lock file. It is idempotent: releasing an
// already-released (or never-acquired) lock is not an error.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return pathguard.SafeUnlink(filepath.Dir(l.path), l.path)
}
