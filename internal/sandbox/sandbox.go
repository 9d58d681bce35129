// Package sandbox launches an agent binary attached to a pty and watches it
// with a silence timer and a wall-clock cap, per spec.md §4.7. The launcher
// is grounded on the teacher's pty-driven process runner; the watchdog's
// two-timer, polite-then-forceful kill discipline is new but composed from
// the same suspension-point primitives (context, timers, child signaling).
package sandbox

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Trigger identifies why the watchdog killed the child, empty for a normal exit.
type Trigger string

const (
	TriggerNone      Trigger = ""
	TriggerSilence   Trigger = "silence"
	TriggerWallClock Trigger = "wall-clock"
)

// politeGracePeriod is how long the watchdog waits after SIGTERM before
// escalating to SIGKILL.
const politeGracePeriod = 5 * time.Second

// LaunchInput describes one agent invocation to spawn under the sandbox.
type LaunchInput struct {
	Binary string
	Argv   []string
	Dir    string
	Env    []string

	StdoutPath string
	StderrPath string

	SilenceTimeout time.Duration
	WallClockCap   time.Duration
}

// LaunchResult is what Spawn reports once the child has exited.
type LaunchResult struct {
	ExitCode int
	Trigger  Trigger
}

// Spawner is the "opaque spawn under sandbox" primitive spec.md §1 names.
// The engine depends only on this interface; PTYSpawner is its one default
// implementation.
type Spawner interface {
	Spawn(ctx context.Context, in LaunchInput) (LaunchResult, error)
}

// PTYSpawner runs the agent binary attached to a pty so interactive CLIs
// behave as they would at a real terminal.
type PTYSpawner struct{}

// Spawn starts the child, tees its stdout/stderr to the given log paths, and
// enforces the silence and wall-clock watchdog timers. Both log streams are
// guaranteed closed on every exit path, including a spawn failure.
func (PTYSpawner) Spawn(ctx context.Context, in LaunchInput) (LaunchResult, error) {
	stdoutFile, err := os.OpenFile(in.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return LaunchResult{}, err
	}
	defer stdoutFile.Close()

	stderrFile, err := os.OpenFile(in.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return LaunchResult{}, err
	}
	defer stderrFile.Close()

	cmd := exec.Command(in.Binary, in.Argv...)
	cmd.Dir = in.Dir
	cmd.Env = in.Env

	ptmx, pts, err := pty.Open()
	if err != nil {
		return LaunchResult{}, err
	}
	defer ptmx.Close()
	cmd.Stdout = pts

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		pts.Close()
		return LaunchResult{}, err
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		pts.Close()
		stderrW.Close()
		return LaunchResult{}, err
	}
	pts.Close()   // slave is inherited by the child; the parent's handle is unneeded.
	stderrW.Close()

	activity := make(chan struct{}, 1)
	signalActivity := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go teeWithActivity(ptmx, stdoutFile, signalActivity, &wg)
	go teeWithActivity(stderrR, stderrFile, signalActivity, &wg)

	waitErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		waitErr <- cmd.Wait()
		close(done)
	}()

	trigger := watch(ctx, cmd, activity, in.SilenceTimeout, in.WallClockCap, done)

	err = <-waitErr
	wg.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if trigger == TriggerNone {
			return LaunchResult{}, err
		}
	}
	return LaunchResult{ExitCode: exitCode, Trigger: trigger}, nil
}

// teeWithActivity copies src to dst, signaling activity on every successful
// read. EIO on pty teardown at process exit is expected, not an error.
func teeWithActivity(src io.Reader, dst io.Writer, signal func(), wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			signal()
			dst.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// watch runs the silence and wall-clock timers concurrently with the
// child's wait, killing it (politely, then forcefully) on whichever fires
// first. It returns the trigger reason, or TriggerNone if the child exited
// on its own before either timer fired.
func watch(ctx context.Context, cmd *exec.Cmd, activity <-chan struct{}, silenceTimeout, wallClockCap time.Duration, done <-chan struct{}) Trigger {
	var wallClock <-chan time.Time
	if wallClockCap > 0 {
		t := time.NewTimer(wallClockCap)
		defer t.Stop()
		wallClock = t.C
	}

	silence := time.NewTimer(orForever(silenceTimeout))
	defer silence.Stop()

	for {
		select {
		case <-done:
			return TriggerNone
		case <-activity:
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(orForever(silenceTimeout))
		case <-silence.C:
			killPolitely(cmd)
			return TriggerSilence
		case <-wallClock:
			killPolitely(cmd)
			return TriggerWallClock
		case <-ctx.Done():
			killPolitely(cmd)
			return TriggerWallClock
		}
	}
}

func orForever(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * 365 * time.Hour
	}
	return d
}

// killPolitely sends SIGTERM, then escalates to SIGKILL if the process
// hasn't exited within politeGracePeriod.
func killPolitely(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		time.Sleep(politeGracePeriod)
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGKILL)
		}
	}()
}

