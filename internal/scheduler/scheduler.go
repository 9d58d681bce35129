// Package scheduler drives a bounded worker pool over prepared agents, per
// spec.md §4.12. It is grounded on the review-orchestrator fan-out pattern
// (other_examples/6821bad4_AbdelazizMoustafa10m-Raven__internal-review-orchestrator.go.go):
// golang.org/x/sync/errgroup with SetLimit bounds concurrency, every worker
// closure swallows its own error and returns nil so one agent's failure
// never aborts the errgroup or its sibling workers, and results land in a
// position-indexed slice that's re-sorted by agent ID once every worker has
// joined, giving stable rendering order independent of completion order.
package scheduler

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Job is one unit of work the scheduler drives to completion.
type Job struct {
	AgentID string
	Execute func(ctx context.Context) error
}

// Result is the outcome of one Job.
type Result struct {
	AgentID string
	Err     error
}

// EffectiveMaxParallel applies spec.md's bound: min(n, max(1, requested)),
// where a non-positive requested value means "no explicit cap" and falls
// back to running every agent concurrently (bounded only by n).
func EffectiveMaxParallel(requested, n int) int {
	if n <= 0 {
		return 0
	}
	limit := requested
	if limit <= 0 {
		limit = n
	}
	if limit > n {
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Run bounds concurrency to min(maxParallel, len(jobs)) via errgroup.SetLimit
// and returns results sorted by AgentID. Run blocks until every job has
// completed; a job's own error is recorded on its Result rather than
// aborting the pool, so other agents keep running to completion. Jobs share
// ctx itself, not errgroup.WithContext's derived context — an ordinary
// per-agent failure must never cancel the context any sibling job is still
// running under, so every worker closure returns nil regardless of the
// job's outcome.
func Run(ctx context.Context, jobs []Job, maxParallel int) []Result {
	n := len(jobs)
	results := make([]Result, n)
	if n == 0 {
		return results
	}

	g := &errgroup.Group{}
	g.SetLimit(EffectiveMaxParallel(maxParallel, n))

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = Result{AgentID: job.AgentID, Err: job.Execute(ctx)}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
	return results
}
