package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/metrics"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
	"github.com/folioworks/snapshot-engine/internal/store"
)

// ErrAlreadyRunning is returned when a run for the same key is in flight in
// this process. The caller polls and retries; the in-flight run is doing the
// same work it would have done.
var ErrAlreadyRunning = errors.New("rebuild: run already in progress for this scope")

// RunResult reports one runner invocation.
type RunResult struct {
	ProcessedDays int                `json:"processed_days"`
	State         model.RebuildState `json:"state"`
}

// Runner recomputes snapshot rows for a scope's dirty range, day by day in
// ascending order, checkpointing after every day so a later invocation
// resumes exactly where this one stopped.
//
// Concurrent triggers for the same key are serialized in-process; across
// instances duplicate work is accepted — each day's computation is
// idempotent and the checkpoint write is monotonic, so a race wastes effort
// but cannot corrupt state.
type Runner struct {
	store store.Store
	loc   *time.Location

	// OnProgress, when set, observes each persisted checkpoint.
	OnProgress func(key scope.Key, st model.RebuildState, processedDays int)

	mu      sync.Mutex
	running map[string]bool
}

// NewRunner creates a runner bucketing days in loc.
func NewRunner(st store.Store, loc *time.Location) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{store: st, loc: loc, running: make(map[string]bool)}
}

// Running reports whether a run for key is in flight in this process.
func (r *Runner) Running(key scope.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[key.RowKey()]
}

func (r *Runner) acquire(rowKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[rowKey] {
		return false
	}
	r.running[rowKey] = true
	return true
}

func (r *Runner) release(rowKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, rowKey)
}

// Run consumes up to maxDays days of key's dirty range, or less if budget
// elapses first (checked between days, never preempting one). A failed day
// aborts the call without advancing past the last good checkpoint, leaving
// the remainder dirty for retry.
func (r *Runner) Run(ctx context.Context, key scope.Key, maxDays int, budget time.Duration) (RunResult, error) {
	rowKey := key.RowKey()
	if !r.acquire(rowKey) {
		return RunResult{}, ErrAlreadyRunning
	}
	defer r.release(rowKey)

	if maxDays < 1 {
		maxDays = 1
	}
	start := time.Now()
	metrics.RebuildRunsTotal.Inc()
	defer func() {
		metrics.RebuildRunDuration.Observe(time.Since(start).Seconds())
	}()

	state, err := r.store.GetRebuildState(ctx, key)
	if err != nil {
		return RunResult{}, err
	}
	if state.DirtyFrom.IsZero() {
		return RunResult{State: state}, nil // idle, nothing to do
	}

	today := bucket.Today(r.loc)
	day := state.DirtyFrom
	expect := state.DirtyFrom
	processed := 0

	for !day.After(today) {
		if err := r.computeDay(ctx, key, day); err != nil {
			metrics.RebuildDayFailures.Inc()
			return RunResult{ProcessedDays: processed, State: state}, err
		}

		// The per-day checkpoint is what makes the job resumable: after a
		// crash the next invocation starts at the day after this one.
		next := bucket.Date("")
		if day.Before(today) {
			next = day.Next()
		}
		state, err = r.store.SaveRebuildProgress(ctx, key, day, next, expect)
		if err != nil {
			return RunResult{ProcessedDays: processed, State: state}, err
		}
		processed++
		metrics.SnapshotDaysProcessed.Inc()
		if r.OnProgress != nil {
			r.OnProgress(key, state, processed)
		}

		if state.DirtyFrom.IsZero() {
			break // caught up
		}
		if state.DirtyFrom != next {
			// A concurrent mutation re-marked an earlier floor; this
			// invocation keeps its strictly ascending day order and lets
			// the next call start over from the new floor.
			break
		}
		if processed >= maxDays {
			break
		}
		if budget > 0 && time.Since(start) >= budget {
			break
		}
		expect = state.DirtyFrom
		day = state.DirtyFrom
	}

	return RunResult{ProcessedDays: processed, State: state}, nil
}

// computeDay recomputes and upserts one day's snapshot for key.
func (r *Runner) computeDay(ctx context.Context, key scope.Key, day bucket.Date) error {
	rowKey := key.RowKey()

	legs, err := r.store.LegsThrough(ctx, key, day)
	if err != nil {
		return fmt.Errorf("rebuild %s day %s: load legs: %w", rowKey, day, err)
	}

	replay := costbasis.Replay(legs)
	instruments := sortedInstruments(replay.Quantities)
	prices, err := r.store.PricesAsOf(ctx, instruments, day)
	if err != nil {
		return fmt.Errorf("rebuild %s day %s: load prices: %w", rowKey, day, err)
	}

	row := buildSnapshot(rowKey, day, legs, prices, time.Now().UTC())
	if err := r.store.UpsertSnapshot(ctx, row); err != nil {
		return fmt.Errorf("rebuild %s day %s: write snapshot: %w", rowKey, day, err)
	}
	return nil
}
