package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/metrics"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
	"github.com/folioworks/snapshot-engine/internal/store"
)

// BootstrapStatus is the outcome of a bootstrap attempt.
type BootstrapStatus string

const (
	BootstrapCreated       BootstrapStatus = "created"
	BootstrapAlreadyExists BootstrapStatus = "already-exists"
	BootstrapNoHoldings    BootstrapStatus = "no-holdings"
)

// BootstrapResult reports what bootstrap did and whether the scope holds
// anything at all.
type BootstrapResult struct {
	Status      BootstrapStatus `json:"status"`
	HasHoldings bool            `json:"hasHoldings"`
	Holdings    []model.Holding `json:"holdings,omitempty"`
}

// Bootstrap creates the very first snapshot row for a scope directly from
// current holdings, skipping the day-by-day incremental path. A brand-new
// scope gets an immediate data point for today without replaying history.
type Bootstrap struct {
	store store.Store
	loc   *time.Location
}

// NewBootstrap creates a bootstrap bucketing days in loc.
func NewBootstrap(st store.Store, loc *time.Location) *Bootstrap {
	if loc == nil {
		loc = time.UTC
	}
	return &Bootstrap{store: st, loc: loc}
}

// Run bootstraps key. It is a no-op (already-exists) when any snapshot row
// exists, and declines (no-holdings) when the scope holds nothing.
func (b *Bootstrap) Run(ctx context.Context, key scope.Key) (BootstrapResult, error) {
	today := bucket.Today(b.loc)
	rowKey := key.RowKey()

	legs, err := b.store.LegsThrough(ctx, key, today)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap %s: load legs: %w", rowKey, err)
	}
	replay := costbasis.Replay(legs)
	held := holdings(replay)

	exists, err := b.store.HasSnapshots(ctx, rowKey)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap %s: %w", rowKey, err)
	}
	if exists {
		metrics.BootstrapTotal.WithLabelValues(string(BootstrapAlreadyExists)).Inc()
		return BootstrapResult{Status: BootstrapAlreadyExists, HasHoldings: len(held) > 0, Holdings: held}, nil
	}
	if len(held) == 0 {
		metrics.BootstrapTotal.WithLabelValues(string(BootstrapNoHoldings)).Inc()
		return BootstrapResult{Status: BootstrapNoHoldings}, nil
	}

	instruments := make([]string, len(held))
	for i, h := range held {
		instruments[i] = h.InstrumentID
	}
	prices, err := b.store.PricesAsOf(ctx, instruments, today)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap %s: load prices: %w", rowKey, err)
	}

	row := buildSnapshot(rowKey, today, legs, prices, time.Now().UTC())
	if err := b.store.UpsertSnapshot(ctx, row); err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap %s: write snapshot: %w", rowKey, err)
	}

	// Record today's checkpoint. An existing dirty floor is left for the
	// incremental runner to absorb.
	st, err := b.store.GetRebuildState(ctx, key)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap %s: %w", rowKey, err)
	}
	if _, err := b.store.SaveRebuildProgress(ctx, key, today, st.DirtyFrom, st.DirtyFrom); err != nil {
		return BootstrapResult{}, fmt.Errorf("bootstrap %s: save checkpoint: %w", rowKey, err)
	}

	metrics.BootstrapTotal.WithLabelValues(string(BootstrapCreated)).Inc()
	return BootstrapResult{Status: BootstrapCreated, HasHoldings: true, Holdings: held}, nil
}
