// Package rebuild implements the snapshot rebuild engine: the dirty-range
// tracker, the bootstrap path for brand-new scopes, and the chunked,
// time-budgeted runner that recomputes one valuation row per day.
package rebuild

import (
	"context"
	"time"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/metrics"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
	"github.com/folioworks/snapshot-engine/internal/store"
)

// Tracker reads and mutates the per-scope dirty-range records.
type Tracker struct {
	store store.Store
	loc   *time.Location
}

// NewTracker creates a tracker bucketing days in loc.
func NewTracker(st store.Store, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{store: st, loc: loc}
}

// Read returns the current rebuild state for key, defaulting to "nothing
// dirty, nothing processed" when no record exists.
func (t *Tracker) Read(ctx context.Context, key scope.Key) (model.RebuildState, error) {
	return t.store.GetRebuildState(ctx, key)
}

// MarkDirty merges a new dirty floor into key's record. The stored floor only
// ever moves earlier; a future-dated floor is clamped to today's bucket.
func (t *Tracker) MarkDirty(ctx context.Context, key scope.Key, from bucket.Date) error {
	if today := bucket.Today(t.loc); from.After(today) {
		from = today
	}
	if err := t.store.MarkRebuildDirty(ctx, key, from); err != nil {
		metrics.DirtyMarkFailures.Inc()
		return err
	}
	metrics.DirtyMarksTotal.WithLabelValues(string(key.Scope)).Inc()
	return nil
}

// PendingDays reports how many days of st's dirty range remain, through
// today inclusive. Zero when nothing is dirty.
func (t *Tracker) PendingDays(st model.RebuildState) int {
	if st.DirtyFrom.IsZero() {
		return 0
	}
	return st.DirtyFrom.DaysUntil(bucket.Today(t.loc)) + 1
}

// MarkOutcome reports the two best-effort dirty marks performed after a
// ledger mutation. The mutation itself has already succeeded; a failed mark
// is bookkeeping debt the caller logs and surfaces, never a rollback.
type MarkOutcome struct {
	PortfolioErr error
	AllErr       error
}

// Failed reports whether either mark was lost.
func (o MarkOutcome) Failed() bool {
	return o.PortfolioErr != nil || o.AllErr != nil
}

// MarkMutation marks both read-models affected by a ledger mutation dirty:
// the mutated portfolio's scope and the user's aggregate scope.
func (t *Tracker) MarkMutation(ctx context.Context, userID, portfolioID string, from bucket.Date) MarkOutcome {
	var out MarkOutcome

	if pk, err := scope.NewKey(userID, scope.Portfolio, portfolioID); err != nil {
		out.PortfolioErr = err
	} else {
		out.PortfolioErr = t.MarkDirty(ctx, pk, from)
	}

	ak, _ := scope.NewKey(userID, scope.All, "")
	out.AllErr = t.MarkDirty(ctx, ak, from)
	return out
}
