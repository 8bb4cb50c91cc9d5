// Package store defines the persistence interface for the snapshot engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
)

// ErrNotFound is returned when a requested record does not exist or is not
// owned by the requesting user.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Transaction ledger ---

	// InsertTransaction appends a ledger leg.
	InsertTransaction(ctx context.Context, tx *model.Transaction) error

	// GetTransaction retrieves a leg by id, scoped to its owning user.
	GetTransaction(ctx context.Context, userID, id string) (*model.Transaction, error)

	// UpdateTransaction rewrites an existing leg owned by tx.UserID.
	UpdateTransaction(ctx context.Context, tx *model.Transaction) error

	// DeleteTransaction removes a leg and returns it, so callers can mark
	// the affected trade date dirty.
	DeleteTransaction(ctx context.Context, userID, id string) (*model.Transaction, error)

	// ListTransactions returns a user's legs in replay order, optionally
	// filtered to one portfolio.
	ListTransactions(ctx context.Context, userID, portfolioID string) ([]model.Transaction, error)

	// LegsThrough returns the replay-ordered legs of a scope with trade
	// dates on or before day, as raw cost-basis legs.
	LegsThrough(ctx context.Context, key scope.Key, day bucket.Date) ([]costbasis.Leg, error)

	// --- Daily prices ---

	// UpsertPrice records an instrument's close for one bucket date.
	UpsertPrice(ctx context.Context, p *model.Price) error

	// PricesAsOf returns, per requested instrument, the latest close on or
	// before day. Instruments with no price have no entry.
	PricesAsOf(ctx context.Context, instrumentIDs []string, day bucket.Date) (map[string]decimal.Decimal, error)

	// --- Snapshot rows ---

	// UpsertSnapshot writes the row for (row.RowKey, row.BucketDate),
	// replacing any prior computation atomically.
	UpsertSnapshot(ctx context.Context, row *model.SnapshotRow) error

	// ListSnapshots returns a scope's rows ascending by bucket date,
	// bounded by from/to when non-zero.
	ListSnapshots(ctx context.Context, rowKey string, from, to bucket.Date) ([]model.SnapshotRow, error)

	// HasSnapshots reports whether any row exists for rowKey.
	HasSnapshots(ctx context.Context, rowKey string) (bool, error)

	// --- Rebuild state ---

	// GetRebuildState reads the control record for key, returning a zero
	// state ("nothing dirty, nothing processed") when none exists.
	GetRebuildState(ctx context.Context, key scope.Key) (model.RebuildState, error)

	// MarkRebuildDirty merges a dirty floor into key's record: the stored
	// floor becomes the minimum of the current and incoming dates. Creates
	// the record when missing.
	MarkRebuildDirty(ctx context.Context, key scope.Key, from bucket.Date) error

	// SaveRebuildProgress checkpoints the runner: processedUntil only ever
	// advances, and newDirtyFrom (zero = clear) replaces the floor only if
	// it still equals expectDirtyFrom — a floor re-marked concurrently to
	// an earlier date is kept via a minimum merge instead. Returns the
	// stored state after the write.
	SaveRebuildProgress(ctx context.Context, key scope.Key, processedUntil, newDirtyFrom, expectDirtyFrom bucket.Date) (model.RebuildState, error)

	// ListDirtyKeys returns up to limit keys with a pending dirty range,
	// oldest update first. Feeds the periodic sweep.
	ListDirtyKeys(ctx context.Context, limit int) ([]scope.Key, error)
}
