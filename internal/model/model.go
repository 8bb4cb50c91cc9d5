// Package model defines the core domain types shared across the snapshot engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/scope"
)

// Transaction sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Transaction is one BUY or SELL leg in a user's ledger. Legs are replayed in
// (trade_date, created_at, id) order, so CreatedAt is the stable tie-break for
// same-day legs.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         string          `json:"side" db:"side"` // "BUY" or "SELL"
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"` // per-unit price
	TradeDate    bucket.Date     `json:"trade_date" db:"trade_date"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Price is one daily close for an instrument, the external valuation input.
type Price struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	BucketDate   bucket.Date     `json:"bucket_date" db:"bucket_date"`
	Close        decimal.Decimal `json:"close" db:"close"`
}

// Status is the rebuild state of a scope as seen by clients.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusDirty   Status = "dirty"
	StatusRunning Status = "running"
)

// RebuildState is the steady-state control record for one (user, scope,
// portfolio) key: the earliest day still needing recomputation and the last
// day successfully snapshotted. Zero Dates stand for "none".
type RebuildState struct {
	Key            scope.Key   `json:"key"`
	DirtyFrom      bucket.Date `json:"dirty_from,omitempty"`
	ProcessedUntil bucket.Date `json:"processed_until,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Status derives the stored record's status. "running" is an in-flight
// property of the runner, not of the persisted record.
func (s RebuildState) Status() Status {
	if !s.DirtyFrom.IsZero() {
		return StatusDirty
	}
	return StatusIdle
}

// SnapshotRow is the computed valuation of one scope on one day. Exactly one
// row exists per (RowKey, BucketDate); recomputation overwrites it in place.
type SnapshotRow struct {
	RowKey        string          `json:"row_key" db:"row_key"`
	BucketDate    bucket.Date     `json:"bucket_date" db:"bucket_date"`
	CashBalance   decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	AssetValue    decimal.Decimal `json:"asset_value" db:"asset_value"`
	CostBasis     decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	PositionCount int             `json:"position_count" db:"position_count"`
	ComputedAt    time.Time       `json:"computed_at" db:"computed_at"`
}

// Holding is an open position as of some day: quantity held and its
// weighted-average cost.
type Holding struct {
	InstrumentID string          `json:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
}
