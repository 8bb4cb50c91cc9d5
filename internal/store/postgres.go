package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision, and
// bucket dates as DATE; both round-trip through TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Transaction ledger ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, portfolio_id, instrument_id, side, quantity, price, trade_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::DATE, $9)`,
		tx.ID, tx.UserID, tx.PortfolioID, tx.InstrumentID, tx.Side,
		tx.Quantity.String(), tx.Price.String(), string(tx.TradeDate), tx.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, userID, id string) (*model.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, portfolio_id, instrument_id, side,
		        quantity::TEXT, price::TEXT, trade_date::TEXT, created_at
		 FROM transactions WHERE id = $1 AND user_id = $2`, id, userID)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (s *PostgresStore) UpdateTransaction(ctx context.Context, tx *model.Transaction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions
		 SET portfolio_id = $3, instrument_id = $4, side = $5,
		     quantity = $6::NUMERIC, price = $7::NUMERIC, trade_date = $8::DATE
		 WHERE id = $1 AND user_id = $2`,
		tx.ID, tx.UserID, tx.PortfolioID, tx.InstrumentID, tx.Side,
		tx.Quantity.String(), tx.Price.String(), string(tx.TradeDate),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTransaction(ctx context.Context, userID, id string) (*model.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM transactions WHERE id = $1 AND user_id = $2
		 RETURNING id, user_id, portfolio_id, instrument_id, side,
		           quantity::TEXT, price::TEXT, trade_date::TEXT, created_at`,
		id, userID)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delete transaction %s: %w", id, err)
	}
	return tx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID, portfolioID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, portfolio_id, instrument_id, side,
		        quantity::TEXT, price::TEXT, trade_date::TEXT, created_at
		 FROM transactions
		 WHERE user_id = $1 AND ($2 = '' OR portfolio_id = $2)
		 ORDER BY trade_date, created_at, id`, userID, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *tx)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) LegsThrough(ctx context.Context, key scope.Key, day bucket.Date) ([]costbasis.Leg, error) {
	portfolioID := ""
	if key.Scope == scope.Portfolio {
		portfolioID = key.PortfolioID
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument_id, side, quantity::TEXT, price::TEXT
		 FROM transactions
		 WHERE user_id = $1 AND ($2 = '' OR portfolio_id = $2) AND trade_date <= $3::DATE
		 ORDER BY trade_date, created_at, id`,
		key.UserID, portfolioID, string(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var legs []costbasis.Leg
	for rows.Next() {
		var leg costbasis.Leg
		if err := rows.Scan(&leg.ID, &leg.InstrumentID, &leg.Side, &leg.Quantity, &leg.Price); err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

// --- Daily prices ---

func (s *PostgresStore) UpsertPrice(ctx context.Context, p *model.Price) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prices (instrument_id, bucket_date, close)
		 VALUES ($1, $2::DATE, $3::NUMERIC)
		 ON CONFLICT (instrument_id, bucket_date) DO UPDATE SET close = EXCLUDED.close`,
		p.InstrumentID, string(p.BucketDate), p.Close.String(),
	)
	return err
}

func (s *PostgresStore) PricesAsOf(ctx context.Context, instrumentIDs []string, day bucket.Date) (map[string]decimal.Decimal, error) {
	if len(instrumentIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (instrument_id) instrument_id, close::TEXT
		 FROM prices
		 WHERE instrument_id = ANY($1) AND bucket_date <= $2::DATE
		 ORDER BY instrument_id, bucket_date DESC`,
		instrumentIDs, string(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id, closeS string
		if err := rows.Scan(&id, &closeS); err != nil {
			return nil, err
		}
		close, _ := decimal.NewFromString(closeS)
		prices[id] = close
	}
	return prices, rows.Err()
}

// --- Snapshot rows ---

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, row *model.SnapshotRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (row_key, bucket_date, cash_balance, asset_value, cost_basis,
		                        total_value, unrealized_pnl, position_count, computed_at)
		 VALUES ($1, $2::DATE, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (row_key, bucket_date) DO UPDATE SET
		     cash_balance = EXCLUDED.cash_balance,
		     asset_value = EXCLUDED.asset_value,
		     cost_basis = EXCLUDED.cost_basis,
		     total_value = EXCLUDED.total_value,
		     unrealized_pnl = EXCLUDED.unrealized_pnl,
		     position_count = EXCLUDED.position_count,
		     computed_at = EXCLUDED.computed_at`,
		row.RowKey, string(row.BucketDate),
		row.CashBalance.String(), row.AssetValue.String(), row.CostBasis.String(),
		row.TotalValue.String(), row.UnrealizedPnL.String(),
		row.PositionCount, row.ComputedAt,
	)
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, rowKey string, from, to bucket.Date) ([]model.SnapshotRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT row_key, bucket_date::TEXT, cash_balance::TEXT, asset_value::TEXT, cost_basis::TEXT,
		        total_value::TEXT, unrealized_pnl::TEXT, position_count, computed_at
		 FROM snapshots
		 WHERE row_key = $1
		   AND ($2 = '' OR bucket_date >= $2::DATE)
		   AND ($3 = '' OR bucket_date <= $3::DATE)
		 ORDER BY bucket_date`,
		rowKey, string(from), string(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SnapshotRow
	for rows.Next() {
		var r model.SnapshotRow
		var day, cashS, assetS, costS, totalS, pnlS string
		if err := rows.Scan(&r.RowKey, &day, &cashS, &assetS, &costS, &totalS, &pnlS,
			&r.PositionCount, &r.ComputedAt); err != nil {
			return nil, err
		}
		r.BucketDate = bucket.Date(day)
		r.CashBalance, _ = decimal.NewFromString(cashS)
		r.AssetValue, _ = decimal.NewFromString(assetS)
		r.CostBasis, _ = decimal.NewFromString(costS)
		r.TotalValue, _ = decimal.NewFromString(totalS)
		r.UnrealizedPnL, _ = decimal.NewFromString(pnlS)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) HasSnapshots(ctx context.Context, rowKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM snapshots WHERE row_key = $1)`, rowKey).Scan(&exists)
	return exists, err
}

// --- Rebuild state ---

func (s *PostgresStore) GetRebuildState(ctx context.Context, key scope.Key) (model.RebuildState, error) {
	var dirtyFrom, processedUntil *string
	var updatedAt time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT dirty_from::TEXT, processed_until::TEXT, updated_at
		 FROM rebuild_states WHERE row_key = $1`, key.RowKey()).
		Scan(&dirtyFrom, &processedUntil, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RebuildState{Key: key}, nil
		}
		return model.RebuildState{}, fmt.Errorf("get rebuild state %s: %w", key.RowKey(), err)
	}

	st := model.RebuildState{Key: key, UpdatedAt: updatedAt}
	if dirtyFrom != nil {
		st.DirtyFrom = bucket.Date(*dirtyFrom)
	}
	if processedUntil != nil {
		st.ProcessedUntil = bucket.Date(*processedUntil)
	}
	return st, nil
}

func (s *PostgresStore) MarkRebuildDirty(ctx context.Context, key scope.Key, from bucket.Date) error {
	// LEAST merges the floor atomically: an earlier pending floor is never
	// pushed later by a more recent mutation.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rebuild_states (row_key, user_id, scope, portfolio_id, dirty_from, updated_at)
		 VALUES ($1, $2, $3, $4, $5::DATE, now())
		 ON CONFLICT (row_key) DO UPDATE SET
		     dirty_from = LEAST(rebuild_states.dirty_from, EXCLUDED.dirty_from),
		     updated_at = now()`,
		key.RowKey(), key.UserID, string(key.Scope), key.PortfolioID, string(from),
	)
	return err
}

func (s *PostgresStore) SaveRebuildProgress(ctx context.Context, key scope.Key, processedUntil, newDirtyFrom, expectDirtyFrom bucket.Date) (model.RebuildState, error) {
	// processed_until is guarded monotonic: a lagging concurrent runner can
	// never move the checkpoint backwards. The dirty floor is replaced only
	// if it still matches what this runner consumed; otherwise a concurrent
	// re-mark happened and the earlier floor wins (LEAST ignores NULL).
	var dirtyFrom, processed *string
	var updatedAt time.Time

	err := s.pool.QueryRow(ctx,
		`INSERT INTO rebuild_states (row_key, user_id, scope, portfolio_id, dirty_from, processed_until, updated_at)
		 VALUES ($1, $2, $3, $4, $5::DATE, $6::DATE, now())
		 ON CONFLICT (row_key) DO UPDATE SET
		     processed_until = GREATEST(rebuild_states.processed_until, EXCLUDED.processed_until),
		     dirty_from = CASE
		         WHEN rebuild_states.dirty_from IS NOT DISTINCT FROM $7::DATE THEN $5::DATE
		         ELSE LEAST(rebuild_states.dirty_from, $5::DATE)
		     END,
		     updated_at = now()
		 RETURNING dirty_from::TEXT, processed_until::TEXT, updated_at`,
		key.RowKey(), key.UserID, string(key.Scope), key.PortfolioID,
		nullableDate(newDirtyFrom), nullableDate(processedUntil), nullableDate(expectDirtyFrom),
	).Scan(&dirtyFrom, &processed, &updatedAt)
	if err != nil {
		return model.RebuildState{}, fmt.Errorf("save rebuild progress %s: %w", key.RowKey(), err)
	}

	st := model.RebuildState{Key: key, UpdatedAt: updatedAt}
	if dirtyFrom != nil {
		st.DirtyFrom = bucket.Date(*dirtyFrom)
	}
	if processed != nil {
		st.ProcessedUntil = bucket.Date(*processed)
	}
	return st, nil
}

func (s *PostgresStore) ListDirtyKeys(ctx context.Context, limit int) ([]scope.Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, scope, portfolio_id
		 FROM rebuild_states
		 WHERE dirty_from IS NOT NULL
		 ORDER BY updated_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []scope.Key
	for rows.Next() {
		var userID, sc, portfolioID string
		if err := rows.Scan(&userID, &sc, &portfolioID); err != nil {
			return nil, err
		}
		key, err := scope.NewKey(userID, scope.Scope(sc), portfolioID)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// nullableDate maps the zero Date to SQL NULL.
func nullableDate(d bucket.Date) *string {
	if d.IsZero() {
		return nil
	}
	s := string(d)
	return &s
}

// scanTransaction reads one transaction row with NUMERIC/DATE as TEXT.
func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var tx model.Transaction
	var qtyS, priceS, dayS string

	if err := row.Scan(&tx.ID, &tx.UserID, &tx.PortfolioID, &tx.InstrumentID, &tx.Side,
		&qtyS, &priceS, &dayS, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Quantity, _ = decimal.NewFromString(qtyS)
	tx.Price, _ = decimal.NewFromString(priceS)
	tx.TradeDate = bucket.Date(dayS)
	return &tx, nil
}
