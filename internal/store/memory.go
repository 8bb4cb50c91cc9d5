package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	txns      map[string]*model.Transaction
	prices    map[string][]model.Price // instrument → ascending by bucket date
	snapshots map[string]*model.SnapshotRow
	states    map[string]*model.RebuildState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:      make(map[string]*model.Transaction),
		prices:    make(map[string][]model.Price),
		snapshots: make(map[string]*model.SnapshotRow),
		states:    make(map[string]*model.RebuildState),
	}
}

// --- Transaction ledger ---

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txns[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	copy := *tx
	s.txns[tx.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, userID, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txns[id]
	if !ok || tx.UserID != userID {
		return nil, ErrNotFound
	}
	copy := *tx
	return &copy, nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.txns[tx.ID]
	if !ok || existing.UserID != tx.UserID {
		return ErrNotFound
	}
	copy := *tx
	copy.CreatedAt = existing.CreatedAt // replay tie-break never changes
	s.txns[tx.ID] = &copy
	return nil
}

func (s *MemoryStore) DeleteTransaction(_ context.Context, userID, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txns[id]
	if !ok || tx.UserID != userID {
		return nil, ErrNotFound
	}
	delete(s.txns, id)
	return tx, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID, portfolioID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.txns {
		if tx.UserID != userID {
			continue
		}
		if portfolioID != "" && tx.PortfolioID != portfolioID {
			continue
		}
		result = append(result, *tx)
	}
	sortTransactions(result)
	return result, nil
}

func (s *MemoryStore) LegsThrough(_ context.Context, key scope.Key, day bucket.Date) ([]costbasis.Leg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Transaction
	for _, tx := range s.txns {
		if tx.UserID != key.UserID {
			continue
		}
		if key.Scope == scope.Portfolio && tx.PortfolioID != key.PortfolioID {
			continue
		}
		if tx.TradeDate.After(day) {
			continue
		}
		matched = append(matched, *tx)
	}
	sortTransactions(matched)

	legs := make([]costbasis.Leg, 0, len(matched))
	for _, tx := range matched {
		legs = append(legs, costbasis.Leg{
			ID:           tx.ID,
			InstrumentID: tx.InstrumentID,
			Side:         tx.Side,
			Quantity:     tx.Quantity.String(),
			Price:        tx.Price.String(),
		})
	}
	return legs, nil
}

// sortTransactions orders legs by (trade_date, created_at, id) — the stable
// replay order.
func sortTransactions(txns []model.Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		if txns[i].TradeDate != txns[j].TradeDate {
			return txns[i].TradeDate.Before(txns[j].TradeDate)
		}
		if !txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].CreatedAt.Before(txns[j].CreatedAt)
		}
		return txns[i].ID < txns[j].ID
	})
}

// --- Daily prices ---

func (s *MemoryStore) UpsertPrice(_ context.Context, p *model.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series := s.prices[p.InstrumentID]
	for i, existing := range series {
		if existing.BucketDate == p.BucketDate {
			series[i].Close = p.Close
			return nil
		}
	}
	series = append(series, *p)
	sort.Slice(series, func(i, j int) bool {
		return series[i].BucketDate.Before(series[j].BucketDate)
	})
	s.prices[p.InstrumentID] = series
	return nil
}

func (s *MemoryStore) PricesAsOf(_ context.Context, instrumentIDs []string, day bucket.Date) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]decimal.Decimal)
	for _, id := range instrumentIDs {
		for i := len(s.prices[id]) - 1; i >= 0; i-- {
			p := s.prices[id][i]
			if !p.BucketDate.After(day) {
				result[id] = p.Close
				break
			}
		}
	}
	return result, nil
}

// --- Snapshot rows ---

func snapshotKey(rowKey string, day bucket.Date) string {
	return rowKey + "@" + string(day)
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, row *model.SnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *row
	s.snapshots[snapshotKey(row.RowKey, row.BucketDate)] = &copy
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, rowKey string, from, to bucket.Date) ([]model.SnapshotRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.SnapshotRow
	for _, row := range s.snapshots {
		if row.RowKey != rowKey {
			continue
		}
		if !from.IsZero() && row.BucketDate.Before(from) {
			continue
		}
		if !to.IsZero() && row.BucketDate.After(to) {
			continue
		}
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].BucketDate.Before(rows[j].BucketDate)
	})
	return rows, nil
}

func (s *MemoryStore) HasSnapshots(_ context.Context, rowKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.snapshots {
		if row.RowKey == rowKey {
			return true, nil
		}
	}
	return false, nil
}

// --- Rebuild state ---

func (s *MemoryStore) GetRebuildState(_ context.Context, key scope.Key) (model.RebuildState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.states[key.RowKey()]; ok {
		return *st, nil
	}
	return model.RebuildState{Key: key}, nil
}

func (s *MemoryStore) MarkRebuildDirty(_ context.Context, key scope.Key, from bucket.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key.RowKey()]
	if !ok {
		st = &model.RebuildState{Key: key}
		s.states[key.RowKey()] = st
	}
	st.DirtyFrom = st.DirtyFrom.Min(from)
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SaveRebuildProgress(_ context.Context, key scope.Key, processedUntil, newDirtyFrom, expectDirtyFrom bucket.Date) (model.RebuildState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key.RowKey()]
	if !ok {
		st = &model.RebuildState{Key: key}
		s.states[key.RowKey()] = st
	}

	// Monotonic checkpoint.
	if st.ProcessedUntil.IsZero() || st.ProcessedUntil.Before(processedUntil) {
		st.ProcessedUntil = processedUntil
	}

	if st.DirtyFrom == expectDirtyFrom {
		st.DirtyFrom = newDirtyFrom
	} else {
		// Re-marked concurrently: keep the earlier floor.
		st.DirtyFrom = st.DirtyFrom.Min(newDirtyFrom)
	}
	st.UpdatedAt = time.Now().UTC()
	return *st, nil
}

func (s *MemoryStore) ListDirtyKeys(_ context.Context, limit int) ([]scope.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dirty []*model.RebuildState
	for _, st := range s.states {
		if !st.DirtyFrom.IsZero() {
			dirty = append(dirty, st)
		}
	}
	sort.Slice(dirty, func(i, j int) bool {
		return dirty[i].UpdatedAt.Before(dirty[j].UpdatedAt)
	})

	var keys []scope.Key
	for _, st := range dirty {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, st.Key)
	}
	return keys, nil
}
