package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/scope"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the dashboard-facing reads: rebuild state and snapshot lists.
// Writes go to the primary store and invalidate the affected scope's keys,
// which is what keeps read-models fresh after a rebuild advances.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, tx)
}

func (s *CachedStore) UpdateTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.primary.UpdateTransaction(ctx, tx)
}

func (s *CachedStore) DeleteTransaction(ctx context.Context, userID, id string) (*model.Transaction, error) {
	return s.primary.DeleteTransaction(ctx, userID, id)
}

func (s *CachedStore) UpsertSnapshot(ctx context.Context, row *model.SnapshotRow) error {
	if err := s.primary.UpsertSnapshot(ctx, row); err != nil {
		return err
	}
	// Invalidate the scope's chart data; next read re-populates.
	s.invalidateScope(ctx, row.RowKey)
	return nil
}

func (s *CachedStore) MarkRebuildDirty(ctx context.Context, key scope.Key, from bucket.Date) error {
	if err := s.primary.MarkRebuildDirty(ctx, key, from); err != nil {
		return err
	}
	s.rdb.Del(ctx, stateKey(key.RowKey()))
	return nil
}

func (s *CachedStore) SaveRebuildProgress(ctx context.Context, key scope.Key, processedUntil, newDirtyFrom, expectDirtyFrom bucket.Date) (model.RebuildState, error) {
	st, err := s.primary.SaveRebuildProgress(ctx, key, processedUntil, newDirtyFrom, expectDirtyFrom)
	if err != nil {
		return st, err
	}
	s.rdb.Del(ctx, stateKey(key.RowKey()))
	return st, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRebuildState(ctx context.Context, key scope.Key) (model.RebuildState, error) {
	data, err := s.rdb.Get(ctx, stateKey(key.RowKey())).Bytes()
	if err == nil {
		var st model.RebuildState
		if json.Unmarshal(data, &st) == nil {
			return st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetRebuildState(ctx, key)
	if err != nil {
		return st, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, stateKey(key.RowKey()), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) ListSnapshots(ctx context.Context, rowKey string, from, to bucket.Date) ([]model.SnapshotRow, error) {
	key := snapshotsCacheKey(rowKey, from, to)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var rows []model.SnapshotRow
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := s.primary.ListSnapshots(ctx, rowKey, from, to)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, key, data, s.ttl)
		// Track range keys per scope so writes can invalidate them all.
		pipe.SAdd(ctx, snapshotsTagKey(rowKey), key)
		pipe.Expire(ctx, snapshotsTagKey(rowKey), s.ttl)
		pipe.Exec(ctx)
	}
	return rows, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTransaction(ctx context.Context, userID, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, userID, id)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID, portfolioID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID, portfolioID)
}

func (s *CachedStore) LegsThrough(ctx context.Context, key scope.Key, day bucket.Date) ([]costbasis.Leg, error) {
	return s.primary.LegsThrough(ctx, key, day)
}

func (s *CachedStore) UpsertPrice(ctx context.Context, p *model.Price) error {
	return s.primary.UpsertPrice(ctx, p)
}

func (s *CachedStore) PricesAsOf(ctx context.Context, instrumentIDs []string, day bucket.Date) (map[string]decimal.Decimal, error) {
	return s.primary.PricesAsOf(ctx, instrumentIDs, day)
}

func (s *CachedStore) HasSnapshots(ctx context.Context, rowKey string) (bool, error) {
	return s.primary.HasSnapshots(ctx, rowKey)
}

func (s *CachedStore) ListDirtyKeys(ctx context.Context, limit int) ([]scope.Key, error) {
	return s.primary.ListDirtyKeys(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) invalidateScope(ctx context.Context, rowKey string) {
	tag := snapshotsTagKey(rowKey)
	members, err := s.rdb.SMembers(ctx, tag).Result()
	if err == nil && len(members) > 0 {
		s.rdb.Del(ctx, members...)
	}
	s.rdb.Del(ctx, tag, stateKey(rowKey))
}

func stateKey(rowKey string) string { return fmt.Sprintf("rebuild:%s", rowKey) }

func snapshotsTagKey(rowKey string) string { return fmt.Sprintf("snaptag:%s", rowKey) }

func snapshotsCacheKey(rowKey string, from, to bucket.Date) string {
	return fmt.Sprintf("snapshots:%s:%s:%s", rowKey, from, to)
}
