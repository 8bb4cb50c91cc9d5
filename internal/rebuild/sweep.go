package rebuild

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/folioworks/snapshot-engine/internal/store"
)

// Sweeper periodically gives every dirty scope a small rebuild budget. It is
// the backstop that bounds staleness when a best-effort dirty mark was the
// only signal lost, or when external price updates changed valuations without
// any client polling.
type Sweeper struct {
	store   store.Store
	runner  *Runner
	maxKeys int
	maxDays int
	budget  time.Duration
}

// NewSweeper creates a sweeper consuming at most maxDays days per key, over
// at most maxKeys keys, with budget as the per-key time cap.
func NewSweeper(st store.Store, runner *Runner, maxKeys, maxDays int, budget time.Duration) *Sweeper {
	return &Sweeper{store: st, runner: runner, maxKeys: maxKeys, maxDays: maxDays, budget: budget}
}

// Sweep runs one pass. Per-key failures are logged and skipped; the key stays
// dirty and the next pass retries it.
func (s *Sweeper) Sweep(ctx context.Context) {
	keys, err := s.store.ListDirtyKeys(ctx, s.maxKeys)
	if err != nil {
		slog.Error("sweep: list dirty keys failed", "err", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	swept := 0
	days := 0
	for _, key := range keys {
		res, err := s.runner.Run(ctx, key, s.maxDays, s.budget)
		if err != nil {
			if !errors.Is(err, ErrAlreadyRunning) {
				slog.Warn("sweep: rebuild failed", "key", key.RowKey(), "err", err)
			}
			continue
		}
		swept++
		days += res.ProcessedDays
	}
	slog.Info("sweep complete", "dirty_keys", len(keys), "swept", swept, "days_processed", days)
}
