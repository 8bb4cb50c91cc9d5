package rebuild

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/costbasis"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/money"
)

// buildSnapshot values one scope on one day from its replayed ledger and the
// closes as of that day. Deterministic for fixed inputs, so recomputing a day
// always reproduces the same row.
//
// Cash is the running net of sell proceeds minus buy costs. Open positions
// are valued at the latest close on or before the day, falling back to their
// average cost when no price exists yet.
func buildSnapshot(rowKey string, day bucket.Date, legs []costbasis.Leg, prices map[string]decimal.Decimal, computedAt time.Time) *model.SnapshotRow {
	replay := costbasis.Replay(legs)

	cash := decimal.Zero
	for _, leg := range legs {
		qty, err := money.Parse(leg.Quantity)
		if err != nil {
			continue // same defensive skip as the replay
		}
		price, err := money.Parse(leg.Price)
		if err != nil {
			continue
		}
		switch leg.Side {
		case model.SideBuy:
			cash = cash.Sub(qty.Mul(price))
		case model.SideSell:
			cash = cash.Add(qty.Mul(price))
		}
	}

	assetValue := decimal.Zero
	costBasis := decimal.Zero
	for _, instrumentID := range sortedInstruments(replay.Quantities) {
		qty := replay.Quantities[instrumentID]
		avgCost := replay.AverageCosts[instrumentID]

		mark, ok := prices[instrumentID]
		if !ok {
			mark = avgCost
		}
		assetValue = assetValue.Add(qty.Mul(mark))
		costBasis = costBasis.Add(qty.Mul(avgCost))
	}

	return &model.SnapshotRow{
		RowKey:        rowKey,
		BucketDate:    day,
		CashBalance:   cash,
		AssetValue:    assetValue,
		CostBasis:     costBasis,
		TotalValue:    cash.Add(assetValue),
		UnrealizedPnL: assetValue.Sub(costBasis),
		PositionCount: len(replay.Quantities),
		ComputedAt:    computedAt,
	}
}

// holdings converts a replay result into open positions, sorted by instrument.
func holdings(replay costbasis.Result) []model.Holding {
	out := make([]model.Holding, 0, len(replay.Quantities))
	for _, id := range sortedInstruments(replay.Quantities) {
		out = append(out, model.Holding{
			InstrumentID: id,
			Quantity:     replay.Quantities[id],
			AverageCost:  replay.AverageCosts[id],
		})
	}
	return out
}

func sortedInstruments(quantities map[string]decimal.Decimal) []string {
	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
