// Package costbasis derives weighted-average cost bases by replaying an
// ordered sequence of BUY/SELL ledger legs.
//
// The replay is a pure function of its input: no I/O, no stored state, and a
// deterministic result for a fixed leg ordering. Quantities and prices arrive
// as the raw strings they were entered with; a leg that fails to parse is
// skipped (and reported) rather than aborting valuation for every other
// instrument.
package costbasis

import (
	"github.com/shopspring/decimal"

	"github.com/folioworks/snapshot-engine/internal/money"
)

// Leg is one BUY or SELL entry in replay order. Quantity and Price are
// decimal-parseable strings as stored in the ledger.
type Leg struct {
	ID           string
	InstrumentID string
	Side         string // model.SideBuy or model.SideSell
	Quantity     string
	Price        string
}

// Result is the outcome of one replay pass.
type Result struct {
	// AverageCosts maps instrument id to the weighted-average buy price of
	// its open position. Instruments with no open quantity have no entry.
	AverageCosts map[string]decimal.Decimal

	// Quantities maps instrument id to its open quantity, for the same set
	// of instruments as AverageCosts.
	Quantities map[string]decimal.Decimal

	// SkippedLegIDs lists legs dropped because quantity or price did not
	// parse, so callers can audit data quality.
	SkippedLegIDs []string
}

// position is the running per-instrument state during a replay.
type position struct {
	qty     decimal.Decimal
	avgCost decimal.Decimal
	open    bool // avgCost is meaningful only while open
}

// Replay walks legs in order and returns the weighted-average cost basis per
// instrument with a strictly positive open quantity.
//
// On BUY of q at p: avgCost' = (avgCost*qty + p*q) / (qty+q).
// On SELL of q: quantity shrinks; the cost basis of the remainder is
// unchanged. A sell that closes (or overshoots) the position resets it to
// (0, no cost) — short positions are not modeled, and a stale average must
// not leak into a later reopened position.
func Replay(legs []Leg) Result {
	positions := make(map[string]*position)
	var skipped []string

	for _, leg := range legs {
		qty, err := money.Parse(leg.Quantity)
		if err != nil {
			skipped = append(skipped, leg.ID)
			continue
		}

		pos := positions[leg.InstrumentID]
		if pos == nil {
			pos = &position{}
			positions[leg.InstrumentID] = pos
		}

		switch leg.Side {
		case "BUY":
			price, err := money.Parse(leg.Price)
			if err != nil {
				skipped = append(skipped, leg.ID)
				continue
			}
			newQty := pos.qty.Add(qty)
			if newQty.IsPositive() {
				prior := decimal.Zero
				if pos.open {
					prior = pos.avgCost
				}
				cost, err := money.Div(prior.Mul(pos.qty).Add(price.Mul(qty)), newQty)
				if err != nil {
					skipped = append(skipped, leg.ID)
					continue
				}
				pos.qty = newQty
				pos.avgCost = cost
				pos.open = true
			}

		case "SELL":
			newQty := pos.qty.Sub(qty)
			if newQty.IsPositive() {
				pos.qty = newQty
			} else {
				// Closed or overshot: clamp to flat.
				*pos = position{}
			}

		default:
			skipped = append(skipped, leg.ID)
		}
	}

	costs := make(map[string]decimal.Decimal)
	quantities := make(map[string]decimal.Decimal)
	for id, pos := range positions {
		if pos.open && pos.qty.IsPositive() {
			costs[id] = pos.avgCost
			quantities[id] = pos.qty
		}
	}
	return Result{AverageCosts: costs, Quantities: quantities, SkippedLegIDs: skipped}
}
