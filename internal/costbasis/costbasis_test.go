package costbasis

import (
	"testing"

	"github.com/shopspring/decimal"
)

func buy(id, instrument, qty, price string) Leg {
	return Leg{ID: id, InstrumentID: instrument, Side: "BUY", Quantity: qty, Price: price}
}

func sell(id, instrument, qty, price string) Leg {
	return Leg{ID: id, InstrumentID: instrument, Side: "SELL", Quantity: qty, Price: price}
}

func assertCost(t *testing.T, res Result, instrument, want string) {
	t.Helper()
	got, ok := res.AverageCosts[instrument]
	if !ok {
		t.Fatalf("expected an average cost for %s", instrument)
	}
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("average cost for %s: expected %s, got %s", instrument, want, got)
	}
}

func TestReplay_WeightedBuy(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		buy("2", "X", "4", "130"),
	})
	// ((2*100)+(4*130))/6 = 120
	assertCost(t, res, "X", "120")
	if !res.Quantities["X"].Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected quantity 6, got %s", res.Quantities["X"])
	}
}

func TestReplay_PartialSellKeepsCost(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		buy("2", "X", "4", "130"),
		sell("3", "X", "1", "140"),
	})
	assertCost(t, res, "X", "120")
	if !res.Quantities["X"].Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected quantity 5, got %s", res.Quantities["X"])
	}
}

func TestReplay_FullCloseClearsCost(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		sell("2", "X", "2", "120"),
	})
	if _, ok := res.AverageCosts["X"]; ok {
		t.Error("closed position should have no average cost entry")
	}
}

func TestReplay_OvershootSellClampsToFlat(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		sell("2", "X", "5", "120"), // more than held: clamp, not short
	})
	if _, ok := res.AverageCosts["X"]; ok {
		t.Error("overshot position should be flat, not short")
	}
}

func TestReplay_ReopenAfterCloseStartsFresh(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		sell("2", "X", "2", "150"),
		buy("3", "X", "3", "200"),
	})
	// The stale 100 average must not leak into the reopened position.
	assertCost(t, res, "X", "200")
}

func TestReplay_BuyAveragesAfterPartialSell(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "4", "100"),
		sell("2", "X", "2", "110"),
		buy("3", "X", "2", "130"),
	})
	// (2*100 + 2*130)/4 = 115
	assertCost(t, res, "X", "115")
}

func TestReplay_IndependentInstruments(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		buy("2", "Y", "1", "50"),
		sell("3", "X", "2", "120"),
	})
	if _, ok := res.AverageCosts["X"]; ok {
		t.Error("X is closed")
	}
	assertCost(t, res, "Y", "50")
}

func TestReplay_SkipsMalformedLegs(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "2", "100"),
		buy("bad-qty", "X", "two", "130"),
		buy("bad-price", "X", "4", "??"),
		buy("2", "X", "4", "130"),
	})
	// The malformed rows are reported and the rest still values.
	assertCost(t, res, "X", "120")
	if len(res.SkippedLegIDs) != 2 {
		t.Fatalf("expected 2 skipped legs, got %v", res.SkippedLegIDs)
	}
	if res.SkippedLegIDs[0] != "bad-qty" || res.SkippedLegIDs[1] != "bad-price" {
		t.Errorf("unexpected skipped ids: %v", res.SkippedLegIDs)
	}
}

func TestReplay_CommaDecimalInputs(t *testing.T) {
	res := Replay([]Leg{
		buy("1", "X", "1,5", "10"),
		buy("2", "X", "1,5", "20"),
	})
	// (1.5*10 + 1.5*20)/3 = 15
	assertCost(t, res, "X", "15")
}

func TestReplay_Deterministic(t *testing.T) {
	legs := []Leg{
		buy("1", "X", "3", "10.123456"),
		buy("2", "X", "7", "11.654321"),
		sell("3", "X", "2", "12"),
	}
	a := Replay(legs)
	b := Replay(legs)
	if !a.AverageCosts["X"].Equal(b.AverageCosts["X"]) {
		t.Errorf("replay not deterministic: %s vs %s", a.AverageCosts["X"], b.AverageCosts["X"])
	}
}

func TestReplay_Empty(t *testing.T) {
	res := Replay(nil)
	if len(res.AverageCosts) != 0 || len(res.SkippedLegIDs) != 0 {
		t.Error("empty replay should produce empty result")
	}
}
