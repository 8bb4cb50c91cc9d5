package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/folioworks/snapshot-engine/internal/api"
	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/rebuild"
	"github.com/folioworks/snapshot-engine/internal/store"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	tracker := rebuild.NewTracker(ms, time.UTC)
	runner := rebuild.NewRunner(ms, time.UTC)
	bootstrap := rebuild.NewBootstrap(ms, time.UTC)
	svc := api.NewService(ms, tracker, runner, bootstrap, api.DefaultLimits(), nil)

	r := chi.NewRouter()
	r.Post("/api/v1/transactions", svc.CreateTransaction)
	r.Get("/api/v1/transactions", svc.ListTransactions)
	r.Put("/api/v1/transactions/{txnID}", svc.UpdateTransaction)
	r.Delete("/api/v1/transactions/{txnID}", svc.DeleteTransaction)
	r.Post("/api/v1/prices", svc.UpsertPrice)
	r.Post("/api/v1/snapshots/bootstrap", svc.Bootstrap)
	r.Get("/api/v1/snapshots", svc.ListSnapshots)
	r.Get("/api/v1/rebuild/status", svc.RebuildStatus)
	r.Post("/api/v1/rebuild", svc.RunRebuild)

	return ms, r
}

func dateAgo(n int) string {
	return string(bucket.FromTime(time.Now().AddDate(0, 0, -n), time.UTC))
}

// doJSON sends a request as the given user. An empty userID omits the
// identity header.
func doJSON(t *testing.T, router chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createTxn(t *testing.T, router chi.Router, userID string, req api.TransactionRequest) api.TransactionResponse {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/transactions", userID, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create transaction: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.TransactionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func rebuildStatus(t *testing.T, router chi.Router, userID, query string) (api.StateProjection, *httptest.ResponseRecorder) {
	t.Helper()
	w := doJSON(t, router, "GET", "/api/v1/rebuild/status?"+query, userID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild status: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var proj api.StateProjection
	json.Unmarshal(w.Body.Bytes(), &proj)
	return proj, w
}

// --- Auth ---

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	_, router := newTestEnv(t)

	for _, probe := range []struct{ method, path string }{
		{"POST", "/api/v1/transactions"},
		{"GET", "/api/v1/transactions"},
		{"GET", "/api/v1/snapshots"},
		{"GET", "/api/v1/rebuild/status"},
		{"POST", "/api/v1/rebuild"},
		{"POST", "/api/v1/snapshots/bootstrap"},
	} {
		w := doJSON(t, router, probe.method, probe.path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without identity, got %d", probe.method, probe.path, w.Code)
		}
	}
}

// --- Transactions ---

func TestCreateTransaction_Valid(t *testing.T) {
	ms, router := newTestEnv(t)

	resp := createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID:  "p1",
		InstrumentID: "AAPL",
		Side:         model.SideBuy,
		Quantity:     "2.5",
		Price:        "101,25",
		TradeDate:    dateAgo(3),
	})

	if resp.Transaction.ID == "" {
		t.Error("expected generated transaction id")
	}
	if !resp.RebuildMarked {
		t.Error("expected rebuild to be marked")
	}
	if resp.Transaction.Quantity.String() != "2.5" {
		t.Errorf("expected quantity 2.5, got %s", resp.Transaction.Quantity)
	}
	if resp.Transaction.Price.String() != "101.25" {
		t.Errorf("comma decimal should normalize to 101.25, got %s", resp.Transaction.Price)
	}

	// Both the portfolio scope and the all-portfolios scope are dirty from
	// the trade date.
	for _, q := range []string{"scope=PORTFOLIO&portfolioId=p1", "scope=ALL"} {
		proj, _ := rebuildStatus(t, router, "user1", q)
		if proj.Status != model.StatusDirty {
			t.Errorf("%s: expected dirty, got %s", q, proj.Status)
		}
		if proj.DirtyFrom != dateAgo(3) {
			t.Errorf("%s: expected dirty from %s, got %s", q, dateAgo(3), proj.DirtyFrom)
		}
	}

	txns, err := ms.ListTransactions(context.Background(), "user1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 stored transaction, got %d", len(txns))
	}
}

func TestCreateTransaction_Invalid(t *testing.T) {
	_, router := newTestEnv(t)

	valid := api.TransactionRequest{
		PortfolioID:  "p1",
		InstrumentID: "AAPL",
		Side:         model.SideBuy,
		Quantity:     "1",
		Price:        "100",
		TradeDate:    dateAgo(1),
	}

	cases := []struct {
		name   string
		mutate func(*api.TransactionRequest)
	}{
		{"missing portfolio", func(r *api.TransactionRequest) { r.PortfolioID = "" }},
		{"missing instrument", func(r *api.TransactionRequest) { r.InstrumentID = "" }},
		{"bad side", func(r *api.TransactionRequest) { r.Side = "HOLD" }},
		{"zero quantity", func(r *api.TransactionRequest) { r.Quantity = "0" }},
		{"negative quantity", func(r *api.TransactionRequest) { r.Quantity = "-1" }},
		{"malformed quantity", func(r *api.TransactionRequest) { r.Quantity = "1.2.3" }},
		{"negative price", func(r *api.TransactionRequest) { r.Price = "-5" }},
		{"bad date", func(r *api.TransactionRequest) { r.TradeDate = "2026-2-8" }},
	}
	for _, tc := range cases {
		req := valid
		tc.mutate(&req)
		w := doJSON(t, router, "POST", "/api/v1/transactions", "user1", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestListTransactions_FiltersByPortfolio(t *testing.T) {
	_, router := newTestEnv(t)

	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(2),
	})
	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p2", InstrumentID: "MSFT", Side: model.SideBuy,
		Quantity: "1", Price: "200", TradeDate: dateAgo(1),
	})

	w := doJSON(t, router, "GET", "/api/v1/transactions?portfolioId=p2", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var txns []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txns)
	if len(txns) != 1 || txns[0].InstrumentID != "MSFT" {
		t.Errorf("expected only the p2 leg, got %+v", txns)
	}

	// Another user sees nothing.
	w = doJSON(t, router, "GET", "/api/v1/transactions", "user2", nil)
	json.Unmarshal(w.Body.Bytes(), &txns)
	if len(txns) != 0 {
		t.Errorf("expected empty list for other user, got %d", len(txns))
	}
}

func TestUpdateTransaction_MarksFromEarlierDate(t *testing.T) {
	_, router := newTestEnv(t)

	created := createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(2),
	})

	// Move the leg to an earlier day: the dirty floor must cover the old
	// day AND the new one, i.e. the earlier of the two.
	w := doJSON(t, router, "PUT", "/api/v1/transactions/"+created.Transaction.ID, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(7),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	proj, _ := rebuildStatus(t, router, "user1", "scope=PORTFOLIO&portfolioId=p1")
	if proj.DirtyFrom != dateAgo(7) {
		t.Errorf("expected dirty from %s, got %s", dateAgo(7), proj.DirtyFrom)
	}
}

func TestUpdateTransaction_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "PUT", "/api/v1/transactions/no-such-id", "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(1),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestUpdateTransaction_OtherUsersLegIsHidden(t *testing.T) {
	_, router := newTestEnv(t)

	created := createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(1),
	})

	w := doJSON(t, router, "PUT", "/api/v1/transactions/"+created.Transaction.ID, "user2", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideSell,
		Quantity: "1", Price: "100", TradeDate: dateAgo(1),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 across users, got %d", w.Code)
	}
}

func TestDeleteTransaction_MarksDirty(t *testing.T) {
	_, router := newTestEnv(t)

	created := createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(5),
	})

	w := doJSON(t, router, "DELETE", "/api/v1/transactions/"+created.Transaction.ID, "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.TransactionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.RebuildMarked {
		t.Error("delete should mark the rebuild")
	}

	proj, _ := rebuildStatus(t, router, "user1", "scope=PORTFOLIO&portfolioId=p1")
	if proj.DirtyFrom != dateAgo(5) {
		t.Errorf("expected dirty from the deleted leg's date %s, got %s", dateAgo(5), proj.DirtyFrom)
	}

	w = doJSON(t, router, "DELETE", "/api/v1/transactions/"+created.Transaction.ID, "user1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

// --- Prices ---

func TestUpsertPrice(t *testing.T) {
	ms, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/prices", "feed", api.PriceRequest{
		InstrumentID: "AAPL", BucketDate: dateAgo(1), Close: "187,45",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	prices, err := ms.PricesAsOf(context.Background(), []string{"AAPL"}, bucket.Today(time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if px, ok := prices["AAPL"]; !ok || px.String() != "187.45" {
		t.Errorf("expected stored close 187.45, got %v", prices)
	}

	// The valuation feed never marks user scopes dirty.
	proj, _ := rebuildStatus(t, router, "user1", "scope=ALL")
	if proj.Status != model.StatusIdle {
		t.Errorf("price write should not dirty user scopes, got %s", proj.Status)
	}
}

func TestUpsertPrice_Invalid(t *testing.T) {
	_, router := newTestEnv(t)

	cases := []api.PriceRequest{
		{InstrumentID: "", BucketDate: dateAgo(1), Close: "10"},
		{InstrumentID: "AAPL", BucketDate: "not-a-date", Close: "10"},
		{InstrumentID: "AAPL", BucketDate: dateAgo(1), Close: "ten"},
		{InstrumentID: "AAPL", BucketDate: dateAgo(1), Close: "-1"},
	}
	for i, req := range cases {
		w := doJSON(t, router, "POST", "/api/v1/prices", "feed", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %d", i, w.Code)
		}
	}
}

// --- Scope validation ---

func TestScopeValidation(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/rebuild/status?scope=PORTFOLIO", "user1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("portfolio scope without id: expected 400, got %d", w.Code)
	}
	w = doJSON(t, router, "GET", "/api/v1/rebuild/status?scope=GLOBAL", "user1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown scope: expected 400, got %d", w.Code)
	}
}

// --- Rebuild status ---

func TestRebuildStatus_PollingHeaders(t *testing.T) {
	_, router := newTestEnv(t)

	_, w := rebuildStatus(t, router, "user1", "scope=ALL")
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("idle: expected Retry-After 30, got %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", got)
	}

	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(1),
	})

	proj, w := rebuildStatus(t, router, "user1", "scope=ALL")
	if proj.Status != model.StatusDirty {
		t.Fatalf("expected dirty, got %s", proj.Status)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("dirty: expected Retry-After 1, got %q", got)
	}
	if proj.PendingDays != 2 {
		t.Errorf("expected 2 pending days (trade date through today), got %d", proj.PendingDays)
	}
}

// --- Rebuild execution ---

func TestRunRebuild_FullCycle(t *testing.T) {
	_, router := newTestEnv(t)

	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "2", Price: "100", TradeDate: dateAgo(3),
	})
	doJSON(t, router, "POST", "/api/v1/prices", "feed", api.PriceRequest{
		InstrumentID: "AAPL", BucketDate: dateAgo(3), Close: "110",
	})

	w := doJSON(t, router, "POST", "/api/v1/rebuild", "user1", api.RebuildRequest{
		Scope: "PORTFOLIO", PortfolioID: "p1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.RebuildResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ProcessedDays != 4 {
		t.Errorf("expected 4 processed days, got %d", resp.ProcessedDays)
	}
	if resp.Status != model.StatusIdle {
		t.Errorf("expected idle after full run, got %s", resp.Status)
	}
	if resp.ProcessedUntil != dateAgo(0) {
		t.Errorf("expected processed until today, got %s", resp.ProcessedUntil)
	}

	w = doJSON(t, router, "GET", "/api/v1/snapshots?scope=PORTFOLIO&portfolioId=p1", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshots: expected 200, got %d", w.Code)
	}
	var rows []model.SnapshotRow
	json.Unmarshal(w.Body.Bytes(), &rows)
	if len(rows) != 4 {
		t.Fatalf("expected 4 snapshot rows, got %d", len(rows))
	}
	if !rows[0].AssetValue.Equal(rows[0].CostBasis.Add(rows[0].UnrealizedPnL)) {
		t.Error("asset value should equal cost basis plus unrealized pnl")
	}
}

func TestRunRebuild_ChunkedByMaxDays(t *testing.T) {
	_, router := newTestEnv(t)

	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(4),
	})

	w := doJSON(t, router, "POST", "/api/v1/rebuild", "user1", api.RebuildRequest{
		Scope: "ALL", MaxDaysPerRun: 2,
	})
	var resp api.RebuildResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ProcessedDays != 2 {
		t.Errorf("expected 2 processed days, got %d", resp.ProcessedDays)
	}
	if resp.Status != model.StatusDirty {
		t.Errorf("expected dirty with work remaining, got %s", resp.Status)
	}
	if resp.DirtyFrom != dateAgo(2) {
		t.Errorf("expected dirty floor %s, got %s", dateAgo(2), resp.DirtyFrom)
	}
	if resp.PendingDays != 3 {
		t.Errorf("expected 3 pending days after the chunk, got %d", resp.PendingDays)
	}
}

func TestRunRebuild_IdleIsNoop(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/rebuild", "user1", api.RebuildRequest{Scope: "ALL"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.RebuildResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ProcessedDays != 0 || resp.Status != model.StatusIdle {
		t.Errorf("expected idle no-op, got %+v", resp)
	}
}

// --- Snapshots ---

func TestListSnapshots_RangeAndValidation(t *testing.T) {
	_, router := newTestEnv(t)

	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "1", Price: "100", TradeDate: dateAgo(5),
	})
	doJSON(t, router, "POST", "/api/v1/rebuild", "user1", api.RebuildRequest{Scope: "ALL"})

	w := doJSON(t, router, "GET",
		"/api/v1/snapshots?scope=ALL&from="+dateAgo(3)+"&to="+dateAgo(2), "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rows []model.SnapshotRow
	json.Unmarshal(w.Body.Bytes(), &rows)
	if len(rows) != 2 {
		t.Errorf("expected 2 rows in range, got %d", len(rows))
	}

	w = doJSON(t, router, "GET", "/api/v1/snapshots?scope=ALL&from=garbage", "user1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad from, got %d", w.Code)
	}
}

func TestListSnapshots_EmptyScopeIsEmptyArray(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/snapshots?scope=ALL", "user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty JSON array, got %s", body)
	}
}

// --- Bootstrap ---

func TestBootstrap_Statuses(t *testing.T) {
	_, router := newTestEnv(t)

	// No holdings yet.
	w := doJSON(t, router, "POST", "/api/v1/snapshots/bootstrap", "user1", api.BootstrapRequest{Scope: "ALL"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res rebuild.BootstrapResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != rebuild.BootstrapNoHoldings {
		t.Errorf("expected no-holdings, got %s", res.Status)
	}

	createTxn(t, router, "user1", api.TransactionRequest{
		PortfolioID: "p1", InstrumentID: "AAPL", Side: model.SideBuy,
		Quantity: "2", Price: "100", TradeDate: dateAgo(10),
	})

	w = doJSON(t, router, "POST", "/api/v1/snapshots/bootstrap", "user1", api.BootstrapRequest{Scope: "ALL"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first snapshot, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != rebuild.BootstrapCreated || len(res.Holdings) != 1 {
		t.Errorf("expected created with one holding, got %+v", res)
	}

	w = doJSON(t, router, "POST", "/api/v1/snapshots/bootstrap", "user1", api.BootstrapRequest{Scope: "ALL"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != rebuild.BootstrapAlreadyExists {
		t.Errorf("expected already-exists, got %s", res.Status)
	}

	// Today's point exists immediately; the historical range stays dirty
	// for the chunked runner.
	w = doJSON(t, router, "GET", "/api/v1/snapshots?scope=ALL", "user1", nil)
	var rows []model.SnapshotRow
	json.Unmarshal(w.Body.Bytes(), &rows)
	if len(rows) != 1 || string(rows[0].BucketDate) != dateAgo(0) {
		t.Fatalf("expected exactly today's row, got %+v", rows)
	}
	proj, _ := rebuildStatus(t, router, "user1", "scope=ALL")
	if proj.Status != model.StatusDirty || proj.DirtyFrom != dateAgo(10) {
		t.Errorf("bootstrap must leave the backfill dirty, got %+v", proj)
	}
}
