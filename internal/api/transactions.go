package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/money"
	"github.com/folioworks/snapshot-engine/internal/scope"
	"github.com/folioworks/snapshot-engine/internal/store"
)

// TransactionRequest is the JSON body for creating or updating a ledger leg.
// Quantity and price are strings so human-entered formats ("1 234,56") reach
// the decimal parser untouched.
type TransactionRequest struct {
	PortfolioID  string `json:"portfolioId"`
	InstrumentID string `json:"instrumentId"`
	Side         string `json:"side"`
	Quantity     string `json:"quantity"`
	Price        string `json:"price"`
	TradeDate    string `json:"tradeDate"`
}

// TransactionResponse wraps the stored leg plus the dirty-mark outcome. The
// mutation has already succeeded when marking fails; rebuildMarked=false
// tells the client the snapshot rebuild signal was lost (the periodic sweep
// bounds the resulting staleness).
type TransactionResponse struct {
	Transaction   model.Transaction `json:"transaction"`
	RebuildMarked bool              `json:"rebuildMarked"`
}

// PriceRequest is the JSON body for POST /prices, the external valuation feed.
type PriceRequest struct {
	InstrumentID string `json:"instrumentId"`
	BucketDate   string `json:"bucketDate"`
	Close        string `json:"close"`
}

// CreateTransaction handles POST /api/v1/transactions
func (s *Service) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tx, ok := s.validateTransaction(w, userID, &req)
	if !ok {
		return
	}
	tx.ID = uuid.New().String()
	tx.CreatedAt = time.Now().UTC()

	if err := s.store.InsertTransaction(r.Context(), tx); err != nil {
		writeError(w, "failed to record transaction", http.StatusInternalServerError)
		return
	}

	marked := s.markMutation(r.Context(), tx.UserID, tx.PortfolioID, tx.TradeDate)
	s.broadcastTransaction("transaction_created", tx)

	slog.Info("transaction created",
		"id", tx.ID,
		"user", tx.UserID,
		"portfolio", tx.PortfolioID,
		"instrument", tx.InstrumentID,
		"side", tx.Side,
		"trade_date", string(tx.TradeDate),
	)
	writeJSON(w, http.StatusCreated, TransactionResponse{Transaction: *tx, RebuildMarked: marked})
}

// ListTransactions handles GET /api/v1/transactions
// Optionally filtered by ?portfolioId=.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}

	txns, err := s.store.ListTransactions(r.Context(), userID, r.URL.Query().Get("portfolioId"))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// UpdateTransaction handles PUT /api/v1/transactions/{txnID}
// Marks dirty from the earlier of the old and new trade dates, since both
// days' snapshots are stale after the edit.
func (s *Service) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}
	txnID := chi.URLParam(r, "txnID")

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tx, ok := s.validateTransaction(w, userID, &req)
	if !ok {
		return
	}

	old, err := s.store.GetTransaction(r.Context(), userID, txnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load transaction", http.StatusInternalServerError)
		return
	}

	tx.ID = old.ID
	tx.CreatedAt = old.CreatedAt
	if err := s.store.UpdateTransaction(r.Context(), tx); err != nil {
		writeError(w, "failed to update transaction", http.StatusInternalServerError)
		return
	}

	dirtyFrom := tx.TradeDate.Min(old.TradeDate)
	marked := s.markMutation(r.Context(), userID, tx.PortfolioID, dirtyFrom)
	if old.PortfolioID != tx.PortfolioID {
		// Moved between portfolios: the old portfolio's read-model is stale too.
		marked = s.markMutation(r.Context(), userID, old.PortfolioID, dirtyFrom) && marked
	}
	s.broadcastTransaction("transaction_updated", tx)

	writeJSON(w, http.StatusOK, TransactionResponse{Transaction: *tx, RebuildMarked: marked})
}

// DeleteTransaction handles DELETE /api/v1/transactions/{txnID}
func (s *Service) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}
	txnID := chi.URLParam(r, "txnID")

	tx, err := s.store.DeleteTransaction(r.Context(), userID, txnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to delete transaction", http.StatusInternalServerError)
		return
	}

	marked := s.markMutation(r.Context(), userID, tx.PortfolioID, tx.TradeDate)
	s.broadcastTransaction("transaction_deleted", tx)

	writeJSON(w, http.StatusOK, TransactionResponse{Transaction: *tx, RebuildMarked: marked})
}

// UpsertPrice handles POST /api/v1/prices
// Records a daily close. Price changes do not mark scopes dirty (the feed is
// global, not per user); the periodic sweep re-values affected scopes.
func (s *Service) UpsertPrice(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authUser(w, r); !ok {
		return
	}

	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstrumentID == "" {
		writeError(w, "instrumentId is required", http.StatusBadRequest)
		return
	}
	day, err := bucket.Parse(req.BucketDate)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	close, err := money.Parse(req.Close)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if close.IsNegative() {
		writeError(w, "close must not be negative", http.StatusBadRequest)
		return
	}

	price := &model.Price{InstrumentID: req.InstrumentID, BucketDate: day, Close: close}
	if err := s.store.UpsertPrice(r.Context(), price); err != nil {
		writeError(w, "failed to record price", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

// --- Helpers ---

// validateTransaction checks a request before any state mutation and builds
// the leg to store.
func (s *Service) validateTransaction(w http.ResponseWriter, userID string, req *TransactionRequest) (*model.Transaction, bool) {
	if req.PortfolioID == "" {
		writeError(w, "portfolioId is required", http.StatusBadRequest)
		return nil, false
	}
	if req.InstrumentID == "" {
		writeError(w, "instrumentId is required", http.StatusBadRequest)
		return nil, false
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return nil, false
	}
	qty, err := money.Parse(req.Quantity)
	if err != nil || !qty.IsPositive() {
		writeError(w, "quantity must be a positive number", http.StatusBadRequest)
		return nil, false
	}
	price, err := money.Parse(req.Price)
	if err != nil || price.IsNegative() {
		writeError(w, "price must be a non-negative number", http.StatusBadRequest)
		return nil, false
	}
	day, err := bucket.Parse(req.TradeDate)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	return &model.Transaction{
		UserID:       userID,
		PortfolioID:  req.PortfolioID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Quantity:     qty,
		Price:        price,
		TradeDate:    day,
	}, true
}

// markMutation marks both affected scopes dirty, best-effort. A lost mark is
// logged and reported, never rolled back.
func (s *Service) markMutation(ctx context.Context, userID, portfolioID string, from bucket.Date) bool {
	outcome := s.tracker.MarkMutation(ctx, userID, portfolioID, from)
	if outcome.Failed() {
		slog.Warn("dirty mark lost after ledger mutation",
			"user", userID,
			"portfolio", portfolioID,
			"from", string(from),
			"portfolio_err", outcome.PortfolioErr,
			"all_err", outcome.AllErr,
		)
		return false
	}
	return true
}

func (s *Service) broadcastTransaction(event string, tx *model.Transaction) {
	if s.wsHub == nil {
		return
	}
	key, err := scope.NewKey(tx.UserID, scope.Portfolio, tx.PortfolioID)
	if err != nil {
		return // validated upstream, a stored leg always has a portfolio
	}
	s.wsHub.Broadcast(WSMessage{
		Type:          event,
		RowKey:        key.RowKey(),
		TransactionID: tx.ID,
		InstrumentID:  tx.InstrumentID,
		Side:          tx.Side,
		TradeDate:     string(tx.TradeDate),
	})
}
