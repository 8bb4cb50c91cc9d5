// Package api provides the HTTP handlers for the snapshot engine: bootstrap,
// rebuild status polling, chunked rebuild execution, snapshot reads, and the
// thin transaction-ledger surface that drives dirty-marking.
//
// The authenticated user id arrives in the X-User-ID header, injected by the
// auth layer in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/folioworks/snapshot-engine/internal/bucket"
	"github.com/folioworks/snapshot-engine/internal/model"
	"github.com/folioworks/snapshot-engine/internal/rebuild"
	"github.com/folioworks/snapshot-engine/internal/scope"
	"github.com/folioworks/snapshot-engine/internal/store"
)

// Limits are the server-side defaults and caps for client-supplied rebuild
// budgets. Out-of-range values are clamped, never rejected.
type Limits struct {
	DefaultMaxDays int
	MaxMaxDays     int
	DefaultBudget  time.Duration
	MaxBudget      time.Duration
}

// DefaultLimits suit request handlers with an external execution-time ceiling
// of a few seconds.
func DefaultLimits() Limits {
	return Limits{
		DefaultMaxDays: 30,
		MaxMaxDays:     366,
		DefaultBudget:  2 * time.Second,
		MaxBudget:      10 * time.Second,
	}
}

// Service handles the snapshot engine's HTTP surface.
type Service struct {
	store     store.Store
	tracker   *rebuild.Tracker
	runner    *rebuild.Runner
	bootstrap *rebuild.Bootstrap
	limits    Limits
	wsHub     *WSHub // optional WebSocket hub for progress broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, tracker *rebuild.Tracker, runner *rebuild.Runner, bootstrap *rebuild.Bootstrap, limits Limits, hub *WSHub) *Service {
	return &Service{
		store:     st,
		tracker:   tracker,
		runner:    runner,
		bootstrap: bootstrap,
		limits:    limits,
		wsHub:     hub,
	}
}

// --- Request/Response types ---

// BootstrapRequest is the JSON body for POST /snapshots/bootstrap.
type BootstrapRequest struct {
	Scope       string `json:"scope"`
	PortfolioID string `json:"portfolioId"`
}

// RebuildRequest is the JSON body for POST /rebuild.
type RebuildRequest struct {
	Scope         string `json:"scope"`
	PortfolioID   string `json:"portfolioId"`
	MaxDaysPerRun int    `json:"maxDaysPerRun"`
	TimeBudgetMs  int    `json:"timeBudgetMs"`
}

// StateProjection is the client view of a scope's rebuild state. PendingDays
// tells the poller how much of the dirty range is left to absorb.
type StateProjection struct {
	Status         model.Status `json:"status"`
	DirtyFrom      string       `json:"dirtyFrom,omitempty"`
	ProcessedUntil string       `json:"processedUntil,omitempty"`
	PendingDays    int          `json:"pendingDays,omitempty"`
}

// RebuildResponse is the JSON body returned from POST /rebuild.
type RebuildResponse struct {
	StateProjection
	ProcessedDays int `json:"processedDays"`
}

// --- HTTP Handlers ---

// Bootstrap handles POST /api/v1/snapshots/bootstrap
func (s *Service) Bootstrap(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}

	var req BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, ok := s.scopeKey(w, userID, req.Scope, req.PortfolioID)
	if !ok {
		return
	}

	result, err := s.bootstrap.Run(r.Context(), key)
	if err != nil {
		slog.Error("bootstrap failed", "key", key.RowKey(), "err", err)
		writeError(w, "bootstrap failed", http.StatusInternalServerError)
		return
	}

	slog.Info("bootstrap",
		"key", key.RowKey(),
		"status", result.Status,
		"has_holdings", result.HasHoldings,
	)

	status := http.StatusOK
	if result.Status == rebuild.BootstrapCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// RebuildStatus handles GET /api/v1/rebuild/status
// Read-only: clients poll this while a rebuild is pending.
func (s *Service) RebuildStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	key, ok := s.scopeKey(w, userID, q.Get("scope"), q.Get("portfolioId"))
	if !ok {
		return
	}

	state, err := s.tracker.Read(r.Context(), key)
	if err != nil {
		writeError(w, "failed to read rebuild state", http.StatusInternalServerError)
		return
	}
	proj := s.project(key, state)

	// Polling control: keep calling quickly while work remains.
	w.Header().Set("Cache-Control", "no-store")
	if proj.Status == model.StatusIdle {
		w.Header().Set("Retry-After", "30")
	} else {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, http.StatusOK, proj)
}

// RunRebuild handles POST /api/v1/rebuild
// Consumes one bounded chunk of the dirty range; the caller re-invokes until
// the state comes back idle.
func (s *Service) RunRebuild(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}

	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, ok := s.scopeKey(w, userID, req.Scope, req.PortfolioID)
	if !ok {
		return
	}

	maxDays, budget := s.clampBudgets(req.MaxDaysPerRun, req.TimeBudgetMs)

	result, err := s.runner.Run(r.Context(), key, maxDays, budget)
	if err != nil {
		if errors.Is(err, rebuild.ErrAlreadyRunning) {
			writeError(w, "rebuild already in progress", http.StatusConflict)
			return
		}
		// Partial progress up to the last good day is already checkpointed;
		// the remainder stays dirty and is safe to retry.
		slog.Error("rebuild run failed",
			"key", key.RowKey(),
			"processed_days", result.ProcessedDays,
			"err", err,
		)
		writeError(w, "rebuild failed, progress retained", http.StatusInternalServerError)
		return
	}

	slog.Info("rebuild run",
		"key", key.RowKey(),
		"processed_days", result.ProcessedDays,
		"dirty_from", string(result.State.DirtyFrom),
		"processed_until", string(result.State.ProcessedUntil),
	)

	writeJSON(w, http.StatusOK, RebuildResponse{
		StateProjection: s.project(key, result.State),
		ProcessedDays:   result.ProcessedDays,
	})
}

// ListSnapshots handles GET /api/v1/snapshots
// Returns a scope's rows ascending by day for charting, optionally bounded
// by ?from= and ?to=.
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	key, ok := s.scopeKey(w, userID, q.Get("scope"), q.Get("portfolioId"))
	if !ok {
		return
	}

	var from, to bucket.Date
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = bucket.Parse(v); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = bucket.Parse(v); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	rows, err := s.store.ListSnapshots(r.Context(), key.RowKey(), from, to)
	if err != nil {
		writeError(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.SnapshotRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Helpers ---

// authUser extracts the authenticated user id; the auth layer in front of
// this service injects it.
func (s *Service) authUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, "missing user identity", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (s *Service) scopeKey(w http.ResponseWriter, userID, sc, portfolioID string) (scope.Key, bool) {
	key, err := scope.NewKey(userID, scope.Scope(sc), portfolioID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return scope.Key{}, false
	}
	return key, true
}

func (s *Service) project(key scope.Key, state model.RebuildState) StateProjection {
	status := state.Status()
	if s.runner.Running(key) {
		status = model.StatusRunning
	}
	return StateProjection{
		Status:         status,
		DirtyFrom:      string(state.DirtyFrom),
		ProcessedUntil: string(state.ProcessedUntil),
		PendingDays:    s.tracker.PendingDays(state),
	}
}

// clampBudgets applies server-side defaults and maximums to client-supplied
// run budgets.
func (s *Service) clampBudgets(maxDays, budgetMs int) (int, time.Duration) {
	if maxDays <= 0 {
		maxDays = s.limits.DefaultMaxDays
	}
	if maxDays > s.limits.MaxMaxDays {
		maxDays = s.limits.MaxMaxDays
	}

	budget := time.Duration(budgetMs) * time.Millisecond
	if budget <= 0 {
		budget = s.limits.DefaultBudget
	}
	if budget > s.limits.MaxBudget {
		budget = s.limits.MaxBudget
	}
	return maxDays, budget
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
