package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/margin-engine/internal/accounts"
	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

const recentLimit = 100

// Ops serves read-only operational views of the engine's state.
type Ops struct {
	repo      *liquidation.Repository
	accounts  *accounts.Cache
	positions store.PositionStore

	mu     sync.Mutex
	recent []liquidation.Ended
}

// NewOps creates the ops handlers.
func NewOps(repo *liquidation.Repository, acc *accounts.Cache, positions store.PositionStore) *Ops {
	return &Ops{repo: repo, accounts: acc, positions: positions}
}

// --- Response types ---

// LiquidationResponse is the JSON body of GET /debug/liquidations/{operationID}.
type LiquidationResponse struct {
	OperationID  string                    `json:"operation_id"`
	LastModified time.Time                 `json:"last_modified"`
	Data         liquidation.OperationData `json:"data"`
}

// AccountResponse is the JSON body of GET /debug/accounts/{accountID}.
type AccountResponse struct {
	Account   *model.Account    `json:"account"`
	Level     string            `json:"level"`
	Positions []*model.Position `json:"positions"`
}

// record keeps the most recent ended liquidations.
func (o *Ops) record(e liquidation.Ended) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recent = append(o.recent, e)
	if len(o.recent) > recentLimit {
		o.recent = o.recent[len(o.recent)-recentLimit:]
	}
}

// --- Handlers ---

// Health handles GET /health.
func (o *Ops) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "service": "margin-engine"}, http.StatusOK)
}

// GetLiquidation handles GET /debug/liquidations/{operationID}.
func (o *Ops) GetLiquidation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operationID")
	exec, err := o.repo.Get(r.Context(), opID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "liquidation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load liquidation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, LiquidationResponse{OperationID: exec.ID, LastModified: exec.LastModified(), Data: exec.Data}, http.StatusOK)
}

// RecentLiquidations handles GET /debug/liquidations, newest first.
func (o *Ops) RecentLiquidations(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	out := make([]liquidation.Ended, 0, len(o.recent))
	for i := len(o.recent) - 1; i >= 0; i-- {
		out = append(out, o.recent[i])
	}
	o.mu.Unlock()
	writeJSON(w, out, http.StatusOK)
}

// GetAccount handles GET /debug/accounts/{accountID}.
func (o *Ops) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	acc, ok := o.accounts.TryGet(accountID)
	if !ok {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	ps := o.positions.PositionsByAccount(accountID)
	if ps == nil {
		ps = []*model.Position{}
	}
	writeJSON(w, AccountResponse{Account: acc, Level: acc.Level().String(), Positions: ps}, http.StatusOK)
}

// NewRouter builds the ops HTTP router.
func NewRouter(o *Ops) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", o.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Get("/liquidations", o.RecentLiquidations)
		r.Get("/liquidations/{operationID}", o.GetLiquidation)
		r.Get("/accounts/{accountID}", o.GetAccount)
	})
	return r
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}
