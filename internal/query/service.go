// Package query is the read-only HTTP facade over the projected state.
// It never touches the ledger; everything it serves comes from the store
// the sync engine maintains.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/perpdex/syncd/internal/model"
	"github.com/perpdex/syncd/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// SyncStatus is the sync engine's health surface.
type SyncStatus interface {
	LastSyncedSlot() uint64
	Connected() bool
}

// OracleStatus is the price stream's health surface.
type OracleStatus interface {
	Connected() bool
}

// ClientCounter reports hub connection count.
type ClientCounter interface {
	ClientCount() int
}

// Service serves the read API.
type Service struct {
	store  store.Store
	sync   SyncStatus
	oracle OracleStatus
	hub    ClientCounter
	log    *slog.Logger
}

// NewService wires the facade to its data sources.
func NewService(st store.Store, sync SyncStatus, oracle OracleStatus, hub ClientCounter, log *slog.Logger) *Service {
	return &Service{store: st, sync: sync, oracle: oracle, hub: hub, log: log.With("component", "query")}
}

// Routes mounts every read endpoint.
func (s *Service) Routes(r chi.Router) {
	r.Get("/positions/{owner}", s.GetPositions)
	r.Get("/positions/{owner}/history", s.GetPositionHistory)
	r.Get("/orders/{owner}", s.GetOrders)
	r.Get("/fills/{owner}", s.GetFills)
	r.Get("/price/{symbol}", s.GetLatestPrice)
	r.Get("/candles/{symbol}", s.GetCandles)
	r.Get("/orderbook/aggregated/{symbol}", s.GetAggregatedOrderbook)
	r.Get("/orderbook/{exchange}/{symbol}", s.GetOrderbook)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/status", s.GetStatus)
}

// GetPositions handles GET /api/v1/positions/{owner}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	positions, err := s.store.GetPositionsByOwner(r.Context(), owner)
	if err != nil {
		s.log.Error("get positions", "owner", owner, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, orEmpty(positions))
}

// GetPositionHistory handles GET /api/v1/positions/{owner}/history
func (s *Service) GetPositionHistory(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	history, err := s.store.GetPositionHistory(r.Context(), owner, limitParam(r))
	if err != nil {
		s.log.Error("get position history", "owner", owner, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, orEmpty(history))
}

// GetOrders handles GET /api/v1/orders/{owner}?status=open&limit=100
func (s *Service) GetOrders(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	status := r.URL.Query().Get("status")
	if status != "" && !validStatus(status) {
		writeError(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	orders, err := s.store.GetOrdersByOwner(r.Context(), owner, status, limitParam(r))
	if err != nil {
		s.log.Error("get orders", "owner", owner, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, orEmpty(orders))
}

// GetFills handles GET /api/v1/fills/{owner}?limit=100
func (s *Service) GetFills(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	fills, err := s.store.GetFillsByOwner(r.Context(), owner, limitParam(r))
	if err != nil {
		s.log.Error("get fills", "owner", owner, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, orEmpty(fills))
}

// GetLatestPrice handles GET /api/v1/price/{symbol}
func (s *Service) GetLatestPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	tick, err := s.store.GetLatestPrice(r.Context(), symbol)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no price for symbol", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get latest price", "symbol", symbol, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, tick)
}

// GetCandles handles GET /api/v1/candles/{symbol}?interval=60&limit=200
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	interval := 60
	if raw := r.URL.Query().Get("interval"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "interval must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		interval = parsed
	}

	candles, err := s.store.GetCandles(r.Context(), symbol, time.Duration(interval)*time.Second, limitParam(r))
	if err != nil {
		s.log.Error("get candles", "symbol", symbol, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, orEmpty(candles))
}

// GetOrderbook handles GET /api/v1/orderbook/{exchange}/{symbol}
func (s *Service) GetOrderbook(w http.ResponseWriter, r *http.Request) {
	exchange := chi.URLParam(r, "exchange")
	symbol := chi.URLParam(r, "symbol")

	snap, err := s.store.GetLatestOrderbook(r.Context(), exchange, symbol)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no snapshot for pair", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("get orderbook", "exchange", exchange, "symbol", symbol, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

// GetAggregatedOrderbook handles GET /api/v1/orderbook/aggregated/{symbol}
func (s *Service) GetAggregatedOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	snaps, err := s.store.GetLatestOrderbooks(r.Context(), symbol)
	if err != nil {
		s.log.Error("get aggregated orderbook", "symbol", symbol, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(snaps) == 0 {
		writeError(w, "no snapshot for symbol", http.StatusNotFound)
		return
	}
	writeJSON(w, aggregateOrderbooks(symbol, snaps))
}

// aggregateOrderbooks merges each exchange's latest snapshot into one
// cross-exchange view: best bid is the highest bid anywhere, best ask
// the lowest, and levels are concatenated sorted bids-first.
func aggregateOrderbooks(symbol string, snaps []model.OrderbookSnapshot) model.AggregatedOrderbook {
	agg := model.AggregatedOrderbook{Symbol: symbol}
	for _, snap := range snaps {
		agg.Exchanges = append(agg.Exchanges, snap.Exchange)
		agg.Levels = append(agg.Levels, snap.Levels...)
		if !snap.BestBid.IsZero() && snap.BestBid.GreaterThan(agg.BestBid) {
			agg.BestBid = snap.BestBid
		}
		if !snap.BestAsk.IsZero() && (agg.BestAsk.IsZero() || snap.BestAsk.LessThan(agg.BestAsk)) {
			agg.BestAsk = snap.BestAsk
		}
		if snap.FetchedAt.After(agg.AsOf) {
			agg.AsOf = snap.FetchedAt
		}
	}
	sort.Strings(agg.Exchanges)
	sort.SliceStable(agg.Levels, func(i, j int) bool {
		a, b := agg.Levels[i], agg.Levels[j]
		if a.Side != b.Side {
			return a.Side == "bid"
		}
		if a.Side == "bid" {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	})
	return agg
}

// GetLeaderboard handles GET /api/v1/leaderboard?window=24h&limit=50
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	entries, err := s.store.GetLeaderboard(r.Context(), window, limitParam(r))
	if err != nil {
		s.log.Error("get leaderboard", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, orEmpty(entries))
}

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.buildStatus(r.Context()))
}

func (s *Service) buildStatus(ctx context.Context) model.SystemStatus {
	status := model.SystemStatus{
		LedgerConnected: s.sync.Connected(),
		LastSyncedSlot:  s.sync.LastSyncedSlot(),
		OracleConnected: s.oracle.Connected(),
		HubClients:      s.hub.ClientCount(),
	}
	if state, err := s.store.GetSyncState(ctx, "orders"); err == nil {
		status.IndexerLagSec = int64(time.Since(state.UpdatedAt).Seconds())
	}
	return status
}

func validStatus(status string) bool {
	for code := model.OrderStatusOpen; code <= model.OrderStatusExpired; code++ {
		if code.String() == status {
			return true
		}
	}
	return false
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// orEmpty keeps empty collections as [] instead of null in responses.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
