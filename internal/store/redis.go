package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpdex/syncd/internal/model"
)

// CachedStore wraps the primary Store (PostgreSQL) with a Redis
// read-through cache on the hot query paths: latest price, latest
// orderbook, and the leaderboard. Projection writes invalidate the keys
// they affect; everything else passes through.
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

// --- Write paths (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx SyncTx) error) error {
	// The leaderboard derives from fills written inside sync transactions;
	// a short TTL keeps it fresh enough without tracking per-tx writes.
	return s.primary.WithTx(ctx, fn)
}

func (s *CachedStore) InsertPriceTick(ctx context.Context, tick model.PriceTick) error {
	if err := s.primary.InsertPriceTick(ctx, tick); err != nil {
		return err
	}
	if data, err := json.Marshal(tick); err == nil {
		s.rdb.Set(ctx, priceKey(tick.Symbol), data, s.ttl)
	}
	return nil
}

func (s *CachedStore) UpsertOrderbookSnapshot(ctx context.Context, snap model.OrderbookSnapshot) error {
	if err := s.primary.UpsertOrderbookSnapshot(ctx, snap); err != nil {
		return err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, orderbookKey(snap.Exchange, snap.Symbol), data, s.ttl)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLatestPrice(ctx context.Context, symbol string) (*model.PriceTick, error) {
	data, err := s.rdb.Get(ctx, priceKey(symbol)).Bytes()
	if err == nil {
		var tick model.PriceTick
		if json.Unmarshal(data, &tick) == nil {
			return &tick, nil
		}
	}

	tick, err := s.primary.GetLatestPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(tick); err == nil {
		s.rdb.Set(ctx, priceKey(symbol), data, s.ttl)
	}
	return tick, nil
}

func (s *CachedStore) GetLatestOrderbook(ctx context.Context, exchange, symbol string) (*model.OrderbookSnapshot, error) {
	data, err := s.rdb.Get(ctx, orderbookKey(exchange, symbol)).Bytes()
	if err == nil {
		var snap model.OrderbookSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetLatestOrderbook(ctx, exchange, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, orderbookKey(exchange, symbol), data, s.ttl)
	}
	return snap, nil
}

func (s *CachedStore) GetLeaderboard(ctx context.Context, window time.Duration, limit int) ([]model.LeaderboardEntry, error) {
	key := leaderboardKey(window, limit)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entries []model.LeaderboardEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetLeaderboard(ctx, window, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetSyncState(ctx context.Context, stream string) (*model.SyncState, error) {
	return s.primary.GetSyncState(ctx, stream)
}

func (s *CachedStore) GetPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	return s.primary.GetPositionsByOwner(ctx, owner)
}

func (s *CachedStore) GetOrdersByOwner(ctx context.Context, owner, status string, limit int) ([]model.Order, error) {
	return s.primary.GetOrdersByOwner(ctx, owner, status, limit)
}

func (s *CachedStore) GetOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.GetOpenOrders(ctx)
}

func (s *CachedStore) GetFillsByOwner(ctx context.Context, owner string, limit int) ([]model.Fill, error) {
	return s.primary.GetFillsByOwner(ctx, owner, limit)
}

func (s *CachedStore) GetPositionHistory(ctx context.Context, owner string, limit int) ([]model.PositionChange, error) {
	return s.primary.GetPositionHistory(ctx, owner, limit)
}

func (s *CachedStore) GetCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]model.Candle, error) {
	return s.primary.GetCandles(ctx, symbol, interval, limit)
}

func (s *CachedStore) GetLatestOrderbooks(ctx context.Context, symbol string) ([]model.OrderbookSnapshot, error) {
	return s.primary.GetLatestOrderbooks(ctx, symbol)
}

// --- Cache keys ---

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }

func orderbookKey(exchange, symbol string) string {
	return fmt.Sprintf("orderbook:%s:%s", exchange, symbol)
}

func leaderboardKey(window time.Duration, limit int) string {
	return fmt.Sprintf("leaderboard:%d:%d", int64(window.Seconds()), limit)
}
