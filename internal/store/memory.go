package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

// MemoryStore is an in-memory Store for tests. Writes staged inside a
// sync transaction are only visible after the transaction commits, so
// tests observe the same atomicity the Postgres store provides.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	orders    map[string]model.Order
	fills     map[string]model.Fill
	history   []model.PositionChange
	books     map[string][]model.OrderbookSnapshot // keyed exchange|symbol
	ticks     map[string][]model.PriceTick         // keyed symbol, publish-time order
	cursors   map[string]model.SyncState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
		orders:    make(map[string]model.Order),
		fills:     make(map[string]model.Fill),
		books:     make(map[string][]model.OrderbookSnapshot),
		ticks:     make(map[string][]model.PriceTick),
		cursors:   make(map[string]model.SyncState),
	}
}

// memSyncTx stages writes until the transaction function returns nil.
type memSyncTx struct {
	store     *MemoryStore
	positions map[string]model.Position
	orders    map[string]model.Order
	fills     map[string]model.Fill
	history   []model.PositionChange
	cursors   map[string]model.SyncState
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx SyncTx) error) error {
	tx := &memSyncTx{
		store:     s,
		positions: make(map[string]model.Position),
		orders:    make(map[string]model.Order),
		fills:     make(map[string]model.Fill),
		cursors:   make(map[string]model.SyncState),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.positions {
		s.positions[k] = v
	}
	for k, v := range tx.orders {
		s.orders[k] = v
	}
	for k, v := range tx.fills {
		s.fills[k] = v
	}
	s.history = append(s.history, tx.history...)
	for k, v := range tx.cursors {
		s.cursors[k] = v
	}
	return nil
}

func (t *memSyncTx) currentPosition(address string) (model.Position, bool) {
	if pos, ok := t.positions[address]; ok {
		return pos, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	pos, ok := t.store.positions[address]
	return pos, ok
}

func (t *memSyncTx) UpsertPosition(ctx context.Context, pos model.Position) (*model.PositionChange, error) {
	var change *model.PositionChange
	if prev, ok := t.currentPosition(pos.Address); ok {
		if !prev.Size.Equal(pos.Size) || !prev.EntryPrice.Equal(pos.EntryPrice) {
			change = &model.PositionChange{
				PositionAddress: pos.Address,
				Owner:           pos.Owner,
				MarketID:        pos.MarketID,
				PrevSize:        prev.Size,
				PrevEntryPrice:  prev.EntryPrice,
				NextSize:        pos.Size,
				NextEntryPrice:  pos.EntryPrice,
				Slot:            pos.Slot,
				RecordedAt:      time.Now().UTC(),
			}
			t.history = append(t.history, *change)
		}
	}
	pos.UpdatedAt = time.Now().UTC()
	t.positions[pos.Address] = pos
	return change, nil
}

func (t *memSyncTx) currentOrder(address string) (model.Order, bool) {
	if order, ok := t.orders[address]; ok {
		return order, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	order, ok := t.store.orders[address]
	return order, ok
}

func (t *memSyncTx) hasFill(orderAddress string) bool {
	if _, ok := t.fills[orderAddress]; ok {
		return true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.fills[orderAddress]
	return ok
}

func (t *memSyncTx) UpsertOrder(ctx context.Context, order model.Order) (bool, *model.Fill, error) {
	prev, hadPrev := t.currentOrder(order.Address)
	order.UpdatedAt = time.Now().UTC()
	t.orders[order.Address] = order

	changed := !hadPrev || prev.Status != order.Status || !prev.Size.Equal(order.Size)

	if !hadPrev || prev.Status != model.OrderStatusOpen || order.Status != model.OrderStatusExecuted {
		return changed, nil, nil
	}
	if t.hasFill(order.Address) {
		return changed, nil, nil
	}

	fill := &model.Fill{
		OrderAddress: order.Address,
		Owner:        order.Owner,
		MarketID:     order.MarketID,
		Side:         order.Side,
		Price:        order.LimitPrice,
		Size:         order.Size,
		Fee:          decimal.Zero,
		ExecutedSlot: order.Slot,
		ExecutedAt:   time.Now().UTC(),
	}
	t.fills[order.Address] = *fill
	return changed, fill, nil
}

func (t *memSyncTx) SetSyncState(ctx context.Context, stream string, slot uint64) error {
	t.cursors[stream] = model.SyncState{Stream: stream, LastSlot: slot, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) GetSyncState(ctx context.Context, stream string) (*model.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.cursors[stream]
	if !ok {
		return nil, ErrNotFound
	}
	return &state, nil
}

func (s *MemoryStore) GetPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, pos := range s.positions {
		if pos.Owner == owner {
			positions = append(positions, pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].MarketID < positions[j].MarketID })
	return positions, nil
}

func (s *MemoryStore) GetOrdersByOwner(ctx context.Context, owner, status string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, order := range s.orders {
		if order.Owner != owner {
			continue
		}
		if status != "" && order.Status.String() != status {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt > orders[j].CreatedAt })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *MemoryStore) GetOpenOrders(ctx context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	for _, order := range s.orders {
		if order.Status == model.OrderStatusOpen {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].MarginAccount != orders[j].MarginAccount {
			return orders[i].MarginAccount < orders[j].MarginAccount
		}
		return orders[i].Nonce < orders[j].Nonce
	})
	return orders, nil
}

func (s *MemoryStore) GetFillsByOwner(ctx context.Context, owner string, limit int) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fills []model.Fill
	for _, fill := range s.fills {
		if fill.Owner == owner {
			fills = append(fills, fill)
		}
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].ExecutedAt.After(fills[j].ExecutedAt) })
	if limit > 0 && len(fills) > limit {
		fills = fills[:limit]
	}
	return fills, nil
}

func (s *MemoryStore) GetPositionHistory(ctx context.Context, owner string, limit int) ([]model.PositionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var changes []model.PositionChange
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Owner == owner {
			changes = append(changes, s.history[i])
			if limit > 0 && len(changes) == limit {
				break
			}
		}
	}
	return changes, nil
}

func bookKey(exchange, symbol string) string { return exchange + "|" + symbol }

func (s *MemoryStore) UpsertOrderbookSnapshot(ctx context.Context, snap model.OrderbookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bookKey(snap.Exchange, snap.Symbol)
	for i, existing := range s.books[key] {
		if existing.Bucket == snap.Bucket {
			s.books[key][i] = snap
			return nil
		}
	}
	s.books[key] = append(s.books[key], snap)
	return nil
}

func (s *MemoryStore) GetLatestOrderbook(ctx context.Context, exchange, symbol string) (*model.OrderbookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.books[bookKey(exchange, symbol)]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Bucket > latest.Bucket {
			latest = snap
		}
	}
	return &latest, nil
}

func (s *MemoryStore) GetLatestOrderbooks(ctx context.Context, symbol string) ([]model.OrderbookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]model.OrderbookSnapshot)
	for _, snaps := range s.books {
		for _, snap := range snaps {
			if snap.Symbol != symbol {
				continue
			}
			if best, ok := latest[snap.Exchange]; !ok || snap.Bucket > best.Bucket {
				latest[snap.Exchange] = snap
			}
		}
	}

	var out []model.OrderbookSnapshot
	for _, snap := range latest {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out, nil
}

func (s *MemoryStore) InsertPriceTick(ctx context.Context, tick model.PriceTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.ticks[tick.Symbol] {
		if existing.PublishTime == tick.PublishTime {
			return nil
		}
	}
	s.ticks[tick.Symbol] = append(s.ticks[tick.Symbol], tick)
	sort.Slice(s.ticks[tick.Symbol], func(i, j int) bool {
		return s.ticks[tick.Symbol][i].PublishTime < s.ticks[tick.Symbol][j].PublishTime
	})
	return nil
}

func (s *MemoryStore) GetLatestPrice(ctx context.Context, symbol string) (*model.PriceTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticks := s.ticks[symbol]
	if len(ticks) == 0 {
		return nil, ErrNotFound
	}
	tick := ticks[len(ticks)-1]
	return &tick, nil
}

func (s *MemoryStore) GetCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step := int64(interval.Seconds())
	if step <= 0 {
		step = 60
	}

	var candles []model.Candle
	for _, tick := range s.ticks[symbol] {
		bucket := tick.PublishTime - tick.PublishTime%step
		if n := len(candles); n > 0 && candles[n-1].Bucket == bucket {
			c := &candles[n-1]
			if tick.Price.GreaterThan(c.High) {
				c.High = tick.Price
			}
			if tick.Price.LessThan(c.Low) {
				c.Low = tick.Price
			}
			c.Close = tick.Price
			c.Ticks++
			continue
		}
		candles = append(candles, model.Candle{
			Bucket: bucket,
			Open:   tick.Price,
			High:   tick.Price,
			Low:    tick.Price,
			Close:  tick.Price,
			Ticks:  1,
		})
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (s *MemoryStore) GetLeaderboard(ctx context.Context, window time.Duration, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	byOwner := make(map[string]*model.LeaderboardEntry)
	for _, fill := range s.fills {
		if fill.ExecutedAt.Before(cutoff) {
			continue
		}
		entry, ok := byOwner[fill.Owner]
		if !ok {
			entry = &model.LeaderboardEntry{Owner: fill.Owner}
			byOwner[fill.Owner] = entry
		}
		entry.Volume = entry.Volume.Add(fill.Price.Mul(fill.Size))
		entry.Fills++
	}

	entries := make([]model.LeaderboardEntry, 0, len(byOwner))
	for _, entry := range byOwner {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Volume.GreaterThan(entries[j].Volume) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
