// Package store defines the persistence interface for the sync backbone.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for hot query paths), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/perpdex/syncd/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// SyncTx is the unit of work for one reconciliation pass. Every row
// written through it commits atomically with the cursor advance, so a
// crash can never persist rows the cursor does not cover.
type SyncTx interface {
	// UpsertPosition writes the projected position, appending a
	// point-in-time snapshot first when size or entry price changed.
	// Returns the snapshot when one was recorded.
	UpsertPosition(ctx context.Context, pos model.Position) (*model.PositionChange, error)

	// UpsertOrder writes the projected order. changed reports whether the
	// row is new or its status or size moved. When the stored row was
	// open and the new row is executed, an immutable fill is derived and
	// appended; the fill is returned in that case. Replaying the same
	// executed row is a no-op for the fill.
	UpsertOrder(ctx context.Context, order model.Order) (changed bool, fill *model.Fill, err error)

	// SetSyncState advances the stream cursor. Called last in a pass.
	SetSyncState(ctx context.Context, stream string, slot uint64) error
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Reconciliation ---

	// WithTx runs fn inside one transaction; rows and cursor commit or
	// roll back together.
	WithTx(ctx context.Context, fn func(tx SyncTx) error) error

	// GetSyncState returns the cursor for a stream, or ErrNotFound before
	// the first pass.
	GetSyncState(ctx context.Context, stream string) (*model.SyncState, error)

	// --- Projected state ---

	// GetPositionsByOwner returns a user's positions across markets.
	GetPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error)

	// GetOrdersByOwner returns a user's orders, newest first. status
	// filters when non-empty.
	GetOrdersByOwner(ctx context.Context, owner, status string, limit int) ([]model.Order, error)

	// GetOpenOrders returns every open order, oldest nonce first. The
	// keeper's working set.
	GetOpenOrders(ctx context.Context) ([]model.Order, error)

	// GetFillsByOwner returns a user's fills, newest first.
	GetFillsByOwner(ctx context.Context, owner string, limit int) ([]model.Fill, error)

	// GetPositionHistory returns a user's position snapshots, newest
	// first.
	GetPositionHistory(ctx context.Context, owner string, limit int) ([]model.PositionChange, error)

	// --- Market data ---

	// UpsertOrderbookSnapshot writes exchange depth for its bucket,
	// replacing any earlier snapshot in the same bucket.
	UpsertOrderbookSnapshot(ctx context.Context, snap model.OrderbookSnapshot) error

	// GetLatestOrderbook returns the most recent snapshot for a pair.
	GetLatestOrderbook(ctx context.Context, exchange, symbol string) (*model.OrderbookSnapshot, error)

	// GetLatestOrderbooks returns each exchange's most recent snapshot
	// for a symbol; the query facade merges them into one view.
	GetLatestOrderbooks(ctx context.Context, symbol string) ([]model.OrderbookSnapshot, error)

	// InsertPriceTick appends one oracle tick.
	InsertPriceTick(ctx context.Context, tick model.PriceTick) error

	// GetLatestPrice returns the newest stored tick for a symbol.
	GetLatestPrice(ctx context.Context, symbol string) (*model.PriceTick, error)

	// GetCandles aggregates ticks into OHLC buckets, oldest first.
	GetCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]model.Candle, error)

	// --- Aggregates ---

	// GetLeaderboard ranks owners by fill volume over the window.
	GetLeaderboard(ctx context.Context, window time.Duration, limit int) ([]model.LeaderboardEntry, error)
}
