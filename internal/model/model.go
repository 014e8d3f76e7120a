// Package model defines the row shapes projected from on-chain state and
// from external market data. All monetary values use shopspring/decimal —
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order direction as encoded by the on-chain program.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return "unknown"
}

// OrderType distinguishes market orders from limit/stop orders.
type OrderType uint8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	}
	return "unknown"
}

// OrderStatus is the on-chain lifecycle state of an order account.
// Terminal rows (executed/cancelled/expired) are retained forever.
type OrderStatus uint8

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusExecuted
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusExecuted:
		return "executed"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	}
	return "unknown"
}

// Position is a user's open exposure in one market, keyed by the ledger
// account address. Never deleted, only zeroed on close.
type Position struct {
	Address       string          `json:"address" db:"address"`
	Owner         string          `json:"owner" db:"owner"`
	MarginAccount string          `json:"margin_account" db:"margin_account"`
	MarketID      uint64          `json:"market_id" db:"market_id"`
	Size          decimal.Decimal `json:"size" db:"size"`               // signed: positive long, negative short
	EntryPrice    decimal.Decimal `json:"entry_price" db:"entry_price"` // average entry
	Margin        decimal.Decimal `json:"margin" db:"margin"`
	RawJSON       string          `json:"-" db:"raw_json"`
	Slot          uint64          `json:"slot" db:"slot"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a resting or triggered order projected from its ledger account.
// Nonce is unique per margin account and monotonically increasing; the
// order account address is derived from it.
type Order struct {
	Address       string          `json:"address" db:"address"`
	Owner         string          `json:"owner" db:"owner"`
	MarginAccount string          `json:"margin_account" db:"margin_account"`
	MarketID      uint64          `json:"market_id" db:"market_id"`
	Nonce         uint64          `json:"nonce" db:"nonce"`
	Side          Side            `json:"side" db:"side"`
	Type          OrderType       `json:"type" db:"order_type"`
	Status        OrderStatus     `json:"status" db:"status"`
	Size          decimal.Decimal `json:"size" db:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price" db:"limit_price"` // zero for market orders
	ReduceOnly    bool            `json:"reduce_only" db:"reduce_only"`
	CreatedAt     int64           `json:"created_at" db:"created_at"` // unix seconds, on-chain clock
	ExpiresAt     int64           `json:"expires_at" db:"expires_at"`
	RawJSON       string          `json:"-" db:"raw_json"`
	Slot          uint64          `json:"slot" db:"slot"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Fill is an immutable executed-order record, appended exactly once when
// the projector observes an order transition to executed.
type Fill struct {
	OrderAddress string          `json:"order_address" db:"order_address"`
	Owner        string          `json:"owner" db:"owner"`
	MarketID     uint64          `json:"market_id" db:"market_id"`
	Side         Side            `json:"side" db:"side"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Size         decimal.Decimal `json:"size" db:"size"`
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	ExecutedSlot uint64          `json:"executed_slot" db:"executed_slot"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// PositionChange is a point-in-time snapshot appended whenever the
// projector detects a position mutation, before the row is overwritten.
type PositionChange struct {
	PositionAddress string          `json:"position_address" db:"position_address"`
	Owner           string          `json:"owner" db:"owner"`
	MarketID        uint64          `json:"market_id" db:"market_id"`
	PrevSize        decimal.Decimal `json:"prev_size" db:"prev_size"`
	PrevEntryPrice  decimal.Decimal `json:"prev_entry_price" db:"prev_entry_price"`
	NextSize        decimal.Decimal `json:"next_size" db:"next_size"`
	NextEntryPrice  decimal.Decimal `json:"next_entry_price" db:"next_entry_price"`
	Slot            uint64          `json:"slot" db:"slot"`
	RecordedAt      time.Time       `json:"recorded_at" db:"recorded_at"`
}

// Delta is the signed size change recorded by this snapshot.
func (c PositionChange) Delta() decimal.Decimal {
	return c.NextSize.Sub(c.PrevSize)
}

// OrderbookLevel is one side/price/quantity entry of an exchange depth
// snapshot.
type OrderbookLevel struct {
	Side     string          `json:"side"` // "bid" or "ask"
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderbookSnapshot is external exchange depth at a minute-aligned bucket,
// upserted per (exchange, symbol, bucket).
type OrderbookSnapshot struct {
	Exchange   string           `json:"exchange" db:"exchange"`
	Symbol     string           `json:"symbol" db:"symbol"`
	Bucket     int64            `json:"bucket" db:"bucket"` // unix seconds, minute-aligned
	BestBid    decimal.Decimal  `json:"best_bid" db:"best_bid"`
	BestAsk    decimal.Decimal  `json:"best_ask" db:"best_ask"`
	Levels     []OrderbookLevel `json:"levels" db:"levels"`
	ExchangeTS int64            `json:"exchange_ts" db:"exchange_ts"` // exchange-reported timestamp, ms
	FetchedAt  time.Time        `json:"fetched_at" db:"fetched_at"`
}

// AggregatedOrderbook merges each exchange's latest snapshot for one
// logical symbol. Derived at query time from orderbook_snapshots; never
// stored.
type AggregatedOrderbook struct {
	Symbol    string           `json:"symbol"`
	BestBid   decimal.Decimal  `json:"best_bid"` // highest bid across exchanges
	BestAsk   decimal.Decimal  `json:"best_ask"` // lowest ask across exchanges
	Levels    []OrderbookLevel `json:"levels"`   // bids descending, then asks ascending
	Exchanges []string         `json:"exchanges"`
	AsOf      time.Time        `json:"as_of"` // newest merged fetch time
}

// PriceTick is one oracle price update, append-only and ordered by
// publish time. Ticks that do not advance publish time are discarded.
type PriceTick struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	FeedID      string          `json:"feed_id" db:"feed_id"`
	Slot        int64           `json:"slot" db:"slot"`
	PublishTime int64           `json:"publish_time" db:"publish_time"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Conf        decimal.Decimal `json:"conf" db:"conf"`
	Expo        int32           `json:"expo" db:"expo"`
	ReceivedAt  time.Time       `json:"received_at" db:"received_at"`
}

// SyncState is the resumable cursor for one reconciliation stream. It is
// advanced in the same transaction as the rows it gates.
type SyncState struct {
	Stream    string    `json:"stream" db:"stream"`
	LastSlot  uint64    `json:"last_slot" db:"last_slot"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Candle is a bucketed OHLC aggregate derived from price ticks at query
// time; it is not stored.
type Candle struct {
	Bucket int64           `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Ticks  int64           `json:"ticks"`
}

// LeaderboardEntry ranks owners by realized volume over a window.
type LeaderboardEntry struct {
	Owner      string          `json:"owner"`
	Volume     decimal.Decimal `json:"volume"`
	Fills      int64           `json:"fills"`
	Rank       int             `json:"rank"`
	RankChange int             `json:"rank_change"`
}

// SystemStatus is the coarse health surface exposed to clients. Internal
// error detail stays in logs.
type SystemStatus struct {
	LedgerConnected bool   `json:"ledger_connected"`
	LastSyncedSlot  uint64 `json:"last_synced_slot"`
	IndexerLagSec   int64  `json:"indexer_lag_sec"`
	OracleConnected bool   `json:"oracle_connected"`
	HubClients      int    `json:"hub_clients"`
}
