package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations run in order at startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		address        TEXT PRIMARY KEY,
		owner          TEXT NOT NULL,
		margin_account TEXT NOT NULL,
		market_id      BIGINT NOT NULL,
		size           NUMERIC NOT NULL,
		entry_price    NUMERIC NOT NULL,
		margin         NUMERIC NOT NULL,
		raw_json       TEXT NOT NULL DEFAULT '',
		slot           BIGINT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions (owner)`,

	`CREATE TABLE IF NOT EXISTS orders (
		address        TEXT PRIMARY KEY,
		owner          TEXT NOT NULL,
		margin_account TEXT NOT NULL,
		market_id      BIGINT NOT NULL,
		nonce          BIGINT NOT NULL,
		side           SMALLINT NOT NULL,
		order_type     SMALLINT NOT NULL,
		status         SMALLINT NOT NULL,
		size           NUMERIC NOT NULL,
		limit_price    NUMERIC NOT NULL,
		reduce_only    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     BIGINT NOT NULL,
		expires_at     BIGINT NOT NULL,
		raw_json       TEXT NOT NULL DEFAULT '',
		slot           BIGINT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders (owner)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_margin_nonce ON orders (margin_account, nonce)`,

	`CREATE TABLE IF NOT EXISTS fills (
		order_address TEXT PRIMARY KEY,
		owner         TEXT NOT NULL,
		market_id     BIGINT NOT NULL,
		side          SMALLINT NOT NULL,
		price         NUMERIC NOT NULL,
		size          NUMERIC NOT NULL,
		fee           NUMERIC NOT NULL,
		executed_slot BIGINT NOT NULL,
		executed_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fills_owner ON fills (owner, executed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS position_history (
		id               BIGSERIAL PRIMARY KEY,
		position_address TEXT NOT NULL,
		owner            TEXT NOT NULL,
		market_id        BIGINT NOT NULL,
		prev_size        NUMERIC NOT NULL,
		prev_entry_price NUMERIC NOT NULL,
		next_size        NUMERIC NOT NULL,
		next_entry_price NUMERIC NOT NULL,
		slot             BIGINT NOT NULL,
		recorded_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_position_history_owner ON position_history (owner, recorded_at DESC)`,

	`CREATE TABLE IF NOT EXISTS orderbook_snapshots (
		exchange    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		bucket      BIGINT NOT NULL,
		best_bid    NUMERIC NOT NULL,
		best_ask    NUMERIC NOT NULL,
		levels      JSONB NOT NULL,
		exchange_ts BIGINT NOT NULL,
		fetched_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (exchange, symbol, bucket)
	)`,

	`CREATE TABLE IF NOT EXISTS price_ticks (
		symbol       TEXT NOT NULL,
		feed_id      TEXT NOT NULL,
		slot         BIGINT NOT NULL,
		publish_time BIGINT NOT NULL,
		price        NUMERIC NOT NULL,
		conf         NUMERIC NOT NULL,
		expo         INTEGER NOT NULL,
		received_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (symbol, publish_time)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		stream     TEXT PRIMARY KEY,
		last_slot  BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// Backfill: orders that reached executed before the fills table
	// existed still get a fill row. The executed price lives in the
	// order's price field once the program fills it.
	`INSERT INTO fills (order_address, owner, market_id, side, price, size, fee, executed_slot, executed_at)
		SELECT address, owner, market_id, side, limit_price, size, 0, slot, updated_at
		FROM orders WHERE status = 1
		ON CONFLICT (order_address) DO NOTHING`,
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
