package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

func (s *PostgresStore) UpsertOrderbookSnapshot(ctx context.Context, snap model.OrderbookSnapshot) error {
	levels, err := json.Marshal(snap.Levels)
	if err != nil {
		return fmt.Errorf("marshal levels: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orderbook_snapshots (exchange, symbol, bucket, best_bid, best_ask, levels, exchange_ts, fetched_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (exchange, symbol, bucket) DO UPDATE SET
		   best_bid = EXCLUDED.best_bid, best_ask = EXCLUDED.best_ask,
		   levels = EXCLUDED.levels, exchange_ts = EXCLUDED.exchange_ts,
		   fetched_at = EXCLUDED.fetched_at`,
		snap.Exchange, snap.Symbol, snap.Bucket,
		snap.BestBid.String(), snap.BestAsk.String(),
		levels, snap.ExchangeTS, snap.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert orderbook %s/%s: %w", snap.Exchange, snap.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) GetLatestOrderbook(ctx context.Context, exchange, symbol string) (*model.OrderbookSnapshot, error) {
	var snap model.OrderbookSnapshot
	var bidS, askS string
	var levels []byte

	err := s.pool.QueryRow(ctx,
		`SELECT exchange, symbol, bucket, best_bid::TEXT, best_ask::TEXT, levels, exchange_ts, fetched_at
		 FROM orderbook_snapshots WHERE exchange = $1 AND symbol = $2
		 ORDER BY bucket DESC LIMIT 1`, exchange, symbol).
		Scan(&snap.Exchange, &snap.Symbol, &snap.Bucket, &bidS, &askS,
			&levels, &snap.ExchangeTS, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get orderbook %s/%s: %w", exchange, symbol, err)
	}

	snap.BestBid, _ = decimal.NewFromString(bidS)
	snap.BestAsk, _ = decimal.NewFromString(askS)
	if err := json.Unmarshal(levels, &snap.Levels); err != nil {
		return nil, fmt.Errorf("unmarshal levels %s/%s: %w", exchange, symbol, err)
	}
	return &snap, nil
}

func (s *PostgresStore) GetLatestOrderbooks(ctx context.Context, symbol string) ([]model.OrderbookSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (exchange)
		        exchange, symbol, bucket, best_bid::TEXT, best_ask::TEXT, levels, exchange_ts, fetched_at
		 FROM orderbook_snapshots WHERE symbol = $1
		 ORDER BY exchange, bucket DESC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("get orderbooks %s: %w", symbol, err)
	}
	defer rows.Close()

	var snaps []model.OrderbookSnapshot
	for rows.Next() {
		var snap model.OrderbookSnapshot
		var bidS, askS string
		var levels []byte
		if err := rows.Scan(&snap.Exchange, &snap.Symbol, &snap.Bucket, &bidS, &askS,
			&levels, &snap.ExchangeTS, &snap.FetchedAt); err != nil {
			return nil, err
		}
		snap.BestBid, _ = decimal.NewFromString(bidS)
		snap.BestAsk, _ = decimal.NewFromString(askS)
		if err := json.Unmarshal(levels, &snap.Levels); err != nil {
			return nil, fmt.Errorf("unmarshal levels %s/%s: %w", snap.Exchange, symbol, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) InsertPriceTick(ctx context.Context, tick model.PriceTick) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_ticks (symbol, feed_id, slot, publish_time, price, conf, expo, received_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (symbol, publish_time) DO NOTHING`,
		tick.Symbol, tick.FeedID, tick.Slot, tick.PublishTime,
		tick.Price.String(), tick.Conf.String(), tick.Expo, tick.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert price tick %s: %w", tick.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) GetLatestPrice(ctx context.Context, symbol string) (*model.PriceTick, error) {
	var tick model.PriceTick
	var priceS, confS string

	err := s.pool.QueryRow(ctx,
		`SELECT symbol, feed_id, slot, publish_time, price::TEXT, conf::TEXT, expo, received_at
		 FROM price_ticks WHERE symbol = $1 ORDER BY publish_time DESC LIMIT 1`, symbol).
		Scan(&tick.Symbol, &tick.FeedID, &tick.Slot, &tick.PublishTime,
			&priceS, &confS, &tick.Expo, &tick.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest price %s: %w", symbol, err)
	}

	tick.Price, _ = decimal.NewFromString(priceS)
	tick.Conf, _ = decimal.NewFromString(confS)
	return &tick, nil
}

func (s *PostgresStore) GetCandles(ctx context.Context, symbol string, interval time.Duration, limit int) ([]model.Candle, error) {
	step := int64(interval.Seconds())
	if step <= 0 {
		return nil, fmt.Errorf("invalid candle interval %s", interval)
	}

	// Candles are derived at query time; ticks stay the source of truth.
	rows, err := s.pool.Query(ctx,
		`SELECT bucket, open::TEXT, high::TEXT, low::TEXT, close::TEXT, ticks FROM (
		   SELECT publish_time - publish_time % $2 AS bucket,
		          (ARRAY_AGG(price ORDER BY publish_time ASC))[1]  AS open,
		          MAX(price) AS high,
		          MIN(price) AS low,
		          (ARRAY_AGG(price ORDER BY publish_time DESC))[1] AS close,
		          COUNT(*) AS ticks
		   FROM price_ticks WHERE symbol = $1
		   GROUP BY bucket ORDER BY bucket DESC LIMIT $3
		 ) sub ORDER BY bucket ASC`,
		symbol, step, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var openS, highS, lowS, closeS string
		if err := rows.Scan(&c.Bucket, &openS, &highS, &lowS, &closeS, &c.Ticks); err != nil {
			return nil, err
		}
		c.Open, _ = decimal.NewFromString(openS)
		c.High, _ = decimal.NewFromString(highS)
		c.Low, _ = decimal.NewFromString(lowS)
		c.Close, _ = decimal.NewFromString(closeS)
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, window time.Duration, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner,
		        COALESCE(SUM(price * size), 0)::TEXT AS volume,
		        COUNT(*) AS fills
		 FROM fills WHERE executed_at > NOW() - MAKE_INTERVAL(secs => $1)
		 GROUP BY owner ORDER BY SUM(price * size) DESC LIMIT $2`,
		window.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var volumeS string
		if err := rows.Scan(&e.Owner, &volumeS, &e.Fills); err != nil {
			return nil, err
		}
		e.Volume, _ = decimal.NewFromString(volumeS)
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
