package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx SyncTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxSyncTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncState(ctx context.Context, stream string) (*model.SyncState, error) {
	var state model.SyncState
	err := s.pool.QueryRow(ctx,
		`SELECT stream, last_slot, updated_at FROM sync_state WHERE stream = $1`, stream).
		Scan(&state.Stream, &state.LastSlot, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state %s: %w", stream, err)
	}
	return &state, nil
}

// pgxSyncTx applies projector writes inside one transaction.
type pgxSyncTx struct {
	tx pgx.Tx
}

func (t *pgxSyncTx) UpsertPosition(ctx context.Context, pos model.Position) (*model.PositionChange, error) {
	var prevSizeS, prevEntryS string
	err := t.tx.QueryRow(ctx,
		`SELECT size::TEXT, entry_price::TEXT FROM positions WHERE address = $1`, pos.Address).
		Scan(&prevSizeS, &prevEntryS)

	var change *model.PositionChange
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// first sighting, no snapshot
	case err != nil:
		return nil, fmt.Errorf("read position %s: %w", pos.Address, err)
	default:
		prevSize, _ := decimal.NewFromString(prevSizeS)
		prevEntry, _ := decimal.NewFromString(prevEntryS)
		if !prevSize.Equal(pos.Size) || !prevEntry.Equal(pos.EntryPrice) {
			change = &model.PositionChange{
				PositionAddress: pos.Address,
				Owner:           pos.Owner,
				MarketID:        pos.MarketID,
				PrevSize:        prevSize,
				PrevEntryPrice:  prevEntry,
				NextSize:        pos.Size,
				NextEntryPrice:  pos.EntryPrice,
				Slot:            pos.Slot,
				RecordedAt:      time.Now().UTC(),
			}
			if _, err := t.tx.Exec(ctx,
				`INSERT INTO position_history (position_address, owner, market_id, prev_size, prev_entry_price, next_size, next_entry_price, slot, recorded_at)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
				change.PositionAddress, change.Owner, change.MarketID,
				change.PrevSize.String(), change.PrevEntryPrice.String(),
				change.NextSize.String(), change.NextEntryPrice.String(),
				change.Slot, change.RecordedAt,
			); err != nil {
				return nil, fmt.Errorf("append position history %s: %w", pos.Address, err)
			}
		}
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO positions (address, owner, margin_account, market_id, size, entry_price, margin, raw_json, slot, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, NOW())
		 ON CONFLICT (address) DO UPDATE SET
		   size = EXCLUDED.size, entry_price = EXCLUDED.entry_price,
		   margin = EXCLUDED.margin, raw_json = EXCLUDED.raw_json,
		   slot = EXCLUDED.slot, updated_at = NOW()`,
		pos.Address, pos.Owner, pos.MarginAccount, pos.MarketID,
		pos.Size.String(), pos.EntryPrice.String(), pos.Margin.String(),
		pos.RawJSON, pos.Slot,
	); err != nil {
		return nil, fmt.Errorf("upsert position %s: %w", pos.Address, err)
	}
	return change, nil
}

func (t *pgxSyncTx) UpsertOrder(ctx context.Context, order model.Order) (bool, *model.Fill, error) {
	var prevStatus uint8
	var prevSizeS string
	hasPrev := true
	err := t.tx.QueryRow(ctx,
		`SELECT status, size::TEXT FROM orders WHERE address = $1`, order.Address).
		Scan(&prevStatus, &prevSizeS)
	if errors.Is(err, pgx.ErrNoRows) {
		hasPrev = false
	} else if err != nil {
		return false, nil, fmt.Errorf("read order %s: %w", order.Address, err)
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO orders (address, owner, margin_account, market_id, nonce, side, order_type, status, size, limit_price, reduce_only, created_at, expires_at, raw_json, slot, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15, NOW())
		 ON CONFLICT (address) DO UPDATE SET
		   status = EXCLUDED.status, size = EXCLUDED.size,
		   limit_price = EXCLUDED.limit_price, raw_json = EXCLUDED.raw_json,
		   slot = EXCLUDED.slot, updated_at = NOW()`,
		order.Address, order.Owner, order.MarginAccount, order.MarketID,
		order.Nonce, uint8(order.Side), uint8(order.Type), uint8(order.Status),
		order.Size.String(), order.LimitPrice.String(), order.ReduceOnly,
		order.CreatedAt, order.ExpiresAt, order.RawJSON, order.Slot,
	); err != nil {
		return false, nil, fmt.Errorf("upsert order %s: %w", order.Address, err)
	}

	changed := !hasPrev
	if hasPrev {
		prevSize, _ := decimal.NewFromString(prevSizeS)
		changed = prevStatus != uint8(order.Status) || !prevSize.Equal(order.Size)
	}

	if !hasPrev || prevStatus != uint8(model.OrderStatusOpen) || order.Status != model.OrderStatusExecuted {
		return changed, nil, nil
	}

	// The program writes the achieved price into the order's price field
	// when it executes, so the projected limit_price is the fill price.
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
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO fills (order_address, owner, market_id, side, price, size, fee, executed_slot, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (order_address) DO NOTHING`,
		fill.OrderAddress, fill.Owner, fill.MarketID, uint8(fill.Side),
		fill.Price.String(), fill.Size.String(), fill.Fee.String(),
		fill.ExecutedSlot, fill.ExecutedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("append fill %s: %w", order.Address, err)
	}
	if tag.RowsAffected() == 0 {
		return changed, nil, nil // fill already recorded on an earlier pass
	}
	return changed, fill, nil
}

func (t *pgxSyncTx) SetSyncState(ctx context.Context, stream string, slot uint64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sync_state (stream, last_slot, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (stream) DO UPDATE SET last_slot = EXCLUDED.last_slot, updated_at = NOW()`,
		stream, slot,
	)
	if err != nil {
		return fmt.Errorf("set sync state %s: %w", stream, err)
	}
	return nil
}

const positionColumns = `address, owner, margin_account, market_id, size::TEXT, entry_price::TEXT, margin::TEXT, slot, updated_at`

func (s *PostgresStore) GetPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner = $1 ORDER BY market_id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var sizeS, entryS, marginS string
		if err := rows.Scan(&p.Address, &p.Owner, &p.MarginAccount, &p.MarketID,
			&sizeS, &entryS, &marginS, &p.Slot, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Size, _ = decimal.NewFromString(sizeS)
		p.EntryPrice, _ = decimal.NewFromString(entryS)
		p.Margin, _ = decimal.NewFromString(marginS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

const orderColumns = `address, owner, margin_account, market_id, nonce, side, order_type, status, size::TEXT, limit_price::TEXT, reduce_only, created_at, expires_at, slot, updated_at`

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, orderType, status uint8
		var sizeS, limitS string
		if err := rows.Scan(&o.Address, &o.Owner, &o.MarginAccount, &o.MarketID, &o.Nonce,
			&side, &orderType, &status, &sizeS, &limitS, &o.ReduceOnly,
			&o.CreatedAt, &o.ExpiresAt, &o.Slot, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Type = model.OrderType(orderType)
		o.Status = model.OrderStatus(status)
		o.Size, _ = decimal.NewFromString(sizeS)
		o.LimitPrice, _ = decimal.NewFromString(limitS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetOrdersByOwner(ctx context.Context, owner, status string, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE owner = $1`
	args := []any{owner}
	if status != "" {
		code, err := statusCode(status)
		if err != nil {
			return nil, err
		}
		query += ` AND status = $2`
		args = append(args, code)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) GetOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY margin_account, nonce`,
		uint8(model.OrderStatusOpen))
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) GetFillsByOwner(ctx context.Context, owner string, limit int) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_address, owner, market_id, side, price::TEXT, size::TEXT, fee::TEXT, executed_slot, executed_at
		 FROM fills WHERE owner = $1 ORDER BY executed_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var side uint8
		var priceS, sizeS, feeS string
		if err := rows.Scan(&f.OrderAddress, &f.Owner, &f.MarketID, &side,
			&priceS, &sizeS, &feeS, &f.ExecutedSlot, &f.ExecutedAt); err != nil {
			return nil, err
		}
		f.Side = model.Side(side)
		f.Price, _ = decimal.NewFromString(priceS)
		f.Size, _ = decimal.NewFromString(sizeS)
		f.Fee, _ = decimal.NewFromString(feeS)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) GetPositionHistory(ctx context.Context, owner string, limit int) ([]model.PositionChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_address, owner, market_id, prev_size::TEXT, prev_entry_price::TEXT, next_size::TEXT, next_entry_price::TEXT, slot, recorded_at
		 FROM position_history WHERE owner = $1 ORDER BY recorded_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.PositionChange
	for rows.Next() {
		var c model.PositionChange
		var prevSizeS, prevEntryS, nextSizeS, nextEntryS string
		if err := rows.Scan(&c.PositionAddress, &c.Owner, &c.MarketID,
			&prevSizeS, &prevEntryS, &nextSizeS, &nextEntryS,
			&c.Slot, &c.RecordedAt); err != nil {
			return nil, err
		}
		c.PrevSize, _ = decimal.NewFromString(prevSizeS)
		c.PrevEntryPrice, _ = decimal.NewFromString(prevEntryS)
		c.NextSize, _ = decimal.NewFromString(nextSizeS)
		c.NextEntryPrice, _ = decimal.NewFromString(nextEntryS)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func statusCode(status string) (uint8, error) {
	for code := model.OrderStatusOpen; code <= model.OrderStatusExpired; code++ {
		if code.String() == status {
			return uint8(code), nil
		}
	}
	return 0, fmt.Errorf("invalid order status %q", status)
}
