// Package sync reconciles on-chain program accounts into the relational
// projection. Each stream keeps a slot cursor that advances in the same
// transaction as the rows it covers, so restarts resume cleanly and
// re-syncing already-projected slots is a no-op.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/perpdex/syncd/internal/ledger"
	"github.com/perpdex/syncd/internal/metrics"
	"github.com/perpdex/syncd/internal/store"
)

// Stream names. Each has an independent cursor in sync_state.
const (
	StreamPositions = "positions"
	StreamOrders    = "orders"
)

// Publisher delivers post-commit events to realtime subscribers. Events
// fire only after their rows are durable.
type Publisher interface {
	Publish(channel string, payload any)
}

// Engine polls the ledger and projects position and order accounts.
type Engine struct {
	reader   ledger.Reader
	store    store.Store
	pub      Publisher
	log      *slog.Logger
	program  solana.PublicKey
	interval time.Duration

	lastSlot  atomic.Uint64
	connected atomic.Bool
}

// NewEngine builds a sync engine for one program.
func NewEngine(reader ledger.Reader, st store.Store, pub Publisher, log *slog.Logger, program solana.PublicKey, interval time.Duration) *Engine {
	return &Engine{
		reader:   reader,
		store:    st,
		pub:      pub,
		log:      log.With("component", "sync"),
		program:  program,
		interval: interval,
	}
}

// LastSyncedSlot returns the highest slot any stream has committed.
func (e *Engine) LastSyncedSlot() uint64 { return e.lastSlot.Load() }

// Connected reports whether the most recent tick reached the ledger.
func (e *Engine) Connected() bool { return e.connected.Load() }

// Run polls until ctx is cancelled. A failed tick leaves every cursor
// untouched; the next tick retries the same work.
func (e *Engine) Run(ctx context.Context) {
	e.logResumePoints(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) logResumePoints(ctx context.Context) {
	for _, stream := range []string{StreamPositions, StreamOrders} {
		state, err := e.store.GetSyncState(ctx, stream)
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.log.Info("starting stream from scratch", "stream", stream)
		case err != nil:
			e.log.Error("read cursor", "stream", stream, "error", err)
		default:
			e.log.Info("resuming stream", "stream", stream, "slot", state.LastSlot)
			if state.LastSlot > e.lastSlot.Load() {
				e.lastSlot.Store(state.LastSlot)
			}
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	slot, err := e.reader.CurrentSlot(ctx)
	if err != nil {
		e.connected.Store(false)
		metrics.SyncFailuresTotal.WithLabelValues("slot").Inc()
		e.log.Error("fetch current slot", "error", err)
		return
	}
	e.connected.Store(true)

	e.syncStream(ctx, StreamPositions, slot)
	e.syncStream(ctx, StreamOrders, slot)
}

func (e *Engine) syncStream(ctx context.Context, stream string, slot uint64) {
	state, err := e.store.GetSyncState(ctx, stream)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		metrics.SyncFailuresTotal.WithLabelValues(stream).Inc()
		e.log.Error("read cursor", "stream", stream, "error", err)
		return
	}
	if state != nil && slot <= state.LastSlot {
		return // no new ledger state since the last pass
	}

	var events []event
	switch stream {
	case StreamPositions:
		events, err = e.syncPositions(ctx, slot)
	case StreamOrders:
		events, err = e.syncOrders(ctx, slot)
	}
	if err != nil {
		metrics.SyncFailuresTotal.WithLabelValues(stream).Inc()
		e.log.Error("sync pass failed", "stream", stream, "slot", slot, "error", err)
		return
	}

	if slot > e.lastSlot.Load() {
		e.lastSlot.Store(slot)
	}
	metrics.SyncedSlot.WithLabelValues(stream).Set(float64(slot))

	// Rows are durable once the pass returns; only now do events go out.
	for _, ev := range events {
		e.pub.Publish(ev.channel, ev.payload)
	}
}

type event struct {
	channel string
	payload any
}

func (e *Engine) syncPositions(ctx context.Context, slot uint64) ([]event, error) {
	accounts, err := e.reader.ProgramAccounts(ctx, e.program, ledger.PositionDiscriminator)
	if err != nil {
		return nil, err
	}

	var events []event
	err = e.store.WithTx(ctx, func(tx store.SyncTx) error {
		for _, acc := range accounts {
			pos, err := ledger.DecodePosition(acc, slot)
			if err != nil {
				metrics.DecodeSkipsTotal.WithLabelValues(StreamPositions, "position").Inc()
				e.log.Warn("skipping undecodable position account", "address", acc.Address, "error", err)
				continue
			}
			pos.RawJSON = rawJSON(pos)

			change, err := tx.UpsertPosition(ctx, pos)
			if err != nil {
				return err
			}
			metrics.SyncRowsTotal.WithLabelValues(StreamPositions, "position").Inc()
			if change != nil {
				events = append(events, event{channel: "positions", payload: change})
			}
		}
		return tx.SetSyncState(ctx, StreamPositions, slot)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (e *Engine) syncOrders(ctx context.Context, slot uint64) ([]event, error) {
	accounts, err := e.reader.ProgramAccounts(ctx, e.program, ledger.OrderDiscriminator)
	if err != nil {
		return nil, err
	}

	var events []event
	err = e.store.WithTx(ctx, func(tx store.SyncTx) error {
		for _, acc := range accounts {
			order, err := ledger.DecodeOrder(acc, slot)
			if err != nil {
				metrics.DecodeSkipsTotal.WithLabelValues(StreamOrders, "order").Inc()
				e.log.Warn("skipping undecodable order account", "address", acc.Address, "error", err)
				continue
			}
			order.RawJSON = rawJSON(order)

			changed, fill, err := tx.UpsertOrder(ctx, order)
			if err != nil {
				return err
			}
			metrics.SyncRowsTotal.WithLabelValues(StreamOrders, "order").Inc()
			if changed {
				events = append(events, event{channel: "orders", payload: order})
			}
			if fill != nil {
				metrics.SyncRowsTotal.WithLabelValues(StreamOrders, "fill").Inc()
				events = append(events, event{channel: "fills", payload: fill})
				// Trading agents follow executions on their own channel.
				events = append(events, event{channel: "agent.signals", payload: fill})
			}
		}
		return tx.SetSyncState(ctx, StreamOrders, slot)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func rawJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
