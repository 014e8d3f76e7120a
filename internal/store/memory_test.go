package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openOrder(address string, nonce uint64) model.Order {
	return model.Order{
		Address:       address,
		Owner:         "owner-1",
		MarginAccount: "margin-1",
		MarketID:      1,
		Nonce:         nonce,
		Side:          model.SideBuy,
		Type:          model.OrderTypeLimit,
		Status:        model.OrderStatusOpen,
		Size:          d("2"),
		LimitPrice:    d("50000"),
		CreatedAt:     1700000000,
		Slot:          100,
	}
}

func TestFillDerivedOnceOnExecutedTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.WithTx(ctx, func(tx SyncTx) error {
		changed, fill, err := tx.UpsertOrder(ctx, openOrder("ord-1", 1))
		if err != nil {
			return err
		}
		if !changed {
			t.Error("new order row must report changed")
		}
		if fill != nil {
			t.Error("open order must not derive a fill")
		}
		return tx.SetSyncState(ctx, "orders", 100)
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	executed := openOrder("ord-1", 1)
	executed.Status = model.OrderStatusExecuted
	executed.LimitPrice = d("49950") // achieved price written by the program
	executed.Slot = 110

	if err := s.WithTx(ctx, func(tx SyncTx) error {
		changed, fill, err := tx.UpsertOrder(ctx, executed)
		if err != nil {
			return err
		}
		if !changed {
			t.Error("status transition must report changed")
		}
		if fill == nil {
			t.Fatal("open to executed transition must derive a fill")
		}
		if !fill.Price.Equal(d("49950")) || !fill.Size.Equal(d("2")) {
			t.Errorf("fill = %s @ %s, want 2 @ 49950", fill.Size, fill.Price)
		}
		return tx.SetSyncState(ctx, "orders", 110)
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	// Replaying the executed row is idempotent.
	if err := s.WithTx(ctx, func(tx SyncTx) error {
		changed, fill, err := tx.UpsertOrder(ctx, executed)
		if err != nil {
			return err
		}
		if changed {
			t.Error("replayed identical row must not report changed")
		}
		if fill != nil {
			t.Error("replayed executed row must not derive a second fill")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	fills, err := s.GetFillsByOwner(ctx, "owner-1", 10)
	if err != nil {
		t.Fatalf("GetFillsByOwner: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
}

func TestNoFillWithoutObservedOpenState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// First sighting is already executed (sync was down during the open
	// window). No fill can be derived without the prior open row.
	executed := openOrder("ord-2", 2)
	executed.Status = model.OrderStatusExecuted

	if err := s.WithTx(ctx, func(tx SyncTx) error {
		_, fill, err := tx.UpsertOrder(ctx, executed)
		if err != nil {
			return err
		}
		if fill != nil {
			t.Error("executed row with no prior open row must not derive a fill")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestPositionHistorySnapshotsMutations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	pos := model.Position{
		Address: "pos-1", Owner: "owner-1", MarginAccount: "margin-1",
		MarketID: 1, Size: d("1"), EntryPrice: d("50000"), Margin: d("500"), Slot: 100,
	}

	if err := s.WithTx(ctx, func(tx SyncTx) error {
		change, err := tx.UpsertPosition(ctx, pos)
		if err != nil {
			return err
		}
		if change != nil {
			t.Error("first sighting must not record history")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	// Unchanged re-sync records nothing.
	if err := s.WithTx(ctx, func(tx SyncTx) error {
		change, err := tx.UpsertPosition(ctx, pos)
		if err != nil {
			return err
		}
		if change != nil {
			t.Error("unchanged position must not record history")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	grown := pos
	grown.Size = d("3")
	grown.EntryPrice = d("50100")
	grown.Slot = 120

	if err := s.WithTx(ctx, func(tx SyncTx) error {
		change, err := tx.UpsertPosition(ctx, grown)
		if err != nil {
			return err
		}
		if change == nil {
			t.Fatal("size change must record a snapshot")
		}
		if !change.PrevSize.Equal(d("1")) || !change.NextSize.Equal(d("3")) {
			t.Errorf("snapshot %s -> %s, want 1 -> 3", change.PrevSize, change.NextSize)
		}
		if !change.Delta().Equal(d("2")) {
			t.Errorf("delta = %s, want 2", change.Delta())
		}
		return nil
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	history, err := s.GetPositionHistory(ctx, "owner-1", 10)
	if err != nil {
		t.Fatalf("GetPositionHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(history))
	}
}

func TestTxRollbackLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx SyncTx) error {
		if _, _, err := tx.UpsertOrder(ctx, openOrder("ord-3", 3)); err != nil {
			return err
		}
		if err := tx.SetSyncState(ctx, "orders", 200); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	if _, err := s.GetSyncState(ctx, "orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cursor visible after rollback: %v", err)
	}
	orders, err := s.GetOrdersByOwner(ctx, "owner-1", "", 10)
	if err != nil {
		t.Fatalf("GetOrdersByOwner: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("got %d orders after rollback, want 0", len(orders))
	}
}

func TestCursorAdvancesWithRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.WithTx(ctx, func(tx SyncTx) error {
		if _, _, err := tx.UpsertOrder(ctx, openOrder("ord-4", 4)); err != nil {
			return err
		}
		return tx.SetSyncState(ctx, "orders", 300)
	}); err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	state, err := s.GetSyncState(ctx, "orders")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.LastSlot != 300 {
		t.Errorf("cursor = %d, want 300", state.LastSlot)
	}
}

func TestCandlesAggregateTicks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, tick := range []struct {
		pt    int64
		price string
	}{
		{59, "100"}, {61, "105"}, {90, "95"}, {119, "102"}, {120, "110"},
	} {
		if err := s.InsertPriceTick(ctx, model.PriceTick{
			Symbol: "BTCUSDT", PublishTime: tick.pt, Price: d(tick.price),
			ReceivedAt: time.Now(),
		}); err != nil {
			t.Fatalf("InsertPriceTick: %v", err)
		}
	}

	candles, err := s.GetCandles(ctx, "BTCUSDT", time.Minute, 10)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("got %d candles, want 3", len(candles))
	}

	mid := candles[1] // bucket 60, ticks at 61, 90, 119
	if mid.Bucket != 60 || mid.Ticks != 3 {
		t.Fatalf("mid candle bucket/ticks = %d/%d, want 60/3", mid.Bucket, mid.Ticks)
	}
	if !mid.Open.Equal(d("105")) || !mid.High.Equal(d("105")) ||
		!mid.Low.Equal(d("95")) || !mid.Close.Equal(d("102")) {
		t.Errorf("mid candle OHLC = %s/%s/%s/%s", mid.Open, mid.High, mid.Low, mid.Close)
	}
}
