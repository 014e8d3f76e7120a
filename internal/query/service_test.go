package query

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
	"github.com/perpdex/syncd/internal/store"
)

type staticSync struct {
	slot      uint64
	connected bool
}

func (s staticSync) LastSyncedSlot() uint64 { return s.slot }
func (s staticSync) Connected() bool        { return s.connected }

type staticOracle struct{ connected bool }

func (o staticOracle) Connected() bool { return o.connected }

type staticHub struct{ clients int }

func (h staticHub) ClientCount() int { return h.clients }

func testServer(t *testing.T, st store.Store) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := NewService(st, staticSync{slot: 1234, connected: true}, staticOracle{connected: true}, staticHub{clients: 3}, log)

	r := chi.NewRouter()
	r.Route("/api/v1", service.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func seedFill(t *testing.T, st store.Store, owner string, price, size string) {
	t.Helper()
	ctx := context.Background()
	open := model.Order{
		Address: "ord-" + owner, Owner: owner, MarginAccount: "m-" + owner,
		MarketID: 1, Nonce: 1, Status: model.OrderStatusOpen,
		Size: decimal.RequireFromString(size), LimitPrice: decimal.RequireFromString(price),
		CreatedAt: time.Now().Unix(),
	}
	executed := open
	executed.Status = model.OrderStatusExecuted

	if err := st.WithTx(ctx, func(tx store.SyncTx) error {
		_, _, err := tx.UpsertOrder(ctx, open)
		return err
	}); err != nil {
		t.Fatalf("seed open: %v", err)
	}
	if err := st.WithTx(ctx, func(tx store.SyncTx) error {
		_, _, err := tx.UpsertOrder(ctx, executed)
		return err
	}); err != nil {
		t.Fatalf("seed executed: %v", err)
	}
}

func TestGetPositionsEmptyIsArray(t *testing.T) {
	srv := testServer(t, store.NewMemoryStore())

	resp, err := http.Get(srv.URL + "/api/v1/positions/nobody")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "[]\n" {
		t.Errorf("empty positions = %q, want []", body)
	}
}

func TestGetOrdersRejectsInvalidStatus(t *testing.T) {
	srv := testServer(t, store.NewMemoryStore())

	if code := get(t, srv, "/api/v1/orders/anyone?status=bogus", nil); code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", code)
	}
	if code := get(t, srv, "/api/v1/orders/anyone?status=open", nil); code != http.StatusOK {
		t.Errorf("status code = %d, want 200", code)
	}
}

func TestGetLatestPrice(t *testing.T) {
	st := store.NewMemoryStore()
	srv := testServer(t, st)

	if code := get(t, srv, "/api/v1/price/BTCUSDT", nil); code != http.StatusNotFound {
		t.Errorf("missing price status = %d, want 404", code)
	}

	if err := st.InsertPriceTick(context.Background(), model.PriceTick{
		Symbol: "BTCUSDT", PublishTime: 100,
		Price: decimal.RequireFromString("65000"), ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed tick: %v", err)
	}

	var tick model.PriceTick
	if code := get(t, srv, "/api/v1/price/BTCUSDT", &tick); code != http.StatusOK {
		t.Fatalf("price status = %d, want 200", code)
	}
	if !tick.Price.Equal(decimal.RequireFromString("65000")) {
		t.Errorf("price = %s, want 65000", tick.Price)
	}
}

func TestGetFillsAndLeaderboard(t *testing.T) {
	st := store.NewMemoryStore()
	srv := testServer(t, st)

	seedFill(t, st, "alice", "50000", "2")
	seedFill(t, st, "bob", "50000", "1")

	var fills []model.Fill
	if code := get(t, srv, "/api/v1/fills/alice", &fills); code != http.StatusOK {
		t.Fatalf("fills status = %d", code)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}

	var entries []model.LeaderboardEntry
	if code := get(t, srv, "/api/v1/leaderboard?window=1h", &entries); code != http.StatusOK {
		t.Fatalf("leaderboard status = %d", code)
	}
	if len(entries) != 2 || entries[0].Owner != "alice" || entries[0].Rank != 1 {
		t.Errorf("leaderboard = %+v, want alice first", entries)
	}
}

func TestGetStatus(t *testing.T) {
	srv := testServer(t, store.NewMemoryStore())

	var status model.SystemStatus
	if code := get(t, srv, "/api/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if !status.LedgerConnected || status.LastSyncedSlot != 1234 {
		t.Errorf("ledger status = %+v", status)
	}
	if !status.OracleConnected || status.HubClients != 3 {
		t.Errorf("oracle/hub status = %+v", status)
	}
}

func TestGetAggregatedOrderbook(t *testing.T) {
	st := store.NewMemoryStore()
	srv := testServer(t, st)

	if code := get(t, srv, "/api/v1/orderbook/aggregated/BTCUSDT", nil); code != http.StatusNotFound {
		t.Errorf("missing symbol status = %d, want 404", code)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	snaps := []model.OrderbookSnapshot{
		{
			Exchange: "binance", Symbol: "BTCUSDT", Bucket: 60,
			BestBid: decimal.RequireFromString("64998"),
			BestAsk: decimal.RequireFromString("65002"),
			Levels: []model.OrderbookLevel{
				{Side: "bid", Price: decimal.RequireFromString("64998"), Quantity: decimal.NewFromInt(1)},
				{Side: "ask", Price: decimal.RequireFromString("65002"), Quantity: decimal.NewFromInt(1)},
			},
			FetchedAt: now.Add(-time.Minute),
		},
		{
			Exchange: "okx", Symbol: "BTCUSDT", Bucket: 120,
			BestBid: decimal.RequireFromString("64999"),
			BestAsk: decimal.RequireFromString("65001"),
			Levels: []model.OrderbookLevel{
				{Side: "bid", Price: decimal.RequireFromString("64999"), Quantity: decimal.NewFromInt(2)},
				{Side: "ask", Price: decimal.RequireFromString("65001"), Quantity: decimal.NewFromInt(2)},
			},
			FetchedAt: now,
		},
	}
	for _, snap := range snaps {
		if err := st.UpsertOrderbookSnapshot(ctx, snap); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
	}

	var agg model.AggregatedOrderbook
	if code := get(t, srv, "/api/v1/orderbook/aggregated/BTCUSDT", &agg); code != http.StatusOK {
		t.Fatalf("aggregated status = %d, want 200", code)
	}
	if !agg.BestBid.Equal(decimal.RequireFromString("64999")) {
		t.Errorf("best bid = %s, want highest across exchanges 64999", agg.BestBid)
	}
	if !agg.BestAsk.Equal(decimal.RequireFromString("65001")) {
		t.Errorf("best ask = %s, want lowest across exchanges 65001", agg.BestAsk)
	}
	if len(agg.Exchanges) != 2 || agg.Exchanges[0] != "binance" || agg.Exchanges[1] != "okx" {
		t.Errorf("exchanges = %v, want [binance okx]", agg.Exchanges)
	}
	if len(agg.Levels) != 4 {
		t.Fatalf("got %d levels, want 4", len(agg.Levels))
	}
	if agg.Levels[0].Side != "bid" || !agg.Levels[0].Price.Equal(decimal.RequireFromString("64999")) {
		t.Errorf("first level = %+v, want highest bid", agg.Levels[0])
	}
	if agg.Levels[2].Side != "ask" || !agg.Levels[2].Price.Equal(decimal.RequireFromString("65001")) {
		t.Errorf("first ask level = %+v, want lowest ask", agg.Levels[2])
	}
	if !agg.AsOf.Equal(now) {
		t.Errorf("as_of = %s, want newest fetch %s", agg.AsOf, now)
	}
}

func TestGetCandlesValidatesInterval(t *testing.T) {
	srv := testServer(t, store.NewMemoryStore())

	if code := get(t, srv, "/api/v1/candles/BTCUSDT?interval=nope", nil); code != http.StatusBadRequest {
		t.Errorf("bad interval status = %d, want 400", code)
	}
	if code := get(t, srv, "/api/v1/candles/BTCUSDT?interval=300", nil); code != http.StatusOK {
		t.Errorf("valid interval status = %d, want 200", code)
	}
}
