package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/config"
	"github.com/perpdex/syncd/internal/model"
	"github.com/perpdex/syncd/internal/store"
)

type capturePublisher struct {
	channels []string
}

func (p *capturePublisher) Publish(channel string, payload any) {
	p.channels = append(p.channels, channel)
}

func TestBucketFor(t *testing.T) {
	cases := []struct {
		unix     int64
		interval time.Duration
		want     int64
	}{
		{119, time.Minute, 60},
		{120, time.Minute, 120},
		{121, time.Minute, 120},
		{0, time.Minute, 0},
		{3725, 5 * time.Minute, 3600},
	}
	for _, tc := range cases {
		if got := BucketFor(tc.unix, tc.interval); got != tc.want {
			t.Errorf("BucketFor(%d, %s) = %d, want %d", tc.unix, tc.interval, got, tc.want)
		}
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	floor := time.Second
	backoff := floor
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		backoff = nextBackoff(backoff, floor)
		seen = append(seen, backoff)
	}
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestLevelsFromPairsDropsBadRows(t *testing.T) {
	rows := [][]string{
		{"50000.5", "1.2"},
		{"not-a-price", "1"},
		{"49999", "0"}, // zero quantity dropped
		{"49998"},      // short row dropped
		{"49997", "3"},
		{"49996", "4"}, // beyond depth
	}
	levels := levelsFromPairs("bid", rows, 2)
	if len(levels) != 2 {
		t.Fatalf("got %d levels, want 2", len(levels))
	}
	if !levels[0].Price.Equal(decimal.RequireFromString("50000.5")) {
		t.Errorf("first level price = %s", levels[0].Price)
	}
	if levels[1].Side != "bid" || !levels[1].Price.Equal(decimal.RequireFromString("49997")) {
		t.Errorf("second level = %+v", levels[1])
	}
}

func TestScaledDecimal(t *testing.T) {
	got, err := scaledDecimal("6523450000000", -8)
	if err != nil {
		t.Fatalf("scaledDecimal: %v", err)
	}
	if want := decimal.RequireFromString("65234.5"); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	if _, err := scaledDecimal("", -8); err == nil {
		t.Error("empty value must error")
	}
	if _, err := scaledDecimal("abc", 0); err == nil {
		t.Error("non-numeric value must error")
	}
}

func TestLastPriceFreshness(t *testing.T) {
	last := NewLastPrice()
	if _, ok := last.Fresh("BTCUSDT", time.Minute); ok {
		t.Error("empty cache must not report fresh")
	}

	last.Set(model.PriceTick{
		Symbol: "BTCUSDT", Price: decimal.RequireFromString("65000"),
		ReceivedAt: time.Now(),
	})
	if _, ok := last.Fresh("BTCUSDT", time.Minute); !ok {
		t.Error("recent tick must be fresh")
	}

	last.Set(model.PriceTick{
		Symbol: "BTCUSDT", Price: decimal.RequireFromString("65000"),
		ReceivedAt: time.Now().Add(-2 * time.Minute),
	})
	if _, ok := last.Fresh("BTCUSDT", time.Minute); ok {
		t.Error("aged tick must not be fresh")
	}
	if _, ok := last.Get("BTCUSDT"); !ok {
		t.Error("Get must still return the aged tick")
	}
}

func testStream(st store.Store, last *LastPrice, pub Publisher) *OracleStream {
	cfg := &config.Config{}
	cfg.Oracle.StreamURL = "https://hermes.example/v2/updates/price/stream"
	cfg.Oracle.FeedID = "0xFEED"
	cfg.Oracle.Symbol = "BTCUSDT"
	cfg.Oracle.ReconnectInterval = config.Duration(time.Second)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOracleStream(cfg, st, last, pub, log)
}

func TestOracleMonotonicityGuard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	last := NewLastPrice()
	pub := &capturePublisher{}
	stream := testStream(st, last, pub)

	event := func(price string, publishTime int64) string {
		return `{"parsed":[{"id":"0xfeed","price":{"price":"` + price +
			`","conf":"100000000","expo":-8,"publish_time":` +
			strconv.FormatInt(publishTime, 10) +
			`},"metadata":{"slot":42}}]}`
	}

	stream.handleEvent(ctx, event("6500000000000", 100))
	stream.handleEvent(ctx, event("6501000000000", 100)) // same publish time, discarded
	stream.handleEvent(ctx, event("6502000000000", 99))  // regression, discarded
	stream.handleEvent(ctx, event("6503000000000", 101))

	tick, err := st.GetLatestPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetLatestPrice: %v", err)
	}
	if tick.PublishTime != 101 {
		t.Errorf("latest publish time = %d, want 101", tick.PublishTime)
	}
	if !tick.Price.Equal(decimal.RequireFromString("65030")) {
		t.Errorf("latest price = %s, want 65030", tick.Price)
	}
	if len(pub.channels) != 2 {
		t.Errorf("published %d price events, want 2", len(pub.channels))
	}

	cached, ok := last.Get("BTCUSDT")
	if !ok || cached.PublishTime != 101 {
		t.Errorf("last price cache = %+v, want publish time 101", cached)
	}
}

func TestOracleIgnoresOtherFeedsAndGarbage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	last := NewLastPrice()
	pub := &capturePublisher{}
	stream := testStream(st, last, pub)

	stream.handleEvent(ctx, `[DONE]`)
	stream.handleEvent(ctx, `{not json`)
	stream.handleEvent(ctx, `{"parsed":[{"id":"0xother","price":{"price":"1","conf":"0","expo":0,"publish_time":50},"metadata":{"slot":1}}]}`)
	stream.handleEvent(ctx, `{"parsed":[{"id":"0xfeed","price":{"price":"-5","conf":"0","expo":0,"publish_time":60},"metadata":{"slot":1}}]}`)
	stream.handleEvent(ctx, `{"parsed":[{"id":"0xfeed","price":{"price":"100","conf":"0","expo":0,"publish_time":0},"metadata":{"slot":1}}]}`)

	if _, err := st.GetLatestPrice(ctx, "BTCUSDT"); err == nil {
		t.Error("no tick should have been stored")
	}
	if len(pub.channels) != 0 {
		t.Errorf("published %d events, want 0", len(pub.channels))
	}
}

type fakeProvider struct {
	name string
	errs []error // consumed one per call; nil and exhausted entries succeed
	bid  decimal.Decimal
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchOrderbook(ctx context.Context, symbol string, depth int) ([]model.OrderbookLevel, []model.OrderbookLevel, int64, error) {
	var err error
	if len(p.errs) > 0 {
		err = p.errs[0]
		p.errs = p.errs[1:]
	}
	if err != nil {
		return nil, nil, 0, err
	}
	one := decimal.NewFromInt(1)
	bids := []model.OrderbookLevel{{Side: "bid", Price: p.bid, Quantity: one}}
	asks := []model.OrderbookLevel{{Side: "ask", Price: p.bid.Add(one), Quantity: one}}
	return bids, asks, time.Now().UnixMilli(), nil
}

func TestCollectorIsolatesFailingExchange(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pub := &capturePublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	binance := &fakeProvider{
		name: "binance",
		errs: []error{errors.New("fetch binance depth: status=502")},
		bid:  decimal.RequireFromString("64990"),
	}
	okx := &fakeProvider{name: "okx", bid: decimal.RequireFromString("65010")}

	targets := []config.OrderbookTarget{
		{Exchange: "binance", Symbol: "BTCUSDT"},
		{Exchange: "okx", Symbol: "BTCUSDT"},
	}
	c := &Collector{
		targets:        targets,
		depth:          5,
		refresh:        time.Second,
		bucketInterval: time.Minute,
		providers:      map[string]Provider{"binance": binance, "okx": okx},
		store:          st,
		pub:            pub,
		log:            log,
	}

	// Same cycle: binance fails, okx still lands its snapshot.
	if err := c.refreshTarget(ctx, targets[0], binance); err == nil {
		t.Fatal("binance refresh should fail")
	}
	if err := c.refreshTarget(ctx, targets[1], okx); err != nil {
		t.Fatalf("okx refresh: %v", err)
	}

	if _, err := st.GetLatestOrderbook(ctx, "binance", "BTCUSDT"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("binance snapshot should be absent, got %v", err)
	}
	snap, err := st.GetLatestOrderbook(ctx, "okx", "BTCUSDT")
	if err != nil {
		t.Fatalf("GetLatestOrderbook okx: %v", err)
	}
	if !snap.BestBid.Equal(okx.bid) {
		t.Errorf("okx best bid = %s, want %s", snap.BestBid, okx.bid)
	}

	// Next cycle: binance recovers on its own.
	if err := c.refreshTarget(ctx, targets[0], binance); err != nil {
		t.Fatalf("recovered binance refresh: %v", err)
	}
	if _, err := st.GetLatestOrderbook(ctx, "binance", "BTCUSDT"); err != nil {
		t.Errorf("binance snapshot after recovery: %v", err)
	}
}

func TestOracleResumesAfterStoredTick(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	last := NewLastPrice()
	pub := &capturePublisher{}
	stream := testStream(st, last, pub)

	if err := st.InsertPriceTick(ctx, model.PriceTick{
		Symbol: "BTCUSDT", FeedID: "0xfeed", PublishTime: 100,
		Price: decimal.RequireFromString("65000"), Conf: decimal.Zero,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertPriceTick: %v", err)
	}

	stream.seedResumePoint(ctx)

	event := func(price string, publishTime int64) string {
		return `{"parsed":[{"id":"0xfeed","price":{"price":"` + price +
			`","conf":"100000000","expo":-8,"publish_time":` +
			strconv.FormatInt(publishTime, 10) +
			`},"metadata":{"slot":42}}]}`
	}

	// The oracle replays the pre-restart tick on reconnect.
	stream.handleEvent(ctx, event("6500000000000", 100))
	if len(pub.channels) != 0 {
		t.Fatalf("published %d events for a replayed tick, want 0", len(pub.channels))
	}

	stream.handleEvent(ctx, event("6501000000000", 101))
	if len(pub.channels) != 1 {
		t.Errorf("published %d events, want 1", len(pub.channels))
	}
	tick, err := st.GetLatestPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetLatestPrice: %v", err)
	}
	if tick.PublishTime != 101 {
		t.Errorf("latest publish time = %d, want 101", tick.PublishTime)
	}
}

func TestCollectorBucketsSnapshotUpserts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	now := time.Now().UTC()
	bucket := BucketFor(now.Unix(), time.Minute)

	first := model.OrderbookSnapshot{
		Exchange: "binance", Symbol: "BTCUSDT", Bucket: bucket,
		BestBid: decimal.RequireFromString("64999"), FetchedAt: now,
	}
	second := first
	second.BestBid = decimal.RequireFromString("65001")

	if err := st.UpsertOrderbookSnapshot(ctx, first); err != nil {
		t.Fatalf("UpsertOrderbookSnapshot: %v", err)
	}
	if err := st.UpsertOrderbookSnapshot(ctx, second); err != nil {
		t.Fatalf("UpsertOrderbookSnapshot: %v", err)
	}

	latest, err := st.GetLatestOrderbook(ctx, "binance", "BTCUSDT")
	if err != nil {
		t.Fatalf("GetLatestOrderbook: %v", err)
	}
	if !latest.BestBid.Equal(second.BestBid) {
		t.Errorf("bucket not replaced: best bid = %s, want %s", latest.BestBid, second.BestBid)
	}
}
