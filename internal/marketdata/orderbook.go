package marketdata

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/perpdex/syncd/internal/config"
	"github.com/perpdex/syncd/internal/metrics"
	"github.com/perpdex/syncd/internal/model"
	"github.com/perpdex/syncd/internal/store"
)

// maxRefreshBackoff caps the doubling backoff after repeated failures on
// one target. Targets back off independently.
const maxRefreshBackoff = 30 * time.Second

// Publisher mirrors the hub's publish surface.
type Publisher interface {
	Publish(channel string, payload any)
}

// Collector polls configured exchange targets and persists depth into
// minute-aligned buckets. A failing exchange never stalls the others.
type Collector struct {
	targets        []config.OrderbookTarget
	depth          int
	refresh        time.Duration
	bucketInterval time.Duration
	providers      map[string]Provider
	store          store.Store
	pub            Publisher
	log            *slog.Logger
}

// NewCollector builds the collector. Unsupported exchanges in targets
// are skipped with a warning when Run starts.
func NewCollector(cfg *config.Config, st store.Store, pub Publisher, log *slog.Logger) *Collector {
	client := &http.Client{Timeout: cfg.Orderbook.RequestTimeout.Std()}
	return &Collector{
		targets:        cfg.Orderbook.Targets,
		depth:          cfg.Orderbook.Depth,
		refresh:        cfg.Orderbook.RefreshInterval.Std(),
		bucketInterval: cfg.Orderbook.BucketInterval.Std(),
		providers:      Providers(client),
		store:          st,
		pub:            pub,
		log:            log.With("component", "orderbook"),
	}
}

// Run starts one polling loop per target and blocks until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	for _, target := range c.targets {
		provider, ok := c.providers[strings.ToLower(target.Exchange)]
		if !ok {
			c.log.Warn("skipping unsupported exchange",
				"exchange", target.Exchange, "symbol", target.Symbol)
			continue
		}
		go c.pollTarget(ctx, target, provider)
	}
	<-ctx.Done()
}

func (c *Collector) pollTarget(ctx context.Context, target config.OrderbookTarget, provider Provider) {
	log := c.log.With("exchange", target.Exchange, "symbol", target.Symbol)
	timer := time.NewTimer(0)
	defer timer.Stop()

	backoff := c.refresh
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.refreshTarget(ctx, target, provider); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.OrderbookRefreshTotal.WithLabelValues(provider.Name(), "error").Inc()
			log.Warn("orderbook refresh failed", "error", err, "retry_in", backoff)
			backoff = nextBackoff(backoff, c.refresh)
			timer.Reset(backoff)
			continue
		}

		metrics.OrderbookRefreshTotal.WithLabelValues(provider.Name(), "ok").Inc()
		backoff = c.refresh
		timer.Reset(c.refresh)
	}
}

func (c *Collector) refreshTarget(ctx context.Context, target config.OrderbookTarget, provider Provider) error {
	bids, asks, exchangeTS, err := provider.FetchOrderbook(ctx, target.Symbol, c.depth)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	snap := model.OrderbookSnapshot{
		Exchange:   strings.ToLower(target.Exchange),
		Symbol:     target.Symbol,
		Bucket:     BucketFor(now.Unix(), c.bucketInterval),
		Levels:     append(bids, asks...),
		ExchangeTS: exchangeTS,
		FetchedAt:  now,
	}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
	}

	if err := c.store.UpsertOrderbookSnapshot(ctx, snap); err != nil {
		return err
	}
	c.pub.Publish("market.orderbook."+snap.Exchange+"."+snap.Symbol, snap)
	return nil
}

// BucketFor aligns a unix timestamp down to its bucket boundary.
func BucketFor(unix int64, interval time.Duration) int64 {
	step := int64(interval.Seconds())
	if step <= 0 {
		step = 60
	}
	return unix - unix%step
}

// nextBackoff doubles up to the cap, never dropping below the floor.
func nextBackoff(current, floor time.Duration) time.Duration {
	if floor <= 0 {
		floor = time.Second
	}
	if current < floor {
		current = floor
	}
	next := current * 2
	if next > maxRefreshBackoff {
		return maxRefreshBackoff
	}
	return next
}
