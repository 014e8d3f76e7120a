package marketdata

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/config"
	"github.com/perpdex/syncd/internal/metrics"
	"github.com/perpdex/syncd/internal/model"
	"github.com/perpdex/syncd/internal/store"
)

type oracleEnvelope struct {
	Parsed []oracleUpdate `json:"parsed"`
}

type oracleUpdate struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
	Metadata struct {
		Slot int64 `json:"slot"`
	} `json:"metadata"`
}

// OracleStream consumes the oracle's server-sent price feed. Ticks whose
// publish time does not advance past the last accepted tick are
// discarded, so the stored series and the keeper's price view stay
// strictly ordered even across reconnects.
type OracleStream struct {
	streamURL string
	feedID    string
	symbol    string
	reconnect time.Duration
	store     store.Store
	last      *LastPrice
	pub       Publisher
	log       *slog.Logger

	lastPublishTime int64
	connected       atomic.Bool
}

// NewOracleStream builds the stream consumer. Feed IDs compare
// case-insensitively.
func NewOracleStream(cfg *config.Config, st store.Store, last *LastPrice, pub Publisher, log *slog.Logger) *OracleStream {
	return &OracleStream{
		streamURL: cfg.Oracle.StreamURL,
		feedID:    strings.ToLower(strings.TrimSpace(cfg.Oracle.FeedID)),
		symbol:    cfg.Oracle.Symbol,
		reconnect: cfg.Oracle.ReconnectInterval.Std(),
		store:     st,
		last:      last,
		pub:       pub,
		log:       log.With("component", "oracle"),
	}
}

// Connected reports whether the stream is currently open.
func (s *OracleStream) Connected() bool { return s.connected.Load() }

// Run consumes the stream until ctx is cancelled, reconnecting after a
// fixed delay on any disconnect.
func (s *OracleStream) Run(ctx context.Context) {
	client := &http.Client{}
	s.seedResumePoint(ctx)
	s.log.Info("oracle price stream starting",
		"endpoint", s.streamURL, "feed_id", s.feedID, "symbol", s.symbol)

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.consume(ctx, client)
		s.connected.Store(false)
		metrics.OracleConnected.Set(0)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("oracle stream disconnected", "error", err, "retry_in", s.reconnect)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

// seedResumePoint initializes the ordering guard from the newest stored
// tick, so a restart does not re-accept ticks the oracle replays from
// before the crash.
func (s *OracleStream) seedResumePoint(ctx context.Context) {
	tick, err := s.store.GetLatestPrice(ctx, s.symbol)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("seed oracle resume point", "error", err)
		return
	}
	s.lastPublishTime = tick.PublishTime
	s.log.Info("resuming oracle stream after stored tick",
		"symbol", s.symbol, "publish_time", tick.PublishTime)
}

func (s *OracleStream) consume(ctx context.Context, client *http.Client) error {
	streamURL, err := s.buildURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.connected.Store(true)
	metrics.OracleConnected.Set(1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024), 64<<20)

	var eventData strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if eventData.Len() > 0 {
				s.handleEvent(ctx, eventData.String())
				eventData.Reset()
			}
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if eventData.Len() > 0 {
			eventData.WriteByte('\n')
		}
		eventData.WriteString(payload)
	}

	if eventData.Len() > 0 {
		s.handleEvent(ctx, eventData.String())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.EOF
}

func (s *OracleStream) buildURL() (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(s.streamURL))
	if err != nil {
		return "", fmt.Errorf("parse oracle endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid oracle endpoint %q", s.streamURL)
	}

	query := parsed.Query()
	query.Del("ids[]")
	query.Add("ids[]", s.feedID)
	if query.Get("parsed") == "" {
		query.Set("parsed", "true")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (s *OracleStream) handleEvent(ctx context.Context, raw string) {
	payload := strings.TrimSpace(raw)
	if payload == "" || payload == "[DONE]" {
		return
	}

	var envelope oracleEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		s.log.Warn("undecodable oracle event", "error", err)
		return
	}

	for _, update := range envelope.Parsed {
		if strings.ToLower(strings.TrimSpace(update.ID)) != s.feedID {
			continue
		}
		s.handleUpdate(ctx, update)
	}
}

func (s *OracleStream) handleUpdate(ctx context.Context, update oracleUpdate) {
	tick, err := s.tickFromUpdate(update)
	if err != nil {
		metrics.PriceTicksTotal.WithLabelValues(s.symbol, "discarded").Inc()
		s.log.Warn("discarding oracle update", "error", err)
		return
	}

	// Ordering guard: publish time must strictly advance.
	if tick.PublishTime <= s.lastPublishTime {
		metrics.PriceTicksTotal.WithLabelValues(s.symbol, "discarded").Inc()
		return
	}

	if err := s.store.InsertPriceTick(ctx, tick); err != nil {
		metrics.PriceTicksTotal.WithLabelValues(s.symbol, "error").Inc()
		s.log.Error("store price tick", "error", err)
		return
	}

	s.lastPublishTime = tick.PublishTime
	s.last.Set(tick)
	s.pub.Publish("market.price."+s.symbol, tick)
	metrics.PriceTicksTotal.WithLabelValues(s.symbol, "accepted").Inc()
}

func (s *OracleStream) tickFromUpdate(update oracleUpdate) (model.PriceTick, error) {
	price, err := scaledDecimal(update.Price.Price, update.Price.Expo)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("price: %w", err)
	}
	if !price.IsPositive() {
		return model.PriceTick{}, fmt.Errorf("non-positive price %s", price)
	}
	conf, err := scaledDecimal(update.Price.Conf, update.Price.Expo)
	if err != nil {
		conf = decimal.Zero
	}

	publishTime := update.Price.PublishTime
	if publishTime <= 0 {
		return model.PriceTick{}, fmt.Errorf("missing publish time")
	}

	return model.PriceTick{
		Symbol:      s.symbol,
		FeedID:      s.feedID,
		Slot:        update.Metadata.Slot,
		PublishTime: publishTime,
		Price:       price,
		Conf:        conf,
		Expo:        update.Price.Expo,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// scaledDecimal applies the oracle exponent to a raw integer string.
func scaledDecimal(raw string, expo int32) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("empty value")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return value.Shift(expo), nil
}
