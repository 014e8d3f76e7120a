package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/model"
)

const responseLimitBytes = 16 << 20

// Provider fetches one exchange's depth snapshot for a symbol. Symbol
// format is exchange-native and passed through from configuration.
type Provider interface {
	Name() string
	FetchOrderbook(ctx context.Context, symbol string, depth int) (bids, asks []model.OrderbookLevel, exchangeTS int64, err error)
}

// Providers returns every supported exchange keyed by lowercase name.
func Providers(client *http.Client) map[string]Provider {
	return map[string]Provider{
		"binance":  &binanceProvider{client: client},
		"okx":      &okxProvider{client: client},
		"coinbase": &coinbaseProvider{client: client},
		"bybit":    &bybitProvider{client: client},
	}
}

func fetchJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "syncd-orderbook/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimitBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

// levelsFromPairs converts [price, quantity, ...] string rows. Rows that
// fail to parse are dropped rather than failing the snapshot.
func levelsFromPairs(side string, rows [][]string, depth int) []model.OrderbookLevel {
	out := make([]model.OrderbookLevel, 0, min(depth, len(rows)))
	for _, row := range rows {
		if len(out) >= depth {
			break
		}
		if len(row) < 2 {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(row[0]))
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(row[1]))
		if err != nil || qty.IsZero() {
			continue
		}
		out = append(out, model.OrderbookLevel{Side: side, Price: price, Quantity: qty})
	}
	return out
}

type binanceProvider struct {
	client *http.Client
}

func (*binanceProvider) Name() string { return "binance" }

func (p *binanceProvider) FetchOrderbook(ctx context.Context, symbol string, depth int) ([]model.OrderbookLevel, []model.OrderbookLevel, int64, error) {
	endpoint := fmt.Sprintf("https://api.binance.com/api/v3/depth?symbol=%s&limit=%d",
		url.QueryEscape(symbol), depth)

	var resp struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := fetchJSON(ctx, p.client, endpoint, &resp); err != nil {
		return nil, nil, 0, err
	}
	return levelsFromPairs("bid", resp.Bids, depth),
		levelsFromPairs("ask", resp.Asks, depth),
		resp.LastUpdateID, nil
}

type okxProvider struct {
	client *http.Client
}

func (*okxProvider) Name() string { return "okx" }

func (p *okxProvider) FetchOrderbook(ctx context.Context, symbol string, depth int) ([]model.OrderbookLevel, []model.OrderbookLevel, int64, error) {
	endpoint := fmt.Sprintf("https://www.okx.com/api/v5/market/books?instId=%s&sz=%d",
		url.QueryEscape(symbol), depth)

	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			TS   string     `json:"ts"`
		} `json:"data"`
	}
	if err := fetchJSON(ctx, p.client, endpoint, &resp); err != nil {
		return nil, nil, 0, err
	}
	if resp.Code != "0" {
		return nil, nil, 0, fmt.Errorf("okx api error: %s", resp.Msg)
	}
	if len(resp.Data) == 0 {
		return nil, nil, 0, fmt.Errorf("okx response missing data")
	}

	book := resp.Data[0]
	ts, _ := strconv.ParseInt(book.TS, 10, 64)
	return levelsFromPairs("bid", book.Bids, depth),
		levelsFromPairs("ask", book.Asks, depth),
		ts, nil
}

type coinbaseProvider struct {
	client *http.Client
}

func (*coinbaseProvider) Name() string { return "coinbase" }

func (p *coinbaseProvider) FetchOrderbook(ctx context.Context, symbol string, depth int) ([]model.OrderbookLevel, []model.OrderbookLevel, int64, error) {
	endpoint := fmt.Sprintf("https://api.exchange.coinbase.com/products/%s/book?level=2",
		url.PathEscape(symbol))

	// Coinbase level rows carry a trailing order count, so elements are
	// mixed string/number.
	var resp struct {
		Message string  `json:"message"`
		Time    string  `json:"time"`
		Bids    [][]any `json:"bids"`
		Asks    [][]any `json:"asks"`
	}
	if err := fetchJSON(ctx, p.client, endpoint, &resp); err != nil {
		return nil, nil, 0, err
	}
	if resp.Message != "" {
		return nil, nil, 0, fmt.Errorf("coinbase api error: %s", resp.Message)
	}

	var ts int64
	if parsed, err := time.Parse(time.RFC3339Nano, resp.Time); err == nil {
		ts = parsed.UnixMilli()
	}
	return levelsFromPairs("bid", stringPairs(resp.Bids), depth),
		levelsFromPairs("ask", stringPairs(resp.Asks), depth),
		ts, nil
}

func stringPairs(rows [][]any) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, pok := row[0].(string)
		qty, qok := row[1].(string)
		if !pok || !qok {
			continue
		}
		out = append(out, []string{price, qty})
	}
	return out
}

type bybitProvider struct {
	client *http.Client
}

func (*bybitProvider) Name() string { return "bybit" }

func (p *bybitProvider) FetchOrderbook(ctx context.Context, symbol string, depth int) ([]model.OrderbookLevel, []model.OrderbookLevel, int64, error) {
	endpoint := fmt.Sprintf("https://api.bybit.com/v5/market/orderbook?category=linear&symbol=%s&limit=%d",
		url.QueryEscape(symbol), depth)

	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
			TS   int64      `json:"ts"`
		} `json:"result"`
	}
	if err := fetchJSON(ctx, p.client, endpoint, &resp); err != nil {
		return nil, nil, 0, err
	}
	if resp.RetCode != 0 {
		return nil, nil, 0, fmt.Errorf("bybit api error: %s", resp.RetMsg)
	}
	return levelsFromPairs("bid", resp.Result.Bids, depth),
		levelsFromPairs("ask", resp.Result.Asks, depth),
		resp.Result.TS, nil
}
