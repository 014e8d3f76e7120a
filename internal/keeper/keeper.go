// Package keeper executes triggered orders. It watches the projected
// open-order set, evaluates trigger conditions against the last oracle
// price, and submits execute transactions. The program re-validates every
// trigger on chain, so the keeper can afford to be optimistic; it must
// only never double-submit the same order nonce concurrently.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/perpdex/syncd/internal/config"
	"github.com/perpdex/syncd/internal/ledger"
	"github.com/perpdex/syncd/internal/marketdata"
	"github.com/perpdex/syncd/internal/metrics"
	"github.com/perpdex/syncd/internal/model"
	"github.com/perpdex/syncd/internal/store"
)

// Keeper is the execution loop. One instance runs per process; the
// on-chain program tolerates competing keepers, so no leader election is
// needed.
type Keeper struct {
	store     store.Store
	last      *marketdata.LastPrice
	submitter ledger.Submitter
	program   solana.PublicKey
	symbol    string
	log       *slog.Logger

	pollInterval     time.Duration
	maxOrdersPerTick int
	maxRetries       int
	retryDelay       time.Duration
	maxPriceAge      time.Duration

	mu       sync.Mutex
	inflight map[string]bool // marginAccount:nonce with a submission underway
}

// New builds a keeper from configuration.
func New(cfg *config.Config, st store.Store, last *marketdata.LastPrice, submitter ledger.Submitter, program solana.PublicKey, log *slog.Logger) *Keeper {
	return &Keeper{
		store:            st,
		last:             last,
		submitter:        submitter,
		program:          program,
		symbol:           cfg.Oracle.Symbol,
		log:              log.With("component", "keeper"),
		pollInterval:     cfg.Keeper.PollInterval.Std(),
		maxOrdersPerTick: cfg.Keeper.MaxOrdersPerTick,
		maxRetries:       cfg.Keeper.MaxRetries,
		retryDelay:       cfg.Keeper.RetryDelay.Std(),
		maxPriceAge:      cfg.Oracle.MaxPriceAge.Std(),
		inflight:         make(map[string]bool),
	}
}

// Run polls until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	k.log.Info("keeper starting", "identity", k.submitter.Identity(),
		"poll_interval", k.pollInterval)

	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.log.Info("keeper stopped")
			return
		case <-ticker.C:
			k.tick(ctx)
		}
	}
}

func (k *Keeper) tick(ctx context.Context) {
	orders, err := k.store.GetOpenOrders(ctx)
	if err != nil {
		k.log.Error("load open orders", "error", err)
		return
	}

	now := time.Now().Unix()
	price, priceOK := k.last.Fresh(k.symbol, k.maxPriceAge)
	if !priceOK {
		k.log.Warn("no fresh oracle price, trigger evaluation suspended",
			"symbol", k.symbol, "max_age", k.maxPriceAge)
	}

	submitted := 0
	eligible := 0
	for _, order := range orders {
		if submitted >= k.maxOrdersPerTick {
			break
		}

		switch {
		case isExpired(order, now):
			eligible++
			if k.submitOne(ctx, order, model.PriceTick{}, true) {
				submitted++
			}
		case priceOK && Triggered(order, price.Price):
			eligible++
			if k.submitOne(ctx, order, price, false) {
				submitted++
			}
		}
	}
	metrics.KeeperEligibleOrders.Set(float64(eligible))
}

func isExpired(order model.Order, now int64) bool {
	return order.ExpiresAt > 0 && now >= order.ExpiresAt
}

// Triggered reports whether the oracle price satisfies the order's
// trigger condition. Market orders are always eligible; a buy limit
// triggers at or below its price, a sell limit at or above.
func Triggered(order model.Order, price decimal.Decimal) bool {
	if order.Type == model.OrderTypeMarket {
		return true
	}
	switch order.Side {
	case model.SideBuy:
		return price.LessThanOrEqual(order.LimitPrice)
	case model.SideSell:
		return price.GreaterThanOrEqual(order.LimitPrice)
	}
	return false
}

func inflightKey(order model.Order) string {
	return fmt.Sprintf("%s:%d", order.MarginAccount, order.Nonce)
}

// submitOne claims the order's nonce, builds and lands the transaction,
// and classifies the outcome. Returns true when a submission was
// attempted (whatever its outcome), false when the nonce was already
// claimed or the accounts failed to parse.
func (k *Keeper) submitOne(ctx context.Context, order model.Order, price model.PriceTick, expired bool) bool {
	key := inflightKey(order)
	k.mu.Lock()
	if k.inflight[key] {
		k.mu.Unlock()
		return false
	}
	k.inflight[key] = true
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.inflight, key)
		k.mu.Unlock()
	}()

	ixs, err := k.buildInstructions(order, price, expired)
	if err != nil {
		k.log.Error("build instructions", "order", order.Address, "error", err)
		return false
	}

	log := k.log.With("order", order.Address, "nonce", order.Nonce, "expired", expired)
	for attempt := 0; ; attempt++ {
		sig, err := k.submitter.Submit(ctx, ixs)
		if err == nil {
			metrics.KeeperAttemptsTotal.WithLabelValues("confirmed").Inc()
			log.Info("transaction confirmed", "signature", sig, "attempt", attempt+1)
			return true
		}

		if !ledger.IsRecoverable(err) {
			// The program rejected the transaction; retrying the same
			// instruction within this claim cannot succeed. The next tick
			// re-reads the projection, and the next sync pass removes the
			// order from the open set once the chain shows it terminal.
			metrics.KeeperAttemptsTotal.WithLabelValues("terminal").Inc()
			log.Error("transaction rejected", "error", err)
			return true
		}

		metrics.KeeperAttemptsTotal.WithLabelValues("recoverable").Inc()
		if attempt+1 >= k.maxRetries {
			log.Warn("giving up after retries, will retry next tick",
				"error", err, "attempts", attempt+1)
			return true
		}
		log.Warn("recoverable submission failure", "error", err,
			"attempt", attempt+1, "retry_in", k.retryDelay)

		select {
		case <-ctx.Done():
			return true
		case <-time.After(k.retryDelay):
		}
	}
}

func (k *Keeper) buildInstructions(order model.Order, price model.PriceTick, expired bool) ([]solana.Instruction, error) {
	orderAddr, err := solana.PublicKeyFromBase58(order.Address)
	if err != nil {
		return nil, fmt.Errorf("order address: %w", err)
	}
	marginAddr, err := solana.PublicKeyFromBase58(order.MarginAccount)
	if err != nil {
		return nil, fmt.Errorf("margin account: %w", err)
	}

	if expired {
		return []solana.Instruction{
			ledger.NewCancelExpiredOrderInstruction(k.program, k.submitter.Identity(), marginAddr, orderAddr),
		}, nil
	}

	positionAddr, err := ledger.PositionAddress(k.program, marginAddr, order.MarketID)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{
		ledger.NewExecuteOrderInstruction(ledger.ExecuteOrderParams{
			Program:       k.program,
			Executor:      k.submitter.Identity(),
			Order:         orderAddr,
			MarginAccount: marginAddr,
			Position:      positionAddr,
			OraclePrice:   ledger.ToBaseUnits(price.Price),
			OracleConf:    ledger.ToBaseUnits(price.Conf),
			PublishTime:   price.PublishTime,
		}),
	}, nil
}
