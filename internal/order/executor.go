package order

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/filters"
	"perpbot/pkg/exchanges/binance/futures"
	"perpbot/pkg/exchanges/common"
)

const (
	bracketAttempts   = 3
	bracketRetryDelay = 2 * time.Second
	rateLimitFallback = time.Second
)

// filterSource resolves quantization rules per symbol.
type filterSource interface {
	Rules(ctx context.Context, symbol string) (filters.SymbolFilters, error)
}

// Executor turns sized trade intents into exchange orders. All quantities and
// trigger prices pass through the symbol's filters before submission, and the
// error policy distinguishes unfillable requests from transient throttling.
type Executor struct {
	gw      common.Gateway
	filters filterSource

	retryDelay    time.Duration
	rateLimitWait time.Duration
}

// NewExecutor creates an executor over a gateway and a filter source.
func NewExecutor(gw common.Gateway, fs filterSource) *Executor {
	return &Executor{
		gw:            gw,
		filters:       fs,
		retryDelay:    bracketRetryDelay,
		rateLimitWait: rateLimitFallback,
	}
}

// Entry describes a filled market entry.
type Entry struct {
	Result common.OrderResult
	Qty    float64
}

// Bracket describes the protective orders for an open position. Side is the
// position side; Target of zero disables the take-profit leg.
type Bracket struct {
	Symbol string
	Side   common.Side
	Stop   float64
	Target float64
}

// Enter opens a position with a market order sized to notional at lastPrice.
// The quantity is quantized to the symbol's step (up for buys, down for
// sells) and bumped to the smallest size clearing the minimum notional when
// it falls short.
func (e *Executor) Enter(ctx context.Context, symbol string, side common.Side, notional, lastPrice float64) (Entry, error) {
	if lastPrice <= 0 {
		return Entry{}, fmt.Errorf("enter %s: no price", symbol)
	}
	f, err := e.filters.Rules(ctx, symbol)
	if err != nil {
		return Entry{}, fmt.Errorf("enter %s: %w", symbol, err)
	}

	qtyStr := filters.Quantity(notional, lastPrice, f.StepSize, side)
	qty, _ := strconv.ParseFloat(qtyStr, 64)
	if qty < f.MinQty || qty*lastPrice < f.MinNotional {
		qtyStr = filters.MinNotionalQty(f.MinNotional, lastPrice, f.StepSize)
		qty, _ = strconv.ParseFloat(qtyStr, 64)
		log.Printf("order: %s bumped to min-notional qty %s", symbol, qtyStr)
	}
	if qty <= 0 {
		return Entry{}, fmt.Errorf("enter %s: quantized qty is zero (notional %.2f at %.4f)", symbol, notional, lastPrice)
	}

	res, err := e.submit(ctx, common.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     common.OrderTypeMarket,
		Qty:      qtyStr,
		ClientID: clientID(),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("enter %s: %w", symbol, err)
	}
	log.Printf("order: %s %s entry qty=%s status=%s avg=%.4f", symbol, side, qtyStr, res.Status, res.AvgPrice)
	return Entry{Result: res, Qty: qty}, nil
}

// PlaceBracket attaches the protective stop (and optional take-profit) to an
// open position. Both legs flatten whatever remains when triggered, so a
// partial manual close never leaves an oversized protective order.
func (e *Executor) PlaceBracket(ctx context.Context, b Bracket) error {
	f, err := e.filters.Rules(ctx, b.Symbol)
	if err != nil {
		return fmt.Errorf("bracket %s: %w", b.Symbol, err)
	}
	closeSide := b.Side.Opposite()

	stop := filters.QuantizePrice(b.Stop, f.TickSize)
	if _, err := e.submit(ctx, common.OrderRequest{
		Symbol:        b.Symbol,
		Side:          closeSide,
		Type:          common.OrderTypeStopMarket,
		StopPrice:     stop,
		ClientID:      clientID(),
		ClosePosition: true,
		WorkingType:   "MARK_PRICE",
		PriceProtect:  true,
	}); err != nil {
		return fmt.Errorf("bracket %s stop: %w", b.Symbol, err)
	}
	log.Printf("order: %s stop placed at %.4f", b.Symbol, stop)

	if b.Target > 0 {
		target := filters.QuantizePrice(b.Target, f.TickSize)
		if _, err := e.submit(ctx, common.OrderRequest{
			Symbol:        b.Symbol,
			Side:          closeSide,
			Type:          common.OrderTypeTakeProfitMarket,
			StopPrice:     target,
			ClientID:      clientID(),
			ClosePosition: true,
			WorkingType:   "MARK_PRICE",
		}); err != nil {
			return fmt.Errorf("bracket %s target: %w", b.Symbol, err)
		}
		log.Printf("order: %s take-profit placed at %.4f", b.Symbol, target)
	}
	return nil
}

// PlaceBracketWithRetries tries PlaceBracket up to three times. A position
// that cannot be protected is not allowed to stand: on final failure the
// position is flattened and any partial bracket canceled before the error is
// returned.
func (e *Executor) PlaceBracketWithRetries(ctx context.Context, b Bracket, qty float64) error {
	var lastErr error
	for attempt := 1; attempt <= bracketAttempts; attempt++ {
		lastErr = e.PlaceBracket(ctx, b)
		if lastErr == nil {
			return nil
		}
		log.Printf("order: %s bracket attempt %d/%d failed: %v", b.Symbol, attempt, bracketAttempts, lastErr)
		if attempt < bracketAttempts && !wait(ctx, e.retryDelay) {
			break
		}
	}

	log.Printf("order: %s unprotectable, flattening", b.Symbol)
	if err := e.CancelAllOpen(ctx, b.Symbol); err != nil {
		log.Printf("order: %s cancel during flatten failed: %v", b.Symbol, err)
	}
	if err := e.Flatten(ctx, b.Symbol, b.Side, qty); err != nil {
		return fmt.Errorf("bracket %s failed and flatten failed: %v (bracket: %w)", b.Symbol, err, lastErr)
	}
	return fmt.Errorf("bracket %s: %w", b.Symbol, lastErr)
}

// Flatten closes a position with a reduce-only market order. side is the
// position side; qty the unsigned size.
func (e *Executor) Flatten(ctx context.Context, symbol string, side common.Side, qty float64) error {
	f, err := e.filters.Rules(ctx, symbol)
	if err != nil {
		return fmt.Errorf("flatten %s: %w", symbol, err)
	}
	qtyStr := filters.FormatQty(filters.FloorStep(qty, f.StepSize), f.StepSize)
	_, err = e.submit(ctx, common.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Type:       common.OrderTypeMarket,
		Qty:        qtyStr,
		ClientID:   clientID(),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("flatten %s: %w", symbol, err)
	}
	log.Printf("order: %s flattened qty=%s", symbol, qtyStr)
	return nil
}

// CancelAllOpen cancels every open order for a symbol. Canceling an empty
// book is not an error.
func (e *Executor) CancelAllOpen(ctx context.Context, symbol string) error {
	if err := e.gw.CancelAllOpenOrders(ctx, symbol); err != nil {
		return fmt.Errorf("cancel open orders %s: %w", symbol, err)
	}
	return nil
}

// submit sends one order applying the shared error policy: an unfillable
// request fails immediately without a retry, a rate-limit response is retried
// once after the server's hinted wait, everything else propagates.
func (e *Executor) submit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	res, err := e.gw.SubmitOrder(ctx, req)
	if err == nil {
		return res, nil
	}
	if futures.IsTerminal(err) {
		return common.OrderResult{}, err
	}
	if hint, ok := futures.IsRateLimited(err); ok {
		if hint <= 0 {
			hint = e.rateLimitWait
		}
		log.Printf("order: rate limited on %s %s, retrying once in %s", req.Symbol, req.Type, hint)
		if !wait(ctx, hint) {
			return common.OrderResult{}, ctx.Err()
		}
		return e.gw.SubmitOrder(ctx, req)
	}
	return common.OrderResult{}, err
}

// clientID builds a fresh client order ID inside the exchange's 36-char cap.
func clientID() string {
	return "pb-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
