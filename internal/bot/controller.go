package bot

import (
	"context"
	"log"
	"sync"
	"time"

	"perpbot/internal/events"
	"perpbot/internal/indicators"
	"perpbot/internal/order"
	"perpbot/internal/rules"
	"perpbot/internal/state"
	"perpbot/pkg/exchanges/common"
)

// entryBatchSize bounds how many symbols are evaluated for entry at once so a
// long watch list spreads its REST weight across the cycle.
const entryBatchSize = 3

// MarketData is the controller's read-only view of exchange state.
type MarketData interface {
	Candles(ctx context.Context, symbol string) ([]state.Candle, error)
	Price(symbol string) (float64, bool)
	Positions(ctx context.Context) ([]state.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]state.OpenOrder, error)
}

// OrderExecutor is the controller's write path to the exchange.
type OrderExecutor interface {
	Enter(ctx context.Context, symbol string, side common.Side, notional, lastPrice float64) (order.Entry, error)
	PlaceBracketWithRetries(ctx context.Context, b order.Bracket, qty float64) error
	Flatten(ctx context.Context, symbol string, side common.Side, qty float64) error
	CancelAllOpen(ctx context.Context, symbol string) error
}

// Settings sizes and bounds the controller's trading.
type Settings struct {
	Symbols          []string
	TradeNotional    float64
	MaxOpenPositions int
	ATRStopMult      float64
	ATRTargetMult    float64
	EnableTakeProfit bool
}

// Controller runs the periodic trading cycle: manage open positions, scan for
// entries, and reconcile cached state against what is actually on the
// exchange. One symbol failing never aborts the cycle.
type Controller struct {
	market    MarketData
	exec      OrderExecutor
	evaluator *rules.Evaluator
	bus       *events.Bus
	locks     *LockSet
	settings  Settings
	indParams indicators.Params
	watched   map[string]bool
}

// NewController wires a controller.
func NewController(market MarketData, exec OrderExecutor, ev *rules.Evaluator, bus *events.Bus, settings Settings) *Controller {
	p := indicators.DefaultParams()
	p.FastPeriod = ev.Params().FastPeriod
	p.SlowPeriod = ev.Params().SlowPeriod

	watched := make(map[string]bool, len(settings.Symbols))
	for _, s := range settings.Symbols {
		watched[s] = true
	}
	return &Controller{
		market:    market,
		exec:      exec,
		evaluator: ev,
		bus:       bus,
		locks:     NewLockSet(),
		settings:  settings,
		indParams: p,
		watched:   watched,
	}
}

// CycleResult summarizes one pass.
type CycleResult struct {
	Evaluated int
	Entered   int
	Closed    int
	Errors    int
	Elapsed   time.Duration
}

// RunCycle executes one full trading pass.
func (c *Controller) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	var res CycleResult

	positions, err := c.market.Positions(ctx)
	if err != nil {
		log.Printf("bot: cycle aborted, cannot read positions: %v", err)
		res.Errors++
		res.Elapsed = time.Since(start)
		c.publishSummary(res)
		return res
	}
	bySymbol := make(map[string]state.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	// Manage what is open before looking for anything new.
	for _, p := range positions {
		if !c.watched[p.Symbol] {
			continue
		}
		var closed, failed bool
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("bot: manage %s panicked: %v", p.Symbol, r)
					failed = true
				}
			}()
			closed, failed = c.managePosition(ctx, p)
		}()
		if closed {
			res.Closed++
			delete(bySymbol, p.Symbol)
		}
		if failed {
			res.Errors++
		}
	}

	res.Evaluated, res.Entered, res.Errors = c.scanEntries(ctx, bySymbol, res.Errors)

	// Sweep last, on fresh reads, so orphans created earlier in this same
	// cycle are corrected before it ends.
	res.Errors += c.reconcile(ctx)

	res.Elapsed = time.Since(start)
	log.Printf("bot: cycle done evaluated=%d entered=%d closed=%d errors=%d elapsed=%s",
		res.Evaluated, res.Entered, res.Closed, res.Errors, res.Elapsed)
	c.publishSummary(res)
	return res
}

// reconcile is the end-of-cycle sweep. It re-reads positions and orders so
// that anything the cycle itself left behind is seen: orders with no position
// behind them are canceled, positions outside the watch list are flattened,
// and any position with zero open orders is force-closed as unprotected.
// Returns the error count.
func (c *Controller) reconcile(ctx context.Context) int {
	errs := 0

	positions, err := c.market.Positions(ctx)
	if err != nil {
		log.Printf("bot: reconcile skipped, cannot read positions: %v", err)
		return 1
	}
	bySymbol := make(map[string]state.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	orders, err := c.market.OpenOrders(ctx, "")
	if err != nil {
		log.Printf("bot: reconcile skipped, cannot read open orders: %v", err)
		return 1
	}
	ordersBySymbol := make(map[string][]state.OpenOrder)
	for _, o := range orders {
		ordersBySymbol[o.Symbol] = append(ordersBySymbol[o.Symbol], o)
	}

	for symbol := range ordersBySymbol {
		if _, ok := bySymbol[symbol]; ok {
			continue
		}
		log.Printf("bot: reconcile canceling orphan orders on %s", symbol)
		if err := c.exec.CancelAllOpen(ctx, symbol); err != nil {
			log.Printf("bot: reconcile cancel %s: %v", symbol, err)
			errs++
			continue
		}
		c.bus.Publish(events.Event{
			Topic: events.TopicOrdersCanceled, Symbol: symbol, At: time.Now(),
			Reason: "no position behind orders",
		})
	}

	for symbol, p := range bySymbol {
		if !c.watched[symbol] {
			log.Printf("bot: reconcile flattening unmanaged position %s qty=%v", symbol, p.Qty)
			if err := c.exec.CancelAllOpen(ctx, symbol); err != nil {
				log.Printf("bot: reconcile cancel %s: %v", symbol, err)
			}
			if err := c.forceClose(ctx, p, "unmanaged symbol"); err != nil {
				errs++
			}
			continue
		}

		symOrders := ordersBySymbol[symbol]

		// Zero open orders means nothing protects this position; it must
		// not survive the sweep.
		if len(symOrders) == 0 {
			log.Printf("bot: reconcile closing orphan position %s qty=%v", symbol, p.Qty)
			if err := c.forceClose(ctx, p, "no protective orders"); err != nil {
				errs++
			}
			continue
		}

		// Orders are resting but none of them is the stop; rebuild the
		// bracket around the existing position.
		hasStop := false
		for _, o := range symOrders {
			if o.Type == common.OrderTypeStopMarket {
				hasStop = true
				break
			}
		}
		if hasStop {
			continue
		}
		snap, err := c.snapshot(ctx, symbol)
		if err != nil || snap.ATR <= 0 {
			continue
		}
		log.Printf("bot: reconcile re-bracketing unprotected %s", symbol)
		b := c.bracketFor(p.Symbol, p.Side, p.EntryPrice, snap.ATR)
		if err := c.exec.PlaceBracketWithRetries(ctx, b, p.AbsQty()); err != nil {
			log.Printf("bot: reconcile bracket %s: %v", symbol, err)
			errs++
		}
	}

	return errs
}

// forceClose flattens the full position with a reduce-only order and records
// the close, classified by realized PnL.
func (c *Controller) forceClose(ctx context.Context, p state.Position, reason string) error {
	if err := c.exec.Flatten(ctx, p.Symbol, p.Side, p.AbsQty()); err != nil {
		log.Printf("bot: reconcile flatten %s: %v", p.Symbol, err)
		return err
	}
	ev := events.Event{
		Symbol: p.Symbol, At: time.Now(),
		Side: string(p.Side), Qty: p.AbsQty(), Reason: reason,
	}
	if price, ok := c.market.Price(p.Symbol); ok {
		ev.Price = price
		ev.PnL = realizedPnL(p, price)
		ev.PnLPct = realizedPnLPct(p, price)
	}
	ev.Topic = events.CloseTopic(ev.PnL)
	c.bus.Publish(ev)
	return nil
}

// managePosition applies the close policy to one open position. Returns
// whether it was closed and whether an error occurred.
func (c *Controller) managePosition(ctx context.Context, p state.Position) (bool, bool) {
	snap, err := c.snapshot(ctx, p.Symbol)
	if err != nil {
		log.Printf("bot: manage %s: %v", p.Symbol, err)
		return false, true
	}

	stop := 0.0
	if snap.ATR > 0 && c.settings.ATRStopMult > 0 {
		if p.Side == common.SideBuy {
			stop = p.EntryPrice - snap.ATR*c.settings.ATRStopMult
		} else {
			stop = p.EntryPrice + snap.ATR*c.settings.ATRStopMult
		}
	}

	shouldClose, reason := c.evaluator.ShouldClose(p.Side, snap, stop)
	if !shouldClose {
		return false, false
	}

	log.Printf("bot: closing %s %s qty=%v: %s", p.Symbol, p.Side, p.AbsQty(), reason)
	if err := c.exec.CancelAllOpen(ctx, p.Symbol); err != nil {
		log.Printf("bot: close %s cancel: %v", p.Symbol, err)
	}
	if err := c.exec.Flatten(ctx, p.Symbol, p.Side, p.AbsQty()); err != nil {
		log.Printf("bot: close %s: %v", p.Symbol, err)
		return false, true
	}
	pnl := realizedPnL(p, snap.Price)
	c.bus.Publish(events.Event{
		Topic: events.CloseTopic(pnl), Symbol: p.Symbol, At: time.Now(),
		Side: string(p.Side), Qty: p.AbsQty(), Price: snap.Price,
		PnL: pnl, PnLPct: realizedPnLPct(p, snap.Price), Reason: reason,
	})
	return true, false
}

// realizedPnL estimates the profit of closing p at price.
func realizedPnL(p state.Position, price float64) float64 {
	if p.Side == common.SideBuy {
		return (price - p.EntryPrice) * p.AbsQty()
	}
	return (p.EntryPrice - price) * p.AbsQty()
}

// realizedPnLPct is the same profit as a percentage of the entry price.
func realizedPnLPct(p state.Position, price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == common.SideBuy {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// scanEntries evaluates flat watched symbols in small batches and opens
// bracketed positions where the rule fires.
func (c *Controller) scanEntries(ctx context.Context, bySymbol map[string]state.Position, errs int) (evaluated, entered, errors int) {
	errors = errs

	var candidates []string
	for _, s := range c.settings.Symbols {
		if _, ok := bySymbol[s]; !ok {
			candidates = append(candidates, s)
		}
	}

	var mu sync.Mutex
	open := len(bySymbol)

	for i := 0; i < len(candidates); i += entryBatchSize {
		end := i + entryBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		var wg sync.WaitGroup
		for _, symbol := range candidates[i:end] {
			mu.Lock()
			full := open >= c.settings.MaxOpenPositions
			mu.Unlock()
			if full {
				break
			}
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				var ok, failed bool
				func() {
					// One symbol panicking counts as its own failure, not
					// the cycle's end.
					defer func() {
						if r := recover(); r != nil {
							log.Printf("bot: evaluate %s panicked: %v", symbol, r)
							failed = true
						}
					}()
					ok, failed = c.tryEnter(ctx, symbol, &mu, &open)
				}()
				mu.Lock()
				evaluated++
				if ok {
					entered++
				}
				if failed {
					errors++
				}
				mu.Unlock()
			}(symbol)
		}
		wg.Wait()
	}
	return evaluated, entered, errors
}

// tryEnter runs the guarded entry sequence for one symbol: evaluate, lock,
// re-check, enter, protect. The lock is released no matter how the attempt
// ends.
func (c *Controller) tryEnter(ctx context.Context, symbol string, mu *sync.Mutex, open *int) (bool, bool) {
	snap, err := c.snapshot(ctx, symbol)
	if err != nil {
		log.Printf("bot: evaluate %s: %v", symbol, err)
		return false, true
	}

	advice := c.evaluator.Decide(snap)
	if advice == rules.AdviceHold {
		return false, false
	}
	side := common.SideBuy
	if advice == rules.AdviceShort {
		side = common.SideSell
	}

	if !c.locks.TryAcquire(symbol) {
		log.Printf("bot: %s entry already in flight", symbol)
		return false, false
	}
	defer c.locks.Release(symbol)

	// Re-check under the lock; a position may have appeared since the scan.
	positions, err := c.market.Positions(ctx)
	if err != nil {
		return false, true
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return false, false
		}
	}
	pending, err := c.market.OpenOrders(ctx, symbol)
	if err != nil {
		return false, true
	}
	if len(pending) > 0 {
		log.Printf("bot: %s has pending orders, skipping entry", symbol)
		return false, false
	}
	mu.Lock()
	if *open >= c.settings.MaxOpenPositions {
		mu.Unlock()
		return false, false
	}
	*open++
	mu.Unlock()

	price, ok := c.market.Price(symbol)
	if !ok {
		price = snap.Price
	}

	entry, err := c.exec.Enter(ctx, symbol, side, c.settings.TradeNotional, price)
	if err != nil {
		log.Printf("bot: enter %s: %v", symbol, err)
		mu.Lock()
		*open--
		mu.Unlock()
		return false, true
	}

	fill := entry.Result.AvgPrice
	if fill <= 0 {
		fill = price
	}
	b := c.bracketFor(symbol, side, fill, snap.ATR)
	if err := c.exec.PlaceBracketWithRetries(ctx, b, entry.Qty); err != nil {
		// The executor already flattened; the position did not stand.
		log.Printf("bot: protect %s: %v", symbol, err)
		mu.Lock()
		*open--
		mu.Unlock()
		return false, true
	}

	c.bus.Publish(events.Event{
		Topic: events.TopicEntryOpened, Symbol: symbol, At: time.Now(),
		Side: string(side), Qty: entry.Qty, Price: fill,
	})
	return true, false
}

func (c *Controller) bracketFor(symbol string, side common.Side, fill, atr float64) order.Bracket {
	b := order.Bracket{Symbol: symbol, Side: side}
	if side == common.SideBuy {
		b.Stop = fill - atr*c.settings.ATRStopMult
		if c.settings.EnableTakeProfit {
			b.Target = fill + atr*c.settings.ATRTargetMult
		}
	} else {
		b.Stop = fill + atr*c.settings.ATRStopMult
		if c.settings.EnableTakeProfit {
			b.Target = fill - atr*c.settings.ATRTargetMult
		}
	}
	return b
}

func (c *Controller) snapshot(ctx context.Context, symbol string) (indicators.Snapshot, error) {
	candles, err := c.market.Candles(ctx, symbol)
	if err != nil {
		return indicators.Snapshot{}, err
	}
	bars := make([]indicators.Bar, len(candles))
	for i, cd := range candles {
		bars[i] = indicators.Bar{
			OpenTime: cd.OpenTime, Open: cd.Open, High: cd.High, Low: cd.Low,
			Close: cd.Close, Volume: cd.Volume, CloseTime: cd.CloseTime,
		}
	}
	snap, err := indicators.Build(symbol, bars, c.indParams)
	if err != nil {
		return indicators.Snapshot{}, err
	}
	if price, ok := c.market.Price(symbol); ok {
		snap.Price = price
	}
	return snap, nil
}

func (c *Controller) publishSummary(res CycleResult) {
	c.bus.Publish(events.Event{
		Topic: events.TopicCycleSummary, At: time.Now(),
		Evaluated: res.Evaluated, Entered: res.Entered, Closed: res.Closed,
		Errors: res.Errors, Elapsed: res.Elapsed,
	})
}
