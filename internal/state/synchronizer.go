package state

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"perpbot/pkg/exchanges/binance/futures"
	"perpbot/pkg/exchanges/common"
)

// restClient is the slice of the futures client the synchronizer needs.
type restClient interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]futures.Kline, error)
	Positions(ctx context.Context, symbol string) ([]futures.PositionRisk, error)
	OpenOrders(ctx context.Context, symbol string) ([]futures.OpenOrder, error)
	Account(ctx context.Context) (*futures.AccountInfo, error)
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	UserStreamURL(listenKey string) string
	CombinedStreamURL(streams []string) string
}

// Synchronizer mirrors exchange state into in-memory caches fed by websocket
// pushes. Candles, tickers, positions, open orders and the account balance
// each have a single writer: the consumer loop of the connection that feeds
// them. Reads copy under a shared lock and never block the stream.
type Synchronizer struct {
	client   restClient
	interval string

	mu      sync.RWMutex
	started bool
	symbols []string
	stop    chan struct{}
	wg      sync.WaitGroup

	windows      map[string]*CandleWindow
	bootstrapped map[string]bool
	tickers      map[string]TickerSnapshot
	positions    map[string]Position
	orders       map[int64]OpenOrder
	unrealized   map[string]float64
	balance      AccountBalance
	balanceSet   bool
	ordersSeeded bool

	// Fallback REST reads are rate limited so a dead stream cannot turn the
	// trading loop into a request storm.
	posFallback  *rate.Limiter
	ordFallback  *rate.Limiter
	acctFallback *rate.Limiter
}

// NewSynchronizer creates a synchronizer for the given kline interval
// (e.g. "5m"). Call Start to begin streaming.
func NewSynchronizer(client restClient, interval string) *Synchronizer {
	return &Synchronizer{
		client:       client,
		interval:     interval,
		windows:      make(map[string]*CandleWindow),
		bootstrapped: make(map[string]bool),
		tickers:      make(map[string]TickerSnapshot),
		positions:    make(map[string]Position),
		orders:       make(map[int64]OpenOrder),
		unrealized:   make(map[string]float64),
		posFallback:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		ordFallback:  rate.NewLimiter(rate.Every(10*time.Second), 1),
		acctFallback: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Start opens the private user stream and the multiplexed public stream for
// the given symbols. Calling Start on a running synchronizer logs and returns
// without side effects.
func (s *Synchronizer) Start(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		log.Printf("state: synchronizer already started, ignoring")
		return nil
	}
	if len(symbols) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("state: no symbols to synchronize")
	}
	s.started = true
	s.symbols = append([]string(nil), symbols...)
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	log.Printf("state: starting synchronizer for %d symbols interval=%s", len(symbols), s.interval)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runPrivateStream(ctx, stop)
	}()
	go func() {
		defer s.wg.Done()
		s.runPublicStream(ctx, stop, symbols)
	}()
	return nil
}

// Stop tears down the streams and clears every cache. Safe to call multiple
// times and before Start.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.windows = make(map[string]*CandleWindow)
	s.bootstrapped = make(map[string]bool)
	s.tickers = make(map[string]TickerSnapshot)
	s.positions = make(map[string]Position)
	s.orders = make(map[int64]OpenOrder)
	s.unrealized = make(map[string]float64)
	s.balanceSet = false
	s.ordersSeeded = false
	s.mu.Unlock()

	log.Printf("state: synchronizer stopped")
}

// Candles returns a copy of the symbol's window, oldest first. On first
// access for a symbol without enough history it bootstraps the window from a
// one-shot REST fetch; after that the stream keeps it current.
func (s *Synchronizer) Candles(ctx context.Context, symbol string) ([]Candle, error) {
	s.mu.RLock()
	done := s.bootstrapped[symbol]
	s.mu.RUnlock()

	if !done {
		if err := s.bootstrapCandles(ctx, symbol); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.windows[symbol]
	if w == nil {
		return nil, nil
	}
	return w.Bars(), nil
}

func (s *Synchronizer) bootstrapCandles(ctx context.Context, symbol string) error {
	klines, err := s.client.Klines(ctx, symbol, s.interval, windowCap)
	if err != nil {
		return fmt.Errorf("bootstrap candles %s: %w", symbol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootstrapped[symbol] {
		return nil
	}
	w := s.windows[symbol]
	if w == nil {
		w = NewCandleWindow()
		s.windows[symbol] = w
	}
	// Live bars already streamed in win over the snapshot by open time; the
	// fetch only backfills history behind them.
	live := w.Bars()
	w.bars = w.bars[:0]
	for _, k := range klines {
		w.Apply(Candle{
			OpenTime: k.OpenTime, Open: k.Open, High: k.High, Low: k.Low,
			Close: k.Close, Volume: k.Volume, CloseTime: k.CloseTime, Closed: true,
		})
	}
	for _, c := range live {
		w.Apply(c)
	}
	s.bootstrapped[symbol] = true
	log.Printf("state: bootstrapped %d candles for %s", w.Len(), symbol)
	return nil
}

// Price returns the last streamed trade price for a symbol. ok is false until
// the first ticker push arrives.
func (s *Synchronizer) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	if !ok || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}

// PositionFor returns the cached position for a symbol, if any.
func (s *Synchronizer) PositionFor(symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	return p, ok
}

// Positions returns all cached positions. When the cache is empty it falls
// back to a rate-limited REST read so reconciliation still sees reality after
// a stream gap; when the limiter denies the read the (possibly empty) cache
// is returned as is.
func (s *Synchronizer) Positions(ctx context.Context) ([]Position, error) {
	s.mu.RLock()
	n := len(s.positions)
	s.mu.RUnlock()

	if n == 0 && s.posFallback.Allow() {
		if err := s.refreshPositions(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Synchronizer) refreshPositions(ctx context.Context) error {
	risks, err := s.client.Positions(ctx, "")
	if err != nil {
		return fmt.Errorf("fallback positions read: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]Position)
	for _, r := range risks {
		qty := r.Qty()
		if qty == 0 {
			continue
		}
		s.positions[r.Symbol] = positionFrom(r.Symbol, qty, parseFloat(r.EntryPrice), time.UnixMilli(r.UpdateTime))
	}
	return nil
}

// OpenOrders returns cached open orders, optionally filtered by symbol. An
// unseeded cache triggers one rate-limited REST read; afterwards the private
// stream maintains it.
func (s *Synchronizer) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	s.mu.RLock()
	seeded := s.ordersSeeded
	s.mu.RUnlock()

	if !seeded && s.ordFallback.Allow() {
		if err := s.refreshOrders(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OpenOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (s *Synchronizer) refreshOrders(ctx context.Context) error {
	orders, err := s.client.OpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("fallback open orders read: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[int64]OpenOrder)
	for _, o := range orders {
		s.orders[o.OrderID] = OpenOrder{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          common.Side(o.Side),
			Type:          common.OrderType(o.Type),
			Status:        common.StatusNew,
			Qty:           parseFloat(o.OrigQty),
			Price:         parseFloat(o.Price),
			StopPrice:     parseFloat(o.StopPrice),
			ReduceOnly:    o.ReduceOnly,
		}
	}
	s.ordersSeeded = true
	return nil
}

// Balance returns the account view. The first call bootstraps it over REST;
// afterwards account pushes keep it current.
func (s *Synchronizer) Balance(ctx context.Context) (AccountBalance, error) {
	s.mu.RLock()
	set := s.balanceSet
	bal := s.balance
	s.mu.RUnlock()

	if set {
		return bal, nil
	}
	if !s.acctFallback.Allow() {
		return bal, nil
	}

	info, err := s.client.Account(ctx)
	if err != nil {
		return AccountBalance{}, fmt.Errorf("fallback account read: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.balanceSet {
		s.balance = AccountBalance{
			WalletBalance:    parseFloat(info.TotalWalletBalance),
			AvailableBalance: parseFloat(info.AvailableBalance),
			UnrealizedPnL:    parseFloat(info.TotalUnrealized),
			UpdatedAt:        time.Now(),
		}
		s.balanceSet = true
	}
	return s.balance, nil
}

// applyKline is the single writer for candle windows.
func (s *Synchronizer) applyKline(symbol string, c Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[symbol]
	if w == nil {
		w = NewCandleWindow()
		s.windows[symbol] = w
	}
	w.Apply(c)
}

func (s *Synchronizer) applyTicker(symbol string, price float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[symbol] = TickerSnapshot{Symbol: symbol, Price: price, Time: at}
}

// applyAccountUpdate merges an account push: position rows replace the cached
// entry for their symbol outright, a zero quantity deletes it, and the wallet
// balance is overwritten wholesale.
func (s *Synchronizer) applyAccountUpdate(ev accountUpdateEvent) {
	at := time.UnixMilli(ev.EventTime)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range ev.Data.Balances {
		if b.Asset != "USDT" {
			continue
		}
		s.balance.WalletBalance = parseFloat(b.WalletBalance)
		s.balance.AvailableBalance = parseFloat(b.CrossWallet)
		s.balance.UpdatedAt = at
		s.balanceSet = true
	}

	for _, p := range ev.Data.Positions {
		qty := parseFloat(p.Amount)
		if qty == 0 {
			delete(s.positions, p.Symbol)
			delete(s.unrealized, p.Symbol)
			continue
		}
		pos := positionFrom(p.Symbol, qty, parseFloat(p.EntryPrice), at)
		if prev, ok := s.positions[p.Symbol]; ok {
			pos.EntryTime = prev.EntryTime
		}
		s.positions[p.Symbol] = pos
		s.unrealized[p.Symbol] = parseFloat(p.Unrealized)
	}

	var total float64
	for _, u := range s.unrealized {
		total += u
	}
	s.balance.UnrealizedPnL = total
}

// applyOrderUpdate upserts the order by exchange ID, or removes it once the
// status is terminal.
func (s *Synchronizer) applyOrderUpdate(ev orderTradeEvent) {
	o := ev.Order
	var status common.OrderStatus
	switch o.Status {
	case "PARTIALLY_FILLED":
		status = common.StatusPartial
	case "EXPIRED_IN_MATCH":
		status = common.StatusExpired
	default:
		status = common.OrderStatus(o.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if status.Terminal() {
		delete(s.orders, o.OrderID)
		return
	}
	s.orders[o.OrderID] = OpenOrder{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientID,
		Side:          common.Side(o.Side),
		Type:          common.OrderType(o.Type),
		Status:        status,
		Qty:           parseFloat(o.Qty),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		ReduceOnly:    o.ReduceOnly,
	}
}

func positionFrom(symbol string, qty, entry float64, at time.Time) Position {
	side := common.SideBuy
	if qty < 0 {
		side = common.SideSell
	}
	return Position{Symbol: symbol, Side: side, EntryPrice: entry, Qty: qty, EntryTime: at}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
