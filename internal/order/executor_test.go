package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"perpbot/internal/filters"
	"perpbot/pkg/exchanges/binance/futures"
	"perpbot/pkg/exchanges/common"
)

type fakeGateway struct {
	submitted []common.OrderRequest
	canceled  []string
	errs      []error // popped per SubmitOrder call; nil means success
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.submitted = append(g.submitted, req)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return common.OrderResult{}, err
		}
	}
	return common.OrderResult{ExchangeOrderID: "1", Status: common.StatusFilled, ClientID: req.ClientID}, nil
}

func (g *fakeGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	g.canceled = append(g.canceled, symbol)
	return nil
}

type fakeFilters struct{ f filters.SymbolFilters }

func (s fakeFilters) Rules(ctx context.Context, symbol string) (filters.SymbolFilters, error) {
	return s.f, nil
}

func btcFilters() fakeFilters {
	return fakeFilters{f: filters.SymbolFilters{StepSize: 0.001, MinQty: 0.001, TickSize: 0.1, MinNotional: 100}}
}

func TestEnterQuantizesAndSubmitsMarketOrder(t *testing.T) {
	gw := &fakeGateway{}
	e := NewExecutor(gw, btcFilters())

	entry, err := e.Enter(context.Background(), "BTCUSDT", common.SideBuy, 200, 50000)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Qty != 0.004 {
		t.Fatalf("qty = %v, want 0.004", entry.Qty)
	}
	req := gw.submitted[0]
	if req.Type != common.OrderTypeMarket || req.Qty != "0.004" || req.Side != common.SideBuy {
		t.Fatalf("request = %+v", req)
	}
	if !strings.HasPrefix(req.ClientID, "pb-") || len(req.ClientID) > 36 {
		t.Fatalf("client ID %q", req.ClientID)
	}
}

func TestEnterBumpsToMinNotional(t *testing.T) {
	gw := &fakeGateway{}
	e := NewExecutor(gw, btcFilters())

	// 50 USDT at 50k is 0.001 BTC, notional 50 < min 100.
	entry, err := e.Enter(context.Background(), "BTCUSDT", common.SideBuy, 50, 50000)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Qty*50000 < 100 {
		t.Fatalf("qty %v notional %v below minimum", entry.Qty, entry.Qty*50000)
	}
}

func TestSubmitDoesNotRetryTerminalErrors(t *testing.T) {
	terminal := &futures.APIError{Status: 400, Code: -2020, Msg: "unable to fill"}
	gw := &fakeGateway{errs: []error{terminal}}
	e := NewExecutor(gw, btcFilters())

	_, err := e.Enter(context.Background(), "BTCUSDT", common.SideBuy, 200, 50000)
	if err == nil {
		t.Fatal("want error")
	}
	if !futures.IsTerminal(err) {
		t.Fatalf("error lost its classification: %v", err)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("submitted %d times, want 1", len(gw.submitted))
	}
}

func TestSubmitRetriesOnceWhenRateLimited(t *testing.T) {
	limited := &futures.APIError{Status: 429, Code: -1003, Msg: "too many requests"}
	gw := &fakeGateway{errs: []error{limited, nil}}
	e := NewExecutor(gw, btcFilters())
	e.rateLimitWait = time.Millisecond

	entry, err := e.Enter(context.Background(), "BTCUSDT", common.SideBuy, 200, 50000)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Result.Status != common.StatusFilled {
		t.Fatalf("status = %s", entry.Result.Status)
	}
	if len(gw.submitted) != 2 {
		t.Fatalf("submitted %d times, want 2", len(gw.submitted))
	}
}

func TestSubmitPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("connection reset")
	gw := &fakeGateway{errs: []error{boom}}
	e := NewExecutor(gw, btcFilters())

	_, err := e.Enter(context.Background(), "BTCUSDT", common.SideBuy, 200, 50000)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("submitted %d times, want 1", len(gw.submitted))
	}
}

func TestPlaceBracketSubmitsBothLegs(t *testing.T) {
	gw := &fakeGateway{}
	e := NewExecutor(gw, btcFilters())

	err := e.PlaceBracket(context.Background(), Bracket{
		Symbol: "BTCUSDT", Side: common.SideBuy, Stop: 48999.97, Target: 52000.04,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(gw.submitted) != 2 {
		t.Fatalf("submitted %d legs, want 2", len(gw.submitted))
	}
	stop := gw.submitted[0]
	if stop.Type != common.OrderTypeStopMarket || stop.Side != common.SideSell || !stop.ClosePosition {
		t.Fatalf("stop leg = %+v", stop)
	}
	if stop.StopPrice != 49000 {
		t.Fatalf("stop price %v not tick-aligned", stop.StopPrice)
	}
	tp := gw.submitted[1]
	if tp.Type != common.OrderTypeTakeProfitMarket || tp.StopPrice != 52000 {
		t.Fatalf("take-profit leg = %+v", tp)
	}
}

func TestPlaceBracketSkipsTargetWhenZero(t *testing.T) {
	gw := &fakeGateway{}
	e := NewExecutor(gw, btcFilters())

	if err := e.PlaceBracket(context.Background(), Bracket{Symbol: "BTCUSDT", Side: common.SideSell, Stop: 51000}); err != nil {
		t.Fatal(err)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("submitted %d legs, want 1", len(gw.submitted))
	}
	if gw.submitted[0].Side != common.SideBuy {
		t.Fatalf("short stop side = %s, want BUY", gw.submitted[0].Side)
	}
}

func TestBracketFailureFlattensPosition(t *testing.T) {
	// Every stop attempt is terminally rejected; the final flatten succeeds.
	reject := &futures.APIError{Status: 400, Code: -4131, Msg: "price protection"}
	gw := &fakeGateway{errs: []error{reject, reject, reject}}
	e := NewExecutor(gw, btcFilters())
	e.retryDelay = time.Millisecond

	err := e.PlaceBracketWithRetries(context.Background(), Bracket{
		Symbol: "BTCUSDT", Side: common.SideBuy, Stop: 49000,
	}, 0.004)
	if err == nil {
		t.Fatal("want error after exhausted attempts")
	}
	if len(gw.canceled) != 1 || gw.canceled[0] != "BTCUSDT" {
		t.Fatalf("canceled = %v", gw.canceled)
	}
	last := gw.submitted[len(gw.submitted)-1]
	if last.Type != common.OrderTypeMarket || !last.ReduceOnly || last.Side != common.SideSell || last.Qty != "0.004" {
		t.Fatalf("flatten order = %+v", last)
	}
}
