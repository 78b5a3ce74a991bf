package filters

import (
	"context"
	"errors"
	"testing"
	"time"

	"perpbot/pkg/exchanges/binance/futures"
)

type fakeCatalog struct {
	info  *futures.ExchangeInfo
	err   error
	calls int
}

func (f *fakeCatalog) ExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func catalogWith(symbols ...string) *futures.ExchangeInfo {
	info := &futures.ExchangeInfo{}
	for _, s := range symbols {
		info.Symbols = append(info.Symbols, futures.SymbolInfo{
			Symbol:       s,
			Status:       "TRADING",
			ContractType: "PERPETUAL",
			QuoteAsset:   "USDT",
			Filters: []futures.SymbolFilter{
				{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
				{FilterType: "PRICE_FILTER", TickSize: "0.01", MinPrice: "0.01"},
				{FilterType: "MIN_NOTIONAL", Notional: "5"},
			},
		})
	}
	return info
}

func TestResolverRules(t *testing.T) {
	fake := &fakeCatalog{info: catalogWith("BTCUSDT")}
	r := NewResolver(fake)

	f, err := r.Rules(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Rules returned error: %v", err)
	}
	if f.StepSize != 0.001 || f.TickSize != 0.01 || f.MinNotional != 5 {
		t.Fatalf("unexpected filters: %+v", f)
	}

	// Second read within the TTL must not refetch.
	if _, err := r.Rules(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Rules returned error: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("catalog fetched %d times, expected 1", fake.calls)
	}
}

func TestResolverUnknownSymbol(t *testing.T) {
	r := NewResolver(&fakeCatalog{info: catalogWith("BTCUSDT")})

	_, err := r.Rules(context.Background(), "NOPEUSDT")
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("err = %v, expected ErrUnknownSymbol", err)
	}
}

func TestResolverServesStaleCacheOnFetchFailure(t *testing.T) {
	fake := &fakeCatalog{info: catalogWith("BTCUSDT")}
	r := NewResolver(fake)

	if _, err := r.Rules(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("seed fetch failed: %v", err)
	}

	// Expire the cache and make the next fetch fail; the stale catalog must
	// still serve callers.
	fake.err = errors.New("network down")
	r.mu.Lock()
	r.expiry = time.Now().Add(-time.Second)
	r.mu.Unlock()

	if _, err := r.Rules(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("expected stale cache to serve, got error: %v", err)
	}
}

func TestResolverFailsWithoutAnyCache(t *testing.T) {
	r := NewResolver(&fakeCatalog{err: errors.New("network down")})
	if _, err := r.Rules(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected error when no catalog has ever been fetched")
	}
}

func TestResolverRejectsMalformedFilterValues(t *testing.T) {
	info := catalogWith("BTCUSDT")
	info.Symbols = append(info.Symbols, futures.SymbolInfo{
		Symbol: "BADUSDT", Status: "TRADING", ContractType: "PERPETUAL", QuoteAsset: "USDT",
		Filters: []futures.SymbolFilter{
			{FilterType: "LOT_SIZE", StepSize: "not-a-number", MinQty: "0.001"},
			{FilterType: "PRICE_FILTER", TickSize: "0.01", MinPrice: "0.01"},
			{FilterType: "MIN_NOTIONAL", Notional: "5"},
		},
	})
	r := NewResolver(&fakeCatalog{info: info})

	// A symbol whose step size does not parse is unusable for quantization
	// and must be dropped from the catalog.
	if _, err := r.Rules(context.Background(), "BADUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected malformed symbol to be excluded, got %v", err)
	}
	if _, err := r.Rules(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("healthy symbol lost: %v", err)
	}
}

func TestResolverSkipsNonPerpetuals(t *testing.T) {
	info := catalogWith("BTCUSDT")
	info.Symbols = append(info.Symbols, futures.SymbolInfo{
		Symbol: "BTCUSDT_240927", Status: "TRADING", ContractType: "CURRENT_QUARTER", QuoteAsset: "USDT",
		Filters: info.Symbols[0].Filters,
	})
	r := NewResolver(&fakeCatalog{info: info})

	if _, err := r.Rules(context.Background(), "BTCUSDT_240927"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected quarterly contract to be excluded, got %v", err)
	}
}
