package filters

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"perpbot/pkg/exchanges/binance/futures"
)

// ErrUnknownSymbol is returned when a symbol is absent from the exchange
// catalog (or the catalog has never been fetched successfully).
var ErrUnknownSymbol = errors.New("symbol not in exchange catalog")

// SymbolFilters holds the order-quantization rules for one symbol.
type SymbolFilters struct {
	StepSize    float64
	MinQty      float64
	TickSize    float64
	MinPrice    float64
	MinNotional float64
}

// CatalogFetcher provides the full exchange symbol catalog.
type CatalogFetcher interface {
	ExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error)
}

const catalogTTL = 5 * time.Minute

// Resolver caches per-symbol trading filters from exchangeInfo with a TTL.
// On refresh failure it serves the last good catalog rather than failing
// callers.
type Resolver struct {
	fetcher CatalogFetcher

	mu     sync.Mutex
	cache  map[string]SymbolFilters
	expiry time.Time
	ttl    time.Duration
}

// NewResolver creates a resolver with the default 5-minute TTL.
func NewResolver(fetcher CatalogFetcher) *Resolver {
	return &Resolver{fetcher: fetcher, ttl: catalogTTL}
}

// Rules returns the filters for symbol, refreshing the catalog lazily when
// the TTL has elapsed.
func (r *Resolver) Rules(ctx context.Context, symbol string) (SymbolFilters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache == nil || time.Now().After(r.expiry) {
		if err := r.refreshLocked(ctx); err != nil {
			if r.cache == nil {
				return SymbolFilters{}, fmt.Errorf("fetch exchange catalog: %w", err)
			}
			log.Printf("filters: catalog refresh failed, serving stale cache: %v", err)
		}
	}

	f, ok := r.cache[symbol]
	if !ok {
		return SymbolFilters{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return f, nil
}

// Symbols returns every tradable symbol currently in the catalog.
func (r *Resolver) Symbols(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cache == nil || time.Now().After(r.expiry) {
		if err := r.refreshLocked(ctx); err != nil && r.cache == nil {
			return nil, fmt.Errorf("fetch exchange catalog: %w", err)
		}
	}
	out := make([]string, 0, len(r.cache))
	for s := range r.cache {
		out = append(out, s)
	}
	return out, nil
}

// Invalidate forces a refresh on the next read.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.expiry = time.Time{}
	r.mu.Unlock()
}

func (r *Resolver) refreshLocked(ctx context.Context) error {
	info, err := r.fetcher.ExchangeInfo(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]SymbolFilters)
	for _, s := range info.Symbols {
		// USDT-quoted perpetuals only.
		if s.Status != "TRADING" || s.QuoteAsset != "USDT" {
			continue
		}
		if s.ContractType != "" && s.ContractType != "PERPETUAL" {
			continue
		}
		f, ok := extractFilters(s)
		if !ok {
			continue
		}
		next[s.Symbol] = f
	}

	r.cache = next
	r.expiry = time.Now().Add(r.ttl)
	return nil
}

func extractFilters(s futures.SymbolInfo) (SymbolFilters, bool) {
	var out SymbolFilters
	var haveLot, havePrice, haveNotional bool
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			out.StepSize = parseFloat(f.StepSize)
			out.MinQty = parseFloat(f.MinQty)
			haveLot = true
		case "PRICE_FILTER":
			out.TickSize = parseFloat(f.TickSize)
			out.MinPrice = parseFloat(f.MinPrice)
			havePrice = true
		case "MIN_NOTIONAL":
			out.MinNotional = parseFloat(f.Notional)
			haveNotional = true
		}
	}
	if !haveLot || !havePrice || !haveNotional {
		return SymbolFilters{}, false
	}
	// All rules must be usable for quantization.
	if out.StepSize <= 0 || out.TickSize <= 0 {
		return SymbolFilters{}, false
	}
	return out, true
}

// parseFloat reads one catalog filter value; malformed values come back as 0
// and fail the usability check in extractFilters.
func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
