package gateway

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the upstream resolved the request but knows no such
	// instrument. Not retried, never served from fallback.
	ErrNotFound = errors.New("gateway: instrument not found")

	// ErrUnavailable means the upstream could not be reached: network
	// failure, timeout, or an open circuit. Candidates for the fallback
	// chain.
	ErrUnavailable = errors.New("gateway: dependency unavailable")
)

// InstrumentInfo is a resolved market-data lookup.
type InstrumentInfo struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Exchange string  `json:"exchange"`
}

// Conversion is a currency-to-USD conversion with the rate that produced it
// and where that rate came from.
type Conversion struct {
	USDAmount float64 `json:"usd_amount"`
	Rate      float64 `json:"rate"`
	Source    string  `json:"source"`
}

// Rate sources, in decreasing order of confidence.
const (
	RateSourceLive    = "live"
	RateSourceCache   = "cache"
	RateSourceStale   = "stale"
	RateSourceStatic  = "static"
	RateSourceNeutral = "neutral"
)

// MarketDataClient looks up an instrument on the external market-data
// service.
type MarketDataClient interface {
	Lookup(ctx context.Context, symbol string) (InstrumentInfo, error)
}

// CurrencyClient resolves a currency's USD exchange rate on the external
// currency service.
type CurrencyClient interface {
	RateToUSD(ctx context.Context, currency string) (float64, error)
}
