package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/oakline/tradegate/internal/httpclient"
)

// HTTPMarketData is a MarketDataClient backed by the firm's market-data
// HTTP service. Outbound calls are paced by a token-bucket limiter so a
// burst of submissions cannot exhaust the provider quota.
type HTTPMarketData struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPMarketDataConfig configures the market-data client.
type HTTPMarketDataConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     int
	Burst   int
}

// NewHTTPMarketData creates a market-data client.
func NewHTTPMarketData(cfg HTTPMarketDataConfig) *HTTPMarketData {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}
	return &HTTPMarketData{
		baseURL: cfg.BaseURL,
		client: httpclient.New(httpclient.Config{
			Timeout:   cfg.Timeout,
			UserAgent: "tradegate/1.0",
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type quoteResponse struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Exchange string  `json:"exchange"`
}

// Lookup fetches the latest quote for symbol. A 404 maps to ErrNotFound;
// transport failures and server errors map to ErrUnavailable so the caller's
// breaker and fallback chain can account for them uniformly.
func (m *HTTPMarketData) Lookup(ctx context.Context, symbol string) (InstrumentInfo, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return InstrumentInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	endpoint := fmt.Sprintf("%s/v1/quotes/%s", m.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return InstrumentInfo{}, fmt.Errorf("build quote request: %w", err)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("market data request failed")
		return InstrumentInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return InstrumentInfo{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	case resp.StatusCode != http.StatusOK:
		return InstrumentInfo{}, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var quote quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return InstrumentInfo{}, fmt.Errorf("%w: decode quote: %v", ErrUnavailable, err)
	}

	log.Debug().
		Str("symbol", symbol).
		Float64("price", quote.Price).
		Dur("latency", time.Since(start)).
		Msg("market data lookup")

	return InstrumentInfo{
		Symbol:   quote.Symbol,
		Name:     quote.Name,
		Price:    quote.Price,
		Currency: quote.Currency,
		Exchange: quote.Exchange,
	}, nil
}
