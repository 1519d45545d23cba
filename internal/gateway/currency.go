package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/oakline/tradegate/internal/httpclient"
)

// HTTPCurrency is a CurrencyClient backed by an exchange-rate HTTP service
// exposing latest rates per base currency.
type HTTPCurrency struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPCurrencyConfig configures the currency client.
type HTTPCurrencyConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     int
	Burst   int
}

// NewHTTPCurrency creates a currency client.
func NewHTTPCurrency(cfg HTTPCurrencyConfig) *HTTPCurrency {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}
	return &HTTPCurrency{
		baseURL: cfg.BaseURL,
		client: httpclient.New(httpclient.Config{
			Timeout:   cfg.Timeout,
			UserAgent: "tradegate/1.0",
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// RateToUSD fetches the USD rate for currency. A missing rate in an
// otherwise valid response maps to ErrNotFound; transport and server
// failures map to ErrUnavailable.
func (c *HTTPCurrency) RateToUSD(ctx context.Context, currency string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	endpoint := fmt.Sprintf("%s/v4/latest/%s", c.baseURL, url.PathEscape(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build rate request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("currency", currency).Msg("currency rate request failed")
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var rates ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return 0, fmt.Errorf("%w: decode rates: %v", ErrUnavailable, err)
	}

	usd, ok := rates.Rates["USD"]
	if !ok || usd <= 0 {
		return 0, fmt.Errorf("%w: no USD rate for %s", ErrNotFound, currency)
	}

	return usd, nil
}
