package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"

	"github.com/oakline/tradegate/internal/metrics"
)

// Dependency names, one breaker per dependency. All calls to a dependency
// share fate: a failure burst on one symbol opens the circuit for every
// symbol during the cooldown.
const (
	depMarketData = "marketdata"
	depCurrency   = "currency"
)

// Config tunes the gateway's resilience behavior.
type Config struct {
	// CallTimeout bounds each individual network attempt. A timeout counts
	// as a failure for retry and breaker accounting.
	CallTimeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BackoffBase is the initial retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// InstrumentTTL is the cache validity window for instrument lookups.
	InstrumentTTL time.Duration
	// CurrencyTTL is the cache validity window for exchange rates.
	CurrencyTTL time.Duration
	// StaticRateTTL is the short grace window applied when a static
	// approximate rate is served because the currency service is down.
	StaticRateTTL time.Duration

	Breaker BreakerConfig
}

// DefaultConfig returns the documented gateway defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:   5 * time.Second,
		MaxRetries:    2,
		BackoffBase:   400 * time.Millisecond,
		BackoffMax:    5 * time.Second,
		InstrumentTTL: 10 * time.Minute,
		CurrencyTTL:   10 * time.Minute,
		StaticRateTTL: 2 * time.Minute,
		Breaker:       DefaultBreakerConfig(),
	}
}

// staticRates are approximate USD rates for major currencies, used as the
// second fallback when the currency service is unreachable and no cached
// rate exists.
var staticRates = map[string]float64{
	"HKD": 0.128,
	"GBP": 1.27,
	"CAD": 0.74,
	"JPY": 0.0067,
	"EUR": 1.09,
}

// Gateway is the resilient front to the market-data and currency services.
// One instance is constructed at process start and shared by all concurrent
// decision evaluations; its cache and breakers are safe for concurrent use.
type Gateway struct {
	cfg        Config
	marketData MarketDataClient
	currency   CurrencyClient
	cache      *Cache
	mdBreaker  *Breaker
	fxBreaker  *Breaker
	metrics    *metrics.Registry
}

// New creates a gateway over the given clients.
func New(cfg Config, md MarketDataClient, fx CurrencyClient, reg *metrics.Registry) *Gateway {
	return &Gateway{
		cfg:        cfg,
		marketData: md,
		currency:   fx,
		cache:      NewCache(),
		mdBreaker:  NewBreaker(depMarketData, cfg.Breaker),
		fxBreaker:  NewBreaker(depCurrency, cfg.Breaker),
		metrics:    reg,
	}
}

// LookupInstrument resolves symbol against the market-data service. The
// lookup is fail-closed: when the service is down and no cached quote
// exists, the error is surfaced rather than a fabricated price. A stale
// cached quote is acceptable degraded behavior; a zero price never is.
func (g *Gateway) LookupInstrument(ctx context.Context, symbol string) (InstrumentInfo, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := "instrument:" + symbol

	if value, fresh, ok := g.cache.Get(key); ok && fresh {
		g.countCacheHit(depMarketData, "fresh")
		return value.(InstrumentInfo), nil
	}
	g.metrics.CacheMisses.WithLabelValues(depMarketData).Inc()

	info, err := g.callMarketData(ctx, symbol)
	if err == nil {
		g.cache.Set(key, info, g.cfg.InstrumentTTL)
		return info, nil
	}
	if errors.Is(err, ErrNotFound) {
		return InstrumentInfo{}, err
	}

	// Fallback: a stale quote beats no quote, but only an explicit error
	// beats no data at all.
	if value, _, ok := g.cache.Get(key); ok {
		g.metrics.Fallbacks.WithLabelValues(depMarketData, "stale").Inc()
		log.Warn().Str("symbol", symbol).Msg("serving stale instrument quote")
		return value.(InstrumentInfo), nil
	}

	return InstrumentInfo{}, err
}

// ConvertToUSD converts amount from currency into USD, recording the rate
// used and its provenance. USD amounts short-circuit with rate 1 and no
// network call. On failure the fallback chain runs: stale cached rate, then
// a static approximate rate for major currencies, then the neutral rate 1
// as a logged last resort.
func (g *Gateway) ConvertToUSD(ctx context.Context, amount float64, currency string) (Conversion, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || currency == "USD" {
		return Conversion{USDAmount: amount, Rate: 1, Source: RateSourceLive}, nil
	}

	key := "currency:" + currency

	if value, fresh, ok := g.cache.Get(key); ok && fresh {
		g.countCacheHit(depCurrency, "fresh")
		entry := value.(rateEntry)
		return conversion(amount, entry.Rate, entry.cachedSource()), nil
	}
	g.metrics.CacheMisses.WithLabelValues(depCurrency).Inc()

	rate, err := g.callCurrency(ctx, currency)
	if err == nil {
		g.cache.Set(key, rateEntry{Rate: rate, Source: RateSourceLive}, g.cfg.CurrencyTTL)
		return conversion(amount, rate, RateSourceLive), nil
	}

	if value, _, ok := g.cache.Get(key); ok {
		entry := value.(rateEntry)
		g.metrics.Fallbacks.WithLabelValues(depCurrency, "stale").Inc()
		log.Warn().Str("currency", currency).Float64("rate", entry.Rate).Msg("serving stale exchange rate")
		return conversion(amount, entry.Rate, RateSourceStale), nil
	}

	if rate, ok := staticRates[currency]; ok {
		g.cache.Set(key, rateEntry{Rate: rate, Source: RateSourceStatic}, g.cfg.StaticRateTTL)
		g.metrics.Fallbacks.WithLabelValues(depCurrency, "static").Inc()
		log.Warn().Str("currency", currency).Float64("rate", rate).Msg("serving static approximate rate")
		return conversion(amount, rate, RateSourceStatic), nil
	}

	// Last resort. Only conversion may degrade to neutral; instrument
	// prices are never fabricated.
	g.metrics.Fallbacks.WithLabelValues(depCurrency, "neutral").Inc()
	log.Error().Str("currency", currency).Err(err).Msg("no rate available, degrading to neutral 1.0")
	return conversion(amount, 1, RateSourceNeutral), nil
}

// BreakerStates reports the current circuit state per dependency.
func (g *Gateway) BreakerStates() map[string]string {
	return map[string]string{
		depMarketData: g.mdBreaker.State(),
		depCurrency:   g.fxBreaker.State(),
	}
}

// SweepCache drops cache entries expired for longer than retention.
func (g *Gateway) SweepCache(retention time.Duration) int {
	return g.cache.Sweep(retention)
}

// rateEntry is a cached exchange rate with its original provenance.
type rateEntry struct {
	Rate   float64
	Source string
}

// cachedSource maps a stored entry's provenance to the source reported on a
// fresh cache hit: live rates read back as "cache", a static rate stays
// labeled "static" through its grace window.
func (e rateEntry) cachedSource() string {
	if e.Source == RateSourceStatic {
		return RateSourceStatic
	}
	return RateSourceCache
}

func conversion(amount, rate float64, source string) Conversion {
	return Conversion{USDAmount: amount * rate, Rate: rate, Source: source}
}

// lookupResult lets a not-found answer flow through the breaker as a
// healthy response: the dependency answered, it just knows no such symbol.
type lookupResult struct {
	info        InstrumentInfo
	notFound    bool
	notFoundErr error
}

func (g *Gateway) callMarketData(ctx context.Context, symbol string) (InstrumentInfo, error) {
	start := time.Now()
	res, err := g.mdBreaker.Execute(func() (interface{}, error) {
		var out lookupResult
		retryErr := g.withRetry(ctx, func(callCtx context.Context) error {
			info, err := g.marketData.Lookup(callCtx, symbol)
			if errors.Is(err, ErrNotFound) {
				out = lookupResult{notFound: true, notFoundErr: err}
				return nil
			}
			if err != nil {
				return err
			}
			out = lookupResult{info: info}
			return nil
		})
		if retryErr != nil {
			return nil, retryErr
		}
		return out, nil
	})
	g.observeCall(depMarketData, g.mdBreaker, start, err)

	if err != nil {
		return InstrumentInfo{}, mapBreakerErr(err)
	}

	result := res.(lookupResult)
	if result.notFound {
		return InstrumentInfo{}, result.notFoundErr
	}
	if result.info.Price <= 0 {
		// Fail closed: a non-positive price can never silently approve.
		return InstrumentInfo{}, fmt.Errorf("%w: non-positive price for %s", ErrUnavailable, symbol)
	}
	return result.info, nil
}

func (g *Gateway) callCurrency(ctx context.Context, currency string) (float64, error) {
	start := time.Now()
	res, err := g.fxBreaker.Execute(func() (interface{}, error) {
		var rate float64
		retryErr := g.withRetry(ctx, func(callCtx context.Context) error {
			r, err := g.currency.RateToUSD(callCtx, currency)
			if err != nil {
				return err
			}
			rate = r
			return nil
		})
		if retryErr != nil {
			return nil, retryErr
		}
		return rate, nil
	})
	g.observeCall(depCurrency, g.fxBreaker, start, err)

	if err != nil {
		return 0, mapBreakerErr(err)
	}
	return res.(float64), nil
}

// withRetry runs op with a per-attempt timeout and exponential backoff
// between attempts. ErrNotFound is terminal and never retried.
func (g *Gateway) withRetry(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.BackoffBase
	bo.MaxInterval = g.cfg.BackoffMax
	bo.Multiplier = 2

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = g.cfg.BackoffMax
			}
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err := op(callCtx)
		cancel()

		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		lastErr = err

		log.Debug().Err(err).Int("attempt", attempt+1).Msg("gateway call attempt failed")
	}

	return lastErr
}

func (g *Gateway) observeCall(dep string, b *Breaker, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
			outcome = "rejected"
		}
	}
	g.metrics.ExternalCalls.WithLabelValues(dep, outcome).Inc()
	g.metrics.CallDuration.WithLabelValues(dep).Observe(time.Since(start).Seconds())
	g.metrics.BreakerState.WithLabelValues(dep).Set(metrics.BreakerStateValue(b.State()))
}

func (g *Gateway) countCacheHit(dep, freshness string) {
	g.metrics.CacheHits.WithLabelValues(dep, freshness).Inc()
}

// mapBreakerErr folds gobreaker's fail-fast errors into the gateway's
// unavailability sentinel so callers account for them like any other outage.
func mapBreakerErr(err error) error {
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return err
}
