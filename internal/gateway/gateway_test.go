package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/tradegate/internal/metrics"
)

type scriptedMarketData struct {
	calls int32
	fn    func(symbol string) (InstrumentInfo, error)
}

func (s *scriptedMarketData) Lookup(_ context.Context, symbol string) (InstrumentInfo, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(symbol)
}

type scriptedCurrency struct {
	calls int32
	fn    func(currency string) (float64, error)
}

func (s *scriptedCurrency) RateToUSD(_ context.Context, currency string) (float64, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(currency)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.MaxRetries = 0
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return cfg
}

func newTestGateway(cfg Config, md MarketDataClient, fx CurrencyClient) *Gateway {
	return New(cfg, md, fx, metrics.NewRegistry(prometheus.NewRegistry()))
}

// ageEntry backdates a cache entry so TTL expiry can be tested without
// sleeping.
func ageEntry(c *Cache, key string, by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[key]
	entry.storedAt = entry.storedAt.Add(-by)
	c.entries[key] = entry
}

func TestLookupInstrument_CacheHitSkipsNetwork(t *testing.T) {
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		return InstrumentInfo{Symbol: "AAPL", Name: "Apple Inc.", Price: 185.5, Currency: "USD"}, nil
	}}
	gw := newTestGateway(testConfig(), md, &scriptedCurrency{})

	first, err := gw.LookupInstrument(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, 185.5, first.Price)

	second, err := gw.LookupInstrument(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&md.calls), "second request within TTL must not call the network")
}

func TestLookupInstrument_ExpiredEntryRefreshesOnce(t *testing.T) {
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		return InstrumentInfo{Symbol: "AAPL", Price: 190, Currency: "USD"}, nil
	}}
	cfg := testConfig()
	gw := newTestGateway(cfg, md, &scriptedCurrency{})

	_, err := gw.LookupInstrument(context.Background(), "AAPL")
	require.NoError(t, err)

	ageEntry(gw.cache, "instrument:AAPL", cfg.InstrumentTTL+time.Minute)

	_, err = gw.LookupInstrument(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&md.calls), "expired entry must trigger exactly one refresh")
}

func TestLookupInstrument_StaleFallbackOnFailure(t *testing.T) {
	healthy := true
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		if healthy {
			return InstrumentInfo{Symbol: "NVDA", Price: 950, Currency: "USD"}, nil
		}
		return InstrumentInfo{}, fmt.Errorf("%w: connection refused", ErrUnavailable)
	}}
	cfg := testConfig()
	gw := newTestGateway(cfg, md, &scriptedCurrency{})

	_, err := gw.LookupInstrument(context.Background(), "NVDA")
	require.NoError(t, err)

	healthy = false
	ageEntry(gw.cache, "instrument:NVDA", cfg.InstrumentTTL+time.Minute)

	info, err := gw.LookupInstrument(context.Background(), "NVDA")
	require.NoError(t, err, "stale quote should be served when the dependency is down")
	assert.Equal(t, 950.0, info.Price)
}

func TestLookupInstrument_FailClosedWithoutFallback(t *testing.T) {
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		return InstrumentInfo{}, fmt.Errorf("%w: timeout", ErrUnavailable)
	}}
	gw := newTestGateway(testConfig(), md, &scriptedCurrency{})

	_, err := gw.LookupInstrument(context.Background(), "NVDA")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLookupInstrument_NonPositivePriceFailsClosed(t *testing.T) {
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		return InstrumentInfo{Symbol: "ZVZZT", Price: 0, Currency: "USD"}, nil
	}}
	gw := newTestGateway(testConfig(), md, &scriptedCurrency{})

	_, err := gw.LookupInstrument(context.Background(), "ZVZZT")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLookupInstrument_NotFoundNotRetriedAndNotCounted(t *testing.T) {
	md := &scriptedMarketData{fn: func(symbol string) (InstrumentInfo, error) {
		return InstrumentInfo{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	gw := newTestGateway(cfg, md, &scriptedCurrency{})

	_, err := gw.LookupInstrument(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&md.calls), "not-found must not be retried")
	assert.Equal(t, "closed", gw.BreakerStates()["marketdata"], "not-found is a healthy response, not a breaker failure")
}

func TestLookupInstrument_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return InstrumentInfo{}, fmt.Errorf("%w: flaky", ErrUnavailable)
		}
		return InstrumentInfo{Symbol: "MSFT", Price: 420, Currency: "USD"}, nil
	}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	gw := newTestGateway(cfg, md, &scriptedCurrency{})

	info, err := gw.LookupInstrument(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 420.0, info.Price)
	assert.Equal(t, int32(3), atomic.LoadInt32(&md.calls))
	assert.Equal(t, "closed", gw.BreakerStates()["marketdata"], "a recovered call must not count as a breaker failure")
}

func TestBreaker_OpensAfterConsecutiveFailuresAndFailsFast(t *testing.T) {
	md := &scriptedMarketData{fn: func(string) (InstrumentInfo, error) {
		return InstrumentInfo{}, fmt.Errorf("%w: down", ErrUnavailable)
	}}
	gw := newTestGateway(testConfig(), md, &scriptedCurrency{})

	for i := 0; i < 3; i++ {
		_, err := gw.LookupInstrument(context.Background(), "AAPL")
		require.Error(t, err)
	}
	require.Equal(t, "open", gw.BreakerStates()["marketdata"])
	callsWhenOpened := atomic.LoadInt32(&md.calls)

	// Calls inside the cooldown window must not touch the network.
	for i := 0; i < 5; i++ {
		_, err := gw.LookupInstrument(context.Background(), "AAPL")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, callsWhenOpened, atomic.LoadInt32(&md.calls), "open breaker must reject without a network attempt")
}

func TestBreaker_OpenCircuitStillServesCurrencyFallback(t *testing.T) {
	fx := &scriptedCurrency{fn: func(string) (float64, error) {
		return 0, fmt.Errorf("%w: down", ErrUnavailable)
	}}
	gw := newTestGateway(testConfig(), &scriptedMarketData{}, fx)

	for i := 0; i < 3; i++ {
		conv, err := gw.ConvertToUSD(context.Background(), 100, "GBP")
		require.NoError(t, err, "static table should absorb the outage")
		assert.Equal(t, RateSourceStatic, conv.Source)
		// Drop the cached static rate so each iteration reaches the breaker.
		gw.cache.Sweep(-time.Hour)
	}
	require.Equal(t, "open", gw.BreakerStates()["currency"])
	callsWhenOpened := atomic.LoadInt32(&fx.calls)

	conv, err := gw.ConvertToUSD(context.Background(), 100, "GBP")
	require.NoError(t, err)
	assert.Equal(t, RateSourceStatic, conv.Source)
	assert.InDelta(t, 127.0, conv.USDAmount, 0.001)
	assert.Equal(t, callsWhenOpened, atomic.LoadInt32(&fx.calls))
}

func TestConvertToUSD_ShortCircuitsUSD(t *testing.T) {
	fx := &scriptedCurrency{fn: func(string) (float64, error) {
		return 0, errors.New("must not be called")
	}}
	gw := newTestGateway(testConfig(), &scriptedMarketData{}, fx)

	conv, err := gw.ConvertToUSD(context.Background(), 5000, "USD")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, conv.USDAmount)
	assert.Equal(t, 1.0, conv.Rate)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fx.calls))
}

func TestConvertToUSD_LiveThenCached(t *testing.T) {
	fx := &scriptedCurrency{fn: func(string) (float64, error) { return 0.128, nil }}
	gw := newTestGateway(testConfig(), &scriptedMarketData{}, fx)

	first, err := gw.ConvertToUSD(context.Background(), 1000, "HKD")
	require.NoError(t, err)
	assert.Equal(t, RateSourceLive, first.Source)
	assert.InDelta(t, 128.0, first.USDAmount, 0.001)

	second, err := gw.ConvertToUSD(context.Background(), 1000, "hkd")
	require.NoError(t, err)
	assert.Equal(t, RateSourceCache, second.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fx.calls))
}

func TestConvertToUSD_StaleFallback(t *testing.T) {
	healthy := true
	fx := &scriptedCurrency{fn: func(string) (float64, error) {
		if healthy {
			return 1.09, nil
		}
		return 0, fmt.Errorf("%w: down", ErrUnavailable)
	}}
	cfg := testConfig()
	gw := newTestGateway(cfg, &scriptedMarketData{}, fx)

	_, err := gw.ConvertToUSD(context.Background(), 100, "EUR")
	require.NoError(t, err)

	healthy = false
	ageEntry(gw.cache, "currency:EUR", cfg.CurrencyTTL+time.Minute)

	conv, err := gw.ConvertToUSD(context.Background(), 100, "EUR")
	require.NoError(t, err)
	assert.Equal(t, RateSourceStale, conv.Source)
	assert.Equal(t, 1.09, conv.Rate)
}

func TestConvertToUSD_NeutralLastResort(t *testing.T) {
	fx := &scriptedCurrency{fn: func(string) (float64, error) {
		return 0, fmt.Errorf("%w: down", ErrUnavailable)
	}}
	gw := newTestGateway(testConfig(), &scriptedMarketData{}, fx)

	// No cache, no static table entry for this currency: conversion
	// degrades to the neutral rate rather than failing the request.
	conv, err := gw.ConvertToUSD(context.Background(), 250, "CHF")
	require.NoError(t, err)
	assert.Equal(t, RateSourceNeutral, conv.Source)
	assert.Equal(t, 1.0, conv.Rate)
	assert.Equal(t, 250.0, conv.USDAmount)
}

func TestConvertToUSD_StaticRateCachedForGraceWindow(t *testing.T) {
	fx := &scriptedCurrency{fn: func(string) (float64, error) {
		return 0, fmt.Errorf("%w: down", ErrUnavailable)
	}}
	gw := newTestGateway(testConfig(), &scriptedMarketData{}, fx)

	first, err := gw.ConvertToUSD(context.Background(), 100, "JPY")
	require.NoError(t, err)
	require.Equal(t, RateSourceStatic, first.Source)
	callsAfterFirst := atomic.LoadInt32(&fx.calls)

	second, err := gw.ConvertToUSD(context.Background(), 100, "JPY")
	require.NoError(t, err)
	assert.Equal(t, RateSourceStatic, second.Source)
	assert.Equal(t, callsAfterFirst, atomic.LoadInt32(&fx.calls), "grace-cached static rate must not retry the network")
}
