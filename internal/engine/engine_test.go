package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/tradegate/internal/gateway"
	"github.com/oakline/tradegate/internal/metrics"
	"github.com/oakline/tradegate/internal/persistence"
)

// memRequests is an in-memory TradeRequestRepo with the same escalation
// guard semantics as the Postgres implementation.
type memRequests struct {
	rows []*persistence.TradeRequest
	seq  int64
}

func (m *memRequests) Insert(_ context.Context, req *persistence.TradeRequest) error {
	m.seq++
	req.Seq = m.seq
	clone := *req
	m.rows = append(m.rows, &clone)
	return nil
}

func (m *memRequests) Get(_ context.Context, id string) (*persistence.TradeRequest, error) {
	for _, row := range m.rows {
		if row.ID == id {
			clone := *row
			return &clone, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memRequests) MarkEscalated(_ context.Context, id, reason string, escalatedAt time.Time) error {
	for _, row := range m.rows {
		if row.ID != id {
			continue
		}
		if row.Escalated {
			return persistence.ErrAlreadyEscalated
		}
		row.Escalated = true
		row.EscalationReason = &reason
		at := escalatedAt
		row.EscalatedAt = &at
		return nil
	}
	return persistence.ErrNotFound
}

func (m *memRequests) ListHistory(_ context.Context) ([]persistence.TradeRequest, error) {
	out := make([]persistence.TradeRequest, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, *row)
	}
	return out, nil
}

type fakeMarketGateway struct {
	quotes map[string]gateway.InstrumentInfo
	rates  map[string]float64
	looks  int
}

func (f *fakeMarketGateway) LookupInstrument(_ context.Context, symbol string) (gateway.InstrumentInfo, error) {
	f.looks++
	info, ok := f.quotes[symbol]
	if !ok {
		return gateway.InstrumentInfo{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, symbol)
	}
	return info, nil
}

func (f *fakeMarketGateway) ConvertToUSD(_ context.Context, amount float64, currency string) (gateway.Conversion, error) {
	if currency == "" || currency == "USD" {
		return gateway.Conversion{USDAmount: amount, Rate: 1, Source: gateway.RateSourceLive}, nil
	}
	rate, ok := f.rates[currency]
	if !ok {
		return gateway.Conversion{}, fmt.Errorf("%w: %s", gateway.ErrUnavailable, currency)
	}
	return gateway.Conversion{USDAmount: amount * rate, Rate: rate, Source: gateway.RateSourceLive}, nil
}

type fakeMatcher struct {
	restricted map[string]bool
}

func (f *fakeMatcher) IsRestricted(_ context.Context, symbol string) (bool, error) {
	return f.restricted[symbol], nil
}

type fakeThresholds struct{ max float64 }

func (f *fakeThresholds) MaxTradeAmount(context.Context) (float64, error) { return f.max, nil }

type capturedAudit struct {
	actions []string
}

func (c *capturedAudit) Record(_ context.Context, _, action, _ string, _ map[string]interface{}) {
	c.actions = append(c.actions, action)
}

type engineFixture struct {
	engine   *Engine
	requests *memRequests
	gateway  *fakeMarketGateway
	audit    *capturedAudit
}

func newFixture(gw *fakeMarketGateway, restricted map[string]bool, maxAmount float64) *engineFixture {
	requests := &memRequests{}
	audit := &capturedAudit{}
	eng := New(
		NewValuer(gw),
		&fakeMatcher{restricted: restricted},
		requests,
		&fakeThresholds{max: maxAmount},
		audit,
		metrics.NewRegistry(prometheus.NewRegistry()),
	)
	eng.now = func() time.Time { return time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC) }
	return &engineFixture{engine: eng, requests: requests, gateway: gw, audit: audit}
}

func TestSubmit_ApprovesEquityUnderThreshold(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"AAPL": {Symbol: "AAPL", Name: "Apple Inc.", Price: 185.5, Currency: "USD"},
	}}
	fx := newFixture(gw, nil, 1_000_000)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "aapl", TradingType: "BUY", Shares: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, persistence.StatusApproved, req.Status)
	assert.Nil(t, req.RejectionReason)
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, persistence.InstrumentEquity, req.InstrumentType)
	assert.Equal(t, persistence.TradeBuy, req.TradingType)
	assert.Equal(t, 1855.0, req.TotalValueUSD)
	assert.Equal(t, 1.0, req.ExchangeRate)
	assert.Len(t, fx.requests.rows, 1)
	assert.Equal(t, []string{"trade_request.approved"}, fx.audit.actions)
}

func TestSubmit_BondValuedAtFaceWithoutMarketLookup(t *testing.T) {
	gw := &fakeMarketGateway{}
	fx := newFixture(gw, nil, 1_000_000)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "US1234567890", TradingType: "buy", Shares: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, persistence.StatusApproved, req.Status)
	assert.Equal(t, persistence.InstrumentBond, req.InstrumentType)
	assert.Equal(t, 1.0, req.UnitPrice)
	assert.Equal(t, "USD", req.Currency)
	assert.Equal(t, 1000.0, req.TotalValueUSD)
	assert.Zero(t, gw.looks, "bonds are valued at face value with no market lookup")
}

func TestSubmit_ForeignCurrencyConvertedOnce(t *testing.T) {
	gw := &fakeMarketGateway{
		quotes: map[string]gateway.InstrumentInfo{
			"0700.HK": {Symbol: "0700.HK", Name: "Tencent", Price: 700, Currency: "HKD"},
		},
		rates: map[string]float64{"HKD": 0.128},
	}
	fx := newFixture(gw, nil, 1_000_000)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "0700.hk", TradingType: "buy", Shares: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, persistence.StatusApproved, req.Status)
	assert.Equal(t, 70000.0, req.TotalValue)
	assert.InDelta(t, 8960.0, req.TotalValueUSD, 0.001)
	assert.InDelta(t, 89.6, req.UnitPriceUSD, 0.001)
	assert.Equal(t, 0.128, req.ExchangeRate)
}

func TestSubmit_RejectsBuyOverThreshold(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"BRK.A": {Symbol: "BRK.A", Name: "Berkshire Hathaway", Price: 600_000, Currency: "USD"},
	}}
	fx := newFixture(gw, nil, 1_000_000)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "BRK.A", TradingType: "buy", Shares: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, persistence.StatusRejected, req.Status)
	require.NotNil(t, req.RejectionReason)
	assert.Equal(t,
		"Trade value $6000000.00 exceeds the maximum allowed $1000000.00; at the current price you may trade at most 1 shares",
		*req.RejectionReason)
}

func TestSubmit_SellIgnoresThreshold(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"BRK.A": {Symbol: "BRK.A", Price: 600_000, Currency: "USD"},
	}}
	fx := newFixture(gw, nil, 1_000_000)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "BRK.A", TradingType: "sell", Shares: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusApproved, req.Status)
}

func TestSubmit_ZeroThresholdMeansNoLimit(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"BRK.A": {Symbol: "BRK.A", Price: 600_000, Currency: "USD"},
	}}
	fx := newFixture(gw, nil, 0)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "BRK.A", TradingType: "buy", Shares: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusApproved, req.Status)
}

func TestSubmit_RestrictionOutranksThreshold(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"BRK.A": {Symbol: "BRK.A", Price: 600_000, Currency: "USD"},
	}}
	fx := newFixture(gw, map[string]bool{"BRK.A": true}, 1_000_000)

	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: "emp-1", Symbol: "BRK.A", TradingType: "buy", Shares: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, persistence.StatusRejected, req.Status)
	require.NotNil(t, req.RejectionReason)
	assert.Equal(t, "Instrument BRK.A is on the restricted trading list", *req.RejectionReason,
		"the restriction reason must win even when the threshold is also breached")
}

func TestSubmit_ValidationFailuresPersistNothing(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"AAPL": {Symbol: "AAPL", Price: 185.5, Currency: "USD"},
	}}

	cases := []struct {
		name string
		sub  Submission
	}{
		{"missing employee", Submission{Symbol: "AAPL", TradingType: "buy", Shares: 1}},
		{"missing symbol", Submission{EmployeeID: "emp-1", TradingType: "buy", Shares: 1}},
		{"bad trading type", Submission{EmployeeID: "emp-1", Symbol: "AAPL", TradingType: "hold", Shares: 1}},
		{"zero shares", Submission{EmployeeID: "emp-1", Symbol: "AAPL", TradingType: "buy", Shares: 0}},
		{"negative shares", Submission{EmployeeID: "emp-1", Symbol: "AAPL", TradingType: "buy", Shares: -5}},
		{"unknown symbol", Submission{EmployeeID: "emp-1", Symbol: "NOPE", TradingType: "buy", Shares: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(gw, nil, 1_000_000)
			_, err := fx.engine.Submit(context.Background(), tc.sub)
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected a validation error, got %v", err)
			assert.Empty(t, fx.requests.rows, "validation failures must not create a row")
			assert.Empty(t, fx.audit.actions)
		})
	}
}

func submitApproved(t *testing.T, fx *engineFixture, employee, symbol, tradingType string) *persistence.TradeRequest {
	t.Helper()
	req, err := fx.engine.Submit(context.Background(), Submission{
		EmployeeID: employee, Symbol: symbol, TradingType: tradingType, Shares: 10,
	})
	require.NoError(t, err)
	require.Equal(t, persistence.StatusApproved, req.Status)
	return req
}

func TestEscalateByEmployee(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"AAPL":  {Symbol: "AAPL", Price: 185.5, Currency: "USD"},
		"BRK.A": {Symbol: "BRK.A", Price: 600_000, Currency: "USD"},
	}}

	newRejected := func(t *testing.T, fx *engineFixture) *persistence.TradeRequest {
		t.Helper()
		req, err := fx.engine.Submit(context.Background(), Submission{
			EmployeeID: "emp-1", Symbol: "BRK.A", TradingType: "buy", Shares: 10,
		})
		require.NoError(t, err)
		require.Equal(t, persistence.StatusRejected, req.Status)
		return req
	}

	t.Run("owner escalates a rejected request once", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := newRejected(t, fx)

		err := fx.engine.EscalateByEmployee(context.Background(), req.ID, "emp-1", "pre-cleared by desk head")
		require.NoError(t, err)

		stored, err := fx.requests.Get(context.Background(), req.ID)
		require.NoError(t, err)
		assert.True(t, stored.Escalated)
		require.NotNil(t, stored.EscalationReason)
		assert.Equal(t, "pre-cleared by desk head", *stored.EscalationReason)
		require.NotNil(t, stored.EscalatedAt)
	})

	t.Run("justification is required", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := newRejected(t, fx)

		err := fx.engine.EscalateByEmployee(context.Background(), req.ID, "emp-1", "   ")
		assert.True(t, IsValidation(err))
	})

	t.Run("only the owner may escalate", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := newRejected(t, fx)

		err := fx.engine.EscalateByEmployee(context.Background(), req.ID, "emp-2", "reason")
		assert.ErrorIs(t, err, ErrEscalationNotAllowed)
	})

	t.Run("approved requests cannot be appealed", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := submitApproved(t, fx, "emp-1", "AAPL", "buy")

		err := fx.engine.EscalateByEmployee(context.Background(), req.ID, "emp-1", "reason")
		assert.ErrorIs(t, err, ErrEscalationNotAllowed)
	})

	t.Run("second escalation is refused", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := newRejected(t, fx)

		require.NoError(t, fx.engine.EscalateByEmployee(context.Background(), req.ID, "emp-1", "first"))
		err := fx.engine.EscalateByEmployee(context.Background(), req.ID, "emp-1", "second")
		assert.ErrorIs(t, err, ErrEscalationNotAllowed)
	})

	t.Run("unknown request id", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)

		err := fx.engine.EscalateByEmployee(context.Background(), "no-such-id", "emp-1", "reason")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})
}

func TestFlagBySystem(t *testing.T) {
	gw := &fakeMarketGateway{quotes: map[string]gateway.InstrumentInfo{
		"AAPL":  {Symbol: "AAPL", Price: 185.5, Currency: "USD"},
		"BRK.A": {Symbol: "BRK.A", Price: 600_000, Currency: "USD"},
	}}

	t.Run("backdates escalation to the trade's creation time", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := submitApproved(t, fx, "emp-1", "AAPL", "buy")

		err := fx.engine.FlagBySystem(context.Background(), req, "offsetting trade within the holding period")
		require.NoError(t, err)

		stored, err := fx.requests.Get(context.Background(), req.ID)
		require.NoError(t, err)
		assert.True(t, stored.Escalated)
		require.NotNil(t, stored.EscalatedAt)
		assert.True(t, stored.EscalatedAt.Equal(req.CreatedAt),
			"escalated_at must equal created_at, not the detection time")
	})

	t.Run("rejected requests are out of scope", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req, err := fx.engine.Submit(context.Background(), Submission{
			EmployeeID: "emp-1", Symbol: "BRK.A", TradingType: "buy", Shares: 10,
		})
		require.NoError(t, err)
		require.Equal(t, persistence.StatusRejected, req.Status)

		assert.ErrorIs(t, fx.engine.FlagBySystem(context.Background(), req, "reason"), ErrEscalationNotAllowed)
	})

	t.Run("already escalated requests are left untouched", func(t *testing.T) {
		fx := newFixture(gw, nil, 1_000_000)
		req := submitApproved(t, fx, "emp-1", "AAPL", "buy")
		require.NoError(t, fx.engine.FlagBySystem(context.Background(), req, "first"))

		stale := *req // detector holds the pre-escalation snapshot
		err := fx.engine.FlagBySystem(context.Background(), &stale, "second")
		assert.ErrorIs(t, err, persistence.ErrAlreadyEscalated)

		stored, getErr := fx.requests.Get(context.Background(), req.ID)
		require.NoError(t, getErr)
		assert.Equal(t, "first", *stored.EscalationReason)
	})
}
