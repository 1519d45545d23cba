package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/oakline/tradegate/internal/gateway"
	"github.com/oakline/tradegate/internal/instrument"
	"github.com/oakline/tradegate/internal/persistence"
)

// MarketGateway is the slice of the resilient gateway the engine consumes.
type MarketGateway interface {
	LookupInstrument(ctx context.Context, symbol string) (gateway.InstrumentInfo, error)
	ConvertToUSD(ctx context.Context, amount float64, currency string) (gateway.Conversion, error)
}

// Valuation is the fully-resolved value of a proposed trade.
type Valuation struct {
	Symbol         string
	Name           string
	InstrumentType string
	Currency       string
	UnitPrice      float64
	UnitPriceUSD   float64
	TotalValue     float64
	TotalValueUSD  float64
	ExchangeRate   float64
	RateSource     string
}

// ThresholdBreach describes a buy order whose USD value exceeds the
// configured maximum. It is a decision input, not an error.
type ThresholdBreach struct {
	TotalValueUSD    float64
	MaxTradeAmount   float64
	MaxSharesAllowed int64
}

// Reason renders the fixed rejection template for a threshold breach.
func (b ThresholdBreach) Reason() string {
	return fmt.Sprintf(
		"Trade value $%.2f exceeds the maximum allowed $%.2f; at the current price you may trade at most %d shares",
		b.TotalValueUSD, b.MaxTradeAmount, b.MaxSharesAllowed)
}

// RestrictedReason renders the fixed rejection template for a restricted
// instrument.
func RestrictedReason(symbol string) string {
	return fmt.Sprintf("Instrument %s is on the restricted trading list", symbol)
}

// Valuer resolves unit prices and USD values through the gateway.
type Valuer struct {
	gateway MarketGateway
}

// NewValuer creates a valuer over the gateway.
func NewValuer(gw MarketGateway) *Valuer {
	return &Valuer{gateway: gw}
}

// Value resolves the trade's unit price and converts it to USD. Bonds are
// valued at one unit of face-value currency and need no market lookup;
// equities use the last market price. A lookup failure with no usable
// fallback comes back as a ValidationError so no request row is created.
func (v *Valuer) Value(ctx context.Context, inst instrument.Instrument, shares int64) (Valuation, error) {
	var (
		price    float64
		currency string
		name     string
	)

	switch inst.Type {
	case persistence.InstrumentBond:
		price = 1
		currency = instrument.BondCurrency(inst.Symbol)
		name = inst.Symbol
	default:
		info, err := v.gateway.LookupInstrument(ctx, inst.Symbol)
		if err != nil {
			return Valuation{}, lookupValidationError(inst.Symbol, err)
		}
		price = info.Price
		currency = info.Currency
		name = info.Name
	}

	if price <= 0 {
		// Fail closed: a zero or negative price must never reach the
		// threshold check, where it could slip under any limit.
		return Valuation{}, &ValidationError{
			Field:   "symbol",
			Message: fmt.Sprintf("unable to determine a price for %s", inst.Symbol),
		}
	}

	total := price * float64(shares)
	conv, err := v.gateway.ConvertToUSD(ctx, total, currency)
	if err != nil {
		return Valuation{}, lookupValidationError(inst.Symbol, err)
	}

	return Valuation{
		Symbol:         inst.Symbol,
		Name:           name,
		InstrumentType: inst.Type,
		Currency:       currency,
		UnitPrice:      price,
		UnitPriceUSD:   price * conv.Rate,
		TotalValue:     total,
		TotalValueUSD:  conv.USDAmount,
		ExchangeRate:   conv.Rate,
		RateSource:     conv.Source,
	}, nil
}

// CheckThreshold applies the maximum-trade-amount rule. It binds buy orders
// only; a zero maximum means no limit is configured.
func CheckThreshold(val Valuation, tradingType string, maxTradeAmount float64) *ThresholdBreach {
	if tradingType != persistence.TradeBuy || maxTradeAmount <= 0 {
		return nil
	}
	if val.TotalValueUSD <= maxTradeAmount {
		return nil
	}
	return &ThresholdBreach{
		TotalValueUSD:    val.TotalValueUSD,
		MaxTradeAmount:   maxTradeAmount,
		MaxSharesAllowed: int64(math.Floor(maxTradeAmount / val.UnitPriceUSD)),
	}
}

func lookupValidationError(symbol string, err error) error {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return &ValidationError{
			Field:   "symbol",
			Message: fmt.Sprintf("no instrument found for %s", symbol),
		}
	case errors.Is(err, gateway.ErrUnavailable):
		return &ValidationError{
			Field:   "symbol",
			Message: fmt.Sprintf("market data for %s is temporarily unavailable, try again later", symbol),
		}
	default:
		return err
	}
}
