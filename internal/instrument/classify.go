package instrument

import (
	"regexp"
	"strings"

	"github.com/oakline/tradegate/internal/persistence"
)

// isinPattern matches a 12-character ISIN: two-letter country code, nine
// alphanumeric characters, and a numeric check digit.
var isinPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)

// isinCurrencies maps ISIN country prefixes to the bond's face-value
// currency. Unlisted prefixes default to USD.
var isinCurrencies = map[string]string{
	"US": "USD",
	"GB": "GBP",
	"JP": "JPY",
	"CA": "CAD",
	"HK": "HKD",
	"DE": "EUR",
	"FR": "EUR",
	"IT": "EUR",
	"ES": "EUR",
	"NL": "EUR",
}

// Instrument is the normalized form of a raw user-entered identifier.
type Instrument struct {
	Symbol string
	Type   string
}

// Classify normalizes raw input into a canonical symbol and instrument
// type. Input matching the ISIN format is a bond; anything else is treated
// as an equity ticker. The choice decides which gateway lookup applies:
// bonds are valued at face value and need no market call.
func Classify(raw string) Instrument {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	typ := persistence.InstrumentEquity
	if isinPattern.MatchString(symbol) {
		typ = persistence.InstrumentBond
	}
	return Instrument{Symbol: symbol, Type: typ}
}

// IsISIN reports whether symbol has the ISIN format.
func IsISIN(symbol string) bool {
	return isinPattern.MatchString(strings.ToUpper(strings.TrimSpace(symbol)))
}

// BondCurrency returns the face-value currency implied by an ISIN's country
// prefix.
func BondCurrency(isin string) string {
	isin = strings.ToUpper(strings.TrimSpace(isin))
	if len(isin) < 2 {
		return "USD"
	}
	if currency, ok := isinCurrencies[isin[:2]]; ok {
		return currency
	}
	return "USD"
}
