package pricing

import "strings"

// CurrencyTable maps ISO 4217 currency codes to their minor-unit precision.
type CurrencyTable map[string]int32

// DefaultCurrencies returns the built-in minor-unit table.
func DefaultCurrencies() CurrencyTable {
	return CurrencyTable{
		"AUD": 2, "BHD": 3, "BRL": 2, "CAD": 2, "CHF": 2, "CLP": 0,
		"CNY": 2, "DKK": 2, "EUR": 2, "GBP": 2, "HKD": 2, "IDR": 2,
		"INR": 2, "ISK": 0, "JOD": 3, "JPY": 0, "KRW": 0, "KWD": 3,
		"MXN": 2, "NOK": 2, "NZD": 2, "OMR": 3, "PLN": 2, "SEK": 2,
		"SGD": 2, "TND": 3, "TWD": 2, "USD": 2, "VND": 0, "ZAR": 2,
	}
}

// MinorUnits returns the precision for currency.
func (t CurrencyTable) MinorUnits(currency string) (int32, bool) {
	places, ok := t[strings.ToUpper(currency)]
	return places, ok
}

// Merge returns a copy of t with overrides applied.
func (t CurrencyTable) Merge(overrides map[string]int32) CurrencyTable {
	out := make(CurrencyTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[strings.ToUpper(k)] = v
	}
	return out
}
