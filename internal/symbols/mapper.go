// Package symbols maps venue-native contract symbols onto the instrument
// names used in subscriptions, so the same market from different venues lands
// on one cache row.
package symbols

import "strings"

const (
	Binance = "binance"
	Bybit   = "bybit"
)

// Instrument returns the subscription name for a native symbol: uppercase,
// without separators, and without the venues' 1000x contract prefixes.
// Unknown venues only get the case and separator normalisation.
func Instrument(venue, native string) string {
	sym := strings.ToUpper(strings.TrimSpace(native))
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)

	switch strings.ToLower(venue) {
	case Binance:
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case Bybit:
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	}
	return sym
}
