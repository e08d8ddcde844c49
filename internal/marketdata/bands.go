package marketdata

// PlausibilityBand is a per-symbol [Min, Max] price window used to
// sanity-check upstream prices. Boundary values are accepted.
type PlausibilityBand struct {
	Min float64
	Max float64
}

// plausibilityBands covers the actively traded pairs. Unknown symbols get
// no band check.
var plausibilityBands = map[string]PlausibilityBand{
	"ETH/USDT":  {2500, 5000},
	"BTC/USDT":  {40000, 80000},
	"SOL/USDT":  {100, 300},
	"BNB/USDT":  {200, 800},
	"ADA/USDT":  {0.3, 2.0},
	"XRP/USDT":  {0.3, 3.0},
	"DOGE/USDT": {0.05, 0.5},
	"DOT/USDT":  {3, 20},
	"LINK/USDT": {5, 50},
	"AVAX/USDT": {20, 100},
	"LTC/USDT":  {50, 200},
}

// ethAlertBand is narrower than the ETH plausibility band; prices outside
// it are logged as warnings but never rejected.
var ethAlertBand = PlausibilityBand{3500, 4000}

// minPriceThresholds are the tighter lower bounds used by the data-quality
// sweeps (invalid-trade filter and cleanup). Distinct from the plausibility
// bands on purpose.
var minPriceThresholds = map[string]float64{
	"ETH/USDT":  1000,
	"BTC/USDT":  10000,
	"SOL/USDT":  10,
	"BNB/USDT":  50,
	"ADA/USDT":  0.05,
	"XRP/USDT":  0.05,
	"DOGE/USDT": 0.005,
	"DOT/USDT":  0.5,
	"LINK/USDT": 1,
	"AVAX/USDT": 2,
	"LTC/USDT":  10,
}

// BandFor returns the plausibility band for a symbol, if one is defined.
// Accepts both "ETH/USDT" and "ETHUSDT" spellings.
func BandFor(symbol string) (PlausibilityBand, bool) {
	if band, ok := plausibilityBands[symbol]; ok {
		return band, true
	}
	if band, ok := plausibilityBands[normalizeSymbol(symbol)]; ok {
		return band, true
	}
	return PlausibilityBand{}, false
}

// InBand reports whether a price is plausible for the symbol. Symbols
// without a band always pass.
func InBand(symbol string, price float64) bool {
	band, ok := BandFor(symbol)
	if !ok {
		return true
	}
	return price >= band.Min && price <= band.Max
}

// InAlertBand reports whether an ETH/USDT price sits inside the tighter
// alert window. Non-ETH symbols always pass.
func InAlertBand(symbol string, price float64) bool {
	if normalizeSymbol(symbol) != "ETH/USDT" {
		return true
	}
	return price >= ethAlertBand.Min && price <= ethAlertBand.Max
}

// MinPriceFor returns the data-quality minimum price for a symbol, or 0
// when none is defined.
func MinPriceFor(symbol string) float64 {
	if min, ok := minPriceThresholds[symbol]; ok {
		return min
	}
	return minPriceThresholds[normalizeSymbol(symbol)]
}

// AboveMinPrice reports whether a price clears the data-quality floor.
func AboveMinPrice(symbol string, price float64) bool {
	min := MinPriceFor(symbol)
	return min == 0 || price >= min
}

// normalizeSymbol converts "ETHUSDT" to "ETH/USDT". Symbols already carrying
// a slash pass through.
func normalizeSymbol(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol
		}
	}
	for _, quote := range []string{"USDT", "BUSD", "USDC", "BTC", "ETH"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}

// ExchangeSymbol converts "ETH/USDT" to the upstream "ETHUSDT" spelling.
func ExchangeSymbol(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		if symbol[i] != '/' {
			out = append(out, symbol[i])
		}
	}
	return string(out)
}

// BaseAsset extracts the base asset from either symbol spelling
// ("SOL/USDT" or "SOLUSDT" both give "SOL").
func BaseAsset(symbol string) string {
	norm := normalizeSymbol(symbol)
	for i := 0; i < len(norm); i++ {
		if norm[i] == '/' {
			return norm[:i]
		}
	}
	return norm
}
