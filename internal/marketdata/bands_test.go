package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInBandBoundaries(t *testing.T) {
	assert.True(t, InBand("ETH/USDT", 2500))
	assert.True(t, InBand("ETH/USDT", 5000))
	assert.True(t, InBand("ETH/USDT", 3800))
	assert.False(t, InBand("ETH/USDT", 2499.99))
	assert.False(t, InBand("ETH/USDT", 5000.01))
}

func TestInBandSymbolSpellings(t *testing.T) {
	assert.False(t, InBand("ETHUSDT", 100))
	assert.True(t, InBand("ETHUSDT", 3000))
	// Unknown symbols always pass.
	assert.True(t, InBand("SHIB/USDT", 0.000008))
}

func TestInAlertBand(t *testing.T) {
	assert.True(t, InAlertBand("ETH/USDT", 3700))
	assert.False(t, InAlertBand("ETH/USDT", 3400))
	assert.False(t, InAlertBand("ETHUSDT", 4200))
	// Only ETH carries the alert band.
	assert.True(t, InAlertBand("BTC/USDT", 1))
}

func TestAboveMinPrice(t *testing.T) {
	assert.True(t, AboveMinPrice("ETH/USDT", 1000))
	assert.False(t, AboveMinPrice("ETH/USDT", 999.99))
	assert.False(t, AboveMinPrice("BTC/USDT", 9000))
	assert.True(t, AboveMinPrice("UNKNOWN/USDT", 0.0001))
}

func TestSymbolConversions(t *testing.T) {
	assert.Equal(t, "ETHUSDT", ExchangeSymbol("ETH/USDT"))
	assert.Equal(t, "ETHUSDT", ExchangeSymbol("ETHUSDT"))
	assert.Equal(t, "ETH", BaseAsset("ETH/USDT"))
	assert.Equal(t, "SOL", BaseAsset("SOLUSDT"))
	assert.Equal(t, "BTC", BaseAsset("BTC/USDT"))
}

func TestBandFor(t *testing.T) {
	band, ok := BandFor("SOL/USDT")
	assert.True(t, ok)
	assert.Equal(t, 100.0, band.Min)
	assert.Equal(t, 300.0, band.Max)

	_, ok = BandFor("NOPE/USDT")
	assert.False(t, ok)
}
