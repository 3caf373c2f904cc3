package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandleValidate(t *testing.T) {
	base := Candle{
		Symbol:    "BTC-USDT-SWAP",
		Timeframe: TF1h,
		Ts:        1704067200000,
		Open:      42000,
		High:      42500,
		Low:       41800,
		Close:     42300,
		Volume:    120.5,
	}

	testCases := []struct {
		name      string
		mutate    func(c *Candle)
		expectErr bool
	}{
		{"valid", func(c *Candle) {}, false},
		{"open above high", func(c *Candle) { c.Open = 43000 }, true},
		{"close below low", func(c *Candle) { c.Close = 41000 }, true},
		{"negative volume", func(c *Candle) { c.Volume = -1 }, true},
		{"unaligned ts", func(c *Candle) { c.Ts += 1234 }, true},
		{"doji at high", func(c *Candle) { c.Open, c.Close = c.High, c.High }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderStatusNew.Terminal())
	assert.False(t, OrderStatusAccepted.Terminal())
	assert.False(t, OrderStatusPartiallyFilled.Terminal())
	assert.True(t, OrderStatusFilled.Terminal())
	assert.True(t, OrderStatusCanceled.Terminal())
	assert.True(t, OrderStatusRejected.Terminal())
	assert.True(t, OrderStatusExpired.Terminal())
}

func TestPriceSnapshotBasis(t *testing.T) {
	p := PriceSnapshot{Mark: 42210, Index: 42000}
	assert.InDelta(t, 0.005, p.Basis(), 1e-9)

	assert.Zero(t, PriceSnapshot{Mark: 42210}.Basis())
}
