package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeMillis(t *testing.T) {
	testCases := []struct {
		name     string
		tf       Timeframe
		expected int64
	}{
		{"15m", TF15m, 900_000},
		{"1h", TF1h, 3_600_000},
		{"4h", TF4h, 14_400_000},
		{"1d", TF1d, 86_400_000},
		{"unknown", Timeframe("5m"), 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.tf.Millis())
		})
	}
}

func TestTimeframeAlign(t *testing.T) {
	// 2024-01-01T00:07:31Z inside the 00:00 15m bar
	ts := int64(1704067651000)
	aligned := TF15m.Align(ts)
	assert.Equal(t, int64(1704067200000), aligned)
	assert.True(t, TF15m.Aligned(aligned))
	assert.False(t, TF15m.Aligned(ts))
}

func TestParseTimeframes(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  []Timeframe
		expectErr bool
	}{
		{"full set", "15m,1h,4h,1d", []Timeframe{TF15m, TF1h, TF4h, TF1d}, false},
		{"spaces", " 1h , 4h ", []Timeframe{TF1h, TF4h}, false},
		{"unsupported", "15m,5m", nil, true},
		{"empty", "", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimeframes(tc.input)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestBarsPerYear(t *testing.T) {
	assert.InDelta(t, 8760.0, TF1h.BarsPerYear(), 1e-9)
	assert.InDelta(t, 365.0, TF1d.BarsPerYear(), 1e-9)
}
