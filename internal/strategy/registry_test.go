package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianq/perpcore/internal/domain"
)

func TestPopulatedRegistryDefaults(t *testing.T) {
	r := NewPopulatedRegistry(domain.TF1h, zerolog.Nop())

	assert.Equal(t, []string{"ema_trend", "bollinger_range", "funding_arb"}, r.EnabledIDs())
	assert.Len(t, r.List(), 7)
	assert.False(t, r.IsEnabled("grid"))
	assert.False(t, r.IsEnabled("no_such_strategy"))

	_, err := r.Get("breakout")
	assert.NoError(t, err)
	_, err = r.Get("no_such_strategy")
	assert.Error(t, err)
}

func TestRegistrySetEnabled(t *testing.T) {
	r := NewPopulatedRegistry(domain.TF1h, zerolog.Nop())

	require.NoError(t, r.SetEnabled("grid", true))
	assert.True(t, r.IsEnabled("grid"))
	require.NoError(t, r.SetEnabled("ema_trend", false))
	assert.Equal(t, []string{"bollinger_range", "funding_arb", "grid"}, r.EnabledIDs())

	assert.Error(t, r.SetEnabled("no_such_strategy", true))
}

func TestRegistryReRegisterKeepsOrder(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(NewEMATrend(domain.TF1h), true)
	r.Register(NewGrid(domain.TF1h), true)
	r.Register(NewEMATrend(domain.TF4h), false)

	assert.Len(t, r.List(), 2)
	assert.Equal(t, []string{"grid"}, r.EnabledIDs())

	s, err := r.Get("ema_trend")
	require.NoError(t, err)
	assert.Equal(t, domain.TF4h, s.Timeframe())
}

func TestApplyOverridesDecodesParams(t *testing.T) {
	r := NewPopulatedRegistry(domain.TF1h, zerolog.Nop())

	err := r.ApplyOverrides([]byte(`
ema_trend:
  params:
    stop_atr: 3.5
    max_weight: 0.1
breakout:
  enabled: true
mean_reversion:
  enabled: false
`))
	require.NoError(t, err)

	s, err := r.Get("ema_trend")
	require.NoError(t, err)
	params := s.Params().(*EMATrendParams)
	assert.Equal(t, 3.5, params.StopATR)
	assert.Equal(t, 0.1, params.MaxWeight)
	// Fields the override does not name keep their defaults.
	assert.Equal(t, 9, params.FastPeriod)
	assert.Equal(t, 0.85, params.Confidence)

	assert.True(t, r.IsEnabled("breakout"))
	assert.False(t, r.IsEnabled("mean_reversion"))
	assert.True(t, r.IsEnabled("ema_trend"))
}

func TestApplyOverridesRejectsUnknownStrategy(t *testing.T) {
	r := NewPopulatedRegistry(domain.TF1h, zerolog.Nop())

	err := r.ApplyOverrides([]byte("turtle_soup:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestApplyOverridesRejectsMalformedYAML(t *testing.T) {
	r := NewPopulatedRegistry(domain.TF1h, zerolog.Nop())
	assert.Error(t, r.ApplyOverrides([]byte("- a\n- b\n")))
}

func TestApplyOverridesFile(t *testing.T) {
	r := NewPopulatedRegistry(domain.TF1h, zerolog.Nop())

	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("grid:\n  enabled: true\n"), 0o644))

	require.NoError(t, r.ApplyOverridesFile(path))
	assert.True(t, r.IsEnabled("grid"))

	assert.Error(t, r.ApplyOverridesFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
