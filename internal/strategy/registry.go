package strategy

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/meridianq/perpcore/internal/domain"
)

// Registry holds the strategy catalog with per-strategy enabled flags.
// Iteration order is registration order, so allocation runs are
// reproducible.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	log     zerolog.Logger
}

type entry struct {
	strategy Strategy
	enabled  bool
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     log.With().Str("component", "strategy_registry").Logger(),
	}
}

// Register adds a strategy. Re-registering an id replaces it in place.
func (r *Registry) Register(s Strategy, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if _, exists := r.entries[id]; !exists {
		r.order = append(r.order, id)
	}
	r.entries[id] = &entry{strategy: s, enabled: enabled}
	r.log.Debug().Str("strategy", id).Bool("enabled", enabled).Msg("Registered strategy")
}

// Get returns a strategy by id.
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("strategy not found: %s", id)
	}
	return e.strategy, nil
}

// IsEnabled reports whether the id exists and is enabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.enabled
}

// SetEnabled flips one strategy's flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("strategy not found: %s", id)
	}
	e.enabled = enabled
	return nil
}

// Enabled returns the enabled strategies in registration order.
func (r *Registry) Enabled() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e.enabled {
			out = append(out, e.strategy)
		}
	}
	return out
}

// EnabledIDs returns the enabled ids in registration order.
func (r *Registry) EnabledIDs() []string {
	enabled := r.Enabled()
	out := make([]string, len(enabled))
	for i, s := range enabled {
		out[i] = s.ID()
	}
	return out
}

// List returns every registered strategy in registration order.
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].strategy)
	}
	return out
}

// override is one strategy's YAML stanza: an optional enabled flip plus
// free-form params decoded into the strategy's own parameter struct.
type override struct {
	Enabled *bool     `yaml:"enabled"`
	Params  yaml.Node `yaml:"params"`
}

// ApplyOverridesFile loads a YAML file keyed by strategy id and applies it.
//
//	ema_trend:
//	  enabled: true
//	  params:
//	    stop_atr: 2.5
func (r *Registry) ApplyOverridesFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read strategy params file: %w", err)
	}
	return r.ApplyOverrides(raw)
}

// ApplyOverrides applies YAML override content to registered strategies.
// Unknown ids are an error; a typo silently trading defaults is worse than
// a failed start.
func (r *Registry) ApplyOverrides(raw []byte) error {
	var doc map[string]override
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse strategy params: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ov := range doc {
		e, ok := r.entries[id]
		if !ok {
			return fmt.Errorf("params override for unknown strategy: %s", id)
		}
		if ov.Enabled != nil {
			e.enabled = *ov.Enabled
		}
		if !ov.Params.IsZero() {
			if err := ov.Params.Decode(e.strategy.Params()); err != nil {
				return fmt.Errorf("failed to decode params for %s: %w", id, err)
			}
		}
		r.log.Info().Str("strategy", id).Bool("enabled", e.enabled).Msg("Applied strategy override")
	}
	return nil
}

// NewPopulatedRegistry builds the canonical catalog on one timeframe.
// Trend, range, and carry run by default; the rest ship disabled until
// they earn their place in live allocation.
func NewPopulatedRegistry(tf domain.Timeframe, log zerolog.Logger) *Registry {
	r := NewRegistry(log)
	r.Register(NewEMATrend(tf), true)
	r.Register(NewBollingerRange(tf), true)
	r.Register(NewFundingArb(tf), true)
	r.Register(NewBreakout(tf), false)
	r.Register(NewMomentum(tf), false)
	r.Register(NewMeanReversion(tf), false)
	r.Register(NewGrid(tf), false)
	return r
}
