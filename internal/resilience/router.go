package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/config"
)

// Selection strategies.
const (
	StrategyPreference = "preference"
	StrategyLatency    = "latency"
	StrategyCost       = "cost"
	StrategyRoundRobin = "round_robin"
)

// emaAlpha weights new latency samples against the running average.
const emaAlpha = 0.3

// health is the router's view of one provider.
type health struct {
	emaLatency  time.Duration
	failures    int
	lastFailure time.Time
}

// Router orders the provider chain for each call. The first entry is
// tried first; the rest are the fallback order.
type Router struct {
	mu       sync.Mutex
	strategy string
	// preference order: default provider first, then configured fallbacks,
	// then any remaining providers.
	preference []string
	costs      map[string]float64
	health     map[string]*health
	rrNext     int
}

// NewRouter derives the chain and cost table from config.
func NewRouter(cfg config.ProvidersConfig) *Router {
	seen := map[string]bool{}
	var pref []string
	add := func(name string) {
		if name != "" && !seen[name] {
			if _, ok := cfg.List[name]; ok {
				pref = append(pref, name)
				seen[name] = true
			}
		}
	}
	add(cfg.Default)
	for _, f := range cfg.Fallbacks {
		add(f)
	}
	var rest []string
	for name := range cfg.List {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	pref = append(pref, rest...)

	costs := make(map[string]float64, len(cfg.List))
	hm := make(map[string]*health, len(cfg.List))
	for name, pc := range cfg.List {
		costs[name] = pc.CostPerMTok
		hm[name] = &health{}
	}

	strategy := cfg.Strategy
	switch strategy {
	case StrategyLatency, StrategyCost, StrategyRoundRobin, StrategyPreference:
	default:
		strategy = StrategyPreference
	}
	return &Router{strategy: strategy, preference: pref, costs: costs, health: hm}
}

// Order returns the provider chain for the next call.
func (r *Router) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]string(nil), r.preference...)
	switch r.strategy {
	case StrategyLatency:
		// Providers without a sample keep their preference position ahead
		// of measured ones only if nothing has been measured at all.
		sort.SliceStable(out, func(i, j int) bool {
			return r.sortLatency(out[i]) < r.sortLatency(out[j])
		})
	case StrategyCost:
		sort.SliceStable(out, func(i, j int) bool {
			return r.costs[out[i]] < r.costs[out[j]]
		})
	case StrategyRoundRobin:
		if len(out) > 1 {
			k := r.rrNext % len(out)
			out = append(out[k:], out[:k]...)
			r.rrNext++
		}
	}
	return out
}

func (r *Router) sortLatency(name string) time.Duration {
	h := r.health[name]
	if h == nil || h.emaLatency == 0 {
		// Unmeasured providers sort last so known-fast ones lead.
		return time.Duration(1<<62 - 1)
	}
	return h.emaLatency
}

// RecordLatency folds a successful call's latency into the EMA.
func (r *Router) RecordLatency(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health[name]
	if h == nil {
		return
	}
	if h.emaLatency == 0 {
		h.emaLatency = d
	} else {
		h.emaLatency = time.Duration(emaAlpha*float64(d) + (1-emaAlpha)*float64(h.emaLatency))
	}
	h.failures = 0
}

// RecordFailure notes a failed call for status output.
func (r *Router) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.health[name]; h != nil {
		h.failures++
		h.lastFailure = time.Now()
	}
}

// ProviderHealth is one row of the status snapshot.
type ProviderHealth struct {
	Name        string        `json:"name"`
	EMALatency  time.Duration `json:"ema_latency"`
	Failures    int           `json:"failures"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
}

// Health returns a snapshot in preference order.
func (r *Router) Health() []ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProviderHealth, 0, len(r.preference))
	for _, name := range r.preference {
		h := r.health[name]
		out = append(out, ProviderHealth{
			Name:        name,
			EMALatency:  h.emaLatency,
			Failures:    h.failures,
			LastFailure: h.lastFailure,
		})
	}
	return out
}
