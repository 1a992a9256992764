package providers

import (
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/config"
)

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds every provider declared in the config. A provider
// with no API key is still registered; local backends (ollama, vllm)
// often run keyless.
func NewRegistry(cfg config.ProvidersConfig) (*Registry, error) {
	if len(cfg.List) == 0 {
		return nil, fmt.Errorf("providers: none configured")
	}
	r := &Registry{providers: make(map[string]Provider, len(cfg.List))}
	for name, pc := range cfg.List {
		p := NewOpenAIProvider(name, pc.APIKeys, pc.APIBase, pc.DefaultModel)
		if pc.TimeoutSec > 0 {
			p = p.WithTimeout(time.Duration(pc.TimeoutSec) * time.Second)
		}
		r.providers[name] = p
	}
	if _, ok := r.providers[cfg.Default]; cfg.Default != "" && !ok {
		return nil, fmt.Errorf("providers: default %q not in list", cfg.Default)
	}
	return r, nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
	return p, nil
}

// Names returns all registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register adds or replaces a provider. Used by tests and embedders.
func (r *Registry) Register(p Provider) {
	if r.providers == nil {
		r.providers = map[string]Provider{}
	}
	r.providers[p.Name()] = p
}
