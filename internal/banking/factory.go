package banking

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrProviderNotImplemented also matches ErrUnsupportedProvider.
	ErrProviderNotImplemented = fmt.Errorf("%w: not implemented", ErrUnsupportedProvider)
	ErrInvalidConfig          = errors.New("invalid provider config")
)

// Constructor builds an adapter from an already validated config.
type Constructor func(cfg Config, deps Deps) (Adapter, error)

// ProviderSpec describes one provider. A nil New declares a provider that
// is known but not yet implemented.
type ProviderSpec struct {
	ID             string
	DisplayName    string
	RequiredFields []string
	New            Constructor
}

// Factory maps provider ids to their specs. Adding a provider is a
// Register call; no dispatch code changes.
type Factory struct {
	mu    sync.RWMutex
	specs map[string]ProviderSpec
	deps  Deps
}

func NewFactory(deps Deps) *Factory {
	return &Factory{
		specs: make(map[string]ProviderSpec),
		deps:  deps.WithDefaults(),
	}
}

// Register adds or replaces a provider.
func (f *Factory) Register(spec ProviderSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs[normalizeProvider(spec.ID)] = spec
}

func (f *Factory) lookup(provider string) (ProviderSpec, error) {
	f.mu.RLock()
	spec, ok := f.specs[normalizeProvider(provider)]
	f.mu.RUnlock()
	if !ok {
		return ProviderSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return spec, nil
}

// CreateAdapter validates cfg and builds the adapter for provider.
func (f *Factory) CreateAdapter(provider string, cfg Config) (Adapter, error) {
	spec, err := f.lookup(provider)
	if err != nil {
		return nil, err
	}
	if spec.New == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotImplemented, provider)
	}
	if missing := missingFields(spec, cfg); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s missing %s", ErrInvalidConfig, spec.ID, strings.Join(missing, ", "))
	}
	return spec.New(cfg, f.deps)
}

// ValidateConfig reports whether cfg carries every required field of a
// known provider.
func (f *Factory) ValidateConfig(provider string, cfg Config) bool {
	spec, err := f.lookup(provider)
	if err != nil {
		return false
	}
	return len(missingFields(spec, cfg)) == 0
}

func (f *Factory) RequiredFields(provider string) ([]string, error) {
	spec, err := f.lookup(provider)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), spec.RequiredFields...), nil
}

// Providers lists registered provider ids, sorted.
func (f *Factory) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.specs))
	for id := range f.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func missingFields(spec ProviderSpec, cfg Config) []string {
	var missing []string
	for _, field := range spec.RequiredFields {
		if strings.TrimSpace(cfg[field]) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func normalizeProvider(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
