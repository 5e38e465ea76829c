// Package brokers maps provider names to adapter constructors.
package brokers

import (
	"context"
	"fmt"
	"sort"

	"tradesync/internal/adapters/binanceclient"
	"tradesync/internal/adapters/oanda"
	"tradesync/internal/ports"
	"tradesync/internal/resilience"
)

// Settings carries what the constructors need from configuration.
type Settings struct {
	BinanceSymbols []string
	BinanceTestnet bool
	BinanceBaseURL string
	OandaBaseURL   string
}

// Factory builds one adapter.
type Factory func(s Settings, guard *resilience.Guard, logger ports.Logger) (ports.ProviderAdapter, error)

var factories = map[string]Factory{
	binanceclient.ProviderName: func(s Settings, guard *resilience.Guard, logger ports.Logger) (ports.ProviderAdapter, error) {
		return binanceclient.New(binanceclient.Config{
			Symbols:    s.BinanceSymbols,
			UseTestnet: s.BinanceTestnet,
			BaseURL:    s.BinanceBaseURL,
			Guard:      guard,
			Logger:     logger,
		})
	},
	oanda.ProviderName: func(s Settings, guard *resilience.Guard, logger ports.Logger) (ports.ProviderAdapter, error) {
		return oanda.New(oanda.Config{
			BaseURL: s.OandaBaseURL,
			Guard:   guard,
			Logger:  logger,
		})
	},
}

// Names lists the supported providers in sorted order.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds one constructed adapter per provider.
type Registry struct {
	adapters map[string]ports.ProviderAdapter
	disabled map[string]error
}

// NewRegistry constructs every supported adapter. A provider whose
// configuration is rejected is skipped with a warning and reported by Get;
// an error is returned only when no provider could be built.
func NewRegistry(ctx context.Context, s Settings, guard *resilience.Guard, logger ports.Logger) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]ports.ProviderAdapter, len(factories)),
		disabled: make(map[string]error),
	}
	for _, name := range Names() {
		adapter, err := factories[name](s, guard, logger)
		if err != nil {
			logger.Warn(ctx, "Provider disabled", map[string]interface{}{"provider": name, "error": err.Error()})
			r.disabled[name] = err
			continue
		}
		r.adapters[name] = adapter
	}
	if len(r.adapters) == 0 {
		return nil, fmt.Errorf("failed to create any provider adapter: %w", ports.ErrConfigurationError)
	}
	return r, nil
}

// NewStaticRegistry wraps pre-built adapters, for tests and embedding.
func NewStaticRegistry(adapters ...ports.ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[string]ports.ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for provider, or an error wrapping ports.ErrUnknownProvider.
func (r *Registry) Get(provider string) (ports.ProviderAdapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		if err, disabled := r.disabled[provider]; disabled {
			return nil, fmt.Errorf("provider %q is disabled: %w", provider, err)
		}
		return nil, fmt.Errorf("provider %q: %w", provider, ports.ErrUnknownProvider)
	}
	return a, nil
}

// Providers lists the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
