package llm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider identifies a supported LLM backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderVertex Provider = "vertex"
)

// ErrUnknownProvider signals a registry lookup for an unregistered
// provider identifier. This is a configuration error and never retried.
var ErrUnknownProvider = errors.New("unknown llm provider")

// ParseProvider normalizes and validates a provider string.
func ParseProvider(raw string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ProviderOpenAI):
		return ProviderOpenAI, nil
	case string(ProviderVertex), "vertexai", "vertex_ai":
		return ProviderVertex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
}

// Registry maps provider identifiers to session factories. It is
// populated once at bootstrap and read-only afterwards, so concurrent
// lookups from independent invocations are safe.
type Registry struct {
	mu        sync.RWMutex
	factories map[Provider]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Provider]Factory)}
}

// Register installs a factory for the given provider. Later
// registrations for the same provider replace earlier ones.
func (r *Registry) Register(p Provider, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// Factory resolves the factory for a provider. Unknown identifiers fail
// fatally before any network call is attempted.
func (r *Registry) Factory(p Provider) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[p]
	if !ok {
		return nil, FatalError(string(p), "", fmt.Errorf("%w: %q", ErrUnknownProvider, p))
	}
	return f, nil
}

// NewSession resolves the provider's factory and opens a fresh session.
func (r *Registry) NewSession(p Provider, cfg SessionConfig) (Session, error) {
	f, err := r.Factory(p)
	if err != nil {
		return nil, err
	}
	return f.NewSession(cfg)
}

// Providers lists the registered provider identifiers, sorted.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
