package providers

import (
	"fmt"
	"sync"
)

// ProviderRegistry manages registration and retrieval of generation
// backends. It is safe for concurrent use.
type ProviderRegistry struct {
	providers map[string]ProviderConstructor
	mutex     sync.RWMutex
}

// NewProviderRegistry creates a registry with the named providers, or all
// known providers when none are named.
func NewProviderRegistry(providerNames ...string) *ProviderRegistry {
	registry := &ProviderRegistry{
		providers: make(map[string]ProviderConstructor),
	}

	known := knownProviders()
	if len(providerNames) == 0 {
		for name, constructor := range known {
			registry.providers[name] = constructor
		}
		return registry
	}

	for _, name := range providerNames {
		if constructor, ok := known[name]; ok {
			registry.providers[name] = constructor
		}
	}
	return registry
}

func knownProviders() map[string]ProviderConstructor {
	return map[string]ProviderConstructor{
		"openai":    NewOpenAIProvider,
		"anthropic": NewAnthropicProvider,
		"ollama":    NewOllamaProvider,
		"mock":      NewMockProvider,
	}
}

// Register adds a custom provider constructor under the given name,
// replacing any existing registration.
func (r *ProviderRegistry) Register(name string, constructor ProviderConstructor) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.providers[name] = constructor
}

// Get constructs the named provider.
func (r *ProviderRegistry) Get(name, apiKey, model string, extraHeaders map[string]string) (Provider, error) {
	r.mutex.RLock()
	constructor, ok := r.providers[name]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return constructor(apiKey, model, extraHeaders), nil
}
