package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/af-corp/rewrite-gateway/internal/config"
	"github.com/af-corp/rewrite-gateway/internal/router/adapters"
)

// ErrUnknownModel is returned for model ids missing from models.yaml.
var ErrUnknownModel = errors.New("unknown model")

// Registry manages provider adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapters.ProviderAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]adapters.ProviderAdapter),
	}
}

func (r *Registry) Register(name string, adapter adapters.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

func (r *Registry) Get(name string) (adapters.ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Replace swaps in the adapters of other, used on config reload.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	next := make(map[string]adapters.ProviderAdapter, len(other.adapters))
	for k, v := range other.adapters {
		next[k] = v
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.adapters = next
	r.mu.Unlock()
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildFromConfig builds provider adapters from the providers config.
func BuildFromConfig(provCfg *config.ProvidersConfig) *Registry {
	registry := NewRegistry()
	if provCfg == nil {
		return registry
	}
	for name, cfg := range provCfg.Providers {
		maxConns := cfg.MaxConcurrent
		if maxConns <= 0 {
			maxConns = 100
		}
		client := &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        maxConns,
				MaxIdleConnsPerHost: maxConns,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}

		var adapter adapters.ProviderAdapter
		switch cfg.Type {
		case "anthropic":
			adapter = adapters.NewAnthropicAdapter(name, cfg, client)
		default:
			// openai, ollama and vllm all speak the OpenAI format
			adapter = adapters.NewOpenAIAdapter(name, cfg, client)
		}
		registry.Register(name, adapter)
	}
	return registry
}

// ResolveRoute finds the provider for a model, trying the primary route then
// each fallback in order. Unregistered providers and providers whose circuit
// is open are skipped. health may be nil.
func ResolveRoute(modelsCfg *config.ModelsConfig, registry *Registry, health *HealthTracker, modelName string) (adapters.ProviderAdapter, string, error) {
	if modelsCfg == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	mapping, ok := modelsCfg.Models[modelName]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}

	routes := append([]config.ProviderRoute{mapping.Primary}, mapping.Fallback...)
	for _, route := range routes {
		adapter, ok := registry.Get(route.Provider)
		if !ok {
			continue
		}
		if health != nil && !health.IsAvailable(route.Provider) {
			continue
		}
		return adapter, route.Model, nil
	}

	return nil, "", fmt.Errorf("no available provider for model: %s", modelName)
}
