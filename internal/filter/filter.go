package filter

import (
	"context"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/af-corp/rewrite-gateway/internal/types"
)

// Action represents what a filter did to a request or response.
type Action string

const (
	ActionPass     Action = "pass"
	ActionSkip     Action = "skip"
	ActionRewrite  Action = "rewrite"
	ActionFallback Action = "fallback"
)

// WildcardPipeline in a filter's pipeline list attaches it to every model.
const WildcardPipeline = "*"

// Result is returned by each filter hook.
type Result struct {
	Action     Action
	FilterName string
	Rule       string
	Message    string
}

// Filter is the inlet/outlet interface all request filters implement.
// Inlet may modify req in place; it must never fail the request.
type Filter interface {
	Name() string
	Pipelines() []string
	Priority() int
	Inlet(ctx context.Context, req *types.ChatRequest) Result
	Outlet(ctx context.Context, resp *types.ChatResponse) Result
}

// Applies reports whether f is attached to the given model id.
func Applies(f Filter, model string) bool {
	for _, p := range f.Pipelines() {
		if p == WildcardPipeline || p == model {
			return true
		}
	}
	return false
}

// Chain runs filters in ascending priority order. A Chain is immutable.
type Chain struct {
	filters []Filter
}

// NewChain creates a filter chain, ordering filters by priority. Filters with
// equal priority keep the order they were given in.
func NewChain(filters ...Filter) *Chain {
	sorted := slices.Clone(filters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Chain{filters: sorted}
}

// Filters returns the chain's filters in execution order.
func (c *Chain) Filters() []Filter {
	return slices.Clone(c.filters)
}

// Get returns the filter with the given name.
func (c *Chain) Get(name string) (Filter, bool) {
	for _, f := range c.filters {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// Inlet runs every filter attached to req.Model and returns their results.
func (c *Chain) Inlet(ctx context.Context, req *types.ChatRequest) []Result {
	var results []Result
	for _, f := range c.filters {
		if !Applies(f, req.Model) {
			continue
		}
		results = append(results, f.Inlet(ctx, req))
	}
	return results
}

// Outlet runs every filter attached to model over the response.
func (c *Chain) Outlet(ctx context.Context, model string, resp *types.ChatResponse) []Result {
	var results []Result
	for _, f := range c.filters {
		if !Applies(f, model) {
			continue
		}
		results = append(results, f.Outlet(ctx, resp))
	}
	return results
}

// Registry publishes the current chain. Rebuilt chains are swapped in whole,
// so a request keeps the filters it started with.
type Registry struct {
	chain atomic.Pointer[Chain]
}

func NewRegistry(chain *Chain) *Registry {
	r := &Registry{}
	if chain == nil {
		chain = NewChain()
	}
	r.chain.Store(chain)
	return r
}

func (r *Registry) Chain() *Chain {
	return r.chain.Load()
}

func (r *Registry) Swap(chain *Chain) {
	r.chain.Store(chain)
}

// Replace swaps in a chain where the filter named f.Name() is replaced by f
// (or added when absent).
func (r *Registry) Replace(f Filter) {
	for {
		old := r.chain.Load()
		filters := make([]Filter, 0, len(old.filters)+1)
		replaced := false
		for _, existing := range old.filters {
			if existing.Name() == f.Name() {
				filters = append(filters, f)
				replaced = true
				continue
			}
			filters = append(filters, existing)
		}
		if !replaced {
			filters = append(filters, f)
		}
		if r.chain.CompareAndSwap(old, NewChain(filters...)) {
			return
		}
	}
}
