package filter

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// Chain runs registered filters in priority order at each exchange
// boundary. A filter error is logged and skipped; the first short circuit
// wins and stops the chain.
type Chain struct {
	filters []Filter
	byName  map[string]Filter
	mu      sync.RWMutex

	enableDebug bool

	statsMu       sync.RWMutex
	evaluated     int64
	rewrites      int64
	shortCircuits int64
}

// NewChain creates an empty filter chain.
func NewChain(enableDebug bool) *Chain {
	return &Chain{
		byName:      make(map[string]Filter),
		enableDebug: enableDebug,
	}
}

// Add registers a filter. Names are unique.
func (c *Chain) Add(f Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[f.Name()]; exists {
		return fmt.Errorf("filter %s already registered", f.Name())
	}
	c.byName[f.Name()] = f
	c.filters = append(c.filters, f)

	// higher priority runs first
	sort.SliceStable(c.filters, func(i, j int) bool {
		return c.filters[i].Priority() > c.filters[j].Priority()
	})

	if c.enableDebug {
		log.Printf("Registered filter '%s' (priority %d)", f.Name(), f.Priority())
	}
	return nil
}

// ReplaceWith swaps this chain's filters for those of another chain, so a
// shared chain can be reloaded without handing out a new pointer.
func (c *Chain) ReplaceWith(other *Chain) {
	other.mu.RLock()
	filters := append([]Filter(nil), other.filters...)
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = filters
	c.byName = make(map[string]Filter, len(filters))
	for _, f := range filters {
		c.byName[f.Name()] = f
	}
}

// Remove unregisters a filter by name.
func (c *Chain) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; !exists {
		return fmt.Errorf("filter %s not found", name)
	}
	delete(c.byName, name)

	kept := c.filters[:0]
	for _, f := range c.filters {
		if f.Name() != name {
			kept = append(kept, f)
		}
	}
	c.filters = kept
	return nil
}

// Len reports the number of registered filters.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// OnRequestHeaders runs the chain over a parsed request.
func (c *Chain) OnRequestHeaders(ctx context.Context, ex *Exchange, req *httpmsg.Request) Decision {
	return c.run(func(f Filter) (Decision, error) {
		return f.OnRequestHeaders(ctx, ex, req)
	})
}

// OnResponseHeaders runs the chain over parsed response headers.
func (c *Chain) OnResponseHeaders(ctx context.Context, ex *Exchange, resp *httpmsg.Response) Decision {
	return c.run(func(f Filter) (Decision, error) {
		return f.OnResponseHeaders(ctx, ex, resp)
	})
}

// OnBodyChunk runs the chain over one body chunk as it streams through.
func (c *Chain) OnBodyChunk(ctx context.Context, ex *Exchange, chunk []byte, isRequest bool) Decision {
	return c.run(func(f Filter) (Decision, error) {
		return f.OnBodyChunk(ctx, ex, chunk, isRequest)
	})
}

func (c *Chain) run(apply func(Filter) (Decision, error)) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.statsMu.Lock()
	c.evaluated++
	c.statsMu.Unlock()

	final := Decision{Verdict: VerdictPass, Reason: "no filters matched"}

	for _, f := range c.filters {
		decision, err := apply(f)
		if err != nil {
			log.Printf("Filter %s error: %v", f.Name(), err)
			continue
		}

		switch decision.Verdict {
		case VerdictShortCircuit:
			decision.FilterName = f.Name()
			c.statsMu.Lock()
			c.shortCircuits++
			c.statsMu.Unlock()
			if c.enableDebug {
				log.Printf("Filter %s short-circuited: %s", f.Name(), decision.Reason)
			}
			return decision

		case VerdictRewrite:
			// remember that something mutated the message, keep going
			final = Decision{
				Verdict:    VerdictRewrite,
				FilterName: f.Name(),
				Reason:     decision.Reason,
			}
			c.statsMu.Lock()
			c.rewrites++
			c.statsMu.Unlock()
		}
	}
	return final
}

// StatsSnapshot is a chain counter snapshot.
type StatsSnapshot struct {
	Filters       int   `json:"filters"`
	Evaluated     int64 `json:"evaluated"`
	Rewrites      int64 `json:"rewrites"`
	ShortCircuits int64 `json:"short_circuits"`
}

// GetStats returns chain counters.
func (c *Chain) GetStats() StatsSnapshot {
	c.mu.RLock()
	filters := len(c.filters)
	c.mu.RUnlock()

	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return StatsSnapshot{
		Filters:       filters,
		Evaluated:     c.evaluated,
		Rewrites:      c.rewrites,
		ShortCircuits: c.shortCircuits,
	}
}
