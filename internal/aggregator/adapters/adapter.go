// Package adapters implements the per-aggregator wire clients. Each state
// routes to exactly one adapter; the registry enforces that at startup.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	id "carebridge/pkg/domain"
)

// Result is one submission attempt's outcome as classified by the adapter.
// Retryable follows HTTP semantics: 5xx and transport failures can be
// retried, 4xx means the payload itself was refused and retrying is futile.
type Result struct {
	Accepted       bool
	ConfirmationID string
	ErrorCode      string
	ErrorMessage   string
	Retryable      bool
}

// Adapter is one aggregator's wire client. Implementations return an error
// only for transport-level failures (always retryable); HTTP responses,
// including rejections, come back as a Result.
type Adapter interface {
	Name() string
	SubmitVisit(ctx context.Context, payload []byte) (Result, error)
	SubmitCorrection(ctx context.Context, originalConfirmationID string, payload []byte) (Result, error)
}

// Registry maps state codes to their aggregator adapter.
type Registry struct {
	mu      sync.RWMutex
	byState map[id.StateCode]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byState: make(map[id.StateCode]Adapter)}
}

// Register binds a state to an adapter. A state already bound to a different
// adapter is a configuration error: each state has exactly one active
// aggregator.
func (r *Registry) Register(state id.StateCode, a Adapter) error {
	if !state.IsValid() {
		return fmt.Errorf("register adapter: invalid state code %q", state)
	}
	if a == nil {
		return fmt.Errorf("register adapter: nil adapter for %s", state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byState[state]; ok {
		return fmt.Errorf("register adapter: %s already routes to %s", state, existing.Name())
	}
	r.byState[state] = a
	return nil
}

// ForState returns the adapter serving the state.
func (r *Registry) ForState(state id.StateCode) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byState[state]
	if !ok {
		return nil, fmt.Errorf("no aggregator configured for state %s", state)
	}
	return a, nil
}

// States lists the registered state codes, sorted.
func (r *Registry) States() []id.StateCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]id.StateCode, 0, len(r.byState))
	for s := range r.byState {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
