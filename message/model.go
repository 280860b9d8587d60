package message

import (
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
)

// ModelCost is the per-million-token USD pricing used by calculate-cost.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
}

// Model is read-only configuration registered at startup. Api selects the
// adapter; Provider selects credential lookup and minor per-vendor
// heuristics within that adapter.
type Model struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	API            string            `json:"api"`
	Provider       string            `json:"provider"`
	BaseURL        string            `json:"base_url"`
	Reasoning      bool              `json:"reasoning"`
	Input          map[string]bool   `json:"input"`
	Cost           ModelCost         `json:"cost"`
	ContextWindow  int               `json:"context_window"`
	MaxTokens      int               `json:"max_tokens"`
	Headers        map[string]string `json:"headers,omitempty"`
	Compat         json.RawMessage   `json:"compat,omitempty"`
}

// SupportsInput reports whether the model accepts the named input
// modality ("image", "text", ...).
func (m Model) SupportsInput(modality string) bool {
	return m.Input[modality]
}

// CalculateCost applies the model's per-million-token pricing to usage and
// returns the populated Cost. u is taken by value and is not modified.
func CalculateCost(m Model, u Usage) Cost {
	c := Cost{
		Input:      float64(u.Input) / 1_000_000 * m.Cost.Input,
		Output:     float64(u.Output) / 1_000_000 * m.Cost.Output,
		CacheRead:  float64(u.CacheRead) / 1_000_000 * m.Cost.CacheRead,
		CacheWrite: float64(u.CacheWrite) / 1_000_000 * m.Cost.CacheWrite,
	}
	c.Total = c.Input + c.Output + c.CacheRead + c.CacheWrite
	return c
}

// Registry holds the set of Models registered at startup. It is read-only
// after construction from the agent loop/adapters' point of view; Register
// is only called during orchestrator bootstrap.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// Register adds or replaces a Model by id.
func (r *Registry) Register(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}

// Lookup returns the Model for id, or an error if unregistered.
func (r *Registry) Lookup(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return Model{}, fmt.Errorf("message: model %q is not registered", id)
	}
	return m, nil
}

// List returns all registered models in unspecified order.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}
