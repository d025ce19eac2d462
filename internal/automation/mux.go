package automation

import (
	"context"
)

// Mux routes each template to the Backend registered for its strategy.
type Mux struct {
	backends map[Strategy]Backend
}

// NewMux returns an empty Mux; register backends with Handle.
func NewMux() *Mux {
	return &Mux{backends: make(map[Strategy]Backend)}
}

// Handle registers b for templates using strategy s.
func (m *Mux) Handle(s Strategy, b Backend) *Mux {
	m.backends[s] = b
	return m
}

// Execute implements Backend.
func (m *Mux) Execute(ctx context.Context, tpl Template, targetURL string) (*Result, error) {
	b, ok := m.backends[tpl.Strategy]
	if !ok {
		return nil, fail(KindRejected, nil, "no backend for strategy %q (template %s)", tpl.Strategy, tpl.Name)
	}
	return b.Execute(ctx, tpl, targetURL)
}
