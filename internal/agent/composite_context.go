package agent

import (
	"context"
	"strings"
)

// ContextProvider contributes extra text to a turn's system prompt.
type ContextProvider interface {
	GetContext(ctx context.Context, req *Request) (string, error)
}

// CompositeContextProvider runs several providers in order and joins
// their non-empty output with blank lines. A provider that fails is
// left out of the prompt; it never fails the turn.
type CompositeContextProvider struct {
	providers []ContextProvider
}

// NewCompositeContextProvider returns a composite over providers,
// ignoring nil entries.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{providers: make([]ContextProvider, 0, len(providers))}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends provider. Nil is ignored.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider == nil {
		return
	}
	c.providers = append(c.providers, provider)
}

// GetContext implements [ContextProvider].
func (c *CompositeContextProvider) GetContext(ctx context.Context, req *Request) (string, error) {
	var b strings.Builder
	for _, p := range c.providers {
		text, err := p.GetContext(ctx, req)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
