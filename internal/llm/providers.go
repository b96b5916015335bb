package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Providers routes requests to a provider based on model name. Models
// are matched exactly first, then by "provider/model" prefix, and
// finally fall back to the default provider.
type Providers struct {
	clients     map[string]Client // provider name → client
	models      map[string]string // model name → provider name
	defaultName string
}

// NewProviders creates an empty router.
func NewProviders() *Providers {
	return &Providers{
		clients: make(map[string]Client),
		models:  make(map[string]string),
	}
}

// Add registers a client under a provider name. The first provider added
// becomes the default.
func (p *Providers) Add(name string, client Client) {
	p.clients[name] = client
	if p.defaultName == "" {
		p.defaultName = name
	}
}

// AddModel maps a model name to a provider.
func (p *Providers) AddModel(model, provider string) {
	p.models[model] = provider
}

// SetDefault selects the fallback provider for unmapped models.
func (p *Providers) SetDefault(name string) error {
	if _, ok := p.clients[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	p.defaultName = name
	return nil
}

// Default returns the default provider name, or "" if none is configured.
func (p *Providers) Default() string {
	return p.defaultName
}

// Names returns the configured provider names, sorted.
func (p *Providers) Names() []string {
	names := make([]string, 0, len(p.clients))
	for n := range p.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client returns the client registered under name.
func (p *Providers) Client(name string) (Client, bool) {
	c, ok := p.clients[name]
	return c, ok
}

// Select resolves the provider for a model. It returns the provider
// name, the client, and the model name to send on the wire (with any
// "provider/" prefix removed).
func (p *Providers) Select(model string) (string, Client, string, error) {
	if name, ok := p.models[model]; ok {
		if c, ok := p.clients[name]; ok {
			return name, c, model, nil
		}
	}
	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		if c, ok := p.clients[prefix]; ok {
			return prefix, c, rest, nil
		}
	}
	if c, ok := p.clients[p.defaultName]; ok {
		return p.defaultName, c, model, nil
	}
	return "", nil, "", fmt.Errorf("%w for model %q", ErrNoProvider, model)
}

// Chat sends a request to the provider for the model.
func (p *Providers) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	_, c, wire, err := p.Select(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, wire, messages, tools)
}

// ChatStream sends a streaming request to the provider for the model.
func (p *Providers) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	_, c, wire, err := p.Select(model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, wire, messages, tools, callback)
}

// Ping checks the default provider.
func (p *Providers) Ping(ctx context.Context) error {
	c, ok := p.clients[p.defaultName]
	if !ok {
		return ErrNoProvider
	}
	return c.Ping(ctx)
}
