package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name      string
	lastModel string
	pingErr   error
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return s.ChatStream(ctx, model, messages, tools, nil)
}

func (s *stubClient) ChatStream(_ context.Context, model string, _ []Message, _ []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	s.lastModel = model
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestProvidersSelect(t *testing.T) {
	ollama := &stubClient{name: "ollama"}
	openai := &stubClient{name: "openai"}

	p := NewProviders()
	p.Add("ollama", ollama)
	p.Add("openai", openai)
	p.AddModel("gpt-4o-mini", "openai")

	tests := []struct {
		model        string
		wantProvider string
		wantWire     string
	}{
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"openai/gpt-4.1", "openai", "gpt-4.1"},
		{"llama3", "ollama", "llama3"},
		{"unknown/model", "ollama", "unknown/model"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			name, _, wire, err := p.Select(tt.model)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if name != tt.wantProvider || wire != tt.wantWire {
				t.Errorf("Select(%q) = %q, %q; want %q, %q", tt.model, name, wire, tt.wantProvider, tt.wantWire)
			}
		})
	}

	resp, err := p.Chat(context.Background(), "openai/gpt-4.1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "openai" || openai.lastModel != "gpt-4.1" {
		t.Errorf("routed to %q with model %q", resp.Message.Content, openai.lastModel)
	}
}

func TestProvidersEmpty(t *testing.T) {
	p := NewProviders()
	if _, _, _, err := p.Select("anything"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Select err = %v, want ErrNoProvider", err)
	}
	if err := p.Ping(context.Background()); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Ping err = %v", err)
	}
	if p.Default() != "" {
		t.Errorf("Default() = %q", p.Default())
	}
	if err := p.SetDefault("gemini"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("SetDefault err = %v", err)
	}
}

func TestProvidersSetDefault(t *testing.T) {
	p := NewProviders()
	p.Add("anthropic", &stubClient{name: "anthropic"})
	p.Add("gemini", &stubClient{name: "gemini", pingErr: errors.New("down")})
	if err := p.SetDefault("gemini"); err != nil {
		t.Fatal(err)
	}
	if got := p.Names(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("Names() = %v", got)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected ping error from default provider")
	}
}
