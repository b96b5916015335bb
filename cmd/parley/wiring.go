package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/mcp"
	"github.com/nugget/parley/internal/tools"
)

// buildProviders creates a client for every configured provider and the
// model routes between them.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Providers, error) {
	p := llm.NewProviders()
	pc := cfg.Providers

	for _, name := range cfg.ProviderNames() {
		switch name {
		case "anthropic":
			p.Add(name, llm.NewAnthropicClient(pc.Anthropic.APIKey, pc.Anthropic.BaseURL, logger))
		case "openai":
			p.Add(name, llm.NewOpenAIClient(pc.OpenAI.APIKey, pc.OpenAI.BaseURL, logger))
		case "gemini":
			c, err := llm.NewGeminiClient(ctx, pc.Gemini.APIKey, pc.Gemini.BaseURL, logger)
			if err != nil {
				return nil, fmt.Errorf("create gemini client: %w", err)
			}
			p.Add(name, c)
		case "ollama":
			p.Add(name, llm.NewOllamaClient(pc.Ollama.URL, logger))
		}
	}

	if pc.Default != "" {
		if err := p.SetDefault(pc.Default); err != nil {
			return nil, fmt.Errorf("providers.default: %w", err)
		}
	}
	for model, provider := range pc.Routes {
		if _, ok := p.Client(provider); !ok {
			return nil, fmt.Errorf("route for model %q: %w: %q", model, llm.ErrNoProvider, provider)
		}
		p.AddModel(model, provider)
	}
	return p, nil
}

// buildDiscoverer connects the configured MCP servers. It returns nil
// when none are configured. Discovered tools pass through the
// confirmation policy.
func buildDiscoverer(cfg *config.Config, logger *slog.Logger) (*mcp.Discoverer, tools.Discoverer, error) {
	if len(cfg.MCP.Servers) == 0 {
		return nil, nil, nil
	}

	servers := make([]mcp.Server, 0, len(cfg.MCP.Servers))
	for _, sc := range cfg.MCP.Servers {
		var transport mcp.Transport
		switch {
		case sc.Command != "":
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: sc.Command,
				Args:    sc.Args,
				Env:     envList(sc.Env),
				Logger:  logger,
			})
		case sc.URL != "":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:     sc.URL,
				Headers: sc.Headers,
				Logger:  logger,
			})
		default:
			return nil, nil, fmt.Errorf("mcp server %q: command or url is required", sc.Name)
		}
		servers = append(servers, mcp.Server{
			Client:    mcp.NewClient(sc.Name, transport, logger.With("mcp_server", sc.Name)),
			Namespace: sc.Namespace,
			Include:   sc.Include,
			Exclude:   sc.Exclude,
		})
	}

	policy, err := tools.NewPolicy(cfg.Tools.ConfirmWhen)
	if err != nil {
		return nil, nil, fmt.Errorf("tools.confirm_when: %w", err)
	}

	d := mcp.NewDiscoverer(servers, logger)
	return d, tools.WithPolicy(d, policy), nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// watchServices registers a health watcher for every provider and MCP
// server.
func watchServices(ctx context.Context, mgr *connwatch.Manager, providers *llm.Providers, mcpd *mcp.Discoverer) {
	for _, name := range providers.Names() {
		client, _ := providers.Client(name)
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    name,
			Kind:    connwatch.KindProvider,
			Probe:   client.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}
	if mcpd == nil {
		return
	}
	for _, c := range mcpd.Clients() {
		mgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mcp:" + c.Name(),
			Kind:    connwatch.KindMCP,
			Probe:   c.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
	}
}

// closeMCP shuts down every MCP transport.
func closeMCP(mcpd *mcp.Discoverer, logger *slog.Logger) {
	if mcpd == nil {
		return
	}
	var errs []error
	for _, c := range mcpd.Clients() {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to close MCP clients", "error", err)
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
