package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/parley/internal/buildinfo"
)

// maxListPages bounds tools/list pagination against a misbehaving server.
const maxListPages = 20

// Client talks to a single MCP server. The initialize handshake runs
// lazily before the first request and again after a transport failure.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu     sync.Mutex
	ready  bool
	server ServerInfo
}

// NewClient creates a client for the named server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Server returns what the server reported about itself during initialize.
func (c *Client) Server() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Initialize performs the handshake if it has not completed yet.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	resp, err := c.send(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": buildinfo.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.ready = true
	c.server = result.ServerInfo
	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools returns the server's current tools, following pagination.
// Nothing is cached: each call reflects what the server offers now.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}

	var all []ToolDefinition
	cursor := ""
	for range maxListPages {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		var page listToolsResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			c.logger.Debug("listed MCP tools", "count", len(all))
			return all, nil
		}
		cursor = page.NextCursor
	}
	return nil, fmt.Errorf("tools/list: more than %d pages", maxListPages)
}

// CallTool invokes a tool and flattens its content blocks to text. A
// result flagged isError is returned as an error carrying that text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.Initialize(ctx); err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	resp, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("MCP tool %s failed: %s", name, text)
	}
	return text, nil
}

// Ping checks whether the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	return c.transport.Close()
}

// call sends a request and resets the handshake state when the transport
// itself failed, so the next call reconnects.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	resp, err := c.send(ctx, method, params)
	var rpcErr *RPCError
	if err != nil && !errors.As(err, &rpcErr) {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	req := NewRequest(c.nextID.Add(1), method, params)
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// extractText joins text blocks. Other block types become inline markers.
func extractText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		if b.MimeType != "" {
			parts = append(parts, fmt.Sprintf("[%s %s]", b.Type, b.MimeType))
		} else {
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
