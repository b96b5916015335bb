package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/parley/internal/httpkit"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures a streamable HTTP MCP server.
type HTTPConfig struct {
	URL string

	// Headers are sent with every request, e.g. Authorization.
	Headers map[string]string

	Logger *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the server endpoint. The
// server may answer with a JSON body or a short SSE stream that carries
// the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(),
		logger:     logger,
	}
}

// URL returns the server endpoint, for health watchers.
func (t *HTTPTransport) URL() string { return t.url }

// Send posts the request and extracts the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		if httpResp.StatusCode == http.StatusNotFound {
			// The server forgot our session; start over next time.
			t.setSession("")
		}
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	body := io.LimitReader(httpResp.Body, 10<<20)
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readSSEResponse(body, req.ID)
	}

	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Notify posts a notification. 200 and 202 both count as delivered.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	return nil
}

// Close ends the session on the server if one was issued.
func (t *HTTPTransport) Close() error {
	t.mu.RLock()
	sid := t.sessionID
	t.mu.RUnlock()
	if sid == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	t.setSession("")
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.setSession(sid)
	}
	return httpResp, nil
}

func (t *HTTPTransport) setSession(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// readSSEResponse scans an SSE body for the response to id. Events are
// separated by blank lines and may span several data lines.
func readSSEResponse(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var data strings.Builder
	check := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg Response
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return nil, false
		}
		if msg.IsResponse() && *msg.ID == id {
			return &msg, true
		}
		return nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := check(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := check(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without response to request %d", id)
}
