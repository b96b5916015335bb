package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewStreamingClient(),
		logger:     logger.With("provider", "ollama"),
	}
}

// BaseURL returns the server address, for health watchers.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// ollamaWireResponse is one /api/chat response object, or one NDJSON
// chunk when streaming.
type ollamaWireResponse struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`

	Error string `json:"error,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     created,
		Message:       w.Message,
		Done:          w.Done,
		StopReason:    stopReasonFrom(w.DoneReason, len(w.Message.ToolCalls) > 0),
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming chat request to Ollama. If callback is
// non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	jsonData, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "tools", len(tools), "stream", stream)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	var final *ChatResponse
	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		final = wire.toChatResponse()
	} else {
		final, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	// Some models emit tool calls as JSON in the content.
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
			final.StopReason = StopToolUse
		}
	}

	if stream {
		callback(StreamEvent{Kind: KindDone, Response: final})
	}

	c.logger.Debug("response received",
		"model", final.Model,
		"stop_reason", final.StopReason,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
	)
	return final, nil
}

func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var (
		content   strings.Builder
		toolCalls []ToolCall
		last      ollamaWireResponse
	)
	decoder := json.NewDecoder(body)
	for {
		var chunk ollamaWireResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)
		last = chunk
		if chunk.Done {
			break
		}
	}

	last.Message.Role = "assistant"
	last.Message.Content = content.String()
	last.Message.ToolCalls = toolCalls
	return last.toChatResponse(), nil
}

// extractToolNames returns the function names from OpenAI-format tool
// schemas, skipping malformed entries.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := []string{}
	for _, t := range tools {
		if name, _, _, ok := functionSchema(t); ok {
			names = append(names, name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of the native tool_calls field. It understands a single
// object, an array, concatenated objects, <tool_call> tags and the
// "name {json}" form. When validTools is non-empty, unknown names are
// dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	valid := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}

	var found []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &found); err != nil {
			return nil
		}

	case strings.HasPrefix(content, "{"):
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			found = append(found, c)
		}

	default:
		brace := strings.Index(content, "{")
		if brace <= 0 || len(validTools) == 0 {
			return nil
		}
		name := strings.TrimSpace(content[:brace])
		if strings.ContainsAny(name, " \t\n") {
			return nil
		}
		var args map[string]any
		if err := json.NewDecoder(strings.NewReader(content[brace:])).Decode(&args); err != nil {
			return nil
		}
		found = append(found, textToolCall{Name: name, Arguments: args})
	}

	var result []ToolCall
	for _, c := range found {
		if !valid(c.Name) {
			continue
		}
		result = append(result, ToolCall{Function: ToolCallFunction{Name: c.Name, Arguments: c.Arguments}})
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
