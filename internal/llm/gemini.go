package llm

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/nugget/parley/internal/httpkit"
)

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a client. An empty baseURL selects the public
// API endpoint.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewStreamingClient(),
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger.With("provider", "gemini")}, nil
}

// Chat sends a non-streaming request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	contents, config := convertToGemini(messages, tools)
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	out := &ChatResponse{Model: model, Message: Message{Role: "assistant"}, Done: true}
	finish := mergeGeminiResponse(out, resp, nil)
	out.StopReason = stopReasonFrom(finish, len(out.Message.ToolCalls) > 0)
	return out, nil
}

// ChatStream streams a response, forwarding text parts to callback.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	contents, config := convertToGemini(messages, tools)
	c.logger.Debug("preparing request", "model", model, "contents", len(contents), "tools", len(tools), "stream", true)

	out := &ChatResponse{Model: model, Message: Message{Role: "assistant"}, Done: true}
	var finish string
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if f := mergeGeminiResponse(out, resp, callback); f != "" {
			finish = f
		}
	}
	out.StopReason = stopReasonFrom(finish, len(out.Message.ToolCalls) > 0)
	callback(StreamEvent{Kind: KindDone, Response: out})

	c.logger.Debug("stream complete",
		"model", out.Model,
		"stop_reason", out.StopReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

// Ping lists models to verify the key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, nil); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}

// mergeGeminiResponse folds one (possibly partial) response into out and
// returns the candidate finish reason, if any.
func mergeGeminiResponse(out *ChatResponse, resp *genai.GenerateContentResponse, callback StreamCallback) string {
	if resp == nil {
		return ""
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				id := p.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("gemini_%s_%d", p.FunctionCall.Name, len(out.Message.ToolCalls))
				}
				out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
					ID:       id,
					Function: ToolCallFunction{Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Args},
				})
			case p.Text != "" && !p.Thought:
				out.Message.Content += p.Text
				if callback != nil {
					callback(StreamEvent{Kind: KindToken, Token: p.Text})
				}
			}
		}
	}
	return string(cand.FinishReason)
}

func convertToGemini(messages []Message, tools []map[string]any) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	var system string
	var responses []*genai.Part

	flush := func() {
		if len(responses) > 0 {
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responses})
			responses = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != "tool" {
			flush()
		}
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "user":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case "tool":
			responses = append(responses, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.ToolName,
				Response: map[string]any{"output": msg.Content},
			}})
		}
	}
	flush()

	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		name, desc, params, ok := functionSchema(t)
		if !ok {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          desc,
			ParametersJsonSchema: params,
		})
	}
	if len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, config
}
