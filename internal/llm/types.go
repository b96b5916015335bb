// Package llm provides the model backend clients used by the agent loop.
// Every provider speaks the same provider-neutral Message and
// ChatResponse types; wire format conversion happens at the provider
// boundary.
package llm

import (
	"errors"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// ErrNoProvider is returned when no configured provider can serve a
// model.
var ErrNoProvider = errors.New("llm: no provider configured")

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its decoded arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StopReason is the provider-neutral reason a single model call ended.
type StopReason string

const (
	StopEnd      StopReason = "stop"
	StopLength   StopReason = "length"
	StopToolUse  StopReason = "tool-calls"
	StopFiltered StopReason = "content-filter"
)

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model      string
	CreatedAt  time.Time
	Message    Message
	Done       bool
	StopReason StopReason

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

// stopReasonFrom normalizes provider stop strings.
func stopReasonFrom(s string, hasCalls bool) StopReason {
	switch s {
	case "max_tokens", "length", "MAX_TOKENS":
		return StopLength
	case "tool_use", "tool_calls", "function_call":
		return StopToolUse
	case "content_filter", "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
		return StopFiltered
	}
	if hasCalls {
		return StopToolUse
	}
	return StopEnd
}
