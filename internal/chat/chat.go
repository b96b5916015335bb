// Package chat defines the conversation data model shared by the agent
// pipeline, the history store and the HTTP API.
package chat

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the variants of Part.
type PartType string

const (
	PartText         PartType = "text"
	PartToolCall     PartType = "tool-call"
	PartToolResult   PartType = "tool-result"
	PartConfirmation PartType = "confirmation"
	PartMetadata     PartType = "metadata"
)

// CallState is the lifecycle state of a tool call.
type CallState string

const (
	// StatePendingConfirmation waits for a human decision before it may run.
	StatePendingConfirmation CallState = "pending-confirmation"
	// StateAutoExecutable may run without confirmation.
	StateAutoExecutable CallState = "auto-executable"
	// StateCompleted has a matching result.
	StateCompleted CallState = "completed"
	// StateDeclined was refused and will never run.
	StateDeclined CallState = "declined"
)

// Message is one conversation turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Part is one ordered segment of a message. Exactly one of the payload
// fields is set, selected by Type.
type Part struct {
	Type         PartType        `json:"type"`
	Text         string          `json:"text,omitempty"`
	ToolCall     *ToolCallPart   `json:"toolCall,omitempty"`
	ToolResult   *ToolResultPart `json:"toolResult,omitempty"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// ToolCallPart is a model request to invoke a tool.
type ToolCallPart struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
	State    CallState       `json:"state"`
}

// ToolResultPart answers a ToolCallPart. A non-empty Error marks a failed
// execution.
type ToolResultPart struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Failed reports whether the result carries an error payload.
func (r ToolResultPart) Failed() bool { return r.Error != "" }

// Confirmation is the human decision on a pending tool call, appended by
// the client in a later message.
type Confirmation struct {
	CallID   string `json:"callId"`
	Approved bool   `json:"approved"`
}

// History is an ordered conversation.
type History []Message

// NewID returns a short random message id.
func NewID() string {
	return shortuuid.New()
}

// Text builds a text part.
func Text(s string) Part {
	return Part{Type: PartText, Text: s}
}

// Call builds a tool-call part.
func Call(c ToolCallPart) Part {
	return Part{Type: PartToolCall, ToolCall: &c}
}

// Result builds a tool-result part.
func Result(r ToolResultPart) Part {
	return Part{Type: PartToolResult, ToolResult: &r}
}

// Confirm builds a confirmation part.
func Confirm(callID string, approved bool) Part {
	return Part{Type: PartConfirmation, Confirmation: &Confirmation{CallID: callID, Approved: approved}}
}

// Meaningful reports whether the part carries content worth keeping on
// its own. Metadata and blank text are not meaningful.
func (p Part) Meaningful() bool {
	switch p.Type {
	case PartText:
		return strings.TrimSpace(p.Text) != ""
	case PartToolCall:
		return p.ToolCall != nil
	case PartToolResult:
		return p.ToolResult != nil
	case PartConfirmation:
		return p.Confirmation != nil
	default:
		return false
	}
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.ToolCall != nil {
		c := *p.ToolCall
		c.Input = slices.Clone(p.ToolCall.Input)
		out.ToolCall = &c
	}
	if p.ToolResult != nil {
		r := *p.ToolResult
		out.ToolResult = &r
	}
	if p.Confirmation != nil {
		c := *p.Confirmation
		out.Confirmation = &c
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p.Clone()
	}
	return out
}

// Clone returns a deep copy of the history.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	for i, m := range h {
		out[i] = m.Clone()
	}
	return out
}

// Append returns a copy of h with msgs added at the end.
func (h History) Append(msgs ...Message) History {
	out := make(History, 0, len(h)+len(msgs))
	out = append(out, h.Clone()...)
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out
}

// Results indexes every tool result in the history by call id.
func (h History) Results() map[string]*ToolResultPart {
	out := make(map[string]*ToolResultPart)
	for _, m := range h {
		for _, p := range m.Parts {
			if p.Type == PartToolResult && p.ToolResult != nil {
				if _, seen := out[p.ToolResult.CallID]; !seen {
					out[p.ToolResult.CallID] = p.ToolResult
				}
			}
		}
	}
	return out
}

// Confirmations indexes the latest confirmation signal per call id.
func (h History) Confirmations() map[string]bool {
	out := make(map[string]bool)
	for _, m := range h {
		for _, p := range m.Parts {
			if p.Type == PartConfirmation && p.Confirmation != nil {
				out[p.Confirmation.CallID] = p.Confirmation.Approved
			}
		}
	}
	return out
}

// TextContent concatenates the text parts of the message.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}
