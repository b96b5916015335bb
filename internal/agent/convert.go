package agent

import (
	"strings"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
)

// toLLMMessages converts a sanitized history to the provider-neutral
// message list. An assistant message is split into segments at every
// point where new content follows a tool result, so each segment's calls
// are immediately followed by their tool messages. Calls that have no
// result yet are left out.
func toLLMMessages(system string, h chat.History) []llm.Message {
	results := h.Results()

	var out []llm.Message
	if system != "" {
		out = append(out, llm.Message{Role: "system", Content: system})
	}

	for _, m := range h {
		switch m.Role {
		case chat.RoleAssistant:
			out = append(out, assistantSegments(m, results)...)
		case chat.RoleSystem:
			if text := m.TextContent(); strings.TrimSpace(text) != "" {
				out = append(out, llm.Message{Role: "system", Content: text})
			}
		default:
			if text := m.TextContent(); strings.TrimSpace(text) != "" {
				out = append(out, llm.Message{Role: "user", Content: text})
			}
		}
	}
	return out
}

type segment struct {
	text   strings.Builder
	calls  []*chat.ToolCallPart
	closed bool
}

func assistantSegments(m chat.Message, results map[string]*chat.ToolResultPart) []llm.Message {
	var (
		out []llm.Message
		seg = &segment{}
	)
	flush := func() {
		out = append(out, seg.render(results)...)
		seg = &segment{}
	}

	for _, p := range m.Parts {
		switch p.Type {
		case chat.PartText:
			if seg.closed {
				flush()
			}
			seg.text.WriteString(p.Text)
		case chat.PartToolCall:
			if p.ToolCall == nil {
				continue
			}
			if seg.closed {
				flush()
			}
			seg.calls = append(seg.calls, p.ToolCall)
		case chat.PartToolResult:
			if len(seg.calls) > 0 {
				seg.closed = true
			}
		}
	}
	flush()
	return out
}

func (s *segment) render(results map[string]*chat.ToolResultPart) []llm.Message {
	msg := llm.Message{Role: "assistant", Content: s.text.String()}
	var toolMsgs []llm.Message
	for _, c := range s.calls {
		res := results[c.CallID]
		if res == nil {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:       c.CallID,
			Function: llm.ToolCallFunction{Name: c.ToolName, Arguments: mustArgs(c.Input)},
		})
		toolMsgs = append(toolMsgs, toolMessage(c, res))
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
		return nil
	}
	return append([]llm.Message{msg}, toolMsgs...)
}

func toolMessage(c *chat.ToolCallPart, res *chat.ToolResultPart) llm.Message {
	content := res.Output
	if res.Failed() {
		content = "Error: " + res.Error
	}
	return llm.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: c.CallID,
		ToolName:   c.ToolName,
	}
}
