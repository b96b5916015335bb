// Package agent runs one conversational turn: it cleans the stored
// history, executes tool calls the user has approved, streams the model
// response and persists the result.
package agent

import "github.com/nugget/parley/internal/chat"

// Sanitize returns a copy of h that every model backend will accept.
//
// A tool call without a result is kept only while it can still be
// resolved: it is auto-executable, or it is pending confirmation and the
// user has approved it. Results and confirmations that refer to no kept
// call are removed, and so are messages left without meaningful parts.
// The first occurrence of a duplicated call id wins. Order is preserved
// and Sanitize(Sanitize(h)) equals Sanitize(h).
func Sanitize(h chat.History) chat.History {
	return sanitize(h, false)
}

// SanitizeResolved is the pass that follows confirmation resolution.
// Anything still unanswered at that point cannot be answered this turn,
// so every call without a result is removed whatever its state.
func SanitizeResolved(h chat.History) chat.History {
	return sanitize(h, true)
}

func sanitize(h chat.History, strict bool) chat.History {
	results := h.Results()
	decisions := h.Confirmations()

	retained := make(map[string]bool)
	for _, m := range h {
		for _, p := range m.Parts {
			if p.Type != chat.PartToolCall || p.ToolCall == nil {
				continue
			}
			id := p.ToolCall.CallID
			if _, seen := retained[id]; seen {
				continue
			}
			hasResult := results[id] != nil
			retained[id] = hasResult || (!strict && resolvable(p.ToolCall, decisions))
		}
	}

	out := make(chat.History, 0, len(h))
	calls := make(map[string]bool)
	answered := make(map[string]bool)
	for _, m := range h {
		parts := make([]chat.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case chat.PartToolCall:
				if p.ToolCall == nil {
					continue
				}
				id := p.ToolCall.CallID
				if !retained[id] || calls[id] {
					continue
				}
				calls[id] = true
			case chat.PartToolResult:
				if p.ToolResult == nil {
					continue
				}
				id := p.ToolResult.CallID
				if !retained[id] || answered[id] {
					continue
				}
				answered[id] = true
			case chat.PartConfirmation:
				if p.Confirmation == nil || !retained[p.Confirmation.CallID] {
					continue
				}
			}
			parts = append(parts, p.Clone())
		}
		if !anyMeaningful(parts) {
			continue
		}
		c := m
		c.Parts = parts
		out = append(out, c)
	}
	return out
}

func resolvable(c *chat.ToolCallPart, decisions map[string]bool) bool {
	switch c.State {
	case chat.StateAutoExecutable:
		return true
	case chat.StatePendingConfirmation:
		return decisions[c.CallID]
	default:
		return false
	}
}

func anyMeaningful(parts []chat.Part) bool {
	for _, p := range parts {
		if p.Meaningful() {
			return true
		}
	}
	return false
}
