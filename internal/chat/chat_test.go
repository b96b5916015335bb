package chat

import (
	"encoding/json"
	"testing"
)

func TestMessageJSONRoundTripKeepsPartVariants(t *testing.T) {
	raw := `{
		"id": "m1",
		"role": "assistant",
		"parts": [
			{"type": "text", "text": "checking"},
			{"type": "tool-call", "toolCall": {"callId": "c1", "toolName": "getWeatherInformation", "input": {"city": "Austin"}, "state": "pending-confirmation"}},
			{"type": "metadata", "metadata": {"model": "m"}}
		]
	}`

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(m.Parts))
	}
	call := m.Parts[1].ToolCall
	if call == nil || call.CallID != "c1" || call.State != StatePendingConfirmation {
		t.Fatalf("tool call = %+v", call)
	}
	if string(call.Input) != `{"city": "Austin"}` {
		t.Errorf("input = %s", call.Input)
	}
	if m.Parts[2].Meaningful() {
		t.Error("metadata part should not be meaningful")
	}
}

func TestPartMeaningful(t *testing.T) {
	tests := []struct {
		name string
		part Part
		want bool
	}{
		{"text", Text("hi"), true},
		{"blank text", Text("  \n"), false},
		{"call", Call(ToolCallPart{CallID: "c"}), true},
		{"result", Result(ToolResultPart{CallID: "c"}), true},
		{"confirmation", Confirm("c", true), true},
		{"metadata", Part{Type: PartMetadata, Metadata: map[string]any{"a": 1}}, false},
		{"call missing payload", Part{Type: PartToolCall}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.part.Meaningful(); got != tt.want {
				t.Errorf("Meaningful() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistoryCloneIsIndependent(t *testing.T) {
	h := History{{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: []Part{
			Call(ToolCallPart{CallID: "c1", ToolName: "t", Input: json.RawMessage(`{}`), State: StateAutoExecutable}),
		},
	}}

	c := h.Clone()
	c[0].Parts[0].ToolCall.State = StateCompleted
	c[0].Parts[0].ToolCall.Input[0] = '['

	if h[0].Parts[0].ToolCall.State != StateAutoExecutable {
		t.Error("clone shares tool call with original")
	}
	if string(h[0].Parts[0].ToolCall.Input) != `{}` {
		t.Error("clone shares input bytes with original")
	}
}

func TestHistoryAppendDoesNotAlias(t *testing.T) {
	h := make(History, 1, 4)
	h[0] = Message{ID: "a", Role: RoleUser, Parts: []Part{Text("one")}}

	h2 := h.Append(Message{ID: "b", Role: RoleUser, Parts: []Part{Text("two")}})
	h3 := h.Append(Message{ID: "c", Role: RoleUser, Parts: []Part{Text("three")}})

	if len(h) != 1 {
		t.Fatalf("original grew to %d", len(h))
	}
	if h2[1].ID != "b" || h3[1].ID != "c" {
		t.Errorf("append aliasing: h2[1]=%s h3[1]=%s", h2[1].ID, h3[1].ID)
	}
}

func TestHistoryIndexes(t *testing.T) {
	h := History{
		{ID: "1", Role: RoleAssistant, Parts: []Part{
			Call(ToolCallPart{CallID: "c1", ToolName: "a"}),
			Result(ToolResultPart{CallID: "c1", Output: "ok"}),
		}},
		{ID: "2", Role: RoleUser, Parts: []Part{Confirm("c2", true), Confirm("c2", false)}},
	}

	if r := h.Results()["c1"]; r == nil || r.Output != "ok" {
		t.Errorf("Results()[c1] = %+v", r)
	}
	approved, ok := h.Confirmations()["c2"]
	if !ok || approved {
		t.Errorf("latest confirmation for c2 = %v (present %v), want false", approved, ok)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
