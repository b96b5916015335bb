package chat

// EventKind identifies the type of a StreamEvent.
type EventKind string

const (
	// EventTextDelta is an incremental chunk of assistant text.
	EventTextDelta EventKind = "text-delta"
	// EventToolCall announces a tool call requested by the model.
	EventToolCall EventKind = "tool-call"
	// EventToolResult announces the result of an executed tool call.
	EventToolResult EventKind = "tool-result"
	// EventFinish terminates the stream.
	EventFinish EventKind = "finish"
)

// FinishReason explains why a stream ended.
type FinishReason string

const (
	FinishStop                 FinishReason = "stop"
	FinishLength               FinishReason = "length"
	FinishToolCalls            FinishReason = "tool-calls"
	FinishMaxSteps             FinishReason = "max-steps"
	FinishAwaitingConfirmation FinishReason = "awaiting-confirmation"
	FinishCancelled            FinishReason = "cancelled"
	FinishError                FinishReason = "error"
)

// Usage is token accounting for one turn, summed across steps.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	Steps        int `json:"steps"`
}

// Add accumulates token counts from one model call.
func (u *Usage) Add(input, output int) {
	u.InputTokens += input
	u.OutputTokens += output
}

// StreamEvent is one incremental unit of the outbound response.
type StreamEvent struct {
	Kind      EventKind       `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Call      *ToolCallPart   `json:"toolCall,omitempty"`
	Result    *ToolResultPart `json:"toolResult,omitempty"`

	FinishReason FinishReason `json:"finishReason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool { return e.Kind == EventFinish }
