package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/tools"
)

// DefaultMaxSteps bounds the model calls in one turn.
const DefaultMaxSteps = 10

// FinishFunc receives the assembled assistant message and aggregated
// usage when the loop ends. It runs before the terminal event is sent;
// an error turns the finish reason into error.
type FinishFunc func(ctx context.Context, msg chat.Message, usage chat.Usage) error

// Request is the input to one run of the model loop.
type Request struct {
	ConversationID string
	Model          string
	System         string
	History        chat.History
	Tools          tools.Set
	MaxSteps       int
	OnFinish       FinishFunc
}

// Loop drives the streamed model calls of one turn.
type Loop struct {
	client   llm.Client
	resolver *Resolver
	logger   *slog.Logger
}

// NewLoop creates a loop over client. Tool executions go through
// resolver so they are logged and published the same way as resolved
// confirmations; nil gets a resolver with no event bus.
func NewLoop(client llm.Client, resolver *Resolver, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = NewResolver(logger, nil)
	}
	return &Loop{client: client, resolver: resolver, logger: logger}
}

// Run starts the loop and returns its event stream. Events arrive in
// production order and the last one is always a finish event, after which
// the channel is closed. The caller must drain the channel until it is
// closed. Cancelling ctx ends the loop with reason cancelled.
func (l *Loop) Run(ctx context.Context, req Request) <-chan chat.StreamEvent {
	out := make(chan chat.StreamEvent)
	go l.run(ctx, req, out)
	return out
}

type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepDone
)

type loopState struct {
	req     Request
	msgID   string
	final   chat.Message
	usage   chat.Usage
	msgs    []llm.Message
	schemas []map[string]any
	execs   tools.Executions
	reason  chat.FinishReason
	err     error
	out     chan<- chat.StreamEvent
}

func (s *loopState) emit(e chat.StreamEvent) {
	e.MessageID = s.msgID
	s.out <- e
}

func (l *Loop) run(ctx context.Context, req Request, out chan<- chat.StreamEvent) {
	defer close(out)

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	start := time.Now()

	s := &loopState{
		req:     req,
		msgID:   chat.NewID(),
		msgs:    toLLMMessages(req.System, Sanitize(req.History)),
		schemas: req.Tools.Schemas(),
		execs:   req.Tools.Executions(),
		reason:  chat.FinishMaxSteps,
		out:     out,
	}
	s.final = chat.Message{ID: s.msgID, Role: chat.RoleAssistant, CreatedAt: start}

	l.logger.Info("model loop started",
		"conversation_id", req.ConversationID,
		"model", req.Model,
		"messages", len(s.msgs),
		"tools", len(s.schemas),
		"max_steps", maxSteps,
	)

	for step := 0; step < maxSteps; step++ {
		if ctx.Err() != nil {
			s.reason = chat.FinishCancelled
			break
		}
		if l.step(ctx, s, step) == stepDone {
			break
		}
	}

	if req.OnFinish != nil {
		if err := req.OnFinish(context.WithoutCancel(ctx), s.final.Clone(), s.usage); err != nil {
			l.logger.Error("finish callback failed",
				"conversation_id", req.ConversationID,
				"error", err,
			)
			s.reason = chat.FinishError
			s.err = errors.Join(s.err, err)
		}
	}

	finish := chat.StreamEvent{
		Kind:         chat.EventFinish,
		FinishReason: s.reason,
		Usage:        &s.usage,
	}
	if s.err != nil {
		finish.Error = s.err.Error()
	}

	l.logger.Info("model loop completed",
		"conversation_id", req.ConversationID,
		"finish_reason", s.reason,
		"steps", s.usage.Steps,
		"input_tokens", s.usage.InputTokens,
		"output_tokens", s.usage.OutputTokens,
		"elapsed", time.Since(start),
	)
	s.emit(finish)
}

// step performs one backend call and handles the tool calls it requests.
func (l *Loop) step(ctx context.Context, s *loopState, step int) stepOutcome {
	var streamed strings.Builder
	resp, err := l.client.ChatStream(ctx, s.req.Model, s.msgs, s.schemas, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			streamed.WriteString(ev.Token)
			s.emit(chat.StreamEvent{Kind: chat.EventTextDelta, Delta: ev.Token})
		}
	})
	if err != nil {
		// Text already sent to the client stays in the message.
		if streamed.Len() > 0 {
			s.final.Parts = append(s.final.Parts, chat.Text(streamed.String()))
		}
		if ctx.Err() != nil {
			s.reason = chat.FinishCancelled
			return stepDone
		}
		l.logger.Error("model call failed",
			"conversation_id", s.req.ConversationID,
			"model", s.req.Model,
			"step", step,
			"error", err,
		)
		s.reason = chat.FinishError
		s.err = err
		return stepDone
	}

	s.usage.Steps++
	s.usage.Add(resp.InputTokens, resp.OutputTokens)

	content := streamed.String()
	if content == "" && resp.Message.Content != "" {
		content = resp.Message.Content
		s.emit(chat.StreamEvent{Kind: chat.EventTextDelta, Delta: content})
	}
	if content != "" {
		s.final.Parts = append(s.final.Parts, chat.Text(content))
	}

	l.logger.Debug("model step completed",
		"conversation_id", s.req.ConversationID,
		"step", step,
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	if len(resp.Message.ToolCalls) == 0 {
		s.reason = finishFromStop(resp.StopReason)
		return stepDone
	}

	// Announce every call before running any of them.
	first := len(s.final.Parts)
	for _, tc := range resp.Message.ToolCalls {
		call := newCallPart(tc, s.req.Tools.Get(tc.Function.Name))
		s.final.Parts = append(s.final.Parts, chat.Call(call))
		s.emit(chat.StreamEvent{Kind: chat.EventToolCall, Call: &call})
	}
	calls := s.final.Parts[first:]

	assistant := llm.Message{Role: "assistant", Content: content}
	var toolMsgs []llm.Message
	var pending, interrupted bool
	var produced []chat.Part
	for _, p := range calls {
		call := p.ToolCall
		if call.State != chat.StateAutoExecutable {
			pending = true
			continue
		}
		if ctx.Err() != nil {
			interrupted = true
			continue
		}

		var res chat.ToolResultPart
		if s.req.Tools.Get(call.ToolName) == nil {
			err := &tools.ErrToolUnavailable{ToolName: call.ToolName}
			l.logger.Warn("model called unknown tool",
				"conversation_id", s.req.ConversationID,
				"tool", call.ToolName,
				"call_id", call.CallID,
			)
			res = chat.ToolResultPart{CallID: call.CallID, ToolName: call.ToolName, Error: err.Error()}
		} else {
			res = l.resolver.execute(ctx, call, s.execs, "loop")
		}
		call.State = chat.StateCompleted
		produced = append(produced, chat.Result(res))
		s.emit(chat.StreamEvent{Kind: chat.EventToolResult, Result: &res})

		assistant.ToolCalls = append(assistant.ToolCalls, llm.ToolCall{
			ID:       call.CallID,
			Function: llm.ToolCallFunction{Name: call.ToolName, Arguments: mustArgs(call.Input)},
		})
		toolMsgs = append(toolMsgs, toolMessage(call, &res))
	}
	s.final.Parts = append(s.final.Parts, produced...)

	s.msgs = append(s.msgs, assistant)
	s.msgs = append(s.msgs, toolMsgs...)

	switch {
	case interrupted:
		s.reason = chat.FinishCancelled
		return stepDone
	case pending:
		s.reason = chat.FinishAwaitingConfirmation
		return stepDone
	}
	return stepContinue
}

// newCallPart records a requested call. Unknown tools are marked
// auto-executable so the loop answers them with an error result instead
// of asking a human about a tool that does not exist.
func newCallPart(tc llm.ToolCall, def *tools.Definition) chat.ToolCallPart {
	id := tc.ID
	if id == "" {
		id = chat.NewID()
	}
	args := tc.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		input = []byte("{}")
	}

	state := chat.StatePendingConfirmation
	if def == nil || def.AutoExecutable() {
		state = chat.StateAutoExecutable
	}
	return chat.ToolCallPart{
		CallID:   id,
		ToolName: tc.Function.Name,
		Input:    input,
		State:    state,
	}
}

func mustArgs(input json.RawMessage) map[string]any {
	args, err := tools.DecodeArgs(input)
	if err != nil {
		return map[string]any{}
	}
	return args
}

func finishFromStop(r llm.StopReason) chat.FinishReason {
	if r == llm.StopLength {
		return chat.FinishLength
	}
	return chat.FinishStop
}
