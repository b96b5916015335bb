package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/tools"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 60 * time.Second

// Resolver executes tool calls that were waiting on a human decision, or
// that an earlier turn left unexecuted, before the model is invoked
// again.
type Resolver struct {
	logger  *slog.Logger
	bus     *events.Bus
	timeout time.Duration
}

// NewResolver creates a resolver. A nil bus is allowed.
func NewResolver(logger *slog.Logger, bus *events.Bus) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, bus: bus, timeout: DefaultToolTimeout}
}

// SetToolTimeout overrides the per-execution timeout.
func (r *Resolver) SetToolTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Resolve walks every tool call in h in order and runs the eligible ones.
// A call is eligible when it has no result, its tool has an execution
// function, and it is either auto-executable or pending confirmation with
// an approval. Each outcome is appended as a result part to the message
// holding the call, and the call is marked completed. A failing tool
// yields an error result and does not stop the walk.
//
// Cancellation of ctx stops new executions from starting; one already
// running is allowed to finish. The input history is not modified.
func (r *Resolver) Resolve(ctx context.Context, h chat.History, set tools.Set, execs tools.Executions) (chat.History, []chat.ToolResultPart) {
	out := h.Clone()
	results := out.Results()
	decisions := out.Confirmations()

	var produced []chat.ToolResultPart
	for mi := range out {
		msg := &out[mi]
		n := len(msg.Parts)
		for pi := 0; pi < n; pi++ {
			p := msg.Parts[pi]
			if p.Type != chat.PartToolCall || p.ToolCall == nil {
				continue
			}
			call := p.ToolCall
			if results[call.CallID] != nil || execs[call.ToolName] == nil {
				continue
			}
			if !r.eligible(call, set.Get(call.ToolName), decisions) {
				continue
			}
			if err := ctx.Err(); err != nil {
				r.logger.Info("resolution interrupted",
					"call_id", call.CallID,
					"tool", call.ToolName,
					"error", err,
				)
				return out, produced
			}

			res := r.execute(ctx, call, execs, "resolve")
			msg.Parts = append(msg.Parts, chat.Result(res))
			call.State = chat.StateCompleted
			results[call.CallID] = &res
			produced = append(produced, res)
		}
	}
	return out, produced
}

func (r *Resolver) eligible(call *chat.ToolCallPart, def *tools.Definition, decisions map[string]bool) bool {
	switch call.State {
	case chat.StateAutoExecutable:
		return def != nil && !def.RequiresConfirmation
	case chat.StatePendingConfirmation:
		return decisions[call.CallID]
	default:
		return false
	}
}

// execute runs one call. The execution outlives a cancelled turn so a
// side effect that has started is allowed to complete.
func (r *Resolver) execute(ctx context.Context, call *chat.ToolCallPart, execs tools.Executions, phase string) chat.ToolResultPart {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := time.Now()
	output, err := execs.Run(execCtx, call.ToolName, call.Input)
	elapsed := time.Since(start)

	res := chat.ToolResultPart{CallID: call.CallID, ToolName: call.ToolName}
	if err != nil {
		res.Error = err.Error()
		var unavailable *tools.ErrToolUnavailable
		level := slog.LevelWarn
		if errors.As(err, &unavailable) {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "tool execution failed",
			"call_id", call.CallID,
			"tool", call.ToolName,
			"phase", phase,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		res.Output = output
		r.logger.Info("tool executed",
			"call_id", call.CallID,
			"tool", call.ToolName,
			"elapsed", elapsed,
		)
		r.logger.Log(ctx, llm.LevelTrace, "tool output",
			"call_id", call.CallID,
			"output", output,
		)
	}

	r.bus.Emit(events.SourceTools, events.KindToolExec, map[string]any{
		"conversation_id": tools.ConversationIDFromContext(ctx),
		"tool":            call.ToolName,
		"call_id":         call.CallID,
		"ok":              err == nil,
		"duration_ms":     elapsed.Milliseconds(),
		"phase":           phase,
	})
	return res
}
