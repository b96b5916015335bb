package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

// DefaultDiscoveryTimeout bounds tool discovery at the start of a turn.
const DefaultDiscoveryTimeout = 15 * time.Second

// UsageRecorder stores the token usage of finished turns.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Options configures an Agent. Store and Providers are required.
type Options struct {
	Store      memory.Store
	Providers  *llm.Providers
	Static     tools.Set
	Discoverer tools.Discoverer
	Usage      UsageRecorder
	Pricing    map[string]config.PricingEntry
	Bus        *events.Bus
	Logger     *slog.Logger

	Model            string
	SystemPrompt     string
	MaxSteps         int
	ToolTimeout      time.Duration
	DiscoveryTimeout time.Duration
}

// TurnRequest is one inbound chat request.
type TurnRequest struct {
	ConversationID string
	// Messages is the full client-side history. When empty the stored
	// history is used.
	Messages chat.History
	// Model overrides the configured model for this turn.
	Model string
}

// Agent runs turns for many conversations, at most one at a time per
// conversation.
type Agent struct {
	opts     Options
	logger   *slog.Logger
	resolver *Resolver
	notifier *Notifier
	clock    func() time.Time

	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	ch   chan struct{}
	refs int
}

// New creates an agent.
func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	resolver := NewResolver(opts.Logger, opts.Bus)
	resolver.SetToolTimeout(opts.ToolTimeout)
	return &Agent{
		opts:     opts,
		logger:   opts.Logger,
		resolver: resolver,
		notifier: NewNotifier(opts.Store, opts.Logger),
		clock:    time.Now,
		locks:    make(map[string]*convLock),
	}
}

// Turn runs one conversational turn and returns its event stream. The
// conversation stays locked until the stream is closed, so the caller
// must drain it. Errors returned directly happen before any event is
// produced.
func (a *Agent) Turn(ctx context.Context, req TurnRequest) (<-chan chat.StreamEvent, error) {
	convID := req.ConversationID
	unlock, err := a.lock(ctx, convID)
	if err != nil {
		return nil, err
	}

	out, err := a.startTurn(ctx, req, unlock)
	if err != nil {
		unlock()
		return nil, err
	}
	return out, nil
}

// startTurn prepares the history and tools and starts the loop. On
// success unlock is called once the returned stream is closed.
func (a *Agent) startTurn(ctx context.Context, req TurnRequest, unlock func()) (<-chan chat.StreamEvent, error) {
	convID := req.ConversationID
	start := a.clock()

	history := req.Messages
	if len(history) > 0 {
		if err := a.opts.Store.Save(ctx, convID, history); err != nil {
			return nil, fmt.Errorf("save history: %w", err)
		}
	} else {
		var err error
		history, err = a.opts.Store.Load(ctx, convID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	model := req.Model
	if model == "" {
		model = a.opts.Model
	}
	provider, client, wireModel, err := a.opts.Providers.Select(model)
	if err != nil {
		return nil, err
	}

	toolCtx := tools.WithConversationID(ctx, convID)
	set := tools.Merge(toolCtx, a.logger, a.opts.Static, a.discoverer())

	resolved, produced := a.resolver.Resolve(toolCtx, Sanitize(history), set, set.Executions())
	resolved = SanitizeResolved(resolved)

	a.opts.Bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"conversation_id": convID,
		"model":           wireModel,
		"provider":        provider,
		"messages":        len(resolved),
		"resolved_calls":  len(produced),
	})

	loop := NewLoop(client, a.resolver, a.logger)
	stream := loop.Run(toolCtx, Request{
		ConversationID: convID,
		Model:          wireModel,
		System:         SystemPrompt(start, a.opts.SystemPrompt),
		History:        resolved,
		Tools:          set,
		MaxSteps:       a.opts.MaxSteps,
		OnFinish: func(ctx context.Context, final chat.Message, _ chat.Usage) error {
			h := resolved
			if len(final.Parts) > 0 {
				h = resolved.Append(final)
			}
			if err := a.opts.Store.Save(ctx, convID, h); err != nil {
				return fmt.Errorf("save history: %w", err)
			}
			return nil
		},
	})

	out := make(chan chat.StreamEvent)
	go func() {
		defer unlock()
		defer close(out)
		for i := range produced {
			out <- chat.StreamEvent{Kind: chat.EventToolResult, Result: &produced[i]}
		}
		for ev := range stream {
			if ev.Terminal() {
				a.finishTurn(context.WithoutCancel(ctx), convID, provider, wireModel, start, ev)
			}
			out <- ev
		}
	}()
	return out, nil
}

func (a *Agent) finishTurn(ctx context.Context, convID, provider, model string, start time.Time, ev chat.StreamEvent) {
	var u chat.Usage
	if ev.Usage != nil {
		u = *ev.Usage
	}

	if a.opts.Usage != nil && u.Steps > 0 {
		rec := usage.Record{
			Timestamp:      a.clock(),
			MessageID:      ev.MessageID,
			ConversationID: convID,
			Model:          model,
			Provider:       provider,
			InputTokens:    u.InputTokens,
			OutputTokens:   u.OutputTokens,
			Steps:          u.Steps,
			FinishReason:   string(ev.FinishReason),
			CostUSD:        usage.ComputeCost(model, u.InputTokens, u.OutputTokens, a.opts.Pricing),
			Role:           usage.RoleInteractive,
		}
		if err := a.opts.Usage.Record(ctx, rec); err != nil {
			a.logger.Warn("failed to record usage", "conversation_id", convID, "error", err)
		}
	}

	a.opts.Bus.Emit(events.SourceAgent, events.KindTurnFinish, map[string]any{
		"conversation_id": convID,
		"message_id":      ev.MessageID,
		"finish_reason":   string(ev.FinishReason),
		"steps":           u.Steps,
		"input_tokens":    u.InputTokens,
		"output_tokens":   u.OutputTokens,
		"elapsed_ms":      a.clock().Sub(start).Milliseconds(),
		"error":           ev.Error,
	})
}

// discoverer wraps the configured discoverer so failures are published
// and a slow server cannot hold the turn past the discovery timeout.
func (a *Agent) discoverer() tools.Discoverer {
	if a.opts.Discoverer == nil {
		return nil
	}
	return tools.DiscovererFunc(func(ctx context.Context) (tools.Set, error) {
		ctx, cancel := context.WithTimeout(ctx, a.opts.DiscoveryTimeout)
		defer cancel()
		set, err := a.opts.Discoverer.Tools(ctx)
		if err != nil {
			a.opts.Bus.Emit(events.SourceTools, events.KindDiscoveryFailed, map[string]any{
				"conversation_id": tools.ConversationIDFromContext(ctx),
				"error":           err.Error(),
			})
		}
		return set, err
	})
}

// History returns the stored history of a conversation.
func (a *Agent) History(ctx context.Context, conversationID string) (chat.History, error) {
	return a.opts.Store.Load(ctx, conversationID)
}

// Clear deletes a conversation. It waits for any running turn.
func (a *Agent) Clear(ctx context.Context, conversationID string) error {
	unlock, err := a.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	return a.opts.Store.Delete(ctx, conversationID)
}

// Notify records a fired scheduled task in the conversation, waiting for
// any running turn so the two never overwrite each other.
func (a *Agent) Notify(ctx context.Context, conversationID, description string) error {
	unlock, err := a.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	return a.notifier.Notify(ctx, conversationID, description)
}

// RunTask is a scheduler.ExecuteFunc that delivers notify payloads.
func (a *Agent) RunTask(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
	if task.Payload.Kind != scheduler.PayloadNotify {
		return fmt.Errorf("unsupported payload kind %q", task.Payload.Kind)
	}
	convID := task.Payload.ConversationID
	if convID == "" {
		convID = task.CreatedBy
	}
	description := task.Payload.Description
	if description == "" {
		description = task.Name
	}

	a.opts.Bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"task_id":         task.ID,
		"task_name":       task.Name,
		"execution_id":    exec.ID,
		"conversation_id": convID,
	})
	return a.Notify(ctx, convID, description)
}

// lock takes the per-conversation lock, giving up when ctx is done.
func (a *Agent) lock(ctx context.Context, conversationID string) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[conversationID]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		a.locks[conversationID] = l
	}
	l.refs++
	a.mu.Unlock()

	release := func() {
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, conversationID)
		}
		a.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		release()
		return nil, fmt.Errorf("wait for conversation %s: %w", conversationID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			release()
		})
	}, nil
}
