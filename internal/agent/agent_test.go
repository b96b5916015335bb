package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

type recordedUsage struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (r *recordedUsage) Record(_ context.Context, rec usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func newTestAgent(t *testing.T, client llm.Client, mutate func(*Options)) (*Agent, *memory.MemStore) {
	t.Helper()
	providers := llm.NewProviders()
	providers.Add("stub", client)
	store := memory.NewMemStore()
	opts := Options{
		Store:     store,
		Providers: providers,
		Logger:    quietLogger(),
		Model:     "stub-model",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), store
}

func TestTurnPersistsHistory(t *testing.T) {
	client := &scriptedClient{steps: []step{{tokens: []string{"Hi there"}, stop: llm.StopEnd}}}
	rec := &recordedUsage{}
	a, store := newTestAgent(t, client, func(o *Options) { o.Usage = rec })

	stream, err := a.Turn(t.Context(), TurnRequest{
		ConversationID: "conv-1",
		Messages:       chat.History{userText("u1", "hello")},
	})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	evs := drain(t, stream)
	if fin := finishOf(t, evs); fin.FinishReason != chat.FinishStop {
		t.Fatalf("reason = %s, want stop", fin.FinishReason)
	}

	h, err := store.Load(t.Context(), "conv-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(h) != 2 || h[1].Role != chat.RoleAssistant || h[1].TextContent() != "Hi there" {
		t.Fatalf("stored history = %+v", h)
	}
	if h[1].ID != evs[0].MessageID {
		t.Errorf("stored id %q, streamed id %q", h[1].ID, evs[0].MessageID)
	}

	if len(rec.recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(rec.recs))
	}
	if r := rec.recs[0]; r.ConversationID != "conv-1" || r.Provider != "stub" || r.Steps != 1 || r.Role != usage.RoleInteractive {
		t.Errorf("usage record = %+v", r)
	}

	sys := client.requests()[0][0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "scheduleTask") {
		t.Errorf("first message = %+v, want system prompt", sys)
	}
}

func TestTurnUsesStoredHistoryWhenEmpty(t *testing.T) {
	client := &scriptedClient{steps: []step{{tokens: []string{"again"}, stop: llm.StopEnd}}}
	a, store := newTestAgent(t, client, nil)
	if err := store.Save(t.Context(), "c", chat.History{userText("u1", "remember me")}); err != nil {
		t.Fatal(err)
	}

	stream, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c"})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	drain(t, stream)

	msgs := client.requests()[0]
	if last := msgs[len(msgs)-1]; last.Content != "remember me" {
		t.Errorf("model saw %+v, want stored user text", last)
	}
}

func TestTurnResolvesApprovedCallFirst(t *testing.T) {
	client := &scriptedClient{steps: []step{{tokens: []string{"It is 12:00."}, stop: llm.StopEnd}}}
	a, store := newTestAgent(t, client, func(o *Options) {
		o.Static = tools.NewSet(getTimeTool(nil))
	})

	stream, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c", Messages: confirmedHistory(true)})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	evs := drain(t, stream)

	if evs[0].Kind != chat.EventToolResult || evs[0].Result.Output != "12:00" {
		t.Fatalf("first event = %+v, want resolved result", evs[0])
	}
	msgs := client.requests()[0]
	var sawTool bool
	for _, m := range msgs {
		if m.Role == "tool" && m.Content == "12:00" && m.ToolCallID == "call-1" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Errorf("model request lacks resolved tool result: %+v", msgs)
	}

	h, _ := store.Load(t.Context(), "c")
	if res := h.Results()["call-1"]; res == nil || res.Output != "12:00" {
		t.Errorf("stored result = %+v", res)
	}
}

func TestTurnDropsUnapprovedCalls(t *testing.T) {
	client := &scriptedClient{steps: []step{{tokens: []string{"ok"}, stop: llm.StopEnd}}}
	a, store := newTestAgent(t, client, func(o *Options) {
		o.Static = tools.NewSet(getTimeTool(nil))
	})

	stream, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c", Messages: confirmedHistory(false)})
	if err != nil {
		t.Fatal(err)
	}
	drain(t, stream)

	h, _ := store.Load(t.Context(), "c")
	for _, m := range h {
		for _, p := range m.Parts {
			if p.Type == chat.PartToolCall {
				t.Errorf("declined call persisted: %+v", p.ToolCall)
			}
		}
	}
}

func TestTurnDropsDanglingAutoCall(t *testing.T) {
	client := &scriptedClient{steps: []step{{tokens: []string{"ok"}, stop: llm.StopEnd}}}
	a, store := newTestAgent(t, client, func(o *Options) {
		o.Static = tools.NewSet(getTimeTool(nil))
	})

	history := chat.History{
		userText("u1", "hi"),
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{
			callPart("c1", "vanishedTool", chat.StateAutoExecutable),
		}},
	}
	stream, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c", Messages: history})
	if err != nil {
		t.Fatal(err)
	}
	if fin := finishOf(t, drain(t, stream)); fin.FinishReason != chat.FinishStop {
		t.Fatalf("reason = %s", fin.FinishReason)
	}

	h, _ := store.Load(t.Context(), "c")
	if ids := callIDs(h); len(ids) != 0 {
		t.Errorf("persisted calls = %v, want none", ids)
	}
	for _, m := range h {
		if m.ID == "a1" {
			t.Error("emptied assistant message persisted")
		}
	}
}

func TestTurnDiscoveryFailureFallsBackToStatic(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	client := &scriptedClient{steps: []step{
		{calls: []llm.ToolCall{toolCall("c1", "echo")}, stop: llm.StopToolUse},
		{tokens: []string{"done"}, stop: llm.StopEnd},
	}}
	a, _ := newTestAgent(t, client, func(o *Options) {
		o.Bus = bus
		o.Static = tools.NewSet(&tools.Definition{Name: "echo", Execute: func(context.Context, map[string]any) (string, error) {
			return "static echo", nil
		}})
		o.Discoverer = tools.DiscovererFunc(func(context.Context) (tools.Set, error) {
			return nil, errors.New("mcp unreachable")
		})
	})

	stream, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c", Messages: chat.History{userText("u1", "echo")}})
	if err != nil {
		t.Fatal(err)
	}
	evs := drain(t, stream)

	var out string
	for _, ev := range evs {
		if ev.Kind == chat.EventToolResult {
			out = ev.Result.Output
		}
	}
	if out != "static echo" {
		t.Errorf("tool output = %q, want static echo", out)
	}

	var failed bool
	for len(sub) > 0 {
		if ev := <-sub; ev.Kind == events.KindDiscoveryFailed {
			failed = true
			if ev.Data["conversation_id"] != "c" {
				t.Errorf("discovery event data = %v", ev.Data)
			}
		}
	}
	if !failed {
		t.Error("no discovery failure event")
	}
}

func TestTurnStaticToolWinsOverDiscovered(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{calls: []llm.ToolCall{toolCall("c1", "echo")}, stop: llm.StopToolUse},
		{tokens: []string{"done"}, stop: llm.StopEnd},
	}}
	a, _ := newTestAgent(t, client, func(o *Options) {
		o.Static = tools.NewSet(&tools.Definition{Name: "echo", Execute: func(context.Context, map[string]any) (string, error) {
			return "static", nil
		}})
		o.Discoverer = tools.DiscovererFunc(func(context.Context) (tools.Set, error) {
			return tools.NewSet(&tools.Definition{Name: "echo", Execute: func(context.Context, map[string]any) (string, error) {
				return "discovered", nil
			}}), nil
		})
	})

	stream, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c", Messages: chat.History{userText("u1", "x")}})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range drain(t, stream) {
		if ev.Kind == chat.EventToolResult && ev.Result.Output != "static" {
			t.Errorf("output = %q, want static", ev.Result.Output)
		}
	}
}

func TestTurnNoProvider(t *testing.T) {
	a := New(Options{Store: memory.NewMemStore(), Providers: llm.NewProviders(), Logger: quietLogger()})

	_, err := a.Turn(t.Context(), TurnRequest{ConversationID: "c", Messages: chat.History{userText("u1", "x")}})
	if !errors.Is(err, llm.ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}

	// The lock must have been released.
	if err := a.Clear(t.Context(), "c"); err != nil {
		t.Errorf("Clear after failed turn: %v", err)
	}
}

func TestTurnHoldsConversationLock(t *testing.T) {
	client := &scriptedClient{steps: []step{{block: true}}}
	a, _ := newTestAgent(t, client, nil)

	ctx, cancel := context.WithCancel(t.Context())
	stream, err := a.Turn(ctx, TurnRequest{ConversationID: "c", Messages: chat.History{userText("u1", "x")}})
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer waitCancel()
	if err := a.Notify(waitCtx, "c", "daily report"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Notify during turn err = %v, want deadline exceeded", err)
	}

	// Other conversations are not blocked.
	if err := a.Notify(t.Context(), "other", "daily report"); err != nil {
		t.Errorf("Notify other conversation: %v", err)
	}

	cancel()
	if fin := finishOf(t, drain(t, stream)); fin.FinishReason != chat.FinishCancelled {
		t.Errorf("reason = %s, want cancelled", fin.FinishReason)
	}
	if err := a.Notify(t.Context(), "c", "daily report"); err != nil {
		t.Errorf("Notify after turn: %v", err)
	}
}

func TestNotifierAppendsTaskMessage(t *testing.T) {
	store := memory.NewMemStore()
	if err := store.Save(t.Context(), "c", chat.History{userText("u1", "hi")}); err != nil {
		t.Fatal(err)
	}
	n := NewNotifier(store, quietLogger())
	n.clock = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	for range 2 {
		if err := n.Notify(t.Context(), "c", "daily report"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	h, _ := store.Load(t.Context(), "c")
	if len(h) != 3 {
		t.Fatalf("len = %d, want 3", len(h))
	}
	for _, m := range h[1:] {
		if m.Role != chat.RoleUser || m.TextContent() != "Running scheduled task: daily report" {
			t.Errorf("message = %+v", m)
		}
		if m.ID == "" || m.CreatedAt.IsZero() {
			t.Errorf("message missing id or time: %+v", m)
		}
	}
	if h[1].ID == h[2].ID {
		t.Error("repeated notifications share an id")
	}
}

func TestRunTaskNotifiesConversation(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)
	a, store := newTestAgent(t, &scriptedClient{steps: []step{{}}}, func(o *Options) { o.Bus = bus })

	task := &scheduler.Task{
		ID:        "task-1",
		Name:      "daily report",
		CreatedBy: "conv-9",
		Payload:   scheduler.Payload{Kind: scheduler.PayloadNotify},
	}
	if err := a.RunTask(t.Context(), task, &scheduler.Execution{ID: "exec-1"}); err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	h, _ := store.Load(t.Context(), "conv-9")
	if len(h) != 1 || h[0].TextContent() != "Running scheduled task: daily report" {
		t.Errorf("history = %+v", h)
	}
	ev := <-sub
	if ev.Kind != events.KindTaskFired || ev.Data["task_id"] != "task-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRunTaskRejectsUnknownPayload(t *testing.T) {
	a, _ := newTestAgent(t, &scriptedClient{steps: []step{{}}}, nil)
	task := &scheduler.Task{ID: "t", Payload: scheduler.Payload{Kind: "launch"}}
	if err := a.RunTask(t.Context(), task, &scheduler.Execution{}); err == nil {
		t.Error("RunTask accepted unknown payload kind")
	}
}

func TestToLLMMessagesSplitsSegments(t *testing.T) {
	h := chat.History{
		userText("u1", "time then weather"),
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{
			chat.Text("checking time"),
			callPart("c1", "getTime", chat.StateCompleted),
			resultPart("c1", "getTime", "12:00"),
			chat.Text("now weather"),
			callPart("c2", "weather", chat.StateCompleted),
			chat.Result(chat.ToolResultPart{CallID: "c2", ToolName: "weather", Error: "no station"}),
			chat.Text("done"),
		}},
	}

	got := toLLMMessages("sys", h)

	roles := make([]string, len(got))
	for i, m := range got {
		roles[i] = m.Role
	}
	want := "system user assistant tool assistant tool assistant"
	if strings.Join(roles, " ") != want {
		t.Fatalf("roles = %v, want %s", roles, want)
	}
	if got[5].Content != "Error: no station" {
		t.Errorf("failed tool content = %q", got[5].Content)
	}
	if got[2].Content != "checking time" || len(got[2].ToolCalls) != 1 {
		t.Errorf("first segment = %+v", got[2])
	}
}

func TestSystemPromptIncludesTime(t *testing.T) {
	now := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)
	p := SystemPrompt(now, "")
	if !strings.HasPrefix(p, DefaultSystemPrompt) {
		t.Errorf("prompt does not start with default: %q", p)
	}
	if !strings.Contains(p, "2026-10-17") {
		t.Errorf("prompt lacks current date: %q", p)
	}
}

func TestNewCallPartStates(t *testing.T) {
	auto := &tools.Definition{Name: "a", Execute: func(context.Context, map[string]any) (string, error) { return "", nil }}
	confirm := &tools.Definition{Name: "b", Execute: auto.Execute, RequiresConfirmation: true}
	client := &tools.Definition{Name: "c"}

	tests := []struct {
		def  *tools.Definition
		want chat.CallState
	}{
		{auto, chat.StateAutoExecutable},
		{confirm, chat.StatePendingConfirmation},
		{client, chat.StatePendingConfirmation},
		{nil, chat.StateAutoExecutable},
	}
	for _, tt := range tests {
		p := newCallPart(llm.ToolCall{Function: llm.ToolCallFunction{Name: "x", Arguments: map[string]any{"n": 1}}}, tt.def)
		if p.State != tt.want {
			t.Errorf("def %v: state = %s, want %s", tt.def, p.State, tt.want)
		}
		if p.CallID == "" {
			t.Error("empty call id")
		}
		var args map[string]any
		if err := json.Unmarshal(p.Input, &args); err != nil || args["n"] != float64(1) {
			t.Errorf("input = %s", p.Input)
		}
	}
}
