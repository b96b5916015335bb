package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/usage"
)

type fakeAgent struct {
	mu       sync.Mutex
	turnErr  error
	events   []chat.StreamEvent
	requests []agent.TurnRequest
	drained  chan struct{}
	history  map[string]chat.History
}

func (f *fakeAgent) Turn(_ context.Context, req agent.TurnRequest) (<-chan chat.StreamEvent, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.turnErr != nil {
		return nil, f.turnErr
	}
	out := make(chan chat.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range f.events {
			out <- ev
		}
		if f.drained != nil {
			close(f.drained)
		}
	}()
	return out, nil
}

func (f *fakeAgent) History(_ context.Context, id string) (chat.History, error) {
	return f.history[id], nil
}

func (f *fakeAgent) Clear(_ context.Context, id string) error {
	if _, ok := f.history[id]; !ok {
		return memory.ErrNotFound
	}
	delete(f.history, id)
	return nil
}

type fakeProviders string

func (p fakeProviders) Default() string { return string(p) }

type fakeTasks []*scheduler.Task

func (f fakeTasks) ListTasks(_ context.Context, _ bool, createdBy string) ([]*scheduler.Task, error) {
	var out []*scheduler.Task
	for _, t := range f {
		if createdBy == "" || t.CreatedBy == createdBy {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f fakeTasks) find(id string) *scheduler.Task {
	for _, t := range f {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (f fakeTasks) TaskExecutions(_ context.Context, taskID string, limit int) ([]*scheduler.Execution, error) {
	if f.find(taskID) == nil {
		return nil, nil
	}
	var out []*scheduler.Execution
	for i := range min(limit, 3) {
		out = append(out, &scheduler.Execution{ID: fmt.Sprintf("e%d", i), TaskID: taskID, Status: scheduler.StatusCompleted})
	}
	return out, nil
}

// TriggerTask fails delivery for tasks named "broken".
func (f fakeTasks) TriggerTask(_ context.Context, taskID string) (*scheduler.Execution, error) {
	t := f.find(taskID)
	if t == nil {
		return nil, scheduler.ErrTaskNotFound
	}
	exec := &scheduler.Execution{ID: "run-" + taskID, TaskID: taskID, Status: scheduler.StatusCompleted, Result: "success"}
	if t.Name == "broken" {
		exec.Status, exec.Result = scheduler.StatusFailed, "conversation locked"
		return exec, errors.New(exec.Result)
	}
	return exec, nil
}

func (f fakeTasks) Stats(context.Context) map[string]any {
	return map[string]any{"total_tasks": len(f), "running": true}
}

type fakeUsage struct {
	start, end time.Time
}

func (f *fakeUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	return &usage.Summary{TotalRecords: 3, TotalInputTokens: 300, TotalOutputTokens: 90}, nil
}

func (f *fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"llama3": {TotalRecords: 3}}, nil
}

func (f *fakeUsage) SummaryByConversation(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"c1": {TotalRecords: 2}, "c2": {TotalRecords: 1}}, nil
}

type fakeHealth []connwatch.ServiceStatus

func (f fakeHealth) Status() []connwatch.ServiceStatus { return f }

func newTestServer(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewServer(opts).Handler()
}

func TestChatStreamsSSE(t *testing.T) {
	fa := &fakeAgent{events: []chat.StreamEvent{
		{Kind: chat.EventTextDelta, MessageID: "m1", Delta: "Hel"},
		{Kind: chat.EventTextDelta, MessageID: "m1", Delta: "lo"},
		{Kind: chat.EventFinish, MessageID: "m1", FinishReason: chat.FinishStop, Usage: &chat.Usage{Steps: 1}},
	}}
	h := newTestServer(Options{Agent: fa})

	body := `{"messages":[{"id":"u1","role":"user","parts":[{"type":"text","text":"hi"}]}],"model":"llama3.2"}`
	req := httptest.NewRequest(http.MethodPost, "/agents/chat/conv-1", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var lines []string
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			lines = append(lines, data)
		}
	}
	if len(lines) != 4 || lines[3] != "[DONE]" {
		t.Fatalf("data lines = %v", lines)
	}
	var first, last chat.StreamEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatal(err)
	}
	if first.Kind != chat.EventTextDelta || first.Delta != "Hel" {
		t.Errorf("first event = %+v", first)
	}
	if last.Kind != chat.EventFinish || last.FinishReason != chat.FinishStop {
		t.Errorf("last event = %+v", last)
	}
	if !strings.Contains(lines[0], `"type":"text-delta"`) {
		t.Errorf("event missing type field: %s", lines[0])
	}

	got := fa.requests[0]
	if got.ConversationID != "conv-1" || got.Model != "llama3.2" || len(got.Messages) != 1 {
		t.Errorf("turn request = %+v", got)
	}
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestChatDrainsAfterDisconnect(t *testing.T) {
	fa := &fakeAgent{
		events: []chat.StreamEvent{
			{Kind: chat.EventTextDelta, Delta: "a"},
			{Kind: chat.EventTextDelta, Delta: "b"},
			{Kind: chat.EventFinish, FinishReason: chat.FinishStop},
		},
		drained: make(chan struct{}),
	}
	h := newTestServer(Options{Agent: fa})

	req := httptest.NewRequest(http.MethodPost, "/agents/chat/c", strings.NewReader(`{"messages":[]}`))
	h.ServeHTTP(&failingWriter{header: http.Header{}}, req)

	select {
	case <-fa.drained:
	case <-time.After(time.Second):
		t.Fatal("stream not drained after write failure")
	}
}

func TestChatErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		turnErr  error
		wantCode int
		wantType string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, errInvalidRequest},
		{"no provider", `{"messages":[]}`, llm.ErrNoProvider, http.StatusServiceUnavailable, errUnavailable},
		{"store failure", `{"messages":[]}`, errors.New("save history: disk full"), http.StatusInternalServerError, errServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(Options{Agent: &fakeAgent{turnErr: tt.turnErr}})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/agents/chat/c", strings.NewReader(tt.body)))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Type != tt.wantType || body.Error.Message == "" {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestCheckProvider(t *testing.T) {
	tests := []struct {
		name      string
		providers ProviderInfo
		want      string
	}{
		{"configured", fakeProviders("ollama"), `{"success":true,"provider":"ollama"}`},
		{"none", fakeProviders(""), `{"success":false,"provider":null}`},
		{"nil", nil, `{"success":false,"provider":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(Options{Agent: &fakeAgent{}, Providers: tt.providers})
			for _, path := range []string{"/check-provider", "/check-open-ai-key"} {
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
				if got := strings.TrimSpace(rec.Body.String()); got != tt.want {
					t.Errorf("%s = %s, want %s", path, got, tt.want)
				}
			}
		})
	}
}

func TestHistoryEndpoints(t *testing.T) {
	fa := &fakeAgent{history: map[string]chat.History{
		"c": {{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.Text("Running scheduled task: daily report")}}},
	}}
	h := newTestServer(Options{Agent: fa})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/chat/c/messages", nil))
	var hist HistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if hist.ConversationID != "c" || len(hist.Messages) != 1 {
		t.Errorf("history = %+v", hist)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/chat/c/transcript", nil))
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") || !strings.Contains(rec.Body.String(), "daily report") {
		t.Errorf("transcript = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/chat/c/transcript?format=markdown", nil))
	if !strings.HasPrefix(rec.Body.String(), "# c") {
		t.Errorf("markdown transcript = %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/agents/chat/c/messages", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/agents/chat/c/messages", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents/chat/empty/messages", nil))
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Errorf("empty history = %s", rec.Body)
	}
}

func TestTasksEndpoint(t *testing.T) {
	tasks := fakeTasks{
		{ID: "t1", Name: "daily report", CreatedBy: "c1"},
		{ID: "t2", Name: "water plants", CreatedBy: "c2"},
	}
	h := newTestServer(Options{Agent: &fakeAgent{}, Tasks: tasks})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks?conversation=c1", nil))
	var body struct {
		Tasks []scheduler.Task `json:"tasks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", body.Tasks)
	}

	h = newTestServer(Options{Agent: &fakeAgent{}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without scheduler = %d", rec.Code)
	}
}

func TestTaskExecutionsEndpoint(t *testing.T) {
	h := newTestServer(Options{Agent: &fakeAgent{}, Tasks: fakeTasks{{ID: "t1", Name: "daily report"}}})

	tests := []struct {
		path   string
		status int
		count  int
	}{
		{"/v1/tasks/t1/executions", http.StatusOK, 3},
		{"/v1/tasks/t1/executions?limit=2", http.StatusOK, 2},
		{"/v1/tasks/missing/executions", http.StatusOK, 0},
		{"/v1/tasks/t1/executions?limit=zero", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.status != http.StatusOK {
				return
			}
			var body ExecutionsResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Executions == nil || len(body.Executions) != tt.count {
				t.Errorf("executions = %+v, want %d", body.Executions, tt.count)
			}
		})
	}
}

func TestRunTaskEndpoint(t *testing.T) {
	h := newTestServer(Options{Agent: &fakeAgent{}, Tasks: fakeTasks{
		{ID: "t1", Name: "daily report"},
		{ID: "t2", Name: "broken"},
	}})

	tests := []struct {
		id     string
		status int
		exec   scheduler.ExecutionStatus
	}{
		{"t1", http.StatusOK, scheduler.StatusCompleted},
		{"t2", http.StatusOK, scheduler.StatusFailed},
		{"nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+tt.id+"/run", nil))
		if rec.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.id, rec.Code, tt.status)
			continue
		}
		if tt.exec == "" {
			continue
		}
		var exec scheduler.Execution
		if err := json.NewDecoder(rec.Body).Decode(&exec); err != nil {
			t.Fatal(err)
		}
		if exec.Status != tt.exec || exec.TaskID != tt.id {
			t.Errorf("%s: execution = %+v", tt.id, exec)
		}
	}

	rec := httptest.NewRecorder()
	newTestServer(Options{Agent: &fakeAgent{}}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks/t1/run", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without scheduler = %d", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	u := &fakeUsage{}
	h := newTestServer(Options{Agent: &fakeAgent{}, Usage: u})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage?window=2h&by=conversation", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Total == nil || body.Total.TotalInputTokens != 300 {
		t.Errorf("total = %+v", body.Total)
	}
	if body.By != "conversation" || len(body.Groups) != 2 || body.Groups["c1"].TotalRecords != 2 {
		t.Errorf("groups = %+v", body.Groups)
	}
	if got := u.end.Sub(u.start); got != 2*time.Hour {
		t.Errorf("window = %v, want 2h", got)
	}

	for _, q := range []string{"window=-1h", "window=soon", "by=provider"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}

	rec = httptest.NewRecorder()
	newTestServer(Options{Agent: &fakeAgent{}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without ledger = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(Options{Agent: &fakeAgent{}, Health: fakeHealth{
		{Name: "ollama", Kind: connwatch.KindProvider, Ready: true},
		{Name: "mcp:files", Kind: connwatch.KindMCP, Ready: false, LastError: "refused"},
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || len(body.Services) != 2 || body.Build["version"] == "" {
		t.Errorf("health = %+v", body)
	}
	if body.Scheduler != nil {
		t.Errorf("scheduler stats without scheduler: %v", body.Scheduler)
	}

	h = newTestServer(Options{Agent: &fakeAgent{}, Tasks: fakeTasks{{ID: "t1"}, {ID: "t2"}}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	body = HealthResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Scheduler["total_tasks"] != float64(2) {
		t.Errorf("health = %+v", body)
	}
}

func TestEventsWebsocket(t *testing.T) {
	bus := events.New()
	srv := httptest.NewServer(newTestServer(Options{Agent: &fakeAgent{}, Bus: bus}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?source=agent"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceTools, events.KindToolExec, map[string]any{"tool": "getTime"})
	bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{"conversation_id": "c"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.KindTurnStart || ev.Data["conversation_id"] != "c" {
		t.Errorf("event = %+v, want filtered turn.start", ev)
	}
}
