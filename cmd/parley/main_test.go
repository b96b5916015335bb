package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/scheduler"
)

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(t.Context(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), "version:") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestVersionJSON(t *testing.T) {
	var stdout bytes.Buffer
	if err := run(t.Context(), &stdout, &bytes.Buffer{}, []string{"version", "--json"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run(t.Context(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"frobnicate"}); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestAskRequiresPrompt(t *testing.T) {
	if err := run(t.Context(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"ask"}); err == nil {
		t.Error("ask without prompt accepted")
	}
}

// fakeOllama streams a fixed reply as NDJSON.
func fakeOllama(t *testing.T, reply ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, tok := range reply {
			fmt.Fprintf(w, `{"model":"llama3.2","message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
		}
		fmt.Fprintln(w, `{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":3}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAskStreamsReply(t *testing.T) {
	srv := fakeOllama(t, "Hello", ", world")
	cfg := writeConfig(t, fmt.Sprintf("model: llama3.2\nproviders:\n  ollama:\n    url: %s\n", srv.URL))

	var stdout, stderr bytes.Buffer
	err := run(t.Context(), &stdout, &stderr, []string{"--config", cfg, "--log-level", "warn", "ask", "say", "hello"})
	if err != nil {
		t.Fatalf("run: %v (stderr: %s)", err, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "Hello, world" {
		t.Errorf("stdout = %q, want %q", got, "Hello, world")
	}
}

func TestAskRejectsInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, "model: llama3.2\nlogging:\n  format: xml\n")
	err := run(t.Context(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"--config", cfg, "ask", "hi"})
	if err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Errorf("err = %v, want logging.format error", err)
	}
}

func TestPrintStream(t *testing.T) {
	stream := make(chan chat.StreamEvent, 8)
	stream <- chat.StreamEvent{Kind: chat.EventTextDelta, Delta: "checking"}
	stream <- chat.StreamEvent{Kind: chat.EventToolCall, Call: &chat.ToolCallPart{ToolName: "getWeatherInformation", State: chat.StatePendingConfirmation}}
	stream <- chat.StreamEvent{Kind: chat.EventToolResult, Result: &chat.ToolResultPart{ToolName: "getLocalTime", Output: "12:00"}}
	stream <- chat.StreamEvent{Kind: chat.EventFinish, FinishReason: chat.FinishAwaitingConfirmation}
	close(stream)

	var buf bytes.Buffer
	if err := printStream(&buf, stream); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"checking", "[getWeatherInformation needs confirmation; not run]", "[getLocalTime] 12:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStreamError(t *testing.T) {
	stream := make(chan chat.StreamEvent, 1)
	stream <- chat.StreamEvent{Kind: chat.EventFinish, FinishReason: chat.FinishError, Error: "backend down"}
	close(stream)

	if err := printStream(&bytes.Buffer{}, stream); err == nil || err.Error() != "backend down" {
		t.Errorf("err = %v, want backend down", err)
	}
}

func TestPrintTasks(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tasks := []*scheduler.Task{
		{ID: "t1", Name: "daily report", Schedule: scheduler.Schedule{Kind: scheduler.ScheduleCron, Cron: "0 9 * * *"}, CreatedBy: "c1", Enabled: true},
		{ID: "t2", Name: "reminder", Schedule: scheduler.Schedule{Kind: scheduler.ScheduleAt, At: &at}, CreatedBy: "c2"},
		{ID: "t3", Name: "poll", Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, Every: &scheduler.Duration{Duration: 90 * time.Second}}},
	}

	var buf bytes.Buffer
	if err := printTasks(&buf, tasks); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"cron 0 9 * * *", "at 2026-05-01 09:00 UTC", "every 1m30s", "daily report"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
