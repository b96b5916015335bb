package main

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/usage"
)

func memDB(t *testing.T) *database.DB {
	t.Helper()
	raw, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })
	return database.Wrap(raw, database.SQLite)
}

func seedTask(t *testing.T, db *database.DB) *scheduler.Task {
	t.Helper()
	store, err := scheduler.NewStore(t.Context(), db)
	if err != nil {
		t.Fatal(err)
	}
	task := &scheduler.Task{
		Name:      "daily report",
		Schedule:  scheduler.Schedule{Kind: scheduler.ScheduleCron, Cron: "0 9 * * *"},
		Payload:   scheduler.Payload{Kind: scheduler.PayloadNotify, Description: "daily report"},
		Enabled:   true,
		CreatedBy: "conv-9",
	}
	if err := store.CreateTask(t.Context(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestTriggerTaskRecordsNotification(t *testing.T) {
	db := memDB(t)
	task := seedTask(t, db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var out bytes.Buffer
	if err := triggerTask(t.Context(), &out, logger, db, task.ID); err != nil {
		t.Fatalf("triggerTask: %v", err)
	}
	if !strings.Contains(out.String(), ": completed") {
		t.Errorf("output = %q", out.String())
	}

	history, err := memory.NewSQLStore(t.Context(), db, logger)
	if err != nil {
		t.Fatal(err)
	}
	h, err := history.Load(t.Context(), "conv-9")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 1 || h[0].TextContent() != "Running scheduled task: daily report" {
		t.Errorf("history = %+v", h)
	}

	out.Reset()
	if err := taskHistory(t.Context(), &out, db, task.ID, 10); err != nil {
		t.Fatalf("taskHistory: %v", err)
	}
	if !strings.Contains(out.String(), "completed") || !strings.Contains(out.String(), "success") {
		t.Errorf("history output = %q", out.String())
	}
}

func TestTaskCommandsUnknownTask(t *testing.T) {
	db := memDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := triggerTask(t.Context(), io.Discard, logger, db, "missing"); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("triggerTask err = %v, want ErrTaskNotFound", err)
	}
	if err := taskHistory(t.Context(), io.Discard, db, "missing", 10); !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("taskHistory err = %v, want ErrTaskNotFound", err)
	}
}

func TestReportUsage(t *testing.T) {
	db := memDB(t)
	store, err := usage.NewStore(t.Context(), db)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, rec := range []usage.Record{
		{Timestamp: now.Add(-time.Hour), ConversationID: "c1", Model: "llama3", InputTokens: 100, OutputTokens: 20},
		{Timestamp: now.Add(-2 * time.Hour), ConversationID: "c2", Model: "gpt-4o", InputTokens: 50, OutputTokens: 10},
		{Timestamp: now.Add(-72 * time.Hour), ConversationID: "c1", Model: "llama3", InputTokens: 999, OutputTokens: 999},
	} {
		if err := store.Record(t.Context(), rec); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	if err := reportUsage(t.Context(), &out, db, now, 24*time.Hour, "model"); err != nil {
		t.Fatalf("reportUsage: %v", err)
	}
	got := out.String()
	for _, want := range []string{"gpt-4o", "llama3", "total"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(got, "150") || strings.Contains(got, "999") {
		t.Errorf("window not applied:\n%s", got)
	}

	if err := reportUsage(t.Context(), io.Discard, db, now, time.Hour, "provider"); err == nil {
		t.Error("unknown --by accepted")
	}
}
