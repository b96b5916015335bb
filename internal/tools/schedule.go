package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/parley/internal/scheduler"
)

// TaskScheduler is the subset of *scheduler.Scheduler the scheduling
// tools use.
type TaskScheduler interface {
	CreateTask(ctx context.Context, task *scheduler.Task) error
	ListTasks(ctx context.Context, enabledOnly bool, createdBy string) ([]*scheduler.Task, error)
	GetTask(ctx context.Context, id string) (*scheduler.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// ScheduleTools returns the tools that let the model create, list and
// cancel scheduled tasks for the calling conversation.
func ScheduleTools(s TaskScheduler, clock func() time.Time) []*Definition {
	if clock == nil {
		clock = time.Now
	}
	h := &scheduleHandlers{sched: s, clock: clock}
	return []*Definition{
		{
			Name:        "scheduleTask",
			Description: "A tool to schedule a task to be executed at a later time",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{
						"type":        "string",
						"description": "What should happen when the task runs",
					},
					"when": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"type": map[string]any{
								"type": "string",
								"enum": []string{"scheduled", "delayed", "cron", "no-schedule"},
							},
							"date": map[string]any{
								"type":        "string",
								"description": "RFC 3339 timestamp for scheduled tasks",
							},
							"delayInSeconds": map[string]any{
								"type":        "number",
								"description": "Delay for delayed tasks",
							},
							"cron": map[string]any{
								"type":        "string",
								"description": "Five-field cron expression for recurring tasks",
							},
						},
						"required": []string{"type"},
					},
				},
				"required": []string{"description", "when"},
			},
			Source:  SourceStatic,
			Execute: h.schedule,
		},
		{
			Name:        "getScheduledTasks",
			Description: "List all tasks that have been scheduled",
			Schema:      map[string]any{"type": "object", "properties": map[string]any{}},
			Source:      SourceStatic,
			Execute:     h.list,
		},
		{
			Name:        "cancelScheduledTask",
			Description: "Cancel a scheduled task using its ID",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{
						"type":        "string",
						"description": "The ID of the task to cancel",
					},
				},
				"required": []string{"taskId"},
			},
			Source:  SourceStatic,
			Execute: h.cancel,
		},
	}
}

type scheduleHandlers struct {
	sched TaskScheduler
	clock func() time.Time
}

// when mirrors the "when" argument of scheduleTask.
type when struct {
	Type           string  `json:"type"`
	Date           string  `json:"date"`
	DelayInSeconds float64 `json:"delayInSeconds"`
	Cron           string  `json:"cron"`
}

func (h *scheduleHandlers) schedule(ctx context.Context, args map[string]any) (string, error) {
	if h.sched == nil {
		return "", fmt.Errorf("scheduler not configured")
	}
	description, _ := args["description"].(string)
	if strings.TrimSpace(description) == "" {
		return "", fmt.Errorf("description is required")
	}

	var w when
	raw, err := json.Marshal(args["when"])
	if err != nil {
		return "", fmt.Errorf("invalid when: %w", err)
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", fmt.Errorf("invalid when: %w", err)
	}

	schedule, err := parseWhen(w, h.clock())
	if err != nil {
		return "", err
	}
	if schedule == nil {
		return "Not a valid schedule input", nil
	}

	convID := ConversationIDFromContext(ctx)
	task := &scheduler.Task{
		Name:     description,
		Schedule: *schedule,
		Payload: scheduler.Payload{
			Kind:           scheduler.PayloadNotify,
			ConversationID: convID,
			Description:    description,
		},
		Enabled:   true,
		CreatedBy: convID,
	}
	if err := h.sched.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}

	return fmt.Sprintf("Task %s scheduled for type %q: %s", task.ID, w.Type, describeSchedule(task.Schedule)), nil
}

// parseWhen converts the when argument to a Schedule. A nil schedule with
// no error means the model asked for no schedule.
func parseWhen(w when, now time.Time) (*scheduler.Schedule, error) {
	switch w.Type {
	case "scheduled":
		at, err := time.Parse(time.RFC3339, w.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", w.Date, err)
		}
		return &scheduler.Schedule{Kind: scheduler.ScheduleAt, At: &at}, nil
	case "delayed":
		if w.DelayInSeconds <= 0 {
			return nil, fmt.Errorf("delayInSeconds must be positive")
		}
		at := now.Add(time.Duration(w.DelayInSeconds * float64(time.Second)))
		return &scheduler.Schedule{Kind: scheduler.ScheduleAt, At: &at}, nil
	case "cron":
		s := &scheduler.Schedule{Kind: scheduler.ScheduleCron, Cron: w.Cron}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	case "no-schedule", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", w.Type)
	}
}

func describeSchedule(s scheduler.Schedule) string {
	switch s.Kind {
	case scheduler.ScheduleAt:
		return s.At.Format(time.RFC3339)
	case scheduler.ScheduleCron:
		return s.Cron
	case scheduler.ScheduleEvery:
		return "every " + s.Every.String()
	}
	return string(s.Kind)
}

func (h *scheduleHandlers) list(ctx context.Context, _ map[string]any) (string, error) {
	if h.sched == nil {
		return "", fmt.Errorf("scheduler not configured")
	}
	tasks, err := h.sched.ListTasks(ctx, true, ConversationIDFromContext(ctx))
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "No scheduled tasks found.", nil
	}

	now := h.clock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d task(s):\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "- %s: %s", t.ID, t.Name)
		if next, ok := t.NextRun(now); ok {
			fmt.Fprintf(&sb, " (next: %s)", next.Format(time.RFC3339))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (h *scheduleHandlers) cancel(ctx context.Context, args map[string]any) (string, error) {
	if h.sched == nil {
		return "", fmt.Errorf("scheduler not configured")
	}
	taskID, _ := args["taskId"].(string)
	if taskID == "" {
		return "", fmt.Errorf("taskId is required")
	}

	task, err := h.sched.GetTask(ctx, taskID)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return "", fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return "", err
	}
	if task.CreatedBy != "" && task.CreatedBy != ConversationIDFromContext(ctx) {
		return "", fmt.Errorf("task %s belongs to another conversation", taskID)
	}

	if err := h.sched.DeleteTask(ctx, taskID); err != nil {
		return "", fmt.Errorf("cancel task: %w", err)
	}
	return fmt.Sprintf("Task %s has been successfully canceled.", taskID), nil
}
