// Package scheduler decides when scheduled tasks fire. What a firing does
// is left to the ExecuteFunc supplied by the caller.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Task is the definition of a scheduled action.
type Task struct {
	ID        string    `json:"id"`       // UUIDv7
	Name      string    `json:"name"`     // Human-readable description
	Schedule  Schedule  `json:"schedule"` // When to run
	Payload   Payload   `json:"payload"`  // What to do
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"` // Conversation that created it
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind  ScheduleKind `json:"kind"`
	At    *time.Time   `json:"at,omitempty"`    // For "at" kind
	Every *Duration    `json:"every,omitempty"` // For "every" kind
	Cron  string       `json:"cron,omitempty"`  // For "cron" kind, standard 5-field syntax
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // One-shot at specific time
	ScheduleEvery ScheduleKind = "every" // Recurring interval
	ScheduleCron  ScheduleKind = "cron"  // Cron expression
)

// Validate checks that the fields required by Kind are present.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil {
			return fmt.Errorf("schedule %q requires a time", s.Kind)
		}
	case ScheduleEvery:
		if s.Every == nil || s.Every.Duration <= 0 {
			return fmt.Errorf("schedule %q requires a positive interval", s.Kind)
		}
	case ScheduleCron:
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload defines what a task carries to the ExecuteFunc when it fires.
type Payload struct {
	Kind           PayloadKind    `json:"kind"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Description    string         `json:"description,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// PayloadKind identifies the payload type.
type PayloadKind string

const (
	// PayloadNotify appends a scheduled-task message to a conversation.
	PayloadNotify PayloadKind = "notify"
)

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`           // UUIDv7
	TaskID      string          `json:"task_id"`      // FK to Task
	ScheduledAt time.Time       `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Output or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // Missed window, chose not to catch up
)

// NextRun calculates the next execution time strictly after the given
// instant.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // One-shot already passed

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleCron:
		sched, err := cron.ParseStandard(t.Schedule.Cron)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(after)
		return next, !next.IsZero()

	default:
		return time.Time{}, false
	}
}
