package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ExecuteFunc is called when a task fires.
type ExecuteFunc func(ctx context.Context, task *Task, execution *Execution) error

// catchUpWindow bounds how stale a missed execution may be and still run.
const catchUpWindow = 24 * time.Hour

// Scheduler arms one timer per enabled task and records each firing.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	wg      sync.WaitGroup
}

// New creates a new scheduler. Each execution gets timeout to complete;
// zero means five minutes.
func New(logger *slog.Logger, store *Store, execute ExecuteFunc, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		logger:  logger,
		store:   store,
		execute: execute,
		timeout: timeout,
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads enabled tasks, arms their timers and replays executions
// interrupted by a previous shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(ctx, true, "")
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.scheduleTask(task)
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))

	s.checkMissedExecutions(ctx)
	return nil
}

// Stop cancels all timers and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// CreateTask validates, persists and arms a new task.
func (s *Scheduler) CreateTask(ctx context.Context, task *Task) error {
	if err := task.Schedule.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if task.Enabled {
		s.scheduleTask(task)
	}

	s.logger.Info("task created",
		"id", task.ID,
		"name", task.Name,
		"schedule", task.Schedule.Kind,
		"created_by", task.CreatedBy,
	)
	return nil
}

// DeleteTask disarms and removes a task.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	s.cancelTimer(id)
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "id", id)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks, optionally only enabled ones and optionally
// only those created by one conversation.
func (s *Scheduler) ListTasks(ctx context.Context, enabledOnly bool, createdBy string) ([]*Task, error) {
	return s.store.ListTasks(ctx, enabledOnly, createdBy)
}

// TaskExecutions returns execution history for a task.
func (s *Scheduler) TaskExecutions(ctx context.Context, taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(ctx, taskID, limit)
}

// TriggerTask immediately executes a task, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, time.Now())
}

func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}

	delay := max(time.Until(next), 0)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}
	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.onTaskFire(id) })

	s.logger.Debug("task scheduled",
		"id", task.ID,
		"name", task.Name,
		"next", next,
		"delay", delay,
	)
}

func (s *Scheduler) onTaskFire(taskID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to load task for execution", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	if _, err := s.executeTask(ctx, task, time.Now()); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	if task.Schedule.Kind == ScheduleAt {
		// One-shot tasks are disabled once they have fired.
		task.Enabled = false
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Warn("failed to disable one-shot task", "id", taskID, "error", err)
		}
		return
	}
	s.scheduleTask(task)
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	now := time.Now()
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   &now,
		Status:      StatusRunning,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"task_name", task.Name,
		"execution_id", exec.ID,
	)

	var execErr error
	if s.execute != nil {
		execErr = s.execute(ctx, task, exec)
	}

	completed := time.Now()
	exec.CompletedAt = &completed
	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", completed.Sub(now),
	)
	return exec, execErr
}

func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// checkMissedExecutions replays executions left running by a previous
// process, skipping any older than catchUpWindow.
func (s *Scheduler) checkMissedExecutions(ctx context.Context) {
	pending, err := s.store.PendingExecutions(ctx)
	if err != nil {
		s.logger.Error("failed to get pending executions", "error", err)
		return
	}

	for _, exec := range pending {
		exec.Status = StatusSkipped
		if time.Since(exec.ScheduledAt) > catchUpWindow {
			exec.Result = "missed execution window"
			_ = s.store.UpdateExecution(ctx, exec)
			s.logger.Info("skipped stale execution", "id", exec.ID, "scheduled", exec.ScheduledAt)
			continue
		}

		task, err := s.store.GetTask(ctx, exec.TaskID)
		if err != nil {
			continue
		}
		exec.Result = "replaced by catch-up execution"
		_ = s.store.UpdateExecution(ctx, exec)
		s.logger.Info("catching up missed execution", "task", task.Name, "scheduled", exec.ScheduledAt)
		_, _ = s.executeTask(ctx, task, exec.ScheduledAt)
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats(ctx context.Context) map[string]any {
	tasks, _ := s.store.ListTasks(ctx, false, "")
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
	}
}
