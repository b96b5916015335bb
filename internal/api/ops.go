package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/usage"
)

const (
	defaultExecutionLimit = 20
	maxExecutionLimit     = 500
	defaultUsageWindow    = 24 * time.Hour
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errUnavailable, "scheduler is disabled")
		return
	}
	q := r.URL.Query()
	tasks, err := s.opts.Tasks.ListTasks(r.Context(), q.Get("enabled") == "true", q.Get("conversation"))
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, map[string]any{"tasks": tasks}, s.logger)
}

// ExecutionsResponse lists the most recent firings of one task.
type ExecutionsResponse struct {
	TaskID     string                 `json:"task_id"`
	Executions []*scheduler.Execution `json:"executions"`
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errUnavailable, "scheduler is disabled")
		return
	}
	id := r.PathValue("id")

	limit := defaultExecutionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, errInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxExecutionLimit)
	}

	execs, err := s.opts.Tasks.TaskExecutions(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list executions", "task_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*scheduler.Execution{}
	}
	writeJSON(w, ExecutionsResponse{TaskID: id, Executions: execs}, s.logger)
}

// handleRunTask fires a task now. A task whose delivery fails still
// answers 200: the execution record carries the failure.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errUnavailable, "scheduler is disabled")
		return
	}
	id := r.PathValue("id")

	exec, err := s.opts.Tasks.TriggerTask(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		s.errorResponse(w, http.StatusNotFound, errNotFound, "task not found")
		return
	case exec == nil:
		s.logger.Error("failed to trigger task", "task_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to run task")
		return
	case err != nil:
		s.logger.Warn("triggered task failed", "task_id", id, "execution_id", exec.ID, "error", err)
	}
	writeJSON(w, exec, s.logger)
}

// UsageResponse totals the token ledger over a window, optionally
// broken down by model or conversation.
type UsageResponse struct {
	Start  time.Time                 `json:"start"`
	End    time.Time                 `json:"end"`
	Total  *usage.Summary            `json:"total"`
	By     string                    `json:"by,omitempty"`
	Groups map[string]*usage.Summary `json:"groups,omitempty"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errUnavailable, "usage ledger is disabled")
		return
	}
	q := r.URL.Query()

	window := defaultUsageWindow
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, errInvalidRequest, "window must be a positive duration such as 24h")
			return
		}
		window = d
	}
	end := time.Now()
	start := end.Add(-window)

	resp := UsageResponse{Start: start, End: end, By: q.Get("by")}
	var err error
	resp.Total, err = s.opts.Usage.Summary(r.Context(), start, end)
	if err == nil {
		switch resp.By {
		case "":
		case "model":
			resp.Groups, err = s.opts.Usage.SummaryByModel(r.Context(), start, end)
		case "conversation":
			resp.Groups, err = s.opts.Usage.SummaryByConversation(r.Context(), start, end)
		default:
			s.errorResponse(w, http.StatusBadRequest, errInvalidRequest, `by must be "model" or "conversation"`)
			return
		}
	}
	if err != nil {
		s.logger.Error("failed to summarize usage", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to summarize usage")
		return
	}
	writeJSON(w, resp, s.logger)
}
