package agent

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSystemPrompt is used when the configuration supplies none.
const DefaultSystemPrompt = "You are a helpful assistant that can do various tasks."

// SystemPrompt builds the system prompt for a turn starting at now. The
// scheduling guidance carries the current date so relative requests such
// as "tomorrow at nine" resolve correctly.
func SystemPrompt(now time.Time, base string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n")
	sb.WriteString(schedulePrompt(now))
	sb.WriteString("\nIf the user asks to schedule a task, use the scheduleTask tool to schedule the task.\n")
	return sb.String()
}

func schedulePrompt(now time.Time) string {
	return fmt.Sprintf(`[Schedule Parser Component]
Current time: %s

Map the user's request to exactly one "when" type for scheduleTask:
- "scheduled": a specific date and time, given as RFC 3339 in "date"
- "delayed": a delay from now, given as whole seconds in "delayInSeconds"
- "cron": a recurring schedule, given as a 5-field cron expression in "cron"
- "no-schedule": the request has no usable timing; ask the user when

Examples:
- "remind me tomorrow at 9am" -> scheduled, date %s
- "in 30 minutes" -> delayed, 1800 seconds
- "every weekday at 8:30" -> cron "30 8 * * 1-5"
- "check the build sometime" -> no-schedule

Use getScheduledTasks to list tasks and cancelScheduledTask to remove one.
`,
		now.Format(time.RFC3339),
		tomorrowAt(now, 9).Format(time.RFC3339),
	)
}

func tomorrowAt(now time.Time, hour int) time.Time {
	y, m, d := now.AddDate(0, 0, 1).Date()
	return time.Date(y, m, d, hour, 0, 0, 0, now.Location())
}
