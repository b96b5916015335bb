package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that has no
// execution function in the current turn. It marks a capability mismatch,
// not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
