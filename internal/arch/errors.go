package arch

import "fmt"

// AgentExecutionError reports an agent subprocess that exited non-zero
// without producing any stream output.
type AgentExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("agent process failed with exit code %d: %s", e.ExitCode, e.Stderr)
}
