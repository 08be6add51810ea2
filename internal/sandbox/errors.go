package sandbox

import "fmt"

// IOError wraps a provider failure of a single sandbox operation. The
// triggering operation fails; the sandbox itself survives.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sandbox %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err as an IOError for the given operation.
func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}
