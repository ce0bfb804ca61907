package trace

import "fmt"

// UsageError reports a misuse of the stepping API: a reentrant advance
// while another is in flight, or a cursor move past a history boundary.
// It is reported synchronously to the caller and never corrupts shared
// state.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func usage(op, format string, args ...any) *UsageError {
	return &UsageError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
