package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Errors and trap reasons
// ---------------------------------------------------------------------------

// ErrHalted is returned when a step is requested on a machine that has
// already reached a terminal state.
var ErrHalted = errors.New("machine is not running")

// StructuralError signals a malformed module reaching the interpreter:
// stack-balance violations, invalid branch targets, undecodable code.
// It is always fatal; a correctly validated module never produces one.
type StructuralError struct {
	Func   int
	Offset int
	Msg    string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error in function %d at offset %d: %s", e.Func, e.Offset, e.Msg)
}

func structural(fn, offset int, format string, args ...any) *StructuralError {
	return &StructuralError{Func: fn, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// TrapReason identifies why execution trapped. A trap is a terminal state
// inspectable as data, not an error value.
type TrapReason uint8

const (
	TrapNone TrapReason = iota
	TrapUnreachable
	TrapMemoryOutOfBounds
	TrapDivideByZero
	TrapIntegerOverflow
)

// String returns a display name for the trap reason.
func (r TrapReason) String() string {
	switch r {
	case TrapNone:
		return "none"
	case TrapUnreachable:
		return "unreachable executed"
	case TrapMemoryOutOfBounds:
		return "out-of-bounds memory access"
	case TrapDivideByZero:
		return "integer divide by zero"
	case TrapIntegerOverflow:
		return "integer overflow"
	default:
		return fmt.Sprintf("trap(%d)", uint8(r))
	}
}
