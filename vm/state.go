package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// State: Bytecode-level machine state
// ---------------------------------------------------------------------------

// Status is the execution status of a machine state.
type Status uint8

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusTrapped
)

// String returns a display name for the status.
func (st Status) String() string {
	switch st {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusTrapped:
		return "trapped"
	default:
		return fmt.Sprintf("status(%d)", uint8(st))
	}
}

// CtrlEntry is one open block in the current function: where its body
// starts, where it closes, and the operand-stack height at entry. Branches
// unwind the operand stack to Height.
type CtrlEntry struct {
	Op     Opcode `cbor:"1,keyasint"` // block, loop, or if
	Start  int    `cbor:"2,keyasint"` // offset of the first body instruction
	Else   int    `cbor:"3,keyasint"` // matching else offset, or -1
	End    int    `cbor:"4,keyasint"` // matching end offset
	Height int    `cbor:"5,keyasint"` // operand-stack height at block entry
}

// Frame is one call frame: where to resume in the caller, the caller's
// saved locals and open blocks, and the operand-stack height at entry to
// the callee. The height is used to validate stack balance on return.
type Frame struct {
	RetFunc int         `cbor:"1,keyasint"` // caller function index
	RetPC   int         `cbor:"2,keyasint"` // caller resume offset
	Locals  []Value     `cbor:"3,keyasint"` // caller's locals
	Ctrl    []CtrlEntry `cbor:"4,keyasint"` // caller's open blocks
	Height  int         `cbor:"5,keyasint"` // operand-stack height at callee entry
}

// State is the complete bytecode-level machine state. A step produces a new
// State; the slices inside a State are never mutated in place, so earlier
// states may share them by reference. Memory is the exception: it is
// replaced wholesale by the step that writes it, and deep-copied by
// snapshots.
type State struct {
	Func    int         `cbor:"1,keyasint"`  // current function index
	PC      int         `cbor:"2,keyasint"`  // offset of the next instruction
	Stack   []Value     `cbor:"3,keyasint"`  // operand stack, bottom first
	Locals  []Value     `cbor:"4,keyasint"`  // current function's locals
	Globals []Value     `cbor:"5,keyasint"`  // module globals
	Memory  []byte      `cbor:"6,keyasint"`  // linear memory
	Frames  []Frame     `cbor:"7,keyasint"`  // call stack, outermost first
	Ctrl    []CtrlEntry `cbor:"8,keyasint"`  // open blocks in the current function
	Status  Status      `cbor:"9,keyasint"`  // running / completed / trapped
	Trap    TrapReason  `cbor:"10,keyasint"` // set when Status == StatusTrapped
}

// NewState builds the initial state for running function entry of module m.
// The entry function must take no parameters.
func NewState(m *Module, entry int) (*State, error) {
	f := m.Function(entry)
	if f == nil {
		return nil, fmt.Errorf("entry function %d out of range", entry)
	}
	if len(f.Params) != 0 {
		return nil, fmt.Errorf("entry function %q takes %d parameters, want 0", f.Name, len(f.Params))
	}
	locals := make([]Value, f.NumLocals())
	for i := range locals {
		locals[i] = Zero(f.LocalType(i))
	}
	globals := make([]Value, len(m.Globals))
	for i, g := range m.Globals {
		globals[i] = g.Init
	}
	return &State{
		Func:    entry,
		Locals:  locals,
		Globals: globals,
		Memory:  m.InitialMemory(),
	}, nil
}

// CallDepth returns the number of active function activations.
func (s *State) CallDepth() int {
	return len(s.Frames) + 1
}

// StackHeight returns the current operand-stack height.
func (s *State) StackHeight() int {
	return len(s.Stack)
}

// Top returns the top n stack values (shallowest last), or fewer if the
// stack is shorter.
func (s *State) Top(n int) []Value {
	if n > len(s.Stack) {
		n = len(s.Stack)
	}
	return s.Stack[len(s.Stack)-n:]
}

// shallow returns a copy of the state sharing all slices. The interpreter
// replaces exactly the slices a step modifies.
func (s *State) shallow() *State {
	ns := *s
	return &ns
}
