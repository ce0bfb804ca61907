// Package trace is the stepping engine: it advances a program through the
// four abstraction levels in lockstep and supports backward time travel
// over a snapshot history. The bytecode interpreter is the single
// authoritative machine; the native and micro-op positions are cursors into
// the precomputed lowering record of the instruction about to execute.
package trace

import (
	"github.com/chazu/lockstep/lower"
	"github.com/chazu/lockstep/vm"
)

// Granularity selects the level a step request targets.
type Granularity uint8

const (
	GranBytecode Granularity = iota
	GranNative
	GranMicroOp
)

func (g Granularity) String() string {
	switch g {
	case GranBytecode:
		return "bytecode"
	case GranNative:
		return "native"
	case GranMicroOp:
		return "micro-op"
	default:
		return "granularity?"
	}
}

// CombinedState is the unit that advances per step: the canonical machine
// state plus the position within the current instruction's lowering.
// Record is nil past the end of a function body and for terminal states.
//
// NativeCursor indexes the native instruction currently in progress;
// MicroCursor indexes the micro-op within it. Both are zero immediately
// after a bytecode-level transition.
type CombinedState struct {
	State        *vm.State
	Record       *lower.Record
	NativeCursor int
	MicroCursor  int
}

// NativeLen returns the length of the active native sequence. Zero for
// unmapped instructions and block boundaries.
func (cs CombinedState) NativeLen() int {
	if cs.Record == nil {
		return 0
	}
	return len(cs.Record.Native)
}

// CurrentNative returns the native instruction in progress.
func (cs CombinedState) CurrentNative() (lower.Inst, bool) {
	if cs.Record == nil || cs.NativeCursor >= len(cs.Record.Native) {
		return lower.Inst{}, false
	}
	return cs.Record.Native[cs.NativeCursor], true
}

// CurrentMicroOps returns the decomposition of the native instruction in
// progress.
func (cs CombinedState) CurrentMicroOps() []lower.MicroOp {
	if cs.Record == nil || cs.NativeCursor >= len(cs.Record.MicroOps) {
		return nil
	}
	return cs.Record.MicroOps[cs.NativeCursor]
}

// Unmapped reports whether the instruction about to execute has no native
// lowering. The run continues at bytecode granularity; only the lower-level
// columns are empty.
func (cs CombinedState) Unmapped() bool {
	return cs.Record != nil && cs.Record.Unmapped
}
