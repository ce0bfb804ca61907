package trace

import (
	"github.com/chazu/lockstep/vm"
)

// Breakpoint is a predicate over a CombinedState, evaluated after each
// bytecode step during free-run. The run halts at the first step after
// which the predicate holds.
type Breakpoint func(cs CombinedState) bool

func fired(breakpoints []Breakpoint, cs CombinedState) bool {
	for _, bp := range breakpoints {
		if bp(cs) {
			return true
		}
	}
	return false
}

// AtOffset fires when the next instruction to execute is at (fn, offset).
func AtOffset(fn, offset int) Breakpoint {
	return func(cs CombinedState) bool {
		return cs.State.Func == fn && cs.State.PC == offset
	}
}

// AtNativeMnemonic fires when the pending instruction's native lowering
// opens with the given mnemonic.
func AtNativeMnemonic(mnemonic string) Breakpoint {
	return func(cs CombinedState) bool {
		if cs.Record == nil || len(cs.Record.Native) == 0 {
			return false
		}
		return cs.Record.Native[0].Mnemonic == mnemonic
	}
}

// LocalEquals fires when local slot idx holds v.
func LocalEquals(idx int, v vm.Value) Breakpoint {
	return func(cs CombinedState) bool {
		if idx < 0 || idx >= len(cs.State.Locals) {
			return false
		}
		return cs.State.Locals[idx] == v
	}
}

// GlobalEquals fires when global idx holds v.
func GlobalEquals(idx int, v vm.Value) Breakpoint {
	return func(cs CombinedState) bool {
		if idx < 0 || idx >= len(cs.State.Globals) {
			return false
		}
		return cs.State.Globals[idx] == v
	}
}

// CallDepthAtLeast fires when the call stack reaches depth n.
func CallDepthAtLeast(n int) Breakpoint {
	return func(cs CombinedState) bool {
		return cs.State.CallDepth() >= n
	}
}

// MemoryAccess fires when the pending instruction is a load or store whose
// effective address range covers addr. The address operand is read from
// the operand stack without popping.
func MemoryAccess(addr int) Breakpoint {
	return func(cs CombinedState) bool {
		if cs.Record == nil {
			return false
		}
		in := cs.Record.Instr
		var width, addrSlot int
		switch in.Op {
		case vm.OpI32Load:
			width, addrSlot = 4, 0
		case vm.OpI64Load:
			width, addrSlot = 8, 0
		case vm.OpI32Store:
			width, addrSlot = 4, 1 // value on top, address beneath
		case vm.OpI64Store:
			width, addrSlot = 8, 1
		default:
			return false
		}
		st := cs.State.Stack
		if len(st) <= addrSlot {
			return false
		}
		base := int(st[len(st)-1-addrSlot].AsU32()) + int(in.ImmU16())
		return addr >= base && addr < base+width
	}
}
