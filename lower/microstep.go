package lower

import (
	"fmt"

	"github.com/chazu/lockstep/vm"
)

// ---------------------------------------------------------------------------
// VM-level micro-steps
// ---------------------------------------------------------------------------

// MicroStep is one interpreter-internal dispatch event: the things the
// bytecode machine does between fetching an instruction and completing it.
type MicroStep string

// microStepsFor derives the dispatch-event sequence for a decoded
// instruction. Purely static; the descriptions never mention runtime
// values.
func microStepsFor(in vm.Instr) []MicroStep {
	steps := []MicroStep{MicroStep(fmt.Sprintf("fetch and decode %s", in))}

	switch in.Op {
	case vm.OpNop:
		steps = append(steps, "no state change")

	case vm.OpUnreachable:
		steps = append(steps, "raise unreachable trap")

	case vm.OpBlock, vm.OpLoop:
		steps = append(steps, "open block scope, record operand-stack height")

	case vm.OpIf:
		steps = append(steps,
			"pop condition",
			"open block scope, record operand-stack height",
			"select arm from condition")

	case vm.OpElse:
		steps = append(steps, "skip alternative arm")

	case vm.OpEnd:
		steps = append(steps, "close innermost block scope")

	case vm.OpBr:
		steps = append(steps,
			MicroStep(fmt.Sprintf("resolve branch target for depth %d via block index", in.ImmU8())),
			"unwind operand stack to block entry height",
			"transfer control")

	case vm.OpBrIf:
		steps = append(steps,
			"pop condition",
			MicroStep(fmt.Sprintf("resolve branch target for depth %d via block index", in.ImmU8())),
			"transfer control if condition is nonzero")

	case vm.OpReturn:
		steps = append(steps,
			"validate operand-stack balance against frame entry height",
			"pop call frame, restore caller locals and blocks",
			"transfer results to caller stack")

	case vm.OpCall:
		steps = append(steps,
			MicroStep(fmt.Sprintf("pop arguments for function %d", in.ImmU16())),
			"push call frame with return address and stack height",
			"initialize callee locals")

	case vm.OpDrop:
		steps = append(steps, "pop and discard one operand")

	case vm.OpSelect:
		steps = append(steps, "pop condition and two operands", "push selected operand")

	case vm.OpLocalGet:
		steps = append(steps,
			MicroStep(fmt.Sprintf("read local slot %d", in.ImmU16())),
			"push value")

	case vm.OpLocalSet:
		steps = append(steps,
			"pop value",
			MicroStep(fmt.Sprintf("write local slot %d", in.ImmU16())))

	case vm.OpLocalTee:
		steps = append(steps,
			"read top of stack without popping",
			MicroStep(fmt.Sprintf("write local slot %d", in.ImmU16())))

	case vm.OpGlobalGet:
		steps = append(steps,
			MicroStep(fmt.Sprintf("read global %d", in.ImmU16())),
			"push value")

	case vm.OpGlobalSet:
		steps = append(steps,
			"pop value",
			MicroStep(fmt.Sprintf("write global %d", in.ImmU16())))

	case vm.OpI32Load, vm.OpI64Load:
		steps = append(steps,
			"pop address",
			MicroStep(fmt.Sprintf("bounds-check effective address (+%d)", in.ImmU16())),
			"read from linear memory",
			"push loaded value")

	case vm.OpI32Store, vm.OpI64Store:
		steps = append(steps,
			"pop value and address",
			MicroStep(fmt.Sprintf("bounds-check effective address (+%d)", in.ImmU16())),
			"write to linear memory")

	case vm.OpMemorySize:
		steps = append(steps, "push memory size in pages")

	case vm.OpI32Const, vm.OpI64Const, vm.OpF32Const, vm.OpF64Const:
		steps = append(steps, "push immediate constant")

	case vm.OpI32DivS, vm.OpI32DivU, vm.OpI32RemS, vm.OpI32RemU, vm.OpI64DivS:
		steps = append(steps,
			"pop two operands",
			"check divisor for zero and signed overflow",
			"divide and push result")

	case vm.OpI32Eqz:
		steps = append(steps, "pop operand", "compare with zero, push i32 flag")

	case vm.OpI32WrapI64, vm.OpI64ExtendI32S, vm.OpF64ConvertI32:
		steps = append(steps, "pop operand", "convert representation", "push result")

	default:
		// Remaining opcodes are uniform binary operators; derive from the
		// metadata table.
		if info, ok := in.Op.Info(); ok && info.Pops == 2 && info.Pushes == 1 {
			steps = append(steps,
				"pop two operands",
				MicroStep(fmt.Sprintf("apply %s, push result", info.Name)))
		} else {
			steps = append(steps, "execute")
		}
	}
	return steps
}
