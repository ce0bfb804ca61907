package vm

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Interpreter: Pure bytecode state transition
// ---------------------------------------------------------------------------

// Step computes the successor of state s under module m. It is total over
// every reachable state: well-formed programs advance, faults become
// Trapped terminal states, and malformed code returns a StructuralError.
// The input state is never modified; the result shares unmodified slices
// with it. Step never consults native or micro-op representations.
func Step(m *Module, s *State) (*State, error) {
	if s.Status != StatusRunning {
		return nil, ErrHalted
	}
	f := m.Function(s.Func)
	if f == nil {
		return nil, structural(s.Func, s.PC, "function index out of range")
	}

	r := &runner{m: m, s: s, f: f, ns: s.shallow()}
	r.st = make([]Value, len(s.Stack), len(s.Stack)+4)
	copy(r.st, s.Stack)

	// Falling off the end of a body is an implicit return.
	if s.PC >= len(f.Code) {
		r.doReturn()
		return r.finish()
	}

	in, err := Decode(f.Code, s.PC)
	if err != nil {
		return nil, structural(s.Func, s.PC, "%v", err)
	}
	r.in = in
	r.ns.PC = s.PC + in.Size

	switch in.Op {
	case OpNop:
		// nothing

	case OpUnreachable:
		return r.trapped(TrapUnreachable), nil

	case OpBlock, OpLoop:
		t, ok := m.BlockTarget(s.Func, s.PC)
		if !ok {
			r.fail("missing block index entry for %s", in.Op)
			break
		}
		r.pushCtrl(CtrlEntry{Op: in.Op, Start: s.PC + in.Size, Else: t.Else, End: t.End, Height: len(r.st)})

	case OpIf:
		cond := r.popI32()
		t, ok := m.BlockTarget(s.Func, s.PC)
		if !ok {
			r.fail("missing block index entry for if")
			break
		}
		e := CtrlEntry{Op: OpIf, Start: s.PC + in.Size, Else: t.Else, End: t.End, Height: len(r.st)}
		switch {
		case cond != 0:
			r.pushCtrl(e)
		case t.Else != -1:
			r.pushCtrl(e)
			r.ns.PC = t.Else + 1
		default:
			r.ns.PC = t.End + 1
		}

	case OpElse:
		// Reached only when the true arm finishes; skip to the matching
		// end, which pops the control entry.
		if len(s.Ctrl) == 0 {
			r.fail("else without an open if block")
			break
		}
		r.ns.PC = s.Ctrl[len(s.Ctrl)-1].End

	case OpEnd:
		if len(s.Ctrl) == 0 {
			r.fail("unmatched end")
			break
		}
		r.ns.Ctrl = append([]CtrlEntry(nil), s.Ctrl[:len(s.Ctrl)-1]...)

	case OpBr:
		r.branch(int(in.ImmU8()))

	case OpBrIf:
		cond := r.popI32()
		if r.err == nil && cond != 0 {
			r.branch(int(in.ImmU8()))
		}

	case OpReturn:
		r.doReturn()

	case OpCall:
		r.doCall(int(in.ImmU16()))

	case OpDrop:
		r.pop()

	case OpSelect:
		cond := r.popI32()
		b := r.pop()
		a := r.pop()
		if cond != 0 {
			r.push(a)
		} else {
			r.push(b)
		}

	case OpLocalGet:
		idx := int(in.ImmU16())
		if idx >= len(s.Locals) {
			r.fail("local index %d out of range", idx)
			break
		}
		r.push(s.Locals[idx])

	case OpLocalSet:
		r.setLocal(int(in.ImmU16()), r.pop())

	case OpLocalTee:
		v := r.pop()
		r.push(v)
		r.setLocal(int(in.ImmU16()), v)

	case OpGlobalGet:
		idx := int(in.ImmU16())
		if idx >= len(s.Globals) {
			r.fail("global index %d out of range", idx)
			break
		}
		r.push(s.Globals[idx])

	case OpGlobalSet:
		idx := int(in.ImmU16())
		v := r.pop()
		if r.err != nil {
			break
		}
		if idx >= len(s.Globals) {
			r.fail("global index %d out of range", idx)
			break
		}
		if !m.Globals[idx].Mutable {
			r.fail("store to immutable global %d", idx)
			break
		}
		ng := append([]Value(nil), s.Globals...)
		ng[idx] = v
		r.ns.Globals = ng

	case OpI32Load:
		ea, trap := r.memAddr(int(in.ImmU16()), 4)
		if trap != nil {
			return trap, nil
		}
		if r.err == nil {
			r.push(I32(int32(binary.LittleEndian.Uint32(s.Memory[ea:]))))
		}

	case OpI64Load:
		ea, trap := r.memAddr(int(in.ImmU16()), 8)
		if trap != nil {
			return trap, nil
		}
		if r.err == nil {
			r.push(I64(int64(binary.LittleEndian.Uint64(s.Memory[ea:]))))
		}

	case OpI32Store:
		v := r.popI32()
		ea, trap := r.memAddr(int(in.ImmU16()), 4)
		if trap != nil {
			return trap, nil
		}
		if r.err == nil {
			nm := append([]byte(nil), s.Memory...)
			binary.LittleEndian.PutUint32(nm[ea:], uint32(v))
			r.ns.Memory = nm
		}

	case OpI64Store:
		v := r.popI64()
		ea, trap := r.memAddr(int(in.ImmU16()), 8)
		if trap != nil {
			return trap, nil
		}
		if r.err == nil {
			nm := append([]byte(nil), s.Memory...)
			binary.LittleEndian.PutUint64(nm[ea:], uint64(v))
			r.ns.Memory = nm
		}

	case OpMemorySize:
		r.push(I32(int32(len(s.Memory) / PageSize)))

	case OpI32Const:
		r.push(I32(in.ImmI32()))
	case OpI64Const:
		r.push(I64(in.ImmI64()))
	case OpF32Const:
		r.push(F32(in.ImmF32()))
	case OpF64Const:
		r.push(F64(in.ImmF64()))

	// i32 arithmetic wraps at 32 bits; Go's int32 operations give exactly
	// that behavior.
	case OpI32Add:
		b, a := r.popI32(), r.popI32()
		r.push(I32(a + b))
	case OpI32Sub:
		b, a := r.popI32(), r.popI32()
		r.push(I32(a - b))
	case OpI32Mul:
		b, a := r.popI32(), r.popI32()
		r.push(I32(a * b))
	case OpI32DivS:
		b, a := r.popI32(), r.popI32()
		if r.err == nil {
			if b == 0 {
				return r.trapped(TrapDivideByZero), nil
			}
			if a == math.MinInt32 && b == -1 {
				return r.trapped(TrapIntegerOverflow), nil
			}
			r.push(I32(a / b))
		}
	case OpI32DivU:
		b, a := r.popU32(), r.popU32()
		if r.err == nil {
			if b == 0 {
				return r.trapped(TrapDivideByZero), nil
			}
			r.push(I32(int32(a / b)))
		}
	case OpI32RemS:
		b, a := r.popI32(), r.popI32()
		if r.err == nil {
			if b == 0 {
				return r.trapped(TrapDivideByZero), nil
			}
			if a == math.MinInt32 && b == -1 {
				// Overflow case is defined for rem: the result is 0.
				r.push(I32(0))
				break
			}
			r.push(I32(a % b))
		}
	case OpI32RemU:
		b, a := r.popU32(), r.popU32()
		if r.err == nil {
			if b == 0 {
				return r.trapped(TrapDivideByZero), nil
			}
			r.push(I32(int32(a % b)))
		}
	case OpI32And:
		b, a := r.popI32(), r.popI32()
		r.push(I32(a & b))
	case OpI32Or:
		b, a := r.popI32(), r.popI32()
		r.push(I32(a | b))
	case OpI32Xor:
		b, a := r.popI32(), r.popI32()
		r.push(I32(a ^ b))
	case OpI32Shl:
		b, a := r.popU32(), r.popU32()
		r.push(I32(int32(a << (b & 31))))
	case OpI32ShrS:
		b, a := r.popU32(), r.popI32()
		r.push(I32(a >> (b & 31)))
	case OpI32ShrU:
		b, a := r.popU32(), r.popU32()
		r.push(I32(int32(a >> (b & 31))))

	case OpI32Eqz:
		a := r.popI32()
		r.pushBool(a == 0)
	case OpI32Eq:
		b, a := r.popI32(), r.popI32()
		r.pushBool(a == b)
	case OpI32Ne:
		b, a := r.popI32(), r.popI32()
		r.pushBool(a != b)
	case OpI32LtS:
		b, a := r.popI32(), r.popI32()
		r.pushBool(a < b)
	case OpI32LtU:
		b, a := r.popU32(), r.popU32()
		r.pushBool(a < b)
	case OpI32GtS:
		b, a := r.popI32(), r.popI32()
		r.pushBool(a > b)
	case OpI32GtU:
		b, a := r.popU32(), r.popU32()
		r.pushBool(a > b)
	case OpI32LeS:
		b, a := r.popI32(), r.popI32()
		r.pushBool(a <= b)
	case OpI32GeS:
		b, a := r.popI32(), r.popI32()
		r.pushBool(a >= b)

	case OpI64Add:
		b, a := r.popI64(), r.popI64()
		r.push(I64(a + b))
	case OpI64Sub:
		b, a := r.popI64(), r.popI64()
		r.push(I64(a - b))
	case OpI64Mul:
		b, a := r.popI64(), r.popI64()
		r.push(I64(a * b))
	case OpI64DivS:
		b, a := r.popI64(), r.popI64()
		if r.err == nil {
			if b == 0 {
				return r.trapped(TrapDivideByZero), nil
			}
			if a == math.MinInt64 && b == -1 {
				return r.trapped(TrapIntegerOverflow), nil
			}
			r.push(I64(a / b))
		}
	case OpI64Eq:
		b, a := r.popI64(), r.popI64()
		r.pushBool(a == b)
	case OpI64Ne:
		b, a := r.popI64(), r.popI64()
		r.pushBool(a != b)
	case OpI64LtS:
		b, a := r.popI64(), r.popI64()
		r.pushBool(a < b)

	case OpF64Add:
		b, a := r.popF64(), r.popF64()
		r.push(F64(a + b))
	case OpF64Sub:
		b, a := r.popF64(), r.popF64()
		r.push(F64(a - b))
	case OpF64Mul:
		b, a := r.popF64(), r.popF64()
		r.push(F64(a * b))
	case OpF64Div:
		// IEEE division by zero yields an infinity, not a trap.
		b, a := r.popF64(), r.popF64()
		r.push(F64(a / b))
	case OpF64Eq:
		b, a := r.popF64(), r.popF64()
		r.pushBool(a == b)
	case OpF64Lt:
		b, a := r.popF64(), r.popF64()
		r.pushBool(a < b)

	case OpI32WrapI64:
		a := r.popI64()
		r.push(I32(int32(a)))
	case OpI64ExtendI32S:
		a := r.popI32()
		r.push(I64(int64(a)))
	case OpF64ConvertI32:
		a := r.popI32()
		r.push(F64(float64(a)))

	default:
		return nil, structural(s.Func, s.PC, "unknown opcode %#02x", byte(in.Op))
	}

	return r.finish()
}

// ---------------------------------------------------------------------------
// runner: working context for a single step
// ---------------------------------------------------------------------------

// runner carries the in-progress successor state through one Step call.
// The first structural fault wins; subsequent operations are no-ops.
type runner struct {
	m   *Module
	s   *State
	f   *Function
	in  Instr
	ns  *State
	st  []Value // working copy of the operand stack
	err *StructuralError
}

func (r *runner) fail(format string, args ...any) {
	if r.err == nil {
		r.err = structural(r.s.Func, r.s.PC, format, args...)
	}
}

func (r *runner) finish() (*State, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.ns.Stack = r.st
	return r.ns, nil
}

// trapped builds the terminal trap state: the pre-step state frozen with a
// trap reason, PC still at the faulting instruction.
func (r *runner) trapped(reason TrapReason) *State {
	ts := r.s.shallow()
	ts.Status = StatusTrapped
	ts.Trap = reason
	return ts
}

func (r *runner) push(v Value) {
	if r.err == nil {
		r.st = append(r.st, v)
	}
}

func (r *runner) pushBool(b bool) {
	if b {
		r.push(I32(1))
	} else {
		r.push(I32(0))
	}
}

func (r *runner) pop() Value {
	if r.err != nil {
		return Value{}
	}
	if len(r.st) == 0 {
		r.fail("operand stack underflow on %s", r.in.Op)
		return Value{}
	}
	v := r.st[len(r.st)-1]
	r.st = r.st[:len(r.st)-1]
	return v
}

func (r *runner) popTyped(t ValueType) Value {
	v := r.pop()
	if r.err == nil && v.Type != t {
		r.fail("%s: operand type %s, want %s", r.in.Op, v.Type, t)
	}
	return v
}

func (r *runner) popI32() int32   { return r.popTyped(TypeI32).AsI32() }
func (r *runner) popU32() uint32  { return r.popTyped(TypeI32).AsU32() }
func (r *runner) popI64() int64   { return r.popTyped(TypeI64).AsI64() }
func (r *runner) popF64() float64 { return r.popTyped(TypeF64).AsF64() }

func (r *runner) setLocal(idx int, v Value) {
	if r.err != nil {
		return
	}
	if idx >= len(r.s.Locals) {
		r.fail("local index %d out of range", idx)
		return
	}
	nl := append([]Value(nil), r.s.Locals...)
	nl[idx] = v
	r.ns.Locals = nl
}

func (r *runner) pushCtrl(e CtrlEntry) {
	if r.err != nil {
		return
	}
	nc := make([]CtrlEntry, len(r.s.Ctrl), len(r.s.Ctrl)+1)
	copy(nc, r.s.Ctrl)
	r.ns.Ctrl = append(nc, e)
}

// branch transfers control to the d-th enclosing block: backward to a
// loop's body start, forward past a block's end. The operand stack unwinds
// to the block's entry height.
func (r *runner) branch(depth int) {
	if r.err != nil {
		return
	}
	ctrl := r.s.Ctrl
	if depth >= len(ctrl) {
		r.fail("branch depth %d exceeds %d open blocks", depth, len(ctrl))
		return
	}
	e := ctrl[len(ctrl)-1-depth]
	if e.Height > len(r.st) {
		r.fail("operand stack below block entry height at branch")
		return
	}
	if e.Op == OpLoop {
		// Re-enter the loop: the loop's own entry stays open.
		r.ns.Ctrl = append([]CtrlEntry(nil), ctrl[:len(ctrl)-depth]...)
		r.ns.PC = e.Start
	} else {
		r.ns.Ctrl = append([]CtrlEntry(nil), ctrl[:len(ctrl)-1-depth]...)
		r.ns.PC = e.End + 1
	}
	r.st = r.st[:e.Height]
}

// doReturn pops the current activation, validating operand-stack balance
// against the height recorded at frame entry. A mismatch is a structural
// fault in the module, never silently corrected.
func (r *runner) doReturn() {
	if r.err != nil {
		return
	}
	base := 0
	if n := len(r.s.Frames); n > 0 {
		base = r.s.Frames[n-1].Height
	}
	nres := len(r.f.Results)
	if len(r.st) != base+nres {
		r.fail("operand stack unbalanced at return: height %d, want %d", len(r.st), base+nres)
		return
	}
	results := append([]Value(nil), r.st[base:]...)

	if len(r.s.Frames) == 0 {
		// Bottom frame: the run is complete, results stay on the stack.
		r.ns.Status = StatusCompleted
		r.ns.PC = len(r.f.Code)
		r.ns.Ctrl = nil
		r.st = results
		return
	}

	fr := r.s.Frames[len(r.s.Frames)-1]
	r.ns.Frames = append([]Frame(nil), r.s.Frames[:len(r.s.Frames)-1]...)
	r.ns.Func = fr.RetFunc
	r.ns.PC = fr.RetPC
	r.ns.Locals = fr.Locals
	r.ns.Ctrl = fr.Ctrl
	r.st = append(r.st[:base], results...)
}

// doCall pushes a frame capturing the caller's resume point, locals, open
// blocks, and the operand height after argument transfer.
func (r *runner) doCall(idx int) {
	if r.err != nil {
		return
	}
	callee := r.m.Function(idx)
	if callee == nil {
		r.fail("call to undefined function %d", idx)
		return
	}
	np := len(callee.Params)
	if len(r.st) < np {
		r.fail("operand stack underflow on call: %d args, have %d", np, len(r.st))
		return
	}
	rest := len(r.st) - np
	locals := make([]Value, callee.NumLocals())
	copy(locals, r.st[rest:])
	for i := np; i < len(locals); i++ {
		locals[i] = Zero(callee.LocalType(i))
	}

	nf := make([]Frame, len(r.s.Frames), len(r.s.Frames)+1)
	copy(nf, r.s.Frames)
	r.ns.Frames = append(nf, Frame{
		RetFunc: r.s.Func,
		RetPC:   r.s.PC + r.in.Size,
		Locals:  r.s.Locals,
		Ctrl:    r.s.Ctrl,
		Height:  rest,
	})
	r.ns.Func = idx
	r.ns.PC = 0
	r.ns.Locals = locals
	r.ns.Ctrl = nil
	r.st = r.st[:rest]
}

// memAddr pops the address operand and bounds-checks the effective access.
// A violation yields the distinguished trap state, never an error.
func (r *runner) memAddr(offset, size int) (int, *State) {
	addr := r.popU32()
	if r.err != nil {
		return 0, nil
	}
	ea := int(uint64(addr)) + offset
	if ea+size > len(r.s.Memory) {
		return 0, r.trapped(TrapMemoryOutOfBounds)
	}
	return ea, nil
}
