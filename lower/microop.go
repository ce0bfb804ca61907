package lower

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Micro-ops
// ---------------------------------------------------------------------------

// Resource names the execution unit a micro-op occupies.
type Resource string

const (
	ResFrontend Resource = "frontend"
	ResDecoder  Resource = "decoder"
	ResALU      Resource = "alu"
	ResAGU      Resource = "agu"
	ResLoad     Resource = "load"
	ResStore    Resource = "store"
	ResBranch   Resource = "branch"
	ResFPU      Resource = "fpu"
	ResROB      Resource = "rob"
)

// Stage names the pipeline stage a micro-op belongs to.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StageExecute Stage = "execute"
	StageRetire  Stage = "retire"
)

// MicroOp is one decomposed operation of a native instruction, tagged with
// the resource it occupies and its pipeline stage.
type MicroOp struct {
	Op       string
	Resource Resource
	Stage    Stage
}

// String renders "op [resource/stage]".
func (u MicroOp) String() string {
	return fmt.Sprintf("%s [%s/%s]", u.Op, u.Resource, u.Stage)
}

func uop(op string, res Resource, stage Stage) MicroOp {
	return MicroOp{Op: op, Resource: res, Stage: stage}
}

// OperandKind is the coarse operand class used to key decompositions.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg
	KindImm
	KindMem
	KindLabel
)

func (k OperandKind) String() string {
	switch k {
	case KindReg:
		return "reg"
	case KindImm:
		return "imm"
	case KindMem:
		return "mem"
	case KindLabel:
		return "label"
	default:
		return "none"
	}
}

// classifyOperand infers the kind from rendered operand text.
func classifyOperand(op string) OperandKind {
	switch {
	case op == "":
		return KindNone
	case strings.Contains(op, "["):
		return KindMem
	case strings.HasPrefix(op, "."):
		return KindLabel
	case op[0] == '-' || (op[0] >= '0' && op[0] <= '9'):
		return KindImm
	default:
		return KindReg
	}
}

type microKey struct {
	mnemonic string
	src      OperandKind // kind of the last source operand, KindNone if absent
}

// MicroTable maps native instruction forms to micro-op decompositions.
type MicroTable struct {
	forms map[microKey][]MicroOp
}

// NewMicroTable creates an empty table.
func NewMicroTable() *MicroTable {
	return &MicroTable{forms: make(map[microKey][]MicroOp)}
}

// Register installs a decomposition for a mnemonic and source operand kind.
func (t *MicroTable) Register(mnemonic string, src OperandKind, ops []MicroOp) {
	t.forms[microKey{mnemonic, src}] = ops
}

// Decompose returns the micro-op sequence for a native instruction. Every
// form resolves: unknown mnemonics fall back to a generic single-ALU-op
// decomposition so the lowest level never has holes of its own.
func (t *MicroTable) Decompose(in Inst) []MicroOp {
	src := KindNone
	if n := len(in.Operands); n > 0 {
		src = classifyOperand(in.Operands[n-1])
	}
	if ops, ok := t.forms[microKey{in.Mnemonic, src}]; ok {
		return cloneOps(ops)
	}
	// Memory operand forms fold an address generation in front of the
	// generic op even when unregistered.
	if src == KindMem || (len(in.Operands) > 0 && classifyOperand(in.Operands[0]) == KindMem) {
		return []MicroOp{
			uop("agu: compute effective address", ResAGU, StageExecute),
			uop(in.Mnemonic, ResALU, StageExecute),
			uop("retire", ResROB, StageRetire),
		}
	}
	return []MicroOp{
		uop(in.Mnemonic, ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	}
}

func cloneOps(ops []MicroOp) []MicroOp {
	out := make([]MicroOp, len(ops))
	copy(out, ops)
	return out
}

// DefaultMicroOps returns the built-in decomposition table for the
// instruction forms the default templates emit.
func DefaultMicroOps() *MicroTable {
	t := NewMicroTable()

	aluRR := []MicroOp{
		uop("alu op", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	}
	aluRI := []MicroOp{
		uop("alu op with immediate", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	}

	for _, m := range []string{"add", "sub", "and", "or", "xor", "test", "cmp", "shl", "sar", "shr"} {
		t.Register(m, KindReg, aluRR)
		t.Register(m, KindImm, aluRI)
	}

	t.Register("imul", KindReg, []MicroOp{
		uop("multiply", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	for _, m := range []string{"idiv", "div"} {
		t.Register(m, KindReg, []MicroOp{
			uop("divide: iterate quotient", ResALU, StageExecute),
			uop("divide: write quotient and remainder", ResALU, StageExecute),
			uop("retire", ResROB, StageRetire),
		})
	}
	t.Register("cdq", KindNone, aluRR)
	t.Register("cqo", KindNone, aluRR)

	t.Register("mov", KindReg, []MicroOp{
		uop("reg move", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("mov", KindImm, []MicroOp{
		uop("load immediate", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("mov", KindMem, []MicroOp{
		uop("agu: compute effective address", ResAGU, StageExecute),
		uop("load from memory", ResLoad, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("movabs", KindImm, []MicroOp{
		uop("load wide immediate", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("movzx", KindReg, []MicroOp{
		uop("zero-extend move", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("cmovz", KindReg, []MicroOp{
		uop("conditional move on flags", ResALU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})

	t.Register("push", KindReg, []MicroOp{
		uop("agu: decrement stack pointer", ResAGU, StageExecute),
		uop("store to stack", ResStore, StageExecute),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("pop", KindReg, []MicroOp{
		uop("load from stack", ResLoad, StageExecute),
		uop("agu: increment stack pointer", ResAGU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})

	branch := []MicroOp{
		uop("resolve branch target", ResBranch, StageExecute),
		uop("redirect fetch", ResFrontend, StageFetch),
		uop("retire", ResROB, StageRetire),
	}
	for _, m := range []string{"jmp", "jz", "jnz"} {
		t.Register(m, KindLabel, branch)
	}
	t.Register("call", KindReg, []MicroOp{
		uop("agu: decrement stack pointer", ResAGU, StageExecute),
		uop("store return address", ResStore, StageExecute),
		uop("resolve branch target", ResBranch, StageExecute),
		uop("redirect fetch", ResFrontend, StageFetch),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("ret", KindNone, []MicroOp{
		uop("load return address", ResLoad, StageExecute),
		uop("agu: increment stack pointer", ResAGU, StageExecute),
		uop("redirect fetch", ResFrontend, StageFetch),
		uop("retire", ResROB, StageRetire),
	})
	t.Register("leave", KindNone, []MicroOp{
		uop("reg move", ResALU, StageExecute),
		uop("load from stack", ResLoad, StageExecute),
		uop("retire", ResROB, StageRetire),
	})

	for _, m := range []string{"sete", "setne", "setl", "setb", "setg", "seta", "setle", "setge"} {
		t.Register(m, KindReg, []MicroOp{
			uop("materialize flag", ResALU, StageExecute),
			uop("retire", ResROB, StageRetire),
		})
	}

	fp := []MicroOp{
		uop("fp op", ResFPU, StageExecute),
		uop("retire", ResROB, StageRetire),
	}
	for _, m := range []string{"addsd", "subsd", "mulsd", "ucomisd", "movq"} {
		t.Register(m, KindReg, fp)
	}
	t.Register("divsd", KindReg, []MicroOp{
		uop("fp divide: iterate", ResFPU, StageExecute),
		uop("fp divide: round and write", ResFPU, StageExecute),
		uop("retire", ResROB, StageRetire),
	})

	t.Register("nop", KindNone, []MicroOp{
		uop("retire", ResROB, StageRetire),
	})
	t.Register("ud2", KindNone, []MicroOp{
		uop("raise invalid-opcode fault", ResFrontend, StageDecode),
		uop("retire", ResROB, StageRetire),
	})

	return t
}
