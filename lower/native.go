package lower

import (
	"fmt"
	"strings"

	"github.com/chazu/lockstep/vm"
)

// ---------------------------------------------------------------------------
// Native instructions
// ---------------------------------------------------------------------------

// Inst is one native instruction instantiated from a template:
// a mnemonic plus rendered operands, destination first.
//
// The lowering models a baseline x86-64 compilation of the stack machine:
// the operand stack lives in memory at rsp, locals at rbp-relative slots,
// globals in a static table, and the linear-memory base in r15. Branch
// targets are labels named after bytecode offsets (".L0042").
type Inst struct {
	Mnemonic string
	Operands []string
}

// String renders the instruction in assembly form.
func (i Inst) String() string {
	if len(i.Operands) == 0 {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + strings.Join(i.Operands, ", ")
}

func ni(mnemonic string, operands ...string) Inst {
	return Inst{Mnemonic: mnemonic, Operands: operands}
}

// OperandShape classifies the static immediate shape of a bytecode
// instruction; templates are keyed by opcode plus shape.
type OperandShape uint8

const (
	ShapeNone      OperandShape = iota
	ShapeDepth                  // branch depth immediate
	ShapeIndex                  // local/global/function index immediate
	ShapeMemOffset              // static memory offset immediate
	ShapeConst                  // inline constant immediate
)

// shapeOf derives the operand shape from the immediate encoding.
func shapeOf(op vm.Opcode) OperandShape {
	info, ok := op.Info()
	if !ok {
		return ShapeNone
	}
	switch info.Imm {
	case vm.ImmU8:
		return ShapeDepth
	case vm.ImmU16:
		switch op {
		case vm.OpI32Load, vm.OpI64Load, vm.OpI32Store, vm.OpI64Store:
			return ShapeMemOffset
		default:
			return ShapeIndex
		}
	case vm.ImmI32, vm.ImmI64, vm.ImmF32, vm.ImmF64:
		return ShapeConst
	default:
		return ShapeNone
	}
}

// Context carries the static facts a template may consult: the decoded
// instruction, the enclosing function, resolved branch targets, and call
// target names. Everything in it is known at load time.
type Context struct {
	Instr     vm.Instr
	FuncIndex int
	FuncName  func(idx int) string // call target naming

	// For branch-shaped instructions: the byte offset the jump resolves
	// to, per the block-structure index. The projection shows the jump
	// shape; it never predicts whether the branch is taken.
	BranchTarget    int
	HasBranchTarget bool
}

func (c Context) label() string {
	return fmt.Sprintf(".L%04d", c.BranchTarget)
}

func (c Context) localSlot() string {
	return fmt.Sprintf("[rbp-%d]", 8*(int(c.Instr.ImmU16())+1))
}

func (c Context) globalSlot() string {
	return fmt.Sprintf("[globals+%d]", 8*int(c.Instr.ImmU16()))
}

func (c Context) memOperand(width string) string {
	off := int(c.Instr.ImmU16())
	if off == 0 {
		return fmt.Sprintf("%s [r15+rax]", width)
	}
	return fmt.Sprintf("%s [r15+rax+%d]", width, off)
}

// Template instantiates the native sequence for one bytecode instruction.
type Template func(ctx Context) []Inst

type templateKey struct {
	op    vm.Opcode
	shape OperandShape
}

// TemplateTable maps (opcode, operand shape) to native templates.
type TemplateTable struct {
	templates map[templateKey]Template
}

// NewTemplateTable creates an empty table.
func NewTemplateTable() *TemplateTable {
	return &TemplateTable{templates: make(map[templateKey]Template)}
}

// Register installs a template for an opcode and shape.
func (t *TemplateTable) Register(op vm.Opcode, shape OperandShape, tpl Template) {
	t.templates[templateKey{op, shape}] = tpl
}

// Lookup finds the template for an opcode and shape.
func (t *TemplateTable) Lookup(op vm.Opcode, shape OperandShape) (Template, bool) {
	tpl, ok := t.templates[templateKey{op, shape}]
	return tpl, ok
}

// ---------------------------------------------------------------------------
// Default templates
// ---------------------------------------------------------------------------

// pop/push helpers shared by many templates.
func popReg(reg string) Inst  { return ni("pop", reg) }
func pushReg(reg string) Inst { return ni("push", reg) }

// binOp32 lowers the common "pop two, operate on 32-bit halves, push"
// pattern.
func binOp32(mnemonic string) Template {
	return func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni(mnemonic, "eax", "ecx"),
			pushReg("rax"),
		}
	}
}

func binOp64(mnemonic string) Template {
	return func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni(mnemonic, "rax", "rcx"),
			pushReg("rax"),
		}
	}
}

// cmpOp32 lowers comparisons via setcc.
func cmpOp32(setcc string) Template {
	return func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("cmp", "eax", "ecx"),
			ni(setcc, "al"),
			ni("movzx", "eax", "al"),
			pushReg("rax"),
		}
	}
}

func cmpOp64(setcc string) Template {
	return func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("cmp", "rax", "rcx"),
			ni(setcc, "al"),
			ni("movzx", "eax", "al"),
			pushReg("rax"),
		}
	}
}

// fpOp64 lowers f64 arithmetic through the SSE registers.
func fpOp64(mnemonic string) Template {
	return func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("movq", "xmm0", "rax"),
			ni("movq", "xmm1", "rcx"),
			ni(mnemonic, "xmm0", "xmm1"),
			ni("movq", "rax", "xmm0"),
			pushReg("rax"),
		}
	}
}

func shiftOp32(mnemonic string) Template {
	return func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni(mnemonic, "eax", "cl"),
			pushReg("rax"),
		}
	}
}

// DefaultTemplates returns the built-in x86-64-style template set.
// Conversion opcodes are deliberately left unregistered; they exercise the
// unmapped degradation path until templates are written for them.
func DefaultTemplates() *TemplateTable {
	t := NewTemplateTable()

	t.Register(vm.OpNop, ShapeNone, func(Context) []Inst {
		return []Inst{ni("nop")}
	})
	t.Register(vm.OpUnreachable, ShapeNone, func(Context) []Inst {
		return []Inst{ni("ud2")}
	})

	// Block boundaries lower to labels only; no instructions execute.
	empty := func(Context) []Inst { return nil }
	t.Register(vm.OpBlock, ShapeNone, empty)
	t.Register(vm.OpLoop, ShapeNone, empty)
	t.Register(vm.OpEnd, ShapeNone, empty)

	// The true arm jumps over the alternative arm.
	t.Register(vm.OpElse, ShapeNone, func(ctx Context) []Inst {
		return []Inst{ni("jmp", ctx.label())}
	})

	t.Register(vm.OpIf, ShapeNone, func(ctx Context) []Inst {
		return []Inst{
			popReg("rax"),
			ni("test", "eax", "eax"),
			ni("jz", ctx.label()),
		}
	})
	t.Register(vm.OpBr, ShapeDepth, func(ctx Context) []Inst {
		return []Inst{ni("jmp", ctx.label())}
	})
	t.Register(vm.OpBrIf, ShapeDepth, func(ctx Context) []Inst {
		return []Inst{
			popReg("rax"),
			ni("test", "eax", "eax"),
			ni("jnz", ctx.label()),
		}
	})
	t.Register(vm.OpReturn, ShapeNone, func(Context) []Inst {
		return []Inst{ni("leave"), ni("ret")}
	})
	t.Register(vm.OpCall, ShapeIndex, func(ctx Context) []Inst {
		name := fmt.Sprintf("fn%d", ctx.Instr.ImmU16())
		if ctx.FuncName != nil {
			name = ctx.FuncName(int(ctx.Instr.ImmU16()))
		}
		return []Inst{ni("call", name)}
	})

	t.Register(vm.OpDrop, ShapeNone, func(Context) []Inst {
		return []Inst{ni("add", "rsp", "8")}
	})
	t.Register(vm.OpSelect, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rdx"),
			popReg("rax"),
			ni("test", "ecx", "ecx"),
			ni("cmovz", "rax", "rdx"),
			pushReg("rax"),
		}
	})

	t.Register(vm.OpLocalGet, ShapeIndex, func(ctx Context) []Inst {
		return []Inst{ni("mov", "rax", ctx.localSlot()), pushReg("rax")}
	})
	t.Register(vm.OpLocalSet, ShapeIndex, func(ctx Context) []Inst {
		return []Inst{popReg("rax"), ni("mov", ctx.localSlot(), "rax")}
	})
	t.Register(vm.OpLocalTee, ShapeIndex, func(ctx Context) []Inst {
		return []Inst{ni("mov", "rax", "[rsp]"), ni("mov", ctx.localSlot(), "rax")}
	})
	t.Register(vm.OpGlobalGet, ShapeIndex, func(ctx Context) []Inst {
		return []Inst{ni("mov", "rax", ctx.globalSlot()), pushReg("rax")}
	})
	t.Register(vm.OpGlobalSet, ShapeIndex, func(ctx Context) []Inst {
		return []Inst{popReg("rax"), ni("mov", ctx.globalSlot(), "rax")}
	})

	t.Register(vm.OpI32Load, ShapeMemOffset, func(ctx Context) []Inst {
		return []Inst{
			popReg("rax"),
			ni("mov", "eax", ctx.memOperand("dword")),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI64Load, ShapeMemOffset, func(ctx Context) []Inst {
		return []Inst{
			popReg("rax"),
			ni("mov", "rax", ctx.memOperand("qword")),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI32Store, ShapeMemOffset, func(ctx Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("mov", ctx.memOperand("dword"), "ecx"),
		}
	})
	t.Register(vm.OpI64Store, ShapeMemOffset, func(ctx Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("mov", ctx.memOperand("qword"), "rcx"),
		}
	})
	t.Register(vm.OpMemorySize, ShapeNone, func(Context) []Inst {
		return []Inst{ni("mov", "eax", "[mem_pages]"), pushReg("rax")}
	})

	t.Register(vm.OpI32Const, ShapeConst, func(ctx Context) []Inst {
		return []Inst{
			ni("mov", "eax", fmt.Sprintf("%d", ctx.Instr.ImmI32())),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI64Const, ShapeConst, func(ctx Context) []Inst {
		return []Inst{
			ni("movabs", "rax", fmt.Sprintf("%d", ctx.Instr.ImmI64())),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpF32Const, ShapeConst, func(ctx Context) []Inst {
		return []Inst{
			ni("mov", "eax", fmt.Sprintf("%#x", ctx.Instr.Imm)),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpF64Const, ShapeConst, func(ctx Context) []Inst {
		return []Inst{
			ni("movabs", "rax", fmt.Sprintf("%#x", ctx.Instr.Imm)),
			pushReg("rax"),
		}
	})

	t.Register(vm.OpI32Add, ShapeNone, binOp32("add"))
	t.Register(vm.OpI32Sub, ShapeNone, binOp32("sub"))
	t.Register(vm.OpI32Mul, ShapeNone, binOp32("imul"))
	t.Register(vm.OpI32And, ShapeNone, binOp32("and"))
	t.Register(vm.OpI32Or, ShapeNone, binOp32("or"))
	t.Register(vm.OpI32Xor, ShapeNone, binOp32("xor"))
	t.Register(vm.OpI32Shl, ShapeNone, shiftOp32("shl"))
	t.Register(vm.OpI32ShrS, ShapeNone, shiftOp32("sar"))
	t.Register(vm.OpI32ShrU, ShapeNone, shiftOp32("shr"))

	t.Register(vm.OpI32DivS, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("cdq"),
			ni("idiv", "ecx"),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI32DivU, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("xor", "edx", "edx"),
			ni("div", "ecx"),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI32RemS, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("cdq"),
			ni("idiv", "ecx"),
			pushReg("rdx"),
		}
	})
	t.Register(vm.OpI32RemU, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("xor", "edx", "edx"),
			ni("div", "ecx"),
			pushReg("rdx"),
		}
	})

	t.Register(vm.OpI32Eqz, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rax"),
			ni("test", "eax", "eax"),
			ni("sete", "al"),
			ni("movzx", "eax", "al"),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI32Eq, ShapeNone, cmpOp32("sete"))
	t.Register(vm.OpI32Ne, ShapeNone, cmpOp32("setne"))
	t.Register(vm.OpI32LtS, ShapeNone, cmpOp32("setl"))
	t.Register(vm.OpI32LtU, ShapeNone, cmpOp32("setb"))
	t.Register(vm.OpI32GtS, ShapeNone, cmpOp32("setg"))
	t.Register(vm.OpI32GtU, ShapeNone, cmpOp32("seta"))
	t.Register(vm.OpI32LeS, ShapeNone, cmpOp32("setle"))
	t.Register(vm.OpI32GeS, ShapeNone, cmpOp32("setge"))

	t.Register(vm.OpI64Add, ShapeNone, binOp64("add"))
	t.Register(vm.OpI64Sub, ShapeNone, binOp64("sub"))
	t.Register(vm.OpI64Mul, ShapeNone, binOp64("imul"))
	t.Register(vm.OpI64DivS, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("cqo"),
			ni("idiv", "rcx"),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpI64Eq, ShapeNone, cmpOp64("sete"))
	t.Register(vm.OpI64Ne, ShapeNone, cmpOp64("setne"))
	t.Register(vm.OpI64LtS, ShapeNone, cmpOp64("setl"))

	t.Register(vm.OpF64Add, ShapeNone, fpOp64("addsd"))
	t.Register(vm.OpF64Sub, ShapeNone, fpOp64("subsd"))
	t.Register(vm.OpF64Mul, ShapeNone, fpOp64("mulsd"))
	t.Register(vm.OpF64Div, ShapeNone, fpOp64("divsd"))
	t.Register(vm.OpF64Eq, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("movq", "xmm0", "rax"),
			ni("movq", "xmm1", "rcx"),
			ni("ucomisd", "xmm0", "xmm1"),
			ni("sete", "al"),
			ni("movzx", "eax", "al"),
			pushReg("rax"),
		}
	})
	t.Register(vm.OpF64Lt, ShapeNone, func(Context) []Inst {
		return []Inst{
			popReg("rcx"),
			popReg("rax"),
			ni("movq", "xmm0", "rax"),
			ni("movq", "xmm1", "rcx"),
			ni("ucomisd", "xmm0", "xmm1"),
			ni("setb", "al"),
			ni("movzx", "eax", "al"),
			pushReg("rax"),
		}
	})

	return t
}
