package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Control flow
const (
	OpUnreachable Opcode = 0x00 // trap immediately
	OpNop         Opcode = 0x01 // no operation
	OpBlock       Opcode = 0x02 // open a forward-branch block
	OpLoop        Opcode = 0x03 // open a backward-branch block
	OpIf          Opcode = 0x04 // pop condition, open conditional block
	OpElse        Opcode = 0x05 // alternative arm of an if block
	OpEnd         Opcode = 0x06 // close the innermost block
	OpBr          Opcode = 0x07 // branch to enclosing block (8-bit depth)
	OpBrIf        Opcode = 0x08 // pop condition, branch if nonzero (8-bit depth)
	OpReturn      Opcode = 0x09 // return from the current function
	OpCall        Opcode = 0x0A // call function (16-bit index)
)

// Parametric
const (
	OpDrop   Opcode = 0x10 // discard top of stack
	OpSelect Opcode = 0x11 // pop cond, b, a; push a if cond != 0 else b
)

// Variables
const (
	OpLocalGet  Opcode = 0x20 // push local (16-bit index)
	OpLocalSet  Opcode = 0x21 // pop into local (16-bit index)
	OpLocalTee  Opcode = 0x22 // store top into local without popping (16-bit index)
	OpGlobalGet Opcode = 0x23 // push global (16-bit index)
	OpGlobalSet Opcode = 0x24 // pop into global (16-bit index)
)

// Linear memory
const (
	OpI32Load    Opcode = 0x30 // pop addr, push 32-bit load (16-bit static offset)
	OpI64Load    Opcode = 0x31 // pop addr, push 64-bit load (16-bit static offset)
	OpI32Store   Opcode = 0x32 // pop value, addr; 32-bit store (16-bit static offset)
	OpI64Store   Opcode = 0x33 // pop value, addr; 64-bit store (16-bit static offset)
	OpMemorySize Opcode = 0x34 // push current memory size in pages
)

// Constants
const (
	OpI32Const Opcode = 0x40 // push immediate i32 (4 bytes)
	OpI64Const Opcode = 0x41 // push immediate i64 (8 bytes)
	OpF32Const Opcode = 0x42 // push immediate f32 (4 bytes)
	OpF64Const Opcode = 0x43 // push immediate f64 (8 bytes)
)

// i32 arithmetic
const (
	OpI32Add  Opcode = 0x50
	OpI32Sub  Opcode = 0x51
	OpI32Mul  Opcode = 0x52
	OpI32DivS Opcode = 0x53
	OpI32DivU Opcode = 0x54
	OpI32RemS Opcode = 0x55
	OpI32RemU Opcode = 0x56
	OpI32And  Opcode = 0x57
	OpI32Or   Opcode = 0x58
	OpI32Xor  Opcode = 0x59
	OpI32Shl  Opcode = 0x5A
	OpI32ShrS Opcode = 0x5B
	OpI32ShrU Opcode = 0x5C
)

// i32 comparison
const (
	OpI32Eqz Opcode = 0x60
	OpI32Eq  Opcode = 0x61
	OpI32Ne  Opcode = 0x62
	OpI32LtS Opcode = 0x63
	OpI32LtU Opcode = 0x64
	OpI32GtS Opcode = 0x65
	OpI32GtU Opcode = 0x66
	OpI32LeS Opcode = 0x67
	OpI32GeS Opcode = 0x68
)

// i64 arithmetic and comparison
const (
	OpI64Add  Opcode = 0x70
	OpI64Sub  Opcode = 0x71
	OpI64Mul  Opcode = 0x72
	OpI64DivS Opcode = 0x73
	OpI64Eq   Opcode = 0x74
	OpI64Ne   Opcode = 0x75
	OpI64LtS  Opcode = 0x76
)

// f64 arithmetic and comparison
const (
	OpF64Add Opcode = 0x80
	OpF64Sub Opcode = 0x81
	OpF64Mul Opcode = 0x82
	OpF64Div Opcode = 0x83
	OpF64Eq  Opcode = 0x84
	OpF64Lt  Opcode = 0x85
)

// Conversions
const (
	OpI32WrapI64    Opcode = 0x90 // truncate i64 to i32
	OpI64ExtendI32S Opcode = 0x91 // sign-extend i32 to i64
	OpF64ConvertI32 Opcode = 0x92 // convert signed i32 to f64
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// ImmKind describes the immediate operand encoding of an opcode.
type ImmKind uint8

const (
	ImmNone ImmKind = iota
	ImmU8           // 1 byte (branch depth)
	ImmU16          // 2 bytes little-endian (indices, memory offsets)
	ImmI32          // 4 bytes little-endian
	ImmI64          // 8 bytes little-endian
	ImmF32          // 4 bytes little-endian (IEEE 754 bits)
	ImmF64          // 8 bytes little-endian (IEEE 754 bits)
)

// Size returns the immediate width in bytes.
func (k ImmKind) Size() int {
	switch k {
	case ImmU8:
		return 1
	case ImmU16:
		return 2
	case ImmI32, ImmF32:
		return 4
	case ImmI64, ImmF64:
		return 8
	default:
		return 0
	}
}

// OpcodeInfo holds static metadata about an opcode.
type OpcodeInfo struct {
	Name   string  // human-readable mnemonic
	Imm    ImmKind // immediate encoding
	Pops   int     // operands consumed (-1 = depends on call target)
	Pushes int     // operands produced (-1 = depends on call target)
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Control flow
	OpUnreachable: {"unreachable", ImmNone, 0, 0},
	OpNop:         {"nop", ImmNone, 0, 0},
	OpBlock:       {"block", ImmNone, 0, 0},
	OpLoop:        {"loop", ImmNone, 0, 0},
	OpIf:          {"if", ImmNone, 1, 0},
	OpElse:        {"else", ImmNone, 0, 0},
	OpEnd:         {"end", ImmNone, 0, 0},
	OpBr:          {"br", ImmU8, 0, 0},
	OpBrIf:        {"br_if", ImmU8, 1, 0},
	OpReturn:      {"return", ImmNone, -1, 0},
	OpCall:        {"call", ImmU16, -1, -1},

	// Parametric
	OpDrop:   {"drop", ImmNone, 1, 0},
	OpSelect: {"select", ImmNone, 3, 1},

	// Variables
	OpLocalGet:  {"local.get", ImmU16, 0, 1},
	OpLocalSet:  {"local.set", ImmU16, 1, 0},
	OpLocalTee:  {"local.tee", ImmU16, 1, 1},
	OpGlobalGet: {"global.get", ImmU16, 0, 1},
	OpGlobalSet: {"global.set", ImmU16, 1, 0},

	// Memory
	OpI32Load:    {"i32.load", ImmU16, 1, 1},
	OpI64Load:    {"i64.load", ImmU16, 1, 1},
	OpI32Store:   {"i32.store", ImmU16, 2, 0},
	OpI64Store:   {"i64.store", ImmU16, 2, 0},
	OpMemorySize: {"memory.size", ImmNone, 0, 1},

	// Constants
	OpI32Const: {"i32.const", ImmI32, 0, 1},
	OpI64Const: {"i64.const", ImmI64, 0, 1},
	OpF32Const: {"f32.const", ImmF32, 0, 1},
	OpF64Const: {"f64.const", ImmF64, 0, 1},

	// i32 arithmetic
	OpI32Add:  {"i32.add", ImmNone, 2, 1},
	OpI32Sub:  {"i32.sub", ImmNone, 2, 1},
	OpI32Mul:  {"i32.mul", ImmNone, 2, 1},
	OpI32DivS: {"i32.div_s", ImmNone, 2, 1},
	OpI32DivU: {"i32.div_u", ImmNone, 2, 1},
	OpI32RemS: {"i32.rem_s", ImmNone, 2, 1},
	OpI32RemU: {"i32.rem_u", ImmNone, 2, 1},
	OpI32And:  {"i32.and", ImmNone, 2, 1},
	OpI32Or:   {"i32.or", ImmNone, 2, 1},
	OpI32Xor:  {"i32.xor", ImmNone, 2, 1},
	OpI32Shl:  {"i32.shl", ImmNone, 2, 1},
	OpI32ShrS: {"i32.shr_s", ImmNone, 2, 1},
	OpI32ShrU: {"i32.shr_u", ImmNone, 2, 1},

	// i32 comparison
	OpI32Eqz: {"i32.eqz", ImmNone, 1, 1},
	OpI32Eq:  {"i32.eq", ImmNone, 2, 1},
	OpI32Ne:  {"i32.ne", ImmNone, 2, 1},
	OpI32LtS: {"i32.lt_s", ImmNone, 2, 1},
	OpI32LtU: {"i32.lt_u", ImmNone, 2, 1},
	OpI32GtS: {"i32.gt_s", ImmNone, 2, 1},
	OpI32GtU: {"i32.gt_u", ImmNone, 2, 1},
	OpI32LeS: {"i32.le_s", ImmNone, 2, 1},
	OpI32GeS: {"i32.ge_s", ImmNone, 2, 1},

	// i64
	OpI64Add:  {"i64.add", ImmNone, 2, 1},
	OpI64Sub:  {"i64.sub", ImmNone, 2, 1},
	OpI64Mul:  {"i64.mul", ImmNone, 2, 1},
	OpI64DivS: {"i64.div_s", ImmNone, 2, 1},
	OpI64Eq:   {"i64.eq", ImmNone, 2, 1},
	OpI64Ne:   {"i64.ne", ImmNone, 2, 1},
	OpI64LtS:  {"i64.lt_s", ImmNone, 2, 1},

	// f64
	OpF64Add: {"f64.add", ImmNone, 2, 1},
	OpF64Sub: {"f64.sub", ImmNone, 2, 1},
	OpF64Mul: {"f64.mul", ImmNone, 2, 1},
	OpF64Div: {"f64.div", ImmNone, 2, 1},
	OpF64Eq:  {"f64.eq", ImmNone, 2, 1},
	OpF64Lt:  {"f64.lt", ImmNone, 2, 1},

	// Conversions
	OpI32WrapI64:    {"i32.wrap_i64", ImmNone, 1, 1},
	OpI64ExtendI32S: {"i64.extend_i32_s", ImmNone, 1, 1},
	OpF64ConvertI32: {"f64.convert_i32_s", ImmNone, 1, 1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("unknown(%#02x)", byte(op))
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsControl reports whether the opcode opens, closes, or redirects control flow.
func (op Opcode) IsControl() bool {
	switch op {
	case OpBlock, OpLoop, OpIf, OpElse, OpEnd, OpBr, OpBrIf, OpReturn, OpCall, OpUnreachable:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instr is one decoded instruction: opcode, raw immediate bits, and layout.
type Instr struct {
	Op     Opcode
	Offset int    // byte offset of the opcode within the function body
	Size   int    // total encoded size including immediates
	Imm    uint64 // raw immediate bits (zero if none)
}

// ImmU8 returns the immediate as a branch depth.
func (in Instr) ImmU8() uint8 { return uint8(in.Imm) }

// ImmU16 returns the immediate as an index or memory offset.
func (in Instr) ImmU16() uint16 { return uint16(in.Imm) }

// ImmI32 returns the immediate as a signed 32-bit constant.
func (in Instr) ImmI32() int32 { return int32(uint32(in.Imm)) }

// ImmI64 returns the immediate as a signed 64-bit constant.
func (in Instr) ImmI64() int64 { return int64(in.Imm) }

// ImmF32 returns the immediate as a 32-bit float constant.
func (in Instr) ImmF32() float32 { return math.Float32frombits(uint32(in.Imm)) }

// ImmF64 returns the immediate as a 64-bit float constant.
func (in Instr) ImmF64() float64 { return math.Float64frombits(in.Imm) }

// Decode reads the instruction at offset pc in code.
func Decode(code []byte, pc int) (Instr, error) {
	if pc < 0 || pc >= len(code) {
		return Instr{}, fmt.Errorf("decode: offset %d out of range (len=%d)", pc, len(code))
	}
	op := Opcode(code[pc])
	info, ok := opcodeTable[op]
	if !ok {
		return Instr{}, fmt.Errorf("decode: unknown opcode %#02x at offset %d", byte(op), pc)
	}
	size := 1 + info.Imm.Size()
	if pc+size > len(code) {
		return Instr{}, fmt.Errorf("decode: truncated immediate for %s at offset %d", info.Name, pc)
	}
	in := Instr{Op: op, Offset: pc, Size: size}
	switch info.Imm {
	case ImmU8:
		in.Imm = uint64(code[pc+1])
	case ImmU16:
		in.Imm = uint64(binary.LittleEndian.Uint16(code[pc+1:]))
	case ImmI32, ImmF32:
		in.Imm = uint64(binary.LittleEndian.Uint32(code[pc+1:]))
	case ImmI64, ImmF64:
		in.Imm = binary.LittleEndian.Uint64(code[pc+1:])
	}
	return in, nil
}

// String renders the instruction in disassembly form.
func (in Instr) String() string {
	info, ok := opcodeTable[in.Op]
	if !ok {
		return fmt.Sprintf("unknown(%#02x)", byte(in.Op))
	}
	switch info.Imm {
	case ImmNone:
		return info.Name
	case ImmU8:
		return fmt.Sprintf("%s %d", info.Name, in.ImmU8())
	case ImmU16:
		return fmt.Sprintf("%s %d", info.Name, in.ImmU16())
	case ImmI32:
		return fmt.Sprintf("%s %d", info.Name, in.ImmI32())
	case ImmI64:
		return fmt.Sprintf("%s %d", info.Name, in.ImmI64())
	case ImmF32:
		return fmt.Sprintf("%s %g", info.Name, in.ImmF32())
	case ImmF64:
		return fmt.Sprintf("%s %g", info.Name, in.ImmF64())
	default:
		return info.Name
	}
}

// Disassemble returns the full disassembly of a function body, one
// instruction per line with offsets.
func Disassemble(code []byte) string {
	var out string
	for pc := 0; pc < len(code); {
		in, err := Decode(code, pc)
		if err != nil {
			out += fmt.Sprintf("%04d  <%v>\n", pc, err)
			break
		}
		out += fmt.Sprintf("%04d  %s\n", pc, in)
		pc += in.Size
	}
	return out
}

// ---------------------------------------------------------------------------
// FuncBuilder: Helper for constructing function bodies
// ---------------------------------------------------------------------------

// FuncBuilder helps construct bytecode function bodies.
type FuncBuilder struct {
	bytes []byte
}

// NewFuncBuilder creates an empty builder.
func NewFuncBuilder() *FuncBuilder {
	return &FuncBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *FuncBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *FuncBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no immediate.
func (b *FuncBuilder) Emit(op Opcode) *FuncBuilder {
	b.bytes = append(b.bytes, byte(op))
	return b
}

// EmitU8 appends an opcode with an 8-bit immediate.
func (b *FuncBuilder) EmitU8(op Opcode, v uint8) *FuncBuilder {
	b.bytes = append(b.bytes, byte(op), v)
	return b
}

// EmitU16 appends an opcode with a 16-bit immediate (little-endian).
func (b *FuncBuilder) EmitU16(op Opcode, v uint16) *FuncBuilder {
	b.bytes = append(b.bytes, byte(op), byte(v), byte(v>>8))
	return b
}

// I32Const appends an i32.const instruction.
func (b *FuncBuilder) I32Const(v int32) *FuncBuilder {
	b.bytes = append(b.bytes, byte(OpI32Const))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// I64Const appends an i64.const instruction.
func (b *FuncBuilder) I64Const(v int64) *FuncBuilder {
	b.bytes = append(b.bytes, byte(OpI64Const))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// F32Const appends an f32.const instruction.
func (b *FuncBuilder) F32Const(v float32) *FuncBuilder {
	b.bytes = append(b.bytes, byte(OpF32Const))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// F64Const appends an f64.const instruction.
func (b *FuncBuilder) F64Const(v float64) *FuncBuilder {
	b.bytes = append(b.bytes, byte(OpF64Const))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	b.bytes = append(b.bytes, buf[:]...)
	return b
}

// LocalGet appends a local.get instruction.
func (b *FuncBuilder) LocalGet(idx uint16) *FuncBuilder { return b.EmitU16(OpLocalGet, idx) }

// LocalSet appends a local.set instruction.
func (b *FuncBuilder) LocalSet(idx uint16) *FuncBuilder { return b.EmitU16(OpLocalSet, idx) }

// LocalTee appends a local.tee instruction.
func (b *FuncBuilder) LocalTee(idx uint16) *FuncBuilder { return b.EmitU16(OpLocalTee, idx) }

// GlobalGet appends a global.get instruction.
func (b *FuncBuilder) GlobalGet(idx uint16) *FuncBuilder { return b.EmitU16(OpGlobalGet, idx) }

// GlobalSet appends a global.set instruction.
func (b *FuncBuilder) GlobalSet(idx uint16) *FuncBuilder { return b.EmitU16(OpGlobalSet, idx) }

// Call appends a call instruction.
func (b *FuncBuilder) Call(fn uint16) *FuncBuilder { return b.EmitU16(OpCall, fn) }

// Block opens a block.
func (b *FuncBuilder) Block() *FuncBuilder { return b.Emit(OpBlock) }

// Loop opens a loop.
func (b *FuncBuilder) Loop() *FuncBuilder { return b.Emit(OpLoop) }

// If opens a conditional block.
func (b *FuncBuilder) If() *FuncBuilder { return b.Emit(OpIf) }

// Else starts the alternative arm of an if block.
func (b *FuncBuilder) Else() *FuncBuilder { return b.Emit(OpElse) }

// End closes the innermost block.
func (b *FuncBuilder) End() *FuncBuilder { return b.Emit(OpEnd) }

// Br appends an unconditional branch to the d-th enclosing block.
func (b *FuncBuilder) Br(depth uint8) *FuncBuilder { return b.EmitU8(OpBr, depth) }

// BrIf appends a conditional branch to the d-th enclosing block.
func (b *FuncBuilder) BrIf(depth uint8) *FuncBuilder { return b.EmitU8(OpBrIf, depth) }

// Return appends a return instruction.
func (b *FuncBuilder) Return() *FuncBuilder { return b.Emit(OpReturn) }
