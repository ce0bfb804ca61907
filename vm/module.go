package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Module: Immutable validated program representation
// ---------------------------------------------------------------------------

// PageSize is the linear memory page size in bytes.
const PageSize = 65536

// Function is one function in a module: its signature, declared locals,
// and bytecode body. Immutable after module construction.
type Function struct {
	Name    string
	Params  []ValueType
	Results []ValueType // zero or one result
	Locals  []ValueType // declared locals, excluding params
	Code    []byte
}

// NumLocals returns the total local slot count (params + declared locals).
func (f *Function) NumLocals() int {
	return len(f.Params) + len(f.Locals)
}

// LocalType returns the type of local slot i (params first).
func (f *Function) LocalType(i int) ValueType {
	if i < len(f.Params) {
		return f.Params[i]
	}
	return f.Locals[i-len(f.Params)]
}

// Global is one module global: name, type, and initial value.
type Global struct {
	Name    string
	Type    ValueType
	Mutable bool
	Init    Value
}

// BlockTarget records the matching close offsets for a control instruction.
// Else is -1 when the block has no else arm.
type BlockTarget struct {
	Op   Opcode // opening opcode: block, loop, or if
	Else int    // offset of the matching else, or -1
	End  int    // offset of the matching end
}

// Module is an immutable validated program: function table, global table,
// initial memory image, and the per-function block-structure index that
// maps each control instruction to its matching end/else offset.
type Module struct {
	Name      string
	Functions []Function
	Globals   []Global
	MemPages  int    // linear memory size in pages
	Data      []byte // initial memory image, placed at offset 0

	// blockIndex[fn][offset] resolves block/loop/if offsets to their
	// matching else/end in O(1), independent of nesting depth.
	blockIndex []map[int]BlockTarget

	// entryDepth[fn][offset] is the static block-nesting depth at each
	// branch instruction, used to validate branch depths.
	branchDepth []map[int]int
}

// Function returns function fn, or nil if out of range.
func (m *Module) Function(fn int) *Function {
	if fn < 0 || fn >= len(m.Functions) {
		return nil
	}
	return &m.Functions[fn]
}

// BlockTarget returns the precomputed close offsets for the control
// instruction at (fn, offset).
func (m *Module) BlockTarget(fn, offset int) (BlockTarget, bool) {
	if fn < 0 || fn >= len(m.blockIndex) {
		return BlockTarget{}, false
	}
	t, ok := m.blockIndex[fn][offset]
	return t, ok
}

// MemoryBytes returns the initial linear memory size in bytes.
func (m *Module) MemoryBytes() int {
	return m.MemPages * PageSize
}

// InitialMemory builds a fresh copy of the initial memory image.
func (m *Module) InitialMemory() []byte {
	mem := make([]byte, m.MemoryBytes())
	copy(mem, m.Data)
	return mem
}

// ---------------------------------------------------------------------------
// ModuleBuilder
// ---------------------------------------------------------------------------

// ModuleBuilder assembles and validates a Module. Validation failures are
// build errors: a Module that builds successfully has balanced block
// structure, in-range branch depths, and resolvable call targets.
type ModuleBuilder struct {
	mod Module
}

// NewModuleBuilder creates a builder for a named module.
func NewModuleBuilder(name string) *ModuleBuilder {
	return &ModuleBuilder{mod: Module{Name: name}}
}

// AddFunction appends a function and returns its index.
func (b *ModuleBuilder) AddFunction(name string, params, results, locals []ValueType, code []byte) int {
	b.mod.Functions = append(b.mod.Functions, Function{
		Name:    name,
		Params:  params,
		Results: results,
		Locals:  locals,
		Code:    code,
	})
	return len(b.mod.Functions) - 1
}

// AddGlobal appends a global and returns its index.
func (b *ModuleBuilder) AddGlobal(name string, mutable bool, init Value) int {
	b.mod.Globals = append(b.mod.Globals, Global{
		Name:    name,
		Type:    init.Type,
		Mutable: mutable,
		Init:    init,
	})
	return len(b.mod.Globals) - 1
}

// SetMemory configures linear memory: size in pages and an initial data
// image placed at offset 0.
func (b *ModuleBuilder) SetMemory(pages int, data []byte) {
	b.mod.MemPages = pages
	b.mod.Data = data
}

// Build validates the module and computes the block-structure index.
// The returned Module is immutable.
func (b *ModuleBuilder) Build() (*Module, error) {
	m := b.mod
	if len(m.Functions) == 0 {
		return nil, fmt.Errorf("module %q: no functions", m.Name)
	}
	if len(m.Data) > m.MemoryBytes() {
		return nil, fmt.Errorf("module %q: data image (%d bytes) exceeds memory (%d bytes)",
			m.Name, len(m.Data), m.MemoryBytes())
	}
	m.blockIndex = make([]map[int]BlockTarget, len(m.Functions))
	m.branchDepth = make([]map[int]int, len(m.Functions))
	for fn := range m.Functions {
		idx, depths, err := indexFunction(&m, fn)
		if err != nil {
			return nil, fmt.Errorf("module %q: function %d (%s): %w",
				m.Name, fn, m.Functions[fn].Name, err)
		}
		m.blockIndex[fn] = idx
		m.branchDepth[fn] = depths
	}
	return &m, nil
}

// indexFunction decodes a function body once, validating structure and
// recording the matching else/end offset for every control instruction.
func indexFunction(m *Module, fn int) (map[int]BlockTarget, map[int]int, error) {
	f := &m.Functions[fn]
	idx := make(map[int]BlockTarget)
	depths := make(map[int]int)

	// Stack of open block offsets.
	type open struct {
		op     Opcode
		offset int
		elseAt int
	}
	var stack []open

	for pc := 0; pc < len(f.Code); {
		in, err := Decode(f.Code, pc)
		if err != nil {
			return nil, nil, err
		}
		switch in.Op {
		case OpBlock, OpLoop, OpIf:
			stack = append(stack, open{op: in.Op, offset: pc, elseAt: -1})

		case OpElse:
			if len(stack) == 0 || stack[len(stack)-1].op != OpIf {
				return nil, nil, fmt.Errorf("else at offset %d outside an if block", pc)
			}
			if stack[len(stack)-1].elseAt != -1 {
				return nil, nil, fmt.Errorf("duplicate else at offset %d", pc)
			}
			stack[len(stack)-1].elseAt = pc

		case OpEnd:
			if len(stack) == 0 {
				return nil, nil, fmt.Errorf("unmatched end at offset %d", pc)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			t := BlockTarget{Op: top.op, Else: top.elseAt, End: pc}
			idx[top.offset] = t
			if top.elseAt != -1 {
				idx[top.elseAt] = t
			}

		case OpBr, OpBrIf:
			depths[pc] = len(stack)
			if int(in.ImmU8()) >= len(stack) {
				return nil, nil, fmt.Errorf("branch depth %d at offset %d exceeds nesting %d",
					in.ImmU8(), pc, len(stack))
			}

		case OpCall:
			if int(in.ImmU16()) >= len(m.Functions) {
				return nil, nil, fmt.Errorf("call to undefined function %d at offset %d",
					in.ImmU16(), pc)
			}

		case OpLocalGet, OpLocalSet, OpLocalTee:
			if int(in.ImmU16()) >= f.NumLocals() {
				return nil, nil, fmt.Errorf("local index %d at offset %d exceeds %d locals",
					in.ImmU16(), pc, f.NumLocals())
			}

		case OpGlobalGet, OpGlobalSet:
			if int(in.ImmU16()) >= len(m.Globals) {
				return nil, nil, fmt.Errorf("global index %d at offset %d exceeds %d globals",
					in.ImmU16(), pc, len(m.Globals))
			}
		}
		pc += in.Size
	}
	if len(stack) != 0 {
		return nil, nil, fmt.Errorf("unclosed block opened at offset %d", stack[len(stack)-1].offset)
	}
	return idx, depths, nil
}
