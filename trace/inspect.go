package trace

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chazu/lockstep/lower"
	"github.com/chazu/lockstep/vm"
)

// LineTable maps a bytecode position to a source line. Consumed as an
// opaque lookup; absence of a mapping is not an error.
type LineTable interface {
	Line(fn, offset int) (int, bool)
}

// LineMap is a LineTable backed by nested maps keyed by function index and
// byte offset.
type LineMap map[int]map[int]int

func (m LineMap) Line(fn, offset int) (int, bool) {
	line, ok := m[fn][offset]
	return line, ok
}

// View is the full per-level projection of one CombinedState: pure,
// side-effect-free, repeatable.
type View struct {
	Status Status

	// Bytecode level.
	Func        int
	FuncName    string
	PC          int
	Disasm      string
	Line        int // 0 when no debug mapping exists
	Stack       []vm.Value
	Locals      []vm.Value
	Globals     []vm.Value
	Memory      []byte // window starting at MemoryBase
	MemoryBase  int
	CallDepth   int
	TrapReason  vm.TrapReason

	// VM level.
	MicroSteps []lower.MicroStep

	// Native level.
	Native       []lower.Inst
	NativeCursor int

	// Micro-op level.
	MicroOps    []lower.MicroOp
	MicroCursor int
}

type disasmKey struct {
	fn, offset int
}

// Inspector builds Views. Disassembly strings are immutable per module, so
// they sit in a small LRU cache keyed by position.
type Inspector struct {
	mod    *vm.Module
	lines  LineTable
	window int
	disasm *lru.Cache[disasmKey, string]
}

// NewInspector creates an inspector for a loaded session. window bounds
// the memory slice included in each View; 0 selects a 64-byte default.
func NewInspector(s *Session, window int) (*Inspector, error) {
	if window <= 0 {
		window = 64
	}
	cache, err := lru.New[disasmKey, string](512)
	if err != nil {
		return nil, fmt.Errorf("inspector: %w", err)
	}
	return &Inspector{
		mod:    s.Module(),
		lines:  s.Lines(),
		window: window,
		disasm: cache,
	}, nil
}

// View projects cs onto all four levels.
func (i *Inspector) View(cs CombinedState) View {
	st := cs.State
	v := View{
		Func:       st.Func,
		PC:         st.PC,
		Stack:      st.Stack,
		Locals:     st.Locals,
		Globals:    st.Globals,
		CallDepth:  st.CallDepth(),
		TrapReason: st.Trap,
	}

	switch st.Status {
	case vm.StatusCompleted:
		v.Status = StatusCompleted
	case vm.StatusTrapped:
		v.Status = StatusTrapped
	default:
		if cs.Unmapped() {
			v.Status = StatusUnmapped
		} else {
			v.Status = StatusRunning
		}
	}

	if f := i.mod.Function(st.Func); f != nil {
		v.FuncName = f.Name
	}
	v.Disasm = i.disassemble(st.Func, st.PC)
	if i.lines != nil {
		if line, ok := i.lines.Line(st.Func, st.PC); ok {
			v.Line = line
		}
	}

	v.MemoryBase, v.Memory = i.memoryWindow(cs)

	if cs.Record != nil {
		v.MicroSteps = cs.Record.Steps
		v.Native = cs.Record.Native
		v.NativeCursor = cs.NativeCursor
		v.MicroOps = cs.CurrentMicroOps()
		v.MicroCursor = cs.MicroCursor
	}
	return v
}

func (i *Inspector) disassemble(fn, pc int) string {
	key := disasmKey{fn, pc}
	if text, ok := i.disasm.Get(key); ok {
		return text
	}
	f := i.mod.Function(fn)
	if f == nil || pc >= len(f.Code) {
		return ""
	}
	in, err := vm.Decode(f.Code, pc)
	if err != nil {
		return fmt.Sprintf("bad instruction at %d: %v", pc, err)
	}
	text := in.String()
	i.disasm.Add(key, text)
	return text
}

// memoryWindow centers the slice on the address the pending instruction is
// about to access, falling back to offset 0.
func (i *Inspector) memoryWindow(cs CombinedState) (int, []byte) {
	mem := cs.State.Memory
	if len(mem) == 0 {
		return 0, nil
	}
	base := 0
	if cs.Record != nil {
		in := cs.Record.Instr
		var addrSlot = -1
		switch in.Op {
		case vm.OpI32Load, vm.OpI64Load:
			addrSlot = 0
		case vm.OpI32Store, vm.OpI64Store:
			addrSlot = 1
		}
		if st := cs.State.Stack; addrSlot >= 0 && len(st) > addrSlot {
			addr := int(st[len(st)-1-addrSlot].AsU32()) + int(in.ImmU16())
			base = addr - i.window/2
		}
	}
	if base < 0 {
		base = 0
	}
	if base >= len(mem) {
		base = len(mem) - 1
	}
	end := base + i.window
	if end > len(mem) {
		end = len(mem)
	}
	return base, mem[base:end]
}
