package trace

import (
	"testing"

	"github.com/chazu/lockstep/vm"
)

func newInspector(t *testing.T, s *Session, window int) *Inspector {
	t.Helper()
	i, err := NewInspector(s, window)
	if err != nil {
		t.Fatalf("new inspector: %v", err)
	}
	return i
}

func TestViewBytecodeLevel(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	insp := newInspector(t, s, 0)

	v := insp.View(s.Current())
	if v.Status != StatusRunning {
		t.Errorf("status = %v, want running", v.Status)
	}
	if v.FuncName != "add2" || v.PC != 0 {
		t.Errorf("position = (%q, %d), want (add2, 0)", v.FuncName, v.PC)
	}
	if v.Disasm != "local.get 0" {
		t.Errorf("disasm = %q, want local.get 0", v.Disasm)
	}
	if len(v.Locals) != 3 {
		t.Errorf("locals = %d, want 3", len(v.Locals))
	}
	if v.CallDepth != 1 {
		t.Errorf("call depth = %d, want 1", v.CallDepth)
	}
}

func TestViewLowerLevels(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	insp := newInspector(t, s, 0)

	mustStep(t, s, GranNative)
	v := insp.View(s.Current())
	if len(v.MicroSteps) == 0 {
		t.Error("no VM micro-steps in view")
	}
	if len(v.Native) == 0 {
		t.Fatal("no native instructions in view")
	}
	if v.NativeCursor != 1 {
		t.Errorf("native cursor = %d, want 1", v.NativeCursor)
	}
	if len(v.MicroOps) == 0 {
		t.Error("no micro-ops for the native instruction in progress")
	}
}

func TestViewIsRepeatable(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	insp := newInspector(t, s, 0)

	a := insp.View(s.Current())
	b := insp.View(s.Current())
	if a.Disasm != b.Disasm || a.PC != b.PC || a.Status != b.Status {
		t.Error("repeated inspection of the same state differs")
	}
}

func TestViewSourceLine(t *testing.T) {
	lines := LineMap{0: {0: 10, 3: 11, 6: 12}}
	s, err := Load(twoLocalAdd(t), 0, Options{Lines: lines})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	insp := newInspector(t, s, 0)

	if v := insp.View(s.Current()); v.Line != 10 {
		t.Errorf("line = %d, want 10", v.Line)
	}
	mustStep(t, s, GranBytecode)
	if v := insp.View(s.Current()); v.Line != 11 {
		t.Errorf("line = %d, want 11", v.Line)
	}
}

func TestViewMemoryWindowTracksPendingAccess(t *testing.T) {
	b := vm.NewModuleBuilder("mem")
	code := vm.NewFuncBuilder().
		I32Const(512).
		EmitU16(vm.OpI32Load, 0).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	b.AddFunction("main", nil, nil, nil, code)
	b.SetMemory(1, nil)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	s := load(t, m)
	insp := newInspector(t, s, 32)

	mustStep(t, s, GranBytecode) // pending: i32.load with address 512 on the stack
	v := insp.View(s.Current())
	if v.MemoryBase > 512 || v.MemoryBase+len(v.Memory) < 512+4 {
		t.Errorf("memory window [%d, %d) does not cover the pending access at 512",
			v.MemoryBase, v.MemoryBase+len(v.Memory))
	}
	if len(v.Memory) > 32 {
		t.Errorf("window size = %d, want at most 32", len(v.Memory))
	}
}
