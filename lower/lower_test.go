package lower

import (
	"strings"
	"testing"

	"github.com/chazu/lockstep/vm"
)

func buildModule(t *testing.T, code []byte) *vm.Module {
	t.Helper()
	b := vm.NewModuleBuilder("test")
	b.AddFunction("main", nil, nil, nil, code)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return m
}

func projectModule(t *testing.T, m *vm.Module) *Table {
	t.Helper()
	tbl, err := Project(m, DefaultTemplates(), DefaultMicroOps())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return tbl
}

func mustLookup(t *testing.T, tbl *Table, fn, offset int) *Record {
	t.Helper()
	rec, ok := tbl.Lookup(fn, offset)
	if !ok {
		t.Fatalf("no record at fn=%d offset=%d", fn, offset)
	}
	return rec
}

func TestProjectionCoversEveryInstruction(t *testing.T) {
	code := vm.NewFuncBuilder().
		I32Const(1).
		I32Const(2).
		Emit(vm.OpI32Add).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	m := buildModule(t, code)
	tbl := projectModule(t, m)

	f := m.Function(0)
	for pc := 0; pc < len(f.Code); {
		in, err := vm.Decode(f.Code, pc)
		if err != nil {
			t.Fatalf("decode at %d: %v", pc, err)
		}
		rec := mustLookup(t, tbl, 0, pc)
		if rec.Instr.Op != in.Op {
			t.Errorf("offset %d: record op %v, want %v", pc, rec.Instr.Op, in.Op)
		}
		if len(rec.Steps) == 0 {
			t.Errorf("offset %d: no micro-steps", pc)
		}
		pc += in.Size
	}
}

func TestMicroStepsStartWithFetch(t *testing.T) {
	code := vm.NewFuncBuilder().I32Const(7).Emit(vm.OpDrop).Return().Bytes()
	tbl := projectModule(t, buildModule(t, code))

	rec := mustLookup(t, tbl, 0, 0)
	if !strings.HasPrefix(string(rec.Steps[0]), "fetch and decode") {
		t.Errorf("first micro-step = %q, want fetch prefix", rec.Steps[0])
	}
}

func TestMicroOpsParallelNative(t *testing.T) {
	code := vm.NewFuncBuilder().
		I32Const(3).
		I32Const(4).
		Emit(vm.OpI32Mul).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	f := buildModule(t, code).Function(0)
	for pc := 0; pc < len(f.Code); {
		in, _ := vm.Decode(f.Code, pc)
		rec := mustLookup(t, tbl, 0, pc)
		if rec.Unmapped {
			t.Fatalf("offset %d unexpectedly unmapped", pc)
		}
		if len(rec.MicroOps) != len(rec.Native) {
			t.Errorf("offset %d: %d micro-op groups for %d native instructions",
				pc, len(rec.MicroOps), len(rec.Native))
		}
		for i, ops := range rec.MicroOps {
			if len(ops) == 0 {
				t.Errorf("offset %d: native %q decomposed to zero micro-ops",
					pc, rec.Native[i])
			}
		}
		pc += in.Size
	}
}

func TestI32AddLowering(t *testing.T) {
	code := vm.NewFuncBuilder().
		I32Const(1).
		I32Const(2).
		Emit(vm.OpI32Add).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	// The add follows two 5-byte const instructions.
	rec := mustLookup(t, tbl, 0, 10)
	want := []string{"pop rcx", "pop rax", "add eax, ecx", "push rax"}
	if len(rec.Native) != len(want) {
		t.Fatalf("native = %v, want %v", rec.Native, want)
	}
	for i, w := range want {
		if rec.Native[i].String() != w {
			t.Errorf("native[%d] = %q, want %q", i, rec.Native[i], w)
		}
	}
}

func TestDivisionDecomposesToMultipleMicroOps(t *testing.T) {
	code := vm.NewFuncBuilder().
		I32Const(6).
		I32Const(2).
		Emit(vm.OpI32DivS).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	rec := mustLookup(t, tbl, 0, 10)
	var found bool
	for i, ni := range rec.Native {
		if ni.Mnemonic == "idiv" {
			found = true
			if len(rec.MicroOps[i]) < 3 {
				t.Errorf("idiv decomposed to %d micro-ops, want at least 3", len(rec.MicroOps[i]))
			}
		}
	}
	if !found {
		t.Fatalf("no idiv in %v", rec.Native)
	}
}

func TestLoadUsesAddressGenerationUnit(t *testing.T) {
	b := vm.NewModuleBuilder("test")
	code := vm.NewFuncBuilder().
		I32Const(0).
		EmitU16(vm.OpI32Load, 4).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	b.AddFunction("main", nil, nil, nil, code)
	b.SetMemory(1, nil)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tbl := projectModule(t, m)

	rec := mustLookup(t, tbl, 0, 5)
	var sawAGU, sawLoad bool
	for _, ops := range rec.MicroOps {
		for _, u := range ops {
			if u.Resource == ResAGU {
				sawAGU = true
			}
			if u.Resource == ResLoad {
				sawLoad = true
			}
		}
	}
	if !sawAGU || !sawLoad {
		t.Errorf("load lowering missing AGU (%v) or load port (%v): %v",
			sawAGU, sawLoad, rec.MicroOps)
	}
}

func TestBranchTargetsResolveToLabels(t *testing.T) {
	code := vm.NewFuncBuilder().
		Block().
		I32Const(1).
		BrIf(0).
		End().
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	// br_if sits after block(1) + const(5).
	rec := mustLookup(t, tbl, 0, 6)
	var jump *Inst
	for i := range rec.Native {
		if rec.Native[i].Mnemonic == "jnz" {
			jump = &rec.Native[i]
		}
	}
	if jump == nil {
		t.Fatalf("no jnz in %v", rec.Native)
	}
	// Forward branch out of a block targets the end label.
	if want := ".L0008"; jump.Operands[0] != want {
		t.Errorf("jnz target = %q, want %q", jump.Operands[0], want)
	}
}

func TestLoopBranchTargetsLoopHead(t *testing.T) {
	code := vm.NewFuncBuilder().
		Loop().
		I32Const(0).
		BrIf(0).
		End().
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	rec := mustLookup(t, tbl, 0, 6)
	var jump *Inst
	for i := range rec.Native {
		if rec.Native[i].Mnemonic == "jnz" {
			jump = &rec.Native[i]
		}
	}
	if jump == nil {
		t.Fatalf("no jnz in %v", rec.Native)
	}
	if want := ".L0000"; jump.Operands[0] != want {
		t.Errorf("backward branch target = %q, want %q (loop head)", jump.Operands[0], want)
	}
}

func TestIfFalseEdgeTargetsElseArm(t *testing.T) {
	code := vm.NewFuncBuilder().
		I32Const(1).
		If().
		Emit(vm.OpNop).
		Else().
		Emit(vm.OpNop).
		End().
		Return().
		Bytes()
	m := buildModule(t, code)
	tbl := projectModule(t, m)

	target, ok := m.BlockTarget(0, 5)
	if !ok {
		t.Fatal("no block target for if")
	}
	rec := mustLookup(t, tbl, 0, 5)
	var jz *Inst
	for i := range rec.Native {
		if rec.Native[i].Mnemonic == "jz" {
			jz = &rec.Native[i]
		}
	}
	if jz == nil {
		t.Fatalf("no jz in %v", rec.Native)
	}
	want := labelFor(target.Else)
	if jz.Operands[0] != want {
		t.Errorf("jz target = %q, want %q", jz.Operands[0], want)
	}
}

func labelFor(offset int) string {
	return Context{BranchTarget: offset}.label()
}

func TestBlockBoundariesLowerToNothing(t *testing.T) {
	code := vm.NewFuncBuilder().
		Block().
		End().
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	for _, offset := range []int{0, 1} {
		rec := mustLookup(t, tbl, 0, offset)
		if len(rec.Native) != 0 {
			t.Errorf("offset %d (%v): %d native instructions, want 0",
				offset, rec.Instr.Op, len(rec.Native))
		}
		if rec.Unmapped {
			t.Errorf("offset %d: boundary marked unmapped", offset)
		}
	}
}

func TestConversionOpcodesAreUnmapped(t *testing.T) {
	code := vm.NewFuncBuilder().
		I64Const(1).
		Emit(vm.OpI32WrapI64).
		Emit(vm.OpDrop).
		Return().
		Bytes()
	tbl := projectModule(t, buildModule(t, code))

	rec := mustLookup(t, tbl, 0, 9)
	if !rec.Unmapped {
		t.Fatal("i32.wrap_i64 should have no native template")
	}
	if len(rec.Native) != 0 || len(rec.MicroOps) != 0 {
		t.Errorf("unmapped record carries lowered views: %v %v", rec.Native, rec.MicroOps)
	}
	if len(rec.Steps) == 0 {
		t.Error("unmapped record should still carry VM micro-steps")
	}
}

func TestProjectionIsValueIndependent(t *testing.T) {
	// Same shape, different constants: the branch lowering must be
	// identical because no runtime value influences projection.
	mk := func(c int32) *Table {
		code := vm.NewFuncBuilder().
			Block().
			I32Const(c).
			BrIf(0).
			End().
			Return().
			Bytes()
		return projectModule(t, buildModule(t, code))
	}
	a := mustLookup(t, mk(0), 0, 6)
	b := mustLookup(t, mk(1), 0, 6)
	if len(a.Native) != len(b.Native) {
		t.Fatalf("branch lowering differs by constant: %v vs %v", a.Native, b.Native)
	}
	for i := range a.Native {
		if a.Native[i].String() != b.Native[i].String() {
			t.Errorf("native[%d] differs: %q vs %q", i, a.Native[i], b.Native[i])
		}
	}
}

func TestCallLoweringNamesTarget(t *testing.T) {
	b := vm.NewModuleBuilder("test")
	callee := vm.NewFuncBuilder().Return().Bytes()
	b.AddFunction("helper", nil, nil, nil, callee)
	caller := vm.NewFuncBuilder().Call(0).Return().Bytes()
	b.AddFunction("main", nil, nil, nil, caller)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tbl := projectModule(t, m)

	rec := mustLookup(t, tbl, 1, 0)
	if len(rec.Native) != 1 || rec.Native[0].String() != "call helper" {
		t.Errorf("call lowering = %v, want [call helper]", rec.Native)
	}
}

func TestMicroOpStringFormat(t *testing.T) {
	u := MicroOp{Op: "load from stack", Resource: ResLoad, Stage: StageExecute}
	if got, want := u.String(), "load from stack [load/execute]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestInstStringFormat(t *testing.T) {
	cases := []struct {
		in   Inst
		want string
	}{
		{Inst{Mnemonic: "ret"}, "ret"},
		{Inst{Mnemonic: "pop", Operands: []string{"rax"}}, "pop rax"},
		{Inst{Mnemonic: "mov", Operands: []string{"eax", "dword [r15+rax+4]"}}, "mov eax, dword [r15+rax+4]"},
	}
	for _, c := range cases {
		if got := c.in.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
