package lower

import (
	"fmt"

	"github.com/chazu/lockstep/vm"
)

// ---------------------------------------------------------------------------
// Projection
// ---------------------------------------------------------------------------

// Record holds every lowered view of one bytecode instruction. MicroOps is
// parallel to Native: MicroOps[i] decomposes Native[i].
type Record struct {
	FuncIndex int
	Offset    int
	Instr     vm.Instr

	Steps    []MicroStep
	Native   []Inst
	MicroOps [][]MicroOp

	// Unmapped marks instructions with no registered native template. The
	// native and micro-op views are empty; stepping through them reports
	// the gap and moves on at bytecode granularity.
	Unmapped bool
}

type recordKey struct {
	fn, offset int
}

// Table is the full lowering of a module, indexed by function and byte
// offset. Built once at load time; lookups are O(1).
type Table struct {
	records map[recordKey]*Record
}

// Lookup returns the record for the instruction at (fn, offset).
func (t *Table) Lookup(fn, offset int) (*Record, bool) {
	r, ok := t.records[recordKey{fn, offset}]
	return r, ok
}

// openBlock tracks one entry of the static control stack during projection.
type openBlock struct {
	offset int
	target vm.BlockTarget
}

// Project lowers every instruction of every function through the template
// and micro-op tables. Branch targets come from the module's block index;
// the walk keeps its own control stack so each br depth resolves to a
// concrete label offset.
func Project(m *vm.Module, templates *TemplateTable, micro *MicroTable) (*Table, error) {
	tbl := &Table{records: make(map[recordKey]*Record)}
	for fn := range m.Functions {
		if err := projectFunction(m, fn, templates, micro, tbl); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func projectFunction(m *vm.Module, fn int, templates *TemplateTable, micro *MicroTable, tbl *Table) error {
	f := m.Function(fn)
	var ctrl []openBlock

	for pc := 0; pc < len(f.Code); {
		in, err := vm.Decode(f.Code, pc)
		if err != nil {
			return fmt.Errorf("function %d: %w", fn, err)
		}

		ctx := Context{
			Instr:     in,
			FuncIndex: fn,
			FuncName: func(idx int) string {
				if g := m.Function(idx); g != nil && g.Name != "" {
					return g.Name
				}
				return fmt.Sprintf("fn%d", idx)
			},
		}

		switch in.Op {
		case vm.OpBlock, vm.OpLoop, vm.OpIf:
			target, ok := m.BlockTarget(fn, pc)
			if !ok {
				return fmt.Errorf("function %d: no block index entry at offset %d", fn, pc)
			}
			ctrl = append(ctrl, openBlock{offset: pc, target: target})
			if in.Op == vm.OpIf {
				// The false edge jumps to the else arm when present,
				// otherwise past the whole construct.
				if target.Else >= 0 {
					ctx.BranchTarget = target.Else
				} else {
					ctx.BranchTarget = target.End
				}
				ctx.HasBranchTarget = true
			}

		case vm.OpElse:
			if len(ctrl) == 0 {
				return fmt.Errorf("function %d: else outside block at offset %d", fn, pc)
			}
			ctx.BranchTarget = ctrl[len(ctrl)-1].target.End
			ctx.HasBranchTarget = true

		case vm.OpEnd:
			if len(ctrl) > 0 {
				ctrl = ctrl[:len(ctrl)-1]
			}

		case vm.OpBr, vm.OpBrIf:
			depth := int(in.ImmU8())
			if depth >= len(ctrl) {
				return fmt.Errorf("function %d: branch depth %d exceeds nesting at offset %d", fn, depth, pc)
			}
			entry := ctrl[len(ctrl)-1-depth]
			if entry.target.Op == vm.OpLoop {
				ctx.BranchTarget = entry.offset
			} else {
				ctx.BranchTarget = entry.target.End
			}
			ctx.HasBranchTarget = true
		}

		rec := &Record{
			FuncIndex: fn,
			Offset:    pc,
			Instr:     in,
			Steps:     microStepsFor(in),
		}
		if tpl, ok := templates.Lookup(in.Op, shapeOf(in.Op)); ok {
			rec.Native = tpl(ctx)
			rec.MicroOps = make([][]MicroOp, len(rec.Native))
			for i, ni := range rec.Native {
				rec.MicroOps[i] = micro.Decompose(ni)
			}
		} else {
			rec.Unmapped = true
		}
		tbl.records[recordKey{fn, pc}] = rec

		pc += in.Size
	}
	return nil
}
