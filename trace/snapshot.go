package trace

import (
	"github.com/chazu/lockstep/lower"
	"github.com/chazu/lockstep/vm"
)

// Snapshot is a self-contained copy of a CombinedState. Memory is the only
// field copied per snapshot: every other State field is replaced rather
// than mutated by the interpreter, so sharing the slices is safe. The
// lowering record is shared by reference; it is reattached from the
// projection table on load, keyed by the state's function and pc.
type Snapshot struct {
	State        *vm.State `cbor:"1,keyasint"`
	NativeCursor int       `cbor:"2,keyasint"`
	MicroCursor  int       `cbor:"3,keyasint"`
}

func snapshotOf(cs CombinedState) *Snapshot {
	st := *cs.State
	mem := make([]byte, len(cs.State.Memory))
	copy(mem, cs.State.Memory)
	st.Memory = mem
	return &Snapshot{
		State:        &st,
		NativeCursor: cs.NativeCursor,
		MicroCursor:  cs.MicroCursor,
	}
}

// restore rebuilds a CombinedState from the snapshot, reattaching the
// lowering record for the snapshot's position.
func (s *Snapshot) restore(table *lower.Table) CombinedState {
	cs := CombinedState{
		State:        s.State,
		NativeCursor: s.NativeCursor,
		MicroCursor:  s.MicroCursor,
	}
	if rec, ok := table.Lookup(s.State.Func, s.State.PC); ok {
		cs.Record = rec
	}
	return cs
}
