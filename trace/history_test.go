package trace

import (
	"testing"

	"github.com/chazu/lockstep/vm"
)

func snap(pc int) *Snapshot {
	return &Snapshot{State: &vm.State{PC: pc}}
}

func TestHistoryRecordAdvancesCursor(t *testing.T) {
	h := NewHistory(snap(0), 0)
	h.Record(snap(1))
	h.Record(snap(2))

	if h.Len() != 3 || h.Cursor() != 2 {
		t.Errorf("len/cursor = %d/%d, want 3/2", h.Len(), h.Cursor())
	}
	if h.Current().State.PC != 2 {
		t.Errorf("current pc = %d, want 2", h.Current().State.PC)
	}
}

func TestHistoryBoundaryMovesAreNoOps(t *testing.T) {
	h := NewHistory(snap(0), 0)

	if _, moved := h.Back(); moved {
		t.Error("Back at the earliest snapshot reported movement")
	}
	if _, moved := h.Forward(); moved {
		t.Error("Forward at the latest snapshot reported movement")
	}
	if h.Cursor() != 0 || h.Len() != 1 {
		t.Error("boundary no-ops changed the history")
	}
}

func TestHistoryDivergenceTruncation(t *testing.T) {
	h := NewHistory(snap(0), 0)
	for pc := 1; pc <= 4; pc++ {
		h.Record(snap(pc))
	}
	h.Back()
	h.Back() // cursor 2, length 5

	h.Record(snap(99))
	if h.Len() != 4 {
		t.Errorf("length after divergence = %d, want 4", h.Len())
	}
	if h.Current().State.PC != 99 {
		t.Errorf("tip pc = %d, want 99", h.Current().State.PC)
	}
	// The discarded future must not be reachable by forward moves.
	if _, moved := h.Forward(); moved {
		t.Error("diverged future still reachable")
	}
}

func TestHistoryEvictionDropsOldestOnly(t *testing.T) {
	h := NewHistory(snap(0), 3)
	for pc := 1; pc <= 5; pc++ {
		h.Record(snap(pc))
	}
	if h.Len() != 3 {
		t.Fatalf("length = %d, want 3", h.Len())
	}
	first, _ := h.At(0)
	if first.State.PC != 3 {
		t.Errorf("oldest retained pc = %d, want 3", first.State.PC)
	}
	if h.Current().State.PC != 5 {
		t.Errorf("tip pc = %d, want 5", h.Current().State.PC)
	}
}

func TestHistoryEvictionNeverPassesCursor(t *testing.T) {
	// With a limit of one, every append evicts everything before the
	// cursor but must leave the cursor snapshot itself intact.
	h := NewHistory(snap(0), 1)
	for pc := 1; pc <= 3; pc++ {
		h.Record(snap(pc))
		if h.Len() != 1 || h.Cursor() != 0 {
			t.Fatalf("pc %d: len/cursor = %d/%d, want 1/0", pc, h.Len(), h.Cursor())
		}
		if h.Current().State.PC != pc {
			t.Fatalf("pc %d: cursor snapshot evicted, current pc = %d", pc, h.Current().State.PC)
		}
	}
}
