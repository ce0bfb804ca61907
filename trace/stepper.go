package trace

import (
	"context"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/lockstep/lower"
	"github.com/chazu/lockstep/vm"
)

var log = commonlog.GetLogger("lockstep.trace")

// Status is the session-level execution status. It extends the machine
// status with an Unmapped marker: the pending instruction has no native
// lowering, so free-run pauses there while explicit bytecode steps may
// continue past it with empty lower-level columns.
type Status uint8

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusTrapped
	StatusUnmapped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusTrapped:
		return "trapped"
	case StatusUnmapped:
		return "unmapped"
	default:
		return "status?"
	}
}

// Options configures Load. Zero values select the built-in lowering tables,
// no debug lines, and an unbounded history.
type Options struct {
	Lines     LineTable
	Config    Config
	Templates *lower.TemplateTable
	MicroOps  *lower.MicroTable
}

// Session drives one traced execution: the current CombinedState, the
// lowering table built at load, and the snapshot history. Exactly one
// advance is in flight at a time; a concurrent call is a UsageError.
type Session struct {
	mod   *vm.Module
	table *lower.Table
	lines LineTable
	cfg   Config

	cur  CombinedState
	hist *History
	busy atomic.Bool
}

// Load projects the module through the lowering tables, builds the initial
// state for the entry function, and returns a session whose history holds
// exactly one snapshot.
func Load(m *vm.Module, entry int, opts Options) (*Session, error) {
	templates := opts.Templates
	if templates == nil {
		templates = lower.DefaultTemplates()
	}
	micro := opts.MicroOps
	if micro == nil {
		micro = lower.DefaultMicroOps()
	}

	table, err := lower.Project(m, templates, micro)
	if err != nil {
		return nil, err
	}
	st, err := vm.NewState(m, entry)
	if err != nil {
		return nil, err
	}

	s := &Session{
		mod:   m,
		table: table,
		lines: opts.Lines,
		cfg:   opts.Config,
	}
	s.cur = CombinedState{State: st}
	if rec, ok := table.Lookup(st.Func, st.PC); ok {
		s.cur.Record = rec
	}
	s.hist = NewHistory(snapshotOf(s.cur), opts.Config.MaxSnapshots())

	log.Infof("loaded module %q: %d functions, entry %d", m.Name, len(m.Functions), entry)
	return s, nil
}

// Current returns the CombinedState at the history cursor.
func (s *Session) Current() CombinedState { return s.cur }

// Module returns the loaded module.
func (s *Session) Module() *vm.Module { return s.mod }

// Table returns the lowering table built at load.
func (s *Session) Table() *lower.Table { return s.table }

// History returns the snapshot history.
func (s *Session) History() *History { return s.hist }

// Lines returns the debug-line table, or nil.
func (s *Session) Lines() LineTable { return s.lines }

// Config returns the configuration the session was loaded with.
func (s *Session) Config() Config { return s.cfg }

// Status reports the session-level status of the current state.
func (s *Session) Status() Status {
	switch s.cur.State.Status {
	case vm.StatusCompleted:
		return StatusCompleted
	case vm.StatusTrapped:
		return StatusTrapped
	}
	if s.cur.Unmapped() {
		return StatusUnmapped
	}
	return StatusRunning
}

func (s *Session) acquire(op string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return usage(op, "another advance is in flight")
	}
	return nil
}

// Step advances one step at the requested granularity, records a snapshot,
// and returns the new CombinedState. Stepping a Completed or Trapped state
// is a UsageError; reverse stepping out of those states stays available.
func (s *Session) Step(g Granularity) (CombinedState, error) {
	if err := s.acquire("step"); err != nil {
		return s.cur, err
	}
	defer s.busy.Store(false)

	if err := s.advance(g); err != nil {
		return s.cur, err
	}
	s.hist.Record(snapshotOf(s.cur))
	return s.cur, nil
}

// advance dispatches one forward step. Completed and Trapped states are
// terminal for forward progress at every granularity; the check sits here
// so a native or micro-op request cannot crawl through a faulting
// instruction's record.
func (s *Session) advance(g Granularity) error {
	if s.cur.State.Status != vm.StatusRunning {
		return usage("step", "state is terminal (%s)", s.Status())
	}
	switch g {
	case GranBytecode:
		return s.advanceBytecode()
	case GranNative:
		return s.advanceNative()
	case GranMicroOp:
		return s.advanceMicroOp()
	default:
		return usage("step", "unknown granularity %d", g)
	}
}

// advanceBytecode performs one authoritative interpreter transition and
// resets the lower-level cursors onto the new instruction's record.
func (s *Session) advanceBytecode() error {
	if s.cur.State.Status != vm.StatusRunning {
		return usage("step", "state is terminal (%s)", s.Status())
	}
	ns, err := vm.Step(s.mod, s.cur.State)
	if err != nil {
		return err
	}
	next := CombinedState{State: ns}
	if rec, ok := s.table.Lookup(ns.Func, ns.PC); ok {
		next.Record = rec
	}
	s.cur = next
	if ns.Status == vm.StatusTrapped {
		log.Warningf("trap: %s at fn=%d pc=%d", ns.Trap, ns.Func, ns.PC)
	}
	return nil
}

// advanceNative moves the native cursor one instruction forward. An
// exhausted (or empty) sequence cascades to a bytecode step; the bytecode
// view stays frozen until then.
func (s *Session) advanceNative() error {
	if n := s.cur.NativeLen(); s.cur.NativeCursor < n-1 {
		s.cur.NativeCursor++
		s.cur.MicroCursor = 0
		return nil
	}
	return s.advanceBytecode()
}

// advanceMicroOp moves the micro-op cursor one forward within the current
// native instruction; exhaustion cascades to a native advance, which may
// cascade further.
func (s *Session) advanceMicroOp() error {
	if ops := s.cur.CurrentMicroOps(); s.cur.MicroCursor < len(ops)-1 {
		s.cur.MicroCursor++
		return nil
	}
	return s.advanceNative()
}

// FreeRun performs bytecode steps until a breakpoint fires, a terminal
// state is reached, the pending instruction is unmapped, or ctx is
// cancelled. Cancellation is observed between steps, never mid-step. The
// returned indices are the history positions of the intermediate
// snapshots.
func (s *Session) FreeRun(ctx context.Context, breakpoints []Breakpoint) (CombinedState, []int, error) {
	if err := s.acquire("free-run"); err != nil {
		return s.cur, nil, err
	}
	defer s.busy.Store(false)

	var indices []int
	for {
		select {
		case <-ctx.Done():
			return s.cur, indices, ctx.Err()
		default:
		}
		if s.cur.State.Status != vm.StatusRunning || s.cur.Unmapped() {
			break
		}
		if err := s.advanceBytecode(); err != nil {
			return s.cur, indices, err
		}
		s.hist.Record(snapshotOf(s.cur))
		indices = append(indices, s.hist.Cursor())

		if fired(breakpoints, s.cur) {
			break
		}
	}
	log.Debugf("free-run halted: %s after %d steps", s.Status(), len(indices))
	return s.cur, indices, nil
}

// StepBack moves the history cursor one snapshot earlier and recomputes
// the displayed state from it. No inverse execution happens. At the
// earliest snapshot it is a reported, non-fatal UsageError.
func (s *Session) StepBack() (CombinedState, error) {
	if err := s.acquire("step-back"); err != nil {
		return s.cur, err
	}
	defer s.busy.Store(false)

	snap, moved := s.hist.Back()
	if !moved {
		return s.cur, usage("step-back", "already at the earliest snapshot")
	}
	s.cur = snap.restore(s.table)
	return s.cur, nil
}

// StepForward moves the history cursor one snapshot later, re-entering
// recorded future without re-execution. At the latest snapshot it is a
// reported, non-fatal UsageError.
func (s *Session) StepForward() (CombinedState, error) {
	if err := s.acquire("step-forward"); err != nil {
		return s.cur, err
	}
	defer s.busy.Store(false)

	snap, moved := s.hist.Forward()
	if !moved {
		return s.cur, usage("step-forward", "already at the latest snapshot")
	}
	s.cur = snap.restore(s.table)
	return s.cur, nil
}
