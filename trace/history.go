package trace

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// History is an ordered snapshot sequence with a movable cursor. Forward
// progress appends at the cursor tip; a backward cursor move relocates
// without truncating; new forward progress after a backward move discards
// the diverged future before appending. Retention is bounded: once the
// limit is exceeded the oldest snapshots are evicted, but never a snapshot
// at or after the cursor.
type History struct {
	snaps  []*Snapshot
	cursor int
	max    int // 0 means unbounded
}

// NewHistory creates a history holding the initial snapshot, cursor on it.
func NewHistory(initial *Snapshot, max int) *History {
	return &History{snaps: []*Snapshot{initial}, cursor: 0, max: max}
}

// Len returns the number of retained snapshots.
func (h *History) Len() int { return len(h.snaps) }

// Cursor returns the current cursor index.
func (h *History) Cursor() int { return h.cursor }

// Current returns the snapshot at the cursor.
func (h *History) Current() *Snapshot { return h.snaps[h.cursor] }

// At returns the snapshot at index i.
func (h *History) At(i int) (*Snapshot, bool) {
	if i < 0 || i >= len(h.snaps) {
		return nil, false
	}
	return h.snaps[i], true
}

// Record truncates any snapshots beyond the cursor, appends snap, and
// moves the cursor onto it. Eviction then drops oldest-first until the
// retention limit holds, never touching the cursor snapshot or anything
// after it.
func (h *History) Record(snap *Snapshot) {
	h.snaps = append(h.snaps[:h.cursor+1], snap)
	h.cursor = len(h.snaps) - 1
	for h.max > 0 && len(h.snaps) > h.max && h.cursor > 0 {
		h.snaps = h.snaps[1:]
		h.cursor--
	}
}

// Back moves the cursor one snapshot earlier. At the earliest snapshot it
// is a reported no-op.
func (h *History) Back() (*Snapshot, bool) {
	if h.cursor == 0 {
		return h.snaps[h.cursor], false
	}
	h.cursor--
	return h.snaps[h.cursor], true
}

// Forward moves the cursor one snapshot later, re-entering recorded
// future. At the latest snapshot it is a reported no-op.
func (h *History) Forward() (*Snapshot, bool) {
	if h.cursor == len(h.snaps)-1 {
		return h.snaps[h.cursor], false
	}
	h.cursor++
	return h.snaps[h.cursor], true
}

// Snapshots returns the retained snapshots oldest first. The slice is a
// copy; the snapshots are shared.
func (h *History) Snapshots() []*Snapshot {
	out := make([]*Snapshot, len(h.snaps))
	copy(out, h.snaps)
	return out
}
