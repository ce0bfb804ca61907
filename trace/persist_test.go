package trace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/lockstep/vm"
)

func TestSnapshotWireRoundTrip(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	mustStep(t, s, GranBytecode)
	mustStep(t, s, GranNative)
	orig := s.History().Current()

	data, err := MarshalSnapshot(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State.Func != orig.State.Func || got.State.PC != orig.State.PC {
		t.Errorf("position = (%d, %d), want (%d, %d)",
			got.State.Func, got.State.PC, orig.State.Func, orig.State.PC)
	}
	if got.NativeCursor != orig.NativeCursor || got.MicroCursor != orig.MicroCursor {
		t.Error("cursors lost in round trip")
	}
	if !reflect.DeepEqual(got.State.Locals, orig.State.Locals) {
		t.Error("locals lost in round trip")
	}
}

func TestSnapshotEncodingIsCanonical(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	mustStep(t, s, GranBytecode)

	a, err := MarshalSnapshot(s.History().Current())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := MarshalSnapshot(s.History().Current())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical snapshot produced different encodings")
	}
}

func TestTraceExportImportRoundTrip(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	if _, _, err := s.FreeRun(context.Background(), nil); err != nil {
		t.Fatalf("free run: %v", err)
	}

	var buf bytes.Buffer
	if err := ExportTrace(&buf, s, 0); err != nil {
		t.Fatalf("export: %v", err)
	}

	tf, err := ImportTrace(&buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if tf.Module != "add" || tf.Entry != 0 {
		t.Errorf("header = (%q, %d), want (add, 0)", tf.Module, tf.Entry)
	}
	if got, want := len(tf.Snapshots), s.History().Len(); got != want {
		t.Fatalf("imported %d snapshots, want %d", got, want)
	}

	// An imported snapshot restores against a fresh projection of the
	// same module.
	last := tf.Snapshots[len(tf.Snapshots)-1]
	cs := last.restore(s.Table())
	if cs.State.Status != vm.StatusCompleted {
		t.Errorf("final snapshot status = %v, want completed", cs.State.Status)
	}
}

func TestStoreSaveAndLoadSession(t *testing.T) {
	s := load(t, twoLocalAdd(t))
	if _, _, err := s.FreeRun(context.Background(), nil); err != nil {
		t.Fatalf("free run: %v", err)
	}

	store, err := OpenStore(filepath.Join(t.TempDir(), "lockstep.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	id, err := store.SaveSession(s, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rows, err := store.Sessions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id || rows[0].Module != "add" {
		t.Errorf("sessions = %+v, want one row for module add", rows)
	}

	snaps, err := store.LoadSnapshots(id)
	if err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if got, want := len(snaps), s.History().Len(); got != want {
		t.Fatalf("loaded %d snapshots, want %d", got, want)
	}
	orig := s.History().Snapshots()
	for i := range snaps {
		if snaps[i].State.PC != orig[i].State.PC {
			t.Errorf("snapshot %d: pc = %d, want %d", i, snaps[i].State.PC, orig[i].State.PC)
		}
	}
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("config = %+v, want defaults", cfg)
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	dir := t.TempDir()
	src := `
[history]
max-snapshots = 256

[store]
path = "traces.db"

[inspect]
memory-window = 128
`
	if err := os.WriteFile(filepath.Join(dir, "lockstep.toml"), []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.History.MaxSnapshots != 256 {
		t.Errorf("max snapshots = %d, want 256", cfg.History.MaxSnapshots)
	}
	if cfg.Store.Path != "traces.db" {
		t.Errorf("store path = %q, want traces.db", cfg.Store.Path)
	}
	if cfg.Inspect.MemoryWindow != 128 {
		t.Errorf("memory window = %d, want 128", cfg.Inspect.MemoryWindow)
	}
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lockstep.toml"), []byte("[history\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(dir); err == nil {
		t.Error("malformed toml accepted")
	}
}
