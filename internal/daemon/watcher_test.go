package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func nextEvent(t *testing.T, mw *MountWatcher) MountEvent {
	t.Helper()
	select {
	case e := <-mw.Events():
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for mount event")
		return MountEvent{}
	}
}

func TestMountWatcher_StartStop(t *testing.T) {
	mw, err := NewMountWatcher()
	if err != nil {
		t.Fatalf("NewMountWatcher() failed: %v", err)
	}
	if mw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}

	if err := mw.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !mw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := mw.Start(t.TempDir()); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := mw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if mw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

func TestMountWatcher_NoRoots(t *testing.T) {
	mw, err := NewMountWatcher()
	if err != nil {
		t.Fatalf("NewMountWatcher() failed: %v", err)
	}
	defer mw.Stop()

	if err := mw.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() with no existing root should fail")
	}
}

func TestMountWatcher_Events(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "already")
	if err := os.Mkdir(existing, 0755); err != nil {
		t.Fatal(err)
	}

	mw, err := NewMountWatcher()
	if err != nil {
		t.Fatalf("NewMountWatcher() failed: %v", err)
	}
	defer mw.Stop()
	if err := mw.Start(root, filepath.Join(root, "missing")); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if e := nextEvent(t, mw); e.Path != existing || e.Op != OpMounted {
		t.Errorf("got %s %s, want mounted %s", e.Op, e.Path, existing)
	}

	// files are not mount points
	if err := os.WriteFile(filepath.Join(root, "note.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	stick := filepath.Join(root, "stick")
	if err := os.Mkdir(stick, 0755); err != nil {
		t.Fatal(err)
	}
	if e := nextEvent(t, mw); e.Path != stick || e.Op != OpMounted {
		t.Errorf("got %s %s, want mounted %s", e.Op, e.Path, stick)
	}

	if err := os.Remove(stick); err != nil {
		t.Fatal(err)
	}
	for {
		e := nextEvent(t, mw)
		if e.Path == filepath.Join(root, "note.txt") {
			continue
		}
		if e.Path != stick || e.Op != OpUnmounted {
			t.Errorf("got %s %s, want unmounted %s", e.Op, e.Path, stick)
		}
		break
	}
}

func TestMountOpString(t *testing.T) {
	tests := []struct {
		op   MountOp
		want string
	}{
		{OpMounted, "mounted"},
		{OpUnmounted, "unmounted"},
		{MountOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("MountOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
