package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// MountOp represents what happened to a mount point.
type MountOp int

const (
	// OpMounted indicates a directory appeared under a mount root.
	OpMounted MountOp = iota
	// OpUnmounted indicates the directory went away.
	OpUnmounted
)

// String returns a human-readable representation of the operation.
func (op MountOp) String() string {
	switch op {
	case OpMounted:
		return "mounted"
	case OpUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// MountEvent reports a mount point appearing or disappearing.
type MountEvent struct {
	// Path is the mount point, a direct child of a watched root.
	Path string
	Op   MountOp
}

// MountWatcher watches mount roots such as /media/<user> for removable
// media coming and going. Directories already present when watching starts
// are reported as mounted.
type MountWatcher struct {
	watcher *fsnotify.Watcher
	events  chan MountEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	roots   map[string]bool
}

// NewMountWatcher creates a watcher. Nothing is watched until Start.
func NewMountWatcher() (*MountWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &MountWatcher{
		watcher: watcher,
		events:  make(chan MountEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		roots:   make(map[string]bool),
	}, nil
}

// Start watches the given roots. Roots that do not exist are skipped; it
// fails only when none can be watched.
func (mw *MountWatcher) Start(roots ...string) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.running {
		return fmt.Errorf("watcher already running")
	}

	var existing []MountEvent
	var lastErr error
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			lastErr = err
			continue
		}
		if err := mw.watcher.Add(abs); err != nil {
			lastErr = fmt.Errorf("failed to watch %s: %w", abs, err)
			continue
		}
		mw.roots[abs] = true

		entries, err := os.ReadDir(abs)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				existing = append(existing, MountEvent{Path: filepath.Join(abs, e.Name()), Op: OpMounted})
			}
		}
	}
	if len(mw.roots) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no mount roots given")
		}
		return lastErr
	}

	mw.running = true
	mw.wg.Add(1)
	go mw.processEvents(existing)
	return nil
}

// Stop stops watching and closes the event channels.
func (mw *MountWatcher) Stop() error {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return mw.watcher.Close()
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.done)
	if err := mw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	mw.wg.Wait()

	close(mw.events)
	close(mw.errors)
	return nil
}

// Events returns the channel of mount events, closed by Stop.
func (mw *MountWatcher) Events() <-chan MountEvent {
	return mw.events
}

// Errors returns the channel of watch errors, closed by Stop.
func (mw *MountWatcher) Errors() <-chan error {
	return mw.errors
}

// IsRunning returns true if the watcher is currently running.
func (mw *MountWatcher) IsRunning() bool {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.running
}

func (mw *MountWatcher) emit(e MountEvent) bool {
	select {
	case mw.events <- e:
		return true
	case <-mw.done:
		return false
	}
}

func (mw *MountWatcher) processEvents(existing []MountEvent) {
	defer mw.wg.Done()

	for _, e := range existing {
		if !mw.emit(e) {
			return
		}
	}

	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if e, ok := mw.convertEvent(event); ok {
				if !mw.emit(e) {
					return
				}
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case mw.errors <- err:
			case <-mw.done:
				return
			}
		}
	}
}

// convertEvent keeps directory changes directly under a watched root.
func (mw *MountWatcher) convertEvent(event fsnotify.Event) (MountEvent, bool) {
	if !mw.roots[filepath.Dir(event.Name)] {
		return MountEvent{}, false
	}
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return MountEvent{}, false
		}
		return MountEvent{Path: event.Name, Op: OpMounted}, true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return MountEvent{Path: event.Name, Op: OpUnmounted}, true
	default:
		return MountEvent{}, false
	}
}
