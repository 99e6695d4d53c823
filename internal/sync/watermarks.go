package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"

	"github.com/sugar-network/node/internal/sequence"
)

// Broadcast is the watermark key for packets left on media for any node.
const Broadcast = "_all"

// Marks are the watermarks kept for one peer.
type Marks struct {
	// Pushed holds local seqnos the peer has committed.
	Pushed sequence.Sequence
	// Pulled holds the peer's seqnos committed locally.
	Pulled sequence.Sequence
}

// Watermarks persists Marks per peer under <root>/<peer>/{pushed,pulled}.
type Watermarks struct {
	root string
	mu   gosync.Mutex
}

// OpenWatermarks returns the store rooted at root. Nothing is read until a
// peer is asked for.
func OpenWatermarks(root string) *Watermarks {
	return &Watermarks{root: root}
}

// Root returns the store directory.
func (w *Watermarks) Root() string {
	return w.root
}

func validPeer(peer string) error {
	if peer == "" || peer == "." || peer == ".." || strings.ContainsAny(peer, `/\`) {
		return fmt.Errorf("invalid peer id %q", peer)
	}
	return nil
}

// Load returns the marks of peer; an unknown peer has empty marks.
func (w *Watermarks) Load(peer string) (Marks, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadLocked(peer)
}

func (w *Watermarks) loadLocked(peer string) (Marks, error) {
	if err := validPeer(peer); err != nil {
		return Marks{}, err
	}
	var m Marks
	for name, dst := range map[string]*sequence.Sequence{"pushed": &m.Pushed, "pulled": &m.Pulled} {
		data, err := os.ReadFile(filepath.Join(w.root, peer, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Marks{}, fmt.Errorf("failed to read %s watermark of %s: %w", name, peer, err)
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return Marks{}, fmt.Errorf("failed to parse %s watermark of %s: %w", name, peer, err)
		}
	}
	return m, nil
}

// Update applies fn to the marks of peer and persists the result before
// returning. Marks are left untouched when fn fails.
func (w *Watermarks) Update(peer string, fn func(m *Marks) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, err := w.loadLocked(peer)
	if err != nil {
		return err
	}
	before := Marks{Pushed: m.Pushed.Clone(), Pulled: m.Pulled.Clone()}
	if err := fn(&m); err != nil {
		return err
	}

	dir := filepath.Join(w.root, peer)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create watermark directory: %w", err)
	}
	if !m.Pushed.Equal(before.Pushed) {
		if err := writeDurable(filepath.Join(dir, "pushed"), m.Pushed); err != nil {
			return err
		}
	}
	if !m.Pulled.Equal(before.Pulled) {
		if err := writeDurable(filepath.Join(dir, "pulled"), m.Pulled); err != nil {
			return err
		}
	}
	return nil
}

// Peers lists the peers with stored marks.
func (w *Watermarks) Peers() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	var peers []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			peers = append(peers, e.Name())
		}
	}
	sort.Strings(peers)
	return peers, nil
}

// writeDurable replaces path with seq so that either the old or the new
// value survives a crash.
func writeDurable(path string, seq sequence.Sequence) error {
	data, err := json.Marshal(seq)
	if err != nil {
		return fmt.Errorf("failed to encode watermark: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create watermark file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync watermark: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close watermark: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename watermark: %w", err)
	}
	// the rename itself must survive a crash
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("failed to open watermark directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync watermark directory: %w", err)
	}
	return nil
}
