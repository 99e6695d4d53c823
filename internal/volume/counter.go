package volume

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// counterFileSize is the fixed width of the seqno file: one little-endian
// uint64 holding the last allocated seqno.
const counterFileSize = 8

// Counter allocates the volume-wide seqno and tracks which seqnos are
// still being written.
type Counter struct {
	sync.Mutex
	path     string
	last     uint64
	inflight map[uint64]struct{}
}

// OpenCounter loads the counter stored at path, starting from 0 when the
// file does not exist yet.
func OpenCounter(path string) (*Counter, error) {
	c := &Counter{path: path, inflight: make(map[uint64]struct{})}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read seqno file: %w", err)
	case len(data) != counterFileSize:
		return nil, fmt.Errorf("seqno file %s: expected %d bytes, got %d", path, counterFileSize, len(data))
	default:
		c.last = binary.LittleEndian.Uint64(data)
	}
	return c, nil
}

// Next allocates a seqno and persists it before returning. The caller must
// call Done once everything written under the seqno is visible to diffs.
func (c *Counter) Next() (uint64, error) {
	c.Lock()
	defer c.Unlock()

	next := c.last + 1
	if err := c.writeLocked(next); err != nil {
		return 0, err
	}
	c.last = next
	c.inflight[next] = struct{}{}
	return next, nil
}

// Done marks a seqno as fully written.
func (c *Counter) Done(seqno uint64) {
	c.Lock()
	defer c.Unlock()
	delete(c.inflight, seqno)
}

// Committed returns the highest seqno with no lower seqno still in flight.
func (c *Counter) Committed() uint64 {
	c.Lock()
	defer c.Unlock()

	committed := c.last
	for seqno := range c.inflight {
		committed = min(committed, seqno-1)
	}
	return committed
}

// Last returns the last allocated seqno.
func (c *Counter) Last() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.last
}

// Raise moves the counter up to at least n, e.g. after a rebuild found
// seqnos above the stored value.
func (c *Counter) Raise(n uint64) error {
	c.Lock()
	defer c.Unlock()

	if n <= c.last {
		return nil
	}
	if err := c.writeLocked(n); err != nil {
		return err
	}
	c.last = n
	return nil
}

func (c *Counter) writeLocked(value uint64) error {
	var buf [counterFileSize]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}
	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create seqno file: %w", err)
	}
	if _, err := f.Write(buf[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write seqno file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync seqno file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close seqno file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to rename seqno file: %w", err)
	}
	return nil
}
