package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sugar-network/node/internal/packet"
	"github.com/sugar-network/node/internal/sequence"
	"github.com/sugar-network/node/internal/volume"
)

// Config configures an Engine.
type Config struct {
	// NodeID identifies this node in packet headers.
	NodeID string

	// PacketLimit caps the size of online packets; 0 means unlimited.
	PacketLimit int64
	// Reserve is kept free on removable media.
	Reserve int64

	// Retry policy of SyncWithRetry. MaxAttempts <= 0 retries until the
	// context ends.
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int

	// Client performs online exchanges.
	Client *http.Client

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PacketLimit: 64 << 20,
		Reserve:     16 << 20,
		MinBackoff:  time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxAttempts: 8,
		Client:      &http.Client{Timeout: 10 * time.Minute},
		Logger:      log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Peer is a node reachable online.
type Peer struct {
	ID  string
	URL string
}

// Result summarizes a sync pass.
type Result struct {
	// Pushed counts packets sent or left on media.
	Pushed int
	// Pulled counts packets applied locally.
	Pulled int
	// Acked counts acknowledgements processed.
	Acked int
	// Pending is set when another exchange is needed to converge.
	Pending bool
}

func (r *Result) add(o *Result) {
	if o == nil {
		return
	}
	r.Pushed += o.Pushed
	r.Pulled += o.Pulled
	r.Acked += o.Acked
	r.Pending = r.Pending || o.Pending
}

// Engine runs push and pull exchanges against one volume.
type Engine struct {
	vol    *volume.Volume
	marks  *Watermarks
	config Config
	logger *log.Logger

	locksMu gosync.Mutex
	locks   map[string]*gosync.Mutex
}

// New creates an engine. NodeID is required; other zero fields take their
// defaults.
func New(vol *volume.Volume, marks *Watermarks, config *Config) (*Engine, error) {
	if vol == nil || marks == nil {
		return nil, fmt.Errorf("volume and watermarks are required")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	c := *config
	if c.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if err := validPeer(c.NodeID); err != nil {
		return nil, err
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = def.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.MinBackoff)
	}
	if c.Client == nil {
		c.Client = def.Client
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return &Engine{
		vol:    vol,
		marks:  marks,
		config: c,
		logger: c.Logger,
		locks:  make(map[string]*gosync.Mutex),
	}, nil
}

// NodeID returns the id this engine writes into packets.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// Watermarks returns the watermark store.
func (e *Engine) Watermarks() *Watermarks {
	return e.marks
}

// lock serializes exchanges with one peer.
func (e *Engine) lock(peer string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[peer]
	if !ok {
		mu = &gosync.Mutex{}
		e.locks[peer] = mu
	}
	e.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func newSession() string {
	return ulid.Make().String()
}

// pushStats describes one written push packet.
type pushStats struct {
	// sent counts document and blob records written.
	sent int
	// commit is the window part the packet fully covers.
	commit sequence.Sequence
	// pending is set when the window did not fit.
	pending bool
	// skipped holds seqnos of records too large for any packet.
	skipped sequence.Sequence
}

// diffOutside starts a volume diff of everything not in exclude.
func (e *Engine) diffOutside(ctx context.Context, exclude sequence.Sequence) (*volume.DiffIterator, error) {
	return e.vol.Diff(ctx, sequence.Full(), volume.DiffOptions{Exclude: exclude})
}

// fillPush streams the diff into w until it is exhausted or w is full. The
// commit record written last covers exactly what went into w. With skip, a
// record that does not fit even into an empty packet is left out of the
// packet and its commit so the records after it still flow; otherwise it
// fails with ErrCapacityExceeded.
func (e *Engine) fillPush(w *packet.Writer, it *volume.DiffIterator, skip bool) (pushStats, error) {
	var (
		stats   pushStats
		current string // resource in effect inside w
		pending string // resource in effect in the diff
	)

	// full handles a record refused by w. It reports whether filling goes on.
	full := func(seqno uint64) (bool, error) {
		if stats.sent == 0 {
			if !skip {
				return false, fmt.Errorf("record %d does not fit in an empty packet: %w", seqno, packet.ErrCapacityExceeded)
			}
			e.logger.Printf("Warning: record %d exceeds the packet limit of %d bytes, skipping it", seqno, e.config.PacketLimit)
			stats.skipped.Include(seqno, seqno)
			return true, nil
		}
		covered := it.CoveredBefore(seqno)
		covered.Subtract(stats.skipped)
		stats.pending = true
		return false, e.writeCommit(w, covered, &stats)
	}

	for {
		rec, ok, err := it.Next()
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}

		switch rec.Kind() {
		case volume.KindResource:
			pending = rec.Resource

		case volume.KindDocument:
			recs := []volume.Record{rec}
			if pending != current {
				recs = []volume.Record{{Resource: pending}, rec}
			}
			if err := w.WriteRecords(recs...); err != nil {
				if !errors.Is(err, packet.ErrCapacityExceeded) {
					return stats, err
				}
				if more, err := full(rec.Seqno); !more || err != nil {
					return stats, err
				}
				continue
			}
			current = pending
			stats.sent++

		case volume.KindBlob:
			if err := w.WriteBlob(rec); err != nil {
				if !errors.Is(err, packet.ErrCapacityExceeded) {
					return stats, err
				}
				if c, ok := rec.Blob.Content.(io.Closer); ok {
					_ = c.Close()
				}
				if more, err := full(rec.Seqno); !more || err != nil {
					return stats, err
				}
				continue
			}
			stats.sent++

		case volume.KindCommit:
			commit := rec.Commit.Clone()
			commit.Subtract(stats.skipped)
			if err := e.writeCommit(w, commit, &stats); err != nil {
				return stats, err
			}
		}
	}
}

// writeCommit writes commit, dropping its upper ranges until the record
// fits. Whatever is dropped stays pending.
func (e *Engine) writeCommit(w *packet.Writer, commit sequence.Sequence, stats *pushStats) error {
	for !commit.Empty() {
		err := w.WriteCommit(commit)
		if err == nil {
			break
		}
		if !errors.Is(err, packet.ErrCapacityExceeded) {
			return err
		}
		ranges := commit.Ranges()
		commit = sequence.New(ranges[:len(ranges)/2]...)
		stats.pending = true
	}
	stats.commit = commit
	return nil
}

// checkReply verifies that a reply packet belongs to the exchange.
func (e *Engine) checkReply(h packet.Header, typ packet.Type, peer string) error {
	if h.Type != typ || h.Src != peer || h.Dst != e.config.NodeID {
		return fmt.Errorf("%w: got %s from %q to %q, want %s from %q", ErrMisaddressed, h.Type, h.Src, h.Dst, typ, peer)
	}
	return nil
}

// applyPush merges a push from peer and records the result in its marks.
func (e *Engine) applyPush(ctx context.Context, peer string, r volume.RecordReader) (*volume.PatchResult, error) {
	res, err := e.vol.Patch(ctx, r, true)
	if err != nil {
		return nil, err
	}
	err = e.marks.Update(peer, func(m *Marks) error {
		m.Pulled.Union(res.Committed)
		m.Pushed.Union(res.Merged)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Printf("Applied push from %s: documents=%d blobs=%d failed=%d committed=%s",
		peer, res.Documents, res.Blobs, res.Failed, res.Committed)
	return res, nil
}

// applyAck records that peer committed part of a push.
func (e *Engine) applyAck(peer string, h packet.Header) error {
	return e.marks.Update(peer, func(m *Marks) error {
		m.Pushed.Union(h.Ack)
		m.Pulled.Union(h.Merged)
		return nil
	})
}

// Handle answers a packet received by the live endpoint: a push is applied
// and acknowledged, a pull is answered with a push packet, an ack is
// recorded. It reports whether a reply packet was written to out.
func (e *Engine) Handle(ctx context.Context, body io.Reader, out io.Writer) (bool, error) {
	r, err := packet.NewReader(body)
	if err != nil {
		return false, err
	}
	return e.HandlePacket(ctx, r, out)
}

// HandlePacket is Handle for a packet whose header was already read.
func (e *Engine) HandlePacket(ctx context.Context, r *packet.Reader, out io.Writer) (bool, error) {
	h := r.Header()
	if h.Src == e.config.NodeID || !h.AddressedTo(e.config.NodeID) {
		return false, fmt.Errorf("%w: %s from %q to %q", ErrMisaddressed, h.Type, h.Src, h.Dst)
	}
	if err := validPeer(h.Src); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMisaddressed, err)
	}

	unlock := e.lock(h.Src)
	defer unlock()

	switch h.Type {
	case packet.TypePush:
		res, err := e.applyPush(ctx, h.Src, transportReader{r})
		if err != nil {
			return false, err
		}
		ack := packet.Header{
			Type:    packet.TypeAck,
			Src:     e.config.NodeID,
			Dst:     h.Src,
			Session: h.Session,
			Ack:     res.Committed,
			Merged:  res.Merged,
		}
		w, err := packet.NewWriter(out, ack, &packet.Options{})
		if err != nil {
			return false, err
		}
		return true, w.Close()

	case packet.TypePull:
		return e.answerPull(ctx, h, out)

	case packet.TypeAck:
		if err := e.applyAck(h.Src, h); err != nil {
			return false, err
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected %s packet", packet.ErrMalformedPacket, h.Type)
}

// answerPull writes the changes the requester lacks as one push packet.
func (e *Engine) answerPull(ctx context.Context, h packet.Header, out io.Writer) (bool, error) {
	marks, err := e.marks.Load(h.Src)
	if err != nil {
		return false, err
	}
	exclude := h.Sequence.Clone()
	exclude.Union(marks.Pushed)

	it, err := e.diffOutside(ctx, exclude)
	if err != nil {
		return false, err
	}
	if it.Window().Empty() {
		return false, nil
	}

	spool, err := e.spoolFile()
	if err != nil {
		return false, err
	}
	defer os.Remove(spool)

	reply := packet.Header{
		Type:     packet.TypePush,
		Src:      e.config.NodeID,
		Dst:      h.Src,
		Session:  h.Session,
		Sequence: it.Window(),
	}
	var stats pushStats
	err = packet.WriteFile(spool, reply, e.packetOptions(), func(w *packet.Writer) error {
		var err error
		stats, err = e.fillPush(w, it, true)
		return err
	})
	if err != nil {
		return false, err
	}
	if stats.sent == 0 {
		return false, nil
	}

	f, err := os.Open(spool)
	if err != nil {
		return false, fmt.Errorf("failed to open reply packet: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(out, f); err != nil {
		return true, transportError("failed to send reply: %v", err)
	}
	e.logger.Printf("Answered pull from %s: %d records, committed=%s", h.Src, stats.sent, stats.commit)
	return true, nil
}

func (e *Engine) packetOptions() *packet.Options {
	return &packet.Options{Limit: e.config.PacketLimit}
}

// spoolFile returns a fresh path for a packet built before sending.
func (e *Engine) spoolFile() (string, error) {
	dir := filepath.Join(e.marks.Root(), ".spool")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}
	return filepath.Join(dir, newSession()+packet.Suffix), nil
}

// transportReader marks stream failures while reading records as
// retryable.
type transportReader struct {
	r volume.RecordReader
}

func (t transportReader) Next() (volume.Record, error) {
	rec, err := t.r.Next()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, packet.ErrMalformedPacket) {
		return rec, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return rec, err
}
