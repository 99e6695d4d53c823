package packet

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/sequence"
	"github.com/sugar-network/node/internal/volume"
)

const (
	blockSize = 512
	// trailerSize is the two zero blocks closing a tar archive.
	trailerSize = 2 * blockSize
	// commitReserve is kept back from ordinary entries so the trailing
	// commit record always fits.
	commitReserve = 4096
)

// Options bound a packet.
type Options struct {
	// Limit is the maximum packet size in bytes; 0 means unlimited.
	Limit int64
	// Reserve is kept free on the target filesystem.
	Reserve int64
	// ChunkSize is how many bytes of records are grouped into one entry.
	ChunkSize int
	// FreeSpace reports the bytes available for the packet. Create probes
	// the target directory when it is nil.
	FreeSpace func() (uint64, error)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Reserve:   1 << 20,
		ChunkSize: 64 << 10,
	}
}

// Writer builds a packet entry by entry, refusing any entry that would
// take it over budget.
type Writer struct {
	tw     *tar.Writer
	cw     *countingWriter
	opts   Options
	header Header

	buf     bytes.Buffer // pending JSON records
	chunks  int
	records int
	blobs   int
	closed  bool

	// set by Create
	file *os.File
	path string
	tmp  string
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func entryCost(n int64) int64 {
	return blockSize + (n+blockSize-1)/blockSize*blockSize
}

// NewWriter starts a packet on w and writes its header. A zero Created or
// API is filled in.
func NewWriter(w io.Writer, header Header, opts *Options) (*Writer, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultOptions().ChunkSize
	}
	if header.API == "" {
		header.API = APIVersion
	}
	if header.Created.IsZero() {
		header.Created = time.Now().UTC()
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	cw := &countingWriter{w: w}
	pw := &Writer{tw: tar.NewWriter(cw), cw: cw, opts: o, header: header}

	data, err := yaml.Marshal(&header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	if err := pw.check(entryCost(int64(len(data))), false); err != nil {
		return nil, err
	}
	if err := pw.writeEntry("header", data); err != nil {
		return nil, err
	}
	return pw, nil
}

// Create writes a packet to a temporary file next to path. Close renames
// it into place; Discard removes it.
func Create(path string, header Header, opts *Options) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create packet directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".packet-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create packet file: %w", err)
	}

	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.FreeSpace == nil {
		if _, err := FreeSpace(dir); err == nil {
			o.FreeSpace = func() (uint64, error) { return FreeSpace(dir) }
		}
	}

	w, err := NewWriter(f, header, &o)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}
	w.file = f
	w.path = path
	w.tmp = f.Name()
	return w, nil
}

// WriteFile creates a packet at path and hands it to fn. The packet is
// closed when fn returns nil or ErrCapacityExceeded and discarded on any
// other error or panic. fn's error is returned.
func WriteFile(path string, header Header, opts *Options, fn func(w *Writer) error) (err error) {
	w, err := Create(path, header, opts)
	if err != nil {
		return err
	}
	defer func() {
		if !w.closed {
			_ = w.Discard()
		}
	}()

	err = fn(w)
	if err != nil && !errors.Is(err, ErrCapacityExceeded) {
		return err
	}
	if cerr := w.Close(); cerr != nil {
		return cerr
	}
	return err
}

// Header returns the header written to the packet.
func (w *Writer) Header() Header {
	return w.header
}

// Size returns the bytes written so far, pending records excluded.
func (w *Writer) Size() int64 {
	return w.cw.n
}

// Records returns the number of JSON records accepted so far.
func (w *Writer) Records() int {
	return w.records
}

// Blobs returns the number of blobs written.
func (w *Writer) Blobs() int {
	return w.blobs
}

// Empty reports whether nothing but the header was accepted.
func (w *Writer) Empty() bool {
	return w.records == 0 && w.blobs == 0
}

// recordsCost is the size of the pending records flushed as one pair of
// entries.
func recordsCost(n int) int64 {
	if n == 0 {
		return 0
	}
	meta, _ := yaml.Marshal(&entryMeta{Type: entryRecords})
	return entryCost(int64(len(meta))) + entryCost(int64(n))
}

// check fails with ErrCapacityExceeded when adding extra bytes of entries
// (on top of what is written and pending) would break the budget. Only the
// commit may use the commit reserve.
func (w *Writer) check(extra int64, commit bool) error {
	reserve := int64(commitReserve)
	if commit {
		reserve = 0
	}
	total := w.cw.n + extra + trailerSize + reserve
	if w.opts.Limit > 0 && total > w.opts.Limit {
		return ErrCapacityExceeded
	}
	if w.opts.FreeSpace != nil {
		free, err := w.opts.FreeSpace()
		if err != nil {
			return fmt.Errorf("failed to probe free space: %w", err)
		}
		if int64(free)-w.opts.Reserve < total-w.cw.n {
			return ErrCapacityExceeded
		}
	}
	return nil
}

func (w *Writer) writeEntry(name string, data []byte) error {
	// whole-second mtimes keep entries in plain ustar, with no extended
	// headers skewing the budget
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: w.header.Created.Truncate(time.Second),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s entry: %w", name, err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s entry: %w", name, err)
	}
	// keep the byte count exact for budget checks
	return w.tw.Flush()
}

func (w *Writer) nextName() string {
	w.chunks++
	return fmt.Sprintf("%05d", w.chunks)
}

// WriteRecords appends JSON records as one unit: either all of them fit or
// none is written and ErrCapacityExceeded is returned.
func (w *Writer) WriteRecords(recs ...volume.Record) error {
	return w.writeRecords(recs, false)
}

// WriteCommit appends a commit record. It may use the space held back from
// other entries.
func (w *Writer) WriteCommit(commit sequence.Sequence) error {
	if commit.Empty() {
		return nil
	}
	return w.writeRecords([]volume.Record{{Commit: commit}}, true)
}

func (w *Writer) writeRecords(recs []volume.Record, commit bool) error {
	if w.closed {
		return fmt.Errorf("packet writer is closed")
	}
	var lines bytes.Buffer
	for _, rec := range recs {
		if rec.Blob != nil {
			return fmt.Errorf("blob records go through WriteBlob")
		}
		if rec.Kind() == volume.KindUnknown {
			return volume.ErrUnknownRecord
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		lines.Write(data)
		lines.WriteByte('\n')
	}

	if err := w.check(recordsCost(w.buf.Len()+lines.Len()), commit); err != nil {
		if w.buf.Len() > 0 && errors.Is(err, ErrCapacityExceeded) {
			if ferr := w.flush(); ferr != nil {
				return ferr
			}
		}
		return err
	}

	w.buf.Write(lines.Bytes())
	w.records += len(recs)
	if w.buf.Len() >= w.opts.ChunkSize {
		return w.flush()
	}
	return nil
}

// flush writes pending records as one entry pair.
func (w *Writer) flush() error {
	if w.buf.Len() == 0 {
		return nil
	}
	meta, err := yaml.Marshal(&entryMeta{Type: entryRecords})
	if err != nil {
		return fmt.Errorf("failed to encode entry meta: %w", err)
	}
	name := w.nextName()
	if err := w.writeEntry(name+".meta", meta); err != nil {
		return err
	}
	if err := w.writeEntry(name, w.buf.Bytes()); err != nil {
		return err
	}
	w.buf.Reset()
	return nil
}

// WriteBlob appends a blob record, streaming its content. Redirects and
// tombstones carry no content.
func (w *Writer) WriteBlob(rec volume.Record) error {
	if w.closed {
		return fmt.Errorf("packet writer is closed")
	}
	b := rec.Blob
	if b == nil || rec.Kind() != volume.KindBlob {
		return fmt.Errorf("not a blob record")
	}
	var size int64
	if b.Meta.Status == blobs.StatusOK {
		size = b.Meta.ContentLength
	}

	meta, err := yaml.Marshal(&entryMeta{
		Type:          entryBlob,
		Path:          b.Path,
		Digest:        b.Meta.Digest,
		ContentType:   b.Meta.ContentType,
		ContentLength: b.Meta.ContentLength,
		Seqno:         b.Meta.Seqno,
		Mtime:         b.Meta.Mtime,
		Status:        string(b.Meta.Status),
		Location:      b.Meta.Location,
		Headers:       b.Meta.Headers,
	})
	if err != nil {
		return fmt.Errorf("failed to encode blob meta: %w", err)
	}

	cost := recordsCost(w.buf.Len()) + entryCost(int64(len(meta))) + entryCost(size)
	if err := w.check(cost, false); err != nil {
		if w.buf.Len() > 0 && errors.Is(err, ErrCapacityExceeded) {
			if ferr := w.flush(); ferr != nil {
				return ferr
			}
		}
		return err
	}
	// records before the blob keep their place in the stream
	if err := w.flush(); err != nil {
		return err
	}

	name := w.nextName()
	if err := w.writeEntry(name+".meta", meta); err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    size,
		ModTime: w.header.Created.Truncate(time.Second),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write blob entry: %w", err)
	}
	if size > 0 {
		if b.Content == nil {
			return fmt.Errorf("blob %s has no content", b.Path)
		}
		n, err := io.CopyN(w.tw, b.Content, size)
		if err != nil {
			return fmt.Errorf("failed to copy blob %s (%d of %d bytes): %w", b.Path, n, size, err)
		}
	}
	if c, ok := b.Content.(io.Closer); ok {
		_ = c.Close()
	}
	if err := w.tw.Flush(); err != nil {
		return fmt.Errorf("failed to write blob entry: %w", err)
	}
	w.blobs++
	return nil
}

// Close flushes pending records and finishes the archive. A packet created
// with Create is synced and renamed into place.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.flush(); err != nil {
		_ = w.Discard()
		return err
	}
	if err := w.tw.Close(); err != nil {
		_ = w.Discard()
		return fmt.Errorf("failed to finish packet: %w", err)
	}
	w.closed = true

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmp)
		return fmt.Errorf("failed to sync packet: %w", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("failed to close packet: %w", err)
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("failed to rename packet: %w", err)
	}
	return nil
}

// Discard abandons the packet. A packet created with Create leaves no file
// behind.
func (w *Writer) Discard() error {
	w.closed = true
	w.buf.Reset()
	if w.file == nil {
		return nil
	}
	_ = w.file.Close()
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial packet: %w", err)
	}
	return nil
}

// Path returns the final location of a packet made by Create.
func (w *Writer) Path() string {
	return w.path
}
