package volume

import (
	"context"
	"io"
	"os"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/sequence"
)

// DiffOptions narrows a volume diff.
type DiffOptions struct {
	// Exclude is removed from the requested window.
	Exclude sequence.Sequence
	// Limit caps the number of document and blob records; 0 means no cap.
	Limit int
	// BlobPrefix restricts blobs to one namespace subtree, e.g. "files/packages".
	BlobPrefix string
	// NoBlobs leaves the blob store out.
	NoBlobs bool
}

// DiffIterator merges the diffs of every directory and the blob store in
// seqno order. It yields a resource marker whenever the resource of the
// next document record differs from the previous one, and finishes with a
// commit record holding the part of the window that was fully emitted.
type DiffIterator struct {
	ctx    context.Context
	window sequence.Sequence
	names  []string
	iters  []*directory.DiffIterator
	blobs  []*blobs.Blob
	limit  int

	count    int
	current  string
	queue    []Record
	finished bool
}

// Diff starts a lazy diff over (in - Exclude) clipped to the committed
// seqno, so nothing still being written can be skipped.
func (v *Volume) Diff(ctx context.Context, in sequence.Sequence, opts DiffOptions) (*DiffIterator, error) {
	if !opts.NoBlobs {
		// deposits get seqnos before the window is fixed
		if _, err := v.blobs.Scan(ctx, opts.BlobPrefix); err != nil {
			return nil, err
		}
	}

	window := in.Clone()
	window.Subtract(opts.Exclude)
	window.Clip(v.counter.Committed())

	it := &DiffIterator{
		ctx:    ctx,
		window: window,
		limit:  opts.Limit,
	}
	for _, name := range v.names {
		dit, err := v.dirs[name].Diff(ctx, window, 0)
		if err != nil {
			return nil, err
		}
		it.names = append(it.names, name)
		it.iters = append(it.iters, dit)
	}
	if !opts.NoBlobs && !window.Empty() {
		list, err := v.blobs.Diff(ctx, window, opts.BlobPrefix)
		if err != nil {
			return nil, err
		}
		it.blobs = list
	}
	return it, nil
}

// Window returns the effective window of the diff.
func (it *DiffIterator) Window() sequence.Sequence {
	return it.window.Clone()
}

// pick finds the source holding the lowest pending seqno: an index into
// iters, or -1 for the blob list. ok is false when everything is emitted.
func (it *DiffIterator) pick() (src int, seqno uint64, ok bool, err error) {
	src = -1
	if len(it.blobs) > 0 {
		seqno, ok = it.blobs[0].Meta.Seqno, true
	}
	for i, dit := range it.iters {
		k, pending, err := dit.Pending()
		if err != nil {
			return 0, 0, false, err
		}
		if pending && (!ok || k < seqno) {
			src, seqno, ok = i, k, true
		}
	}
	return src, seqno, ok, nil
}

// Next returns the next record. ok is false after the commit record.
func (it *DiffIterator) Next() (rec Record, ok bool, err error) {
	for {
		if len(it.queue) > 0 {
			rec = it.queue[0]
			it.queue = it.queue[1:]
			return rec, true, nil
		}
		if it.finished {
			return Record{}, false, nil
		}
		if err := it.ctx.Err(); err != nil {
			return Record{}, false, err
		}

		if it.limit > 0 && it.count >= it.limit {
			if err := it.finish(); err != nil {
				return Record{}, false, err
			}
			continue
		}

		src, _, pending, err := it.pick()
		if err != nil {
			return Record{}, false, err
		}
		if !pending {
			if err := it.finish(); err != nil {
				return Record{}, false, err
			}
			continue
		}

		if src < 0 {
			b := it.blobs[0]
			it.blobs = it.blobs[1:]
			it.queue = append(it.queue, blobRecord(b))
			it.count++
			continue
		}

		diff, err := it.iters[src].Step()
		if err != nil {
			return Record{}, false, err
		}
		if len(diff.Patch) == 0 {
			continue
		}
		if it.names[src] != it.current {
			it.current = it.names[src]
			it.queue = append(it.queue, Record{Resource: it.current})
		}
		it.queue = append(it.queue, Record{GUID: diff.GUID, Patch: diff.Patch, Seqno: diff.Seqno})
		it.count++
	}
}

func (it *DiffIterator) finish() error {
	covered, err := it.Covered()
	if err != nil {
		return err
	}
	if !covered.Empty() {
		it.queue = append(it.queue, Record{Commit: covered})
	}
	it.finished = true
	return nil
}

// Covered returns the part of the window whose records have all been
// returned.
func (it *DiffIterator) Covered() (sequence.Sequence, error) {
	_, next, pending, err := it.pick()
	if err != nil {
		return sequence.Sequence{}, err
	}
	if !pending {
		return it.window.Clone(), nil
	}
	return it.CoveredBefore(next), nil
}

// CoveredBefore returns the window below seqno. A consumer that could not
// deliver the record with that seqno commits this instead.
func (it *DiffIterator) CoveredBefore(seqno uint64) sequence.Sequence {
	return directory.CoveredBefore(it.window, seqno)
}

func blobRecord(b *blobs.Blob) Record {
	rec := &BlobRecord{Path: b.Path, Meta: b.Meta}
	if b.Meta.Status == blobs.StatusOK {
		rec.Content = &lazyFile{path: b.FilePath()}
	}
	return Record{Seqno: b.Meta.Seqno, Blob: rec}
}

// lazyFile opens its file on first read and closes it at EOF, so blobs
// that are never written out hold no descriptor.
type lazyFile struct {
	path string
	f    *os.File
	eof  bool
}

func (l *lazyFile) Read(p []byte) (int, error) {
	if l.eof {
		return 0, io.EOF
	}
	if l.f == nil {
		f, err := os.Open(l.path)
		if err != nil {
			return 0, err
		}
		l.f = f
	}
	n, err := l.f.Read(p)
	if err == io.EOF {
		l.eof = true
		_ = l.f.Close()
		l.f = nil
	}
	return n, err
}

func (l *lazyFile) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
