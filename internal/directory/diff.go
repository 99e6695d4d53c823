package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sugar-network/node/internal/index"
	"github.com/sugar-network/node/internal/schema"
	"github.com/sugar-network/node/internal/sequence"
)

// diffBatch is how many candidates are fetched from the index at once.
const diffBatch = 64

// PropDiff is one replicated property value.
type PropDiff struct {
	Value json.RawMessage `json:"value"`
	Mtime int64           `json:"mtime"`
}

// DocDiff holds the in-window properties of one document. Seqno is the
// lowest in-window seqno the document had when it was selected.
type DocDiff struct {
	GUID  string
	Seqno uint64
	Patch map[string]PropDiff
}

// DiffIterator walks the documents changed inside a window, ordered by
// each document's lowest in-window property seqno.
//
// Because every seqno belongs to exactly one mutation, once the iterator
// has handed out all documents below seqno B, every in-window seqno below B
// has been emitted. Covered relies on that.
type DiffIterator struct {
	dir    *Directory
	ctx    context.Context
	window sequence.Sequence
	limit  int

	buf     []index.Candidate
	cursor  uint64
	emitted map[string]bool
	count   int
	done    bool
}

// Diff starts a lazy diff over in. limit > 0 caps the number of documents
// Next returns; Covered still reports exactly what was handed out.
//
// The window must not reach seqnos allocated after the diff starts (the
// volume clips it to its committed seqno), otherwise a document changed
// again after being returned is not offered a second time.
func (d *Directory) Diff(ctx context.Context, in sequence.Sequence, limit int) (*DiffIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &DiffIterator{
		dir:     d,
		ctx:     ctx,
		window:  in.Clone(),
		limit:   limit,
		emitted: make(map[string]bool),
	}, nil
}

// fill loads the next batch of candidates above the cursor.
func (it *DiffIterator) fill() error {
	if len(it.buf) > 0 || it.done {
		return nil
	}
	for {
		rest := it.window.Clone()
		if it.cursor > 0 {
			rest.Exclude(1, it.cursor)
		}
		batch, err := it.dir.index.Candidates(it.ctx, it.dir.resource.Name, rest, diffBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			it.done = true
			return nil
		}
		for _, c := range batch {
			it.cursor = max(it.cursor, c.K)
			if !it.emitted[c.GUID] {
				it.buf = append(it.buf, c)
			}
		}
		if len(it.buf) > 0 {
			return nil
		}
	}
}

// Pending returns the seqno of the next document the iterator would
// return, ignoring the limit. ok is false when the window is exhausted.
func (it *DiffIterator) Pending() (seqno uint64, ok bool, err error) {
	if err := it.fill(); err != nil {
		return 0, false, err
	}
	if len(it.buf) == 0 {
		return 0, false, nil
	}
	return it.buf[0].K, true, nil
}

// Next returns the next document diff. ok is false when the window is
// exhausted or the limit was reached.
func (it *DiffIterator) Next() (diff DocDiff, ok bool, err error) {
	for {
		if it.limit > 0 && it.count >= it.limit {
			return DocDiff{}, false, nil
		}
		if _, ok, err := it.Pending(); err != nil || !ok {
			return DocDiff{}, false, err
		}
		diff, err := it.Step()
		if err != nil {
			return DocDiff{}, false, err
		}
		if len(diff.Patch) == 0 {
			continue
		}
		return diff, true, nil
	}
}

// Step consumes the pending candidate, ignoring the limit. The diff has no
// properties when the document has nothing left in the window or could not
// be read. Its Seqno is the candidate's seqno, so callers merging several
// iterators keep a global order.
func (it *DiffIterator) Step() (DocDiff, error) {
	if err := it.ctx.Err(); err != nil {
		return DocDiff{}, err
	}
	if err := it.fill(); err != nil {
		return DocDiff{}, err
	}
	if len(it.buf) == 0 {
		return DocDiff{}, nil
	}

	c := it.buf[0]
	it.buf = it.buf[1:]
	it.emitted[c.GUID] = true

	doc, err := it.dir.load(c.GUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorruptDocument) {
			it.dir.config.Logger.Printf("Warning: diff skips %s/%s: %v", it.dir.resource.Name, c.GUID, err)
			return DocDiff{GUID: c.GUID, Seqno: c.K}, nil
		}
		return DocDiff{}, err
	}

	diff := it.patchOf(doc)
	diff.Seqno = c.K
	if len(diff.Patch) > 0 {
		it.count++
	}
	return diff, nil
}

func (it *DiffIterator) patchOf(doc *schema.Document) DocDiff {
	diff := DocDiff{GUID: doc.GUID, Patch: make(map[string]PropDiff)}
	for name, p := range doc.Props {
		if p.Seqno == 0 || !it.window.Contains(p.Seqno) {
			continue
		}
		diff.Patch[name] = PropDiff{Value: p.Value, Mtime: p.Mtime}
	}
	return diff
}

// Covered returns the part of the window whose changes have all been
// returned by Next.
func (it *DiffIterator) Covered() (sequence.Sequence, error) {
	next, ok, err := it.Pending()
	if err != nil {
		return sequence.Sequence{}, err
	}
	if !ok {
		return it.window.Clone(), nil
	}
	return CoveredBefore(it.window, next), nil
}

// CoveredBefore returns window ∩ [1, next-1].
func CoveredBefore(window sequence.Sequence, next uint64) sequence.Sequence {
	covered := window.Clone()
	if next <= 1 {
		return sequence.Sequence{}
	}
	covered.Clip(next - 1)
	return covered
}

// Patch merges replicated properties with last-writer-wins per property:
// a value applies only when its mtime is strictly greater than the stored
// one. With shift set, applied properties take one fresh local seqno;
// without it they keep seqno 0 and are not offered to further diffs.
// Undeclared properties are skipped.
func (d *Directory) Patch(ctx context.Context, guid string, patch map[string]PropDiff, shift bool) (seqno uint64, applied bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if !schema.ValidGUID(guid) {
		return 0, false, fmt.Errorf("invalid guid %q", guid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.load(guid)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		current = &schema.Document{GUID: guid, Props: make(map[string]schema.PropValue)}
		created = true
	case err != nil:
		return 0, false, err
	}
	wasDeleted := current.Deleted()

	doc := current.Clone()
	changed := make(Props)
	for name, p := range patch {
		if _, ok := d.resource.Property(name); !ok {
			d.config.Logger.Printf("Warning: ignoring undeclared property %s.%s of %s", d.resource.Name, name, guid)
			continue
		}
		if !json.Valid(p.Value) {
			return 0, false, fmt.Errorf("property %s: invalid JSON value", name)
		}
		if p.Mtime <= doc.Props[name].Mtime {
			continue
		}
		doc.Props[name] = schema.PropValue{Value: p.Value, Mtime: p.Mtime}
		changed[name] = p.Value
	}
	if len(changed) == 0 {
		return 0, false, nil
	}

	if shift {
		seqno, err = d.alloc.Next()
		if err != nil {
			return 0, false, fmt.Errorf("failed to allocate seqno: %w", err)
		}
		defer d.alloc.Done(seqno)
		for name := range changed {
			p := doc.Props[name]
			p.Seqno = seqno
			doc.Props[name] = p
		}
		doc.Seqno = seqno
	}

	if err := d.store(ctx, doc); err != nil {
		return 0, false, err
	}

	event := EventUpdate
	switch {
	case doc.Deleted() && !wasDeleted:
		event = EventDelete
	case created:
		event = EventCreate
	}
	d.emit(Event{Type: event, Resource: d.resource.Name, GUID: guid, Seqno: seqno, Props: changed})
	return seqno, true, nil
}
