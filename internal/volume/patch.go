package volume

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/sequence"
)

// PatchResult summarizes one applied record stream.
type PatchResult struct {
	// Committed is the union of the sender's commit records, cut at the
	// first record that failed to apply.
	Committed sequence.Sequence
	// Merged holds the local seqnos assigned to applied records.
	Merged sequence.Sequence

	Documents int
	Blobs     int
	Failed    int
}

// Patch applies a record stream produced by a peer's Diff. Records that
// fail are logged and skipped; the sender seqnos from the first failure on
// are dropped from Committed so they will be offered again. A record of
// unknown shape aborts with ErrUnknownRecord.
func (v *Volume) Patch(ctx context.Context, r RecordReader, shift bool) (*PatchResult, error) {
	res := &PatchResult{}
	var (
		dir      *directory.Directory
		resource string
		cut      uint64
	)
	fail := func(seqno uint64, what string, err error) {
		res.Failed++
		v.logger.Printf("Warning: failed to apply %s: %v", what, err)
		seqno = max(seqno, 1)
		if cut == 0 || seqno < cut {
			cut = seqno
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}

		switch rec.Kind() {
		case KindResource:
			resource = rec.Resource
			var ok bool
			if dir, ok = v.dirs[resource]; !ok {
				v.logger.Printf("Warning: records for unknown resource %q will be skipped", resource)
			}

		case KindDocument:
			what := fmt.Sprintf("document %s/%s", resource, rec.GUID)
			if dir == nil {
				fail(rec.Seqno, what, fmt.Errorf("no known resource in effect"))
				continue
			}
			seqno, applied, err := dir.Patch(ctx, rec.GUID, rec.Patch, shift)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				fail(rec.Seqno, what, err)
				continue
			}
			if applied {
				res.Documents++
				if seqno > 0 {
					res.Merged.Include(seqno, seqno)
				}
			}

		case KindBlob:
			b := rec.Blob
			seqno, applied, err := v.blobs.Patch(ctx, blobs.BlobPatch{Path: b.Path, Meta: b.Meta, Content: b.Content}, shift)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				fail(b.Meta.Seqno, "blob "+b.Path, err)
				continue
			}
			if applied {
				res.Blobs++
				if seqno > 0 {
					res.Merged.Include(seqno, seqno)
				}
			}

		case KindCommit:
			res.Committed.Union(rec.Commit)

		default:
			return nil, fmt.Errorf("%w: resource=%q guid=%q seqno=%d", ErrUnknownRecord, rec.Resource, rec.GUID, rec.Seqno)
		}
	}

	if cut > 0 {
		res.Committed.Exclude(cut, sequence.Inf)
	}
	return res, nil
}
