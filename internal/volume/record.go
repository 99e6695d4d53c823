package volume

import (
	"errors"
	"io"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/sequence"
)

// ErrUnknownRecord is returned by Patch for a record of no known shape.
var ErrUnknownRecord = errors.New("unknown record")

// Kind classifies a record.
type Kind int

const (
	KindUnknown Kind = iota
	// KindResource switches the resource later document records apply to.
	KindResource
	// KindDocument carries the changed properties of one document.
	KindDocument
	// KindBlob carries one blob with its metadata.
	KindBlob
	// KindCommit carries the sender seqnos fully covered so far.
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindDocument:
		return "document"
	case KindBlob:
		return "blob"
	case KindCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// BlobRecord is a blob in transit. Content is nil for tombstones and
// redirects.
type BlobRecord struct {
	Path    string
	Meta    blobs.Meta
	Content io.Reader
}

// Record is one entry of a diff stream. Exactly one shape is set:
//
//	{"resource": "context"}
//	{"guid": "...", "patch": {"title": {"value": "...", "mtime": 1}}, "seqno": 5}
//	{"commit": [[1, 5]]}
//
// Blob records travel outside the JSON encoding.
type Record struct {
	Resource string                        `json:"resource,omitempty"`
	GUID     string                        `json:"guid,omitempty"`
	Patch    map[string]directory.PropDiff `json:"patch,omitempty"`
	Seqno    uint64                        `json:"seqno,omitempty"`
	Commit   sequence.Sequence             `json:"commit,omitzero"`

	Blob *BlobRecord `json:"-"`
}

// Kind reports the record's shape.
func (r Record) Kind() Kind {
	switch {
	case r.Blob != nil:
		if r.Resource != "" || r.GUID != "" || r.Patch != nil || !r.Commit.Empty() {
			return KindUnknown
		}
		return KindBlob
	case r.GUID != "":
		if r.Resource != "" || len(r.Patch) == 0 || !r.Commit.Empty() {
			return KindUnknown
		}
		return KindDocument
	case r.Resource != "":
		if r.Patch != nil || !r.Commit.Empty() || r.Seqno != 0 {
			return KindUnknown
		}
		return KindResource
	case !r.Commit.Empty():
		if r.Patch != nil || r.Seqno != 0 {
			return KindUnknown
		}
		return KindCommit
	default:
		return KindUnknown
	}
}

// RecordReader yields records until io.EOF.
type RecordReader interface {
	Next() (Record, error)
}

// SliceReader replays records from memory.
type SliceReader struct {
	records []Record
}

// NewSliceReader returns a reader over records.
func NewSliceReader(records []Record) *SliceReader {
	return &SliceReader{records: records}
}

// Next implements RecordReader.
func (s *SliceReader) Next() (Record, error) {
	if len(s.records) == 0 {
		return Record{}, io.EOF
	}
	r := s.records[0]
	s.records = s.records[1:]
	return r, nil
}
