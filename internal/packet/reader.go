package packet

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/volume"
)

// maxMetaSize bounds header and .meta entries, which are read whole.
const maxMetaSize = 1 << 20

// Reader streams the records of a packet. It implements
// volume.RecordReader.
type Reader struct {
	tr      *tar.Reader
	header  Header
	records *json.Decoder
	closer  io.Closer
}

// NewReader reads and validates the header of the packet on r.
func NewReader(r io.Reader) (*Reader, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: no header entry: %v", ErrMalformedPacket, err)
	}
	if hdr.Name != "header" {
		return nil, fmt.Errorf("%w: first entry is %q, not header", ErrMalformedPacket, hdr.Name)
	}
	data, err := readSmall(tr, hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	var header Header
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: header is not a mapping: %v", ErrMalformedPacket, err)
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return &Reader{tr: tr, header: header}, nil
}

// Open reads the packet stored at path. Close releases the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open packet: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// ReadHeader returns the header of the packet at path without reading
// further.
func ReadHeader(path string) (Header, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer r.Close()
	return r.Header(), nil
}

// Header returns the validated packet header.
func (r *Reader) Header() Header {
	return r.header
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func readSmall(tr *tar.Reader, hdr *tar.Header) ([]byte, error) {
	if hdr.Size > maxMetaSize {
		return nil, fmt.Errorf("entry %s is too large (%d bytes)", hdr.Name, hdr.Size)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", hdr.Name, err)
	}
	return data, nil
}

// Next returns the next record, or io.EOF after the last one. A blob
// record's Content reads straight from the archive and is only valid until
// the following call to Next.
func (r *Reader) Next() (volume.Record, error) {
	for {
		if r.records != nil {
			var rec volume.Record
			err := r.records.Decode(&rec)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, io.EOF) {
				return volume.Record{}, fmt.Errorf("failed to decode record: %w", err)
			}
			r.records = nil
		}

		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return volume.Record{}, io.EOF
		}
		if err != nil {
			return volume.Record{}, fmt.Errorf("failed to read packet entry: %w", err)
		}
		if !strings.HasSuffix(hdr.Name, ".meta") {
			return volume.Record{}, fmt.Errorf("%w: entry %s has no preceding .meta", ErrMalformedPacket, hdr.Name)
		}
		data, err := readSmall(r.tr, hdr)
		if err != nil {
			return volume.Record{}, err
		}
		var meta entryMeta
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return volume.Record{}, fmt.Errorf("%w: entry %s: %v", ErrMalformedPacket, hdr.Name, err)
		}

		name := strings.TrimSuffix(hdr.Name, ".meta")
		payload, err := r.tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return volume.Record{}, fmt.Errorf("failed to read entry %s: %w", name, err)
		}
		if payload.Name != name {
			return volume.Record{}, fmt.Errorf("%w: expected entry %s, got %s", ErrMalformedPacket, name, payload.Name)
		}

		switch meta.Type {
		case entryRecords:
			r.records = json.NewDecoder(r.tr)
		case entryBlob:
			return blobRecord(meta, r.tr, payload.Size), nil
		default:
			return volume.Record{}, fmt.Errorf("%w: entry %s has unknown type %q", ErrMalformedPacket, name, meta.Type)
		}
	}
}

func blobRecord(meta entryMeta, content io.Reader, size int64) volume.Record {
	rec := &volume.BlobRecord{
		Path: meta.Path,
		Meta: blobs.Meta{
			Digest:        meta.Digest,
			ContentType:   meta.ContentType,
			ContentLength: meta.ContentLength,
			Seqno:         meta.Seqno,
			Mtime:         meta.Mtime,
			Status:        blobs.Status(meta.Status),
			Location:      meta.Location,
			Headers:       meta.Headers,
		},
	}
	if rec.Meta.Status == "" {
		rec.Meta.Status = blobs.StatusOK
	}
	if size > 0 {
		rec.Content = io.LimitReader(content, size)
	}
	return volume.Record{Seqno: meta.Seqno, Blob: rec}
}

// ReadAll decodes every record of the packet at path, buffering blob
// contents. It suits tests and small packets.
func ReadAll(path string) (Header, []volume.Record, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer r.Close()

	var out []volume.Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return r.Header(), out, nil
		}
		if err != nil {
			return Header{}, nil, err
		}
		if rec.Blob != nil && rec.Blob.Content != nil {
			data, err := io.ReadAll(rec.Blob.Content)
			if err != nil {
				return Header{}, nil, fmt.Errorf("failed to read blob %s: %w", rec.Blob.Path, err)
			}
			rec.Blob.Content = strings.NewReader(string(data))
		}
		out = append(out, rec)
	}
}
