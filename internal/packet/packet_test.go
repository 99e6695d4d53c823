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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/sequence"
	"github.com/sugar-network/node/internal/volume"
)

func testHeader() Header {
	return Header{
		Type:     TypePush,
		Src:      "node-a",
		Dst:      "node-b",
		Session:  "01JABCDEF",
		Sequence: sequence.New(sequence.Range{Start: 1, End: 9}),
		Created:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func docRecord(guid string, seqno uint64, title string) volume.Record {
	raw, _ := json.Marshal(title)
	return volume.Record{
		GUID:  guid,
		Seqno: seqno,
		Patch: map[string]directory.PropDiff{"title": {Value: raw, Mtime: int64(seqno) * 1000}},
	}
}

func blobRec(content string) volume.Record {
	return volume.Record{Seqno: 3, Blob: &volume.BlobRecord{
		Path: "files/docs/readme.txt",
		Meta: blobs.Meta{
			Digest:        "abc",
			ContentType:   "text/plain",
			ContentLength: int64(len(content)),
			Seqno:         3,
			Mtime:         42,
			Status:        blobs.StatusOK,
			Headers:       map[string]string{"x-origin": "mirror"},
		},
		Content: strings.NewReader(content),
	}}
}

func readAllRecords(t *testing.T, r *Reader) []volume.Record {
	t.Helper()
	var out []volume.Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		if rec.Blob != nil && rec.Blob.Content != nil {
			data, err := io.ReadAll(rec.Blob.Content)
			require.NoError(t, err)
			rec.Blob.Content = strings.NewReader(string(data))
		}
		out = append(out, rec)
	}
}

func blobContent(t *testing.T, rec volume.Record) string {
	t.Helper()
	data, err := io.ReadAll(rec.Blob.Content)
	require.NoError(t, err)
	return string(data)
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader(), nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteRecords(volume.Record{Resource: "context"}, docRecord("doc-1", 1, "one")))
	require.NoError(t, w.WriteRecords(docRecord("doc-2", 2, "two")))
	require.NoError(t, w.WriteBlob(blobRec("hello blob")))
	require.NoError(t, w.WriteRecords(volume.Record{Resource: "post"}, docRecord("doc-4", 4, "four")))
	require.NoError(t, w.WriteCommit(sequence.New(sequence.Range{Start: 1, End: 4})))
	require.NoError(t, w.Close())
	assert.Equal(t, 6, w.Records())
	assert.Equal(t, 1, w.Blobs())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	h := r.Header()
	assert.Equal(t, APIVersion, h.API)
	assert.Equal(t, TypePush, h.Type)
	assert.Equal(t, "node-a", h.Src)
	assert.Equal(t, "node-b", h.Dst)
	assert.Equal(t, "[[1,9]]", h.Sequence.String())
	assert.True(t, h.Created.Equal(testHeader().Created))

	records := readAllRecords(t, r)
	require.Len(t, records, 6)
	assert.Equal(t, "context", records[0].Resource)
	assert.Equal(t, "doc-1", records[1].GUID)
	assert.Equal(t, "doc-2", records[2].GUID)
	assert.Equal(t, volume.KindBlob, records[3].Kind())
	assert.Equal(t, "hello blob", blobContent(t, records[3]))
	assert.Equal(t, "files/docs/readme.txt", records[3].Blob.Path)
	assert.Equal(t, map[string]string{"x-origin": "mirror"}, records[3].Blob.Meta.Headers)
	assert.Equal(t, uint64(3), records[3].Seqno)
	assert.Equal(t, "post", records[4].Resource)
	assert.Equal(t, "[[1,4]]", records[5].Commit.String())

	want := docRecord("doc-1", 1, "one")
	if diff := cmp.Diff(want, records[1]); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestFileRoundTripAcrossCopies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "push", "one.push"+Suffix)

	w, err := Create(path, testHeader(), &Options{})
	require.NoError(t, err)
	require.NoError(t, w.WriteRecords(volume.Record{Resource: "context"}, docRecord("doc-1", 1, "one")))
	require.NoError(t, w.WriteBlob(blobRec("bytes")))
	require.NoError(t, w.Close())

	// Nothing but the final packet is left in the directory.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(path), entries[0].Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copyPath := filepath.Join(t.TempDir(), "copy"+Suffix)
	require.NoError(t, os.WriteFile(copyPath, data, 0644))

	h1, recs1, err := ReadAll(path)
	require.NoError(t, err)
	h2, recs2, err := ReadAll(copyPath)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	require.Len(t, recs2, len(recs1))
	for i := range recs1 {
		a, _ := json.Marshal(recs1[i])
		b, _ := json.Marshal(recs2[i])
		assert.Equal(t, string(a), string(b))
	}
	assert.Equal(t, "bytes", blobContent(t, recs2[2]))
}

func TestCapacityKeepsEarlierEntries(t *testing.T) {
	const limit = 16 << 10
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testHeader(), &Options{Limit: limit})
	require.NoError(t, err)

	accepted := 0
	for i := 1; i < 10000; i++ {
		err := w.WriteRecords(docRecord(fmt.Sprintf("doc-%04d", i), uint64(i), strings.Repeat("x", 40)))
		if errors.Is(err, ErrCapacityExceeded) {
			break
		}
		require.NoError(t, err)
		accepted++
	}
	require.Greater(t, accepted, 10)
	require.NoError(t, w.WriteCommit(sequence.New(sequence.Range{Start: 1, End: uint64(accepted)})))

	// Blobs are refused as well once the budget is spent.
	assert.ErrorIs(t, w.WriteBlob(blobRec(strings.Repeat("z", 8<<10))), ErrCapacityExceeded)
	require.NoError(t, w.Close())
	assert.LessOrEqual(t, buf.Len(), limit)

	r, err := NewReader(&buf)
	require.NoError(t, err)
	records := readAllRecords(t, r)
	require.Len(t, records, accepted+1)
	assert.Equal(t, "doc-0001", records[0].GUID)
	assert.Equal(t, fmt.Sprintf("doc-%04d", accepted), records[accepted-1].GUID)
	assert.Equal(t, volume.KindCommit, records[accepted].Kind())
}

func TestCapacityFromFreeSpace(t *testing.T) {
	var buf bytes.Buffer
	free := uint64(64 << 10)
	opts := &Options{
		Reserve:   8 << 10,
		FreeSpace: func() (uint64, error) { return free, nil },
	}
	w, err := NewWriter(&buf, testHeader(), opts)
	require.NoError(t, err)

	require.NoError(t, w.WriteBlob(blobRec(strings.Repeat("a", 20<<10))))
	free = 16 << 10
	assert.ErrorIs(t, w.WriteBlob(blobRec(strings.Repeat("b", 20<<10))), ErrCapacityExceeded)
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	records := readAllRecords(t, r)
	require.Len(t, records, 1)
	assert.Equal(t, strings.Repeat("a", 20<<10), blobContent(t, records[0]))
}

func TestHeaderTooLargeForLimit(t *testing.T) {
	_, err := NewWriter(io.Discard, testHeader(), &Options{Limit: 1024})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestDiscardLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p"+Suffix)

	w, err := Create(path, testHeader(), &Options{})
	require.NoError(t, err)
	require.NoError(t, w.WriteRecords(docRecord("doc-1", 1, "one")))
	require.NoError(t, w.Discard())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()

	boom := errors.New("boom")
	err := WriteFile(filepath.Join(dir, "failed"+Suffix), testHeader(), &Options{}, func(w *Writer) error {
		require.NoError(t, w.WriteRecords(docRecord("doc-1", 1, "one")))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)

	path := filepath.Join(dir, "full"+Suffix)
	err = WriteFile(path, testHeader(), &Options{}, func(w *Writer) error {
		require.NoError(t, w.WriteRecords(docRecord("doc-1", 1, "one")))
		return ErrCapacityExceeded
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	_, records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func tarWith(t *testing.T, entries map[string]string, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range order {
		data := entries[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data))}))
		_, err := tw.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestMalformedPackets(t *testing.T) {
	valid := "api: v1.2.0\ntype: pull\nsrc: node-a\nsession: s1\n"
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not a tar archive, just some text padding it out")},
		{"no header", tarWith(t, map[string]string{"00001": "{}"}, "00001")},
		{"header not a mapping", tarWith(t, map[string]string{"header": "- a\n- b\n"}, "header")},
		{"missing src", tarWith(t, map[string]string{"header": "api: v1.0.0\ntype: push\nsession: s\n"}, "header")},
		{"unknown type", tarWith(t, map[string]string{"header": "api: v1.0.0\ntype: gossip\nsrc: a\nsession: s\n"}, "header")},
		{"major version", tarWith(t, map[string]string{"header": "api: v2.0.0\ntype: push\nsrc: a\nsession: s\n"}, "header")},
		{"bad version", tarWith(t, map[string]string{"header": "api: one\ntype: push\nsrc: a\nsession: s\n"}, "header")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}

	// A newer minor version is accepted.
	r, err := NewReader(bytes.NewReader(tarWith(t, map[string]string{"header": valid}, "header")))
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPayloadWithoutMeta(t *testing.T) {
	data := tarWith(t, map[string]string{
		"header": "api: v1.0.0\ntype: push\nsrc: a\nsession: s\n",
		"00001":  "{}",
	}, "header", "00001")
	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestAddressedTo(t *testing.T) {
	h := Header{Dst: "node-b"}
	assert.True(t, h.AddressedTo("node-b"))
	assert.False(t, h.AddressedTo("node-c"))
	h.Dst = ""
	assert.True(t, h.AddressedTo("node-c"))
}
