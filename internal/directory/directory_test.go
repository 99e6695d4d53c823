package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sugar-network/node/internal/index"
	"github.com/sugar-network/node/internal/schema"
	"github.com/sugar-network/node/internal/sequence"
)

var noteResource = schema.Resource{Name: "note", Properties: []schema.Property{
	{Name: "title", Required: true, Indexed: true},
	{Name: "body", Default: json.RawMessage(`""`)},
	{Name: "tags", Default: json.RawMessage(`[]`)},
}}

type counter struct {
	mu sync.Mutex
	n  uint64
}

func (c *counter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n, nil
}

func (c *counter) Done(uint64) {}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func openIndex(t testing.TB) *index.DB {
	t.Helper()
	db, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func setupDirectory(t testing.TB) (*Directory, *recorder) {
	t.Helper()
	rec := &recorder{}
	d, err := New(filepath.Join(t.TempDir(), "note"), noteResource, openIndex(t), &counter{}, &Config{
		CacheSize: 16,
		OnEvent:   rec.add,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return d, rec
}

func title(s string) Props {
	v, _ := json.Marshal(s)
	return Props{"title": v}
}

func TestCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	d, rec := setupDirectory(t)

	guid, err := d.Create(ctx, title("first"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	doc, err := d.Get(ctx, guid)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if doc.Seqno != 1 {
		t.Errorf("Seqno = %d, want 1", doc.Seqno)
	}
	for _, name := range []string{"title", "body", "tags", "layer"} {
		if doc.Props[name].Seqno != 1 {
			t.Errorf("%s seqno = %d, want 1", name, doc.Props[name].Seqno)
		}
	}
	if got := string(doc.Props["body"].Value); got != `""` {
		t.Errorf("body default = %s", got)
	}
	titleMtime := doc.Props["title"].Mtime

	if err := d.Update(ctx, guid, Props{"body": json.RawMessage(`"text"`)}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	doc, err = d.Get(ctx, guid)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Seqno != 2 || doc.Props["body"].Seqno != 2 {
		t.Errorf("updated seqnos: doc %d body %d, want 2", doc.Seqno, doc.Props["body"].Seqno)
	}
	if doc.Props["title"].Seqno != 1 || doc.Props["title"].Mtime != titleMtime {
		t.Error("untouched property changed version")
	}
	if doc.Props["body"].Mtime <= titleMtime {
		t.Error("updated property mtime did not advance")
	}

	if diff := cmp.Diff([]EventType{EventCreate, EventUpdate}, rec.types()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	d, _ := setupDirectory(t)

	tests := []struct {
		name  string
		props Props
		want  error
	}{
		{"missing required", Props{"body": json.RawMessage(`"x"`)}, ErrMissingProperty},
		{"empty required", Props{"title": json.RawMessage(`""`)}, ErrMissingProperty},
		{"unknown", Props{"title": json.RawMessage(`"x"`), "color": json.RawMessage(`"red"`)}, ErrUnknownProperty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Create(ctx, tt.props); !errors.Is(err, tt.want) {
				t.Errorf("Create() error = %v, want %v", err, tt.want)
			}
		})
	}

	props := title("x")
	props["guid"] = json.RawMessage(`"fixed-guid"`)
	guid, err := d.Create(ctx, props)
	if err != nil || guid != "fixed-guid" {
		t.Fatalf("Create() = %q, %v", guid, err)
	}
	if _, err := d.Create(ctx, props); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Create() error = %v, want ErrExists", err)
	}

	if err := d.Update(ctx, guid, Props{"title": json.RawMessage(`null`)}); !errors.Is(err, ErrMissingProperty) {
		t.Errorf("clearing required property error = %v", err)
	}
	if err := d.Update(ctx, "missing", title("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
}

func TestDeleteTombstone(t *testing.T) {
	ctx := context.Background()
	d, rec := setupDirectory(t)

	guid, err := d.Create(ctx, title("doomed"))
	if err != nil {
		t.Fatal(err)
	}
	keep, err := d.Create(ctx, title("kept"))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Delete(ctx, guid); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if _, err := d.Get(ctx, guid); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) error = %v", err)
	}
	doc, err := d.Lookup(ctx, guid)
	if err != nil || !doc.Deleted() {
		t.Fatalf("Lookup(deleted) = %v, %v", doc, err)
	}
	if doc.Props["layer"].Seqno != 3 || doc.Props["title"].Seqno != 1 {
		t.Error("delete should only touch the layer property")
	}

	docs, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].GUID != keep {
		t.Errorf("List() returned %d docs", len(docs))
	}
	if n, _ := d.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if err := d.Delete(ctx, guid); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}

	if diff := cmp.Diff([]EventType{EventCreate, EventCreate, EventDelete}, rec.types()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func collect(t *testing.T, it *DiffIterator) []DocDiff {
	t.Helper()
	var out []DocDiff
	for {
		diff, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, diff)
	}
}

func TestDiffRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := setupDirectory(t)
	dst, _ := setupDirectory(t)

	var guids []string
	for _, s := range []string{"a", "b", "c"} {
		guid, err := src.Create(ctx, title(s))
		if err != nil {
			t.Fatal(err)
		}
		guids = append(guids, guid)
	}
	if err := src.Update(ctx, guids[1], Props{"body": json.RawMessage(`"more"`)}); err != nil {
		t.Fatal(err)
	}

	it, err := src.Diff(ctx, sequence.Full(), 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, diff := range collect(t, it) {
		if _, _, err := dst.Patch(ctx, diff.GUID, diff.Patch, true); err != nil {
			t.Fatalf("Patch() failed: %v", err)
		}
	}

	for _, guid := range guids {
		want, err := src.Get(ctx, guid)
		if err != nil {
			t.Fatal(err)
		}
		got, err := dst.Get(ctx, guid)
		if err != nil {
			t.Fatalf("replica missing %s: %v", guid, err)
		}
		for name, p := range want.Props {
			if string(got.Props[name].Value) != string(p.Value) || got.Props[name].Mtime != p.Mtime {
				t.Errorf("%s.%s = %s@%d, want %s@%d", guid, name,
					got.Props[name].Value, got.Props[name].Mtime, p.Value, p.Mtime)
			}
		}
	}
}

func TestDiffLimitAndCovered(t *testing.T) {
	ctx := context.Background()
	d, _ := setupDirectory(t)

	var guids []string
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		guid, err := d.Create(ctx, title(s))
		if err != nil {
			t.Fatal(err)
		}
		guids = append(guids, guid)
	}
	// first document: title@6, everything else @1
	if err := d.Update(ctx, guids[0], title("1b")); err != nil {
		t.Fatal(err)
	}

	it, err := d.Diff(ctx, sequence.Full(), 2)
	if err != nil {
		t.Fatal(err)
	}
	first := collect(t, it)
	if len(first) != 2 || first[0].GUID != guids[0] || first[1].GUID != guids[1] {
		t.Fatalf("limited diff = %+v", first)
	}
	if len(first[0].Patch) != 4 {
		t.Errorf("first document should carry all in-window properties, got %d", len(first[0].Patch))
	}
	covered, err := it.Covered()
	if err != nil {
		t.Fatal(err)
	}
	if want := sequence.New(sequence.Range{Start: 1, End: 2}); !covered.Equal(want) {
		t.Errorf("Covered() = %v, want %v", covered, want)
	}

	rest := sequence.Full()
	rest.Subtract(covered)
	it, err = d.Diff(ctx, rest, 0)
	if err != nil {
		t.Fatal(err)
	}
	second := collect(t, it)
	var order []string
	for _, diff := range second {
		order = append(order, diff.GUID)
	}
	if diff := cmp.Diff([]string{guids[2], guids[3], guids[4], guids[0]}, order); diff != "" {
		t.Errorf("diff order mismatch (-want +got):\n%s", diff)
	}
	if p := second[3].Patch; len(p) != 1 || string(p["title"].Value) != `"1b"` {
		t.Errorf("re-offered document should only carry title, got %v", p)
	}
	covered, err = it.Covered()
	if err != nil {
		t.Fatal(err)
	}
	if !covered.Equal(rest) {
		t.Errorf("exhausted Covered() = %v, want %v", covered, rest)
	}
}

func TestPatchLastWriterWins(t *testing.T) {
	ctx := context.Background()
	d, rec := setupDirectory(t)

	patch := map[string]PropDiff{
		"title": {Value: json.RawMessage(`"remote"`), Mtime: 100},
		"body":  {Value: json.RawMessage(`"remote body"`), Mtime: 100},
	}
	seqno, applied, err := d.Patch(ctx, "remote-guid", patch, true)
	if err != nil || !applied || seqno != 1 {
		t.Fatalf("Patch() = %d, %v, %v", seqno, applied, err)
	}

	// equal mtime is a no-op
	_, applied, err = d.Patch(ctx, "remote-guid", map[string]PropDiff{
		"title": {Value: json.RawMessage(`"same time"`), Mtime: 100},
	}, true)
	if err != nil || applied {
		t.Errorf("equal mtime applied = %v, %v", applied, err)
	}

	// per property: newer title wins, older body loses
	seqno, applied, err = d.Patch(ctx, "remote-guid", map[string]PropDiff{
		"title": {Value: json.RawMessage(`"newer"`), Mtime: 200},
		"body":  {Value: json.RawMessage(`"older"`), Mtime: 50},
		"bogus": {Value: json.RawMessage(`1`), Mtime: 300},
	}, true)
	if err != nil || !applied || seqno != 2 {
		t.Fatalf("mixed Patch() = %d, %v, %v", seqno, applied, err)
	}

	doc, err := d.Get(ctx, "remote-guid")
	if err != nil {
		t.Fatal(err)
	}
	if string(doc.Props["title"].Value) != `"newer"` || doc.Props["title"].Seqno != 2 {
		t.Errorf("title = %s@%d", doc.Props["title"].Value, doc.Props["title"].Seqno)
	}
	if string(doc.Props["body"].Value) != `"remote body"` || doc.Props["body"].Mtime != 100 || doc.Props["body"].Seqno != 1 {
		t.Errorf("body = %+v", doc.Props["body"])
	}
	if _, ok := doc.Props["bogus"]; ok {
		t.Error("undeclared property stored")
	}

	_, applied, err = d.Patch(ctx, "remote-guid", map[string]PropDiff{
		"layer": {Value: json.RawMessage(`["deleted"]`), Mtime: 300},
	}, true)
	if err != nil || !applied {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]EventType{EventCreate, EventUpdate, EventDelete}, rec.types()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchWithoutShift(t *testing.T) {
	ctx := context.Background()
	d, _ := setupDirectory(t)

	seqno, applied, err := d.Patch(ctx, "quiet", map[string]PropDiff{
		"title": {Value: json.RawMessage(`"x"`), Mtime: 10},
	}, false)
	if err != nil || !applied || seqno != 0 {
		t.Fatalf("Patch() = %d, %v, %v", seqno, applied, err)
	}

	it, err := d.Diff(ctx, sequence.Full(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if diffs := collect(t, it); len(diffs) != 0 {
		t.Errorf("unshifted patch offered to diff: %+v", diffs)
	}
	if _, err := d.Get(ctx, "quiet"); err != nil {
		t.Errorf("Get() failed: %v", err)
	}
}

func TestPopulateQuarantinesCorrupt(t *testing.T) {
	ctx := context.Background()
	d, _ := setupDirectory(t)

	for _, s := range []string{"a", "b"} {
		if _, err := d.Create(ctx, title(s)); err != nil {
			t.Fatal(err)
		}
	}
	corrupt := filepath.Join(d.root, "zz", "zzzz.json")
	if err := os.MkdirAll(filepath.Dir(corrupt), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(corrupt, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}

	fresh := openIndex(t)
	rebuilt, err := New(d.root, noteResource, fresh, &counter{}, &Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}

	var seen []string
	maxSeqno, err := rebuilt.Populate(ctx, func(guid string) { seen = append(seen, guid) })
	if err != nil {
		t.Fatalf("Populate() failed: %v", err)
	}
	if maxSeqno != 2 {
		t.Errorf("Populate() max seqno = %d, want 2", maxSeqno)
	}
	if len(seen) != 3 {
		t.Errorf("progress called %d times, want 3", len(seen))
	}
	if n, _ := rebuilt.Count(ctx); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	stats, err := fresh.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Invalid != 1 {
		t.Errorf("Stats() = %+v, want one invalid document", stats)
	}
}
