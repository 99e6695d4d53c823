package index

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sugar-network/node/internal/schema"
	"github.com/sugar-network/node/internal/sequence"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func doc(guid string, seqno uint64, props map[string]uint64) *schema.Document {
	d := &schema.Document{GUID: guid, Seqno: seqno, Props: make(map[string]schema.PropValue)}
	for name, s := range props {
		d.Props[name] = schema.PropValue{Value: json.RawMessage(`"x"`), Seqno: s}
	}
	return d
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := setupDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"documents", "properties", "meta"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestCandidatesOrder(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	// a: title@1, body@5   b: title@2   c: title@3, body@7   other resource: x@4
	for _, d := range []*schema.Document{
		doc("aa", 5, map[string]uint64{"title": 1, "body": 5}),
		doc("bb", 2, map[string]uint64{"title": 2}),
		doc("cc", 7, map[string]uint64{"title": 3, "body": 7}),
	} {
		if err := db.UpsertDocument(ctx, "note", d); err != nil {
			t.Fatalf("UpsertDocument() failed: %v", err)
		}
	}
	if err := db.UpsertDocument(ctx, "other", doc("dd", 4, map[string]uint64{"x": 4})); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		window sequence.Sequence
		limit  int
		want   []Candidate
	}{
		{
			name:   "full",
			window: sequence.Full(),
			want:   []Candidate{{"aa", 1}, {"bb", 2}, {"cc", 3}},
		},
		{
			name:   "lowest in-window seqno orders",
			window: sequence.New(sequence.Range{Start: 4, End: sequence.Inf}),
			want:   []Candidate{{"aa", 5}, {"cc", 7}},
		},
		{
			name:   "fragmented window",
			window: sequence.New(sequence.Range{Start: 2, End: 2}, sequence.Range{Start: 7, End: 9}),
			want:   []Candidate{{"bb", 2}, {"cc", 7}},
		},
		{
			name:   "limit",
			window: sequence.Full(),
			limit:  2,
			want:   []Candidate{{"aa", 1}, {"bb", 2}},
		},
		{
			name:   "empty window",
			window: sequence.Sequence{},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Candidates(ctx, "note", tt.window, tt.limit)
			if err != nil {
				t.Fatalf("Candidates() failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Candidates() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Candidates()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestUpsertReplacesProperties(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	if err := db.UpsertDocument(ctx, "note", doc("aa", 1, map[string]uint64{"title": 1, "body": 1})); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertDocument(ctx, "note", doc("aa", 3, map[string]uint64{"title": 3, "body": 1})); err != nil {
		t.Fatal(err)
	}

	got, err := db.Candidates(ctx, "note", sequence.New(sequence.Range{Start: 2, End: 10}), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].K != 3 {
		t.Errorf("Candidates() = %v, want aa@3", got)
	}

	max, err := db.MaxSeqno(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if max != 3 {
		t.Errorf("MaxSeqno() = %d, want 3", max)
	}
}

func TestListCountAndTombstones(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	live := doc("aa", 1, map[string]uint64{"title": 1})
	dead := doc("bb", 2, map[string]uint64{"title": 2})
	dead.Props[schema.LayerProperty] = schema.PropValue{Value: json.RawMessage(`["deleted"]`), Seqno: 2}

	for _, d := range []*schema.Document{live, dead} {
		if err := db.UpsertDocument(ctx, "note", d); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkInvalid(ctx, "note", "cc"); err != nil {
		t.Fatal(err)
	}

	guids, err := db.List(ctx, "note", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(guids) != 1 || guids[0] != "aa" {
		t.Errorf("List(live) = %v", guids)
	}

	guids, err = db.List(ctx, "note", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(guids) != 2 {
		t.Errorf("List(all) = %v, want aa and bb", guids)
	}

	count, err := db.Count(ctx, "note")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0] != (Stats{Resource: "note", Live: 1, Deleted: 1, Invalid: 1}) {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestMarkInvalidHidesProperties(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	if err := db.UpsertDocument(ctx, "note", doc("aa", 1, map[string]uint64{"title": 1})); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkInvalid(ctx, "note", "aa"); err != nil {
		t.Fatal(err)
	}

	got, err := db.Candidates(ctx, "note", sequence.Full(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("quarantined document still offered: %v", got)
	}

	if err := db.Reset(ctx, "note"); err != nil {
		t.Fatal(err)
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Errorf("Stats() after Reset = %+v", stats)
	}
}

func TestCleanFlag(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)

	clean, err := db.IsClean(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Error("fresh database should not be clean")
	}

	for _, want := range []bool{true, false, true} {
		if err := db.SetClean(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, err := db.IsClean(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IsClean() = %v, want %v", got, want)
		}
	}
}
