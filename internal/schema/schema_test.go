package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResourceValidate(t *testing.T) {
	tests := []struct {
		name    string
		res     Resource
		wantErr string
	}{
		{
			name: "valid",
			res:  Resource{Name: "context", Properties: []Property{{Name: "title", Required: true}}},
		},
		{
			name:    "bad name",
			res:     Resource{Name: "Context"},
			wantErr: "invalid resource name",
		},
		{
			name:    "reserved layer",
			res:     Resource{Name: "context", Properties: []Property{{Name: "layer"}}},
			wantErr: "reserved",
		},
		{
			name:    "duplicate",
			res:     Resource{Name: "context", Properties: []Property{{Name: "a"}, {Name: "a"}}},
			wantErr: "duplicate",
		},
		{
			name:    "bad default",
			res:     Resource{Name: "context", Properties: []Property{{Name: "a", Default: json.RawMessage("{")}}},
			wantErr: "invalid default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestImplicitLayer(t *testing.T) {
	r := Resource{Name: "post"}
	p, ok := r.Property(LayerProperty)
	if !ok {
		t.Fatal("layer property should always exist")
	}
	if string(p.Default) != "[]" {
		t.Errorf("layer default = %s, want []", p.Default)
	}
	if _, ok := r.Property("title"); ok {
		t.Error("undeclared property should not be found")
	}
}

func TestDefaultProvider(t *testing.T) {
	p := Default()
	var names []string
	for _, r := range p.Resources() {
		names = append(names, r.Name)
	}
	want := "context,implementation,post,report,user"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Resources() = %s, want %s", got, want)
	}
	if _, ok := p.Resource("context"); !ok {
		t.Error("context resource missing")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.toml")
	content := `
[[resource]]
name = "note"

  [[resource.property]]
  name = "title"
  required = true
  indexed = true

  [[resource.property]]
  name = "tags"
  default = ["a", "b"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	r, ok := p.Resource("note")
	if !ok {
		t.Fatal("note resource missing")
	}
	title, _ := r.Property("title")
	if !title.Required || !title.Indexed {
		t.Errorf("title = %+v, want required and indexed", title)
	}
	tags, _ := r.Property("tags")
	if string(tags.Default) != `["a","b"]` {
		t.Errorf("tags default = %s", tags.Default)
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[[resource]]\nname = \"x\"\nbogus = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestDocumentFiles(t *testing.T) {
	dir := t.TempDir()
	doc := &Document{
		GUID:  "ab12cd",
		Seqno: 4,
		Props: map[string]PropValue{
			"title": {Value: json.RawMessage(`"hello"`), Seqno: 4, Mtime: 100},
			"layer": {Value: json.RawMessage(`["public","deleted"]`), Seqno: 2, Mtime: 50},
		},
	}

	if err := WriteDocument(dir, doc); err != nil {
		t.Fatalf("WriteDocument() error = %v", err)
	}
	path := DocumentPath(dir, doc.GUID)
	if filepath.Base(filepath.Dir(path)) != "ab" {
		t.Errorf("document not sharded by guid prefix: %s", path)
	}

	got, err := ReadDocument(path)
	if err != nil {
		t.Fatalf("ReadDocument() error = %v", err)
	}
	if got.Seqno != 4 || got.Props["title"].Mtime != 100 || string(got.Props["title"].Value) != `"hello"` {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.Deleted() {
		t.Error("document with deleted layer should be a tombstone")
	}

	var paths []string
	if err := WalkDocuments(dir, func(p string) error {
		paths = append(paths, p)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != path {
		t.Errorf("WalkDocuments() = %v", paths)
	}

	if err := WalkDocuments(filepath.Join(dir, "missing"), func(string) error { return nil }); err != nil {
		t.Errorf("missing directory should not fail: %v", err)
	}
}

func TestDocumentValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{"short guid", Document{GUID: "a"}},
		{"path guid", Document{GUID: "../etc"}},
		{"invalid value", Document{GUID: "abc", Seqno: 1, Props: map[string]PropValue{"x": {Value: json.RawMessage("{"), Seqno: 1}}}},
		{"prop above doc", Document{GUID: "abc", Seqno: 1, Props: map[string]PropValue{"x": {Value: json.RawMessage("1"), Seqno: 2}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.doc.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ab", "abc.json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadDocument(path); err == nil {
		t.Error("expected parse error")
	}
}
