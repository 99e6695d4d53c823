package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// PropValue is one stored property with its own version.
type PropValue struct {
	Value json.RawMessage `json:"value"`
	Seqno uint64          `json:"seqno"`
	Mtime int64           `json:"mtime"` // unix microseconds
}

// Document is the file stored at <resource>/<guid[0:2]>/<guid>.json.
//
//	{
//	  "guid": "a1b2...",
//	  "seqno": 12,
//	  "props": {
//	    "title": {"value": "Chat", "seqno": 12, "mtime": 1760000000000000}
//	  }
//	}
//
// Seqno is the last seqno assigned to the document; each property keeps the
// seqno and mtime of its own last change.
type Document struct {
	GUID  string               `json:"guid"`
	Seqno uint64               `json:"seqno"`
	Props map[string]PropValue `json:"props"`
}

// ValidGUID reports whether guid is usable as a document file name.
func ValidGUID(guid string) bool {
	if len(guid) < 2 || len(guid) > 128 || strings.HasPrefix(guid, ".") {
		return false
	}
	return !strings.ContainsAny(guid, `/\:*?"<>| `)
}

// Validate checks the structural fields.
func (d *Document) Validate() error {
	if !ValidGUID(d.GUID) {
		return fmt.Errorf("invalid guid %q", d.GUID)
	}
	for name, p := range d.Props {
		if !json.Valid(p.Value) {
			return fmt.Errorf("property %s holds invalid JSON", name)
		}
		if p.Seqno > d.Seqno {
			return fmt.Errorf("property %s seqno %d is above document seqno %d", name, p.Seqno, d.Seqno)
		}
	}
	return nil
}

// Layers decodes the layer property.
func (d *Document) Layers() []string {
	p, ok := d.Props[LayerProperty]
	if !ok {
		return nil
	}
	var layers []string
	if err := json.Unmarshal(p.Value, &layers); err != nil {
		return nil
	}
	return layers
}

// Deleted reports whether the document is a tombstone.
func (d *Document) Deleted() bool {
	return slices.Contains(d.Layers(), DeletedLayer)
}

// Values returns the property values without versions.
func (d *Document) Values() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d.Props))
	for name, p := range d.Props {
		out[name] = p.Value
	}
	return out
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{GUID: d.GUID, Seqno: d.Seqno, Props: make(map[string]PropValue, len(d.Props))}
	for name, p := range d.Props {
		p.Value = slices.Clone(p.Value)
		c.Props[name] = p
	}
	return c
}

// DocumentPath returns the file location of guid under a resource directory.
func DocumentPath(resourceDir, guid string) string {
	return filepath.Join(resourceDir, guid[:2], guid+".json")
}

// ReadDocument reads and validates a document file.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document file %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document file %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document file %s: %w", path, err)
	}
	if doc.Props == nil {
		doc.Props = make(map[string]PropValue)
	}
	return &doc, nil
}

// WriteDocument writes doc under resourceDir via a temp file and rename.
func WriteDocument(resourceDir string, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid document: %w", err)
	}

	path := DocumentPath(resourceDir, doc.GUID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", doc.GUID, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write document file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename document file: %w", err)
	}
	return nil
}

// WalkDocuments calls fn with the path of every document file under
// resourceDir. Missing directories are not an error.
func WalkDocuments(resourceDir string, fn func(path string) error) error {
	shards, err := os.ReadDir(resourceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read resource directory: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(resourceDir, shard.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			if err := fn(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
