// Package directory manages one resource: a collection of JSON documents with
// per-property versioning.
//
// Every mutation takes one volume-wide seqno. Only the properties touched by
// the mutation record it; untouched properties keep the seqno and mtime of
// their own last change, so replication resolves conflicts per property.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sugar-network/node/internal/index"
	"github.com/sugar-network/node/internal/schema"
)

var (
	// ErrNotFound is returned for missing or deleted documents.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when creating a guid that is already stored.
	ErrExists = errors.New("document already exists")
	// ErrMissingProperty is returned when a required property is absent or empty.
	ErrMissingProperty = errors.New("missing required property")
	// ErrUnknownProperty is returned for properties the resource does not declare.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrCorruptDocument marks a document file that cannot be parsed.
	ErrCorruptDocument = errors.New("corrupt document")
)

// Allocator hands out volume-wide sequence numbers.
type Allocator interface {
	Next() (uint64, error)
	Done(seqno uint64)
}

// Props are property values keyed by name.
type Props map[string]json.RawMessage

// EventType classifies a document change.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event describes a committed document change.
type Event struct {
	Type     EventType `json:"event"`
	Resource string    `json:"resource"`
	GUID     string    `json:"guid"`
	Seqno    uint64    `json:"seqno"`
	Props    Props     `json:"props,omitempty"`
}

// Config holds optional directory settings.
type Config struct {
	// CacheSize is the number of parsed documents kept in memory.
	CacheSize int

	// OnEvent receives every committed change. Called with the writer lock held.
	OnEvent func(Event)

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CacheSize: 1024,
		Logger:    log.New(os.Stderr, "[directory] ", log.LstdFlags),
	}
}

// Directory is one resource of a volume.
type Directory struct {
	resource schema.Resource
	root     string
	index    *index.DB
	alloc    Allocator
	cache    *lru.Cache[string, *schema.Document]
	config   *Config

	// mu is the single writer of this resource.
	mu  sync.Mutex
	now func() time.Time
}

// New opens the directory of res under root (documents live in
// <root>/<guid[0:2]>/<guid>.json).
func New(root string, res schema.Resource, db *index.DB, alloc Allocator, config *Config) (*Directory, error) {
	if db == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if alloc == nil {
		return nil, fmt.Errorf("allocator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[directory] ", log.LstdFlags)
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultConfig().CacheSize
	}

	cache, err := lru.New[string, *schema.Document](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create resource directory: %w", err)
	}

	return &Directory{
		resource: res,
		root:     root,
		index:    db,
		alloc:    alloc,
		cache:    cache,
		config:   config,
		now:      time.Now,
	}, nil
}

// Name returns the resource name.
func (d *Directory) Name() string {
	return d.resource.Name
}

// Resource returns the resource declaration.
func (d *Directory) Resource() schema.Resource {
	return d.resource
}

func (d *Directory) emit(e Event) {
	if d.config.OnEvent != nil {
		d.config.OnEvent(e)
	}
}

// nextMtime returns a modification time strictly after prev.
func (d *Directory) nextMtime(prev int64) int64 {
	return max(d.now().UnixMicro(), prev+1)
}

func isEmpty(value json.RawMessage) bool {
	switch string(bytes.TrimSpace(value)) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

// checkProps validates supplied values against the declaration.
func (d *Directory) checkProps(props Props) error {
	for name, value := range props {
		p, ok := d.resource.Property(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownProperty, d.resource.Name, name)
		}
		if !json.Valid(value) {
			return fmt.Errorf("property %s: invalid JSON value", name)
		}
		if p.Required && isEmpty(value) {
			return fmt.Errorf("%w: %s.%s", ErrMissingProperty, d.resource.Name, name)
		}
	}
	return nil
}

// load returns the stored document, tombstones included, without copying.
func (d *Directory) load(guid string) (*schema.Document, error) {
	if !schema.ValidGUID(guid) {
		return nil, ErrNotFound
	}
	if doc, ok := d.cache.Get(guid); ok {
		return doc, nil
	}
	path := schema.DocumentPath(d.root, guid)
	doc, err := schema.ReadDocument(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if doc.GUID != guid {
		return nil, fmt.Errorf("%w: %s holds guid %q", ErrCorruptDocument, path, doc.GUID)
	}
	d.cache.Add(guid, doc)
	return doc, nil
}

// store persists doc and reindexes it. Caller holds mu.
func (d *Directory) store(ctx context.Context, doc *schema.Document) error {
	if err := schema.WriteDocument(d.root, doc); err != nil {
		d.cache.Remove(doc.GUID)
		return err
	}
	d.cache.Add(doc.GUID, doc)
	if err := d.index.UpsertDocument(ctx, d.resource.Name, doc); err != nil {
		return fmt.Errorf("failed to index %s/%s: %w", d.resource.Name, doc.GUID, err)
	}
	return nil
}

// Create stores a new document. A "guid" property chooses the guid,
// otherwise a random one is assigned. Declared properties that are not
// supplied take their defaults.
func (d *Directory) Create(ctx context.Context, props Props) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	values := make(Props, len(props))
	for name, value := range props {
		values[name] = value
	}

	guid := uuid.NewString()
	if raw, ok := values[schema.GUIDProperty]; ok {
		if err := json.Unmarshal(raw, &guid); err != nil {
			return "", fmt.Errorf("guid must be a string: %w", err)
		}
		delete(values, schema.GUIDProperty)
	}
	if !schema.ValidGUID(guid) {
		return "", fmt.Errorf("invalid guid %q", guid)
	}

	if err := d.checkProps(values); err != nil {
		return "", err
	}
	declared := append([]schema.Property{{Name: schema.LayerProperty, Default: json.RawMessage(`[]`)}},
		d.resource.Properties...)
	for _, p := range declared {
		if _, ok := values[p.Name]; ok {
			continue
		}
		if p.Required {
			return "", fmt.Errorf("%w: %s.%s", ErrMissingProperty, d.resource.Name, p.Name)
		}
		if len(p.Default) > 0 {
			values[p.Name] = p.Default
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(schema.DocumentPath(d.root, guid)); err == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrExists, d.resource.Name, guid)
	}

	seqno, err := d.alloc.Next()
	if err != nil {
		return "", fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer d.alloc.Done(seqno)

	mtime := d.nextMtime(0)
	doc := &schema.Document{GUID: guid, Seqno: seqno, Props: make(map[string]schema.PropValue, len(values))}
	for name, value := range values {
		doc.Props[name] = schema.PropValue{Value: value, Seqno: seqno, Mtime: mtime}
	}

	if err := d.store(ctx, doc); err != nil {
		return "", err
	}
	d.emit(Event{Type: EventCreate, Resource: d.resource.Name, GUID: guid, Seqno: seqno, Props: values})
	return guid, nil
}

// Update changes only the supplied properties.
func (d *Directory) Update(ctx context.Context, guid string, props Props) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := props[schema.GUIDProperty]; ok {
		return fmt.Errorf("guid cannot be changed")
	}
	if err := d.checkProps(props); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.update(ctx, guid, props, EventUpdate)
}

// update applies props with a fresh seqno. Caller holds mu.
func (d *Directory) update(ctx context.Context, guid string, props Props, event EventType) error {
	current, err := d.load(guid)
	if err != nil {
		return err
	}
	if current.Deleted() {
		return ErrNotFound
	}
	if len(props) == 0 {
		return nil
	}

	seqno, err := d.alloc.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate seqno: %w", err)
	}
	defer d.alloc.Done(seqno)

	doc := current.Clone()
	doc.Seqno = seqno
	for name, value := range props {
		doc.Props[name] = schema.PropValue{
			Value: value,
			Seqno: seqno,
			Mtime: d.nextMtime(doc.Props[name].Mtime),
		}
	}

	if err := d.store(ctx, doc); err != nil {
		return err
	}
	d.emit(Event{Type: event, Resource: d.resource.Name, GUID: guid, Seqno: seqno, Props: props})
	return nil
}

// Delete tombstones a document by adding "deleted" to its layer property.
// The tombstone replicates like any other update.
func (d *Directory) Delete(ctx context.Context, guid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.load(guid)
	if err != nil {
		return err
	}
	layers := append(doc.Layers(), schema.DeletedLayer)
	value, err := json.Marshal(layers)
	if err != nil {
		return fmt.Errorf("failed to encode layers: %w", err)
	}
	return d.update(ctx, guid, Props{schema.LayerProperty: value}, EventDelete)
}

// Get returns a copy of a live document.
func (d *Directory) Get(ctx context.Context, guid string) (*schema.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := d.load(guid)
	if err != nil {
		return nil, err
	}
	if doc.Deleted() {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Lookup returns a copy of a document, tombstones included.
func (d *Directory) Lookup(ctx context.Context, guid string) (*schema.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := d.load(guid)
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// List returns every live document ordered by guid. Unreadable documents
// are logged and skipped.
func (d *Directory) List(ctx context.Context) ([]*schema.Document, error) {
	guids, err := d.index.List(ctx, d.resource.Name, false)
	if err != nil {
		return nil, err
	}
	docs := make([]*schema.Document, 0, len(guids))
	for _, guid := range guids {
		doc, err := d.Get(ctx, guid)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.config.Logger.Printf("Warning: skipping %s/%s: %v", d.resource.Name, guid, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Count returns the number of live documents.
func (d *Directory) Count(ctx context.Context) (int, error) {
	return d.index.Count(ctx, d.resource.Name)
}

// Populate rebuilds the index of this resource from the document files.
// Documents that fail to parse are quarantined (indexed as invalid) and the
// rebuild continues. progress, if set, is called after every document. It
// returns the highest seqno seen.
func (d *Directory) Populate(ctx context.Context, progress func(guid string)) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache.Purge()
	if err := d.index.Reset(ctx, d.resource.Name); err != nil {
		return 0, err
	}

	var maxSeqno uint64
	var total, quarantined int
	err := schema.WalkDocuments(d.root, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		guid := strings.TrimSuffix(filepath.Base(path), ".json")
		total++

		doc, err := schema.ReadDocument(path)
		if err == nil && doc.GUID != guid {
			err = fmt.Errorf("file holds guid %q", doc.GUID)
		}
		if err != nil {
			quarantined++
			d.config.Logger.Printf("Warning: %v: %s/%s: %v", ErrCorruptDocument, d.resource.Name, guid, err)
			if err := d.index.MarkInvalid(ctx, d.resource.Name, guid); err != nil {
				return err
			}
		} else {
			if err := d.index.UpsertDocument(ctx, d.resource.Name, doc); err != nil {
				return err
			}
			maxSeqno = max(maxSeqno, doc.Seqno)
		}

		if progress != nil {
			progress(guid)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to populate %s: %w", d.resource.Name, err)
	}

	d.config.Logger.Printf("Populated %s: %d documents, %d quarantined", d.resource.Name, total, quarantined)
	return maxSeqno, nil
}
