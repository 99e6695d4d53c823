// Package volume aggregates the directories of every resource and one blob
// store under a single seqno counter.
//
// Layout of a volume root:
//
//	seqno                 last allocated seqno
//	index.db              sqlite document index
//	<resource>/           document files of each resource
//	blobs/ files/ thumbs/ blob store namespaces
//	sync/                 per-peer watermarks (see package sync)
package volume

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/index"
	"github.com/sugar-network/node/internal/schema"
)

// Event is a committed document change.
type Event = directory.Event

var reservedNames = map[string]bool{
	blobs.NamespaceBlobs:  true,
	blobs.NamespaceFiles:  true,
	blobs.NamespaceThumbs: true,
	"sync":                true,
}

// Options configures a volume.
type Options struct {
	// CacheSize is the number of parsed documents cached per resource.
	CacheSize int

	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		CacheSize: 1024,
		Logger:    log.New(os.Stderr, "[volume] ", log.LstdFlags),
	}
}

// Volume is an open data root.
type Volume struct {
	root    string
	index   *index.DB
	counter *Counter
	dirs    map[string]*directory.Directory
	names   []string
	blobs   *blobs.Store
	logger  *log.Logger

	wasClean bool

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// Open opens the volume at root, creating it if needed. The index is
// flagged unclean until Close.
func Open(root string, provider schema.Provider, opts *Options) (*Volume, error) {
	if provider == nil {
		return nil, fmt.Errorf("schema provider cannot be nil")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultOptions().Logger
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volume root: %w", err)
	}

	counter, err := OpenCounter(filepath.Join(root, "seqno"))
	if err != nil {
		return nil, err
	}

	db, err := index.Open(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	clean, err := db.IsClean(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.SetClean(ctx, false); err != nil {
		_ = db.Close()
		return nil, err
	}

	v := &Volume{
		root:     root,
		index:    db,
		counter:  counter,
		dirs:     make(map[string]*directory.Directory),
		logger:   logger,
		wasClean: clean,
		subs:     make(map[int]func(Event)),
	}
	v.blobs = blobs.New(root, counter, log.New(logger.Writer(), "[blobs] ", logger.Flags()))

	for _, res := range provider.Resources() {
		if reservedNames[res.Name] {
			_ = db.Close()
			return nil, fmt.Errorf("resource name %q is reserved", res.Name)
		}
		dir, err := directory.New(filepath.Join(root, res.Name), res, db, counter, &directory.Config{
			CacheSize: opts.CacheSize,
			OnEvent:   v.publish,
			Logger:    log.New(logger.Writer(), "[directory] ", logger.Flags()),
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		v.dirs[res.Name] = dir
		v.names = append(v.names, res.Name)
	}
	sort.Strings(v.names)

	return v, nil
}

// Close marks the index clean and closes it.
func (v *Volume) Close() error {
	if err := v.index.SetClean(context.Background(), true); err != nil {
		v.logger.Printf("Warning: failed to mark index clean: %v", err)
	}
	return v.index.Close()
}

// Root returns the volume directory.
func (v *Volume) Root() string {
	return v.root
}

// Counter returns the seqno counter.
func (v *Volume) Counter() *Counter {
	return v.counter
}

// Index returns the document index.
func (v *Volume) Index() *index.DB {
	return v.index
}

// Blobs returns the blob store.
func (v *Volume) Blobs() *blobs.Store {
	return v.blobs
}

// Directory returns the directory of a resource.
func (v *Volume) Directory(name string) (*directory.Directory, bool) {
	d, ok := v.dirs[name]
	return d, ok
}

// Resources returns resource names in order.
func (v *Volume) Resources() []string {
	return append([]string(nil), v.names...)
}

// NeedsPopulate reports whether the previous session did not close cleanly.
func (v *Volume) NeedsPopulate() bool {
	return !v.wasClean
}

// Populate rebuilds the index of every resource from the document files
// and raises the counter above any seqno found on disk. progress, if set,
// is called once per document.
func (v *Volume) Populate(ctx context.Context, progress func(resource, guid string)) error {
	highest, err := v.blobs.MaxSeqno(ctx)
	if err != nil {
		return err
	}

	for _, name := range v.names {
		var fn func(string)
		if progress != nil {
			resource := name
			fn = func(guid string) { progress(resource, guid) }
		}
		seqno, err := v.dirs[name].Populate(ctx, fn)
		if err != nil {
			return err
		}
		highest = max(highest, seqno)
	}

	if err := v.counter.Raise(highest); err != nil {
		return fmt.Errorf("failed to raise seqno: %w", err)
	}
	v.wasClean = true
	v.logger.Printf("Populated %d resources, last seqno %d", len(v.names), v.counter.Last())
	return nil
}

// Subscribe registers fn for every committed document change and returns a
// function that removes it. fn runs on the writer's goroutine and must not
// block or call back into the volume.
func (v *Volume) Subscribe(fn func(Event)) (unsubscribe func()) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()

	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.subsMu.Lock()
		defer v.subsMu.Unlock()
		delete(v.subs, id)
	}
}

func (v *Volume) publish(e Event) {
	v.subsMu.RLock()
	defer v.subsMu.RUnlock()
	for _, fn := range v.subs {
		fn(e)
	}
}

// Stats returns per-resource document counts.
func (v *Volume) Stats(ctx context.Context) ([]index.Stats, error) {
	return v.index.Stats(ctx)
}
