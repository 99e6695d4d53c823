// Package daemon keeps a node in sync without user action.
//
// The daemon:
//  1. Rebuilds the index on start when the volume was not closed cleanly
//  2. Watches mount roots and exchanges packets with any mounted media that
//     carries a sugar-network/ directory
//  3. Periodically syncs online with the configured peers
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/volume"
)

// Config holds configuration for the daemon.
type Config struct {
	// Peers are synced online every SyncInterval. Zero disables the loop.
	Peers        []snsync.Peer
	SyncInterval time.Duration
	// Parallel caps how many peers sync at once.
	Parallel int

	// MountRoots are watched for removable media. Empty disables offline
	// sync.
	MountRoots []string
	// OfflinePeer addresses packets left on media; empty means any node.
	OfflinePeer string

	// DebounceInterval is how long a new mount must settle before it is
	// used.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     15 * time.Minute,
		Parallel:         4,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs background synchronization for one volume.
type Daemon struct {
	vol    *volume.Volume
	engine *snsync.Engine
	config Config

	watcher  *MountWatcher
	mounts   map[string]time.Time // mount point -> last seen
	mountsMu sync.Mutex

	// OnOffline, when set, is called after every media exchange.
	OnOffline func(mount string, res *snsync.Result, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start to begin watching and syncing.
func New(vol *volume.Volume, engine *snsync.Engine, config *Config) (*Daemon, error) {
	if vol == nil {
		return nil, fmt.Errorf("volume cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	c := *config
	if c.Parallel <= 0 {
		c.Parallel = def.Parallel
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = def.DebounceInterval
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		vol:    vol,
		engine: engine,
		config: c,
		mounts: make(map[string]time.Time),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.vol.NeedsPopulate() {
		d.config.Logger.Println("Volume was not closed cleanly, rebuilding index")
		if err := d.vol.Populate(ctx, nil); err != nil {
			return fmt.Errorf("failed to populate index: %w", err)
		}
	}

	if len(d.config.MountRoots) > 0 {
		w, err := NewMountWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(d.config.MountRoots...); err != nil {
			_ = w.Stop()
			return fmt.Errorf("failed to watch mounts: %w", err)
		}
		d.watcher = w
		d.config.Logger.Printf("Watching mounts under %v", d.config.MountRoots)

		d.wg.Add(2)
		go d.watchMounts()
		go d.processMounts()
	}

	if len(d.config.Peers) > 0 && d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.syncLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

func (d *Daemon) watchMounts() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("Mount event: %s %s", event.Op, event.Path)
			d.mountsMu.Lock()
			if event.Op == OpMounted {
				d.mounts[event.Path] = time.Now()
			} else {
				delete(d.mounts, event.Path)
			}
			d.mountsMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processMounts hands settled mounts to SyncMount.
func (d *Daemon) processMounts() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, mount := range d.settledMounts() {
				res, err := d.SyncMount(d.ctx, mount)
				if err != nil {
					d.config.Logger.Printf("Error syncing %s: %v", mount, err)
				}
				if d.OnOffline != nil {
					d.OnOffline(mount, res, err)
				}
			}
		}
	}
}

func (d *Daemon) settledMounts() []string {
	d.mountsMu.Lock()
	defer d.mountsMu.Unlock()

	now := time.Now()
	var out []string
	for path, seen := range d.mounts {
		if now.Sub(seen) < d.config.DebounceInterval {
			continue
		}
		out = append(out, path)
		delete(d.mounts, path)
	}
	return out
}

// SyncMount exchanges packets with the media mounted at mount. Mounts
// without a sugar-network/ directory are left alone and yield a nil result.
func (d *Daemon) SyncMount(ctx context.Context, mount string) (*snsync.Result, error) {
	root := filepath.Join(mount, snsync.MediaDir)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil
	}
	d.config.Logger.Printf("Found media at %s", mount)
	return d.engine.Offline(ctx, root, d.config.OfflinePeer)
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.SyncPeers(d.ctx); err != nil {
				d.config.Logger.Printf("Error syncing peers: %v", err)
			}
		}
	}
}

// SyncPeers syncs with every configured peer, Parallel at a time. A failing
// peer is logged and does not stop the others; the error reports how many
// failed.
func (d *Daemon) SyncPeers(ctx context.Context) error {
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Parallel)
	for _, peer := range d.config.Peers {
		g.Go(func() error {
			res, err := d.engine.SyncWithRetry(gctx, peer)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.config.Logger.Printf("Warning: sync with %s failed: %v", peer.ID, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			d.config.Logger.Printf("Synced with %s: pushed=%d pulled=%d", peer.ID, res.Pushed, res.Pulled)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d peers failed to sync", failed, len(d.config.Peers))
	}
	return nil
}
