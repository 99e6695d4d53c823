package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/sugar-network/node/internal/config"
	"github.com/sugar-network/node/internal/logging"
	"github.com/sugar-network/node/internal/schema"
	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/ui"
	"github.com/sugar-network/node/internal/volume"
)

var (
	configPath string
	rootFlag   string
	noColor    bool
	quiet      bool

	cfg      *config.Config
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "sn",
	Short: "Sugar Network node",
	Long: `sn runs a Sugar Network node: a replicated document and blob store
that syncs with other nodes over HTTP or through removable media.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}
		c, err := config.Load(configPath)
		if err != nil && cmd.CommandPath() == "sn config init" {
			// init writes the file that is missing
			c, err = config.Default(), nil
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if rootFlag != "" {
			c.Root = rootFlag
		}
		cfg = c
		closeLog = logging.Setup(logging.Options{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
			Quiet:      quiet,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = closeLog()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "Data root, overrides the config")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output")
}

// node is an opened volume with its sync engine.
type node struct {
	vol    *volume.Volume
	engine *snsync.Engine
}

func (n *node) Close() error {
	return n.vol.Close()
}

func openNode() (*node, error) {
	provider := schema.Default()
	if cfg.Schema != "" {
		p, err := schema.LoadFile(cfg.Schema)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	id, err := cfg.ResolveNodeID()
	if err != nil {
		return nil, err
	}

	vol, err := volume.Open(cfg.Root, provider, &volume.Options{
		CacheSize: volume.DefaultOptions().CacheSize,
		Logger:    logging.New("volume"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", cfg.Root, err)
	}

	def := snsync.DefaultConfig()
	engine, err := snsync.New(vol, snsync.OpenWatermarks(filepath.Join(cfg.Root, "sync")), &snsync.Config{
		NodeID:      id,
		PacketLimit: cfg.PacketLimit,
		Reserve:     cfg.MediaReserve,
		MinBackoff:  def.MinBackoff,
		MaxBackoff:  def.MaxBackoff,
		MaxAttempts: def.MaxAttempts,
		Client:      def.Client,
		Logger:      logging.New("sync"),
	})
	if err != nil {
		_ = vol.Close()
		return nil, err
	}
	return &node{vol: vol, engine: engine}, nil
}

// mustOpenNode opens the node or exits, populating the index first when
// the last session did not close cleanly.
func mustOpenNode(cmd *cobra.Command) *node {
	n, err := openNode()
	if err != nil {
		fatalf("%v", err)
	}
	if n.vol.NeedsPopulate() {
		logging.New("sn").Println("Index is stale, rebuilding")
		if err := n.vol.Populate(cmd.Context(), nil); err != nil {
			_ = n.Close()
			fatalf("failed to populate: %v", err)
		}
	}
	return n
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	_ = closeLog()
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
