package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sugar-network/node/internal/daemon"
	"github.com/sugar-network/node/internal/logging"
	"github.com/sugar-network/node/internal/server"
	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the node: HTTP sync endpoint, event feed and background sync",
	Long: `Serve the node over HTTP and keep it in sync in the background.

Endpoints:
  POST /sync     exchange a sync packet
  GET  /events   WebSocket feed of committed changes
  GET  /health   node status

Configured peers are synced every sync_interval, and removable media
mounted under mount_roots is exchanged as soon as it settles.`,
	Run: func(cmd *cobra.Command, args []string) {
		listen, _ := cmd.Flags().GetString("listen")
		noDaemon, _ := cmd.Flags().GetBool("no-daemon")
		if listen == "" {
			listen = cfg.Listen
		}

		n := mustOpenNode(cmd)
		defer n.Close()

		srv := server.New(n.engine, n.vol, &server.Config{
			Addr:    listen,
			MaxBody: server.DefaultConfig().MaxBody,
			Logger:  logging.New("server"),
		})
		if err := srv.Start(); err != nil {
			_ = n.Close()
			fatalf("failed to start server: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Node %s serving on %s\n", ui.RenderAccent(n.engine.NodeID()), srv.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		var d *daemon.Daemon
		done := make(chan error, 1)
		if !noDaemon {
			peers := make([]snsync.Peer, 0, len(cfg.Peers))
			for _, p := range cfg.Peers {
				peers = append(peers, snsync.Peer{ID: p.ID, URL: p.URL})
			}
			var err error
			d, err = daemon.New(n.vol, n.engine, &daemon.Config{
				Peers:        peers,
				SyncInterval: cfg.SyncInterval,
				MountRoots:   cfg.MountRoots,
				OfflinePeer:  cfg.OfflinePeer,
				Logger:       logging.New("daemon"),
			})
			if err != nil {
				_ = srv.Stop()
				_ = n.Close()
				fatalf("%v", err)
			}
			go func() { done <- d.Start(ctx) }()
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			if d != nil {
				// the daemon stops itself on ctx
				<-done
			}
		case err := <-done:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: daemon stopped: %v\n", err)
			}
			_ = d.Stop()
		}

		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Println(ui.RenderPass("Node stopped"))
	},
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Address to listen on (default from config)")
	serveCmd.Flags().Bool("no-daemon", false, "Serve only, without background sync")
	rootCmd.AddCommand(serveCmd)
}
