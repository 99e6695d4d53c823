package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	snsync "github.com/sugar-network/node/internal/sync"
	"github.com/sugar-network/node/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize with other nodes",
	Long: `Exchange changes with other nodes, online over HTTP or offline through a
directory on removable media.

Examples:
  sn sync push hub                        # push local changes to peer "hub"
  sn sync pull http://10.0.0.5:8000       # pull from a node by URL
  sn sync offline /media/usb              # exchange packets on a USB stick
  sn sync gc /media/usb --before "2 weeks ago"`,
}

// resolvePeer accepts a configured peer id, "id=url", or a bare URL whose
// node id is asked from its health endpoint.
func resolvePeer(ctx context.Context, arg string) (snsync.Peer, error) {
	if p, ok := cfg.Peer(arg); ok {
		return snsync.Peer{ID: p.ID, URL: p.URL}, nil
	}
	if id, url, ok := strings.Cut(arg, "="); ok && id != "" {
		return snsync.Peer{ID: id, URL: url}, nil
	}
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		id, err := discoverNode(ctx, arg)
		if err != nil {
			return snsync.Peer{}, err
		}
		return snsync.Peer{ID: id, URL: arg}, nil
	}
	return snsync.Peer{}, fmt.Errorf("unknown peer %q (use a configured id, id=url, or a URL)", arg)
}

func discoverNode(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()
	var health struct {
		Node string `json:"node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Node == "" {
		return "", fmt.Errorf("%s did not report its node id", url)
	}
	return health.Node, nil
}

func printResult(label string, res *snsync.Result) {
	fmt.Printf("%s %s: %d pushed, %d pulled, %d acked\n",
		ui.RenderPass("✓"), label, res.Pushed, res.Pulled, res.Acked)
	if res.Pending {
		fmt.Println(ui.RenderWarn("  more changes pending, run again to converge"))
	}
}

var syncPushCmd = &cobra.Command{
	Use:   "push <peer>",
	Short: "Send local changes the peer has not acknowledged",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runOnline(cmd, args[0], "push")
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull <peer>",
	Short: "Fetch changes from a peer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runOnline(cmd, args[0], "pull")
	},
}

var syncAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Push to and pull from every configured peer, with retries",
	Run: func(cmd *cobra.Command, args []string) {
		if len(cfg.Peers) == 0 {
			fmt.Println("No peers configured")
			return
		}
		n := mustOpenNode(cmd)
		defer n.Close()

		failed := 0
		for _, p := range cfg.Peers {
			res, err := n.engine.SyncWithRetry(cmd.Context(), snsync.Peer{ID: p.ID, URL: p.URL})
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), p.ID, err)
				failed++
				continue
			}
			printResult(p.ID, res)
		}
		if failed > 0 {
			_ = n.Close()
			fatalf("%d of %d peers failed to sync", failed, len(cfg.Peers))
		}
	},
}

func runOnline(cmd *cobra.Command, arg, mode string) {
	peer, err := resolvePeer(cmd.Context(), arg)
	if err != nil {
		fatalf("%v", err)
	}
	n := mustOpenNode(cmd)
	defer n.Close()

	var res *snsync.Result
	if mode == "push" {
		res, err = n.engine.Push(cmd.Context(), peer)
	} else {
		res, err = n.engine.Pull(cmd.Context(), peer)
	}
	if err != nil {
		_ = n.Close()
		fatalf("%s failed: %v", mode, err)
	}
	printResult(mode+" "+peer.ID, res)
}

// mediaRoot accepts either a mount point or its sugar-network directory.
func mediaRoot(arg string) string {
	if filepath.Base(filepath.Clean(arg)) == snsync.MediaDir {
		return arg
	}
	return filepath.Join(arg, snsync.MediaDir)
}

var syncOfflineCmd = &cobra.Command{
	Use:   "offline <mount>",
	Short: "Exchange packets through removable media",
	Long: `Consume acknowledgements and pushes left on the media by other nodes, answer
their pull requests, and leave this node's own push and pull packets behind.
The media directory is created when missing.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		peer, _ := cmd.Flags().GetString("peer")
		if peer == "" {
			peer = cfg.OfflinePeer
		}
		root := mediaRoot(args[0])
		if err := os.MkdirAll(root, 0755); err != nil {
			fatalf("failed to prepare media: %v", err)
		}

		n := mustOpenNode(cmd)
		defer n.Close()

		res, err := n.engine.Offline(cmd.Context(), root, peer)
		if err != nil {
			_ = n.Close()
			fatalf("offline sync failed: %v", err)
		}
		printResult("offline "+args[0], res)
	},
}

// parseBefore reads a cutoff as a duration ("72h"), a date ("2024-05-01"),
// or a phrase ("last monday", "2 weeks ago").
func parseBefore(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return r.Time, nil
}

var syncGCCmd = &cobra.Command{
	Use:   "gc <mount>",
	Short: "Remove old packets from removable media",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")
		cutoff, err := parseBefore(before, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		n, err := snsync.GC(mediaRoot(args[0]), cutoff)
		if err != nil {
			fatalf("gc failed: %v", err)
		}
		fmt.Printf("Removed %d packets created before %s\n", n, ui.RenderAccent(cutoff.Format(time.DateTime)))
	},
}

func init() {
	syncOfflineCmd.Flags().String("peer", "", "Address packets to this node (default: any node)")
	syncGCCmd.Flags().String("before", "720h", "Cutoff: duration, date, or phrase like \"2 weeks ago\"")

	syncCmd.AddCommand(syncPushCmd, syncPullCmd, syncAllCmd, syncOfflineCmd, syncGCCmd)
	rootCmd.AddCommand(syncCmd)
}
