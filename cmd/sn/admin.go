package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sugar-network/node/internal/logging"
	"github.com/sugar-network/node/internal/migrate"
	"github.com/sugar-network/node/internal/ui"
)

var populateCmd = &cobra.Command{
	Use:     "populate",
	GroupID: "maint",
	Short:   "Rebuild the index from document files",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		n, err := openNode()
		if err != nil {
			fatalf("%v", err)
		}
		defer n.Close()

		count := 0
		err = n.vol.Populate(cmd.Context(), func(resource, guid string) {
			count++
			if verbose {
				fmt.Printf("  %s/%s\n", resource, guid)
			}
		})
		if err != nil {
			_ = n.Close()
			fatalf("populate failed: %v", err)
		}
		fmt.Printf("%s Indexed %d documents, last seqno %d\n", ui.RenderPass("✓"), count, n.vol.Counter().Last())
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show node, index and peer state",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		n := mustOpenNode(cmd)
		defer n.Close()

		stats, err := n.vol.Stats(cmd.Context())
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}
		marks := n.engine.Watermarks()
		peers, err := marks.Peers()
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}

		type peerStatus struct {
			Peer   string `json:"peer"`
			Pushed string `json:"pushed"`
			Pulled string `json:"pulled"`
		}
		var peerRows []peerStatus
		for _, p := range peers {
			m, err := marks.Load(p)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
				continue
			}
			peerRows = append(peerRows, peerStatus{Peer: p, Pushed: m.Pushed.String(), Pulled: m.Pulled.String()})
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{
				"node":      n.engine.NodeID(),
				"root":      cfg.Root,
				"last":      n.vol.Counter().Last(),
				"committed": n.vol.Counter().Committed(),
				"resources": stats,
				"peers":     peerRows,
			}, "", "  ")
			fmt.Println(string(data))
			return
		}

		fmt.Print(ui.KeyValues([][2]string{
			{"node", ui.RenderAccent(n.engine.NodeID())},
			{"root", cfg.Root},
			{"seqno", fmt.Sprint(n.vol.Counter().Last())},
		}))
		fmt.Println()
		var rows [][2]string
		for _, s := range stats {
			value := fmt.Sprintf("%d live, %d deleted", s.Live, s.Deleted)
			if s.Invalid > 0 {
				value += ", " + ui.RenderWarn(fmt.Sprintf("%d invalid", s.Invalid))
			}
			rows = append(rows, [2]string{s.Resource, value})
		}
		fmt.Print(ui.KeyValues(rows))
		if len(peerRows) > 0 {
			fmt.Println()
			rows = rows[:0]
			for _, p := range peerRows {
				rows = append(rows, [2]string{p.Peer, "pushed " + p.Pushed + " pulled " + p.Pulled})
			}
			fmt.Print(ui.KeyValues(rows))
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <resource> <file.jsonl>",
	GroupID: "maint",
	Short:   "Create or update documents from a JSONL file",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		n := mustOpenNode(cmd)
		defer n.Close()

		result, err := migrate.Import(cmd.Context(), mustDirectory(n, args[0]), args[1], migrate.Options{
			DryRun: dryRun,
			Logger: logging.New("migrate"),
		})
		if err != nil {
			_ = n.Close()
			fatalf("import failed: %v", err)
		}
		prefix := ""
		if dryRun {
			prefix = ui.RenderMuted("[dry run] ")
		}
		fmt.Printf("%s%s %d created, %d updated, %d unchanged\n",
			prefix, ui.RenderPass("✓"), result.Created, result.Updated, result.Unchanged)
		if len(result.Errors) > 0 {
			fmt.Fprintf(os.Stderr, "%s %d errors:\n  %s\n", ui.RenderWarn("!"),
				len(result.Errors), strings.Join(result.Errors, "\n  "))
		}
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <resource> [file.jsonl]",
	GroupID: "maint",
	Short:   "Write live documents as JSONL",
	Args:    cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		n := mustOpenNode(cmd)
		defer n.Close()

		dir := mustDirectory(n, args[0])
		if len(args) == 1 {
			if _, err := migrate.Export(cmd.Context(), dir, os.Stdout); err != nil {
				_ = n.Close()
				fatalf("export failed: %v", err)
			}
			return
		}
		count, err := migrate.ExportFile(cmd.Context(), dir, args[1])
		if err != nil {
			_ = n.Close()
			fatalf("export failed: %v", err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d documents to %s\n", ui.RenderPass("✓"), count, args[1])
	},
}

func init() {
	populateCmd.Flags().BoolP("verbose", "v", false, "List every indexed document")
	statusCmd.Flags().Bool("json", false, "Output JSON")
	importCmd.Flags().Bool("dry-run", false, "Report changes without writing")

	rootCmd.AddCommand(populateCmd, statusCmd, importCmd, exportCmd)
}
