package main

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sugar-network/node/internal/blobs"
	"github.com/sugar-network/node/internal/ui"
)

var blobCmd = &cobra.Command{
	Use:     "blob",
	GroupID: "data",
	Short:   "Store and fetch blobs",
	Long: `Manage blobs on the local volume.

Digest-addressed payloads live under blobs/, path-addressed ones under
files/. A blob is named by its digest or by its relative path.`,
}

// blobPath accepts a bare digest or a relative blob path.
func blobPath(arg string) string {
	if !strings.Contains(arg, "/") && len(arg) > 2 {
		return blobs.DigestPath(arg)
	}
	return arg
}

func printBlob(b *blobs.Blob) {
	rows := [][2]string{
		{"path", ui.RenderAccent(b.Path)},
		{"digest", b.Meta.Digest},
		{"type", b.Meta.ContentType},
		{"length", fmt.Sprint(b.Meta.ContentLength)},
		{"seqno", fmt.Sprint(b.Meta.Seqno)},
		{"status", string(b.Meta.Status)},
	}
	if b.Meta.Location != "" {
		rows = append(rows, [2]string{"location", b.Meta.Location})
	}
	fmt.Print(ui.KeyValues(rows))
}

var blobPostCmd = &cobra.Command{
	Use:   "post <file>",
	Short: "Store a file under its digest",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		contentType, _ := cmd.Flags().GetString("type")
		thumbs, _ := cmd.Flags().GetIntSlice("thumb")
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(args[0]))
		}

		f, err := os.Open(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		defer f.Close()

		n := mustOpenNode(cmd)
		defer n.Close()

		b, err := n.vol.Blobs().Post(cmd.Context(), f, contentType, thumbs...)
		if err != nil {
			_ = n.Close()
			fatalf("post failed: %v", err)
		}
		printBlob(b)
	},
}

var blobRedirectCmd = &cobra.Command{
	Use:   "redirect <digest> <url>",
	Short: "Record a blob hosted elsewhere",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		contentType, _ := cmd.Flags().GetString("type")
		length, _ := cmd.Flags().GetInt64("length")

		n := mustOpenNode(cmd)
		defer n.Close()

		b, err := n.vol.Blobs().PostRedirect(cmd.Context(), blobs.Redirect{
			Digest:        args[0],
			Location:      args[1],
			ContentLength: length,
			ContentType:   contentType,
		})
		if err != nil {
			_ = n.Close()
			fatalf("redirect failed: %v", err)
		}
		printBlob(b)
	},
}

var blobGetCmd = &cobra.Command{
	Use:   "get <digest|path>",
	Short: "Show a blob, or write its payload with --output",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		thumb, _ := cmd.Flags().GetInt("thumb")

		n := mustOpenNode(cmd)
		defer n.Close()

		var (
			b   *blobs.Blob
			err error
		)
		if thumb > 0 && !strings.Contains(args[0], "/") {
			b, err = n.vol.Blobs().Get(args[0], thumb)
		} else {
			b, err = n.vol.Blobs().GetPath(blobPath(args[0]))
		}
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}
		if output == "" {
			printBlob(b)
			return
		}

		r, err := b.Open()
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}
		defer r.Close()
		var w io.Writer = os.Stdout
		if output != "-" {
			f, err := os.Create(output)
			if err != nil {
				_ = n.Close()
				fatalf("%v", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, r); err != nil {
			_ = n.Close()
			fatalf("failed to write payload: %v", err)
		}
	},
}

var blobDeleteCmd = &cobra.Command{
	Use:   "delete <digest|path>",
	Short: "Delete a blob, leaving a replicated tombstone",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n := mustOpenNode(cmd)
		defer n.Close()

		if err := n.vol.Blobs().Delete(cmd.Context(), blobPath(args[0])); err != nil {
			_ = n.Close()
			fatalf("delete failed: %v", err)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
	},
}

var blobScanCmd = &cobra.Command{
	Use:   "scan [prefix]",
	Short: "Register files copied into the store by hand",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		n := mustOpenNode(cmd)
		defer n.Close()

		found, err := n.vol.Blobs().Scan(cmd.Context(), prefix)
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}
		fmt.Printf("Registered %d deposited blobs\n", found)
	},
}

func init() {
	blobPostCmd.Flags().String("type", "", "Content type (default: from the file extension)")
	blobPostCmd.Flags().IntSlice("thumb", nil, "Thumbnail sizes to render for images")
	blobRedirectCmd.Flags().String("type", "", "Content type")
	blobRedirectCmd.Flags().Int64("length", 0, "Content length")
	blobGetCmd.Flags().StringP("output", "o", "", "Write the payload to a file, or - for stdout")
	blobGetCmd.Flags().Int("thumb", 0, "Prefer the thumbnail of this size")

	blobCmd.AddCommand(blobPostCmd, blobRedirectCmd, blobGetCmd, blobDeleteCmd, blobScanCmd)
	rootCmd.AddCommand(blobCmd)
}
