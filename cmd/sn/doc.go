package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sugar-network/node/internal/directory"
	"github.com/sugar-network/node/internal/schema"
	"github.com/sugar-network/node/internal/ui"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	GroupID: "data",
	Short:   "Create, update and inspect documents",
	Long: `Manage documents of a resource directly on the local volume.

Properties are given as name=value; a value that parses as JSON is stored
as is, anything else is stored as a string.

Examples:
  sn doc create context title=Chat 'tags=["im"]'
  sn doc update context 4f0c... title="Chat 2"
  sn doc list context`,
}

// parseProps turns name=value arguments into document properties.
func parseProps(args []string) (directory.Props, error) {
	props := make(directory.Props, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid property %q, want name=value", arg)
		}
		if json.Valid([]byte(value)) {
			props[name] = json.RawMessage(value)
			continue
		}
		raw, _ := json.Marshal(value)
		props[name] = raw
	}
	return props, nil
}

func mustDirectory(n *node, resource string) *directory.Directory {
	dir, ok := n.vol.Directory(resource)
	if !ok {
		_ = n.Close()
		fatalf("unknown resource %q (have %s)", resource, strings.Join(n.vol.Resources(), ", "))
	}
	return dir
}

func printDocument(doc *schema.Document) {
	values := doc.Values()
	values[schema.GUIDProperty], _ = json.Marshal(doc.GUID)
	data, _ := json.MarshalIndent(values, "", "  ")
	fmt.Println(string(data))
}

var docCreateCmd = &cobra.Command{
	Use:   "create <resource> [name=value...]",
	Short: "Create a document",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		props, err := parseProps(args[1:])
		if err != nil {
			fatalf("%v", err)
		}
		n := mustOpenNode(cmd)
		defer n.Close()

		guid, err := mustDirectory(n, args[0]).Create(cmd.Context(), props)
		if err != nil {
			_ = n.Close()
			fatalf("create failed: %v", err)
		}
		fmt.Printf("%s Created %s/%s\n", ui.RenderPass("✓"), args[0], ui.RenderAccent(guid))
	},
}

var docUpdateCmd = &cobra.Command{
	Use:   "update <resource> <guid> name=value...",
	Short: "Change properties of a document",
	Args:  cobra.MinimumNArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		props, err := parseProps(args[2:])
		if err != nil {
			fatalf("%v", err)
		}
		n := mustOpenNode(cmd)
		defer n.Close()

		if err := mustDirectory(n, args[0]).Update(cmd.Context(), args[1], props); err != nil {
			_ = n.Close()
			fatalf("update failed: %v", err)
		}
		fmt.Printf("%s Updated %s/%s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete <resource> <guid>",
	Short: "Delete a document, leaving a replicated tombstone",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		n := mustOpenNode(cmd)
		defer n.Close()

		if err := mustDirectory(n, args[0]).Delete(cmd.Context(), args[1]); err != nil {
			_ = n.Close()
			fatalf("delete failed: %v", err)
		}
		fmt.Printf("%s Deleted %s/%s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get <resource> <guid>",
	Short: "Print a document as JSON",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		n := mustOpenNode(cmd)
		defer n.Close()

		doc, err := mustDirectory(n, args[0]).Get(cmd.Context(), args[1])
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}
		printDocument(doc)
	},
}

var docListCmd = &cobra.Command{
	Use:   "list <resource>",
	Short: "List live documents",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		n := mustOpenNode(cmd)
		defer n.Close()

		docs, err := mustDirectory(n, args[0]).List(cmd.Context())
		if err != nil {
			_ = n.Close()
			fatalf("%v", err)
		}
		if jsonOutput {
			for _, doc := range docs {
				values := doc.Values()
				values[schema.GUIDProperty], _ = json.Marshal(doc.GUID)
				data, _ := json.Marshal(values)
				fmt.Println(string(data))
			}
			return
		}
		if len(docs) == 0 {
			fmt.Fprintln(os.Stderr, ui.RenderMuted("No documents"))
			return
		}
		for _, doc := range docs {
			fmt.Printf("%s  %s\n", ui.RenderAccent(doc.GUID), summary(doc))
		}
	},
}

// summary shows a title or name property, or else the property names.
func summary(doc *schema.Document) string {
	names := make([]string, 0, len(doc.Props))
	for name := range doc.Props {
		if name != schema.LayerProperty {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, key := range []string{"title", "name"} {
		if p, ok := doc.Props[key]; ok {
			var s string
			if json.Unmarshal(p.Value, &s) == nil {
				return s
			}
		}
	}
	return ui.RenderMuted(strings.Join(names, ", "))
}

func init() {
	docListCmd.Flags().Bool("json", false, "Output JSONL")
	docCmd.AddCommand(docCreateCmd, docUpdateCmd, docDeleteCmd, docGetCmd, docListCmd)
	rootCmd.AddCommand(docCmd)
}
