package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/sugar-network/node/internal/config"
	"github.com/sugar-network/node/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage the node configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		tmp, err := os.CreateTemp("", "sn-config-*.toml")
		if err != nil {
			fatalf("%v", err)
		}
		path := tmp.Name()
		_ = tmp.Close()
		defer os.Remove(path)

		if err := cfg.Write(path); err != nil {
			fatalf("%v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Print(string(data))
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file, asking for the essentials on a terminal",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil && !force {
			fatalf("%s already exists (use --force to overwrite)", path)
		}

		c := *cfg
		if ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout) {
			if err := askConfig(&c); err != nil {
				fatalf("%v", err)
			}
		}
		if err := c.Validate(); err != nil {
			fatalf("%v", err)
		}
		if err := c.Write(path); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), ui.RenderAccent(path))
	},
}

func askConfig(c *config.Config) error {
	var hubID, hubURL, interval string
	interval = c.SyncInterval.String()
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Data root").Value(&c.Root).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("required")
					}
					return nil
				}),
			huh.NewInput().Title("Listen address").Value(&c.Listen),
			huh.NewInput().Title("Sync interval").Value(&interval).
				Validate(func(s string) error {
					_, err := parseInterval(s)
					return err
				}),
		),
		huh.NewGroup(
			huh.NewInput().Title("Peer id").Description("Leave empty to skip").Value(&hubID),
			huh.NewInput().Title("Peer URL").Value(&hubURL).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					u, err := url.Parse(s)
					if err != nil || u.Host == "" {
						return fmt.Errorf("not a URL")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	d, err := parseInterval(interval)
	if err != nil {
		return err
	}
	c.SyncInterval = d
	if hubID != "" && hubURL != "" {
		if _, ok := c.Peer(hubID); !ok {
			c.Peers = append(c.Peers, config.Peer{ID: hubID, URL: hubURL})
		}
	}
	return nil
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
