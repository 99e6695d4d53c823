// Package config loads node settings from a TOML file, SN_* environment
// variables and defaults, in that order of precedence from last to first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: SN_ROOT, SN_LISTEN, SN_LOG_FILE.
const EnvPrefix = "SN"

// Peer is a node synced online.
type Peer struct {
	ID  string `mapstructure:"id" toml:"id"`
	URL string `mapstructure:"url" toml:"url"`
}

// Log configures log output.
type Log struct {
	File       string `mapstructure:"file" toml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// Config holds node settings.
type Config struct {
	// Root is the data root of the volume.
	Root string `mapstructure:"root"`
	// NodeID names this node in packets; empty means the id stored under
	// Root, created on first use.
	NodeID string `mapstructure:"node_id"`
	// Schema is an optional TOML resource schema replacing the built-in one.
	Schema string `mapstructure:"schema"`

	Listen string `mapstructure:"listen"`

	Peers        []Peer        `mapstructure:"peers"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	PacketLimit  int64         `mapstructure:"packet_limit"`

	MountRoots   []string `mapstructure:"mount_roots"`
	OfflinePeer  string   `mapstructure:"offline_peer"`
	MediaReserve int64    `mapstructure:"media_reserve"`

	Log Log `mapstructure:"log"`
}

// DefaultPath returns the config file looked up when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sugar-network.toml"
	}
	return filepath.Join(dir, "sugar-network", "config.toml")
}

func defaultRoot() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".sugar-network")
	}
	return ".sugar-network"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", defaultRoot())
	v.SetDefault("node_id", "")
	v.SetDefault("schema", "")
	v.SetDefault("listen", ":8000")
	v.SetDefault("sync_interval", 15*time.Minute)
	v.SetDefault("packet_limit", int64(64<<20))
	v.SetDefault("mount_roots", mountRoots())
	v.SetDefault("offline_peer", "")
	v.SetDefault("media_reserve", int64(16<<20))
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// mountRoots lists where removable media usually appears.
func mountRoots() []string {
	roots := []string{"/media", "/mnt"}
	if user := os.Getenv("USER"); user != "" {
		roots = append(roots, filepath.Join("/media", user), filepath.Join("/run/media", user))
	}
	return roots
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads the config file at path, or DefaultPath when path is empty.
// A missing default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root cannot be empty")
	}
	if strings.ContainsAny(c.NodeID, `/\`) {
		return fmt.Errorf("invalid node_id %q", c.NodeID)
	}
	seen := make(map[string]bool)
	for _, p := range c.Peers {
		if p.ID == "" || strings.ContainsAny(p.ID, `/\`) {
			return fmt.Errorf("invalid peer id %q", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("peer %s is listed twice", p.ID)
		}
		seen[p.ID] = true
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("peer %s: invalid url %q", p.ID, p.URL)
		}
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval cannot be negative")
	}
	return nil
}

// Peer returns the configured peer with the given id.
func (c *Config) Peer(id string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// ResolveNodeID returns NodeID, or the id persisted in <Root>/node, which
// is created on first use.
func (c *Config) ResolveNodeID() (string, error) {
	if c.NodeID != "" {
		return c.NodeID, nil
	}
	path := filepath.Join(c.Root, "node")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read node id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(c.Root, 0755); err != nil {
		return "", fmt.Errorf("failed to create root: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write node id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write node id: %w", err)
	}
	return id, nil
}

// file is the on-disk shape written by Write.
type file struct {
	Root         string   `toml:"root"`
	NodeID       string   `toml:"node_id,omitempty"`
	Schema       string   `toml:"schema,omitempty"`
	Listen       string   `toml:"listen"`
	SyncInterval string   `toml:"sync_interval"`
	PacketLimit  int64    `toml:"packet_limit"`
	MountRoots   []string `toml:"mount_roots"`
	OfflinePeer  string   `toml:"offline_peer,omitempty"`
	MediaReserve int64    `toml:"media_reserve"`
	Log          Log      `toml:"log"`
	Peers        []Peer   `toml:"peers,omitempty"`
}

// Write stores c as TOML at path via a temp file.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	err = toml.NewEncoder(f).Encode(file{
		Root:         c.Root,
		NodeID:       c.NodeID,
		Schema:       c.Schema,
		Listen:       c.Listen,
		SyncInterval: c.SyncInterval.String(),
		PacketLimit:  c.PacketLimit,
		MountRoots:   c.MountRoots,
		OfflinePeer:  c.OfflinePeer,
		MediaReserve: c.MediaReserve,
		Log:          c.Log,
		Peers:        c.Peers,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
