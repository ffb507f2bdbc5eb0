// Package config loads the obsync configuration. The loaded value is
// threaded into every entry point; nothing else reads the environment
// after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Vault names one markdown vault root.
type Vault struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// List names one reminders list.
type List struct {
	Name       string `yaml:"name"`
	Identifier string `yaml:"identifier"`
}

// CreationCaps bounds per-direction counterpart creations per run.
type CreationCaps struct {
	MdToRem int `yaml:"md_to_rem"`
	RemToMd int `yaml:"rem_to_md"`
}

// GatewayConfig configures the reminders bridge client.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	Vaults []Vault `yaml:"vaults"`
	Lists  []List  `yaml:"lists"`

	// Ignore lists directory names skipped during vault walks, in
	// addition to hidden directories.
	Ignore []string `yaml:"ignore"`

	MinScore                   float64 `yaml:"min_score"`
	DaysTolerance              int     `yaml:"days_tolerance"`
	IncludeCompletedInMatching bool    `yaml:"include_completed_in_matching"`

	CreationCaps    CreationCaps `yaml:"creation_caps"`
	CreationAgeDays int          `yaml:"creation_age_days"`

	DefaultCreationVault string `yaml:"default_creation_vault"`
	DefaultCreationList  string `yaml:"default_creation_list"`

	// CreationPolicy picks the destination file for rem→md creations:
	// "daily" (dated note under DailyDir) or "inbox" (InboxFile).
	CreationPolicy string `yaml:"creation_policy"`
	DailyDir       string `yaml:"daily_dir"`
	InboxFile      string `yaml:"inbox_file"`

	WriteAnchors bool `yaml:"write_anchors"`

	StateDir string        `yaml:"state_dir"`
	Gateway  GatewayConfig `yaml:"gateway"`

	LockTimeout time.Duration `yaml:"lock_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		MinScore:        0.75,
		DaysTolerance:   1,
		CreationCaps:    CreationCaps{MdToRem: 25, RemToMd: 25},
		CreationAgeDays: 14,
		CreationPolicy:  "daily",
		DailyDir:        "daily",
		InboxFile:       "inbox.md",
		Gateway: GatewayConfig{
			BaseURL: "http://127.0.0.1:7431",
			Timeout: 30 * time.Second,
		},
		LockTimeout: 30 * time.Second,
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. Tests supply isolated environments through it.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := configPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override config file
	if url := getenv("OBSYNC_GATEWAY_URL"); url != "" {
		cfg.Gateway.BaseURL = url
	}
	if dir := getenv("OBSYNC_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
	}

	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir(getenv)
	}

	return cfg, cfg.Validate()
}

// LoadFile loads configuration from an explicit path, bypassing the
// search order. Missing files are an error here, unlike Load.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir(os.Getenv)
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants the pipeline depends on. Per-vault and
// per-list problems (missing paths) are not fatal here; the indexers
// degrade those individually.
func (c *Config) Validate() error {
	if c.MinScore <= 0 || c.MinScore > 1 {
		return fmt.Errorf("min_score %v out of range (0, 1]", c.MinScore)
	}
	if c.DaysTolerance < 0 {
		return fmt.Errorf("days_tolerance %d must be non-negative", c.DaysTolerance)
	}
	if c.CreationAgeDays < 0 {
		return fmt.Errorf("creation_age_days %d must be non-negative", c.CreationAgeDays)
	}
	switch c.CreationPolicy {
	case "daily", "inbox":
	default:
		return fmt.Errorf("creation_policy %q must be daily or inbox", c.CreationPolicy)
	}
	return nil
}

// VaultByName returns the named vault, or nil.
func (c *Config) VaultByName(name string) *Vault {
	for i := range c.Vaults {
		if c.Vaults[i].Name == name {
			return &c.Vaults[i]
		}
	}
	return nil
}

// ListByName returns the named list, or nil.
func (c *Config) ListByName(name string) *List {
	for i := range c.Lists {
		if c.Lists[i].Name == name {
			return &c.Lists[i]
		}
	}
	return nil
}

// ListIDs returns the identifiers of every configured list, in order.
func (c *Config) ListIDs() []string {
	ids := make([]string, 0, len(c.Lists))
	for _, l := range c.Lists {
		ids = append(ids, l.Identifier)
	}
	return ids
}

func configPathWithEnv(getenv func(string) string) string {
	if p := getenv("OBSYNC_CONFIG"); p != "" {
		return p
	}
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "obsync", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "obsync", "config.yaml")
}

func defaultStateDir(getenv func(string) string) string {
	if xdgData := getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "obsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "obsync")
}
