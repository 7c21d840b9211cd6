// Package config loads sideload settings from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/sideload/internal/broker"
	"github.com/ppiankov/sideload/internal/ratelimit"
	"github.com/ppiankov/sideload/internal/session"
	"github.com/ppiankov/sideload/internal/shell"
)

// BrokerConfig describes how to reach the privilege broker.
type BrokerConfig struct {
	Socket     string `yaml:"socket"`
	Caller     string `yaml:"caller"`
	MinVersion string `yaml:"min_version"`
}

// ElevatedConfig tunes the session installer.
type ElevatedConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	EntryName     string        `yaml:"entry_name"`
	HostPackage   string        `yaml:"host_package"`
	HostUserID    int           `yaml:"host_user_id"`
}

// ShellConfig tunes the root shell installer.
type ShellConfig struct {
	Su            string        `yaml:"su"`
	SuccessMarker string        `yaml:"success_marker"`
	AllowTest     bool          `yaml:"allow_test"`
	Timeout       time.Duration `yaml:"timeout"`
}

// JournalConfig locates the install journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// DaemonConfig configures "sideload broker serve".
type DaemonConfig struct {
	StateDir    string          `yaml:"state_dir"`
	AutoGrant   bool            `yaml:"auto_grant"`
	MaxSessions int             `yaml:"max_sessions"`
	UID         int             `yaml:"uid"`
	PromptLimit ratelimit.Limit `yaml:"prompt_limit"`

	// SessionMaxAge releases sessions left idle by clients that went away.
	SessionMaxAge time.Duration `yaml:"session_max_age"`
}

// Config is the full configuration file.
type Config struct {
	ReplaceExisting bool           `yaml:"replace_existing"`
	Workers         int            `yaml:"workers"`
	Broker          BrokerConfig   `yaml:"broker"`
	Elevated        ElevatedConfig `yaml:"elevated"`
	Shell           ShellConfig    `yaml:"shell"`
	Journal         JournalConfig  `yaml:"journal"`
	Daemon          DaemonConfig   `yaml:"daemon"`
}

// DefaultDir returns ~/.sideload, or a temp directory when home is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sideload")
	}
	return filepath.Join(home, ".sideload")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	dir := DefaultDir()
	sess := session.DefaultConfig()
	sh := shell.DefaultConfig()
	return &Config{
		ReplaceExisting: true,
		Workers:         4,
		Broker: BrokerConfig{
			Socket:     filepath.Join(dir, "broker.sock"),
			Caller:     sess.HostPackage,
			MinVersion: broker.DefaultMinVersion,
		},
		Elevated: ElevatedConfig{
			ChunkSize:     sess.ChunkSize,
			CommitTimeout: sess.CommitTimeout,
			EntryName:     sess.EntryName,
			HostPackage:   sess.HostPackage,
		},
		Shell: ShellConfig{
			Su:            sh.Su,
			SuccessMarker: sh.SuccessMarker,
			AllowTest:     sh.AllowTest,
			Timeout:       sh.Timeout,
		},
		Journal: JournalConfig{Path: filepath.Join(dir, "journal.jsonl")},
		Daemon: DaemonConfig{
			StateDir:      filepath.Join(dir, "broker"),
			MaxSessions:   16,
			UID:           os.Getuid(),
			PromptLimit:   ratelimit.Limit{MaxRequests: 10, Window: time.Minute},
			SessionMaxAge: 30 * time.Minute,
		},
	}
}

// LoadConfig loads configuration from a YAML file.
// Empty path falls back to ~/.sideload/config.yaml.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Start with defaults, YAML overwrites only specified fields
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Elevated.ChunkSize <= 0 {
		return fmt.Errorf("elevated.chunk_size must be positive, got %d", c.Elevated.ChunkSize)
	}
	if c.Elevated.CommitTimeout < 0 {
		return fmt.Errorf("elevated.commit_timeout must not be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Broker.Caller == "" {
		return fmt.Errorf("broker.caller must be set")
	}
	if c.Daemon.PromptLimit.MaxRequests < 0 || c.Daemon.PromptLimit.Window < 0 {
		return fmt.Errorf("daemon.prompt_limit must not be negative")
	}
	if c.Daemon.SessionMaxAge < 0 {
		return fmt.Errorf("daemon.session_max_age must not be negative")
	}
	return nil
}

// Session returns the session installer settings.
func (c *Config) Session() session.Config {
	return session.Config{
		ChunkSize:       c.Elevated.ChunkSize,
		CommitTimeout:   c.Elevated.CommitTimeout,
		EntryName:       c.Elevated.EntryName,
		ReplaceExisting: c.ReplaceExisting,
		HostPackage:     c.Elevated.HostPackage,
		HostUserID:      c.Elevated.HostUserID,
	}
}

// ShellInstaller returns the shell installer settings.
func (c *Config) ShellInstaller() shell.Config {
	return shell.Config{
		Su:              c.Shell.Su,
		SuccessMarker:   c.Shell.SuccessMarker,
		ReplaceExisting: c.ReplaceExisting,
		AllowTest:       c.Shell.AllowTest,
		Timeout:         c.Shell.Timeout,
	}
}
