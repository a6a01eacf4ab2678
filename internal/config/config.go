// Package config loads and watches the bridge configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the file leaves a field unset.
const (
	DefaultWebAddr         = "127.0.0.1:7621"
	DefaultTargetHost      = "127.0.0.1"
	DefaultTargetPort      = 9222
	DefaultPollIntervalMs  = 500
	DefaultPollTimeoutMs   = 120000
	DefaultEventBufferSize = 1000
)

// Config is the full bridge configuration.
type Config struct {
	Account string        `toml:"account"`
	Target  TargetConfig  `toml:"target"`
	Gateway GatewayConfig `toml:"gateway"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Tools   ToolsConfig   `toml:"tools"`
	Web     WebConfig     `toml:"web"`
}

// TargetConfig locates the debuggable application.
type TargetConfig struct {
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	SelectorChain    []string `toml:"selector_chain"`
	ResponseSelector string   `toml:"response_selector"`
}

// GatewayConfig holds the gateway endpoint and identity.
type GatewayConfig struct {
	URL      string   `toml:"url"`
	Token    string   `toml:"token"`
	ClientID string   `toml:"client_id"`
	Mode     string   `toml:"mode"`
	Role     string   `toml:"role"`
	Scopes   []string `toml:"scopes"`
	Caps     []string `toml:"caps"`
}

// BridgeConfig tunes correlation and buffering.
type BridgeConfig struct {
	PollIntervalMs  int    `toml:"poll_interval_ms"`
	PollTimeoutMs   int    `toml:"poll_timeout_ms"`
	EventBufferSize int    `toml:"event_buffer_size"`
	LockDir         string `toml:"lock_dir"`
}

// ToolsConfig controls the MCP tool server.
type ToolsConfig struct {
	Enabled bool `toml:"enabled"`
}

// WebConfig controls the status HTTP endpoint.
type WebConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Default returns a config with every defaultable field filled in.
func Default() *Config {
	return &Config{
		Account: "default",
		Target: TargetConfig{
			Host: DefaultTargetHost,
			Port: DefaultTargetPort,
		},
		Bridge: BridgeConfig{
			PollIntervalMs:  DefaultPollIntervalMs,
			PollTimeoutMs:   DefaultPollTimeoutMs,
			EventBufferSize: DefaultEventBufferSize,
		},
		Web: WebConfig{
			Addr: DefaultWebAddr,
		},
	}
}

// Load reads the TOML file at path. A missing file yields the defaults; a
// present file is decoded over them, so partial files are fine.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields a file set to zero values.
func (c *Config) applyDefaults() {
	if c.Account == "" {
		c.Account = "default"
	}
	if c.Target.Host == "" {
		c.Target.Host = DefaultTargetHost
	}
	if c.Target.Port == 0 {
		c.Target.Port = DefaultTargetPort
	}
	if c.Bridge.PollIntervalMs == 0 {
		c.Bridge.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.Bridge.PollTimeoutMs == 0 {
		c.Bridge.PollTimeoutMs = DefaultPollTimeoutMs
	}
	if c.Bridge.EventBufferSize == 0 {
		c.Bridge.EventBufferSize = DefaultEventBufferSize
	}
	if c.Web.Addr == "" {
		c.Web.Addr = DefaultWebAddr
	}
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("target port %d out of range", c.Target.Port)
	}
	if c.Bridge.PollIntervalMs < 0 || c.Bridge.PollTimeoutMs < 0 {
		return fmt.Errorf("negative poll timing")
	}
	return nil
}

// Save writes the config to path as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// LockDir returns the directory for the per-account lock file.
func (c *Config) LockDir() string {
	if c.Bridge.LockDir != "" {
		return c.Bridge.LockDir
	}
	return filepath.Join(os.TempDir(), "clawbridge")
}
