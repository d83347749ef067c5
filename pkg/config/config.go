// Package config provides YAML-based configuration loading for lunadev nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport selects and configures the datagram link
	Transport TransportConfig `mapstructure:"transport"`

	// Peering holds protocol-layer options
	Peering PeeringConfig `mapstructure:"peering"`
}

// TransportConfig configures the datagram endpoint.
type TransportConfig struct {
	// Kind: udp, quic or mem
	Kind string `mapstructure:"kind"`
	// Listen local bind address
	Listen string `mapstructure:"listen"`
	// Dial remote addresses to connect to on startup
	Dial []string `mapstructure:"dial"`
}

// PeeringConfig tunes the peer protocol layer.
type PeeringConfig struct {
	// PeerBufferSize bounds each peer's inbound/outbound buffers
	PeerBufferSize int `mapstructure:"peer_buffer_size"`
	// PollIntervalMS is the transport loop poll period in milliseconds
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
	// AcceptBacklog bounds inbound peers waiting to be accepted
	AcceptBacklog int `mapstructure:"accept_backlog"`
	// DialBackoffMS is the delay between outbound dial attempts in milliseconds
	DialBackoffMS int `mapstructure:"dial_backoff_ms"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "lunadev-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/lunadev.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:   "udp",
			Listen: ":43721",
		},
		Peering: PeeringConfig{
			PeerBufferSize: 8,
			PollIntervalMS: 50,
			AcceptBacklog:  8,
			DialBackoffMS:  1000,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix LUNADEV and `.`/`-` are replaced with
// `_`. Example: LUNADEV_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LUNADEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("transport.dial", cfg.Transport.Dial)
	v.SetDefault("peering.peer_buffer_size", cfg.Peering.PeerBufferSize)
	v.SetDefault("peering.poll_interval_ms", cfg.Peering.PollIntervalMS)
	v.SetDefault("peering.accept_backlog", cfg.Peering.AcceptBacklog)
	v.SetDefault("peering.dial_backoff_ms", cfg.Peering.DialBackoffMS)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("LUNADEV_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `lunadev`
		v.SetConfigName("lunadev")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".lunadev"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "udp", "quic", "mem":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}

	if c.Peering.PeerBufferSize <= 0 {
		c.Peering.PeerBufferSize = 8
	}
	if c.Peering.PollIntervalMS <= 0 {
		c.Peering.PollIntervalMS = 50
	}
	if c.Peering.AcceptBacklog <= 0 {
		c.Peering.AcceptBacklog = 8
	}
	if c.Peering.DialBackoffMS <= 0 {
		c.Peering.DialBackoffMS = 1000
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
