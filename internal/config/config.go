// Package config loads the process configuration: defaults, overridden by
// an optional config file, overridden by VCC_* environment variables. The
// merged result is validated before anything starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated process configuration.
type Config struct {
	// APIAddr is the HTTP listen address for the control API.
	APIAddr string `mapstructure:"api_addr"`

	// IngestAddr is the UDP listen address for board data frames.
	IngestAddr string `mapstructure:"ingest_addr"`

	// BoardPort is the UDP port boards listen on for control messages.
	BoardPort int `mapstructure:"board_port"`

	// MappingFile is an optional node mapping file loaded at startup.
	MappingFile string `mapstructure:"mapping_file"`

	// DataDir holds the sqlite database and the audit log.
	DataDir string `mapstructure:"data_dir"`

	// AuthKey is the HMAC secret for API tokens. Empty disables auth.
	AuthKey string `mapstructure:"auth_key"`

	// AuthIssuer restricts accepted tokens to this issuer when set.
	AuthIssuer string `mapstructure:"auth_issuer"`

	Timing Timing `mapstructure:"timing"`
}

// Timing groups the runtime intervals and timeouts.
type Timing struct {
	// DispatchTimeout bounds one control message send to a board.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`

	// SnapshotInterval is how often telemetry snapshots are published.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`

	// HeartbeatInterval is how often telemetry heartbeats are published.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// TriggerInterval is how often trigger conditions are re-evaluated.
	TriggerInterval time.Duration `mapstructure:"trigger_interval"`

	// EventBufferSize is how many telemetry events are kept for replay.
	EventBufferSize int `mapstructure:"event_buffer_size"`
}

// Load reads the configuration, merging defaults, the config file at path
// (skipped when path is empty and no vcc.yaml is present), and VCC_*
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("api_addr", ":8080")
	v.SetDefault("ingest_addr", ":8378")
	v.SetDefault("board_port", 8378)
	v.SetDefault("mapping_file", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("auth_key", "")
	v.SetDefault("auth_issuer", "")
	v.SetDefault("timing.dispatch_timeout", 2*time.Second)
	v.SetDefault("timing.snapshot_interval", time.Second)
	v.SetDefault("timing.heartbeat_interval", 15*time.Second)
	v.SetDefault("timing.trigger_interval", 100*time.Millisecond)
	v.SetDefault("timing.event_buffer_size", 256)

	v.SetEnvPrefix("VCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	} else {
		v.SetConfigName("vcc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the configuration invariants.
func (c *Config) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("api_addr must not be empty")
	}
	if c.IngestAddr == "" {
		return fmt.Errorf("ingest_addr must not be empty")
	}
	if c.BoardPort <= 0 || c.BoardPort > 65535 {
		return fmt.Errorf("board_port %d out of range", c.BoardPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Timing.DispatchTimeout <= 0 {
		return fmt.Errorf("dispatch_timeout must be positive, got %v", c.Timing.DispatchTimeout)
	}
	if c.Timing.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot_interval must be positive, got %v", c.Timing.SnapshotInterval)
	}
	if c.Timing.HeartbeatInterval < c.Timing.SnapshotInterval {
		return fmt.Errorf("heartbeat_interval %v must be >= snapshot_interval %v",
			c.Timing.HeartbeatInterval, c.Timing.SnapshotInterval)
	}
	if c.Timing.TriggerInterval <= 0 {
		return fmt.Errorf("trigger_interval must be positive, got %v", c.Timing.TriggerInterval)
	}
	if c.Timing.EventBufferSize <= 0 {
		return fmt.Errorf("event_buffer_size must be positive, got %d", c.Timing.EventBufferSize)
	}
	return nil
}
