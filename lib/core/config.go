// Package core provides the orchestration layer of the acuray console.
// It wires the command-channel session, the per-node association pools,
// and the exposure journal, and exposes state snapshots for the
// presentation layer.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/acuray/console/lib/validation"
)

// Default configuration values
const (
	DefaultPoolCapacity       = 5
	DefaultAcquireTimeout     = 30 * time.Second
	DefaultShutdownGrace      = 5 * time.Second
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultTimeoutMultiplier  = 3
	DefaultReconnectBaseDelay = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultReconnectAttempts  = 5
	DefaultJournalInterval    = 30 * time.Second
	DefaultMetricsListen      = "127.0.0.1:9464"
	DefaultControlSocket      = "consoled.sock"
)

// Config holds all configuration for the console.
type Config struct {
	Console   ConsoleConfig    `toml:"console"`
	Pool      PoolConfig       `toml:"pool"`
	Heartbeat HeartbeatConfig  `toml:"heartbeat"`
	Reconnect ReconnectConfig  `toml:"reconnect"`
	Command   CommandConfig    `toml:"command"`
	Journal   JournalConfig    `toml:"journal"`
	Metrics   MetricsConfig    `toml:"metrics"`
	Control   ControlConfig    `toml:"control"`
	Nodes     []RemoteNodeSpec `toml:"nodes"`
}

// ConsoleConfig contains basic console identification settings.
type ConsoleConfig struct {
	// Name is a human-readable identifier for this console
	Name string `toml:"name"`
	// DataDir is the directory where persistent data is stored
	DataDir string `toml:"data_dir"`
}

// PoolConfig bounds association pools.
type PoolConfig struct {
	// Capacity is the per-node concurrency limit
	Capacity int `toml:"capacity"`
	// AcquireTimeout bounds how long a caller waits for a slot
	AcquireTimeout time.Duration `toml:"acquire_timeout"`
	// ShutdownGrace is how long shutdown waits for outstanding leases
	ShutdownGrace time.Duration `toml:"shutdown_grace"`
}

// HeartbeatConfig tunes command-channel liveness detection.
type HeartbeatConfig struct {
	// Interval is how often liveness is checked
	Interval time.Duration `toml:"interval"`
	// TimeoutMultiplier sets the silence window as a multiple of Interval
	TimeoutMultiplier int `toml:"timeout_multiplier"`
}

// ReconnectConfig tunes the command-channel backoff policy.
type ReconnectConfig struct {
	// BaseDelay is the first retry delay
	BaseDelay time.Duration `toml:"base_delay"`
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration `toml:"max_delay"`
	// MaxAttempts is the number of failed retries before Fault (0 = unlimited)
	MaxAttempts int `toml:"max_attempts"`
	// JitterFraction is the random jitter factor (0.0-1.0)
	JitterFraction float64 `toml:"jitter_fraction"`
}

// CommandConfig locates the exposure-control server.
type CommandConfig struct {
	// Address of the exposure-control server (host:port)
	Address string `toml:"address"`
	// VersionMajor and VersionMinor announce the console protocol revision
	VersionMajor int `toml:"version_major"`
	VersionMinor int `toml:"version_minor"`
}

// JournalConfig controls exposure record persistence.
type JournalConfig struct {
	// Path is the journal file (relative to DataDir unless absolute)
	Path string `toml:"path"`
	// SaveInterval is how often dirty records are auto-saved
	SaveInterval time.Duration `toml:"save_interval"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether the metrics server is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

// ControlConfig controls the local control socket.
type ControlConfig struct {
	// Enabled controls whether the control socket is served
	Enabled bool `toml:"enabled"`
	// Socket is the socket path (relative to DataDir unless absolute)
	Socket string `toml:"socket"`
}

// RemoteNodeSpec describes one PACS or worklist node.
type RemoteNodeSpec struct {
	// Name is the logical node identifier
	Name string `toml:"name"`
	// AETitle presented at association establishment
	AETitle string `toml:"ae_title"`
	// Host and Port locate the node
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// Capacity overrides the pool capacity for this node (0 = pool default)
	Capacity int `toml:"capacity,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".acuray")

	return &Config{
		Console: ConsoleConfig{
			Name:    "console-1",
			DataDir: dataDir,
		},
		Pool: PoolConfig{
			Capacity:       DefaultPoolCapacity,
			AcquireTimeout: DefaultAcquireTimeout,
			ShutdownGrace:  DefaultShutdownGrace,
		},
		Heartbeat: HeartbeatConfig{
			Interval:          DefaultHeartbeatInterval,
			TimeoutMultiplier: DefaultTimeoutMultiplier,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   DefaultReconnectBaseDelay,
			MaxDelay:    DefaultReconnectMaxDelay,
			MaxAttempts: DefaultReconnectAttempts,
		},
		Command: CommandConfig{
			Address:      "127.0.0.1:7400",
			VersionMajor: 2,
			VersionMinor: 0,
		},
		Journal: JournalConfig{
			Path:         "exposures.json",
			SaveInterval: DefaultJournalInterval,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  DefaultMetricsListen,
		},
		Control: ControlConfig{
			Enabled: true,
			Socket:  DefaultControlSocket,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Console.Name == "" {
		return errors.New("console.name is required")
	}
	if c.Console.DataDir == "" {
		return errors.New("console.data_dir is required")
	}
	if c.Pool.Capacity < 1 {
		return errors.New("pool.capacity must be at least 1")
	}
	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be positive")
	}
	if c.Heartbeat.TimeoutMultiplier < 1 {
		return errors.New("heartbeat.timeout_multiplier must be at least 1")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be positive")
	}
	if c.Reconnect.JitterFraction < 0 || c.Reconnect.JitterFraction > 1 {
		return errors.New("reconnect.jitter_fraction must be between 0 and 1")
	}
	if err := validation.HostPort("command.address", c.Command.Address); err != nil {
		return err
	}
	if c.Control.Enabled && c.Control.Socket == "" {
		return errors.New("control.socket is required when control is enabled")
	}
	for i, n := range c.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		if err := validation.All(
			func() error { return validation.NodeName(prefix+".name", n.Name) },
			func() error { return validation.AETitle(prefix+".ae_title", n.AETitle) },
			func() error { return validation.Required(prefix+".host", n.Host) },
			func() error { return validation.Port(prefix+".port", n.Port) },
			func() error { return validation.NonNegative(prefix+".capacity", n.Capacity) },
		); err != nil {
			return err
		}
	}
	return nil
}

// ControlSocketPath returns the absolute control socket location.
func (c *Config) ControlSocketPath() string {
	if filepath.IsAbs(c.Control.Socket) {
		return c.Control.Socket
	}
	return filepath.Join(c.Console.DataDir, c.Control.Socket)
}

// JournalPath returns the absolute journal file location.
func (c *Config) JournalPath() string {
	if filepath.IsAbs(c.Journal.Path) {
		return c.Journal.Path
	}
	return filepath.Join(c.Console.DataDir, c.Journal.Path)
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Console.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Console.DataDir, 0700)
}
