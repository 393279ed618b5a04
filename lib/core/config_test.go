package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Console.Name != "console-1" {
		t.Errorf("unexpected default name %q", cfg.Console.Name)
	}
	if cfg.Pool.Capacity != DefaultPoolCapacity {
		t.Errorf("unexpected default capacity %d", cfg.Pool.Capacity)
	}
	if cfg.Heartbeat.Interval != DefaultHeartbeatInterval {
		t.Errorf("unexpected heartbeat interval %s", cfg.Heartbeat.Interval)
	}
	if cfg.Reconnect.MaxAttempts != DefaultReconnectAttempts {
		t.Errorf("unexpected reconnect attempts %d", cfg.Reconnect.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Console.Name = "or-suite-3"
	cfg.Pool.Capacity = 8
	cfg.Command.Address = "exposure.local:7400"
	cfg.Nodes = []RemoteNodeSpec{
		{Name: "pacs-main", AETitle: "PACS1", Host: "10.0.0.5", Port: 11112},
		{Name: "worklist", AETitle: "WL", Host: "10.0.0.6", Port: 105, Capacity: 2},
	}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Console.Name != "or-suite-3" {
		t.Errorf("name lost in round trip: %q", loaded.Console.Name)
	}
	if loaded.Pool.Capacity != 8 {
		t.Errorf("capacity lost in round trip: %d", loaded.Pool.Capacity)
	}
	if len(loaded.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(loaded.Nodes))
	}
	if loaded.Nodes[1].Capacity != 2 {
		t.Errorf("per-node capacity lost: %d", loaded.Nodes[1].Capacity)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing config should yield defaults, got %v", err)
	}
	if cfg.Console.Name != "console-1" {
		t.Errorf("expected defaults for missing file, got %q", cfg.Console.Name)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for malformed config")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Console.Name = "" }},
		{"empty data dir", func(c *Config) { c.Console.DataDir = "" }},
		{"zero capacity", func(c *Config) { c.Pool.Capacity = 0 }},
		{"zero heartbeat interval", func(c *Config) { c.Heartbeat.Interval = 0 }},
		{"zero multiplier", func(c *Config) { c.Heartbeat.TimeoutMultiplier = 0 }},
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelay = 0 }},
		{"jitter above 1", func(c *Config) { c.Reconnect.JitterFraction = 1.5 }},
		{"empty command address", func(c *Config) { c.Command.Address = "" }},
		{"node without name", func(c *Config) {
			c.Nodes = []RemoteNodeSpec{{Host: "h", Port: 104}}
		}},
		{"node without host", func(c *Config) {
			c.Nodes = []RemoteNodeSpec{{Name: "n", Port: 104}}
		}},
		{"node port out of range", func(c *Config) {
			c.Nodes = []RemoteNodeSpec{{Name: "n", Host: "h", Port: 70000}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestJournalPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.DataDir = "/var/lib/acuray"
	cfg.Journal.Path = "exposures.json"

	if got := cfg.JournalPath(); got != filepath.Join("/var/lib/acuray", "exposures.json") {
		t.Errorf("unexpected journal path %q", got)
	}

	cfg.Journal.Path = "/mnt/shared/exposures.json"
	if got := cfg.JournalPath(); got != "/mnt/shared/exposures.json" {
		t.Errorf("absolute journal path not honored: %q", got)
	}
}

func TestEnsureDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	if err := cfg.EnsureDataDir(); err != nil {
		t.Fatalf("ensure data dir failed: %v", err)
	}
	info, err := os.Stat(cfg.Console.DataDir)
	if err != nil {
		t.Fatalf("data dir missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("data dir is not a directory")
	}
}

func TestReconnectDefaultsSurviveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	partial := `
[console]
name = "partial"
data_dir = "/tmp/partial"

[command]
address = "127.0.0.1:7400"
`
	if err := os.WriteFile(path, []byte(partial), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Console.Name != "partial" {
		t.Errorf("override lost: %q", cfg.Console.Name)
	}
	if cfg.Reconnect.MaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("unset section should keep defaults, got %s", cfg.Reconnect.MaxDelay)
	}
}
