package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestResolvePath verifies absolute and relative path resolution logic.
func TestResolvePath(t *testing.T) {
	home := "/app/home"

	tests := []struct {
		name     string
		homeDir  string
		path     string
		expected string
	}{
		{
			name:     "Empty Path",
			homeDir:  home,
			path:     "",
			expected: home,
		},
		{
			name:     "Absolute Path",
			homeDir:  home,
			path:     "/etc/config",
			expected: "/etc/config",
		},
		{
			name:     "Relative Path",
			homeDir:  home,
			path:     "data/db",
			expected: filepath.Join(home, "data/db"),
		},
		{
			name:     "Dot Path",
			homeDir:  home,
			path:     ".",
			expected: home,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePath(tt.homeDir, tt.path)
			if got != tt.expected {
				t.Errorf("ResolvePath(%q, %q) = %q; want %q", tt.homeDir, tt.path, got, tt.expected)
			}
		})
	}
}

// TestLoadDefaults checks that an empty path yields the built-in
// defaults.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != ":6480" {
		t.Errorf("Port = %q; want :6480", cfg.Port)
	}
	if cfg.ShardCount != 4 {
		t.Errorf("ShardCount = %d; want 4", cfg.ShardCount)
	}
	if cfg.TieredMinValueSize != 64 {
		t.Errorf("TieredMinValueSize = %d; want 64", cfg.TieredMinValueSize)
	}
	if !cfg.TieredCooling {
		t.Error("TieredCooling should default to true")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stormkv.yaml")
	data := []byte("port: \":7000\"\nshard_count: 8\nmax_memory: 1048576\ntiered_cooling: false\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != ":7000" {
		t.Errorf("Port = %q; want :7000", cfg.Port)
	}
	if cfg.ShardCount != 8 {
		t.Errorf("ShardCount = %d; want 8", cfg.ShardCount)
	}
	if cfg.MaxMemory != 1048576 {
		t.Errorf("MaxMemory = %d; want 1048576", cfg.MaxMemory)
	}
	if cfg.TieredCooling {
		t.Error("TieredCooling should be false")
	}
	// Untouched keys keep their defaults.
	if cfg.DbCount != 16 {
		t.Errorf("DbCount = %d; want 16", cfg.DbCount)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults", func(c *Config) {}, false},
		{"Zero Shards", func(c *Config) { c.ShardCount = 0 }, true},
		{"Negative Dbs", func(c *Config) { c.DbCount = -1 }, true},
		{"Tiny Backing File", func(c *Config) { c.TieredMaxFileSize = 100 }, true},
		{"Zero Write Depth", func(c *Config) { c.TieredWriteDepth = 0 }, true},
		{"Factor Above One", func(c *Config) { c.TieredLowMemoryFactor = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		})
	}
}
