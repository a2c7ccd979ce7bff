package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.HTTP.Listen)
	}
	if cfg.Engine.RuleTimeout != 5*time.Second {
		t.Errorf("RuleTimeout = %s, want 5s", cfg.Engine.RuleTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  url: postgres://db:5432/rulechain
  max_open_conns: 50
http:
  listen: ":9090"
engine:
  rule_timeout: 2s
audit:
  path: /var/log/chains.jsonl
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://db:5432/rulechain" {
		t.Errorf("URL = %q", cfg.Database.URL)
	}
	if cfg.Database.MaxOpenConns != 50 {
		t.Errorf("MaxOpenConns = %d, want 50", cfg.Database.MaxOpenConns)
	}
	if cfg.HTTP.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.HTTP.Listen)
	}
	if cfg.Engine.RuleTimeout != 2*time.Second {
		t.Errorf("RuleTimeout = %s, want 2s", cfg.Engine.RuleTimeout)
	}
	if cfg.Audit.Path != "/var/log/chains.jsonl" {
		t.Errorf("Audit.Path = %q", cfg.Audit.Path)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  url: postgres://file/db
engine:
  rule_timeout: 2s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("RULECHAIN_RULE_TIMEOUT", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://env/db" {
		t.Errorf("URL = %q, want env value", cfg.Database.URL)
	}
	if cfg.Engine.RuleTimeout != 750*time.Millisecond {
		t.Errorf("RuleTimeout = %s, want 750ms", cfg.Engine.RuleTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.Database.URL = "postgres://x" }, false},
		{"missing url", func(c *Config) {}, true},
		{"zero timeout", func(c *Config) {
			c.Database.URL = "postgres://x"
			c.Engine.RuleTimeout = 0
		}, true},
		{"idle exceeds open", func(c *Config) {
			c.Database.URL = "postgres://x"
			c.Database.MaxOpenConns = 2
			c.Database.MaxIdleConns = 10
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
