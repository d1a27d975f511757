package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 15 {
		t.Errorf("expected max_conns 15, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Dispatch.TimeToLive != 2*time.Minute {
		t.Errorf("expected dispatch ttl 2m, got %v", cfg.Dispatch.TimeToLive)
	}
	if cfg.Submitter.DefaultPartition != "default" {
		t.Errorf("expected default partition, got %q", cfg.Submitter.DefaultPartition)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
dispatch:
  time_to_live: 5m
  refresh_period: 1m
polling:
  delay_min: 250ms
submitter:
  max_chunk_size: 1024
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Dispatch.TimeToLive != 5*time.Minute {
		t.Errorf("expected ttl 5m, got %v", cfg.Dispatch.TimeToLive)
	}
	if cfg.Polling.DelayMin != 250*time.Millisecond {
		t.Errorf("expected delay_min 250ms, got %v", cfg.Polling.DelayMin)
	}
	if cfg.Submitter.MaxChunkSize != 1024 {
		t.Errorf("expected max_chunk_size 1024, got %d", cfg.Submitter.MaxChunkSize)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("GRIDFORGE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("GRIDFORGE_PG_MAX_CONNS", "25")
	t.Setenv("GRIDFORGE_LOG_ASYNC", "true")
	t.Setenv("GRIDFORGE_DISPATCH_TTL", "90s")
	t.Setenv("GRIDFORGE_POD_NAME", "worker-7")
	t.Setenv("GRIDFORGE_MAX_PRIORITY", "not-a-number")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if !cfg.Logging.Async {
		t.Error("expected async logging")
	}
	if cfg.Dispatch.TimeToLive != 90*time.Second {
		t.Errorf("expected ttl 90s, got %v", cfg.Dispatch.TimeToLive)
	}
	if cfg.Pollster.PodName != "worker-7" {
		t.Errorf("expected pod worker-7, got %q", cfg.Pollster.PodName)
	}
	if cfg.Submitter.MaxPriority != 4 {
		t.Errorf("invalid env value should be ignored, got %d", cfg.Submitter.MaxPriority)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "rate limit without burst",
			modify: func(c *Config) { c.Server.RateBurst = 0 },
			errMsg: "server.rate_burst must be >= 1 when rate limiting is enabled",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "unknown store backend",
			modify: func(c *Config) { c.Store.Backend = "mongo" },
			errMsg: `store.backend "mongo" is not supported`,
		},
		{
			name:   "refresh not shorter than ttl",
			modify: func(c *Config) { c.Dispatch.RefreshPeriod = c.Dispatch.TimeToLive },
			errMsg: "dispatch.refresh_period must be > 0 and < dispatch.time_to_live",
		},
		{
			name:   "zero delay",
			modify: func(c *Config) { c.Polling.DelayMin = 0 },
			errMsg: "polling.delay_min must be > 0",
		},
		{
			name:   "max below min",
			modify: func(c *Config) { c.Polling.DelayMax = c.Polling.DelayMin / 2 },
			errMsg: "polling.delay_max must be >= polling.delay_min",
		},
		{
			name:   "zero chunk size",
			modify: func(c *Config) { c.Submitter.MaxChunkSize = 0 },
			errMsg: "submitter.max_chunk_size must be >= 1",
		},
		{
			name:   "zero fetch concurrency",
			modify: func(c *Config) { c.Pollster.FetchConcurrency = 0 },
			errMsg: "pollster.fetch_concurrency must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateMemoryBackendsSkipConnections(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Backend = "memory"
	cfg.Queue.Backend = "memory"
	cfg.Objects.Backend = "memory"
	cfg.Postgres.DSN = ""
	cfg.NATS.URL = ""

	if err := validate(&cfg); err != nil {
		t.Fatalf("memory backends need no connections, got %v", err)
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFromFullHierarchy(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: "9090"
logging:
  level: "debug"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GRIDFORGE_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("YAML should override defaults: got level %q", cfg.Logging.Level)
	}
}

func TestLoadFromInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(yamlPath)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config yaml") {
		t.Errorf("expected wrapped yaml error, got %v", err)
	}
}
