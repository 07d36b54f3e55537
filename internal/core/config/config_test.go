package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}

	want := DefaultConfig()
	if cfg.Server != want.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, want.Server)
	}
	if cfg.Criteria != want.Criteria {
		t.Errorf("Criteria = %+v, want %+v", cfg.Criteria, want.Criteria)
	}
	if cfg.Phenotype != want.Phenotype {
		t.Errorf("Phenotype = %+v, want %+v", cfg.Phenotype, want.Phenotype)
	}
	if cfg.Cache != want.Cache {
		t.Errorf("Cache = %+v, want %+v", cfg.Cache, want.Cache)
	}
	if cfg.Phenotype.PageSize != 100 || cfg.Cache.BatchSize != 10 {
		t.Errorf("page/batch = %d/%d, want 100/10", cfg.Phenotype.PageSize, cfg.Cache.BatchSize)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  request_timeout: 15s
criteria:
  base_url: http://criteria:8002/api/ms2
  path: /parsed-criteria/{trialID}
phenotype:
  base_url: http://phenotype:8003/api/ms3
  page_size: 50
cache:
  batch_size: 4
  retry_delay: 2s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 15*time.Second {
		t.Errorf("Server.RequestTimeout = %v, want 15s", cfg.Server.RequestTimeout)
	}
	if cfg.Criteria.Path != "/parsed-criteria/{trialID}" {
		t.Errorf("Criteria.Path = %q", cfg.Criteria.Path)
	}
	if cfg.Phenotype.PageSize != 50 {
		t.Errorf("Phenotype.PageSize = %d, want 50", cfg.Phenotype.PageSize)
	}
	if cfg.Cache.BatchSize != 4 || cfg.Cache.RetryDelay != 2*time.Second {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	// Untouched keys keep defaults.
	if cfg.Cache.LoadAttempts != 3 {
		t.Errorf("Cache.LoadAttempts = %d, want 3", cfg.Cache.LoadAttempts)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("TM_SERVER_PORT", "8080")
	t.Setenv("TM_CACHE_BATCH_SIZE", "25")

	cfg, err := LoadConfig(writeConfig(t, "server:\n  port: 9090\ncache:\n  batch_size: 5\n"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (env over file)", cfg.Server.Port)
	}
	if cfg.Cache.BatchSize != 25 {
		t.Errorf("Cache.BatchSize = %d, want 25 (env over file)", cfg.Cache.BatchSize)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig() error = nil, want error for missing file")
	}
}

func TestLoadConfig_RejectsCredentialsInFile(t *testing.T) {
	path := writeConfig(t, "criteria:\n  db_url: postgres://app:hunter2@db:5432/criteria\n")

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want credentials error")
	}
	if !strings.Contains(err.Error(), "TM_CRITERIA_DB_URL") {
		t.Errorf("error %q does not name the environment variable", err)
	}
}

func TestLoadConfig_CredentialsFromEnvAllowed(t *testing.T) {
	t.Setenv("TM_CRITERIA_DB_URL", "postgres://app:hunter2@db:5432/criteria")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil", err)
	}
	if cfg.Criteria.DBURL == "" {
		t.Error("Criteria.DBURL empty, want env value")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"grpc port negative", func(c *Config) { c.Server.GRPCPort = -1 }},
		{"grpc port clashes", func(c *Config) { c.Server.GRPCPort = c.Server.Port }},
		{"request timeout zero", func(c *Config) { c.Server.RequestTimeout = 0 }},
		{"criteria url relative", func(c *Config) { c.Criteria.BaseURL = "criteria:8002" }},
		{"criteria path without placeholder", func(c *Config) { c.Criteria.Path = "/criteria" }},
		{"criteria timeout zero", func(c *Config) { c.Criteria.Timeout = 0 }},
		{"redis without ttl", func(c *Config) {
			c.Criteria.RedisURL = "redis://localhost:6379/0"
			c.Criteria.CacheTTL = 0
		}},
		{"phenotype url empty", func(c *Config) { c.Phenotype.BaseURL = "" }},
		{"page size zero", func(c *Config) { c.Phenotype.PageSize = 0 }},
		{"init interval zero", func(c *Config) { c.Phenotype.InitInterval = 0 }},
		{"batch size zero", func(c *Config) { c.Cache.BatchSize = 0 }},
		{"load attempts zero", func(c *Config) { c.Cache.LoadAttempts = 0 }},
		{"retry delay negative", func(c *Config) { c.Cache.RetryDelay = -time.Second }},
		{"min match above 100", func(c *Config) { c.Match.DefaultMinMatch = 101 }},
		{"negative limit", func(c *Config) { c.Match.DefaultLimit = -1 }},
	}

	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("Validate(DefaultConfig()) error = %v, want nil", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("Validate() error = nil, want error")
			}
		})
	}
}

func TestValidate_InitWaitDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Phenotype.InitTimeout = 0
	cfg.Phenotype.InitInterval = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() error = %v, want nil when init wait disabled", err)
	}
}
