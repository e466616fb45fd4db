package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Flows.SyncInterval != 500*time.Millisecond || cfg.Flows.CacheInterval != 800*time.Millisecond {
		t.Fatalf("unexpected interval defaults: %+v", cfg.Flows)
	}
	if cfg.Flows.ReloadDelay != 1500*time.Millisecond {
		t.Fatalf("expected reload delay 1.5s, got %v", cfg.Flows.ReloadDelay)
	}
	if cfg.Flows.IdentifierField != "connection_id" || cfg.Flows.CursorField != "offset" {
		t.Fatalf("unexpected field defaults: %+v", cfg.Flows)
	}
	if cfg.Actions.ManualSync != "catalog_sync_manual_batch" || cfg.Actions.CacheClear != "catalog_sync_clear_cache" {
		t.Fatalf("unexpected action defaults: %+v", cfg.Actions)
	}
	if cfg.HTTP.MaxRPS != 10 || cfg.HTTP.Burst != 5 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.HTTP)
	}
	if cfg.Site.NonceField != "nonce" || cfg.DB.Table != "flow_runs" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
site:
  endpoint: https://shop.example.com/wp-admin/admin-ajax.php
  nonce: abc123
  nonce_field: _ajax_nonce
http:
  timeout: 10s
  user_agent: test-agent
flows:
  sync_interval: 250ms
  cache_interval: 2s
  reload_delay: 0s
  identifier_field: connection
actions:
  manual_sync: custom_manual_batch
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
db:
  dsn: postgres://localhost/catalog
  max_conns: 8
pubsub:
  project_id: proj
  topic: flow-runs
progress:
  batch_size: 10
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Site.Nonce != "abc123" || cfg.Site.NonceField != "_ajax_nonce" {
		t.Fatalf("expected site overrides to apply: %+v", cfg.Site)
	}
	if cfg.HTTP.Timeout != 10*time.Second || cfg.HTTP.UserAgent != "test-agent" {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Flows.SyncInterval != 250*time.Millisecond || cfg.Flows.CacheInterval != 2*time.Second {
		t.Fatalf("expected interval overrides: %+v", cfg.Flows)
	}
	if cfg.Flows.IdentifierField != "connection" || cfg.Flows.CursorField != "offset" {
		t.Fatalf("expected partial flow override: %+v", cfg.Flows)
	}
	if cfg.Actions.ManualSync != "custom_manual_batch" || cfg.Actions.CacheRefresh != "catalog_sync_refresh_cache" {
		t.Fatalf("expected action overrides to merge with defaults: %+v", cfg.Actions)
	}
	if cfg.DB.MaxConns != 8 || cfg.PubSub.Topic != "flow-runs" || cfg.Progress.BatchSize != 10 {
		t.Fatalf("expected db/pubsub/progress overrides: %+v", cfg)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if err := cfg.ValidateSite(); err != nil {
		t.Fatalf("ValidateSite() error = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		cfg  func(Config) Config
		want string
	}{
		{
			name: "invalid port",
			cfg:  func(c Config) Config { c.Server.Port = 0; return c },
			want: "server.port",
		},
		{
			name: "invalid timeout",
			cfg:  func(c Config) Config { c.HTTP.Timeout = 0; return c },
			want: "http.timeout",
		},
		{
			name: "negative rate limit",
			cfg:  func(c Config) Config { c.HTTP.MaxRPS = -1; return c },
			want: "http.max_rps",
		},
		{
			name: "invalid interval",
			cfg:  func(c Config) Config { c.Flows.CacheInterval = 0; return c },
			want: "intervals",
		},
		{
			name: "missing field names",
			cfg:  func(c Config) Config { c.Flows.CursorField = ""; return c },
			want: "flows.identifier_field",
		},
		{
			name: "auth missing api key",
			cfg:  func(c Config) Config { c.Auth.Enabled = true; return c },
			want: "auth.api_key",
		},
		{
			name: "pubsub missing project",
			cfg:  func(c Config) Config { c.PubSub.Topic = "t"; return c },
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateSite(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "admin-ajax.php", "://bad"} {
		c := Config{Site: SiteConfig{Endpoint: endpoint}}
		if err := c.ValidateSite(); err == nil {
			t.Fatalf("expected error for endpoint %q", endpoint)
		}
	}
}
