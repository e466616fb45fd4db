// Package config loads and validates catalog sync configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Flows    FlowsConfig    `mapstructure:"flows"`
	Actions  ActionsConfig  `mapstructure:"actions"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SiteConfig points at the WordPress admin-ajax endpoint.
type SiteConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	Nonce      string `mapstructure:"nonce"`
	NonceField string `mapstructure:"nonce_field"`
}

// HTTPConfig configures the ajax HTTP client.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	// MaxRPS caps requests per second to one host; 0 disables the cap.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// FlowsConfig sets step pacing and request field names.
type FlowsConfig struct {
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	CacheInterval   time.Duration `mapstructure:"cache_interval"`
	ReloadDelay     time.Duration `mapstructure:"reload_delay"`
	IdentifierField string        `mapstructure:"identifier_field"`
	CursorField     string        `mapstructure:"cursor_field"`
}

// ActionsConfig names the server-side ajax actions.
type ActionsConfig struct {
	ManualSync        string `mapstructure:"manual_sync"`
	CacheRefreshBatch string `mapstructure:"cache_refresh_batch"`
	CacheRefresh      string `mapstructure:"cache_refresh"`
	CacheClear        string `mapstructure:"cache_clear"`
	SyncProduct       string `mapstructure:"sync_product"`
	MapProduct        string `mapstructure:"map_product"`
	UnmapProduct      string `mapstructure:"unmap_product"`
	SaveVariationMap  string `mapstructure:"save_variation_map"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the run ledger database. An empty DSN keeps
// the ledger in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Table    string `mapstructure:"table"`
}

// PubSubConfig holds metadata for run notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	LogEvents     bool          `mapstructure:"log_events"`
	HistoryLimit  int           `mapstructure:"history_limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.endpoint", "")
	v.SetDefault("site.nonce", "")
	v.SetDefault("site.nonce_field", "nonce")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "catalogsync/0.1")
	v.SetDefault("http.max_rps", 10.0)
	v.SetDefault("http.burst", 5)
	v.SetDefault("flows.sync_interval", 500*time.Millisecond)
	v.SetDefault("flows.cache_interval", 800*time.Millisecond)
	v.SetDefault("flows.reload_delay", 1500*time.Millisecond)
	v.SetDefault("flows.identifier_field", "connection_id")
	v.SetDefault("flows.cursor_field", "offset")
	v.SetDefault("actions.manual_sync", "catalog_sync_manual_batch")
	v.SetDefault("actions.cache_refresh_batch", "catalog_sync_refresh_cache_batch")
	v.SetDefault("actions.cache_refresh", "catalog_sync_refresh_cache")
	v.SetDefault("actions.cache_clear", "catalog_sync_clear_cache")
	v.SetDefault("actions.sync_product", "catalog_sync_sync_product")
	v.SetDefault("actions.map_product", "catalog_sync_map_product")
	v.SetDefault("actions.unmap_product", "catalog_sync_unmap_product")
	v.SetDefault("actions.save_variation_map", "catalog_sync_save_variation_map")
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.table", "flow_runs")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_size", 100)
	v.SetDefault("progress.flush_interval", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.history_limit", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. The site endpoint
// is checked by ValidateSite because only commands that talk to the site
// need it.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRPS < 0 || c.HTTP.Burst < 0 {
		return fmt.Errorf("http.max_rps and http.burst must be >= 0")
	}
	if c.Flows.SyncInterval <= 0 || c.Flows.CacheInterval <= 0 {
		return fmt.Errorf("flows intervals must be > 0")
	}
	if c.Flows.ReloadDelay < 0 {
		return fmt.Errorf("flows.reload_delay must be >= 0")
	}
	if c.Flows.IdentifierField == "" || c.Flows.CursorField == "" {
		return fmt.Errorf("flows.identifier_field and flows.cursor_field are required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Progress.BufferSize < 0 || c.Progress.BatchSize < 0 {
		return fmt.Errorf("progress sizes must be >= 0")
	}
	return nil
}

// ValidateSite checks the admin endpoint settings.
func (c Config) ValidateSite() error {
	if c.Site.Endpoint == "" {
		return fmt.Errorf("site.endpoint is required")
	}
	u, err := url.Parse(c.Site.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.endpoint %q is not an absolute URL", c.Site.Endpoint)
	}
	return nil
}
