// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var validSourceLabel = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Config captures all pipeline configuration knobs loaded via Viper.
type Config struct {
	NewsAPI   NewsAPIConfig   `mapstructure:"news_api"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Processed ProcessedConfig `mapstructure:"processed"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NewsAPIConfig describes the article search endpoint and its retry budget.
type NewsAPIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Query          string `mapstructure:"query"`
	Language       string `mapstructure:"language"`
	MaxResults     int    `mapstructure:"max_results"`
	Retries        int    `mapstructure:"retries"`
	BackoffSeconds int    `mapstructure:"backoff_seconds"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SourceLabel    string `mapstructure:"source_label"`
}

// PathsConfig points at the local raw and processed data directories.
type PathsConfig struct {
	RawData       string `mapstructure:"raw_data"`
	ProcessedData string `mapstructure:"processed_data"`
}

// ProcessedConfig toggles optional processed artifact formats.
type ProcessedConfig struct {
	XLSXExport bool `mapstructure:"xlsx_export"`
}

// StorageConfig sets the bucket used to mirror local data directories.
type StorageConfig struct {
	GCSBucket string   `mapstructure:"gcs_bucket"`
	Prefix    string   `mapstructure:"prefix"`
	SyncPaths []string `mapstructure:"sync_paths"`
}

// DBConfig controls access to the run ledger database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for artifact notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig configures the Pushgateway used by batch commands.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSPIPE")
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
	// AutomaticEnv only resolves keys viper already knows about.
	v.SetDefault("news_api.api_key", "")
	v.SetDefault("news_api.base_url", "https://newsapi.org/v2/everything")
	v.SetDefault("news_api.query", "AI")
	v.SetDefault("news_api.language", "en")
	v.SetDefault("news_api.max_results", 100)
	v.SetDefault("news_api.retries", 3)
	v.SetDefault("news_api.backoff_seconds", 5)
	v.SetDefault("news_api.timeout_seconds", 10)
	v.SetDefault("news_api.source_label", "newsapi")
	v.SetDefault("paths.raw_data", "data/raw")
	v.SetDefault("paths.processed_data", "data/processed")
	v.SetDefault("processed.xlsx_export", false)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.sync_paths", []string{"data/raw", "data/processed", "data/external", "data/synthetic"})
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "pipeline_runs")
	v.SetDefault("db.max_conns", 2)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job_name", "newspipe")
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces structural limits. A missing news_api.api_key is deliberately
// not rejected here; the fetcher reports it as a precondition failure.
func (c Config) Validate() error {
	if c.NewsAPI.Retries < 1 {
		return fmt.Errorf("news_api.retries must be >= 1")
	}
	if c.NewsAPI.BackoffSeconds < 0 {
		return fmt.Errorf("news_api.backoff_seconds must be >= 0")
	}
	if c.NewsAPI.TimeoutSeconds <= 0 {
		return fmt.Errorf("news_api.timeout_seconds must be > 0")
	}
	if c.NewsAPI.MaxResults <= 0 {
		return fmt.Errorf("news_api.max_results must be > 0")
	}
	if strings.TrimSpace(c.NewsAPI.BaseURL) == "" {
		return fmt.Errorf("news_api.base_url is required")
	}
	if !validSourceLabel.MatchString(c.NewsAPI.SourceLabel) {
		return fmt.Errorf("news_api.source_label %q must match %s", c.NewsAPI.SourceLabel, validSourceLabel)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is configured")
	}
	return nil
}

// RawDir returns the raw snapshot directory, defaulting to data/raw.
func (c Config) RawDir() string {
	if strings.TrimSpace(c.Paths.RawData) == "" {
		return "data/raw"
	}
	return c.Paths.RawData
}

// ProcessedDir returns the processed artifact directory, defaulting to data/processed.
func (c Config) ProcessedDir() string {
	if strings.TrimSpace(c.Paths.ProcessedData) == "" {
		return "data/processed"
	}
	return c.Paths.ProcessedData
}

// FetchTimeout converts the per-attempt timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.NewsAPI.TimeoutSeconds) * time.Second
}

// Backoff converts the fixed retry interval into a duration.
func (c Config) Backoff() time.Duration {
	return time.Duration(c.NewsAPI.BackoffSeconds) * time.Second
}
