package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable for the relay process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Retention RetentionConfig `mapstructure:"retention"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	PublicBaseURL  string   `mapstructure:"public_base_url"`
}

// StorageConfig configures the on-disk layout: the append-only task log,
// the artifact blob directory and the share token store all live under
// DataDir.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// WebhookConfig configures terminal-event delivery to an external URL.
// An empty URL disables the dispatcher.
type WebhookConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	QueueSize   int           `mapstructure:"queue_size"`
}

// RetentionConfig bounds artifact storage growth. Zero values disable the
// corresponding policy.
type RetentionConfig struct {
	MaxArtifacts int           `mapstructure:"max_artifacts"`
	TTLDays      int           `mapstructure:"ttl_days"`
	CronSpec     string        `mapstructure:"cron_spec"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
}

// WatchConfig tunes the SSE watch stream.
type WatchConfig struct {
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	CloseGrace        time.Duration `mapstructure:"close_grace"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

// LimitsConfig holds request validation ceilings.
type LimitsConfig struct {
	MaxTaskBodyBytes  int64         `mapstructure:"max_task_body_bytes"`
	BulkMaxIDs        int           `mapstructure:"bulk_max_ids"`
	BulkMaxBytes      int64         `mapstructure:"bulk_max_bytes"`
	CompareMaxBytes   int64         `mapstructure:"compare_max_bytes"`
	ShareDefaultTTL   time.Duration `mapstructure:"share_default_ttl"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	RateBurst         int           `mapstructure:"rate_burst"`
}

// Load reads relay-config.(yaml|json) from the given path (or $HOME and the
// working directory when empty), applies RELAY_* environment overrides and
// returns the resolved configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("relay-config")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.environment", "production")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.public_base_url", "")

	v.SetDefault("storage.data_dir", "./relay-data")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", 15*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.retry_delay", 10*time.Second)
	v.SetDefault("webhook.queue_size", 256)

	v.SetDefault("retention.max_artifacts", 0)
	v.SetDefault("retention.ttl_days", 0)
	v.SetDefault("retention.cron_spec", "@every 5m")
	v.SetDefault("retention.min_interval", time.Minute)

	v.SetDefault("watch.heartbeat", 30*time.Second)
	v.SetDefault("watch.inactivity_timeout", 10*time.Minute)
	v.SetDefault("watch.close_grace", 3*time.Second)
	v.SetDefault("watch.buffer_size", 100)

	v.SetDefault("limits.max_task_body_bytes", int64(2*1024*1024))
	v.SetDefault("limits.bulk_max_ids", 20)
	v.SetDefault("limits.bulk_max_bytes", int64(64*1024*1024))
	v.SetDefault("limits.compare_max_bytes", int64(8*1024*1024))
	v.SetDefault("limits.share_default_ttl", time.Hour)
	v.SetDefault("limits.requests_per_minute", 0)
	v.SetDefault("limits.rate_burst", 0)
}
