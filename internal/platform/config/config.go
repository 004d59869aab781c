// Package config loads marketplace service configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the marketplace service
type Config struct {
	Cache         CacheConfig         `mapstructure:"cache"`
	Refresh       RefreshConfig       `mapstructure:"refresh"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// CacheConfig holds cache sizing and per-data-class TTLs. TTLs are
// chosen per volatility: user-curated data changes often and caches
// briefly, listing details are comparatively stable.
type CacheConfig struct {
	L1MaxSize int           `mapstructure:"l1_max_size"`
	L1MaxTTL  time.Duration `mapstructure:"l1_max_ttl"`
	TTL       TTLConfig     `mapstructure:"ttl"`
}

// TTLConfig holds the TTL for each cached data class.
type TTLConfig struct {
	PropertyDetails time.Duration `mapstructure:"property_details"`
	Search          time.Duration `mapstructure:"search"`
	SavedProperties time.Duration `mapstructure:"saved_properties"`
	UserListings    time.Duration `mapstructure:"user_listings"`
	UserProfile     time.Duration `mapstructure:"user_profile"`
	Recommendations time.Duration `mapstructure:"recommendations"`
}

// RefreshConfig holds real-time refresh coordinator settings
type RefreshConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Channel      string        `mapstructure:"channel"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	PropertiesTable string `mapstructure:"properties_table"`
	UsersTable      string `mapstructure:"users_table"`
	SavedTable      string `mapstructure:"saved_table"`
}

// NotificationsConfig holds SNS publishing settings
type NotificationsConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	SNSTopicARN   string  `mapstructure:"sns_topic_arn"`
	PublishPerSec float64 `mapstructure:"publish_per_sec"`
	PublishBurst  int     `mapstructure:"publish_burst"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Sampler  string `mapstructure:"sampler"` // always, never, ratio
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults plus env vars carry it
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cache defaults
	v.SetDefault("cache.l1_max_size", 1000)
	v.SetDefault("cache.l1_max_ttl", "1m")
	v.SetDefault("cache.ttl.property_details", "2m")
	v.SetDefault("cache.ttl.search", "1m")
	v.SetDefault("cache.ttl.saved_properties", "30s")
	v.SetDefault("cache.ttl.user_listings", "30s")
	v.SetDefault("cache.ttl.user_profile", "1m")
	v.SetDefault("cache.ttl.recommendations", "5m")

	// Refresh defaults
	v.SetDefault("refresh.poll_interval", "5m")
	v.SetDefault("refresh.channel", "marketplace:mutations")

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "marketplace")

	// AWS defaults
	v.SetDefault("aws.endpoint", "http://localhost:4566")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.properties_table", "properties")
	v.SetDefault("aws.users_table", "users")
	v.SetDefault("aws.saved_table", "saved-properties")

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.sns_topic_arn", "")
	v.SetDefault("notifications.publish_per_sec", 10.0)
	v.SetDefault("notifications.publish_burst", 20)

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9091)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sampler", "always")

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Cache validation
	if c.Cache.L1MaxSize < 0 {
		return fmt.Errorf("cache l1 max size must be >= 0")
	}
	for name, ttl := range map[string]time.Duration{
		"property_details": c.Cache.TTL.PropertyDetails,
		"search":           c.Cache.TTL.Search,
		"saved_properties": c.Cache.TTL.SavedProperties,
		"user_listings":    c.Cache.TTL.UserListings,
		"user_profile":     c.Cache.TTL.UserProfile,
		"recommendations":  c.Cache.TTL.Recommendations,
	} {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl for %s must be > 0", name)
		}
	}

	// Refresh validation
	if c.Refresh.PollInterval < 0 {
		return fmt.Errorf("refresh poll interval must be >= 0")
	}
	if c.Refresh.Channel == "" {
		return fmt.Errorf("refresh channel is required")
	}

	// Redis validation
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	// AWS validation
	if c.AWS.Region == "" {
		return fmt.Errorf("AWS region is required")
	}
	if c.AWS.PropertiesTable == "" || c.AWS.UsersTable == "" || c.AWS.SavedTable == "" {
		return fmt.Errorf("all AWS table names are required")
	}

	// Notifications validation
	if c.Notifications.Enabled && c.Notifications.SNSTopicARN == "" {
		return fmt.Errorf("SNS topic ARN is required when notifications are enabled")
	}

	// Observability validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
