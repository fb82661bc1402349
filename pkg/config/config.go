package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the compliance service
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Identity configuration
	Identity IdentityConfig `mapstructure:"identity"`

	// Encryption configuration
	Encryption EncryptionConfig `mapstructure:"encryption"`

	// Audit pipeline configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Consent store configuration
	Consent ConsentConfig `mapstructure:"consent"`

	// Violation alerting configuration
	Alerting AlertingConfig `mapstructure:"alerting"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds document-store database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// IdentityConfig holds identity-provider configuration
type IdentityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EncryptionConfig holds field-level encryption configuration
type EncryptionConfig struct {
	AESKey string `mapstructure:"aes_key"`
}

// AuditConfig holds audit pipeline configuration
type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// Durability names the failure policy; only best_effort is implemented
	// and a stricter deployment can swap in a retrying sink behind it.
	Durability string `mapstructure:"durability"`
}

// ConsentConfig holds consent store configuration
type ConsentConfig struct {
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	FetchLimit int           `mapstructure:"fetch_limit"`
}

// AlertingConfig holds violation alerting configuration
type AlertingConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/carewell")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "carewell")
	viper.SetDefault("database.user", "carewell")
	viper.SetDefault("database.ssl_mode", "require")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.batch_size", 500)
	viper.SetDefault("audit.flush_interval", 5*time.Second)
	viper.SetDefault("audit.durability", "best_effort")

	viper.SetDefault("consent.cache_ttl", 5*time.Minute)
	viper.SetDefault("consent.fetch_limit", 10)

	viper.SetDefault("alerting.webhook_timeout", 10*time.Second)
	viper.SetDefault("alerting.retry_count", 2)

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.health_path", "/healthz")

	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with well-known environment variables
func overrideWithEnv(config *Config) {
	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.Identity.JWTSecret = jwtSecret
	}

	if encKey := os.Getenv("ENCRYPTION_KEY"); encKey != "" {
		config.Encryption.AESKey = encKey
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Identity.JWTSecret == "" {
		return fmt.Errorf("identity JWT secret is required")
	}

	if config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Audit.BatchSize <= 0 {
		return fmt.Errorf("audit batch size must be positive")
	}

	if config.Audit.Durability != "best_effort" {
		return fmt.Errorf("unsupported audit durability policy: %q", config.Audit.Durability)
	}

	return nil
}
