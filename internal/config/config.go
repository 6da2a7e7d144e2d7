// Package config loads service configuration.
//
// Sources, lowest precedence first:
//  1. built-in defaults
//  2. config.yaml (or the file named by RECON_CONFIG)
//  3. environment variables prefixed RECON_, with "." replaced by "_"
//     (e.g. RECON_DATABASE_DSN), after loading a local .env file
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SyncConfig struct {
	DefaultWindowDays    int           `mapstructure:"default_window_days"`
	Concurrency          int           `mapstructure:"concurrency"`
	AmountToleranceMinor int64         `mapstructure:"amount_tolerance_minor"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	HTTPTimeout          time.Duration `mapstructure:"http_timeout"`
}

type MatchingConfig struct {
	FuzzyEnabled bool          `mapstructure:"fuzzy_enabled"`
	FuzzyTimeout time.Duration `mapstructure:"fuzzy_timeout"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type SecretsConfig struct {
	CredentialsKey string `mapstructure:"credentials_key"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Metrics      bool   `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=billing port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("sync.default_window_days", 30)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.amount_tolerance_minor", 1)
	v.SetDefault("sync.fetch_timeout", 2*time.Minute)
	v.SetDefault("sync.http_timeout", 60*time.Second)

	v.SetDefault("matching.fuzzy_enabled", true)
	v.SetDefault("matching.fuzzy_timeout", 8*time.Second)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.temperature", 0.1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)

	v.SetDefault("secrets.credentials_key", "")

	v.SetDefault("telemetry.service_name", "billing-reconciliation")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.metrics", true)
}

// Load reads configuration from defaults, an optional file and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on system env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path := os.Getenv("RECON_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
