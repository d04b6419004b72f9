package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	LogFile     string   `mapstructure:"LOG_FILE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Queue engine
	DefaultConsultationMinutes  float64       `mapstructure:"DEFAULT_CONSULTATION_MINUTES"`
	MinValidConsultationMinutes float64       `mapstructure:"MIN_VALID_CONSULTATION_MINUTES"`
	MaxValidConsultationMinutes float64       `mapstructure:"MAX_VALID_CONSULTATION_MINUTES"`
	ProgressCacheTTL            time.Duration `mapstructure:"PROGRESS_CACHE_TTL"`
	ReadRetryAttempts           int           `mapstructure:"READ_RETRY_ATTEMPTS"`
	ReadRetryBaseDelay          time.Duration `mapstructure:"READ_RETRY_BASE_DELAY"`
	Timezone                    string        `mapstructure:"CLINIC_TIMEZONE"`

	// Wallet engine, amounts in paise
	StartingWalletBalance int64 `mapstructure:"STARTING_WALLET_BALANCE"`

	OTLPEndpoint    string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRate float64 `mapstructure:"OTEL_TRACES_SAMPLE_RATE"`

	NotifyBuffer        int    `mapstructure:"NOTIFY_BUFFER"`
	NotifyStream        string `mapstructure:"NOTIFY_STREAM"`
	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "JWT_SECRET", "CORS_ORIGINS",
	"DEFAULT_CONSULTATION_MINUTES", "MIN_VALID_CONSULTATION_MINUTES", "MAX_VALID_CONSULTATION_MINUTES",
	"PROGRESS_CACHE_TTL", "READ_RETRY_ATTEMPTS", "READ_RETRY_BASE_DELAY", "CLINIC_TIMEZONE",
	"STARTING_WALLET_BALANCE", "NOTIFY_BUFFER", "NOTIFY_STREAM", "NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_TRACES_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_CONSULTATION_MINUTES", 15)
	v.SetDefault("MIN_VALID_CONSULTATION_MINUTES", 5)
	v.SetDefault("MAX_VALID_CONSULTATION_MINUTES", 60)
	v.SetDefault("PROGRESS_CACHE_TTL", "5s")
	v.SetDefault("READ_RETRY_ATTEMPTS", 3)
	v.SetDefault("READ_RETRY_BASE_DELAY", "50ms")
	v.SetDefault("CLINIC_TIMEZONE", "Asia/Kolkata")
	v.SetDefault("STARTING_WALLET_BALANCE", 0)
	v.SetDefault("NOTIFY_BUFFER", 256)
	v.SetDefault("NOTIFY_STREAM", "clinicq:notifications")
	v.SetDefault("OTEL_TRACES_SAMPLE_RATE", 1.0)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode; X-Actor-ID headers are trusted without a token.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves CLINIC_TIMEZONE; schedule windows are interpreted in it.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.DefaultConsultationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_CONSULTATION_MINUTES must be positive, got %v", c.DefaultConsultationMinutes)
	}
	if c.MinValidConsultationMinutes < 0 || c.MaxValidConsultationMinutes <= c.MinValidConsultationMinutes {
		return fmt.Errorf("consultation outlier bounds are invalid: min=%v max=%v",
			c.MinValidConsultationMinutes, c.MaxValidConsultationMinutes)
	}
	if c.StartingWalletBalance < 0 {
		return fmt.Errorf("STARTING_WALLET_BALANCE must not be negative")
	}
	if c.ReadRetryAttempts < 1 {
		return fmt.Errorf("READ_RETRY_ATTEMPTS must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	if c.NotifyWebhookURL != "" && c.IsProduction() && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set in production")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}
