// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is shared by every binary; each one reads the fields it needs.
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	APIKey   string `mapstructure:"API_KEY"`

	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	PolicyFile   string `mapstructure:"POLICY_FILE"`

	TracingEnabled bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint   string  `mapstructure:"OTLP_ENDPOINT"`
	SampleRate     float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	DispatchSchedule  string        `mapstructure:"DISPATCH_SCHEDULE"`
	DispatchBatchSize int           `mapstructure:"DISPATCH_BATCH_SIZE"`
	DispatchLock      string        `mapstructure:"DISPATCH_LOCK"`
	DispatchLockTTL   time.Duration `mapstructure:"DISPATCH_LOCK_TTL"`

	ConsumerGroup   string `mapstructure:"CONSUMER_GROUP"`
	ConsumerWorkers int    `mapstructure:"CONSUMER_WORKERS"`

	ExpoPushURL     string `mapstructure:"EXPO_PUSH_URL"`
	ExpoAccessToken string `mapstructure:"EXPO_ACCESS_TOKEN"`

	EmailProvider  string `mapstructure:"EMAIL_PROVIDER"`
	EmailFrom      string `mapstructure:"EMAIL_FROM"`
	EmailFromName  string `mapstructure:"EMAIL_FROM_NAME"`
	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	SMTPHost       string `mapstructure:"SMTP_HOST"`
	SMTPPort       int    `mapstructure:"SMTP_PORT"`
	SMTPUser       string `mapstructure:"SMTP_USER"`
	SMTPPassword   string `mapstructure:"SMTP_PASSWORD"`

	SMSIRAPIKey      string `mapstructure:"SMSIR_API_KEY"`
	SMSIRSecretKey   string `mapstructure:"SMSIR_SECRET_KEY"`
	SMSIRTemplateID  string `mapstructure:"SMSIR_TEMPLATE_ID"`
	SMSDefaultRegion string `mapstructure:"SMS_DEFAULT_REGION"`
}

var defaults = map[string]any{
	"ENV":                 "development",
	"LOG_LEVEL":           "info",
	"HTTP_ADDR":           ":8080",
	"DB_MAX_CONNS":        20,
	"KAFKA_BROKERS":       "localhost:9092",
	"OTLP_ENDPOINT":       "localhost:4317",
	"TRACE_SAMPLE_RATE":   1.0,
	"DISPATCH_SCHEDULE":   "@every 1m",
	"DISPATCH_BATCH_SIZE": 50,
	"DISPATCH_LOCK":       "postgres",
	"DISPATCH_LOCK_TTL":   "2m",
	"CONSUMER_GROUP":      "appointment-reminders",
	"CONSUMER_WORKERS":    8,
	"EXPO_PUSH_URL":       "https://exp.host/--/api/v2/push/send",
	"EMAIL_PROVIDER":      "sendgrid",
	"EMAIL_FROM_NAME":     "Rx Renewals",
	"SMTP_PORT":           587,
	"SMS_DEFAULT_REGION":  "DZ",
}

// unbound keys have no default but must still be read from the environment.
var unbound = []string{
	"API_KEY", "DATABASE_URL", "REDIS_URL", "POLICY_FILE", "TRACING_ENABLED",
	"EXPO_ACCESS_TOKEN", "EMAIL_FROM", "SENDGRID_API_KEY", "SMTP_HOST",
	"SMTP_USER", "SMTP_PASSWORD", "SMSIR_API_KEY", "SMSIR_SECRET_KEY", "SMSIR_TEMPLATE_ID",
}

// Load reads configuration from environment variables and an optional .env
// file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	for _, key := range unbound {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no binary can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DispatchLock {
	case "postgres", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("DISPATCH_LOCK must be postgres, redis or none, got %q", c.DispatchLock))
	}
	if c.DispatchLock == "redis" && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required when DISPATCH_LOCK is redis"))
	}
	switch c.EmailProvider {
	case "sendgrid", "smtp", "none":
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be sendgrid, smtp or none, got %q", c.EmailProvider))
	}
	if c.DispatchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0, got %d", c.DispatchBatchSize))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.SampleRate))
	}
	return errors.Join(errs...)
}

// RequireDatabase returns an error when DATABASE_URL is not set.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas.
func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// IsDev reports whether the process runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
