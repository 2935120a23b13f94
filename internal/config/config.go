package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	// PatientWebhookURL receives patient.changed events after a merge.
	PatientWebhookURL    string `mapstructure:"PATIENT_WEBHOOK_URL"`
	PatientWebhookSecret string `mapstructure:"PATIENT_WEBHOOK_SECRET"`

	OTelEnabled      bool    `mapstructure:"OTEL_ENABLED"`
	OTelSamplerRatio float64 `mapstructure:"OTEL_SAMPLER_RATIO"`

	DedupConfig `mapstructure:",squash"`
}

// DedupConfig holds the limits the merge engine runs under.
type DedupConfig struct {
	TxTimeout         time.Duration `mapstructure:"DEDUP_TX_TIMEOUT"`
	RunTimeout        time.Duration `mapstructure:"DEDUP_RUN_TIMEOUT"`
	BatchSize         int           `mapstructure:"DEDUP_BATCH_SIZE"`
	TxRetryAttempts   uint          `mapstructure:"DEDUP_TX_RETRY_ATTEMPTS"`
	TxRetryDelay      time.Duration `mapstructure:"DEDUP_TX_RETRY_DELAY"`
	CountRate         int           `mapstructure:"DEDUP_COUNT_RATE"`
	MaxReportedGroups int           `mapstructure:"DEDUP_MAX_REPORTED_GROUPS"`
	LockTTL           time.Duration `mapstructure:"DEDUP_LOCK_TTL"`
	// Timezone decides where a visit's calendar day starts and ends.
	Timezone string `mapstructure:"DEDUP_TIMEZONE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SAMPLER_RATIO", 0.1)
	v.SetDefault("DEDUP_TX_TIMEOUT", "2m")
	v.SetDefault("DEDUP_RUN_TIMEOUT", "10m")
	v.SetDefault("DEDUP_BATCH_SIZE", 500)
	v.SetDefault("DEDUP_TX_RETRY_ATTEMPTS", 3)
	v.SetDefault("DEDUP_TX_RETRY_DELAY", "200ms")
	v.SetDefault("DEDUP_COUNT_RATE", 20)
	v.SetDefault("DEDUP_MAX_REPORTED_GROUPS", 100)
	v.SetDefault("DEDUP_LOCK_TTL", "15m")
	v.SetDefault("DEDUP_TIMEZONE", "UTC")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "BODY_LIMIT",
		"OTEL_ENABLED", "OTEL_SAMPLER_RATIO", "PATIENT_WEBHOOK_URL", "PATIENT_WEBHOOK_SECRET",
		"DEDUP_TX_TIMEOUT", "DEDUP_RUN_TIMEOUT", "DEDUP_BATCH_SIZE",
		"DEDUP_TX_RETRY_ATTEMPTS", "DEDUP_TX_RETRY_DELAY", "DEDUP_COUNT_RATE",
		"DEDUP_MAX_REPORTED_GROUPS", "DEDUP_LOCK_TTL", "DEDUP_TIMEZONE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, every request gets admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// an issuer or a signing key must be configured, and the engine limits must be
// positive.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	return c.DedupConfig.Validate()
}

func (d DedupConfig) Validate() error {
	if d.TxTimeout <= 0 {
		return fmt.Errorf("DEDUP_TX_TIMEOUT must be positive, got %s", d.TxTimeout)
	}
	if d.RunTimeout < d.TxTimeout {
		return fmt.Errorf("DEDUP_RUN_TIMEOUT (%s) must not be shorter than DEDUP_TX_TIMEOUT (%s)", d.RunTimeout, d.TxTimeout)
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("DEDUP_BATCH_SIZE must be positive, got %d", d.BatchSize)
	}
	if d.MaxReportedGroups < 0 {
		return fmt.Errorf("DEDUP_MAX_REPORTED_GROUPS must not be negative, got %d", d.MaxReportedGroups)
	}
	if _, err := d.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone, treating an empty value as UTC.
func (d DedupConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("DEDUP_TIMEZONE %q: %w", d.Timezone, err)
	}
	return loc, nil
}
