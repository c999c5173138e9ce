package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	Timezone           string        `mapstructure:"TIMEZONE"`
	SlotLength         time.Duration `mapstructure:"SLOT_LENGTH"`
	SlotLockTTL        time.Duration `mapstructure:"SLOT_LOCK_TTL"`
	InviteTimeout      time.Duration `mapstructure:"INVITE_TIMEOUT"`
	WSSendBuffer       int           `mapstructure:"WS_SEND_BUFFER"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string        `mapstructure:"KAFKA_TOPIC"`
	SendGridAPIKey     string        `mapstructure:"SENDGRID_API_KEY"`
	SendGridFromEmail  string        `mapstructure:"SENDGRID_FROM_EMAIL"`
	SendGridFromName   string        `mapstructure:"SENDGRID_FROM_NAME"`
	TwilioAccountSID   string        `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string        `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber   string        `mapstructure:"TWILIO_FROM_NUMBER"`
	CompletionSchedule string        `mapstructure:"COMPLETION_SCHEDULE"`
	ReminderSchedule   string        `mapstructure:"REMINDER_SCHEDULE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE",
	"SLOT_LENGTH", "SLOT_LOCK_TTL", "INVITE_TIMEOUT", "WS_SEND_BUFFER",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"SENDGRID_API_KEY", "SENDGRID_FROM_EMAIL", "SENDGRID_FROM_NAME",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
	"COMPLETION_SCHEDULE", "REMINDER_SCHEDULE",
}

// Load reads configuration from the environment, after merging a local .env
// file when one exists. DATABASE_URL is only enforced when requireDatabase is
// set, so the in-memory server mode can start without Postgres.
func Load(requireDatabase bool) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("SLOT_LENGTH", "30m")
	v.SetDefault("SLOT_LOCK_TTL", "5s")
	v.SetDefault("INVITE_TIMEOUT", "60s")
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("KAFKA_TOPIC", "appointment_events")
	v.SetDefault("SENDGRID_FROM_NAME", "CarePortal")
	v.SetDefault("COMPLETION_SCHEDULE", "*/5 * * * *")
	v.SetDefault("REMINDER_SCHEDULE", "0 8 * * *")

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated lists arrive as one string from the environment.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if requireDatabase && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are trusted through X-Actor-* headers.")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. "Today" for slot filtering is computed in this
// location.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SlotLength <= 0 {
		return fmt.Errorf("SLOT_LENGTH must be positive, got %s", c.SlotLength)
	}
	if c.SlotLockTTL <= 0 {
		return fmt.Errorf("SLOT_LOCK_TTL must be positive, got %s", c.SlotLockTTL)
	}
	if c.InviteTimeout <= 0 {
		return fmt.Errorf("INVITE_TIMEOUT must be positive, got %s", c.InviteTimeout)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	return nil
}

// EmailEnabled reports whether SendGrid delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SendGridAPIKey != "" && c.SendGridFromEmail != ""
}

// SMSEnabled reports whether Twilio delivery is configured.
func (c *Config) SMSEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}
