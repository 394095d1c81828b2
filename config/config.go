// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port          string
	DatabaseURL   string
	BaseURL       string // Board URL used for links in emails
	StorageBucket string
	LocalStorage  string // Takes precedence over StorageBucket when set; ./data when neither is set
	RedisAddr     string // Empty disables the cross-process run lock
	AMQP          AMQP
	Digest        Digest
	Mail          Mail
}

// AMQP holds the broker settings. An empty URI disables the event feed.
type AMQP struct {
	URI          string
	ExchangeName string
	ExchangeType string
	QueueName    string
}

// Digest holds the daily digest schedule.
type Digest struct {
	TimeZone string
	Hour     int
	Minute   int
}

// Mail holds the mail provider settings.
type Mail struct {
	Provider          string // gmail, brevo or mock
	GoogleCredentials string
	BrevoAPIKey       string
	FromAddr          string
	FromName          string
	RatePerSec        float64
}

// Load reads all configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   getEnv("DATABASE_URL", "postgres://localhost:5432/labkey?sslmode=disable"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8080/labkey"),
		StorageBucket: getEnv("STORAGE_BUCKET", ""),
		LocalStorage:  getEnv("LOCAL_STORAGE", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		AMQP: AMQP{
			URI:          getEnv("AMQP_URI", ""),
			ExchangeName: getEnv("AMQP_EXCHANGE", "board"),
			ExchangeType: getEnv("AMQP_EXCHANGE_TYPE", "topic"),
			QueueName:    getEnv("AMQP_QUEUE", "announcements-notifier"),
		},
		Digest: Digest{
			TimeZone: getEnv("DIGEST_TIMEZONE", "Local"),
			Hour:     getEnvInt("DIGEST_HOUR", 0),
			Minute:   getEnvInt("DIGEST_MINUTE", 5),
		},
		Mail: Mail{
			Provider:          getEnv("MAIL_PROVIDER", "mock"),
			GoogleCredentials: getEnv("GOOGLE_CREDENTIALS_JSON", ""),
			BrevoAPIKey:       getEnv("BREVO_API_KEY", ""),
			FromAddr:          getEnv("MAIL_FROM", ""),
			FromName:          getEnv("MAIL_FROM_NAME", "Announcements"),
			RatePerSec:        getEnvFloat("MAIL_RATE_PER_SEC", 5),
		},
	}
	// Default to local development mode if no bucket specified
	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	return cfg
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.Digest.Hour < 0 || c.Digest.Hour > 23 {
		return fmt.Errorf("DIGEST_HOUR must be between 0 and 23, got %d", c.Digest.Hour)
	}
	if c.Digest.Minute < 0 || c.Digest.Minute > 59 {
		return fmt.Errorf("DIGEST_MINUTE must be between 0 and 59, got %d", c.Digest.Minute)
	}
	if c.Mail.RatePerSec < 0 {
		return fmt.Errorf("MAIL_RATE_PER_SEC must not be negative, got %v", c.Mail.RatePerSec)
	}
	switch c.Mail.Provider {
	case "mock", "gmail":
	case "brevo":
		if c.Mail.BrevoAPIKey == "" || c.Mail.FromAddr == "" {
			return fmt.Errorf("BREVO_API_KEY and MAIL_FROM are required for the brevo provider")
		}
	default:
		return fmt.Errorf("unknown MAIL_PROVIDER %q", c.Mail.Provider)
	}
	return nil
}

// Location returns the zone digest windows are cut in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Digest.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load DIGEST_TIMEZONE %q: %w", c.Digest.TimeZone, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
