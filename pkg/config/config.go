package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mcclellann/shgLoan/pkg/models"
	"github.com/mcclellann/shgLoan/pkg/schedule"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Config holds the service settings.
type Config struct {
	Port                   int
	DatabasePath           string
	LogLevel               string
	LogFormat              string // "text" or "json"
	OverdueRefreshSchedule string // cron spec for the overdue refresh job
	MaxWriteRetries        int
	WriteOffAfterDays      int // days past due before a loan is a write-off candidate

	// Group-wide loan defaults handed to the schedule generator.
	Defaults schedule.Defaults
}

// Load reads configuration from the environment, loading .env first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := decimal.NewFromString(getEnvString("DEFAULT_INTEREST_RATE", "12"))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_INTEREST_RATE: %w", err)
	}

	cfg := &Config{
		Port:                   getEnvInt("PORT", 8080),
		DatabasePath:           getEnvString("DATABASE_PATH", "shgloan.db"),
		LogLevel:               getEnvString("LOG_LEVEL", "info"),
		LogFormat:              getEnvString("LOG_FORMAT", "text"),
		OverdueRefreshSchedule: getEnvString("OVERDUE_REFRESH_SCHEDULE", "@daily"),
		MaxWriteRetries:        getEnvInt("MAX_WRITE_RETRIES", 3),
		WriteOffAfterDays:      getEnvInt("WRITE_OFF_AFTER_DAYS", 90),
		Defaults: schedule.Defaults{
			AnnualRate:    rate,
			InterestModel: models.InterestModel(getEnvString("DEFAULT_INTEREST_MODEL", string(models.InterestModelFlatRate))),
			Frequency:     models.RepaymentFrequency(getEnvString("DEFAULT_REPAYMENT_FREQUENCY", string(models.FrequencyMonthly))),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if _, err := cron.ParseStandard(c.OverdueRefreshSchedule); err != nil {
		return fmt.Errorf("OVERDUE_REFRESH_SCHEDULE: %w", err)
	}
	if c.MaxWriteRetries < 0 {
		return fmt.Errorf("MAX_WRITE_RETRIES must not be negative")
	}
	if c.WriteOffAfterDays < 0 {
		return fmt.Errorf("WRITE_OFF_AFTER_DAYS must not be negative")
	}
	if c.Defaults.AnnualRate.IsNegative() {
		return fmt.Errorf("DEFAULT_INTEREST_RATE must not be negative")
	}
	if m := c.Defaults.InterestModel; m != models.InterestModelFlatRate && m != models.InterestModelReducingBalance {
		return fmt.Errorf("DEFAULT_INTEREST_MODEL %q is not known", m)
	}
	if c.Defaults.Frequency.Months() == 0 {
		return fmt.Errorf("DEFAULT_REPAYMENT_FREQUENCY %q is not known", c.Defaults.Frequency)
	}
	return nil
}

// ConfigureLogging applies the log level and format to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
