package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ErrInvalid is returned by Validate when a required setting is missing or malformed
var ErrInvalid = errors.New("invalid configuration")

// Mail source kinds
const (
	MailSourceGmail   = "gmail"
	MailSourceMaildir = "maildir"
)

// Config holds all configuration for the application
type Config struct {
	Port        string
	DatabaseURL string // sqlite://, postgres:// or mysql:// URL
	Version     string
	LogLevel    string

	MailSource       string // gmail or maildir
	GmailCredentials string // Directory holding credentials.json and token.json
	GmailQuery       string // Extra Gmail search terms
	MaildirPath      string // Directory of .eml files for the maildir source
	FilterFromEmail  string
	FilterSubject    string
	Backfill         bool          // Process every unseen message, not just the latest
	PollInterval     time.Duration // Target interval between cycle starts

	OpenAIKey           string
	OpenAIBaseURL       string
	OpenAIModel         string
	OpenAITimeout       int // OpenAI API timeout in seconds
	ExtractContextLimit int // Number of known occurrences sent along with each message
	Timezone            string

	CalDAVURL      string
	CalDAVUsername string
	CalDAVPassword string

	SendGridAPIKey string
	NotifyEmail    string
	NATSURL        string

	MatchPolicy  string // exact or folded
	MaxAttempts  int    // 0 retries forever
	HTMLRenderer string // strip or chromedp
}

// Load initializes and returns application configuration
func Load() *Config {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://data/mailcal.db"),
		Version:     getEnv("VERSION", "1.0.0"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		MailSource:       getEnv("MAIL_SOURCE", MailSourceGmail),
		GmailCredentials: getEnv("GMAIL_CREDENTIALS", "."),
		GmailQuery:       os.Getenv("GMAIL_QUERY"),
		MaildirPath:      getEnv("MAILDIR_PATH", "data/inbox"),
		FilterFromEmail:  os.Getenv("FILTER_FROM_EMAIL"),
		FilterSubject:    os.Getenv("FILTER_SUBJECT"),
		Backfill:         getEnvBool("BACKFILL", false),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Minute),

		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       os.Getenv("OPENAI_BASE_URL"), // Empty uses the public endpoint
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITimeout:       getEnvInt("OPENAI_TIMEOUT", 60),
		ExtractContextLimit: getEnvInt("EXTRACT_CONTEXT_LIMIT", 50),
		Timezone:            getEnv("TIMEZONE", "UTC"),

		CalDAVURL:      os.Getenv("CALDAV_URL"),
		CalDAVUsername: os.Getenv("CALDAV_USERNAME"),
		CalDAVPassword: os.Getenv("CALDAV_PASSWORD"),

		SendGridAPIKey: os.Getenv("SENDGRID_API_KEY"),
		NotifyEmail:    os.Getenv("NOTIFY_EMAIL"),
		NATSURL:        os.Getenv("NATS_URL"),

		MatchPolicy:  getEnv("MATCH_POLICY", "exact"),
		MaxAttempts:  getEnvInt("MAX_ATTEMPTS", 0),
		HTMLRenderer: getEnv("HTML_RENDERER", "strip"),
	}

	return config
}

// Validate checks the settings the scheduler cannot run without
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	switch c.MailSource {
	case MailSourceGmail:
		if c.GmailCredentials == "" {
			problems = append(problems, "GMAIL_CREDENTIALS is required for the gmail source")
		}
	case MailSourceMaildir:
		if c.MaildirPath == "" {
			problems = append(problems, "MAILDIR_PATH is required for the maildir source")
		}
	default:
		problems = append(problems, fmt.Sprintf("MAIL_SOURCE %q is not one of gmail, maildir", c.MailSource))
	}
	if c.OpenAIKey == "" && c.OpenAIBaseURL == "" {
		problems = append(problems, "OPENAI_API_KEY or OPENAI_BASE_URL is required")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "POLL_INTERVAL must be positive")
	}
	if c.MatchPolicy != "exact" && c.MatchPolicy != "folded" {
		problems = append(problems, fmt.Sprintf("MATCH_POLICY %q is not one of exact, folded", c.MatchPolicy))
	}
	if c.HTMLRenderer != "strip" && c.HTMLRenderer != "chromedp" {
		problems = append(problems, fmt.Sprintf("HTML_RENDERER %q is not one of strip, chromedp", c.HTMLRenderer))
	}
	if c.MaxAttempts < 0 {
		problems = append(problems, "MAX_ATTEMPTS must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("TIMEZONE %q: %v", c.Timezone, err))
	}
	if c.SendGridAPIKey != "" && c.NotifyEmail == "" {
		problems = append(problems, "NOTIFY_EMAIL is required when SENDGRID_API_KEY is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as integer with a default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as boolean with a default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// SetupLogger configures zerolog with JSON output and single-line format
func (c *Config) SetupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "mailcal").
		Str("version", c.Version).
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	return logger
}
