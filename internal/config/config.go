// Package config loads service configuration from the environment
package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting of the service
type Config struct {
	// HTTP Server
	Port          string
	WebhookDomain string
	APIDomain     string
	APISecret     string

	// Monzo API
	MonzoAPIURL       string
	MonzoAccessToken  string
	MonzoClientID     string
	MonzoClientSecret string
	MonzoRefreshToken string
	PrimaryAccountID  string

	// Webhooks
	WebhookURL    string
	WebhookSecret string

	// Refresh schedule
	RefreshInterval         time.Duration
	RefreshTimeout          time.Duration
	CategoryRefreshInterval time.Duration
	CategoryRefreshTimeout  time.Duration

	// Categories
	CategoryAccountID string
	CategoriesFile    string

	// AMQP
	AMQPURL      string
	AMQPExchange string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables. Malformed
// durations are reported rather than silently defaulted.
func Load() (*Config, error) {
	var problems []string
	duration := func(key string, def time.Duration) time.Duration {
		d, err := getEnvDuration(key, def)
		if err != nil {
			problems = append(problems, err.Error())
		}
		return d
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		WebhookDomain: getEnv("WEBHOOK_DOMAIN", ""),
		APIDomain:     getEnv("API_DOMAIN", ""),
		APISecret:     getEnv("API_SECRET", ""),

		MonzoAPIURL:       getEnv("MONZO_API_URL", "https://api.monzo.com"),
		MonzoAccessToken:  getEnv("MONZO_ACCESS_TOKEN", ""),
		MonzoClientID:     getEnv("MONZO_CLIENT_ID", ""),
		MonzoClientSecret: getEnv("MONZO_CLIENT_SECRET", ""),
		MonzoRefreshToken: getEnv("MONZO_REFRESH_TOKEN", ""),
		PrimaryAccountID:  getEnv("MONZO_PRIMARY_ACCOUNT_ID", ""),

		WebhookURL:    getEnv("MONZO_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("MONZO_WEBHOOK_SECRET", ""),

		RefreshInterval:         duration("REFRESH_INTERVAL", 5*time.Minute),
		RefreshTimeout:          duration("REFRESH_TIMEOUT", 10*time.Second),
		CategoryRefreshInterval: duration("CATEGORY_REFRESH_INTERVAL", 6*time.Hour),
		CategoryRefreshTimeout:  duration("CATEGORY_REFRESH_TIMEOUT", 10*time.Second),

		CategoryAccountID: getEnv("MONZO_CATEGORY_ACCOUNT_ID", ""),
		CategoriesFile:    getEnv("CATEGORIES_FILE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "monzo"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("configuration load failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return cfg, nil
}

// UsesOAuth reports whether access tokens are obtained with a refresh token
func (c *Config) UsesOAuth() bool {
	return c.MonzoRefreshToken != ""
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate credentials
	if c.UsesOAuth() {
		if c.MonzoClientID == "" || c.MonzoClientSecret == "" {
			errors = append(errors, "MONZO_CLIENT_ID and MONZO_CLIENT_SECRET are required with MONZO_REFRESH_TOKEN")
		}
	} else if c.MonzoAccessToken == "" {
		errors = append(errors, "either MONZO_ACCESS_TOKEN or MONZO_REFRESH_TOKEN must be provided")
	}

	if err := checkURL(c.MonzoAPIURL, "http", "https"); err != nil {
		errors = append(errors, fmt.Sprintf("invalid MONZO_API_URL: %v", err))
	}
	if c.WebhookURL != "" {
		if err := checkOrigin(c.WebhookURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid MONZO_WEBHOOK_URL: %v", err))
		}
		if c.WebhookSecret == "" {
			errors = append(errors, "MONZO_WEBHOOK_SECRET is required with MONZO_WEBHOOK_URL")
		}
	}
	if c.WebhookSecret != "" && url.PathEscape(c.WebhookSecret) != c.WebhookSecret {
		errors = append(errors, "MONZO_WEBHOOK_SECRET must be a single URL path segment")
	}

	// The control API moves money, so it is never served without a secret
	if c.APIDomain != "" && c.APISecret == "" {
		errors = append(errors, "API_SECRET is required with API_DOMAIN")
	}

	// Validate refresh schedule
	if c.RefreshInterval < 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid refresh interval %v: must be at least 10 seconds", c.RefreshInterval))
	}
	if c.CategoryRefreshInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid category refresh interval %v: must be at least 1 minute", c.CategoryRefreshInterval))
	}
	if c.RefreshTimeout <= 0 || c.CategoryRefreshTimeout <= 0 {
		errors = append(errors, "refresh timeouts must be positive")
	}

	// Validate AMQP if provided
	if c.AMQPURL != "" {
		if err := checkURL(c.AMQPURL, "amqp", "amqps"); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL: %v", err))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate logging
	levels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(levels, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, levels))
	}
	formats := []string{"json", "text"}
	if !slices.Contains(formats, strings.ToLower(c.LogFormat)) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be one of %v", c.LogFormat, formats))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme '%s' must be one of %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("'%s' has no host", raw)
	}
	return nil
}

// checkOrigin accepts an http(s) URL made of scheme and host only. The
// webhook path is appended by the receiver.
func checkOrigin(raw string) error {
	if err := checkURL(raw, "http", "https"); err != nil {
		return err
	}
	u, _ := url.Parse(raw)
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("'%s' must not have a path, query or fragment", raw)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s '%s': %v", key, value, err)
	}
	return d, nil
}
