package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/basket/internal/news"
	"github.com/foxzi/basket/internal/ratelimit"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Newsletters []news.Newsletter `yaml:"newsletters"` // Static catalog
	Subscribe   SubscribeConfig   `yaml:"subscribe"`
	Confirm     ConfirmConfig     `yaml:"confirm"`
	Queue       QueueConfig       `yaml:"queue"`
	Mailer      MailerConfig      `yaml:"mailer"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// StorageConfig contains the local CRM and queue database settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CatalogConfig selects where newsletter definitions come from
type CatalogConfig struct {
	Source      string `yaml:"source"`       // static, postgres
	DatabaseURL string `yaml:"database_url"` // Required for postgres
	Table       string `yaml:"table"`        // Default: news_newsletter
}

// SubscribeConfig contains reconciliation settings
type SubscribeConfig struct {
	UnknownSlugs news.UnknownSlugPolicy `yaml:"unknown_slugs"` // ignore-unknown-slug, reject-unknown-slug
	DefaultLang  string                 `yaml:"default_lang"`
	LockTTL      time.Duration          `yaml:"lock_ttl"`

	// Retries of retryable failures such as lock contention
	MaxAttempts int           `yaml:"max_attempts"` // Default: 3
	RetryDelay  time.Duration `yaml:"retry_delay"`  // Default: 500ms, doubled per attempt
}

// ConfirmConfig contains confirmation email settings
type ConfirmConfig struct {
	Enabled   *bool                     `yaml:"send_confirm_messages"` // Default: true
	From      string                    `yaml:"from"`
	BaseURL   string                    `yaml:"base_url"`  // Token is appended
	Templates map[string]TemplateConfig `yaml:"templates"` // Key: variant or variant/lang
	RateLimit ratelimit.Config          `yaml:"rate_limit"`
}

// TemplateConfig overrides a built-in confirmation template
type TemplateConfig struct {
	Subject string `yaml:"subject"`
	HTML    string `yaml:"html"`
	Text    string `yaml:"text"`
}

// QueueConfig contains confirmation queue processor settings
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	SendTimeout     time.Duration `yaml:"send_timeout"` // Default: 2m

	// Retention, zero keeps messages forever
	DeliveredMaxAge time.Duration `yaml:"delivered_max_age"` // Default: 24h
	DLQMaxAge       time.Duration `yaml:"dlq_max_age"`       // Default: 168h
	DLQMaxCount     int           `yaml:"dlq_max_count"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// MailerConfig contains SMTP relay settings
type MailerConfig struct {
	Addr     string        `yaml:"addr"` // host:port of the relay
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	DKIM     DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// RedisConfig contains settings for the per-user lock.
// An empty Addr disables locking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // Empty allows all
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/basket/basket.db"
	}

	if c.Catalog.Source == "" {
		c.Catalog.Source = "static"
	}
	if c.Catalog.Table == "" {
		c.Catalog.Table = "news_newsletter"
	}

	if c.Subscribe.UnknownSlugs == "" {
		c.Subscribe.UnknownSlugs = news.IgnoreUnknownSlug
	}
	if c.Subscribe.DefaultLang == "" {
		c.Subscribe.DefaultLang = news.DefaultLang
	}
	if c.Subscribe.LockTTL == 0 {
		c.Subscribe.LockTTL = 30 * time.Second
	}
	if c.Subscribe.MaxAttempts == 0 {
		c.Subscribe.MaxAttempts = 3
	}
	if c.Subscribe.RetryDelay == 0 {
		c.Subscribe.RetryDelay = 500 * time.Millisecond
	}

	if c.Confirm.Enabled == nil {
		enabled := true
		c.Confirm.Enabled = &enabled
	}
	if c.Confirm.From == "" {
		c.Confirm.From = "basket@mozilla.com"
	}
	if c.Confirm.BaseURL == "" {
		c.Confirm.BaseURL = "https://www.mozilla.org/newsletter/confirm/"
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.RetryInterval == 0 {
		c.Queue.RetryInterval = 5 * time.Minute
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.ProcessInterval == 0 {
		c.Queue.ProcessInterval = 10 * time.Second
	}
	if c.Queue.SendTimeout == 0 {
		c.Queue.SendTimeout = 2 * time.Minute
	}
	if c.Queue.DeliveredMaxAge == 0 {
		c.Queue.DeliveredMaxAge = 24 * time.Hour
	}
	if c.Queue.DLQMaxAge == 0 {
		c.Queue.DLQMaxAge = 7 * 24 * time.Hour
	}
	if c.Queue.CleanupInterval == 0 {
		c.Queue.CleanupInterval = time.Hour
	}

	if c.Mailer.Addr == "" {
		c.Mailer.Addr = "localhost:25"
	}
	if c.Mailer.Timeout == 0 {
		c.Mailer.Timeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Subscribe.UnknownSlugs {
	case news.IgnoreUnknownSlug, news.RejectUnknownSlug:
	default:
		return fmt.Errorf("invalid subscribe.unknown_slugs: %s (must be %s or %s)",
			c.Subscribe.UnknownSlugs, news.IgnoreUnknownSlug, news.RejectUnknownSlug)
	}

	if err := c.validateCatalog(); err != nil {
		return err
	}

	if err := c.validateTemplates(); err != nil {
		return err
	}

	if err := validateLimit("confirm.rate_limit.global", c.Confirm.RateLimit.Global); err != nil {
		return err
	}
	if err := validateLimit("confirm.rate_limit.recipient", c.Confirm.RateLimit.Recipient); err != nil {
		return err
	}
	if err := validateLimit("confirm.rate_limit.recipient_domain", c.Confirm.RateLimit.RecipientDomain); err != nil {
		return err
	}

	if c.Mailer.DKIM.Enabled {
		if c.Mailer.DKIM.Selector == "" {
			return fmt.Errorf("mailer.dkim.selector is required when DKIM is enabled")
		}
		if c.Mailer.DKIM.KeyFile == "" {
			return fmt.Errorf("mailer.dkim.key_file is required when DKIM is enabled")
		}
		if c.Mailer.DKIM.Domain == "" {
			return fmt.Errorf("mailer.dkim.domain is required when DKIM is enabled")
		}
	}

	return nil
}

// validateCatalog validates the newsletter catalog source
func (c *Config) validateCatalog() error {
	switch c.Catalog.Source {
	case "static":
		seen := make(map[string]bool)
		for i, nl := range c.Newsletters {
			if nl.Slug == "" {
				return fmt.Errorf("newsletters[%d].slug is required", i)
			}
			if strings.Contains(nl.Slug, ",") {
				return fmt.Errorf("newsletters[%d].slug must not contain a comma", i)
			}
			if seen[nl.Slug] {
				return fmt.Errorf("duplicate newsletter slug: %s", nl.Slug)
			}
			seen[nl.Slug] = true
		}
	case "postgres":
		if c.Catalog.DatabaseURL == "" {
			return fmt.Errorf("catalog.database_url is required when catalog.source is postgres")
		}
	default:
		return fmt.Errorf("invalid catalog.source: %s (must be static or postgres)", c.Catalog.Source)
	}
	return nil
}

// validateTemplates checks template keys are variant or variant/lang
func (c *Config) validateTemplates() error {
	for key := range c.Confirm.Templates {
		variant, _, _ := strings.Cut(key, "/")
		switch news.Variant(variant) {
		case news.VariantMoz, news.VariantFx:
		default:
			return fmt.Errorf("confirm.templates.%s: unknown variant %q (must be moz or fx)", key, variant)
		}
	}
	return nil
}

func validateLimit(name string, l *ratelimit.LimitConfig) error {
	if l != nil && (l.MessagesPerHour < 0 || l.MessagesPerDay < 0) {
		return fmt.Errorf("%s: limits must not be negative", name)
	}
	return nil
}

// SendConfirmations reports whether confirmation emails are enabled
func (c *Config) SendConfirmations() bool {
	return c.Confirm.Enabled == nil || *c.Confirm.Enabled
}
