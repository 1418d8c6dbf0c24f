package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/basket/internal/news"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "basket.test"

storage:
  path: "/tmp/basket.db"

newsletters:
  - slug: mozilla-and-you
    title: "Firefox News"
    active: true
    languages: ["en", "fr"]
    vendor_id: MOZILLA_AND_YOU
    requires_double_optin: true
    firefox_confirm: true
  - slug: about-mozilla
    title: "About Mozilla"
    active: true
    vendor_id: ABOUT_MOZILLA

subscribe:
  unknown_slugs: reject-unknown-slug
  default_lang: en
  lock_ttl: 10s

confirm:
  send_confirm_messages: false
  from: "news@example.com"
  templates:
    fx/fr:
      subject: "Confirmez"

queue:
  workers: 2
  retry_interval: 1m
  max_retries: 3
  process_interval: 5s

mailer:
  addr: "relay.test:2525"
  username: "basket"
  password: "secret"

redis:
  addr: "localhost:6379"
  db: 1

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "basket.test" {
		t.Errorf("Hostname = %v, want basket.test", cfg.Server.Hostname)
	}
	if len(cfg.Newsletters) != 2 {
		t.Fatalf("Newsletters = %d, want 2", len(cfg.Newsletters))
	}
	fx := cfg.Newsletters[0]
	if !fx.RequiresDoubleOptin || !fx.FirefoxConfirm || fx.VendorID != "MOZILLA_AND_YOU" {
		t.Errorf("Newsletters[0] = %+v", fx)
	}
	if len(fx.Languages) != 2 {
		t.Errorf("Languages = %v, want [en fr]", fx.Languages)
	}
	if cfg.Subscribe.UnknownSlugs != news.RejectUnknownSlug {
		t.Errorf("UnknownSlugs = %v", cfg.Subscribe.UnknownSlugs)
	}
	if cfg.Subscribe.LockTTL != 10*time.Second {
		t.Errorf("LockTTL = %v, want 10s", cfg.Subscribe.LockTTL)
	}
	if cfg.SendConfirmations() {
		t.Error("SendConfirmations() = true, want false")
	}
	if cfg.Confirm.Templates["fx/fr"].Subject != "Confirmez" {
		t.Errorf("Templates = %v", cfg.Confirm.Templates)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("Queue.Workers = %v, want 2", cfg.Queue.Workers)
	}
	if cfg.Queue.RetryInterval != time.Minute {
		t.Errorf("Queue.RetryInterval = %v, want 1m", cfg.Queue.RetryInterval)
	}
	if cfg.Mailer.Addr != "relay.test:2525" {
		t.Errorf("Mailer.Addr = %v", cfg.Mailer.Addr)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 1 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Path != "/var/lib/basket/basket.db" {
		t.Errorf("Storage.Path = %v", cfg.Storage.Path)
	}
	if cfg.Catalog.Source != "static" {
		t.Errorf("Catalog.Source = %v, want static", cfg.Catalog.Source)
	}
	if cfg.Subscribe.UnknownSlugs != news.IgnoreUnknownSlug {
		t.Errorf("UnknownSlugs = %v, want ignore-unknown-slug", cfg.Subscribe.UnknownSlugs)
	}
	if cfg.Subscribe.DefaultLang != "en-US" {
		t.Errorf("DefaultLang = %v, want en-US", cfg.Subscribe.DefaultLang)
	}
	if !cfg.SendConfirmations() {
		t.Error("SendConfirmations() = false, want true")
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("Queue.Workers = %v, want 4", cfg.Queue.Workers)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %v, want 5", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.DeliveredMaxAge != 24*time.Hour || cfg.Queue.DLQMaxAge != 7*24*time.Hour {
		t.Errorf("Queue retention = %v/%v", cfg.Queue.DeliveredMaxAge, cfg.Queue.DLQMaxAge)
	}
	if cfg.Subscribe.MaxAttempts != 3 || cfg.Subscribe.RetryDelay != 500*time.Millisecond {
		t.Errorf("Subscribe retries = %d/%v", cfg.Subscribe.MaxAttempts, cfg.Subscribe.RetryDelay)
	}
	if cfg.Confirm.RateLimit.Enabled() {
		t.Error("rate limits should be disabled by default")
	}
	if cfg.Mailer.Addr != "localhost:25" {
		t.Errorf("Mailer.Addr = %v", cfg.Mailer.Addr)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "logging.level",
		},
		{
			name:    "invalid unknown slug policy",
			content: "subscribe:\n  unknown_slugs: explode\n",
			wantErr: "unknown_slugs",
		},
		{
			name:    "duplicate slug",
			content: "newsletters:\n  - slug: a\n  - slug: a\n",
			wantErr: "duplicate newsletter slug",
		},
		{
			name:    "missing slug",
			content: "newsletters:\n  - title: nothing\n",
			wantErr: "slug is required",
		},
		{
			name:    "comma in slug",
			content: "newsletters:\n  - slug: \"a,b\"\n",
			wantErr: "comma",
		},
		{
			name:    "postgres without url",
			content: "catalog:\n  source: postgres\n",
			wantErr: "database_url",
		},
		{
			name:    "unknown catalog source",
			content: "catalog:\n  source: ldap\n",
			wantErr: "catalog.source",
		},
		{
			name:    "unknown template variant",
			content: "confirm:\n  templates:\n    firefox:\n      subject: hi\n",
			wantErr: "unknown variant",
		},
		{
			name:    "negative rate limit",
			content: "confirm:\n  rate_limit:\n    recipient:\n      messages_per_hour: -1\n",
			wantErr: "confirm.rate_limit.recipient",
		},
		{
			name:    "dkim without key",
			content: "mailer:\n  dkim:\n    enabled: true\n    selector: s1\n    domain: example.com\n",
			wantErr: "key_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/basket.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
