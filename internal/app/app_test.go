package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxzi/basket/internal/config"
	"github.com/foxzi/basket/internal/metrics"
	"github.com/foxzi/basket/internal/news"
	"github.com/foxzi/basket/internal/queue"
)

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	data := `
server:
  hostname: basket.test
storage:
  path: ` + filepath.Join(dir, "basket.db") + `
newsletters:
  - slug: mozilla-foundation
    title: Mozilla Foundation
    active: true
    languages: [en, de]
    requires_double_optin: true
  - slug: firefox-tips
    title: Firefox Tips
    active: true
    languages: [en]
    requires_double_optin: true
    firefox_confirm: true
  - slug: about-mozilla
    title: About Mozilla
    active: true
    languages: [en]
logging:
  level: error
  format: text
` + extra

	path := filepath.Join(dir, "basket.yaml")
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, extra string) *App {
	t.Helper()
	a, err := New(loadTestConfig(t, extra))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAppSubscribeQueuesConfirmation(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()

	result, err := a.Upserter().UpsertUser(ctx, news.Subscribe, &news.Request{
		Email:       "dude@example.com",
		Newsletters: []string{"firefox-tips,about-mozilla"},
		Lang:        "de",
	})
	if err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	if !result.Created || !result.Dispatched {
		t.Fatalf("result = %+v, want created and dispatched", result)
	}
	if result.Confirm.Variant != news.VariantMoz {
		t.Errorf("variant = %s, want moz", result.Confirm.Variant)
	}

	user, err := a.Contacts().Lookup(ctx, "dude@example.com", "")
	if err != nil || user == nil {
		t.Fatalf("Lookup() = %v, %v", user, err)
	}
	if !user.IsSubscribed("firefox-tips") || !user.IsSubscribed("about-mozilla") {
		t.Errorf("newsletters = %v", user.Newsletters)
	}

	msgs, err := a.Queue().List(ctx, queue.ListFilter{Status: queue.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Token != result.Token || msgs[0].Lang != "de" {
		t.Errorf("queued = %+v", msgs)
	}
}

func TestAppConfirmationsDisabled(t *testing.T) {
	a := newTestApp(t, "confirm:\n  send_confirm_messages: false\n")
	ctx := context.Background()

	result, err := a.Upserter().UpsertUser(ctx, news.Subscribe, &news.Request{
		Email:       "dude@example.com",
		Newsletters: []string{"mozilla-foundation"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Dispatched {
		t.Error("confirmation should not be dispatched when disabled")
	}

	stats, _ := a.Queue().Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("queue total = %d, want 0", stats.Total)
	}
}

func TestAppConfirmationRateLimit(t *testing.T) {
	a := newTestApp(t, "confirm:\n  rate_limit:\n    recipient:\n      messages_per_hour: 1\n")
	ctx := context.Background()

	first, err := a.Upserter().UpsertUser(ctx, news.Subscribe, &news.Request{
		Email:       "dude@example.com",
		Newsletters: []string{"mozilla-foundation"},
	})
	if err != nil || !first.Dispatched {
		t.Fatalf("first UpsertUser() = %+v, %v", first, err)
	}

	second, err := a.Upserter().UpsertUser(ctx, news.Subscribe, &news.Request{
		Email:       "dude@example.com",
		Newsletters: []string{"firefox-tips"},
	})
	if err != nil {
		t.Fatalf("second UpsertUser() error = %v", err)
	}
	if second.Dispatched || !errors.Is(second.ConfirmErr, queue.ErrRateLimited) {
		t.Errorf("second result = %+v, want rate limited confirmation", second)
	}

	user, _ := a.Contacts().Lookup(ctx, "dude@example.com", "")
	if !user.IsSubscribed("firefox-tips") {
		t.Error("subscription should be stored even when the confirmation is throttled")
	}
}

func TestAppCatalog(t *testing.T) {
	a := newTestApp(t, "")

	list, err := a.Catalog().List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Slug != "about-mozilla" {
		t.Errorf("List() = %v", list)
	}
}

func TestAppMetricsAdapters(t *testing.T) {
	a := newTestApp(t, "metrics:\n  enabled: true\n  listen_addr: 127.0.0.1:0\n")
	defer metrics.SetGlobal(nil)
	ctx := context.Background()

	if a.collector == nil || a.metricsServer == nil {
		t.Fatal("metrics should be wired when enabled")
	}

	a.Upserter().UpsertUser(ctx, news.Subscribe, &news.Request{
		Email:       "dude@example.com",
		Newsletters: []string{"about-mozilla"},
	})

	cs, err := contactStats{a.contacts}.ContactStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Contacts != 1 || cs.Subscribers["about-mozilla"] != 1 {
		t.Errorf("ContactStats() = %+v", cs)
	}

	qs, err := queueStats{a.storage}.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if qs.Total != 0 {
		t.Errorf("queue Stats().Total = %d, want 0 for a newsletter without double opt-in", qs.Total)
	}
}

func TestAppInvalidTemplate(t *testing.T) {
	cfg := loadTestConfig(t, "confirm:\n  templates:\n    moz:\n      subject: \"{{.Email\"\n      text: x\n")
	if _, err := New(cfg); err == nil {
		t.Error("New() should fail on an invalid template")
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		cfg   config.LoggingConfig
		level slog.Level
	}{
		{config.LoggingConfig{Level: "debug", Format: "json"}, slog.LevelDebug},
		{config.LoggingConfig{Level: "info", Format: "text"}, slog.LevelInfo},
		{config.LoggingConfig{Level: "warn", Format: "json"}, slog.LevelWarn},
		{config.LoggingConfig{Level: "error", Format: "text"}, slog.LevelError},
	}

	for _, tt := range tests {
		logger := setupLogger(tt.cfg)
		if !logger.Enabled(context.Background(), tt.level) {
			t.Errorf("setupLogger(%+v) disabled level %v", tt.cfg, tt.level)
		}
		if tt.level > slog.LevelDebug && logger.Enabled(context.Background(), tt.level-4) {
			t.Errorf("setupLogger(%+v) enabled level below %v", tt.cfg, tt.level)
		}
	}
}
