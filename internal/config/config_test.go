package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseAdminIDs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw string
		ids []int64
		bad []string
	}{
		{"", nil, nil},
		{"1,2,3", []int64{1, 2, 3}, nil},
		{" 10 ; 20,30 ", []int64{10, 20, 30}, nil},
		{"5,abc,,6;5", []int64{5, 6}, []string{"abc"}},
	}
	for _, tc := range cases {
		ids, bad := ParseAdminIDs(tc.raw)
		if !reflect.DeepEqual(ids, tc.ids) || !reflect.DeepEqual(bad, tc.bad) {
			t.Fatalf("ParseAdminIDs(%q) = %v, %v; want %v, %v", tc.raw, ids, bad, tc.ids, tc.bad)
		}
	}
}

func TestParseYAMLWithEnvOverlay(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
telegram:
  token: from-file
  admin_ids: [1]
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/bot.db
mailing:
  batch_size: 10
site_url: https://example.org
`)
	m := NewManager(path)
	m.SetEnvLookup(envMap(map[string]string{
		EnvBotToken: "from-env",
		EnvAdminIDs: "7;8,x",
		EnvLogFile:  "/var/log/bot.log",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, env should win", cfg.Telegram.Token)
	}
	if !reflect.DeepEqual(cfg.Telegram.AdminIDs, []int64{7, 8}) {
		t.Fatalf("admin ids = %v", cfg.Telegram.AdminIDs)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "/var/log/bot.log" {
		t.Fatalf("LOG_FILE not applied: %+v", cfg.Logging.File)
	}
	if cfg.Storage.Path != "./data/bot.db" || cfg.SiteURL != "https://example.org" || cfg.Mailing.BatchSize != 10 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	unknown := writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)
	if _, err := NewManager(unknown).read(); err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("unknown field accepted: %v", err)
	}

	trailing := writeFile(t, "config.json", `{"telegram":{"token":"x"}}{}`)
	if _, err := NewManager(trailing).read(); err == nil {
		t.Fatalf("trailing data accepted")
	}

	yamlUnknown := writeFile(t, "config.yml", "telegram:\n  token: x\nplugins: {}\n")
	if _, err := NewManager(yamlUnknown).read(); err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("unknown yaml key accepted: %v", err)
	}

	yamlTwoDocs := writeFile(t, "config.yaml", "telegram:\n  token: x\n---\ntelegram:\n  token: y\n")
	if _, err := NewManager(yamlTwoDocs).read(); err == nil {
		t.Fatalf("second yaml document accepted")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", "storage:\n  driver: mysql\n")
	m := NewManager(path)
	m.SetEnvLookup(envMap(map[string]string{EnvBotToken: "t"}))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "storage.driver") {
		t.Fatalf("Load = %v, want storage.driver error", err)
	}
	if m.Get() != nil {
		t.Fatalf("invalid config committed")
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", "mailing:\n  batch_size: 10\n")
	m := NewManager(path)
	m.SetEnvLookup(envMap(map[string]string{EnvBotToken: "t"}))
	first, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if changed, err := m.Reload(); err != nil || changed {
		t.Fatalf("Reload of unchanged file = %v, %v", changed, err)
	}

	if err := os.WriteFile(path, []byte("mailing:\n  batch_size: 20\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changed, err := m.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v", changed, err)
	}
	select {
	case got := <-sub:
		if got.Mailing.BatchSize != 20 || got.Telegram.Token != "t" {
			t.Fatalf("published config = %+v", got)
		}
	default:
		t.Fatalf("nothing published")
	}

	if err := os.WriteFile(path, []byte("mailing:\n  poll_interval: 10ms\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.Reload(); err == nil {
		t.Fatalf("invalid reload accepted")
	}
	if cur := m.Get(); cur == first || cur.Mailing.BatchSize != 20 {
		t.Fatalf("current config after rejected reload = %+v", cur)
	}
	if len(sub) != 0 {
		t.Fatalf("rejected config was published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("")
	sub := m.Subscribe(1)
	a, b := &Config{SiteURL: "a"}, &Config{SiteURL: "b"}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("subscriber got %q, want the newest", got.SiteURL)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
	m.publish(a)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", "site_url: https://one.example\n")
	m := NewManager(path)
	m.SetEnvLookup(envMap(map[string]string{EnvBotToken: "t"}))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-sub:
			if got.SiteURL != "https://two.example" {
				t.Fatalf("reloaded site_url = %q", got.SiteURL)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			if err := os.WriteFile(path, []byte("site_url: https://two.example\n"), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatalf("no reload after file change")
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{" 0s ", 5 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := Duration("x.y", tc.raw, 5*time.Second)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("Duration(%q) = %v, %v", tc.raw, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "x.y") {
			t.Fatalf("error does not name the field: %v", err)
		}
	}
}

func TestParseEnvOnly(t *testing.T) {
	t.Parallel()

	m := NewManager("")
	m.SetEnvLookup(envMap(map[string]string{
		EnvBotToken:    "t",
		EnvDatabaseURL: "postgres://bot@localhost/bot",
	}))
	cfg, err := m.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("DATABASE_URL should select postgres: %+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(&Config{}); err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("missing token accepted: %v", err)
	}
	bad := &Config{
		Telegram: TelegramConfig{Token: "t"},
		Storage:  StorageConfig{Driver: "mysql"},
		Mailing:  MailingConfig{PollInterval: "100ms"},
	}
	err := Validate(bad)
	if err == nil || !strings.Contains(err.Error(), "storage.driver") || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("Validate = %v", err)
	}
}

func TestMailingResolveDefaults(t *testing.T) {
	t.Parallel()

	s, err := MailingConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Location.String() != DefaultTimezone || s.BatchSize != 30 || s.BatchPause != 2*time.Second ||
		s.PollInterval != 30*time.Second || s.MaxAttempts != 2 || s.RatePerSec != DefaultRatePerSec {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if _, err := (MailingConfig{Timezone: "Mars/Olympus"}).Resolve(); err == nil {
		t.Fatalf("bad timezone accepted")
	}
	if _, err := (MailingConfig{BatchPause: "-1s"}).Resolve(); err == nil {
		t.Fatalf("negative pause accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	old := &Config{Telegram: TelegramConfig{Token: "a"}, Storage: StorageConfig{DSN: "postgres://u:secret@h/db"}}
	nw := &Config{
		Telegram: TelegramConfig{Token: "a", AdminIDs: []int64{1}},
		Storage:  StorageConfig{DSN: "postgres://u:other@h/db"},
		Mailing:  MailingConfig{BatchSize: 10},
	}
	changed, _ := SummarizeConfigChange(old, nw)
	if !reflect.DeepEqual(changed, []string{"mailing", "storage", "telegram"}) {
		t.Fatalf("changed = %v", changed)
	}
	if got := RequiresRestart(old, nw); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("RequiresRestart = %v", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	t.Parallel()

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}
