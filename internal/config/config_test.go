package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/wadispatch.db
session:
  driver: dryrun
dispatch:
  settle_delay: 3s
  on_error: abort
scheduler:
  timezone: UTC
telegram:
  enabled: true
  token: ${WADISPATCH_TEST_TOKEN}
  owner_user_ids: [42]
http:
  addr: ${WADISPATCH_TEST_ADDR:-127.0.0.1:9090}
`

func TestDecodeYAMLWithEnv(t *testing.T) {
	t.Setenv("WADISPATCH_TEST_TOKEN", "123:abc")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("addr = %q, want default from ${...:-...}", cfg.HTTP.Addr)
	}
	if cfg.Dispatch.OnError != "abort" || cfg.Session.Driver != "dryrun" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Decode("config.json", []byte(`{"dispatch":{"settle":"1s"}}`))
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err = %v, want unknown field", err)
	}
	if _, err := Decode("config.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad policy", func(c *Config) { c.Dispatch.OnError = "retry" }, "dispatch.on_error"},
		{"bad duration", func(c *Config) { c.Dispatch.SettleDelay = "soon" }, "dispatch.settle_delay"},
		{"negative duration", func(c *Config) { c.Session.Browser.WaitTimeout = "-1s" }, "session.browser.wait_timeout"},
		{"bad driver", func(c *Config) { c.Session.Driver = "selenium" }, "session.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"telegram without owners", func(c *Config) { c.Telegram = TelegramConfig{Enabled: true, Token: "x"} }, "owner_user_ids"},
		{"bad selector key", func(c *Config) { c.Session.Browser.Selectors = map[string]string{"footer": "//x"} }, "selectors"},
	}
	for _, tc := range cases {
		c := &Config{}
		tc.mut(c)
		err := Validate(c)
		switch {
		case tc.want == "" && err != nil:
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
			t.Fatalf("%s: err = %v, want mention of %s", tc.name, err, tc.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "500ms", 2*time.Second)
	if err != nil || d != 500*time.Millisecond {
		t.Fatalf("500ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", 0); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Dispatch: DispatchConfig{OnError: "skip"}, Storage: StorageConfig{DSN: "postgres://a"}}
	b := &Config{Dispatch: DispatchConfig{OnError: "abort"}, Storage: StorageConfig{DSN: "postgres://b"}, HTTP: HTTPConfig{Enabled: true}}
	b.Telegram.OwnerUserIDs = []int64{42}
	changed, _ := SummarizeConfigChange(a, b)
	if !slices.Equal(changed, []string{"dispatch", "http", "telegram.owners"}) {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); !slices.Equal(got, []string{"http"}) {
		t.Fatalf("restart = %v", got)
	}
}

func TestManagerReloadPublishesOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"dispatch":{"on_error":"skip"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}
	write(`{"dispatch":{"on_error":"abort"}}`)
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	if got := <-ch; got.Dispatch.OnError != "abort" {
		t.Fatalf("published = %+v", got.Dispatch)
	}
	write(`{"dispatch":{"on_error":"explode"}}`)
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("invalid config accepted")
	}
	if m.Get().Dispatch.OnError != "abort" {
		t.Fatal("rejected config was committed")
	}
}
