package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
telegram:
  token: "123:abc"
  log_chat_id: -100123
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
relay:
  max_tasks: 5
  max_tasks_per_principal: 2
  checkpoint_every: "10s"
  limiter:
    base_delay: "6s"
    min_delay: "3s"
    max_delay: "30s"
    max_per_minute: 6
  batch:
    min: 200
    max: 1000
    step: 100
  delivery:
    group_cap: 10
    retry_max: 3
storage:
  driver: "file"
  path: "./state/relaybot"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.LogChatID != -100123 {
		t.Fatalf("log_chat_id = %d", cfg.Telegram.LogChatID)
	}
	if cfg.Relay.MaxTasks != 5 || cfg.Relay.MaxTasksPerPrincipal != 2 {
		t.Fatalf("relay caps = %d/%d", cfg.Relay.MaxTasks, cfg.Relay.MaxTasksPerPrincipal)
	}
	if cfg.Relay.Limiter.MaxPerMinute != 6 {
		t.Fatalf("max_per_minute = %d", cfg.Relay.Limiter.MaxPerMinute)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"telegram":{"token":"x"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""},"telegram":{"enabled":false}},"relay":{"limiter":{},"batch":{},"delivery":{}},"no_such_key":1}`)
	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("relay.checkpoint_every", "nope"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	d, err := ParseDurationOrDefault("relay.checkpoint_every", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("default = %v, %v", d, err)
	}
}
