package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  data_dir: /var/lib/opticourier
  collector:
    endpoint: "http://collector.local:8080/api/v1/uploads"
    timeout: 10s
    auth:
      mode: apikey
      key_env: COLLECTOR_KEY
  connectivity:
    probe:
      mode: http
      target: "http://collector.local:8080/health"
    interval: 2s
    debounce: 1s
  sync:
    batch_size: 10
    max_retries: 5
    interval: 1m
    auto_sync_default: false
  log_level: debug
`
	cfg := loadFromString(t, yaml)
	a := cfg.Agent

	if a.Collector.Endpoint != "http://collector.local:8080/api/v1/uploads" {
		t.Errorf("collector.endpoint: got %q", a.Collector.Endpoint)
	}
	if a.Collector.Timeout != 10*time.Second {
		t.Errorf("collector.timeout: got %v", a.Collector.Timeout)
	}
	if a.Connectivity.Probe.Mode != "http" {
		t.Errorf("probe.mode: got %q", a.Connectivity.Probe.Mode)
	}
	if a.Connectivity.Debounce != time.Second {
		t.Errorf("debounce: got %v", a.Connectivity.Debounce)
	}
	if a.Sync.BatchSize != 10 || a.Sync.MaxRetries != 5 {
		t.Errorf("sync: got batch=%d retries=%d", a.Sync.BatchSize, a.Sync.MaxRetries)
	}
	if a.Sync.AutoSync() {
		t.Error("auto_sync_default: got true, want false")
	}
	if a.Level() != slog.LevelDebug {
		t.Errorf("Level(): got %v, want debug", a.Level())
	}
	if got, want := a.DBPath(), filepath.Join("/var/lib/opticourier", "queue.db"); got != want {
		t.Errorf("DBPath(): got %q, want %q", got, want)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
agent:
  collector:
    endpoint: "http://localhost:8080/api/v1/uploads"
`
	a := loadFromString(t, yaml).Agent

	if a.DataDir != DefaultDataDir {
		t.Errorf("default data_dir: got %q, want %q", a.DataDir, DefaultDataDir)
	}
	if a.Collector.Timeout != DefaultUploadTimeout {
		t.Errorf("default timeout: got %v, want %v", a.Collector.Timeout, DefaultUploadTimeout)
	}
	if a.Sync.BatchSize != DefaultBatchSize {
		t.Errorf("default batch_size: got %d, want %d", a.Sync.BatchSize, DefaultBatchSize)
	}
	if a.Sync.MaxRetries != DefaultMaxRetries {
		t.Errorf("default max_retries: got %d, want %d", a.Sync.MaxRetries, DefaultMaxRetries)
	}
	if a.Sync.RetryBackoff != 0 {
		t.Errorf("default retry_backoff: got %v, want 0", a.Sync.RetryBackoff)
	}
	if !a.Sync.AutoSync() {
		t.Error("default auto sync: got false, want true")
	}
	if a.Connectivity.Probe.Mode != "tcp" {
		t.Errorf("default probe mode: got %q, want tcp", a.Connectivity.Probe.Mode)
	}
	if a.API.Listen != DefaultAPIListen {
		t.Errorf("default api.listen: got %q", a.API.Listen)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing endpoint", `
agent:
  data_dir: ./data
`},
		{"non-http endpoint", `
agent:
  collector:
    endpoint: "ftp://collector/upload"
`},
		{"unknown auth mode", `
agent:
  collector:
    endpoint: "http://c/u"
    auth:
      mode: magictoken
`},
		{"unknown probe mode", `
agent:
  collector:
    endpoint: "http://c/u"
  connectivity:
    probe:
      mode: icmp
`},
		{"zero batch size", `
agent:
  collector:
    endpoint: "http://c/u"
  sync:
    batch_size: 0
`},
		{"negative backoff", `
agent:
  collector:
    endpoint: "http://c/u"
  sync:
    retry_backoff: -1s
`},
		{"unknown webhook type", `
agent:
  collector:
    endpoint: "http://c/u"
  notify:
    webhooks:
      - type: carrier-pigeon
`},
		{"mqtt without topic", `
agent:
  collector:
    endpoint: "http://c/u"
  notify:
    mqtt:
      broker: "localhost:1883"
`},
		{"mqtt qos out of range", `
agent:
  collector:
    endpoint: "http://c/u"
  notify:
    mqtt:
      broker: "localhost:1883"
      topic: opticourier/failures
      qos: 3
`},
		{"unknown log level", `
agent:
  collector:
    endpoint: "http://c/u"
  log_level: chatty
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MQTTNotifyAndLevel(t *testing.T) {
	cfg := loadFromString(t, `
agent:
  collector:
    endpoint: "http://c/u"
  notify:
    mqtt:
      broker: "localhost:1883"
      topic: opticourier/failures
      qos: 2
  log_level: warn
`)
	m := cfg.Agent.Notify.MQTT
	if m.Broker != "localhost:1883" || m.Topic != "opticourier/failures" || m.QoS != 2 {
		t.Errorf("notify.mqtt: got %+v", m)
	}
	if got := cfg.Agent.Level(); got != slog.LevelWarn {
		t.Errorf("Level(): got %v, want warn", got)
	}
}

func TestLoad_ShippedExample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "config", "agent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := cfg.Agent
	if a.Connectivity.Probe.Mode != "http" {
		t.Errorf("probe.mode: got %q", a.Connectivity.Probe.Mode)
	}
	if !a.Sync.AutoSync() {
		t.Error("auto_sync_default: want true")
	}
	if a.Notify.MQTT.Broker != "" || a.Notify.MQTT.Topic != "opticourier/failures" {
		t.Errorf("notify.mqtt: got %+v", a.Notify.MQTT)
	}
}

func TestLoad_MultipleAuthModes(t *testing.T) {
	for _, mode := range []string{"mtls", "apikey", "bearer", "basic", "none", ""} {
		t.Run("mode="+mode, func(t *testing.T) {
			yaml := `
agent:
  collector:
    endpoint: "http://localhost:8080/api/v1/uploads"
    auth:
      mode: ` + mode + `
`
			cfg := loadFromString(t, yaml)
			if cfg.Agent.Collector.Auth.Mode != mode {
				t.Errorf("auth mode: got %q, want %q", cfg.Agent.Collector.Auth.Mode, mode)
			}
		})
	}
}

func TestAuthConfig_Secrets(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	t.Setenv("TEST_BEARER_TOKEN", "mytoken")
	t.Setenv("TEST_PASSWORD", "hunter2")

	a := AuthConfig{KeyEnv: "TEST_API_KEY", TokenEnv: "TEST_BEARER_TOKEN", PasswordEnv: "TEST_PASSWORD"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.Token(); got != "mytoken" {
		t.Errorf("Token(): got %q", got)
	}
	if got := a.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q, want empty", got)
	}
	if got := (AuthConfig{}).EffectiveHeader(); got != "x-api-key" {
		t.Errorf("EffectiveHeader(): got %q, want x-api-key", got)
	}
}

func TestWebhookConfig_URL(t *testing.T) {
	t.Setenv("SLACK_URL", "https://hooks.slack.example/T000")
	w := WebhookConfig{Type: "slack", URLEnv: "SLACK_URL"}
	if got := w.URL(); got != "https://hooks.slack.example/T000" {
		t.Errorf("URL(): got %q", got)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(level string) {
		content := "agent:\n  collector:\n    endpoint: \"http://c/u\"\n  log_level: " + level + "\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("info")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("debug")

	select {
	case cfg := <-got:
		if cfg.Agent.LogLevel != "debug" {
			t.Errorf("reloaded log_level: got %q, want debug", cfg.Agent.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not call onChange after write")
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
