package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultDataDir         = "./data"
	DefaultUploadTimeout   = 30 * time.Second
	DefaultProbeInterval   = 5 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
	DefaultBatchSize       = 5
	DefaultMaxRetries      = 3
	DefaultRetryBackoffMax = 10 * time.Minute
	DefaultAPIListen       = "127.0.0.1:8787"
	DefaultLogLevel        = "info"
)

// Config is the top-level configuration file.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// DataDir holds queue.db and the blobs/ directory.
	DataDir string `yaml:"data_dir"`

	// Collector is the remote endpoint that accepts uploads.
	Collector CollectorConfig `yaml:"collector"`

	// Connectivity configures how reachability is detected.
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// Sync controls batching, retry and trigger policy.
	Sync SyncConfig `yaml:"sync"`

	// API is the local control and observability HTTP server.
	API APIConfig `yaml:"api"`

	// Notify lists webhook targets told about records that reach Failed.
	Notify NotifyConfig `yaml:"notify"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// CollectorConfig describes the remote collector.
type CollectorConfig struct {
	// Endpoint is the full URL uploads are POSTed to.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single upload attempt.
	Timeout time.Duration `yaml:"timeout"`

	// Auth configures how the agent authenticates to the collector.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// ConnectivityConfig controls the reachability observer.
type ConnectivityConfig struct {
	Probe ProbeConfig `yaml:"probe"`

	// Interval is the time between probes.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single probe.
	Timeout time.Duration `yaml:"timeout"`

	// Debounce is how long a changed reading must persist before it is
	// published as an edge. Zero publishes on the first differing probe.
	Debounce time.Duration `yaml:"debounce"`
}

// ProbeConfig selects the reachability check.
type ProbeConfig struct {
	// Mode is one of: tcp | http | grpc.
	Mode string `yaml:"mode"`

	// Target is host:port for tcp and grpc, or a URL for http. When empty
	// it is derived from the collector endpoint.
	Target string `yaml:"target"`
}

// SyncConfig controls the orchestrator.
type SyncConfig struct {
	// BatchSize is the number of records processed per batch.
	BatchSize int `yaml:"batch_size"`

	// MaxRetries is the failed-attempt cap after which a record is Failed.
	MaxRetries int `yaml:"max_retries"`

	// Interval enables a periodic automatic trigger. Zero disables it.
	Interval time.Duration `yaml:"interval"`

	// RetryBackoff is the base delay before a failed record is eligible
	// again. Zero retries on every trigger.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RetryBackoffMax caps the exponential backoff.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`

	// AutoSyncDefault seeds the persisted auto-sync preference on first run.
	AutoSyncDefault *bool `yaml:"auto_sync_default"`
}

// AutoSync returns the configured default for the auto-sync preference.
func (s SyncConfig) AutoSync() bool {
	if s.AutoSyncDefault == nil {
		return true
	}
	return *s.AutoSyncDefault
}

// APIConfig configures the local HTTP server.
type APIConfig struct {
	// Listen is the host:port the control API binds to.
	Listen string `yaml:"listen"`
}

// NotifyConfig holds failure notification targets.
type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`

	// MQTT publishes each failure event as JSON. Disabled when Broker is empty.
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines an MQTT broker target for failure events.
type MQTTConfig struct {
	// Broker is host:port of the broker, e.g. "localhost:1883".
	Broker string `yaml:"broker"`

	// Topic receives one message per failed record.
	Topic string `yaml:"topic"`

	// ClientID defaults to "opticourier-agent".
	ClientID string `yaml:"client_id"`

	// QoS is 0, 1 or 2.
	QoS byte `yaml:"qos"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// AuthConfig specifies the authentication mode for the collector.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields: used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header (or gRPC metadata key) the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// EffectiveHeader returns the configured API key header, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// DBPath is the SQLite database file inside DataDir.
func (a AgentConfig) DBPath() string {
	return filepath.Join(a.DataDir, "queue.db")
}

// BlobDir is the directory queued images are written to.
func (a AgentConfig) BlobDir() string {
	return filepath.Join(a.DataDir, "blobs")
}

// Level parses LogLevel into a slog.Level. Unknown values map to Info;
// validate rejects them before this is reached.
func (a AgentConfig) Level() slog.Level {
	switch strings.ToLower(a.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir: DefaultDataDir,
			Collector: CollectorConfig{
				Timeout: DefaultUploadTimeout,
			},
			Connectivity: ConnectivityConfig{
				Probe:    ProbeConfig{Mode: "tcp"},
				Interval: DefaultProbeInterval,
				Timeout:  DefaultProbeTimeout,
			},
			Sync: SyncConfig{
				BatchSize:       DefaultBatchSize,
				MaxRetries:      DefaultMaxRetries,
				RetryBackoffMax: DefaultRetryBackoffMax,
			},
			API:      APIConfig{Listen: DefaultAPIListen},
			LogLevel: DefaultLogLevel,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.Collector.Endpoint == "" {
		return fmt.Errorf("agent.collector.endpoint is required")
	}
	if !strings.HasPrefix(a.Collector.Endpoint, "http://") && !strings.HasPrefix(a.Collector.Endpoint, "https://") {
		return fmt.Errorf("agent.collector.endpoint %q must be an http(s) URL", a.Collector.Endpoint)
	}
	if a.DataDir == "" {
		return fmt.Errorf("agent.data_dir is required")
	}
	if a.Collector.Timeout <= 0 {
		return fmt.Errorf("agent.collector.timeout must be positive")
	}
	switch a.Collector.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("agent.collector.auth: unknown mode %q", a.Collector.Auth.Mode)
	}
	switch a.Connectivity.Probe.Mode {
	case "tcp", "tls", "http", "grpc":
	default:
		return fmt.Errorf("agent.connectivity.probe: unknown mode %q", a.Connectivity.Probe.Mode)
	}
	if a.Connectivity.Interval <= 0 {
		return fmt.Errorf("agent.connectivity.interval must be positive")
	}
	if a.Connectivity.Timeout <= 0 {
		return fmt.Errorf("agent.connectivity.timeout must be positive")
	}
	if a.Connectivity.Debounce < 0 {
		return fmt.Errorf("agent.connectivity.debounce must not be negative")
	}
	if a.Sync.BatchSize <= 0 {
		return fmt.Errorf("agent.sync.batch_size must be positive")
	}
	if a.Sync.MaxRetries <= 0 {
		return fmt.Errorf("agent.sync.max_retries must be positive")
	}
	if a.Sync.Interval < 0 || a.Sync.RetryBackoff < 0 || a.Sync.RetryBackoffMax < 0 {
		return fmt.Errorf("agent.sync: durations must not be negative")
	}
	for i, wh := range a.Notify.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("agent.notify.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	if m := a.Notify.MQTT; m.Broker != "" {
		if m.Topic == "" {
			return fmt.Errorf("agent.notify.mqtt.topic is required when a broker is set")
		}
		if m.QoS > 2 {
			return fmt.Errorf("agent.notify.mqtt.qos must be 0, 1 or 2")
		}
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level %q unknown: want debug|info|warn|error", a.LogLevel)
	}
	return nil
}
