package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the collector configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultGRPCPort       = 50051
	DefaultStorageDir     = "./uploads"
	DefaultRetention      = 24 * time.Hour
	DefaultMaxUploadBytes = 32 << 20
)

// Config holds the collector configuration parsed from the `collector:`
// section of the file.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
}

// CollectorConfig holds all collector settings.
type CollectorConfig struct {
	// HTTPPort serves POST /api/v1/uploads, GET /api/v1/uploads and /health.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves grpc.health.v1.Health. Zero disables the gRPC listener.
	GRPCPort int `yaml:"grpc_port"`

	// StorageDir is where accepted images are written.
	StorageDir string `yaml:"storage_dir"`

	// Retention is how long a submission is kept after it was received.
	Retention time.Duration `yaml:"retention"`

	// MaxUploadBytes bounds one upload request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Auth configures how agents authenticate.
	Auth AuthConfig `yaml:"auth"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// AuthConfig controls client authentication on the collector side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header (and gRPC metadata key) the key is read from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name in lowercase, or the
// default "x-api-key". gRPC metadata keys are always lowercase.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return strings.ToLower(a.Header)
	}
	return "x-api-key"
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("collector config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("collector config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Collector: CollectorConfig{
			HTTPPort:       DefaultHTTPPort,
			GRPCPort:       DefaultGRPCPort,
			StorageDir:     DefaultStorageDir,
			Retention:      DefaultRetention,
			MaxUploadBytes: DefaultMaxUploadBytes,
			LogLevel:       "info",
		},
	}
}

func validate(cfg *Config) error {
	c := cfg.Collector
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("collector.http_port %d is out of range [1, 65535]", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("collector.grpc_port %d is out of range [0, 65535]", c.GRPCPort)
	}
	if c.GRPCPort == c.HTTPPort {
		return fmt.Errorf("collector.grpc_port and http_port must differ")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("collector.storage_dir is required")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("collector.retention must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("collector.max_upload_bytes must be positive")
	}
	switch c.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("collector.auth.mode %q unknown: want apikey|none", c.Auth.Mode)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("collector.log_level %q unknown: want debug|info|warn|error", c.LogLevel)
	}
	return nil
}
