// Package config loads the keygate server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when KEYGATE_CONFIG is unset.
const DefaultPath = "config.yaml"

// Key sources.
const (
	KeysFile           = "file"
	KeysPostgres       = "postgres"
	KeysSecretsManager = "secretsmanager"
)

// Audit backends.
const (
	AuditLog      = "log"
	AuditPostgres = "postgres"
	AuditSQLite   = "sqlite"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	LogLevel    string `yaml:"log_level"`

	KeysSource       string        `yaml:"keys_source"`
	KeysFile         string        `yaml:"keys_file"`
	SecretsManagerID string        `yaml:"secrets_manager_id"`
	AWSRegion        string        `yaml:"aws_region"`
	KeysRefresh      time.Duration `yaml:"keys_refresh"`
	MasterKey        string        `yaml:"master_key"`

	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	RedisURL      string `yaml:"redis_url"`

	AuditBackend   string `yaml:"audit_backend"`
	SQLitePath     string `yaml:"sqlite_path"`
	AuditQueueSize int    `yaml:"audit_queue_size"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	IPRatePerSecond float64 `yaml:"ip_rate_per_second"`
	IPBurst         int     `yaml:"ip_burst"`
	WindowShards    int     `yaml:"window_shards"`
	SweepSchedule   string  `yaml:"sweep_schedule"`
	MaxBodyBytes    int64   `yaml:"max_body_bytes"`

	// LoadedFrom is the file the config was read from, empty for defaults.
	LoadedFrom string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		KeysSource:      KeysFile,
		KeysRefresh:     5 * time.Minute,
		MigrationsDir:   "migrations",
		AuditBackend:    AuditLog,
		SQLitePath:      "keygate-audit.db",
		AuditQueueSize:  1024,
		IPRatePerSecond: 100,
		IPBurst:         200,
		WindowShards:    64,
		SweepSchedule:   "@every 1m",
		MaxBodyBytes:    1 << 20,
	}
}

// Load reads a .env file if present, then the YAML file at path (or
// KEYGATE_CONFIG, or DefaultPath), then applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("KEYGATE_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.LoadedFrom = path
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"KEYGATE_LISTEN_ADDR", &c.ListenAddr},
		{"KEYGATE_LOG_LEVEL", &c.LogLevel},
		{"KEYGATE_MASTER_KEY", &c.MasterKey},
		{"DATABASE_URL", &c.DBUrl},
		{"REDIS_URL", &c.RedisURL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports every problem with c joined into one error.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.ListenAddr == "" {
		bad("listen_addr is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		bad("tls_cert and tls_key must be set together")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		bad("log_level %q", c.LogLevel)
	}

	switch c.KeysSource {
	case KeysFile:
	case KeysPostgres:
		if c.DBUrl == "" {
			bad("keys_source postgres requires db_url")
		}
	case KeysSecretsManager:
		if c.SecretsManagerID == "" {
			bad("keys_source secretsmanager requires secrets_manager_id")
		}
		if c.KeysRefresh < 0 {
			bad("keys_refresh must not be negative")
		}
	default:
		bad("unknown keys_source %q", c.KeysSource)
	}

	switch c.AuditBackend {
	case AuditLog:
	case AuditPostgres:
		if c.DBUrl == "" {
			bad("audit_backend postgres requires db_url")
		}
	case AuditSQLite:
		if c.SQLitePath == "" {
			bad("audit_backend sqlite requires sqlite_path")
		}
	default:
		bad("unknown audit_backend %q", c.AuditBackend)
	}

	if c.IPRatePerSecond <= 0 || c.IPBurst <= 0 {
		bad("ip_rate_per_second and ip_burst must be positive")
	}
	if c.WindowShards <= 0 {
		bad("window_shards must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		bad("max_body_bytes must be positive")
	}
	if c.AuditQueueSize < 0 {
		bad("audit_queue_size must not be negative")
	}
	return errors.Join(errs...)
}

// NeedsPostgres reports whether any component is backed by Postgres.
func (c Config) NeedsPostgres() bool {
	return c.KeysSource == KeysPostgres || c.AuditBackend == AuditPostgres
}
