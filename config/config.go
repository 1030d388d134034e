// Package config provides typed configuration loading for mbdash.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for mbdash.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// ServerConfig contains the local dashboard server settings.
type ServerConfig struct {
	Listen           string        `yaml:"listen"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	UseXForwardedFor bool          `yaml:"use_x_forwarded_for"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// BackendConfig points at the hosted auth backend.
type BackendConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	JWTSecret   string        `yaml:"jwt_secret"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// RealtimeConfig contains the auth event websocket settings.
type RealtimeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	PongWait   time.Duration `yaml:"pong_wait"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RedisConfig contains the optional shared Redis settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	NodeID   string `yaml:"node_id"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	InitSchema      bool          `yaml:"init_schema"`
}

// DSN returns a PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.QueryTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.QueryTimeout/time.Second)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// SessionConfig controls where the signed-in session is kept and how it
// is refreshed.
type SessionConfig struct {
	// File is the encrypted session file. Empty keeps the session in
	// memory only.
	File               string        `yaml:"file"`
	Passphrase         string        `yaml:"passphrase"`
	DisableAutoRefresh bool          `yaml:"disable_auto_refresh"`
	RefreshMargin      time.Duration `yaml:"refresh_margin"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
}

// CacheConfig contains query cache settings.
type CacheConfig struct {
	StaleTime time.Duration `yaml:"stale_time"`
}

// NotifyConfig contains notification dispatch settings.
type NotifyConfig struct {
	Buffer int `yaml:"buffer"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// LimitsConfig contains various size and count limits.
type LimitsConfig struct {
	SignInAttempts   int           `yaml:"sign_in_attempts"`
	SignInWindow     time.Duration `yaml:"sign_in_window"`
	AdminListLimit   int           `yaml:"admin_list_limit"`
	MessagePageSize  int           `yaml:"message_page_size"`
	MaxMessageLength int           `yaml:"max_message_length"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:default} patterns in the config.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		envVar := parts[1]
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(envVar); val != "" {
			return val
		}
		return defaultVal
	})
}

// DefaultSessionFile returns the per-user session file location.
func DefaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".mbdash", "session")
	}
	return filepath.Join(dir, "mbdash", "session")
}

// applyDefaults sets default values for unset fields.
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:5173"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	// Backend defaults
	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")
	if c.Backend.HTTPTimeout == 0 {
		c.Backend.HTTPTimeout = 10 * time.Second
	}

	// Realtime defaults
	if c.Realtime.Enabled && c.Realtime.URL == "" && c.Backend.URL != "" {
		c.Realtime.URL = realtimeURL(c.Backend.URL)
	}
	if c.Realtime.PongWait == 0 {
		c.Realtime.PongWait = 60 * time.Second
	}
	if c.Realtime.MinBackoff == 0 {
		c.Realtime.MinBackoff = time.Second
	}
	if c.Realtime.MaxBackoff == 0 {
		c.Realtime.MaxBackoff = 30 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "mbdash:"
	}
	if c.Redis.NodeID == "" {
		host, _ := os.Hostname()
		c.Redis.NodeID = host + "-" + strconv.Itoa(os.Getpid())
	}

	// Database defaults
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "movementbrand"
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 10 * time.Second
	}

	// Session defaults
	if c.Session.RefreshMargin == 0 {
		c.Session.RefreshMargin = time.Minute
	}
	if c.Session.RetryInterval == 0 {
		c.Session.RetryInterval = 5 * time.Second
	}

	// Cache defaults
	if c.Cache.StaleTime == 0 {
		c.Cache.StaleTime = 30 * time.Second
	}

	// Notify defaults
	if c.Notify.Buffer == 0 {
		c.Notify.Buffer = 64
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Limits defaults
	if c.Limits.SignInAttempts == 0 {
		c.Limits.SignInAttempts = 5
	}
	if c.Limits.SignInWindow == 0 {
		c.Limits.SignInWindow = 15 * time.Minute
	}
	if c.Limits.AdminListLimit == 0 {
		c.Limits.AdminListLimit = 200
	}
	if c.Limits.MessagePageSize == 0 {
		c.Limits.MessagePageSize = 50
	}
	if c.Limits.MaxMessageLength == 0 {
		c.Limits.MaxMessageLength = 4000
	}
}

// realtimeURL derives the realtime websocket endpoint from the backend URL.
func realtimeURL(backend string) string {
	switch {
	case strings.HasPrefix(backend, "https://"):
		backend = "wss://" + strings.TrimPrefix(backend, "https://")
	case strings.HasPrefix(backend, "http://"):
		backend = "ws://" + strings.TrimPrefix(backend, "http://")
	}
	return backend + "/realtime/v1/auth"
}

// insecurePassphrases are placeholders that must never protect a real
// session file.
var insecurePassphrases = map[string]bool{
	"changeme":   true,
	"password":   true,
	"passphrase": true,
	"secret":     true,
	"mbdash":     true,
}

// minPassphraseLength is the shortest accepted session passphrase.
const minPassphraseLength = 12

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.url must be an absolute URL")
	}
	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend.api_key is required")
	}

	if c.Session.File != "" {
		if c.Session.Passphrase == "" {
			return fmt.Errorf("session.passphrase is required when session.file is set")
		}
		if insecurePassphrases[strings.ToLower(c.Session.Passphrase)] {
			return fmt.Errorf("session.passphrase is using an insecure default value - choose a new passphrase")
		}
		if len(c.Session.Passphrase) < minPassphraseLength {
			return fmt.Errorf("session.passphrase must be at least %d characters", minPassphraseLength)
		}
	}

	if c.Session.RefreshMargin < 0 {
		return fmt.Errorf("session.refresh_margin must not be negative")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.Limits.SignInAttempts < 0 {
		return fmt.Errorf("limits.sign_in_attempts must not be negative")
	}
	return nil
}
