// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"

	"supervised-proxy-go/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/supervised-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BaseURL  string `kong:"help='URL prefix all routes are served under (overrides config).',env='BASE_URL'"`
	Token    string `kong:"help='Access token required on every request (overrides config).',env='PROXY_TOKEN'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig   `toml:"server"`
	Auth    AuthConfig     `toml:"auth"`
	Backend BackendConfig  `toml:"backend"`
	Log     LogConfig      `toml:"log"`
	Metrics MetricsConfig  `toml:"metrics"`
	Targets []TargetConfig `toml:"targets"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8888)
	BaseURL      string          `toml:"base_url"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AuthConfig holds the access token. An empty token disables the check and
// leaves authentication to whatever fronts the proxy.
type AuthConfig struct {
	Token string `toml:"token"`
}

// BackendConfig holds settings for connections to local backends.
type BackendConfig struct {
	TimeoutSeconds          int `toml:"timeout_seconds"`
	IdleConnections         int `toml:"idle_connections"`
	ProbeIntervalMillis     int `toml:"probe_interval_ms"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TargetConfig describes one supervised backend process.
type TargetConfig struct {
	Name           string            `toml:"name" validate:"required,excludesall=/?#"`
	Command        []string          `toml:"command" validate:"required,min=1,dive,required"`
	Cwd            string            `toml:"cwd"`
	Environment    map[string]string `toml:"environment"`
	TimeoutSeconds int               `toml:"timeout_seconds" validate:"gte=0"`
	Rewrite        model.RewriteMode `toml:"rewrite"`
	ProxyBase      string            `toml:"proxy_base"`
	Port           int               `toml:"port" validate:"gte=0,lte=65535"`
}

// Timeout returns the readiness timeout of the target.
func (t TargetConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/supervised-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BaseURL != "" {
		c.Server.BaseURL = cli.BaseURL
	}
	if cli.Token != "" {
		c.Auth.Token = cli.Token
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.BaseURL != "" && !strings.HasPrefix(c.Server.BaseURL, "/") {
		return fmt.Errorf("server.base_url must start with '/'; got %q", c.Server.BaseURL)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Backend.ProbeIntervalMillis < 0 {
		return fmt.Errorf("backend.probe_interval_ms must be non-negative; got %d", c.Backend.ProbeIntervalMillis)
	}
	if c.Backend.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("backend.handshake_timeout_seconds must be non-negative; got %d", c.Backend.HandshakeTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy", "/api"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return c.validateTargets()
}

// validateTargets checks target tables with struct tags plus uniqueness.
// The rewrite mode is not checked here: an unsupported mode is reported
// when a request reaches the target.
func (c *Config) validateTargets() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	names := make(map[string]bool, len(c.Targets))
	bases := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if err := v.Struct(t); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, formatValidationErrors(err))
		}
		if names[t.Name] {
			return fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true

		base := strings.Trim(t.ProxyBase, "/")
		if base == "" {
			base = t.Name
		}
		if base == "proxy" || base == "api" || strings.HasPrefix(base, "proxy/") || strings.HasPrefix(base, "api/") {
			return fmt.Errorf("targets[%d]: proxy_base %q conflicts with a reserved route", i, base)
		}
		if bases[base] {
			return fmt.Errorf("targets[%d]: duplicate proxy_base %q", i, base)
		}
		bases[base] = true
	}
	return nil
}

// formatValidationErrors turns validator errors into a single readable error.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8888
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "/"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 120
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Backend.ProbeIntervalMillis == 0 {
		c.Backend.ProbeIntervalMillis = 100
	}
	if c.Backend.HandshakeTimeoutSeconds == 0 {
		c.Backend.HandshakeTimeoutSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.TimeoutSeconds == 0 {
			t.TimeoutSeconds = 5
		}
		if t.Rewrite == "" {
			t.Rewrite = model.RewritePassthrough
		}
		if strings.Trim(t.ProxyBase, "/") == "" {
			t.ProxyBase = t.Name
		}
		t.ProxyBase = strings.Trim(t.ProxyBase, "/")
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProbeInterval returns the pause between readiness probe attempts.
func (c *BackendConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMillis) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or
// others; it may contain the access token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnUnsupportedRewrites logs targets whose rewrite mode will be rejected
// at request time.
func (c *Config) WarnUnsupportedRewrites(logger *slog.Logger) {
	for _, t := range c.Targets {
		if t.Rewrite != model.RewritePassthrough && t.Rewrite != model.RewriteAbsolute {
			logger.Warn("target has an unsupported rewrite mode; requests to it will fail",
				"target", t.Name,
				"rewrite", string(t.Rewrite),
			)
		}
	}
}
