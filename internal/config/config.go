// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/llm-session-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host the metrics endpoint.
var reservedRoutes = []string{"/v1", "/chat", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey   string `kong:"help='API key for the first upstream (overrides config).',env='UPSTREAM_API_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Identity  IdentityConfig   `toml:"identity"`
	Retry     RetryConfig      `toml:"retry"`
	Upstreams []UpstreamConfig `toml:"upstreams"`
	Log       LogConfig        `toml:"log"`
	Metrics   MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// IdentityConfig controls how the calling user is identified and tagged upstream.
type IdentityConfig struct {
	Header         string `toml:"header"`
	UpstreamHeader string `toml:"upstream_header"`
	DefaultUser    string `toml:"default_user"`
	Required       bool   `toml:"required"`
	BodyField      string `toml:"body_field"`
	// bodyFieldSet records whether body_field was present in the file so an
	// explicit "" can disable body tagging.
	bodyFieldSet bool
}

// RetryConfig holds the rate-limit retry policy shared by all upstreams.
type RetryConfig struct {
	MaxAttempts       int     `toml:"max_attempts"`
	InitialDelayMS    int     `toml:"initial_delay_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	RateLimitStatuses []int   `toml:"rate_limit_statuses"`
	// initialDelaySet records whether initial_delay_ms was present so an
	// explicit 0 means immediate retries.
	initialDelaySet bool
}

// UpstreamConfig describes one upstream origin.
type UpstreamConfig struct {
	Name              string               `toml:"name"`
	BaseURL           string               `toml:"base_url"`
	APIKey            string               `toml:"api_key"`
	TimeoutSeconds    int                  `toml:"timeout_seconds"`
	IdleConnections   int                  `toml:"idle_connections"`
	RateLimitStatuses []int                `toml:"rate_limit_statuses"`
	CostHeader        string               `toml:"cost_header"`
	CircuitBreaker    CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the optional per-origin circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/llm-session-proxy/config.toml then configs/config.toml.
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

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// parse decodes the TOML document. A second pass distinguishes an omitted
// body_field or initial_delay_ms from an explicit empty or zero value.
func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	var presence struct {
		Identity struct {
			BodyField *string `toml:"body_field"`
		} `toml:"identity"`
		Retry struct {
			InitialDelayMS *int `toml:"initial_delay_ms"`
		} `toml:"retry"`
	}
	if err := toml.Unmarshal(data, &presence); err != nil {
		return nil, err
	}
	cfg.Identity.bodyFieldSet = presence.Identity.BodyField != nil
	cfg.Retry.initialDelaySet = presence.Retry.InitialDelayMS != nil

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
	if cli.APIKey != "" && len(c.Upstreams) > 0 {
		c.Upstreams[0].APIKey = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one [[upstreams]] entry is required")
	}

	names := make(map[string]bool, len(c.Upstreams))
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d].name is required", i)
		}
		if names[u.Name] {
			return fmt.Errorf("upstreams[%d].name %q is duplicated", i, u.Name)
		}
		names[u.Name] = true

		if u.APIKey == "YOUR_API_KEY_HERE" {
			return fmt.Errorf("upstreams[%d].api_key contains placeholder value; set a real key or leave empty to pass the caller's Authorization header", i)
		}
		if u.BaseURL == "" {
			return fmt.Errorf("upstreams[%d].base_url is required", i)
		}
		origin, err := NormalizeOrigin(u.BaseURL)
		if err != nil {
			return fmt.Errorf("upstreams[%d].base_url: %w", i, err)
		}
		u.BaseURL = origin

		if u.TimeoutSeconds < 0 {
			return fmt.Errorf("upstreams[%d].timeout_seconds must be non-negative; got %d", i, u.TimeoutSeconds)
		}
		if u.IdleConnections < 0 {
			return fmt.Errorf("upstreams[%d].idle_connections must be non-negative; got %d", i, u.IdleConnections)
		}
		if err := validateStatuses(fmt.Sprintf("upstreams[%d].rate_limit_statuses", i), u.RateLimitStatuses); err != nil {
			return err
		}
		if u.CircuitBreaker.FailureThreshold < 0 || u.CircuitBreaker.OpenSeconds < 0 {
			return fmt.Errorf("upstreams[%d].circuit_breaker values must be non-negative", i)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Retry policy.
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be non-negative; got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelayMS < 0 {
		return fmt.Errorf("retry.initial_delay_ms must be non-negative; got %d", c.Retry.InitialDelayMS)
	}
	if c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1; got %v", c.Retry.BackoffMultiplier)
	}
	if err := validateStatuses("retry.rate_limit_statuses", c.Retry.RateLimitStatuses); err != nil {
		return err
	}

	if h := c.Identity.Header; h != "" && strings.ContainsAny(h, " :\t\r\n") {
		return fmt.Errorf("identity.header %q is not a valid header name", h)
	}
	if h := c.Identity.UpstreamHeader; h != "" && strings.ContainsAny(h, " :\t\r\n") {
		return fmt.Errorf("identity.upstream_header %q is not a valid header name", h)
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
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateStatuses(field string, codes []int) error {
	for _, code := range codes {
		if code < 400 || code > 599 {
			return fmt.Errorf("%s: status %d is not a 4xx/5xx code", field, code)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}

	if c.Identity.Header == "" {
		c.Identity.Header = "X-User-Id"
	}
	if c.Identity.UpstreamHeader == "" {
		c.Identity.UpstreamHeader = c.Identity.Header
	}
	if c.Identity.BodyField == "" && !c.Identity.bodyFieldSet {
		c.Identity.BodyField = "user"
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelayMS == 0 && !c.Retry.initialDelaySet {
		c.Retry.InitialDelayMS = 1000
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if len(c.Retry.RateLimitStatuses) == 0 {
		c.Retry.RateLimitStatuses = []int{429}
	}

	for i := range c.Upstreams {
		c.Upstreams[i].setDefaults()
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
}

func (u *UpstreamConfig) setDefaults() {
	if u.TimeoutSeconds == 0 {
		u.TimeoutSeconds = 300
	}
	if u.IdleConnections == 0 {
		u.IdleConnections = 100
	}
	if u.CircuitBreaker.FailureThreshold == 0 {
		u.CircuitBreaker.FailureThreshold = 5
	}
	if u.CircuitBreaker.OpenSeconds == 0 {
		u.CircuitBreaker.OpenSeconds = 30
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

// NormalizeOrigin reduces a base URL to its scheme://host:port origin.
// Default ports are made explicit so that "https://a" and "https://a:443"
// share a session.
func NormalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("not a valid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("scheme must be http or https; got %q", raw)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", fmt.Errorf("must be a bare origin without path, query or credentials; got %q", raw)
	}

	port := u.Port()
	if port == "" {
		port = "443"
		if scheme == "http" {
			port = "80"
		}
	}
	return scheme + "://" + net.JoinHostPort(strings.ToLower(u.Hostname()), port), nil
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Upstream returns the upstream with the given name. An empty name selects
// the first configured upstream.
func (c *Config) Upstream(name string) (*UpstreamConfig, bool) {
	if len(c.Upstreams) == 0 {
		return nil, false
	}
	if name == "" {
		return &c.Upstreams[0], true
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].Name == name {
			return &c.Upstreams[i], true
		}
	}
	return nil, false
}

// Timeout returns the per-attempt response timeout.
func (u *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// StatusesOrDefault returns the upstream's rate-limit statuses, falling back
// to the global retry set.
func (u *UpstreamConfig) StatusesOrDefault(global []int) []int {
	if len(u.RateLimitStatuses) > 0 {
		return u.RateLimitStatuses
	}
	return global
}

// InitialDelay returns the first backoff delay.
func (r *RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
