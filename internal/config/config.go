// Package config handles broker configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret or AI service key.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level broker configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	AI        AIConfig        `json:"ai" yaml:"ai"`
	Registry  RegistryConfig  `json:"registry,omitempty" yaml:"registry"`
	Rates     RatesConfig     `json:"rates,omitempty" yaml:"rates"`
	Threat    ThreatConfig    `json:"threat,omitempty" yaml:"threat"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Cache     CacheConfig     `json:"cache,omitempty" yaml:"cache"`
	Retention RetentionConfig `json:"retention,omitempty" yaml:"retention"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging"`
}

// ServerConfig defines the broker's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`                                   // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty" yaml:"tls_cert"`
	TLSKey          string   `json:"tls_key,omitempty" yaml:"tls_key"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins"`   // CORS + WS origins; default ["*"]
	ReadLimitBytes  int64    `json:"read_limit_bytes,omitempty" yaml:"read_limit_bytes"` // max inbound frame size; default 10KB
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout"` // hard cap on graceful shutdown; default 10s
}

// AuthConfig defines client authentication settings.
type AuthConfig struct {
	Verifier         string   `json:"verifier,omitempty" yaml:"verifier"` // "hmac" (default) or "jwks"
	JWTSecret        string   `json:"jwt_secret,omitempty" yaml:"jwt_secret"`
	JWTIssuer        string   `json:"jwt_issuer,omitempty" yaml:"jwt_issuer"`
	JWKSURL          string   `json:"jwks_url,omitempty" yaml:"jwks_url"`
	FailureThreshold int      `json:"failure_threshold,omitempty" yaml:"failure_threshold"` // failed attempts before an IP block; default 5
	FailureWindow    Duration `json:"failure_window,omitempty" yaml:"failure_window"`       // rolling window for failures; default 15m
	BlockDuration    Duration `json:"block_duration,omitempty" yaml:"block_duration"`       // length of an IP block; default 15m
}

// AIConfig defines the upstream AI worker link.
type AIConfig struct {
	ServiceKey             string   `json:"service_key,omitempty" yaml:"service_key"`
	ServiceKeyBcrypt       string   `json:"service_key_bcrypt,omitempty" yaml:"service_key_bcrypt"` // bcrypt hash; takes precedence over service_key
	CanisterID             string   `json:"canister_id,omitempty" yaml:"canister_id"`
	WorkerURL              string   `json:"worker_url,omitempty" yaml:"worker_url"` // non-empty switches the bridge to dial mode
	RequestTimeout         Duration `json:"request_timeout,omitempty" yaml:"request_timeout"`
	HeartbeatInterval      Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures"`
	ReconnectMinBackoff    Duration `json:"reconnect_min_backoff,omitempty" yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff    Duration `json:"reconnect_max_backoff,omitempty" yaml:"reconnect_max_backoff"`
}

// RegistryConfig defines connection bookkeeping behavior.
type RegistryConfig struct {
	SweepInterval Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval"` // idle sweep period; default 5m
	IdleTimeout   Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout"`     // close connections idle past this; default 30m
}

// RatesConfig defines every admission-control ceiling. All values are
// hot-reloadable through the config watcher.
type RatesConfig struct {
	AuthedMessagesPerMin  int `json:"authed_messages_per_min,omitempty" yaml:"authed_messages_per_min"`
	AuthedMessagesPerHour int `json:"authed_messages_per_hour,omitempty" yaml:"authed_messages_per_hour"`
	AuthedThreadsPerHour  int `json:"authed_threads_per_hour,omitempty" yaml:"authed_threads_per_hour"`
	AuthedConnectsPerMin  int `json:"authed_connects_per_min,omitempty" yaml:"authed_connects_per_min"`
	AnonMessagesPerMin    int `json:"anon_messages_per_min,omitempty" yaml:"anon_messages_per_min"`
	AnonMessagesPerHour   int `json:"anon_messages_per_hour,omitempty" yaml:"anon_messages_per_hour"`
	AnonThreadsPerHour    int `json:"anon_threads_per_hour,omitempty" yaml:"anon_threads_per_hour"`
	AnonConnectsPerMin    int `json:"anon_connects_per_min,omitempty" yaml:"anon_connects_per_min"`
	IPConnectsPerMin      int `json:"ip_connects_per_min,omitempty" yaml:"ip_connects_per_min"`
	IPMessagesPerMin      int `json:"ip_messages_per_min,omitempty" yaml:"ip_messages_per_min"`
	IPAuthAttemptsPerMin  int `json:"ip_auth_attempts_per_min,omitempty" yaml:"ip_auth_attempts_per_min"`
	GlobalMaxConnections  int `json:"global_max_connections,omitempty" yaml:"global_max_connections"`
	GlobalMessagesPerSec  int `json:"global_messages_per_sec,omitempty" yaml:"global_messages_per_sec"`
}

// ThreatConfig defines content inspection policy. The block flags are
// pointers so that an absent key means "use the default", not "off".
type ThreatConfig struct {
	BlockXSS           *bool `json:"block_xss,omitempty" yaml:"block_xss"`                       // default true
	BlockSQL           *bool `json:"block_sql,omitempty" yaml:"block_sql"`                       // default true
	BlockShell         *bool `json:"block_shell,omitempty" yaml:"block_shell"`                   // default false
	BlockPathTraversal *bool `json:"block_path_traversal,omitempty" yaml:"block_path_traversal"` // default true
	MaxDepth           int   `json:"max_depth,omitempty" yaml:"max_depth"`                       // default 10
	MaxStringBytes     int   `json:"max_string_bytes,omitempty" yaml:"max_string_bytes"`         // default 10KB
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`       // e.g. "threadline.db" or ":memory:"
}

// CacheConfig defines the optional badger-backed history cache.
type CacheConfig struct {
	Dir        string   `json:"dir,omitempty" yaml:"dir"`                 // empty disables the cache
	HistoryTTL Duration `json:"history_ttl,omitempty" yaml:"history_ttl"` // default 5m
}

// RetentionConfig defines archived-thread pruning.
type RetentionConfig struct {
	ArchivedAfter Duration `json:"archived_after,omitempty" yaml:"archived_after"` // 0 disables; default 90 days
	Schedule      string   `json:"schedule,omitempty" yaml:"schedule"`             // cron expression; default "17 3 * * *"
}

// TelemetryConfig defines tracing/metrics export.
type TelemetryConfig struct {
	Traces      string  `json:"traces,omitempty" yaml:"traces"`             // "none" (default), "stdout", "otlp-http"
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint"`         // OTLP endpoint host:port
	SampleRatio float64 `json:"sample_ratio,omitempty" yaml:"sample_ratio"` // default 1.0
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level"`
	Format string `json:"format,omitempty" yaml:"format"` // "json" or "text"
}

// Duration is a JSON- and YAML-friendly time.Duration. It accepts a Go
// duration string ("30s", "15m") or a bare number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.fromAny(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.fromAny(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) fromAny(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Load reads and validates a config file. The format is chosen by
// extension: .yaml/.yml parse as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Verifier {
	case "", "hmac":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when verifier is jwks")
		}
	default:
		return fmt.Errorf("unknown auth verifier: %q", c.Auth.Verifier)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.AI.ServiceKey == "" && c.AI.ServiceKeyBcrypt == "" {
		return fmt.Errorf("ai.service_key or ai.service_key_bcrypt is required")
	}
	if c.AI.WorkerURL != "" && c.AI.ServiceKey == "" {
		return fmt.Errorf("ai.service_key is required when ai.worker_url is set")
	}
	if knownWeakSecrets[c.AI.ServiceKey] {
		return fmt.Errorf("ai.service_key is a well-known weak secret, generate a new one")
	}
	if err := c.Rates.validate(); err != nil {
		return err
	}
	if c.Threat.MaxDepth < 0 {
		return fmt.Errorf("threat.max_depth must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (r *RatesConfig) validate() error {
	for _, v := range []struct {
		name string
		val  int
	}{
		{"authed_messages_per_min", r.AuthedMessagesPerMin},
		{"authed_messages_per_hour", r.AuthedMessagesPerHour},
		{"authed_threads_per_hour", r.AuthedThreadsPerHour},
		{"authed_connects_per_min", r.AuthedConnectsPerMin},
		{"anon_messages_per_min", r.AnonMessagesPerMin},
		{"anon_messages_per_hour", r.AnonMessagesPerHour},
		{"anon_threads_per_hour", r.AnonThreadsPerHour},
		{"anon_connects_per_min", r.AnonConnectsPerMin},
		{"ip_connects_per_min", r.IPConnectsPerMin},
		{"ip_messages_per_min", r.IPMessagesPerMin},
		{"ip_auth_attempts_per_min", r.IPAuthAttemptsPerMin},
		{"global_max_connections", r.GlobalMaxConnections},
		{"global_messages_per_sec", r.GlobalMessagesPerSec},
	} {
		if v.val < 0 {
			return fmt.Errorf("rates.%s must not be negative", v.name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ReadLimitBytes == 0 {
		c.Server.ReadLimitBytes = 10 * 1024
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if c.Auth.Verifier == "" {
		c.Auth.Verifier = "hmac"
	}
	if c.Auth.FailureThreshold == 0 {
		c.Auth.FailureThreshold = 5
	}
	if c.Auth.FailureWindow.Duration == 0 {
		c.Auth.FailureWindow.Duration = 15 * time.Minute
	}
	if c.Auth.BlockDuration.Duration == 0 {
		c.Auth.BlockDuration.Duration = 15 * time.Minute
	}
	if c.AI.CanisterID == "" {
		c.AI.CanisterID = "primary"
	}
	if c.AI.RequestTimeout.Duration == 0 {
		c.AI.RequestTimeout.Duration = 30 * time.Second
	}
	if c.AI.HeartbeatInterval.Duration == 0 {
		c.AI.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.AI.MaxConsecutiveFailures == 0 {
		c.AI.MaxConsecutiveFailures = 5
	}
	if c.AI.ReconnectMinBackoff.Duration == 0 {
		c.AI.ReconnectMinBackoff.Duration = time.Second
	}
	if c.AI.ReconnectMaxBackoff.Duration == 0 {
		c.AI.ReconnectMaxBackoff.Duration = 30 * time.Second
	}
	if c.Registry.SweepInterval.Duration == 0 {
		c.Registry.SweepInterval.Duration = 5 * time.Minute
	}
	if c.Registry.IdleTimeout.Duration == 0 {
		c.Registry.IdleTimeout.Duration = 30 * time.Minute
	}
	c.Rates.applyDefaults()
	if c.Threat.BlockXSS == nil {
		c.Threat.BlockXSS = boolPtr(true)
	}
	if c.Threat.BlockSQL == nil {
		c.Threat.BlockSQL = boolPtr(true)
	}
	if c.Threat.BlockShell == nil {
		c.Threat.BlockShell = boolPtr(false)
	}
	if c.Threat.BlockPathTraversal == nil {
		c.Threat.BlockPathTraversal = boolPtr(true)
	}
	if c.Threat.MaxDepth == 0 {
		c.Threat.MaxDepth = 10
	}
	if c.Threat.MaxStringBytes == 0 {
		c.Threat.MaxStringBytes = 10 * 1024
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "threadline.db"
	}
	if c.Cache.HistoryTTL.Duration == 0 {
		c.Cache.HistoryTTL.Duration = 5 * time.Minute
	}
	if c.Retention.ArchivedAfter.Duration == 0 {
		c.Retention.ArchivedAfter.Duration = 90 * 24 * time.Hour
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "17 3 * * *"
	}
	if c.Telemetry.Traces == "" {
		c.Telemetry.Traces = "none"
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1.0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (r *RatesConfig) applyDefaults() {
	if r.AuthedMessagesPerMin == 0 {
		r.AuthedMessagesPerMin = 60
	}
	if r.AuthedMessagesPerHour == 0 {
		r.AuthedMessagesPerHour = 1000
	}
	if r.AuthedThreadsPerHour == 0 {
		r.AuthedThreadsPerHour = 50
	}
	if r.AuthedConnectsPerMin == 0 {
		r.AuthedConnectsPerMin = 10
	}
	if r.AnonMessagesPerMin == 0 {
		r.AnonMessagesPerMin = 10
	}
	if r.AnonMessagesPerHour == 0 {
		r.AnonMessagesPerHour = 100
	}
	if r.AnonThreadsPerHour == 0 {
		r.AnonThreadsPerHour = 5
	}
	if r.AnonConnectsPerMin == 0 {
		r.AnonConnectsPerMin = 3
	}
	if r.IPConnectsPerMin == 0 {
		r.IPConnectsPerMin = 20
	}
	if r.IPMessagesPerMin == 0 {
		r.IPMessagesPerMin = 200
	}
	if r.IPAuthAttemptsPerMin == 0 {
		r.IPAuthAttemptsPerMin = 20
	}
	if r.GlobalMaxConnections == 0 {
		r.GlobalMaxConnections = 1000
	}
	if r.GlobalMessagesPerSec == 0 {
		r.GlobalMessagesPerSec = 100
	}
}

func boolPtr(b bool) *bool { return &b }
