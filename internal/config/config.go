// Package config loads the bridge configuration from a JSON5 or YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// Config is the root configuration.
type Config struct {
	Telegram  TelegramConfig    `json:"telegram" yaml:"telegram"`
	XMPP      XMPPConfig        `json:"xmpp" yaml:"xmpp"`
	Bridge    BridgeConfig      `json:"bridge" yaml:"bridge"`
	Database  DatabaseConfig    `json:"database" yaml:"database"`
	Media     MediaConfig       `json:"media" yaml:"media"`
	Telemetry TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	Health    HealthConfig      `json:"health" yaml:"health"`
	Templates map[string]string `json:"templates" yaml:"templates"`
}

// TelegramConfig configures the Telegram bot.
type TelegramConfig struct {
	Token string `json:"token" yaml:"token"`
	// Command is the pairing command name without the slash (default "bridge").
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	// APIServer overrides https://api.telegram.org (local bot API servers).
	APIServer      string `json:"api_server,omitempty" yaml:"api_server,omitempty"`
	PollTimeoutSec int    `json:"poll_timeout_sec,omitempty" yaml:"poll_timeout_sec,omitempty"`
	// RateLimit is outbound messages per minute per chat (0 = Telegram's 20/min group limit).
	RateLimit int `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Burst     int `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// XMPPConfig configures the XMPP account.
type XMPPConfig struct {
	JID      string `json:"jid" yaml:"jid"`
	Password string `json:"password" yaml:"password"`
	// Host is host:port; empty resolves from the JID domain.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	// Nick is the bridge's occupant nick in every room.
	Nick     string `json:"nick,omitempty" yaml:"nick,omitempty"`
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`
	// DirectTLS connects with TLS from the first byte (port 5223) instead of STARTTLS.
	DirectTLS          bool `json:"direct_tls,omitempty" yaml:"direct_tls,omitempty"`
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	RateLimit          int  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Burst              int  `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// BridgeConfig tunes the engine.
type BridgeConfig struct {
	// Secret must be given as the XMPP invitation reason. Empty accepts any.
	Secret               string `json:"secret" yaml:"secret"`
	PendingTTLMin        int    `json:"pending_ttl_min,omitempty" yaml:"pending_ttl_min,omitempty"`
	SweepIntervalMin     int    `json:"sweep_interval_min,omitempty" yaml:"sweep_interval_min,omitempty"`
	CorrelationCapacity  int    `json:"correlation_capacity,omitempty" yaml:"correlation_capacity,omitempty"`
	CorrelationMaxAgeHrs int    `json:"correlation_max_age_hours,omitempty" yaml:"correlation_max_age_hours,omitempty"`
	QueueSize            int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	SendTimeoutSec       int    `json:"send_timeout_sec,omitempty" yaml:"send_timeout_sec,omitempty"`
	RetryDelayMs         int    `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	DedupeTTLMin         int    `json:"dedupe_ttl_min,omitempty" yaml:"dedupe_ttl_min,omitempty"`
	// TopicStickSec is how long an XMPP sender's plain messages keep going to
	// the forum topic they last replied into (default 10).
	TopicStickSec int `json:"topic_stick_sec,omitempty" yaml:"topic_stick_sec,omitempty"`
	// MembershipNotices posts join/leave notices (default true).
	MembershipNotices *bool `json:"membership_notices,omitempty" yaml:"membership_notices,omitempty"`
	// LeaveOnUnbind leaves the surviving room after an automatic unbind (default true).
	LeaveOnUnbind *bool `json:"leave_on_unbind,omitempty" yaml:"leave_on_unbind,omitempty"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty" yaml:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	// Correlations is "sql" (default) or "redis".
	Correlations string `json:"correlations,omitempty" yaml:"correlations,omitempty"`
	RedisURL     string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
}

// MediaConfig configures the S3 relay used to publish Telegram files to XMPP.
type MediaConfig struct {
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// PublicURL is the base URL objects are served from. Empty uses presigned GET URLs.
	PublicURL    string `json:"public_url,omitempty" yaml:"public_url,omitempty"`
	PresignHours int    `json:"presign_hours,omitempty" yaml:"presign_hours,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
	MaxSizeMB    int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	AccessKey    string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
}

// Enabled reports whether the relay is configured.
func (m MediaConfig) Enabled() bool { return m.Bucket != "" }

// TelemetryConfig configures OpenTelemetry OTLP export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// HealthConfig configures the metrics and health endpoint.
type HealthConfig struct {
	// Listen is the HTTP address for /metrics and /healthz; empty disables it.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// FailureThreshold is the number of consecutive persistence failures
	// after which /healthz reports unhealthy.
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, choosing the decoder by extension (.yaml/.yml or JSON5),
// then applies environment overrides and defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	envStr("MUCBRIDGE_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("MUCBRIDGE_XMPP_JID", &c.XMPP.JID)
	envStr("MUCBRIDGE_XMPP_PASSWORD", &c.XMPP.Password)
	envStr("MUCBRIDGE_SECRET", &c.Bridge.Secret)
	envStr("MUCBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("MUCBRIDGE_REDIS_URL", &c.Database.RedisURL)
	envStr("MUCBRIDGE_S3_ACCESS_KEY", &c.Media.AccessKey)
	envStr("MUCBRIDGE_S3_SECRET_KEY", &c.Media.SecretKey)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	c.Telegram.Command = NormalizeCommand(c.Telegram.Command)
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Telegram.RateLimit == 0 {
		c.Telegram.RateLimit = 20
	}
	if c.XMPP.Nick == "" {
		c.XMPP.Nick = DefaultNick
	}
	if c.XMPP.Resource == "" {
		c.XMPP.Resource = "mucbridge"
	}
	if c.XMPP.RateLimit == 0 {
		c.XMPP.RateLimit = 60
	}

	b := &c.Bridge
	if b.PendingTTLMin <= 0 {
		b.PendingTTLMin = 60
	}
	if b.SweepIntervalMin <= 0 {
		b.SweepIntervalMin = 20
	}
	if b.CorrelationCapacity <= 0 {
		b.CorrelationCapacity = 300
	}
	if b.CorrelationMaxAgeHrs <= 0 {
		b.CorrelationMaxAgeHrs = 72
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.SendTimeoutSec <= 0 {
		b.SendTimeoutSec = 15
	}
	if b.RetryDelayMs <= 0 {
		b.RetryDelayMs = 1000
	}
	if b.DedupeTTLMin <= 0 {
		b.DedupeTTLMin = 20
	}
	if b.TopicStickSec <= 0 {
		b.TopicStickSec = 10
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mucbridge.db"
	}
	if c.Database.Correlations == "" {
		c.Database.Correlations = "sql"
	}

	if c.Media.PresignHours <= 0 {
		c.Media.PresignHours = 24 * 7
	}
	if c.Media.MaxSizeMB <= 0 {
		c.Media.MaxSizeMB = 20
	}

	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mucbridge"
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = 3
	}

	if c.Templates == nil {
		c.Templates = DefaultTemplates()
	}
}

// Validate fails on missing required fields so misconfiguration surfaces at
// startup rather than at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.XMPP.JID == "" {
		errs = append(errs, errors.New("xmpp.jid is required"))
	}
	if c.XMPP.Password == "" {
		errs = append(errs, errors.New("xmpp.password is required"))
	}
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("database.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Database.Correlations {
	case "sql":
	case "redis":
		if c.Database.RedisURL == "" {
			errs = append(errs, errors.New("database.redis_url is required when correlations = redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.correlations %q is not supported", c.Database.Correlations))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	if err := ValidateTemplates(c.Templates); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StoreConfig maps the database section onto the store layer.
func (c *Config) StoreConfig() store.StoreConfig {
	return store.StoreConfig{
		Driver:       c.Database.Driver,
		Path:         c.Database.Path,
		PostgresDSN:  c.Database.PostgresDSN,
		Correlations: c.Database.Correlations,
		RedisURL:     c.Database.RedisURL,
	}
}

func (b BridgeConfig) PendingTTL() time.Duration {
	return time.Duration(b.PendingTTLMin) * time.Minute
}

func (b BridgeConfig) SweepInterval() time.Duration {
	return time.Duration(b.SweepIntervalMin) * time.Minute
}

func (b BridgeConfig) CorrelationMaxAge() time.Duration {
	return time.Duration(b.CorrelationMaxAgeHrs) * time.Hour
}

func (b BridgeConfig) SendTimeout() time.Duration {
	return time.Duration(b.SendTimeoutSec) * time.Second
}

func (b BridgeConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMs) * time.Millisecond
}

func (b BridgeConfig) DedupeTTL() time.Duration {
	return time.Duration(b.DedupeTTLMin) * time.Minute
}

// TopicStickWindow is zero when unset; the engine then uses its default.
func (b BridgeConfig) TopicStickWindow() time.Duration {
	return time.Duration(b.TopicStickSec) * time.Second
}

func (b BridgeConfig) MembershipNoticesEnabled() bool {
	return b.MembershipNotices == nil || *b.MembershipNotices
}

func (b BridgeConfig) LeaveOnUnbindEnabled() bool {
	return b.LeaveOnUnbind == nil || *b.LeaveOnUnbind
}
