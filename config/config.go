package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"warden/core"
)

// Config is the complete engine configuration
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"logging"`

	Server struct {
		Enabled      bool          `mapstructure:"enabled"`
		Addr         string        `mapstructure:"addr" validate:"required_if=Enabled true"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	} `mapstructure:"server"`

	Enrichment struct {
		// LookupTimeout bounds each individual lookup, not the whole enrichment step
		LookupTimeout     time.Duration `mapstructure:"lookup_timeout"`
		CacheTTL          time.Duration `mapstructure:"cache_ttl"`
		CacheSize         int           `mapstructure:"cache_size" validate:"gt=0"`
		LoginHistoryLimit int           `mapstructure:"login_history_limit" validate:"gt=0"`
	} `mapstructure:"enrichment"`

	Detection DetectionConfig `mapstructure:"detection"`
	Actions   ActionsConfig   `mapstructure:"actions"`

	Alerts struct {
		ThrottleWindow    time.Duration `mapstructure:"throttle_window"`
		ThrottleCacheSize int           `mapstructure:"throttle_cache_size" validate:"gt=0"`
	} `mapstructure:"alerts"`

	Notify     NotifyConfig     `mapstructure:"notify"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Storage    StorageConfig    `mapstructure:"storage"`
	NATS       NATSConfig       `mapstructure:"nats"`

	Redis struct {
		Enabled          bool          `mapstructure:"enabled"`
		core.RedisConfig `mapstructure:",squash"`
		TTL              time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		// OTLPEndpoint is a gRPC collector address; spans are recorded but not exported when empty
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		Insecure     bool   `mapstructure:"insecure"`
	} `mapstructure:"tracing"`
}

// RuleToggles enables or disables each detection sub-rule
type RuleToggles struct {
	BruteForce          bool `mapstructure:"brute_force"`
	CredentialStuffing  bool `mapstructure:"credential_stuffing"`
	SuspiciousLocation  bool `mapstructure:"suspicious_location"`
	MaliciousPayload    bool `mapstructure:"malicious_payload"`
	RateLimit           bool `mapstructure:"rate_limit"`
	AfterHours          bool `mapstructure:"after_hours"`
	BulkAccess          bool `mapstructure:"bulk_access"`
	PrivilegeEscalation bool `mapstructure:"privilege_escalation"`
}

// DetectionConfig holds every threshold and window used by the detector
type DetectionConfig struct {
	Rules RuleToggles `mapstructure:"rules"`

	AuthWindow           time.Duration `mapstructure:"auth_window"`
	FailedLoginThreshold int           `mapstructure:"failed_login_threshold" validate:"gt=0"`
	BruteForceThreshold  int           `mapstructure:"brute_force_threshold" validate:"gtfield=FailedLoginThreshold"`

	CredentialStuffing struct {
		MaxRequests   int `mapstructure:"max_requests" validate:"gt=0"`
		MaxUserAgents int `mapstructure:"max_user_agents" validate:"gt=0"`
		MaxIPs        int `mapstructure:"max_ips" validate:"gt=0"`
		MinIndicators int `mapstructure:"min_indicators" validate:"min=1,max=3"`
	} `mapstructure:"credential_stuffing"`

	Location struct {
		HistorySize          int `mapstructure:"history_size" validate:"gt=0"`
		MinHistory           int `mapstructure:"min_history" validate:"gt=0"`
		MinDistinctCountries int `mapstructure:"min_distinct_countries" validate:"gt=0"`
	} `mapstructure:"location"`

	RateLimit struct {
		Window time.Duration `mapstructure:"window"`
		Limit  int           `mapstructure:"limit" validate:"gt=0"`
	} `mapstructure:"rate_limit"`

	AfterHours struct {
		StartHour int    `mapstructure:"start_hour" validate:"min=0,max=23"`
		EndHour   int    `mapstructure:"end_hour" validate:"min=0,max=23"`
		Timezone  string `mapstructure:"timezone" validate:"timezone"`
	} `mapstructure:"after_hours"`

	BulkAccessThreshold  float64  `mapstructure:"bulk_access_threshold" validate:"gt=0"`
	PrivilegeOrder       []string `mapstructure:"privilege_order" validate:"min=2,unique,dive,required"`
	RoleChangeEventTypes []string `mapstructure:"role_change_event_types"`

	RegexTimeout  time.Duration `mapstructure:"regex_timeout"`
	SignatureFile string        `mapstructure:"signature_file"`

	// MaxClockSkew bounds how far past ingestion time an event timestamp may lie
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`

	// Correlation cache layout; retention is the ceiling for every window
	CorrelationShards    int           `mapstructure:"correlation_shards" validate:"gt=0"`
	CorrelationRetention time.Duration `mapstructure:"correlation_retention"`
}

// ActionsConfig controls the action orchestrator
type ActionsConfig struct {
	// TableFile points at a YAML action table; when empty Table (or the built-in default) is used
	TableFile string       `mapstructure:"table_file"`
	Table     []ActionRule `mapstructure:"table"`

	Block struct {
		TTL   time.Duration `mapstructure:"ttl"`
		Scope string        `mapstructure:"scope" validate:"oneof=ip user both"`
	} `mapstructure:"block"`

	RateLimit struct {
		RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
		Burst             int           `mapstructure:"burst" validate:"gt=0"`
		TTL               time.Duration `mapstructure:"ttl"`
		SignalSubject     string        `mapstructure:"signal_subject"`
	} `mapstructure:"rate_limit"`
}

// ChannelConfig describes one notification channel
type ChannelConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Type        string `mapstructure:"type" validate:"oneof=webhook slack email nats in_app log"`
	Enabled     bool   `mapstructure:"enabled"`
	MinSeverity string `mapstructure:"min_severity"`

	URL     string            `mapstructure:"url" validate:"omitempty,url"`
	Headers map[string]string `mapstructure:"headers"`
	Subject string            `mapstructure:"subject"`

	SMTPHost     string   `mapstructure:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port"`
	SMTPUsername string   `mapstructure:"smtp_username"`
	SMTPPassword string   `mapstructure:"smtp_password"`
	From         string   `mapstructure:"from"`
	To           []string `mapstructure:"to" validate:"omitempty,dive,email"`
}

func (ch ChannelConfig) validate() error {
	setting := "notify.channels." + ch.Name
	if ch.MinSeverity != "" {
		if _, err := core.ParseSeverity(ch.MinSeverity); err != nil {
			return core.ConfigError(setting+".min_severity", "%v", err)
		}
	}
	switch ch.Type {
	case "webhook", "slack":
		if ch.URL == "" {
			return core.ConfigError(setting+".url", "required for %s channels", ch.Type)
		}
	case "nats", "in_app":
		if ch.Subject == "" {
			return core.ConfigError(setting+".subject", "required for %s channels", ch.Type)
		}
	case "email":
		if ch.SMTPHost == "" || ch.From == "" || len(ch.To) == 0 {
			return core.ConfigError(setting, "email channels need smtp_host, from and to")
		}
	}
	return nil
}

// NotifyConfig controls alert and user notification dispatch
type NotifyConfig struct {
	Timeout        time.Duration             `mapstructure:"timeout"`
	QueueSize      int                       `mapstructure:"queue_size" validate:"gt=0"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Channels       []ChannelConfig           `mapstructure:"channels" validate:"dive"`
}

// EscalationConfig controls the incident escalation gate
type EscalationConfig struct {
	Enabled        bool                      `mapstructure:"enabled"`
	MinSeverity    string                    `mapstructure:"min_severity"`
	Timeout        time.Duration             `mapstructure:"timeout"`
	Subject        string                    `mapstructure:"subject"`
	DedupWindow    time.Duration             `mapstructure:"dedup_window"`
	DedupCacheSize int                       `mapstructure:"dedup_cache_size" validate:"gt=0"`
	MaxFieldLength int                       `mapstructure:"max_field_length" validate:"gt=0"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// StorageConfig controls the persistence sinks
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" validate:"required"`

	Async struct {
		QueueSize    int           `mapstructure:"queue_size" validate:"gt=0"`
		Workers      int           `mapstructure:"workers" validate:"gt=0"`
		MaxRetries   int           `mapstructure:"max_retries" validate:"min=0"`
		RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	} `mapstructure:"async"`

	ClickHouse struct {
		Enabled       bool          `mapstructure:"enabled"`
		Addr          []string      `mapstructure:"addr" validate:"required_if=Enabled true"`
		Database      string        `mapstructure:"database"`
		Username      string        `mapstructure:"username"`
		Password      string        `mapstructure:"password"`
		TLS           bool          `mapstructure:"tls"`
		BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"clickhouse"`
}

// NATSConfig controls the NATS connection shared by the subscriber and transports
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url" validate:"required_if=Enabled true"`
	EventsSubject  string        `mapstructure:"events_subject"`
	QueueGroup     string        `mapstructure:"queue_group"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// setDefaults registers every default on v
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("enrichment.lookup_timeout", 500*time.Millisecond)
	v.SetDefault("enrichment.cache_ttl", 5*time.Minute)
	v.SetDefault("enrichment.cache_size", 10000)
	v.SetDefault("enrichment.login_history_limit", 10)

	v.SetDefault("detection.rules.brute_force", true)
	v.SetDefault("detection.rules.credential_stuffing", true)
	v.SetDefault("detection.rules.suspicious_location", true)
	v.SetDefault("detection.rules.malicious_payload", true)
	v.SetDefault("detection.rules.rate_limit", true)
	v.SetDefault("detection.rules.after_hours", true)
	v.SetDefault("detection.rules.bulk_access", true)
	v.SetDefault("detection.rules.privilege_escalation", true)
	v.SetDefault("detection.auth_window", 10*time.Minute)
	v.SetDefault("detection.failed_login_threshold", 5)
	v.SetDefault("detection.brute_force_threshold", 10)
	v.SetDefault("detection.credential_stuffing.max_requests", 20)
	v.SetDefault("detection.credential_stuffing.max_user_agents", 3)
	v.SetDefault("detection.credential_stuffing.max_ips", 5)
	v.SetDefault("detection.credential_stuffing.min_indicators", 2)
	v.SetDefault("detection.location.history_size", 10)
	v.SetDefault("detection.location.min_history", 2)
	v.SetDefault("detection.location.min_distinct_countries", 3)
	v.SetDefault("detection.rate_limit.window", time.Minute)
	v.SetDefault("detection.rate_limit.limit", 100)
	v.SetDefault("detection.after_hours.start_hour", 22)
	v.SetDefault("detection.after_hours.end_hour", 6)
	v.SetDefault("detection.after_hours.timezone", "UTC")
	v.SetDefault("detection.bulk_access_threshold", 1000)
	v.SetDefault("detection.privilege_order", []string{"guest", "user", "editor", "moderator", "admin", "superadmin"})
	v.SetDefault("detection.role_change_event_types", []string{core.EventTypeRoleChange, "system.role_change"})
	v.SetDefault("detection.regex_timeout", 100*time.Millisecond)
	v.SetDefault("detection.signature_file", "")
	v.SetDefault("detection.max_clock_skew", 5*time.Minute)
	v.SetDefault("detection.correlation_shards", 64)
	v.SetDefault("detection.correlation_retention", time.Hour)

	v.SetDefault("actions.table_file", "")
	v.SetDefault("actions.block.ttl", time.Hour)
	v.SetDefault("actions.block.scope", "both")
	v.SetDefault("actions.rate_limit.requests_per_second", 0.2)
	v.SetDefault("actions.rate_limit.burst", 5)
	v.SetDefault("actions.rate_limit.ttl", 15*time.Minute)
	v.SetDefault("actions.rate_limit.signal_subject", "warden.signals.ratelimit")

	v.SetDefault("alerts.throttle_window", 5*time.Minute)
	v.SetDefault("alerts.throttle_cache_size", 4096)

	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.circuit_breaker.max_failures", 3)
	v.SetDefault("notify.circuit_breaker.timeout", time.Minute)
	v.SetDefault("notify.circuit_breaker.max_half_open_requests", 1)
	v.SetDefault("notify.channels", []map[string]any{
		{"name": "log", "type": "log", "enabled": true, "min_severity": "high"},
	})

	v.SetDefault("escalation.enabled", false)
	v.SetDefault("escalation.min_severity", "medium")
	v.SetDefault("escalation.timeout", 2*time.Second)
	v.SetDefault("escalation.subject", "warden.incidents.evaluate")
	v.SetDefault("escalation.dedup_window", 30*time.Minute)
	v.SetDefault("escalation.dedup_cache_size", 4096)
	v.SetDefault("escalation.max_field_length", 256)
	v.SetDefault("escalation.circuit_breaker.max_failures", 5)
	v.SetDefault("escalation.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("escalation.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("storage.sqlite_path", "./data/warden.db")
	v.SetDefault("storage.async.queue_size", 4096)
	v.SetDefault("storage.async.workers", 2)
	v.SetDefault("storage.async.max_retries", 3)
	v.SetDefault("storage.async.retry_backoff", 200*time.Millisecond)
	v.SetDefault("storage.clickhouse.enabled", false)
	v.SetDefault("storage.clickhouse.addr", []string{"localhost:9000"})
	v.SetDefault("storage.clickhouse.database", "warden")
	v.SetDefault("storage.clickhouse.username", "default")
	v.SetDefault("storage.clickhouse.batch_size", 1000)
	v.SetDefault("storage.clickhouse.flush_interval", 5*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.events_subject", "warden.events")
	v.SetDefault("nats.queue_group", "warden")
	v.SetDefault("nats.connect_timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "warden")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.insecure", true)
}

// loadFromEnv maps WARDEN_DETECTION_RATE_LIMIT_LIMIT style variables onto keys
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("storage.sqlite_path", "WARDEN_SQLITE_PATH")
	_ = v.BindEnv("nats.url", "WARDEN_NATS_URL", "NATS_URL")
	_ = v.BindEnv("redis.password", "WARDEN_REDIS_PASSWORD")
	_ = v.BindEnv("tracing.otlp_endpoint", "WARDEN_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// Load reads configuration from path (optional), the environment and defaults.
// Any problem is reported as a configuration error and must stop startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/warden")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %v", core.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", core.ErrConfiguration, err)
	}

	if cfg.Actions.TableFile != "" {
		table, err := LoadActionTable(cfg.Actions.TableFile)
		if err != nil {
			return nil, err
		}
		cfg.Actions.Table = table.Rules
	}
	if len(cfg.Actions.Table) == 0 {
		cfg.Actions.Table = DefaultActionTable().Rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static; a decode failure here is a programming error
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("decode default config: %v", err))
	}
	cfg.Actions.Table = DefaultActionTable().Rules
	return &cfg
}

// Validate checks struct constraints and the cross-field rules validator tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}

	durations := map[string]time.Duration{
		"enrichment.lookup_timeout":         c.Enrichment.LookupTimeout,
		"detection.auth_window":             c.Detection.AuthWindow,
		"detection.rate_limit.window":       c.Detection.RateLimit.Window,
		"detection.regex_timeout":           c.Detection.RegexTimeout,
		"detection.correlation_retention":   c.Detection.CorrelationRetention,
		"detection.max_clock_skew":          c.Detection.MaxClockSkew,
		"actions.block.ttl":                 c.Actions.Block.TTL,
		"actions.rate_limit.ttl":            c.Actions.RateLimit.TTL,
		"alerts.throttle_window":            c.Alerts.ThrottleWindow,
		"notify.timeout":                    c.Notify.Timeout,
		"escalation.timeout":                c.Escalation.Timeout,
		"escalation.dedup_window":           c.Escalation.DedupWindow,
		"storage.clickhouse.flush_interval": c.Storage.ClickHouse.FlushInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return core.ConfigError(name, "must be positive, got %s", d)
		}
	}

	if c.Detection.AuthWindow > c.Detection.CorrelationRetention {
		return core.ConfigError("detection.auth_window", "exceeds correlation_retention %s", c.Detection.CorrelationRetention)
	}
	if c.Detection.RateLimit.Window > c.Detection.CorrelationRetention {
		return core.ConfigError("detection.rate_limit.window", "exceeds correlation_retention %s", c.Detection.CorrelationRetention)
	}
	if c.Detection.Location.MinHistory > c.Detection.Location.HistorySize {
		return core.ConfigError("detection.location.min_history", "exceeds history_size %d", c.Detection.Location.HistorySize)
	}

	if _, err := core.ParseSeverity(c.Escalation.MinSeverity); err != nil {
		return core.ConfigError("escalation.min_severity", "%v", err)
	}
	for _, ch := range c.Notify.Channels {
		if err := ch.validate(); err != nil {
			return err
		}
	}
	if err := c.Notify.CircuitBreaker.Validate(); err != nil {
		return core.ConfigError("notify.circuit_breaker", "%v", err)
	}
	if err := c.Escalation.CircuitBreaker.Validate(); err != nil {
		return core.ConfigError("escalation.circuit_breaker", "%v", err)
	}

	return ActionTable{Rules: c.Actions.Table}.Validate()
}

// AfterHoursLocation resolves the after-hours timezone, falling back to UTC
func (d DetectionConfig) AfterHoursLocation() *time.Location {
	loc, err := time.LoadLocation(d.AfterHours.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
