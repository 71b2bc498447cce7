package config

import "time"

// Config represents the complete application configuration.
// Precedence, lowest first: built-in defaults, the user config file,
// TATSUQ_* environment variables, runtime overrides (CLI flags).
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
}

// APIConfig describes the remote Tatsu API.
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Token        string        `mapstructure:"token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// SchedulerConfig tunes the request scheduler.
type SchedulerConfig struct {
	// SafetyMargin is added to every quota reset deadline.
	SafetyMargin time.Duration `mapstructure:"safety_margin"`

	// Gate selects what is rejected after a 401.
	// Valid values: all, mutating
	Gate string `mapstructure:"gate"`

	Guard GuardConfig `mapstructure:"guard"`
}

// GuardConfig bounds repeated 429 stalls.
type GuardConfig struct {
	MaxStalls int           `mapstructure:"max_stalls"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	// PersistQuota records observed quota windows and seeds new schedulers
	// from them.
	PersistQuota bool `mapstructure:"persist_quota"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ThrottleConfig limits inbound proxy traffic per client.
type ThrottleConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Rate is requests per second allowed per client address.
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`

	// IdleTTL evicts limiters for clients not seen recently.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus exporter port.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
