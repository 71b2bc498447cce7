// Package config loads tatsuq configuration. Defaults live in SetDefaults,
// user overrides come from the XDG config file, and TATSUQ_* environment
// variables are mapped through gofulmen env specs.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/tatsugg/tatsuq/internal/core/engine"
)

const (
	// AppName names config and data directories.
	AppName = "tatsuq"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TATSUQ_"
)

var (
	appConfig  *Config
	configMu   sync.RWMutex
	configFile string
)

// EnvVarSpec defines environment variable mappings for config fields
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins the user config file instead of XDG discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration. It is safe to call repeatedly (reload).
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	path, err := userConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if len(envOverrides) > 0 {
		if err := v.MergeConfigMap(envOverrides); err != nil {
			return nil, fmt.Errorf("apply environment overrides: %w", err)
		}
	}

	for _, overrides := range runtimeOverrides {
		if len(overrides) == 0 {
			continue
		}
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("apply runtime overrides: %w", err)
		}
	}

	cfg, err := Decode(v.AllSettings())
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Decode converts a settings map into a typed Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := engine.ParseGateMode(c.Scheduler.Gate); err != nil {
		return fmt.Errorf("scheduler.gate: %w", err)
	}
	if c.Scheduler.SafetyMargin < 0 {
		return errors.New("scheduler.safety_margin must not be negative")
	}
	if c.Scheduler.Guard.Jitter < 0 || c.Scheduler.Guard.Jitter > 1 {
		return fmt.Errorf("scheduler.guard.jitter must be within [0,1], got %v", c.Scheduler.Guard.Jitter)
	}
	if c.Throttle.Enabled && c.Throttle.Rate <= 0 {
		return errors.New("throttle.rate must be positive when throttling is enabled")
	}
	return nil
}

// GuardPolicy converts the guard settings for the scheduler.
func (c SchedulerConfig) GuardPolicy() engine.GuardPolicy {
	return engine.GuardPolicy{
		MaxStalls: c.Guard.MaxStalls,
		BaseDelay: c.Guard.BaseDelay,
		MaxDelay:  c.Guard.MaxDelay,
		Jitter:    c.Guard.Jitter,
	}
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.base_url", "https://api.tatsu.gg/v1/")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.user_agent", AppName)
	v.SetDefault("api.max_body_bytes", 4<<20)

	// Scheduler defaults
	guard := engine.DefaultGuardPolicy()
	v.SetDefault("scheduler.safety_margin", engine.DefaultSafetyMargin.String())
	v.SetDefault("scheduler.gate", string(engine.GateAll))
	v.SetDefault("scheduler.guard.max_stalls", guard.MaxStalls)
	v.SetDefault("scheduler.guard.base_delay", guard.BaseDelay.String())
	v.SetDefault("scheduler.guard.max_delay", guard.MaxDelay.String())
	v.SetDefault("scheduler.guard.jitter", guard.Jitter)

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.persist_quota", true)

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "2m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Inbound throttle defaults
	v.SetDefault("throttle.enabled", true)
	v.SetDefault("throttle.rate", 5.0)
	v.SetDefault("throttle.burst", 10)
	v.SetDefault("throttle.idle_ttl", "10m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)
}

func userConfigFile() (string, error) {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	candidates := append([]string{}, gfconfig.GetAppConfigPaths(AppName)...)
	candidates = append(candidates, filepath.Join("config", "config.yaml"))
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

// getEnvSpecs maps TATSUQ_* environment variables to config paths.
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// API config
		{Name: prefix + "TOKEN", Path: []string{"api", "token"}, Type: EnvString},
		{Name: prefix + "BASE_URL", Path: []string{"api", "base_url"}, Type: EnvString},
		{Name: prefix + "API_TIMEOUT", Path: []string{"api", "timeout"}, Type: EnvString},
		{Name: prefix + "USER_AGENT", Path: []string{"api", "user_agent"}, Type: EnvString},

		// Scheduler config; durations are converted by the decode hook
		{Name: prefix + "SAFETY_MARGIN", Path: []string{"scheduler", "safety_margin"}, Type: EnvString},
		{Name: prefix + "GATE", Path: []string{"scheduler", "gate"}, Type: EnvString},
		{Name: prefix + "GUARD_MAX_STALLS", Path: []string{"scheduler", "guard", "max_stalls"}, Type: EnvInt},
		{Name: prefix + "GUARD_BASE_DELAY", Path: []string{"scheduler", "guard", "base_delay"}, Type: EnvString},
		{Name: prefix + "GUARD_MAX_DELAY", Path: []string{"scheduler", "guard", "max_delay"}, Type: EnvString},
		{Name: prefix + "GUARD_JITTER", Path: []string{"scheduler", "guard", "jitter"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},
		{Name: prefix + "PERSIST_QUOTA", Path: []string{"store", "persist_quota"}, Type: EnvBool},

		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Throttle config
		{Name: prefix + "THROTTLE_ENABLED", Path: []string{"throttle", "enabled"}, Type: EnvBool},
		{Name: prefix + "THROTTLE_RATE", Path: []string{"throttle", "rate"}, Type: EnvString},
		{Name: prefix + "THROTTLE_BURST", Path: []string{"throttle", "burst"}, Type: EnvInt},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
