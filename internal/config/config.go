// Package config loads engine configuration from files and the environment.
//
// Files may be YAML, TOML or JSON. Every key can be overridden by an
// OFFSYNC_* environment variable with dots replaced by underscores, e.g.
// OFFSYNC_POLICY_RETRY_CEILING=5.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFSYNC"

// Config is the full engine configuration.
type Config struct {
	Database      string        `mapstructure:"database"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	SchemaFile    string        `mapstructure:"schema_file"`
	Listen        string        `mapstructure:"listen"`

	Remote RemoteConfig `mapstructure:"remote"`
	Log    LogConfig    `mapstructure:"log"`
	Policy Policy       `mapstructure:"policy"`
}

// RemoteConfig configures the HTTP remote endpoint.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// BreakerFailures is the number of consecutive transport failures
	// that trips the circuit breaker.
	BreakerFailures uint32 `mapstructure:"breaker_failures"`

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// LogConfig configures structured logging and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:      "offsync.db",
		DrainInterval: 30 * time.Second,
		Listen:        "127.0.0.1:8765",
		Remote: RemoteConfig{
			Timeout:         15 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Policy: DefaultPolicy(),
	}
}

// Load reads configuration from path (may be empty) and the environment,
// on top of Default, and validates the result.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database", d.Database)
	v.SetDefault("drain_interval", d.DrainInterval)
	v.SetDefault("schema_file", d.SchemaFile)
	v.SetDefault("listen", d.Listen)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.breaker_failures", d.Remote.BreakerFailures)
	v.SetDefault("remote.breaker_cooldown", d.Remote.BreakerCooldown)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("policy.simultaneity_window", d.Policy.SimultaneityWindow)
	v.SetDefault("policy.retry_ceiling", d.Policy.RetryCeiling)
	v.SetDefault("policy.critical_fields", d.Policy.CriticalFields)
	v.SetDefault("policy.audit_fields", d.Policy.AuditFields)
	v.SetDefault("policy.default_strategy", d.Policy.DefaultStrategy)
	v.SetDefault("policy.revalidate", d.Policy.Revalidate)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.DrainInterval <= 0 {
		errs = append(errs, fmt.Errorf("drain_interval must be positive, got %s", c.DrainInterval))
	}
	if c.Remote.Timeout < 0 {
		errs = append(errs, fmt.Errorf("remote.timeout must not be negative, got %s", c.Remote.Timeout))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
