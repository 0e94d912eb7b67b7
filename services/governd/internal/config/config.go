// Package config loads governd configuration from yaml with environment
// variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Signer     SignerConfig     `mapstructure:"signer"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	// Secret signs and verifies the bearer tokens guarding /v1.
	Secret string `mapstructure:"secret"`
}

type SignerConfig struct {
	KeyID string `mapstructure:"key_id"`
	Seed  string `mapstructure:"seed"`
}

type GovernanceConfig struct {
	// RestrictedThreshold is the score floor below which a compliant
	// agent runs RESTRICTED instead of VALID.
	RestrictedThreshold int `mapstructure:"restricted_threshold"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the config file at path (optional when every value comes
// from the environment) and applies GOVERND_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GOVERND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// AutomaticEnv only surfaces keys viper already knows about, so the
	// keys without defaults need explicit bindings for env-only startup.
	for _, key := range []string{
		"database.dsn", "auth.secret", "signer.seed",
		"redis.password", "redis.db", "log.file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	v.SetDefault("server.addr", ":8084")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("signer.key_id", "governd-key-1")
	v.SetDefault("governance.restricted_threshold", 70)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if strings.TrimSpace(cfg.Signer.Seed) == "" {
		return fmt.Errorf("signer.seed is required")
	}
	if cfg.Governance.RestrictedThreshold < 0 || cfg.Governance.RestrictedThreshold > 100 {
		return fmt.Errorf("governance.restricted_threshold must be within [0,100]")
	}
	return nil
}
