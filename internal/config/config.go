// Package config loads santa-server settings from defaults, an optional YAML
// file and SANTA_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/allenhouchins/santa-2.0/internal/decisionlog"
	"github.com/allenhouchins/santa-2.0/internal/rules"
	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: SANTA_RULES__DATABASE_PATH sets rules.database_path.
const EnvPrefix = "SANTA_"

type Config struct {
	LogLevel      string `koanf:"log_level"`
	LogFile       string `koanf:"log_file"`
	LogMaxSizeMB  int    `koanf:"log_max_size_mb"`
	LogMaxBackups int    `koanf:"log_max_backups"`
	LogMaxAgeDays int    `koanf:"log_max_age_days"`

	HTTP      HTTPConfig      `koanf:"http"`
	GRPC      GRPCConfig      `koanf:"grpc"`
	Decisions DecisionsConfig `koanf:"decisions"`
	Rules     RulesConfig     `koanf:"rules"`
	Santactl  SantactlConfig  `koanf:"santactl"`
	Auth      AuthConfig      `koanf:"auth"`
	Audit     AuditConfig     `koanf:"audit"`
}

type HTTPConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type GRPCConfig struct {
	Port int `koanf:"port"`
}

type DecisionsConfig struct {
	LogPath string `koanf:"log_path"`
}

type RulesConfig struct {
	DatabasePath  string        `koanf:"database_path"`
	ScratchDir    string        `koanf:"scratch_dir"`
	Watch         bool          `koanf:"watch"`
	WatchDebounce time.Duration `koanf:"watch_debounce"`
}

type SantactlConfig struct {
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

type AuthConfig struct {
	APIKeyHash  string        `koanf:"api_key_hash"`
	PostgresDSN string        `koanf:"postgres_dsn"`
	CacheTTL    time.Duration `koanf:"cache_ttl"`
}

type AuditConfig struct {
	ClickHouseDSN string `koanf:"clickhouse_dsn"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		LogLevel:      "info",
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 30,
		HTTP: HTTPConfig{
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		GRPC: GRPCConfig{Port: 50051},
		Decisions: DecisionsConfig{
			LogPath: decisionlog.DefaultLogPath,
		},
		Rules: RulesConfig{
			DatabasePath:  rules.DefaultDatabasePath,
			ScratchDir:    os.TempDir(),
			WatchDebounce: rules.DefaultWatchDebounce,
		},
		Santactl: SantactlConfig{
			Path:    santactl.DefaultPath,
			Timeout: santactl.DefaultTimeout,
		},
		Auth: AuthConfig{CacheTTL: 30 * time.Second},
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects empty paths and non-positive ports or timeouts.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	check(validPort(c.HTTP.Port), "http.port: %d out of range", c.HTTP.Port)
	check(validPort(c.GRPC.Port), "grpc.port: %d out of range", c.GRPC.Port)
	check(c.HTTP.ReadTimeout > 0, "http.read_timeout must be positive")
	check(c.HTTP.WriteTimeout > 0, "http.write_timeout must be positive")
	check(c.Decisions.LogPath != "", "decisions.log_path is required")
	check(c.Rules.DatabasePath != "", "rules.database_path is required")
	check(c.Rules.ScratchDir != "", "rules.scratch_dir is required")
	check(c.Rules.WatchDebounce > 0, "rules.watch_debounce must be positive")
	check(c.Santactl.Path != "", "santactl.path is required")
	check(c.Santactl.Timeout > 0, "santactl.timeout must be positive")
	check(c.Auth.CacheTTL > 0, "auth.cache_ttl must be positive")
	if c.LogFile != "" {
		check(c.LogMaxSizeMB > 0, "log_max_size_mb must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
