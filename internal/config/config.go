package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server and session settings. Values come from defaults, then
// an optional YAML file, then ACC_* environment variables, in that order.
type Config struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"staticDir"`
	DataDir   string `yaml:"dataDir"`

	MaxConcurrentSessions int `yaml:"maxConcurrentSessions"`
	SessionMaxAgeHours    int `yaml:"sessionMaxAgeHours"`
	CleanupIntervalMin    int `yaml:"cleanupIntervalMinutes"`

	ClaudeBinary         string `yaml:"claudeBinary"`
	PromptTimeoutSeconds int    `yaml:"promptTimeoutSeconds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                  8420,
		StaticDir:             "",
		DataDir:               "",
		MaxConcurrentSessions: 3,
		SessionMaxAgeHours:    24,
		CleanupIntervalMin:    60,
		ClaudeBinary:          "claude",
		PromptTimeoutSeconds:  120,
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error; an unreadable or
// malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ACC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("ACC_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("ACC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ACC_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("ACC_SESSION_MAX_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionMaxAgeHours = n
		}
	}
	if v := os.Getenv("ACC_CLEANUP_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CleanupIntervalMin = n
		}
	}
	if v := os.Getenv("ACC_CLAUDE_BINARY"); v != "" {
		cfg.ClaudeBinary = v
	}
	if v := os.Getenv("ACC_PROMPT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PromptTimeoutSeconds = n
		}
	}
}

// SessionMaxAge returns the configured retention age as a duration.
func (c Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeHours) * time.Hour
}

// CleanupInterval returns the maintenance period as a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMin) * time.Minute
}

// PromptTimeout returns the per-prompt deadline as a duration.
func (c Config) PromptTimeout() time.Duration {
	return time.Duration(c.PromptTimeoutSeconds) * time.Second
}
