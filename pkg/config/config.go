// Package config loads the daemon configuration from the environment,
// optionally seeded by a .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the perpd daemon configuration.
type Config struct {
	Server struct {
		ListenAddr  string `envconfig:"PERPD_LISTEN_ADDR" default:":8080"`
		MetricsAddr string `envconfig:"PERPD_METRICS_ADDR" default:":9100"`
	}

	Nats struct {
		URL     string `envconfig:"PERPD_NATS_URL" default:""`
		Subject string `envconfig:"PERPD_NATS_SUBJECT_PREFIX" default:"perp"`
	}

	Roles struct {
		Admins  string `envconfig:"PERPD_POOL_ADMINS" default:""`
		Keepers string `envconfig:"PERPD_KEEPERS" default:""`
	}

	Funding struct {
		TickInterval time.Duration `envconfig:"PERPD_FUNDING_TICK" default:"1m"`
	}

	Log struct {
		Level string `envconfig:"PERPD_LOG_LEVEL" default:"info"`
	}
}

// Admins splits the configured pool-admin accounts.
func (c *Config) Admins() []string { return splitAccounts(c.Roles.Admins) }

// Keepers splits the configured keeper accounts.
func (c *Config) Keepers() []string { return splitAccounts(c.Roles.Keepers) }

func splitAccounts(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Load reads the configuration from the environment. A missing .env file is
// fine; a malformed one is not.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Funding.TickInterval < time.Second {
		return fmt.Errorf("funding tick interval %s below 1s", cfg.Funding.TickInterval)
	}
	if len(cfg.Admins()) == 0 {
		return fmt.Errorf("no pool admins configured")
	}
	return nil
}
