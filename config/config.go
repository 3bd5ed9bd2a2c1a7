/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (Default)
  2. YAML file given by -config
  3. Command-line flags that were set explicitly
  4. Environment: LEDGER_DB_DRIVER, LEDGER_DB_DSN, LEDGER_PORT, LEDGER_LOG_LEVEL

EXAMPLE FILE:
  port: 8080
  database:
    driver: postgres
    dsn: postgres://ledger@localhost/ledger
  ledger:
    expire_days: 365
    welcome_bonus: 100
  scheduler:
    enabled: true
    timeout: 10m
    jobs:
      cleanup_expired: "0 4 * * *"
  log:
    level: info
    format: json
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/warp/bonus-ledger/ledger"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port      int             `yaml:"port"`
	Database  DatabaseConfig  `yaml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LedgerConfig struct {
	ExpireDays   int   `yaml:"expire_days"`
	WelcomeBonus int64 `yaml:"welcome_bonus"`
}

// SchedulerConfig maps job names to standard 5-field cron expressions
// (UTC). A job missing from Jobs keeps its default trigger. Timeout
// bounds a single run.
type SchedulerConfig struct {
	Enabled bool              `yaml:"enabled"`
	Timeout time.Duration     `yaml:"timeout"`
	Jobs    map[string]string `yaml:"jobs"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultJobs are the maintenance triggers: cleanup at 04:00, tier
// recompute at 04:10, annual visit reset at midnight on January 1st.
func DefaultJobs() map[string]string {
	return map[string]string{
		"cleanup_expired":     "0 4 * * *",
		"recompute_tiers":     "10 4 * * *",
		"reset_annual_visits": "0 0 1 1 *",
	}
}

func Default() Config {
	return Config{
		Port:     8080,
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "ledger.db"},
		Ledger:   LedgerConfig{ExpireDays: 365, WelcomeBonus: 100},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Timeout: 10 * time.Minute,
			Jobs:    DefaultJobs(),
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load parses args (without the program name) and applies every source.
// getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")
	port := fs.Int("port", cfg.Port, "HTTP server port")
	driver := fs.String("driver", cfg.Database.Driver, "Database driver: sqlite, postgres or memory")
	dsn := fs.String("db", cfg.Database.DSN, "Database DSN (SQLite path or PostgreSQL URL)")
	level := fs.String("log-level", cfg.Log.Level, "Log level")
	format := fs.String("log-format", cfg.Log.Format, "Log format: json or console")
	noScheduler := fs.Bool("no-scheduler", false, "Disable scheduled jobs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *path != "" {
		if err := cfg.readFile(*path); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "driver":
			cfg.Database.Driver = *driver
		case "db":
			cfg.Database.DSN = *dsn
		case "log-level":
			cfg.Log.Level = *level
		case "log-format":
			cfg.Log.Format = *format
		case "no-scheduler":
			cfg.Scheduler.Enabled = !*noScheduler
		}
	})

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	// Partial job maps only override the jobs they name.
	jobs := DefaultJobs()
	for name, expr := range c.Scheduler.Jobs {
		jobs[name] = expr
	}
	c.Scheduler.Jobs = jobs
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("LEDGER_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := getenv("LEDGER_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := getenv("LEDGER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("LEDGER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_PORT: %w", err)
		}
		c.Port = p
	}
	return nil
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database dsn required for %s", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Ledger.ExpireDays <= 0 || c.Ledger.ExpireDays > ledger.MaxExpireDays {
		errs = append(errs, fmt.Errorf("expire_days must be in 1..%d, got %d", ledger.MaxExpireDays, c.Ledger.ExpireDays))
	}
	if c.Ledger.WelcomeBonus < 0 {
		errs = append(errs, fmt.Errorf("welcome_bonus must not be negative, got %d", c.Ledger.WelcomeBonus))
	}
	if c.Scheduler.Enabled && c.Scheduler.Timeout <= 0 {
		errs = append(errs, errors.New("scheduler timeout must be positive"))
	}
	return errors.Join(errs...)
}
