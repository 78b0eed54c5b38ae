// Package config loads server settings from flags, the environment and an
// optional .env file. Flags win over environment variables, which win over
// the built-in defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        int    `validate:"min=1,max=65535"`
	DBDriver    string `validate:"oneof=memory sqlite postgres"`
	DatabaseURL string `validate:"required_unless=DBDriver memory"`

	// RedisAddress enables the shared account locker when set.
	RedisAddress string

	SettlementPollInterval time.Duration `validate:"min=100ms"`
	SettlementMinDelay     time.Duration `validate:"min=0"`
	SettlementMaxDelay     time.Duration `validate:"gtefield=SettlementMinDelay"`

	LogLevel  string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `validate:"oneof=text json"`

	CORSOrigins   []string
	SeedMerchants bool

	Timezone string
	Location *time.Location `validate:"-"`
}

var validate = validator.New()

// Load parses args (without the program name). A missing .env file is not
// an error.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(args, os.LookupEnv)
}

func parse(args []string, lookup func(string) (string, bool)) (*Config, error) {
	env := envReader{lookup: lookup}
	cfg := &Config{}

	fs := flag.NewFlagSet("commbank", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", env.integer("PORT", 8080), "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "db-driver", env.str("DB_DRIVER", DriverSQLite), "store backend: memory, sqlite or postgres")
	fs.StringVar(&cfg.DatabaseURL, "db", env.str("DATABASE_URL", "commbank.db"), "SQLite path or PostgreSQL URL")
	fs.StringVar(&cfg.RedisAddress, "redis", env.str("REDIS_ADDRESS", ""), "Redis address for distributed account locks")
	fs.DurationVar(&cfg.SettlementPollInterval, "settlement-poll", env.duration("SETTLEMENT_POLL_INTERVAL", 2*time.Second), "how often due settlements are processed")
	fs.DurationVar(&cfg.SettlementMinDelay, "settlement-min-delay", env.duration("SETTLEMENT_MIN_DELAY", 10*time.Second), "shortest order settlement delay")
	fs.DurationVar(&cfg.SettlementMaxDelay, "settlement-max-delay", env.duration("SETTLEMENT_MAX_DELAY", 40*time.Second), "longest order settlement delay")
	fs.StringVar(&cfg.LogLevel, "log-level", env.str("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", env.str("LOG_FORMAT", "text"), "log format: text or json")
	origins := fs.String("cors-origins", env.str("CORS_ORIGINS", "*"), "comma-separated allowed CORS origins")
	fs.BoolVar(&cfg.SeedMerchants, "seed", env.boolean("SEED_MERCHANTS", true), "create the default merchants on startup")
	fs.StringVar(&cfg.Timezone, "tz", env.str("TIMEZONE", "Local"), "time zone that defines \"today\"")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if env.err != nil {
		return nil, env.err
	}

	cfg.CORSOrigins = splitList(*origins)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.DBDriver == DriverSQLite && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "commbank.db"
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envReader reads typed environment values and remembers the first
// malformed one.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return fallback
}

func (e *envReader) integer(key string, fallback int) int {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v)
		return fallback
	}
	return n
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v)
		return fallback
	}
	return b
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v)
		return fallback
	}
	return d
}

func (e *envReader) fail(key, value string) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s %q", key, value)
	}
}
