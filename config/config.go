/*
config.go - Server configuration

PURPOSE:
  Collects every setting the server needs from, in increasing precedence:
  defaults, an optional .env file, the process environment, and
  command-line flags.

ENVIRONMENT:
  LCFS_HTTP_ADDR          listen address (default :8080)
  LCFS_DB_DRIVER          sqlite | postgres | memory (default sqlite)
  LCFS_SQLITE_PATH        SQLite database path (default lcfs.db)
  LCFS_POSTGRES_URL       PostgreSQL connection URL
  LCFS_LOG_LEVEL          logrus level (default info)
  LCFS_LOG_FORMAT         json | text (default json)
  LCFS_NOTIFY_SINK        log | kafka | redis | all (default log)
  LCFS_KAFKA_BROKERS      comma-separated seed brokers
  LCFS_KAFKA_TOPIC        topic for workflow events
  LCFS_REDIS_ADDR         host:port or redis:// URL
  LCFS_REDIS_CHANNEL      pub/sub channel for workflow events
  LCFS_OUTBOX_SCHEDULE    cron spec for the outbox relay
  LCFS_VERIFY_SCHEDULE    cron spec for balance verification
  LCFS_RATE_LIMIT_RPS     requests per second per actor (0 disables)
  LCFS_RATE_LIMIT_BURST   burst per actor
  LCFS_SEED_FILE          YAML organizations applied at startup
  LCFS_REBUILD_WORKERS    concurrency of balance rebuilds

FLAGS:
  -addr, -db, -sqlite, -postgres, -seed, -env override the matching settings.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPAddr        string        `env:"LCFS_HTTP_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"LCFS_SHUTDOWN_TIMEOUT,default=30s"`

	DBDriver    string `env:"LCFS_DB_DRIVER,default=sqlite"`
	SQLitePath  string `env:"LCFS_SQLITE_PATH,default=lcfs.db"`
	PostgresURL string `env:"LCFS_POSTGRES_URL"`

	LogLevel  string `env:"LCFS_LOG_LEVEL,default=info"`
	LogFormat string `env:"LCFS_LOG_FORMAT,default=json"`

	NotifySink     string `env:"LCFS_NOTIFY_SINK,default=log"`
	KafkaBrokers   string `env:"LCFS_KAFKA_BROKERS"`
	KafkaTopic     string `env:"LCFS_KAFKA_TOPIC,default=lcfs.workflow-events"`
	RedisAddr      string `env:"LCFS_REDIS_ADDR"`
	RedisChannel   string `env:"LCFS_REDIS_CHANNEL,default=lcfs-workflow-events"`
	OutboxBatch    int    `env:"LCFS_OUTBOX_BATCH,default=100"`
	OutboxSpec     string `env:"LCFS_OUTBOX_SCHEDULE,default=@every 5s"`
	VerifySpec     string `env:"LCFS_VERIFY_SCHEDULE,default=@hourly"`
	RebuildWorkers int    `env:"LCFS_REBUILD_WORKERS,default=4"`

	RateLimitRPS   float64 `env:"LCFS_RATE_LIMIT_RPS,default=20"`
	RateLimitBurst int     `env:"LCFS_RATE_LIMIT_BURST,default=40"`

	CORSOrigins string `env:"LCFS_CORS_ORIGINS,default=http://localhost:5173"`
	SeedFile    string `env:"LCFS_SEED_FILE"`
}

// Load builds the configuration for args (normally os.Args[1:]).
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("lcfs-ledger", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "optional dotenv file")
	addr := fs.String("addr", "", "HTTP listen address")
	driver := fs.String("db", "", "store driver: sqlite, postgres or memory")
	sqlitePath := fs.String("sqlite", "", "SQLite database path; \":memory:\" for in-memory")
	pgURL := fs.String("postgres", "", "PostgreSQL connection URL")
	seedFile := fs.String("seed", "", "YAML file of organizations to seed")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}

	override(&cfg.HTTPAddr, *addr)
	override(&cfg.DBDriver, *driver)
	override(&cfg.SQLitePath, *sqlitePath)
	override(&cfg.PostgresURL, *pgURL)
	override(&cfg.SeedFile, *seedFile)

	return cfg, cfg.Validate()
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("LCFS_POSTGRES_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.DBDriver)
	}
	switch c.NotifySink {
	case "log":
	case "kafka":
		if len(c.Brokers()) == 0 {
			return errors.New("LCFS_KAFKA_BROKERS is required for the kafka sink")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("LCFS_REDIS_ADDR is required for the redis sink")
		}
	case "all":
		if len(c.Brokers()) == 0 || c.RedisAddr == "" {
			return errors.New("the all sink needs both LCFS_KAFKA_BROKERS and LCFS_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown notification sink %q", c.NotifySink)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
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

// Logger returns a logrus logger configured from LogLevel and LogFormat.
func (c Config) Logger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
