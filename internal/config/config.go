// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, Load returns an
// error and the process exits.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverPostgrest = "postgrest"
)

// Notifiers.
const (
	NotifierNone  = "none"
	NotifierRedis = "redis"
	NotifierAMQP  = "amqp"
)

// Config holds all runtime configuration for the scan worker.
type Config struct {
	StoreDriver        string
	DatabaseURL        string
	SQLitePath         string
	SupabaseURL        string
	SupabaseServiceKey string

	Notifier     string
	RedisURL     string
	AMQPURL      string
	AMQPExchange string

	AutomationURL          string
	AutomationAPIKey       string
	AutomationTimeout      time.Duration
	AutomationPollInterval time.Duration
	AdzunaAppID            string
	AdzunaAppKey           string
	TemplatesPath          string

	WorkerID          string
	PollInterval      time.Duration
	BatchSize         int
	DetailDelay       time.Duration
	ProcessingTimeout time.Duration
	StoreBackoff      time.Duration

	APIPort  string
	GRPCPort string

	LogLevel string
	LogJSON  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "scan-worker.db")
	v.SetDefault("NOTIFIER", NotifierNone)
	v.SetDefault("AMQP_EXCHANGE", "scan.events")
	v.SetDefault("AUTOMATION_URL", "http://localhost:8000")
	v.SetDefault("AUTOMATION_TIMEOUT", "300s")
	v.SetDefault("AUTOMATION_POLL_INTERVAL", "5s")
	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("BATCH_SIZE", 1)
	v.SetDefault("DETAIL_DELAY", "2s")
	v.SetDefault("PROCESSING_TIMEOUT", "30m")
	v.SetDefault("STORE_BACKOFF", "5s")
	v.SetDefault("API_PORT", "8083")
	v.SetDefault("GRPC_PORT", "9093")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
}

// Load seeds the environment from envFile (".env" when empty, and then only
// if it exists) and returns a validated Config. Variables already set in the
// process environment win over the file.
func Load(envFile string) (*Config, error) {
	path := envFile
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if envFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "load env file %s", path)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		StoreDriver:        strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		SQLitePath:         v.GetString("SQLITE_PATH"),
		SupabaseURL:        v.GetString("SUPABASE_URL"),
		SupabaseServiceKey: v.GetString("SUPABASE_SERVICE_KEY"),

		Notifier:     strings.ToLower(strings.TrimSpace(v.GetString("NOTIFIER"))),
		RedisURL:     v.GetString("REDIS_URL"),
		AMQPURL:      v.GetString("AMQP_URL"),
		AMQPExchange: v.GetString("AMQP_EXCHANGE"),

		AutomationURL:    strings.TrimRight(v.GetString("AUTOMATION_URL"), "/"),
		AutomationAPIKey: v.GetString("AUTOMATION_API_KEY"),
		AdzunaAppID:      v.GetString("ADZUNA_APP_ID"),
		AdzunaAppKey:     v.GetString("ADZUNA_APP_KEY"),
		TemplatesPath:    v.GetString("TEMPLATES_PATH"),

		WorkerID:  strings.TrimSpace(v.GetString("WORKER_ID")),
		BatchSize: v.GetInt("BATCH_SIZE"),

		APIPort:  v.GetString("API_PORT"),
		GRPCPort: v.GetString("GRPC_PORT"),

		LogLevel: v.GetString("LOG_LEVEL"),
		LogJSON:  v.GetBool("LOG_JSON"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AUTOMATION_TIMEOUT", &cfg.AutomationTimeout},
		{"AUTOMATION_POLL_INTERVAL", &cfg.AutomationPollInterval},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"DETAIL_DELAY", &cfg.DetailDelay},
		{"PROCESSING_TIMEOUT", &cfg.ProcessingTimeout},
		{"STORE_BACKOFF", &cfg.StoreBackoff},
	}
	for _, d := range durations {
		val, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, errors.Newf("%s must be a duration like 10s or 5m, got %q", d.key, v.GetString(d.key))
		}
		*d.dst = val
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "scan-worker-" + uuid.NewString()[:8]
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	case DriverPostgrest:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return errors.New("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for STORE_DRIVER=postgrest")
		}
	default:
		return errors.Newf("STORE_DRIVER must be postgres, sqlite or postgrest, got %q", c.StoreDriver)
	}

	switch c.Notifier {
	case NotifierNone, "":
		c.Notifier = NotifierNone
	case NotifierRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for NOTIFIER=redis")
		}
	case NotifierAMQP:
		if c.AMQPURL == "" {
			return errors.New("AMQP_URL is required for NOTIFIER=amqp")
		}
	default:
		return errors.Newf("NOTIFIER must be none, redis or amqp, got %q", c.Notifier)
	}

	if c.BatchSize < 1 {
		return errors.Newf("BATCH_SIZE must be a positive integer, got %d", c.BatchSize)
	}
	positive := map[string]time.Duration{
		"AUTOMATION_TIMEOUT":       c.AutomationTimeout,
		"AUTOMATION_POLL_INTERVAL": c.AutomationPollInterval,
		"POLL_INTERVAL":            c.PollInterval,
		"PROCESSING_TIMEOUT":       c.ProcessingTimeout,
		"STORE_BACKOFF":            c.StoreBackoff,
	}
	for key, d := range positive {
		if d <= 0 {
			return errors.Newf("%s must be positive, got %s", key, d)
		}
	}
	if c.DetailDelay < 0 {
		return errors.Newf("DETAIL_DELAY must not be negative, got %s", c.DetailDelay)
	}
	return nil
}
