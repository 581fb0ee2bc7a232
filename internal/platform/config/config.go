// Package config assembles the process configuration from built-in defaults,
// an optional YAML file named by CARDS_CONFIG and CARDS_* environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cards/internal/blob"
	"cards/internal/editors"
	"cards/internal/importer"
	"cards/internal/infra/events"
	"cards/internal/listeners"
	"cards/internal/mail"
	"cards/internal/notifications"
)

// StorageDriver identifies a content store backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Storage selects the content store.
type Storage struct {
	Driver      StorageDriver `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlitePath"`
	PostgresDSN string        `yaml:"postgresDsn"`
}

// Auth configures token signing and revocation.
type Auth struct {
	TokenKey string        `yaml:"tokenKey"`
	Issuer   string        `yaml:"issuer"`
	RedisURL string        `yaml:"redisUrl"`
	StaffTTL time.Duration `yaml:"staffTtl"`
}

// ImportSource selects where feed rows come from: a CSV file or a SQL query.
type ImportSource struct {
	Kind  string `yaml:"kind"`
	Path  string `yaml:"path"`
	DSN   string `yaml:"dsn"`
	Query string `yaml:"query"`
}

// Import configures the nightly patient feed.
type Import struct {
	Source   ImportSource    `yaml:"source"`
	Pipeline importer.Config `yaml:"pipeline"`
}

// Schedules holds cron expressions; an empty expression disables the job.
type Schedules struct {
	Import        string `yaml:"import"`
	Notifications string `yaml:"notifications"`
}

// Exports configures the export worker.
type Exports struct {
	QueueSize int           `yaml:"queueSize"`
	URLExpiry time.Duration `yaml:"urlExpiry"`
}

// Config is the complete process configuration.
type Config struct {
	Server        Server                      `yaml:"server"`
	Log           Log                         `yaml:"log"`
	Storage       Storage                     `yaml:"storage"`
	Auth          Auth                        `yaml:"auth"`
	Blob          blob.Config                 `yaml:"blob"`
	Kafka         events.Config               `yaml:"kafka"`
	SMTP          mail.SMTPConfig             `yaml:"smtp"`
	Import        Import                      `yaml:"import"`
	Notifications notifications.Config        `yaml:"notifications"`
	Alerts        listeners.AlertConfig       `yaml:"alerts"`
	PauseResume   editors.PauseResumeConfig   `yaml:"pauseResume"`
	VisitNumbers  []editors.VisitNumberConfig `yaml:"visitNumbers"`
	Schedules     Schedules                   `yaml:"schedules"`
	Exports       Exports                     `yaml:"exports"`
}

// Default returns a configuration that runs a single process against a local
// sqlite file with in-memory mail capture.
func Default() Config {
	return Config{
		Server:        Server{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Log:           Log{Level: "info", Format: "text"},
		Storage:       Storage{Driver: StorageSQLite, SQLitePath: "./cards.db"},
		Auth:          Auth{Issuer: "cards", StaffTTL: 12 * time.Hour},
		Blob:          blob.Config{Driver: blob.DriverFilesystem, Root: "./blobdata"},
		Kafka:         events.Config{Topic: "cards.changes"},
		Import:        Import{Source: ImportSource{Kind: "csv"}, Pipeline: importer.DefaultConfig()},
		Notifications: notifications.DefaultConfig(),
		Alerts:        listeners.AlertConfig{BaseURL: "http://localhost:8080"},
		PauseResume:   editors.DefaultPauseResumeConfig(),
		Schedules:     Schedules{Import: "0 2 * * *", Notifications: "0 8 * * *"},
		Exports:       Exports{QueueSize: 16, URLExpiry: 15 * time.Minute},
	}
}

// Lookup resolves an environment variable.
type Lookup func(key string) (string, bool)

// Load reads the process environment.
func Load() (Config, error) { return LoadWith(os.LookupEnv) }

// LoadWith builds the configuration from defaults, the CARDS_CONFIG file and
// the variables resolved by env.
func LoadWith(env Lookup) (Config, error) {
	cfg := Default()
	if path, ok := env("CARDS_CONFIG"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, env Lookup) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("CARDS_ADDR", &cfg.Server.Addr)
	str("CARDS_LOG_LEVEL", &cfg.Log.Level)
	str("CARDS_LOG_FORMAT", &cfg.Log.Format)
	var driver string
	str("CARDS_STORAGE_DRIVER", &driver)
	if driver != "" {
		cfg.Storage.Driver = StorageDriver(strings.ToLower(driver))
	}
	str("CARDS_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("CARDS_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("CARDS_TOKEN_KEY", &cfg.Auth.TokenKey)
	str("CARDS_TOKEN_ISSUER", &cfg.Auth.Issuer)
	str("CARDS_REDIS_URL", &cfg.Auth.RedisURL)
	if v, ok := env("CARDS_BLOB_DRIVER"); ok {
		cfg.Blob.Driver = blob.Driver(strings.TrimSpace(v))
	}
	str("CARDS_BLOB_ROOT", &cfg.Blob.Root)
	str("CARDS_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("CARDS_S3_REGION", &cfg.Blob.S3.Region)
	str("CARDS_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	str("CARDS_KAFKA_TOPIC", &cfg.Kafka.Topic)
	if v, ok := env("CARDS_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	str("CARDS_SMTP_HOST", &cfg.SMTP.Host)
	str("CARDS_SMTP_USERNAME", &cfg.SMTP.Username)
	str("CARDS_SMTP_PASSWORD", &cfg.SMTP.Password)
	if v, ok := env("CARDS_SMTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CARDS_SMTP_PORT: %w", err)
		}
		cfg.SMTP.Port = port
	}
	if v, ok := env("CARDS_BASE_URL"); ok {
		cfg.Notifications.BaseURL = v
		cfg.Alerts.BaseURL = v
	}
	str("CARDS_IMPORT_SOURCE", &cfg.Import.Source.Path)
	str("CARDS_IMPORT_DSN", &cfg.Import.Source.DSN)
	str("CARDS_IMPORT_SCHEDULE", &cfg.Schedules.Import)
	str("CARDS_NOTIFICATIONS_SCHEDULE", &cfg.Schedules.Notifications)
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage: postgres requires a dsn")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Auth.TokenKey != "" && len(c.Auth.TokenKey) < 16 {
		return fmt.Errorf("auth: token key must be at least 16 bytes")
	}
	switch c.Import.Source.Kind {
	case "", "csv", "sql":
	default:
		return fmt.Errorf("import: unknown source kind %q", c.Import.Source.Kind)
	}
	if c.Import.Source.Kind == "sql" && c.Import.Source.Query == "" {
		return fmt.Errorf("import: sql source requires a query")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
