package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/blacklist/internal/db"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BLACKLIST_DATABASE_HOST.
const EnvPrefix = "BLACKLIST"

// Config is the full service configuration.
type Config struct {
	Database db.Config
	Ingest   IngestConfig
	Queue    QueueConfig
	Server   ServerConfig
	Log      LogConfig
}

// IngestConfig tunes the chunked ingestion engine.
type IngestConfig struct {
	ChunkSize        int
	ChunkDelay       time.Duration
	MaxChunkAttempts int
	RetryBaseDelay   time.Duration
	MaxJobRetries    int
	UploadDir        string
	RetainDir        string
}

// QueueConfig tunes the work queue.
type QueueConfig struct {
	Concurrency int
	Capacity    int
	MaxRetries  int
	RetryDelay  time.Duration
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Ingest: IngestConfig{
			ChunkSize:        1000,
			ChunkDelay:       time.Second,
			MaxChunkAttempts: 3,
			RetryBaseDelay:   2 * time.Second,
			MaxJobRetries:    3,
			UploadDir:        "uploads",
			RetainDir:        "uploads/retained",
		},
		Queue: QueueConfig{
			Concurrency: 1,
			Capacity:    100,
			MaxRetries:  3,
			RetryDelay:  5 * time.Second,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// NewViper returns a viper instance with defaults, env binding and the config search path set.
func NewViper(configPath string) *viper.Viper {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)
	v.SetDefault("database.sqlite_path", cfg.Database.SQLitePath)

	v.SetDefault("ingest.chunk_size", cfg.Ingest.ChunkSize)
	v.SetDefault("ingest.chunk_delay", cfg.Ingest.ChunkDelay)
	v.SetDefault("ingest.max_chunk_attempts", cfg.Ingest.MaxChunkAttempts)
	v.SetDefault("ingest.retry_base_delay", cfg.Ingest.RetryBaseDelay)
	v.SetDefault("ingest.max_job_retries", cfg.Ingest.MaxJobRetries)
	v.SetDefault("ingest.upload_dir", cfg.Ingest.UploadDir)
	v.SetDefault("ingest.retain_dir", cfg.Ingest.RetainDir)

	v.SetDefault("queue.concurrency", cfg.Queue.Concurrency)
	v.SetDefault("queue.capacity", cfg.Queue.Capacity)
	v.SetDefault("queue.max_retries", cfg.Queue.MaxRetries)
	v.SetDefault("queue.retry_delay", cfg.Queue.RetryDelay)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	return v
}

// Load reads config.yaml from configPath (if present) layered under environment overrides.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		log.Debug().Msg("no config.yaml found, using defaults and env vars")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}

	cfg := Config{
		Database: db.Config{
			Driver:     strings.ToLower(v.GetString("database.driver")),
			Host:       v.GetString("database.host"),
			Port:       v.GetInt("database.port"),
			User:       v.GetString("database.user"),
			Password:   v.GetString("database.password"),
			DBName:     v.GetString("database.dbname"),
			SSLMode:    v.GetString("database.sslmode"),
			MaxConns:   v.GetInt32("database.max_conns"),
			SQLitePath: v.GetString("database.sqlite_path"),
		},
		Ingest: IngestConfig{
			ChunkSize:        v.GetInt("ingest.chunk_size"),
			ChunkDelay:       v.GetDuration("ingest.chunk_delay"),
			MaxChunkAttempts: v.GetInt("ingest.max_chunk_attempts"),
			RetryBaseDelay:   v.GetDuration("ingest.retry_base_delay"),
			MaxJobRetries:    v.GetInt("ingest.max_job_retries"),
			UploadDir:        v.GetString("ingest.upload_dir"),
			RetainDir:        v.GetString("ingest.retain_dir"),
		},
		Queue: QueueConfig{
			Concurrency: v.GetInt("queue.concurrency"),
			Capacity:    v.GetInt("queue.capacity"),
			MaxRetries:  v.GetInt("queue.max_retries"),
			RetryDelay:  v.GetDuration("queue.retry_delay"),
		},
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverPostgres, db.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Ingest.ChunkSize <= 0 {
		return errors.New("ingest.chunk_size must be positive")
	}
	if c.Ingest.MaxChunkAttempts <= 0 {
		return errors.New("ingest.max_chunk_attempts must be positive")
	}
	if c.Ingest.MaxJobRetries < 0 {
		return errors.New("ingest.max_job_retries must not be negative")
	}
	if c.Queue.Concurrency <= 0 {
		return errors.New("queue.concurrency must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must not be negative")
	}
	return nil
}
