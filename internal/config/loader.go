package config

import (
	"fmt"
	"time"

	"github.com/dimon1976/zoomos-v4-sub001/internal/db"
	"github.com/spf13/viper"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// ImportConfig tunes the import pipeline.
type ImportConfig struct {
	BatchSize         int
	WorkerPoolSize    int
	WorkerQueueDepth  int
	MemoryLimitBytes  uint64
	MemoryThreshold   float64
	BackpressureDelay time.Duration
	MigrationsPath    string
}

// Config is the full service configuration.
type Config struct {
	Database db.Config
	Server   ServerConfig
	Import   ImportConfig
}

// DefaultConfig returns the configuration used when no file or env overrides
// are present.
func DefaultConfig() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Import: ImportConfig{
			BatchSize:         1000,
			WorkerPoolSize:    4,
			WorkerQueueDepth:  16,
			MemoryLimitBytes:  1 << 30,
			MemoryThreshold:   0.5,
			BackpressureDelay: 5 * time.Second,
			MigrationsPath:    "./migrations",
		},
	}
}

// Load reads config.yaml from configPath and layers environment overrides on
// top of the defaults.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()           // allow environment overrides
	v.SetEnvPrefix("IMPORTER") // map env vars like IMPORTER_DATABASE.HOST

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.Database.MaxConns = v.GetInt32("database.max_conns")
	}
	if v.IsSet("database.min_conns") {
		cfg.Database.MinConns = v.GetInt32("database.min_conns")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if v.IsSet("import.batch_size") {
		cfg.Import.BatchSize = v.GetInt("import.batch_size")
	}
	if v.IsSet("import.worker_pool_size") {
		cfg.Import.WorkerPoolSize = v.GetInt("import.worker_pool_size")
	}
	if v.IsSet("import.worker_queue_depth") {
		cfg.Import.WorkerQueueDepth = v.GetInt("import.worker_queue_depth")
	}
	if v.IsSet("import.memory_limit_bytes") {
		cfg.Import.MemoryLimitBytes = v.GetUint64("import.memory_limit_bytes")
	}
	if v.IsSet("import.memory_threshold") {
		cfg.Import.MemoryThreshold = v.GetFloat64("import.memory_threshold")
	}
	if v.IsSet("import.backpressure_delay") {
		cfg.Import.BackpressureDelay = v.GetDuration("import.backpressure_delay")
	}
	if v.IsSet("import.migrations_path") {
		cfg.Import.MigrationsPath = v.GetString("import.migrations_path")
	}

	return cfg, nil
}
