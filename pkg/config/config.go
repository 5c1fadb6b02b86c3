package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Export   ExportConfig   `yaml:"export"`
	Hub      HubConfig      `yaml:"hub"`
	Logger   LoggerConfig   `yaml:"logger"`
	Capacity CapacityConfig `yaml:"capacity"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for request authentication (optional, if empty, auth is disabled)
}

// PostgresConfig Postgres configuration
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"` // schema holding the per-step task tables
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig async executor queue configuration
type QueueConfig struct {
	Concurrency  int `yaml:"concurrency"`   // queue processing concurrency
	MaxRetry     int `yaml:"max_retry"`     // maximum retry count for transient query failures
	QueryTimeout int `yaml:"query_timeout"` // per task query timeout (seconds)
}

// ExportConfig export step configuration
type ExportConfig struct {
	ParallelismMinThreshold int64 `yaml:"parallelism_min_threshold"` // feature count below which single-threaded is forced
	ParallelismThreadCount  int   `yaml:"parallelism_thread_count"`  // upper bound on fan-out
	DefaultTargetLevel      int   `yaml:"default_target_level"`      // tile level used when the request omits one
	TableRetentionHours     int   `yaml:"table_retention_hours"`     // how long task tables of finished steps are kept
}

// CapacityConfig sizes the shared resource pools steps claim from.
type CapacityConfig struct {
	DBReaderACUs float64 `yaml:"db_reader_acus"` // compute units available on the database reader
	IOOutACUs    float64 `yaml:"io_out_acus"`    // units available on the outgoing upload path
}

// HubConfig feature-store hub configuration
type HubConfig struct {
	Endpoint string `yaml:"endpoint"` // base URL of the hub API
	Token    string `yaml:"token"`    // bearer token (optional)
	Timeout  int    `yaml:"timeout"`  // request timeout (seconds)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	cfg.applyDefaults()
	GlobalConfig = &cfg
	return nil
}

func (c *Config) applyDefaults() {
	if c.Export.ParallelismMinThreshold == 0 {
		c.Export.ParallelismMinThreshold = 200_000
	}
	if c.Export.ParallelismThreadCount == 0 {
		c.Export.ParallelismThreadCount = 8
	}
	if c.Export.DefaultTargetLevel == 0 {
		c.Export.DefaultTargetLevel = 11
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 16
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = 3
	}
	if c.Queue.QueryTimeout == 0 {
		c.Queue.QueryTimeout = 3600
	}
	if c.Postgres.Schema == "" {
		c.Postgres.Schema = "public"
	}
	if c.Hub.Timeout == 0 {
		c.Hub.Timeout = 30
	}
	if c.Export.TableRetentionHours == 0 {
		c.Export.TableRetentionHours = 7 * 24
	}
	if c.Capacity.DBReaderACUs == 0 {
		c.Capacity.DBReaderACUs = 128
	}
	if c.Capacity.IOOutACUs == 0 {
		c.Capacity.IOOutACUs = 128
	}
}
