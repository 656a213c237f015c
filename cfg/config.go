package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Database drivers
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// ServerConfiguration for the client protocol listener
type ServerConfiguration struct {
	BindAddress            string `toml:"bind_address"`
	Port                   int    `toml:"port"`
	MaxConnections         int    `toml:"max_connections"`
	ListenKeepaliveSeconds int    `toml:"listen_keepalive_seconds"` // Heartbeat interval for LISTEN_CACHES
	HistorySize            int    `toml:"history_size"`             // Completed commands kept for diagnostics
	MaxLongStringBytes     int    `toml:"max_long_string_bytes"`    // Upper bound for long strings and blobs
	HandshakeTimeoutMS     int    `toml:"handshake_timeout_ms"`
}

// MySQLConfiguration for an external MySQL backend
type MySQLConfiguration struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

// DatabaseConfiguration selects the backing store
type DatabaseConfiguration struct {
	Driver    string             `toml:"driver"` // "sqlite3" or "mysql"
	Path      string             `toml:"path"`   // SQLite file, relative to data_dir
	Bootstrap bool               `toml:"bootstrap"`
	MySQL     MySQLConfiguration `toml:"mysql"`
}

// ConnectionPoolConfiguration controls database connection pooling
type ConnectionPoolConfiguration struct {
	PoolSize           int `toml:"pool_size"`             // Number of connections in pool
	MaxIdleTimeSeconds int `toml:"max_idle_time_seconds"` // Max time connection can be idle
	MaxLifetimeSeconds int `toml:"max_lifetime_seconds"`  // Max lifetime of a connection
}

// SchedulerConfiguration controls background QoS execution
type SchedulerConfiguration struct {
	BackgroundWorkers int `toml:"background_workers"`
}

// AuthConfiguration controls the authentication gate
type AuthConfiguration struct {
	DNSCacheSize       int `toml:"dns_cache_size"`
	DNSCacheTTLSeconds int `toml:"dns_cache_ttl_seconds"`
}

// AdminConfiguration for the HTTP admin surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// SinkConfiguration describes one invalidation mirror destination
type SinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"` // "nats" or "kafka"
	Tables       []string `toml:"tables"`
	TopicPrefix  string   `toml:"topic_prefix"`
	NatsURL      string   `toml:"nats_url"`
	Brokers      []string `toml:"brokers"`
	BatchTimeout int      `toml:"batch_timeout_ms"`
}

// PublisherConfiguration for the invalidation mirror
type PublisherConfiguration struct {
	Enabled    bool                `toml:"enabled"`
	BufferSize int                 `toml:"buffer_size"`
	Sinks      []SinkConfiguration `toml:"sinks"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Server         ServerConfiguration         `toml:"server"`
	Database       DatabaseConfiguration       `toml:"database"`
	ConnectionPool ConnectionPoolConfiguration `toml:"connection_pool"`
	Scheduler      SchedulerConfiguration      `toml:"scheduler"`
	Auth           AuthConfiguration           `toml:"auth"`
	Admin          AdminConfiguration          `toml:"admin"`
	Logging        LoggingConfiguration        `toml:"logging"`
	Prometheus     PrometheusConfiguration     `toml:"prometheus"`
	Publisher      PublisherConfiguration      `toml:"publisher"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Protocol port (overrides config)")
	BootstrapFlag  = flag.Bool("bootstrap", false, "Create missing tables on startup")
)

// Default configuration
var Config = Default()

// Default returns a fresh copy of the built-in defaults.
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./aoserv-data",

		Server: ServerConfiguration{
			BindAddress:            "0.0.0.0",
			Port:                   4582,
			MaxConnections:         1000,
			ListenKeepaliveSeconds: 60,
			HistorySize:            1000,
			MaxLongStringBytes:     16 << 20,
			HandshakeTimeoutMS:     30000,
		},

		Database: DatabaseConfiguration{
			Driver: DriverSQLite,
			Path:   "aoserv.db",
			MySQL: MySQLConfiguration{
				Host:     "127.0.0.1",
				Port:     3306,
				User:     "aoadmin",
				Database: "aoserv",
			},
		},

		ConnectionPool: ConnectionPoolConfiguration{
			PoolSize:           16,
			MaxIdleTimeSeconds: 10,
			MaxLifetimeSeconds: 300,
		},

		Scheduler: SchedulerConfiguration{
			BackgroundWorkers: 2,
		},

		Auth: AuthConfiguration{
			DNSCacheSize:       1024,
			DNSCacheTTLSeconds: 300,
		},

		Admin: AdminConfiguration{
			Enabled: true,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Publisher: PublisherConfiguration{
			Enabled:    false,
			BufferSize: 1024,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}
	if *BootstrapFlag {
		Config.Database.Bootstrap = true
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a node ID based on the machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("aoserv-master")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}

	if Config.Server.ListenKeepaliveSeconds < 1 {
		return fmt.Errorf("listen keepalive must be >= 1 second")
	}

	if Config.Server.HistorySize < 1 {
		return fmt.Errorf("history size must be >= 1")
	}

	if Config.Server.MaxLongStringBytes < 1 {
		return fmt.Errorf("max long string bytes must be >= 1")
	}

	switch Config.Database.Driver {
	case DriverSQLite:
		if Config.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
	case DriverMySQL:
		if Config.Database.MySQL.Host == "" || Config.Database.MySQL.Database == "" {
			return fmt.Errorf("mysql host and database are required")
		}
		if Config.Database.MySQL.Port < 1 || Config.Database.MySQL.Port > 65535 {
			return fmt.Errorf("invalid mysql port: %d", Config.Database.MySQL.Port)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", Config.Database.Driver)
	}

	if Config.ConnectionPool.PoolSize < 1 {
		return fmt.Errorf("connection pool size must be >= 1")
	}

	if Config.ConnectionPool.MaxIdleTimeSeconds < 0 {
		return fmt.Errorf("connection pool max idle time must be >= 0")
	}

	if Config.ConnectionPool.MaxLifetimeSeconds < 0 {
		return fmt.Errorf("connection pool max lifetime must be >= 0")
	}

	if Config.Scheduler.BackgroundWorkers < 1 {
		return fmt.Errorf("background workers must be >= 1")
	}

	if Config.Auth.DNSCacheSize < 1 {
		return fmt.Errorf("dns cache size must be >= 1")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	if Config.Publisher.Enabled {
		if Config.Publisher.BufferSize < 1 {
			return fmt.Errorf("publisher buffer size must be >= 1")
		}
		for _, s := range Config.Publisher.Sinks {
			if s.Name == "" {
				return fmt.Errorf("publisher sink name is required")
			}
			switch s.Type {
			case "nats":
				if s.NatsURL == "" {
					return fmt.Errorf("sink %s: nats_url is required", s.Name)
				}
			case "kafka":
				if len(s.Brokers) == 0 {
					return fmt.Errorf("sink %s: brokers are required", s.Name)
				}
			default:
				return fmt.Errorf("sink %s: unsupported type %q", s.Name, s.Type)
			}
		}
	}

	return nil
}

// DatabasePath returns the SQLite file path.
func DatabasePath() string {
	if filepath.IsAbs(Config.Database.Path) {
		return Config.Database.Path
	}
	return filepath.Join(Config.DataDir, Config.Database.Path)
}

// ListenKeepalive returns the LISTEN_CACHES heartbeat interval.
func ListenKeepalive() time.Duration {
	return time.Duration(Config.Server.ListenKeepaliveSeconds) * time.Second
}

// ListenAddress returns host:port for the protocol listener.
func ListenAddress() string {
	return fmt.Sprintf("%s:%d", Config.Server.BindAddress, Config.Server.Port)
}
