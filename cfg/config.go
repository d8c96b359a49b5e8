package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// WALBackend selects the physical log implementation
type WALBackend string

const (
	WALPebble WALBackend = "pebble" // Durable pebble log under DataDir/wal
	WALMemory WALBackend = "memory" // In-process skiplist, lost on restart
)

// WALConfiguration controls the physical marker log
type WALConfiguration struct {
	Backend               WALBackend `toml:"backend"`
	CacheSizeMB           int64      `toml:"cache_size_mb"`
	MemTableSizeMB        int64      `toml:"memtable_size_mb"`
	L0CompactionThreshold int        `toml:"l0_compaction_threshold"`
	L0StopWrites          int        `toml:"l0_stop_writes"`
	CompressThresholdKB   int        `toml:"compress_threshold_kb"` // Payloads above this are zstd compressed
	RetentionTicks        uint64     `toml:"retention_ticks"`       // Trim keeps at most this many ticks behind head (0 = keep all)
	TrimIntervalSeconds   int        `toml:"trim_interval_seconds"`
}

// TailConfiguration controls tailing defaults
type TailConfiguration struct {
	DefaultChunkSize   uint64 `toml:"default_chunk_size"`   // Bytes per tail call when the caller does not specify
	MaxChunkSize       uint64 `toml:"max_chunk_size"`       // Upper clamp for caller supplied chunk sizes
	MaxTrackedFollower int    `toml:"max_tracked_followers"`
}

// AdminConfiguration controls the HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Pre-shared key; empty disables the HTTP surface
}

// SinkConfiguration describes a single replication sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka", "nats" or "mock"
	Format          string   `toml:"format"` // "json"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterDatabases []string `toml:"filter_databases"`
	FilterTables    []string `toml:"filter_collections"`
	IncludeSystem   bool     `toml:"include_system"`
	BatchSize       int      `toml:"batch_size"`
	ChunkSize       uint64   `toml:"chunk_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls the replication driver
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ServerID uint64 `toml:"server_id"`
	DataDir  string `toml:"data_dir"`

	WAL        WALConfiguration        `toml:"wal"`
	Tail       TailConfiguration       `toml:"tail"`
	Admin      AdminConfiguration      `toml:"admin"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ServerIDFlag   = flag.Uint64("server-id", 0, "Server ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "HTTP port (overrides config)")
	WALBackendFlag = flag.String("wal-backend", "", "WAL backend: pebble or memory (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ServerID: 0, // Auto-generate
	DataDir:  "./waltail-data",

	WAL: WALConfiguration{
		Backend:               WALPebble,
		CacheSizeMB:           64,
		MemTableSizeMB:        32,
		L0CompactionThreshold: 4,
		L0StopWrites:          12,
		CompressThresholdKB:   4,
		RetentionTicks:        0,
		TrimIntervalSeconds:   60,
	},

	Tail: TailConfiguration{
		DefaultChunkSize:   1 << 20, // 1MB
		MaxChunkSize:       128 << 20,
		MaxTrackedFollower: 1024,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8529,
	},

	Publisher: PublisherConfiguration{
		Enabled: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ServerIDFlag != 0 {
		Config.ServerID = *ServerIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *WALBackendFlag != "" {
		Config.WAL.Backend = WALBackend(strings.ToLower(*WALBackendFlag))
	}

	// Auto-generate server ID if not set
	if Config.ServerID == 0 {
		var err error
		Config.ServerID, err = generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server ID: %w", err)
		}
		log.Info().Uint64("server_id", Config.ServerID).Msg("Auto-generated server ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateServerID creates a unique server ID based on machine ID
func generateServerID() (uint64, error) {
	id, err := machineid.ProtectedID("waltail")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.WAL.Backend {
	case WALPebble, WALMemory:
	default:
		return fmt.Errorf("invalid WAL backend: %q", Config.WAL.Backend)
	}

	if Config.WAL.CompressThresholdKB < 0 {
		return fmt.Errorf("WAL compress threshold must be >= 0")
	}

	if Config.WAL.RetentionTicks > 0 && Config.WAL.TrimIntervalSeconds < 1 {
		return fmt.Errorf("WAL trim interval must be >= 1 second when retention is set")
	}

	if Config.Tail.DefaultChunkSize == 0 {
		return fmt.Errorf("default chunk size must be > 0")
	}

	if Config.Tail.MaxChunkSize < Config.Tail.DefaultChunkSize {
		return fmt.Errorf("max chunk size (%d) must be >= default chunk size (%d)",
			Config.Tail.MaxChunkSize, Config.Tail.DefaultChunkSize)
	}

	if Config.Tail.MaxTrackedFollower < 1 {
		return fmt.Errorf("max tracked followers must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Logging.Format != "" && Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Publisher.Enabled {
		seen := make(map[string]bool, len(Config.Publisher.Sinks))
		for i, sink := range Config.Publisher.Sinks {
			if sink.Name == "" {
				return fmt.Errorf("sink %d: name is required", i)
			}
			if seen[sink.Name] {
				return fmt.Errorf("sink %q: duplicate name", sink.Name)
			}
			seen[sink.Name] = true

			switch sink.Type {
			case "kafka":
				if len(sink.Brokers) == 0 {
					return fmt.Errorf("sink %q: kafka requires at least one broker", sink.Name)
				}
			case "nats":
				if sink.NatsURL == "" {
					return fmt.Errorf("sink %q: nats requires nats_url", sink.Name)
				}
			case "mock":
			default:
				return fmt.Errorf("sink %q: unknown type %q", sink.Name, sink.Type)
			}
		}
	}

	return nil
}
