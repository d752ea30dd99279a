package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/84hero/token-indexer/internal/stream"
	"github.com/84hero/token-indexer/pkg/rpc"
	"github.com/84hero/token-indexer/pkg/sink"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INDEXER_DATABASE_URL.
const EnvPrefix = "INDEXER"

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	RPCURL       string             `mapstructure:"rpc_url"`
	RPCNodes     []rpc.NodeConfig   `mapstructure:"rpc_nodes"`
	RPC          RPCConfig          `mapstructure:"rpc"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Sync         SyncConfig         `mapstructure:"sync"`
	PersonalInfo PersonalInfoConfig `mapstructure:"personal_info"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Outputs      OutputsConfig      `mapstructure:"outputs"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// RPCConfig holds limits applied to nodes that do not set their own.
type RPCConfig struct {
	RateLimit     float64 `mapstructure:"rate_limit"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	// Migrate applies the schema before streams start.
	Migrate bool `mapstructure:"migrate"`
}

type CheckpointConfig struct {
	Backend string      `mapstructure:"backend"` // memory, postgres, redis
	Prefix  string      `mapstructure:"prefix"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SyncConfig struct {
	ChunkSize      uint64                  `mapstructure:"chunk_size"`
	UseBloom       bool                    `mapstructure:"use_bloom"`
	ClockCacheSize int                     `mapstructure:"clock_cache_size"`
	Streams        map[string]StreamConfig `mapstructure:"streams"`
}

type StreamConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type PersonalInfoConfig struct {
	// DefaultAddress is the registry of coupon and membership issuers.
	DefaultAddress string            `mapstructure:"default_address"`
	DefaultKeyFile string            `mapstructure:"default_key_file"`
	Passphrase     string            `mapstructure:"passphrase"`
	Issuers        []IssuerKeyConfig `mapstructure:"issuers"`
}

type IssuerKeyConfig struct {
	Issuer     string `mapstructure:"issuer"`
	KeyFile    string `mapstructure:"key_file"`
	Passphrase string `mapstructure:"passphrase"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

type OutputsConfig struct {
	Webhook  WebhookOutputConfig  `mapstructure:"webhook"`
	File     FileOutputConfig     `mapstructure:"file"`
	Console  ConsoleOutputConfig  `mapstructure:"console"`
	Postgres PostgresOutputConfig `mapstructure:"postgres"`
	Redis    RedisOutputConfig    `mapstructure:"redis"`
	Kafka    KafkaOutputConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOutputConfig `mapstructure:"rabbitmq"`
}

type WebhookOutputConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	sink.WebhookConfig `mapstructure:",squash"`
}

type FileOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type PostgresOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Table   string `mapstructure:"table"`
}

type RedisOutputConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"`
}

type KafkaOutputConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

// StreamKey is the config key of a stream: PersonalInfo -> personal_info.
func StreamKey(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("rpc_url", "")
	v.SetDefault("rpc.rate_limit", 0)
	v.SetDefault("rpc.max_concurrent", 0)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.migrate", false)
	v.SetDefault("checkpoint.backend", "")
	v.SetDefault("checkpoint.prefix", "indexer_")
	v.SetDefault("checkpoint.redis.addr", "")
	v.SetDefault("checkpoint.redis.password", "")
	v.SetDefault("checkpoint.redis.db", 0)
	v.SetDefault("sync.chunk_size", 1_000_000)
	v.SetDefault("sync.use_bloom", false)
	v.SetDefault("sync.clock_cache_size", 4096)
	v.SetDefault("personal_info.default_address", "")
	v.SetDefault("personal_info.default_key_file", "")
	v.SetDefault("personal_info.passphrase", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("outputs.postgres.table", "indexer_records")
	v.SetDefault("outputs.redis.key", "indexer:records")
	v.SetDefault("outputs.redis.mode", "list")

	for _, name := range stream.Names() {
		p, _ := stream.Get(name)
		key := "sync.streams." + StreamKey(name)
		v.SetDefault(key+".enabled", true)
		v.SetDefault(key+".interval", p.Interval)
	}
}

// Load reads path (skipped when empty) and applies INDEXER_ environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "memory"
		if cfg.Database.URL != "" {
			cfg.Checkpoint.Backend = "postgres"
		}
	}
	return &cfg, nil
}

// LoadDefault loads CONFIG_FILE, or ./config.yaml when present.
func LoadDefault() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return Load(path)
}

// Nodes returns the RPC nodes, a single rpc_url becoming one node. Node
// limits left at zero inherit the rpc section.
func (c *Config) Nodes() []rpc.NodeConfig {
	nodes := append([]rpc.NodeConfig(nil), c.RPCNodes...)
	if len(nodes) == 0 && c.RPCURL != "" {
		nodes = []rpc.NodeConfig{{URL: c.RPCURL, Priority: 1}}
	}
	for i := range nodes {
		if nodes[i].RateLimit == 0 {
			nodes[i].RateLimit = c.RPC.RateLimit
		}
		if nodes[i].MaxConcurrent == 0 {
			nodes[i].MaxConcurrent = c.RPC.MaxConcurrent
		}
	}
	return nodes
}

// Stream returns the settings of a named stream.
func (c *Config) Stream(name string) StreamConfig {
	return c.Sync.Streams[StreamKey(name)]
}

// Validate checks what running streams needs.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Nodes()) == 0 {
		errs = append(errs, errors.New("rpc_url or rpc_nodes is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	switch c.Checkpoint.Backend {
	case "memory", "postgres":
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			errs = append(errs, errors.New("checkpoint.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, errors.New("checkpoint.backend must be memory, postgres or redis"))
	}
	return errors.Join(errs...)
}
