// Package config reads the configuration of cache servers and clients
// from the environment. Command line flags override environment values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jrife/kvcache/client/codec"
	"github.com/jrife/kvcache/partition"
	"github.com/jrife/kvcache/stateful_services"
	"github.com/jrife/kvcache/storage/kv"
	"github.com/jrife/kvcache/topology"
	"github.com/jrife/kvcache/transport/clients"
)

// ParseEnv loads configuration from environment variables
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return nil
}

// ServerConfig configures a process hosting one cache partition
type ServerConfig struct {
	Service         string        `env:"KVCACHE_SERVICE" envDefault:"fabric:/CacheApp/CacheService"`
	Scheme          string        `env:"KVCACHE_SCHEME" envDefault:"singleton"`
	Partition       int64         `env:"KVCACHE_PARTITION" envDefault:"0"`
	Partitions      int           `env:"KVCACHE_PARTITIONS" envDefault:"0"`
	ListenAddr      string        `env:"KVCACHE_LISTEN_ADDR" envDefault:":7070"`
	AdvertiseAddr   string        `env:"KVCACHE_ADVERTISE_ADDR"`
	RESTAddr        string        `env:"KVCACHE_REST_ADDR"`
	MetricsAddr     string        `env:"KVCACHE_METRICS_ADDR"`
	Plugin          string        `env:"KVCACHE_PLUGIN" envDefault:"bbolt"`
	DataPath        string        `env:"KVCACHE_DATA_PATH" envDefault:"kvcache.db"`
	RedisAddr       string        `env:"KVCACHE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix     string        `env:"KVCACHE_REDIS_PREFIX"`
	Dictionary      string        `env:"KVCACHE_DICTIONARY" envDefault:"cacheDictionary"`
	ErrorMode       string        `env:"KVCACHE_ERROR_MODE" envDefault:"contain"`
	SweepInterval   time.Duration `env:"KVCACHE_SWEEP_INTERVAL" envDefault:"1m"`
	RetryAfter      time.Duration `env:"KVCACHE_RETRY_AFTER" envDefault:"1s"`
	EtcdEndpoints   []string      `env:"KVCACHE_ETCD_ENDPOINTS" envSeparator:","`
	EtcdPrefix      string        `env:"KVCACHE_ETCD_PREFIX" envDefault:"/kvcache/services"`
	EtcdLeaseTTL    time.Duration `env:"KVCACHE_ETCD_LEASE_TTL" envDefault:"10s"`
	LogLevel        string        `env:"KVCACHE_LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"KVCACHE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ParseServerConfig parses environment and flags into a ServerConfig
// and validates the result
func ParseServerConfig(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var cfg ServerConfig

	if err := ParseEnv(&cfg); err != nil {
		return ServerConfig{}, err
	}

	fs.StringVar(&cfg.Service, "service", cfg.Service, "Name of the cache service")
	fs.StringVar(&cfg.Scheme, "scheme", cfg.Scheme, "Partitioning scheme of the service (singleton or uniform)")
	fs.Int64Var(&cfg.Partition, "partition", cfg.Partition, "Id of the partition hosted by this process")
	fs.IntVar(&cfg.Partitions, "partitions", cfg.Partitions, "Number of partitions of a uniform service")
	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "gRPC listen address")
	fs.StringVar(&cfg.RESTAddr, "rest-addr", cfg.RESTAddr, "REST listen address, disabled if empty")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address, disabled if empty")
	fs.StringVar(&cfg.Plugin, "plugin", cfg.Plugin, "Storage plugin (bbolt, sqlite, redis or memory)")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data file used by the bbolt and sqlite plugins")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// Validate checks that the partition id agrees with the scheme
func (cfg ServerConfig) Validate() error {
	if cfg.Service == "" {
		return errors.New("service must not be empty")
	}

	switch topology.ParseScheme(cfg.Scheme) {
	case topology.SchemeSingleton:
		if !cfg.PartitionID().IsSingleton() {
			return fmt.Errorf("a singleton service must use partition %d", partition.Singleton)
		}
	case topology.SchemeUniformInt64Range:
		if cfg.Partition < 1 {
			return fmt.Errorf("partition ids of a uniform service start at 1, got %d", cfg.Partition)
		}

		if len(cfg.EtcdEndpoints) > 0 && cfg.Partitions < 1 {
			return errors.New("registering a uniform service requires its partition count")
		}

		if cfg.Partitions > 0 && cfg.Partition > int64(cfg.Partitions) {
			return fmt.Errorf("partition %d is outside a service of %d partitions", cfg.Partition, cfg.Partitions)
		}
	default:
		return fmt.Errorf("unknown scheme %q", cfg.Scheme)
	}

	if _, err := cfg.StoreErrorMode(); err != nil {
		return err
	}

	return nil
}

// PartitionID returns the id of the hosted partition
func (cfg ServerConfig) PartitionID() partition.ID {
	return partition.ID(cfg.Partition)
}

// Advertise returns the address clients should dial
func (cfg ServerConfig) Advertise() string {
	if cfg.AdvertiseAddr != "" {
		return cfg.AdvertiseAddr
	}

	return cfg.ListenAddr
}

// StoreErrorMode translates ErrorMode
func (cfg ServerConfig) StoreErrorMode() (stateful_services.ErrorMode, error) {
	switch cfg.ErrorMode {
	case "contain", "":
		return stateful_services.ContainErrors, nil
	case "strict":
		return stateful_services.StrictErrors, nil
	default:
		return 0, fmt.Errorf("unknown error mode %q", cfg.ErrorMode)
	}
}

// PluginOptions returns the options passed to the storage plugin
func (cfg ServerConfig) PluginOptions() kv.PluginOptions {
	switch cfg.Plugin {
	case "bbolt", "sqlite":
		return kv.PluginOptions{"path": cfg.DataPath}
	case "redis":
		return kv.PluginOptions{"addr": cfg.RedisAddr, "prefix": cfg.RedisPrefix}
	default:
		return kv.PluginOptions{}
	}
}

// ClientConfig configures cache clients
type ClientConfig struct {
	Manifest         string        `env:"KVCACHE_MANIFEST"`
	EtcdEndpoints    []string      `env:"KVCACHE_ETCD_ENDPOINTS" envSeparator:","`
	EtcdPrefix       string        `env:"KVCACHE_ETCD_PREFIX" envDefault:"/kvcache/services"`
	EtcdDialTimeout  time.Duration `env:"KVCACHE_ETCD_DIAL_TIMEOUT" envDefault:"5s"`
	OperationTimeout time.Duration `env:"KVCACHE_OPERATION_TIMEOUT" envDefault:"60s"`
	RetryBaseDelay   time.Duration `env:"KVCACHE_RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay    time.Duration `env:"KVCACHE_RETRY_MAX_DELAY"`
	MaxRetries       uint          `env:"KVCACHE_MAX_RETRIES" envDefault:"3"`
	Format           string        `env:"KVCACHE_FORMAT" envDefault:"json"`
	FanOutLimit      int           `env:"KVCACHE_FAN_OUT_LIMIT" envDefault:"16"`
	LogLevel         string        `env:"KVCACHE_LOG_LEVEL" envDefault:"info"`
}

// ParseClientConfig parses the environment into a ClientConfig
func ParseClientConfig() (ClientConfig, error) {
	var cfg ClientConfig

	if err := ParseEnv(&cfg); err != nil {
		return ClientConfig{}, err
	}

	if cfg.Manifest == "" && len(cfg.EtcdEndpoints) == 0 {
		return ClientConfig{}, errors.New("one of KVCACHE_MANIFEST or KVCACHE_ETCD_ENDPOINTS is required")
	}

	if _, err := codec.For[any](cfg.CodecFormat()); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

// CodecFormat returns the configured value format
func (cfg ClientConfig) CodecFormat() codec.Format {
	return codec.Format(cfg.Format)
}

// ProxySettings returns the settings of partition proxies
func (cfg ClientConfig) ProxySettings() clients.ProxySettings {
	return clients.ProxySettings{
		OperationTimeout: cfg.OperationTimeout,
		Retry: clients.RetrySettings{
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
			MaxRetries: cfg.MaxRetries,
		},
	}
}
