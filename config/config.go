// Package config loads and validates the indexing core's configuration
// surface: RPC endpoints, dictionary services, batching knobs, and the
// operator overrides (bypass blocks, query-address-limit) described in the
// indexer's external CLI/config contract.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the indexing core.
type Config struct {
	Chain      ChainConfig      `yaml:"chain"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Status     StatusConfig     `yaml:"status"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ChainConfig describes the JSON-RPC endpoints the connection pool dials.
type ChainConfig struct {
	ChainID         string        `yaml:"chain_id"`
	SpecName        string        `yaml:"spec_name"`
	NetworkEndpoint []string      `yaml:"network_endpoint"`
	NetworkWS       []string      `yaml:"network_ws"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ThrottleLimit   int           `yaml:"throttle_limit"`
	SlotInterval    time.Duration `yaml:"slot_interval"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
}

// DictionaryConfig describes the optional dictionary acceleration service.
type DictionaryConfig struct {
	NetworkDictionary   []string      `yaml:"network_dictionary"`
	DictionaryResolver  string        `yaml:"dictionary_resolver"`
	DictionaryTimeout   time.Duration `yaml:"dictionary_timeout"`
	DictionaryQuerySize uint64        `yaml:"dictionary_query_size"`
	QueryAddressLimit   int           `yaml:"query_address_limit"`
}

// IndexerConfig holds fetch-loop and dispatcher tuning.
type IndexerConfig struct {
	StartHeight       uint64        `yaml:"start_height"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	UnfinalizedBlocks bool          `yaml:"unfinalized_blocks"`
	BypassBlocks      []string      `yaml:"bypass_blocks"`
	ModuloBlocks      []uint64      `yaml:"modulo_blocks"`
	BlockTimeVariance time.Duration `yaml:"block_time_variance"`
}

// DatabaseConfig holds the MetadataStore's Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds the dictionary response cache's Redis settings.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// StatusConfig holds the read-only operational status server.
type StatusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MetricsConfig holds the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoadConfig reads and parses a YAML configuration file, then applies
// environment variable overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHAIN_ID"); v != "" {
		c.Chain.ChainID = v
	}
	if v := os.Getenv("NETWORK_ENDPOINT"); v != "" {
		c.Chain.NetworkEndpoint = strings.Split(v, ",")
	}
	if v := os.Getenv("NETWORK_DICTIONARY"); v != "" {
		c.Dictionary.NetworkDictionary = strings.Split(v, ",")
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Cache.Host = v
	}
}

// applyDefaults fills in sane defaults for anything left unset after
// loading and env overrides.
func (c *Config) applyDefaults() {
	if c.Chain.RequestTimeout <= 0 {
		c.Chain.RequestTimeout = 120 * time.Second
	}
	if c.Chain.ThrottleLimit <= 0 {
		c.Chain.ThrottleLimit = 12
	}
	if c.Chain.SlotInterval <= 0 {
		c.Chain.SlotInterval = 500 * time.Millisecond
	}
	if c.Chain.MaxBatchSize <= 0 {
		c.Chain.MaxBatchSize = 100
	}
	if c.Dictionary.DictionaryTimeout <= 0 {
		c.Dictionary.DictionaryTimeout = 30 * time.Second
	}
	if c.Dictionary.DictionaryQuerySize <= 0 {
		c.Dictionary.DictionaryQuerySize = 10000
	}
	if c.Dictionary.QueryAddressLimit <= 0 {
		c.Dictionary.QueryAddressLimit = 250
	}
	if c.Indexer.BatchSize <= 0 {
		c.Indexer.BatchSize = 100
	}
	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = len(c.Chain.NetworkEndpoint) * 2
	}
	if c.Indexer.Workers <= 0 {
		c.Indexer.Workers = 4
	}
	if c.Indexer.BlockTimeVariance <= 0 {
		c.Indexer.BlockTimeVariance = 5 * time.Second
	}
}

// Validate checks that required fields are present and internally
// consistent.
func (c *Config) Validate() error {
	if c.Chain.ChainID == "" {
		return fmt.Errorf("chain id is required")
	}
	if len(c.Chain.NetworkEndpoint) == 0 {
		return fmt.Errorf("at least one network endpoint is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if _, err := ParseBypassBlocks(c.Indexer.BypassBlocks); err != nil {
		return fmt.Errorf("invalid bypass_blocks: %w", err)
	}
	return nil
}

// GetConnectionString returns the PostgreSQL connection string for the
// MetadataStore.
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// GetRedisAddr returns the Redis connection address for the dictionary
// response cache.
func (c *CacheConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParseBypassBlocks expands a bypassBlocks config list (explicit heights
// plus "a-b" ranges) into a set of heights to skip entirely.
func ParseBypassBlocks(entries []string) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(e, "-"); ok {
			start, err := strconv.ParseUint(lo, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %w", e, err)
			}
			end, err := strconv.ParseUint(hi, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %w", e, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid range %q: end before start", e)
			}
			for h := start; h <= end; h++ {
				out[h] = struct{}{}
			}
			continue
		}
		h, err := strconv.ParseUint(e, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bypass height %q: %w", e, err)
		}
		out[h] = struct{}{}
	}
	return out, nil
}
