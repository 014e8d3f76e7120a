// Package config loads and validates the syncd configuration from a YAML
// file with environment variable overrides for deployment secrets.
// Validation failures are fatal: the process refuses to start rather than
// run with a partial configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "1500ms" or "30s"
// parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// OrderbookTarget is one (exchange, symbol) pair polled for depth.
type OrderbookTarget struct {
	Exchange string `yaml:"exchange"`
	Symbol   string `yaml:"symbol"`
}

// Config holds every recognized option. No core logic depends on the
// specific values beyond bounding loop frequency.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level    string `yaml:"level"`     // debug|info|warn|error
		Format   string `yaml:"format"`    // text|json
		Output   string `yaml:"output"`    // console|file|both
		FilePath string `yaml:"file_path"` // rotated via lumberjack
	} `yaml:"log"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL string   `yaml:"url"` // optional; enables the query read cache
		TTL Duration `yaml:"ttl"`
	} `yaml:"redis"`

	Ledger struct {
		RPCURL       string   `yaml:"rpc_url"`
		ProgramID    string   `yaml:"program_id"` // order engine program
		Commitment   string   `yaml:"commitment"` // processed|confirmed|finalized
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"ledger"`

	Orderbook struct {
		Targets         []OrderbookTarget `yaml:"targets"`
		Depth           int               `yaml:"depth"`
		RequestTimeout  Duration          `yaml:"request_timeout"`
		RefreshInterval Duration          `yaml:"refresh_interval"`
		BucketInterval  Duration          `yaml:"bucket_interval"` // minute-aligned snapshot buckets
	} `yaml:"orderbook"`

	Oracle struct {
		StreamURL         string   `yaml:"stream_url"`
		FeedID            string   `yaml:"feed_id"`
		Symbol            string   `yaml:"symbol"`
		ReconnectInterval Duration `yaml:"reconnect_interval"`
		MaxPriceAge       Duration `yaml:"max_price_age"` // staleness bound for keeper triggers
	} `yaml:"oracle"`

	Keeper struct {
		Enabled          bool     `yaml:"enabled"`
		KeypairPath      string   `yaml:"keypair_path"`
		PollInterval     Duration `yaml:"poll_interval"`
		MaxOrdersPerTick int      `yaml:"max_orders_per_tick"`
		MaxRetries       int      `yaml:"max_retries"`
		RetryDelay       Duration `yaml:"retry_delay"` // fixed, intentionally not exponential
		TxTimeout        Duration `yaml:"tx_timeout"`
		SkipPreflight    bool     `yaml:"skip_preflight"`
		ComputeUnitLimit uint32   `yaml:"compute_unit_limit"`
		ComputeUnitPrice uint64   `yaml:"compute_unit_price"` // micro-lamports
	} `yaml:"keeper"`

	Hub struct {
		SendBuffer          int      `yaml:"send_buffer"`
		StatusInterval      Duration `yaml:"status_interval"`
		LeaderboardInterval Duration `yaml:"leaderboard_interval"`
	} `yaml:"hub"`
}

// Load reads path, applies env overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Deployment secrets come from the environment, never from the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SYNCD_DB_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SYNCD_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("SYNCD_RPC_URL"); v != "" {
		c.Ledger.RPCURL = v
	}
	if v := os.Getenv("SYNCD_KEEPER_KEYPAIR"); v != "" {
		c.Keeper.KeypairPath = v
	}
	if v := os.Getenv("SYNCD_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Ledger.Commitment == "" {
		c.Ledger.Commitment = "confirmed"
	}
	if c.Ledger.PollInterval <= 0 {
		c.Ledger.PollInterval = Duration(2 * time.Second)
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = Duration(30 * time.Second)
	}
	if c.Orderbook.Depth <= 0 {
		c.Orderbook.Depth = 10
	}
	if c.Orderbook.RequestTimeout <= 0 {
		c.Orderbook.RequestTimeout = Duration(10 * time.Second)
	}
	if c.Orderbook.RefreshInterval <= 0 {
		c.Orderbook.RefreshInterval = Duration(time.Second)
	}
	if c.Orderbook.BucketInterval < Duration(time.Minute) {
		c.Orderbook.BucketInterval = Duration(time.Minute)
	}
	if c.Oracle.ReconnectInterval <= 0 {
		c.Oracle.ReconnectInterval = Duration(3 * time.Second)
	}
	if c.Oracle.MaxPriceAge <= 0 {
		c.Oracle.MaxPriceAge = Duration(30 * time.Second)
	}
	if c.Keeper.PollInterval <= 0 {
		c.Keeper.PollInterval = Duration(1500 * time.Millisecond)
	}
	if c.Keeper.MaxOrdersPerTick <= 0 {
		c.Keeper.MaxOrdersPerTick = 10
	}
	if c.Keeper.MaxRetries <= 0 {
		c.Keeper.MaxRetries = 3
	}
	if c.Keeper.RetryDelay <= 0 {
		c.Keeper.RetryDelay = Duration(500 * time.Millisecond)
	}
	if c.Keeper.TxTimeout <= 0 {
		c.Keeper.TxTimeout = Duration(30 * time.Second)
	}
	if c.Hub.SendBuffer <= 0 {
		c.Hub.SendBuffer = 64
	}
	if c.Hub.StatusInterval <= 0 {
		c.Hub.StatusInterval = Duration(5 * time.Second)
	}
	if c.Hub.LeaderboardInterval <= 0 {
		c.Hub.LeaderboardInterval = Duration(15 * time.Second)
	}
}

// Validate checks everything the process cannot run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.ProgramID == "" {
		return fmt.Errorf("ledger.program_id is required")
	}
	switch strings.ToLower(c.Ledger.Commitment) {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("ledger.commitment %q invalid (expected processed|confirmed|finalized)", c.Ledger.Commitment)
	}
	if c.Oracle.StreamURL != "" && c.Oracle.FeedID == "" {
		return fmt.Errorf("oracle.feed_id is required when oracle.stream_url is set")
	}
	if c.Oracle.StreamURL != "" && c.Oracle.Symbol == "" {
		return fmt.Errorf("oracle.symbol is required when oracle.stream_url is set")
	}
	if c.Keeper.Enabled && c.Keeper.KeypairPath == "" {
		return fmt.Errorf("keeper.keypair_path is required when the keeper is enabled")
	}
	for i, target := range c.Orderbook.Targets {
		if target.Exchange == "" || target.Symbol == "" {
			return fmt.Errorf("orderbook.targets[%d]: exchange and symbol are required", i)
		}
	}
	return nil
}
