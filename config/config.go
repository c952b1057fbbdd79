package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Predictflow PredictflowConfig `yaml:"predictflow"`
	Logging     LoggingConfig     `yaml:"logging"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Stream      StreamConfig      `yaml:"stream"`
	Venues      VenuesConfig      `yaml:"venues"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	Storage     StorageConfig     `yaml:"storage"`
}

type PredictflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type ChannelsConfig struct {
	EventBuffer  int `yaml:"event_buffer"`
	SignalBuffer int `yaml:"signal_buffer"`
}

// StreamConfig controls the websocket connection lifecycle. All values are
// fixed at construction time; connection managers never reload them.
type StreamConfig struct {
	ReconnectInterval    time.Duration   `yaml:"reconnect_interval"`
	MaxReconnectAttempts int             `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration   `yaml:"ping_interval"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type VenuesConfig struct {
	Kalshi     KalshiConfig     `yaml:"kalshi"`
	Polymarket PolymarketConfig `yaml:"polymarket"`
}

type KalshiConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// AuthRequired makes an authentication failure tear the connection
	// down instead of logging a warning and continuing.
	AuthRequired bool     `yaml:"auth_required"`
	Markets      []string `yaml:"markets"`
}

type PolymarketConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url"`
	APIKey       string   `yaml:"api_key"`
	AuthRequired bool     `yaml:"auth_required"`
	Markets      []string `yaml:"markets"`
}

// SimulatorConfig holds execution-simulation knobs. Slippage and FeeRate are
// fractions of price and notional respectively.
type SimulatorConfig struct {
	Slippage        float64       `yaml:"slippage"`
	Latency         time.Duration `yaml:"latency"`
	FeeRate         float64       `yaml:"fee_rate"`
	StartingBalance float64       `yaml:"starting_balance"`
	IdleTick        time.Duration `yaml:"idle_tick"`
}

type StorageConfig struct {
	Ledger LedgerConfig `yaml:"ledger"`
	S3     S3Config     `yaml:"s3"`
}

type LedgerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

var envVarRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references in the raw config with values
// from the environment. Unset variables expand to an empty string.
func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarRegexp.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	applyDefaults(&config)

	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials prefer the environment over the file.
	if v := os.Getenv("KALSHI_API_KEY"); v != "" {
		config.Venues.Kalshi.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KALSHI_API_SECRET"); v != "" {
		config.Venues.Kalshi.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYMARKET_API_KEY"); v != "" {
		config.Venues.Polymarket.APIKey = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	cfg.Channels.EventBuffer = 1000
	cfg.Channels.SignalBuffer = 100
	cfg.Stream.ReconnectInterval = 5 * time.Second
	cfg.Stream.MaxReconnectAttempts = 10
	cfg.Stream.PingInterval = 20 * time.Second
	cfg.Stream.RateLimit.RequestsPerSecond = 5
	cfg.Stream.RateLimit.BurstSize = 10
	cfg.Simulator.Slippage = 0.001
	cfg.Simulator.FeeRate = 0.001
	cfg.Simulator.StartingBalance = 10000
	cfg.Simulator.IdleTick = time.Second
	cfg.Storage.Ledger.FlushInterval = 30 * time.Second
	cfg.Storage.Ledger.BatchSize = 500
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
}

func validateConfig(cfg *Config) error {
	if cfg.Predictflow.Name == "" {
		return fmt.Errorf("predictflow.name is required")
	}
	if cfg.Predictflow.Version == "" {
		return fmt.Errorf("predictflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.SignalBuffer <= 0 {
		return fmt.Errorf("channels.signal_buffer must be greater than 0")
	}

	if cfg.Stream.ReconnectInterval <= 0 {
		return fmt.Errorf("stream.reconnect_interval must be greater than 0")
	}
	if cfg.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be greater than 0")
	}

	if cfg.Venues.Kalshi.Enabled {
		if cfg.Venues.Kalshi.URL == "" {
			return fmt.Errorf("venues.kalshi.url is required when kalshi is enabled")
		}
		if cfg.Venues.Kalshi.APIKey == "" || cfg.Venues.Kalshi.APISecret == "" {
			return fmt.Errorf("kalshi credentials are required when kalshi is enabled")
		}
	}
	if cfg.Venues.Polymarket.Enabled && cfg.Venues.Polymarket.URL == "" {
		return fmt.Errorf("venues.polymarket.url is required when polymarket is enabled")
	}

	if cfg.Simulator.Slippage < 0 || cfg.Simulator.Slippage >= 1 {
		return fmt.Errorf("simulator.slippage must be in [0, 1)")
	}
	if cfg.Simulator.FeeRate < 0 || cfg.Simulator.FeeRate >= 1 {
		return fmt.Errorf("simulator.fee_rate must be in [0, 1)")
	}
	if cfg.Simulator.StartingBalance <= 0 {
		return fmt.Errorf("simulator.starting_balance must be greater than 0")
	}

	if cfg.Storage.Ledger.Enabled {
		if cfg.Storage.Ledger.Directory == "" {
			return fmt.Errorf("storage.ledger.directory is required when the ledger writer is enabled")
		}
		if cfg.Storage.Ledger.BatchSize <= 0 {
			return fmt.Errorf("storage.ledger.batch_size must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
