package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
)

// Config is the single configuration structure for an Engine.
type Config struct {
	// Chains to serve. Empty means the built-in presets.
	Chains []chains.Chain `yaml:"chains"`

	// Environment prefixes cache keys, e.g. "testnet" or "production".
	Environment string `yaml:"environment" env:"EVM_ACCESS_ENVIRONMENT,default=production"`

	Logging        LoggingConfig     `yaml:"logging"`
	BalanceService BalanceConfig     `yaml:"balance_service"`
	Transactions   TransactionConfig `yaml:"transaction_service"`
	WSConnection   WSConfig          `yaml:"ws_connection"`
	Polling        PollingConfig     `yaml:"polling"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
	Ops            OpsConfig         `yaml:"ops"`
}

// LoggingConfig controls the logrus backend.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=json"`
}

// BalanceConfig tunes the balance path of the resilience stack.
type BalanceConfig struct {
	EnableCache          bool `yaml:"enable_cache" env:"EVM_ACCESS_BALANCE_CACHE,default=true"`
	CacheTTLSeconds      int  `yaml:"cache_ttl_s" env:"EVM_ACCESS_BALANCE_CACHE_TTL_S,default=30"`
	EnableBatching       bool `yaml:"enable_batching" env:"EVM_ACCESS_BALANCE_BATCHING,default=true"`
	BatchWindowMs        int  `yaml:"batch_window_ms" env:"EVM_ACCESS_BATCH_WINDOW_MS,default=50"`
	MaxBatchSize         int  `yaml:"max_batch_size" env:"EVM_ACCESS_MAX_BATCH_SIZE,default=25"`
	EnableCircuitBreaker bool `yaml:"enable_circuit_breaker" env:"EVM_ACCESS_CIRCUIT_BREAKER,default=true"`
	EnableRetry          bool `yaml:"enable_retry" env:"EVM_ACCESS_RETRY,default=true"`
	FailureThreshold     int  `yaml:"failure_threshold" env:"EVM_ACCESS_FAILURE_THRESHOLD,default=5"`
}

// TransactionConfig tunes the transaction path.
type TransactionConfig struct {
	EnableCache     bool `yaml:"enable_cache" env:"EVM_ACCESS_TX_CACHE,default=true"`
	CacheTTLSeconds int  `yaml:"cache_ttl_s" env:"EVM_ACCESS_TX_CACHE_TTL_S,default=60"`
	DefaultPageSize int  `yaml:"default_page_size" env:"EVM_ACCESS_TX_PAGE_SIZE,default=25"`
	MaxTransactions int  `yaml:"max_transactions" env:"EVM_ACCESS_TX_MAX,default=100"`
}

// WSConfig tunes WebSocket lifecycle timing, in milliseconds where noted.
type WSConfig struct {
	ReconnectBaseDelayMs int `yaml:"reconnect_base_delay_ms" env:"EVM_ACCESS_WS_RECONNECT_BASE_MS,default=1000"`
	ReconnectMaxDelayMs  int `yaml:"reconnect_max_delay_ms" env:"EVM_ACCESS_WS_RECONNECT_MAX_MS,default=30000"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" env:"EVM_ACCESS_WS_MAX_RECONNECTS,default=10"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms" env:"EVM_ACCESS_WS_HEARTBEAT_MS,default=30000"`
	PongTimeoutMs        int `yaml:"pong_timeout_ms" env:"EVM_ACCESS_WS_PONG_TIMEOUT_MS,default=5000"`
	ConnectionTimeoutMs  int `yaml:"connection_timeout_ms" env:"EVM_ACCESS_WS_CONNECT_TIMEOUT_MS,default=10000"`
}

// PollingConfig tunes HTTP polling mode.
type PollingConfig struct {
	PollIntervalMs       int `yaml:"default_poll_interval_ms" env:"EVM_ACCESS_POLL_INTERVAL_MS,default=30000"`
	WSRecoveryIntervalMs int `yaml:"ws_recovery_interval_ms" env:"EVM_ACCESS_WS_RECOVERY_MS,default=60000"`
}

// RateLimitConfig tunes the per-chain token bucket.
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity" env:"EVM_ACCESS_RATE_CAPACITY,default=20"`
	RefillPerSecond float64 `yaml:"refill_rate_per_s" env:"EVM_ACCESS_RATE_REFILL,default=10"`
	MaxWaitMs       int     `yaml:"max_wait_ms" env:"EVM_ACCESS_RATE_MAX_WAIT_MS,default=2000"`
}

// OpsConfig controls the optional health/metrics listener.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"EVM_ACCESS_OPS_ADDR"`
}

// DefaultConfig returns a config serving the preset chains.
func DefaultConfig() Config {
	return Config{
		Chains:      chains.Presets(),
		Environment: "production",
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		BalanceService: BalanceConfig{
			EnableCache:          true,
			CacheTTLSeconds:      30,
			EnableBatching:       true,
			BatchWindowMs:        50,
			MaxBatchSize:         25,
			EnableCircuitBreaker: true,
			EnableRetry:          true,
			FailureThreshold:     5,
		},
		Transactions: TransactionConfig{
			EnableCache:     true,
			CacheTTLSeconds: 60,
			DefaultPageSize: 25,
			MaxTransactions: 100,
		},
		WSConnection: WSConfig{
			ReconnectBaseDelayMs: 1000,
			ReconnectMaxDelayMs:  30000,
			MaxReconnectAttempts: 10,
			HeartbeatIntervalMs:  30000,
			PongTimeoutMs:        5000,
			ConnectionTimeoutMs:  10000,
		},
		Polling: PollingConfig{
			PollIntervalMs:       30000,
			WSRecoveryIntervalMs: 60000,
		},
		RateLimit: RateLimitConfig{
			Capacity:        20,
			RefillPerSecond: 10,
			MaxWaitMs:       2000,
		},
	}
}

// LoadFromEnv builds a config from environment variables on top of the
// defaults. Chains still come from presets unless a config file names them.
func LoadFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode errors only on missing required values; all of ours
		// carry defaults, so any failure is a malformed value.
		return Config{}, fmt.Errorf("decode env config: %w", err)
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = chains.Presets()
	}
	return cfg, nil
}

// LoadFromFile reads a YAML config file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Chains) == 0 {
		cfg.Chains = chains.Presets()
	}
	return cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
