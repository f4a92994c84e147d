// Package config defines all configuration for the engine and gateway
// binaries. Config is loaded from a YAML file (default: configs/engine.yaml
// or configs/gateway.yaml) with sensitive fields overridable via VELOZ_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig is the top-level configuration for the engine binary.
type EngineConfig struct {
	Symbols  []string       `mapstructure:"symbols"`
	WAL      WALConfig      `mapstructure:"wal"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Adapter  AdapterConfig  `mapstructure:"adapter"`
	Sched    SchedConfig    `mapstructure:"sched"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// GatewayConfig is the top-level configuration for the gateway binary.
type GatewayConfig struct {
	Host          string            `mapstructure:"host"`
	Port          int               `mapstructure:"port"`
	EngineCommand []string          `mapstructure:"engine_command"`
	JWTSecret     string            `mapstructure:"jwt_secret"`
	TokenLifetime time.Duration     `mapstructure:"token_lifetime"`
	AdminPassword string            `mapstructure:"admin_password"`
	RateLimit     RateLimitConfig   `mapstructure:"rate_limit"`
	CORSOrigin    string            `mapstructure:"cors_origin"`
	AuditDir      string            `mapstructure:"audit_dir"`
	Broadcast     BroadcastConfig   `mapstructure:"broadcast"`
	Logging       LoggingConfig     `mapstructure:"logging"`
}

// WALConfig controls the order write-ahead log (C6).
type WALConfig struct {
	Dir               string        `mapstructure:"dir"`
	Prefix            string        `mapstructure:"prefix"`
	SyncOnWrite       bool          `mapstructure:"sync_on_write"`
	MaxFileSize       int64         `mapstructure:"max_file_size"`
	MaxFiles          int           `mapstructure:"max_files"`
	CheckpointInterval int          `mapstructure:"checkpoint_interval"`
}

// RiskConfig sets pre-trade check limits and circuit breaker parameters
// (C9).
type RiskConfig struct {
	MaxOrderNotional   float64       `mapstructure:"max_order_notional"`
	MaxPositionSize    float64       `mapstructure:"max_position_size"`
	MaxDailyLossPct    float64       `mapstructure:"max_daily_loss_pct"`
	MaxWeeklyLossPct   float64       `mapstructure:"max_weekly_loss_pct"`
	MaxOpenOrders      int           `mapstructure:"max_open_orders"`
	TripErrorCount     int           `mapstructure:"trip_error_count"`
	CooldownMs         int           `mapstructure:"cooldown_ms"`
	MaxCooldownMs      int           `mapstructure:"max_cooldown_ms"`
}

// AdapterConfig selects and configures the execution adapter variant
// (C7).
type AdapterConfig struct {
	Venue         string        `mapstructure:"venue"` // "simulator", "exchange_a", "exchange_b"
	BaseURL       string        `mapstructure:"base_url"`
	WSURL         string        `mapstructure:"ws_url"`
	PrivateKey    string        `mapstructure:"private_key"`
	ChainID       int64         `mapstructure:"chain_id"`
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// SchedConfig tunes the event loop / scheduler (C1).
type SchedConfig struct {
	HighPriorityBurst int `mapstructure:"high_priority_burst"` // N before draining lower queues
	TimerWheelSlots   int `mapstructure:"timer_wheel_slots"`
	TimerTickMs       int `mapstructure:"timer_tick_ms"`
}

// RateLimitConfig controls the gateway's token-bucket limiter (C13).
type RateLimitConfig struct {
	Capacity        float64       `mapstructure:"capacity"`
	RefillPerSecond float64       `mapstructure:"refill_per_second"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RedisAddr       string        `mapstructure:"redis_addr"` // empty = in-memory store
}

// BroadcastConfig controls the SSE broadcaster (C10).
type BroadcastConfig struct {
	HistorySize        int `mapstructure:"history_size"`
	SubscriberBufferLen int `mapstructure:"subscriber_buffer_len"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadEngine reads engine config from a YAML file with env var overrides.
func LoadEngine(path string) (*EngineConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if key := os.Getenv("VELOZ_PRIVATE_KEY"); key != "" {
		cfg.Adapter.PrivateKey = key
	}
	if key := os.Getenv("VELOZ_API_KEY"); key != "" {
		cfg.Adapter.APIKey = key
	}
	if secret := os.Getenv("VELOZ_API_SECRET"); secret != "" {
		cfg.Adapter.APISecret = secret
	}
	return &cfg, nil
}

// Validate checks all required engine fields and value ranges.
func (c *EngineConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols is required (at least one)")
	}
	if c.WAL.Dir == "" {
		return fmt.Errorf("wal.dir is required")
	}
	if c.WAL.MaxFileSize <= 0 {
		return fmt.Errorf("wal.max_file_size must be > 0")
	}
	if c.WAL.MaxFiles <= 0 {
		return fmt.Errorf("wal.max_files must be > 0")
	}
	if c.WAL.CheckpointInterval <= 0 {
		return fmt.Errorf("wal.checkpoint_interval must be > 0")
	}
	switch c.Adapter.Venue {
	case "simulator", "exchange_a", "exchange_b":
	default:
		return fmt.Errorf("adapter.venue must be one of: simulator, exchange_a, exchange_b")
	}
	if c.Adapter.Venue != "simulator" && c.Adapter.BaseURL == "" {
		return fmt.Errorf("adapter.base_url is required for venue %q", c.Adapter.Venue)
	}
	if c.Risk.MaxOrderNotional <= 0 {
		return fmt.Errorf("risk.max_order_notional must be > 0")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.TripErrorCount <= 0 {
		return fmt.Errorf("risk.trip_error_count must be > 0")
	}
	if c.Risk.CooldownMs <= 0 {
		return fmt.Errorf("risk.cooldown_ms must be > 0")
	}
	return nil
}

// LoadGateway reads gateway config from a YAML file with env var overrides.
func LoadGateway(path string) (*GatewayConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if secret := os.Getenv("VELOZ_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if pass := os.Getenv("VELOZ_ADMIN_PASSWORD"); pass != "" {
		cfg.AdminPassword = pass
	}
	return &cfg, nil
}

// Validate checks all required gateway fields. In production (VELOZ_ENV=prod)
// missing security-sensitive fields are fatal; the caller exits 2.
func (c *GatewayConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port is required")
	}
	if len(c.EngineCommand) == 0 {
		return fmt.Errorf("engine_command is required")
	}
	if os.Getenv("VELOZ_ENV") == "prod" {
		if c.JWTSecret == "" {
			return fmt.Errorf("jwt_secret is required (set VELOZ_JWT_SECRET) in production")
		}
		if c.AdminPassword == "" {
			return fmt.Errorf("admin_password is required (set VELOZ_ADMIN_PASSWORD) in production")
		}
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be > 0")
	}
	if c.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate_limit.refill_per_second must be > 0")
	}
	if c.Broadcast.HistorySize <= 0 {
		return fmt.Errorf("broadcast.history_size must be > 0")
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VELOZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
