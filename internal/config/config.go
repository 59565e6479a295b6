// Package config loads PointSwap settings from the environment.
package config

import (
	"PointSwap/internal/allocation"
	"PointSwap/internal/match"
	"PointSwap/internal/session"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration. Engine durations are whole
// seconds; each second is one logical tick.
type Config struct {
	// Engine
	MinUnit            int64         `env:"POINTSWAP_MIN_UNIT"             envDefault:"10000"`
	MatchDelay         time.Duration `env:"POINTSWAP_MATCH_DELAY"          envDefault:"3s"`
	TradingDelay       time.Duration `env:"POINTSWAP_TRADING_DELAY"        envDefault:"0s"`
	SellerSearchWindow time.Duration `env:"POINTSWAP_SELLER_SEARCH_WINDOW" envDefault:"600s"`
	BuyerSearchWindow  time.Duration `env:"POINTSWAP_BUYER_SEARCH_WINDOW"  envDefault:"300s"`
	ConfirmTimeout     time.Duration `env:"POINTSWAP_CONFIRM_TIMEOUT"      envDefault:"180s"`
	DepositTimeout     time.Duration `env:"POINTSWAP_DEPOSIT_TIMEOUT"      envDefault:"0s"`
	Allocation         string        `env:"POINTSWAP_ALLOCATION"           envDefault:"continuous"`

	// Loop
	TickInterval        time.Duration `env:"POINTSWAP_TICK_INTERVAL"             envDefault:"1s"`
	CommandBuffer       int           `env:"POINTSWAP_COMMAND_BUFFER"            envDefault:"1024"`
	EventBuffer         int           `env:"POINTSWAP_EVENT_BUFFER"              envDefault:"4096"`
	IdempotencyCapacity int           `env:"POINTSWAP_IDEMPOTENCY_LRU_CAPACITY"  envDefault:"100000"`

	// Transport; empty disables the integration
	NATSURL     string `env:"POINTSWAP_NATS_URL"`
	PostgresDSN string `env:"POINTSWAP_POSTGRES_DSN"`

	GRPCAddr    string `env:"POINTSWAP_GRPC_ADDR"    envDefault:":9090"`
	HTTPAddr    string `env:"POINTSWAP_HTTP_ADDR"    envDefault:":8080"`
	MetricsAddr string `env:"POINTSWAP_METRICS_ADDR" envDefault:":9091"`

	// Audit trail
	AuditBatchSize     int           `env:"POINTSWAP_AUDIT_BATCH_SIZE"     envDefault:"50"`
	AuditFlushInterval time.Duration `env:"POINTSWAP_AUDIT_FLUSH_INTERVAL" envDefault:"100ms"`
	MigrationsDir      string        `env:"POINTSWAP_MIGRATIONS_DIR"       envDefault:"migrations"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses an explicit environment instead of the process one.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type bound struct {
	name     string
	value    time.Duration
	min, max time.Duration
}

// Validate enforces the accepted range of every setting.
func (c Config) Validate() error {
	var errs []error

	if c.MinUnit < 1 {
		errs = append(errs, fmt.Errorf("POINTSWAP_MIN_UNIT must be >= 1, got %d", c.MinUnit))
	}

	bounds := []bound{
		{"POINTSWAP_MATCH_DELAY", c.MatchDelay, time.Second, time.Minute},
		{"POINTSWAP_TRADING_DELAY", c.TradingDelay, 0, time.Minute},
		{"POINTSWAP_SELLER_SEARCH_WINDOW", c.SellerSearchWindow, 30 * time.Second, time.Hour},
		{"POINTSWAP_BUYER_SEARCH_WINDOW", c.BuyerSearchWindow, 30 * time.Second, time.Hour},
		{"POINTSWAP_CONFIRM_TIMEOUT", c.ConfirmTimeout, 10 * time.Second, 10 * time.Minute},
	}
	if c.DepositTimeout != 0 {
		bounds = append(bounds, bound{"POINTSWAP_DEPOSIT_TIMEOUT", c.DepositTimeout, 30 * time.Second, time.Hour})
	}
	for _, b := range bounds {
		if b.value%time.Second != 0 {
			errs = append(errs, fmt.Errorf("%s must be whole seconds, got %s", b.name, b.value))
			continue
		}
		if b.value < b.min || b.value > b.max {
			errs = append(errs, fmt.Errorf("%s must be within [%s, %s], got %s", b.name, b.min, b.max, b.value))
		}
	}

	if c.TickInterval < 10*time.Millisecond || c.TickInterval > 10*time.Second {
		errs = append(errs, fmt.Errorf("POINTSWAP_TICK_INTERVAL must be within [10ms, 10s], got %s", c.TickInterval))
	}
	if _, err := allocation.ParseStrategy(c.Allocation); err != nil {
		errs = append(errs, fmt.Errorf("POINTSWAP_ALLOCATION: %w", err))
	}
	if c.CommandBuffer < 1 || c.CommandBuffer > 65536 {
		errs = append(errs, fmt.Errorf("POINTSWAP_COMMAND_BUFFER must be within [1, 65536], got %d", c.CommandBuffer))
	}
	if c.EventBuffer < 1 || c.EventBuffer > 65536 {
		errs = append(errs, fmt.Errorf("POINTSWAP_EVENT_BUFFER must be within [1, 65536], got %d", c.EventBuffer))
	}
	if c.IdempotencyCapacity < 1 {
		errs = append(errs, fmt.Errorf("POINTSWAP_IDEMPOTENCY_LRU_CAPACITY must be >= 1, got %d", c.IdempotencyCapacity))
	}
	if c.AuditBatchSize < 1 {
		errs = append(errs, fmt.Errorf("POINTSWAP_AUDIT_BATCH_SIZE must be >= 1, got %d", c.AuditBatchSize))
	}
	if c.AuditFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("POINTSWAP_AUDIT_FLUSH_INTERVAL must be positive, got %s", c.AuditFlushInterval))
	}

	return errors.Join(errs...)
}

// Timing converts the lifecycle durations to ticks.
func (c Config) Timing() match.Timing {
	return match.Timing{
		MatchDelay:     ticks(c.MatchDelay),
		TradingDelay:   ticks(c.TradingDelay),
		ConfirmTimeout: ticks(c.ConfirmTimeout),
		DepositTimeout: ticks(c.DepositTimeout),
	}
}

// Windows converts the search windows to ticks.
func (c Config) Windows() session.Windows {
	return session.Windows{
		Seller: ticks(c.SellerSearchWindow),
		Buyer:  ticks(c.BuyerSearchWindow),
	}
}

func ticks(d time.Duration) int64 {
	return int64(d / time.Second)
}
