package reconnect

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/backtesting-org/realtime-reconnect/pkg/metrics"
	"github.com/backtesting-org/realtime-reconnect/pkg/netmon"
)

// Config holds reconnection manager configuration. Build it from
// DefaultConfig and override what you need; the callbacks are the contract
// between the manager and the owning application.
type Config struct {
	// OnReconnect rebuilds the subscription. It is invoked fire-and-forget:
	// the manager learns about success or failure only through a later
	// HandleStatusChange call.
	OnReconnect func() `validate:"required"`

	// OnDisconnect is invoked at most once per disconnect episode.
	OnDisconnect func()

	// OnReconnecting is invoked with the attempt number before each attempt.
	OnReconnecting func(attempt int)

	// Retry settings
	MaxAttempts       int           `json:"max_attempts"` // 0 means unbounded
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`

	// Heartbeat settings. The heartbeat is on by default, so a zero-value
	// Config gets staleness detection; set DisableHeartbeat to opt out.
	DisableHeartbeat  bool          `json:"disable_heartbeat"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// Monitor supplies online/offline transitions. Nil means the manager
	// assumes the host is always online.
	Monitor netmon.Monitor

	// Metrics receives lifecycle counters. Nil disables collection.
	Metrics metrics.Metrics

	// Logger for structured diagnostics. Nil disables logging.
	Logger *zap.Logger

	// Clock drives all timers. Nil means the wall clock; tests inject a mock.
	Clock clock.Clock
}

// DefaultConfig returns a configuration with sensible defaults. OnReconnect
// must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       0,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		HeartbeatInterval: 30 * time.Second,
	}
}

// ApplyDefaults fills in missing values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.InitialDelay == 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.OnReconnect == nil {
		return fmt.Errorf("OnReconnect callback is required")
	}

	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative")
	}

	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive")
	}

	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay must not be below initial delay")
	}

	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}

	if !c.DisableHeartbeat && c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive when heartbeat is enabled")
	}

	return nil
}
