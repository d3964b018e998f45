package realtime

import (
	"fmt"
	"time"
)

// Config holds channel client configuration
type Config struct {
	// Connection settings
	URL    string `json:"url" validate:"required,url"`
	APIKey string `json:"api_key"`
	Topic  string `json:"topic" validate:"required"`

	ConnectTimeout   time.Duration `json:"connect_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`

	// Buffer settings
	ReadBufferSize  int   `json:"read_buffer_size"`
	WriteBufferSize int   `json:"write_buffer_size"`
	MaxMessageSize  int64 `json:"max_message_size"`

	// Timing settings
	WriteTimeout      time.Duration `json:"write_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`

	// Circuit breaker settings for the dial path
	BreakerThreshold uint32        `json:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    30 * time.Second,
		HandshakeTimeout:  45 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MaxMessageSize:    1024 * 1024, // 1MB
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		BreakerThreshold:  5,
		BreakerCooldown:   30 * time.Second,
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaults.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaults.WriteBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = defaults.BreakerThreshold
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = defaults.BreakerCooldown
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL is required")
	}

	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}

	return nil
}
