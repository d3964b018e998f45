package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RealtimeConfig represents channel endpoint configuration
type RealtimeConfig struct {
	URL    string `mapstructure:"url" validate:"required,url"`
	APIKey string `mapstructure:"api_key"`
	Topic  string `mapstructure:"topic" validate:"required"`
}

// ReconnectConfig represents retry loop tuning
type ReconnectConfig struct {
	MaxAttempts         int     `mapstructure:"max_attempts" validate:"gte=0"` // 0 = unbounded
	InitialDelayMS      int     `mapstructure:"initial_delay_ms" validate:"gt=0"`
	MaxDelayMS          int     `mapstructure:"max_delay_ms" validate:"gt=0"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier" validate:"gte=1"`
	EnableHeartbeat     bool    `mapstructure:"enable_heartbeat"`
	HeartbeatIntervalMS int     `mapstructure:"heartbeat_interval_ms" validate:"gt=0"`
}

// ProbeConfig represents network connectivity probing
type ProbeConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Target     string `mapstructure:"target"`
	IntervalMS int    `mapstructure:"interval_ms" validate:"gt=0"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path" validate:"required"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if config.Reconnect.MaxDelayMS < config.Reconnect.InitialDelayMS {
		return nil, fmt.Errorf("invalid configuration: max_delay_ms must not be below initial_delay_ms")
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Realtime defaults
	v.SetDefault("realtime.url", "wss://localhost:4000/socket/websocket")
	v.SetDefault("realtime.api_key", "")
	v.SetDefault("realtime.topic", "updates:all")

	// Reconnect defaults
	v.SetDefault("reconnect.max_attempts", 0)
	v.SetDefault("reconnect.initial_delay_ms", 1000)
	v.SetDefault("reconnect.max_delay_ms", 30000)
	v.SetDefault("reconnect.backoff_multiplier", 2)
	v.SetDefault("reconnect.enable_heartbeat", true)
	v.SetDefault("reconnect.heartbeat_interval_ms", 30000)

	// Probe defaults
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.target", "1.1.1.1:443")
	v.SetDefault("probe.interval_ms", 10000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}
