package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oakline/tradegate/internal/gateway"
)

// Config is the complete engine configuration, loaded from YAML.
type Config struct {
	Database   DatabaseConfig `yaml:"database"`
	Gateway    GatewayConfig  `yaml:"gateway"`
	MarketData EndpointConfig `yaml:"market_data"`
	Currency   EndpointConfig `yaml:"currency"`
	Server     ServerConfig   `yaml:"server"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// GatewayConfig configures the resilient data gateway. Durations are in
// milliseconds in the file.
type GatewayConfig struct {
	CallTimeoutMS    int `yaml:"call_timeout_ms"`
	MaxRetries       int `yaml:"max_retries"`
	BackoffBaseMS    int `yaml:"backoff_base_ms"`
	BackoffMaxMS     int `yaml:"backoff_max_ms"`
	InstrumentTTLSec int `yaml:"instrument_ttl_secs"`
	CurrencyTTLSec   int `yaml:"currency_ttl_secs"`
	StaticRateTTLSec int `yaml:"static_rate_ttl_secs"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSec      int `yaml:"cooldown_secs"`
}

// EndpointConfig configures one external HTTP dependency.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	RPS     int    `yaml:"rps"`
	Burst   int    `yaml:"burst"`
}

// ServerConfig configures the decision API listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the documented defaults. A config file overrides fields
// selectively.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			MaxOpenConns:   10,
			MaxIdleConns:   5,
			QueryTimeoutMS: 30000,
		},
		Gateway: GatewayConfig{
			CallTimeoutMS:    5000,
			MaxRetries:       2,
			BackoffBaseMS:    400,
			BackoffMaxMS:     5000,
			InstrumentTTLSec: 600,
			CurrencyTTLSec:   600,
			StaticRateTTLSec: 120,
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				CooldownSec:      60,
			},
		},
		MarketData: EndpointConfig{RPS: 10, Burst: 20},
		Currency:   EndpointConfig{RPS: 5, Burst: 10},
		Server:     ServerConfig{Addr: ":8080"},
	}
}

// Load reads configuration from path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Gateway.CallTimeoutMS <= 0 {
		return fmt.Errorf("gateway call_timeout_ms must be positive, got %d", c.Gateway.CallTimeoutMS)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway max_retries cannot be negative, got %d", c.Gateway.MaxRetries)
	}
	if c.Gateway.BackoffBaseMS <= 0 || c.Gateway.BackoffMaxMS < c.Gateway.BackoffBaseMS {
		return fmt.Errorf("gateway backoff range invalid: base=%dms max=%dms",
			c.Gateway.BackoffBaseMS, c.Gateway.BackoffMaxMS)
	}
	if c.Gateway.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive, got %d", c.Gateway.Breaker.FailureThreshold)
	}
	if c.Gateway.Breaker.CooldownSec <= 0 {
		return fmt.Errorf("breaker cooldown_secs must be positive, got %d", c.Gateway.Breaker.CooldownSec)
	}
	if c.Database.MaxOpenConns <= 0 || c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database pool sizes invalid: open=%d idle=%d",
			c.Database.MaxOpenConns, c.Database.MaxIdleConns)
	}
	return nil
}

// QueryTimeout returns the database statement timeout.
func (c *DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// GatewayConfig converts the file representation into the gateway's
// runtime configuration.
func (c *GatewayConfig) GatewayConfig() gateway.Config {
	return gateway.Config{
		CallTimeout:   time.Duration(c.CallTimeoutMS) * time.Millisecond,
		MaxRetries:    c.MaxRetries,
		BackoffBase:   time.Duration(c.BackoffBaseMS) * time.Millisecond,
		BackoffMax:    time.Duration(c.BackoffMaxMS) * time.Millisecond,
		InstrumentTTL: time.Duration(c.InstrumentTTLSec) * time.Second,
		CurrencyTTL:   time.Duration(c.CurrencyTTLSec) * time.Second,
		StaticRateTTL: time.Duration(c.StaticRateTTLSec) * time.Second,
		Breaker: gateway.BreakerConfig{
			FailureThreshold: uint32(c.Breaker.FailureThreshold),
			Cooldown:         time.Duration(c.Breaker.CooldownSec) * time.Second,
		},
	}
}
