package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Modbus    ModbusConfig    `yaml:"modbus"`
	Polling   PollingConfig   `yaml:"polling"`
	Commands  CommandsConfig  `yaml:"commands"`
	Alarms    AlarmsConfig    `yaml:"alarms"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// URL is a lib/pq connection string. Empty means in-memory store (dev).
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	// Addr is optional; when set the rate limiter is backed by Redis so
	// limits hold across gateway instances.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ModbusConfig struct {
	TimeoutS    float64 `yaml:"timeout_s"`
	Retries     int     `yaml:"retries"`
	BackoffS    float64 `yaml:"backoff_s"`
	MaxBackoffS float64 `yaml:"max_backoff_s"`
}

type PollingConfig struct {
	IntervalS float64 `yaml:"interval_s"`
	// MaxBlockRegs / MaxGapRegs bound the block planner: a read block never
	// exceeds MaxBlockRegs registers and never bridges a gap wider than
	// MaxGapRegs registers.
	MaxBlockRegs int `yaml:"max_block_regs"`
	MaxGapRegs   int `yaml:"max_gap_regs"`
	// RealExtraOffset preserves the legacy decoder behavior of reading REAL
	// values one register past the configured address. Deployments whose PLC
	// programs were written without the quirk set this to 0.
	RealExtraOffset int `yaml:"real_extra_offset"`
}

type CommandsConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	BackoffS           float64 `yaml:"backoff_s"`
	RateLimitPerMinute int     `yaml:"rate_limit_per_minute"`
}

type AlarmsConfig struct {
	DigitalBitMax int `yaml:"digital_bit_max"`
}

type WebSocketConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Durations derived from the float knobs. YAML keeps the *_s form the
// operations team already uses; code works in time.Duration.

func (m ModbusConfig) Timeout() time.Duration    { return secs(m.TimeoutS) }
func (m ModbusConfig) Backoff() time.Duration    { return secs(m.BackoffS) }
func (m ModbusConfig) MaxBackoff() time.Duration { return secs(m.MaxBackoffS) }
func (p PollingConfig) Interval() time.Duration  { return secs(p.IntervalS) }
func (c CommandsConfig) Backoff() time.Duration  { return secs(c.BackoffS) }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Database: DatabaseConfig{MaxOpenConns: 10},
		Modbus: ModbusConfig{
			TimeoutS:    3.0,
			Retries:     2,
			BackoffS:    0.2,
			MaxBackoffS: 2.0,
		},
		Polling: PollingConfig{
			IntervalS:       1.0,
			MaxBlockRegs:    100,
			MaxGapRegs:      2,
			RealExtraOffset: 1,
		},
		Commands: CommandsConfig{
			MaxRetries:         2,
			BackoffS:           0.25,
			RateLimitPerMinute: 30,
		},
		Alarms: AlarmsConfig{DigitalBitMax: 15},
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.fillDefaults()

	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if c.Modbus.TimeoutS == 0 {
		c.Modbus.TimeoutS = d.Modbus.TimeoutS
	}
	if c.Modbus.BackoffS == 0 {
		c.Modbus.BackoffS = d.Modbus.BackoffS
	}
	if c.Modbus.MaxBackoffS == 0 {
		c.Modbus.MaxBackoffS = d.Modbus.MaxBackoffS
	}
	if c.Polling.IntervalS == 0 {
		c.Polling.IntervalS = d.Polling.IntervalS
	}
	if c.Polling.MaxBlockRegs == 0 {
		c.Polling.MaxBlockRegs = d.Polling.MaxBlockRegs
	}
	if c.Commands.BackoffS == 0 {
		c.Commands.BackoffS = d.Commands.BackoffS
	}
	if c.Commands.RateLimitPerMinute == 0 {
		c.Commands.RateLimitPerMinute = d.Commands.RateLimitPerMinute
	}
	if c.Alarms.DigitalBitMax == 0 {
		c.Alarms.DigitalBitMax = d.Alarms.DigitalBitMax
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = d.Database.MaxOpenConns
	}
}
