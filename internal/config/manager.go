package config

import (
	"os"
	"strconv"
)

// Manager resolves the effective configuration: file values with environment
// overrides applied on top. Deployments set a handful of env vars instead of
// shipping a full file; the overrides cover exactly those.
type Manager struct {
	cfg *Config
}

// NewManager loads the config file (optional) and applies env overrides.
func NewManager(path string) (*Manager, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnv(cfg)
	return &Manager{cfg: cfg}, nil
}

// Get returns the effective configuration.
func (m *Manager) Get() *Config {
	return m.cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("GATEWAY_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("GATEWAY_POLL_INTERVAL_S"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Polling.IntervalS = f
		}
	}
	if v := os.Getenv("GATEWAY_REAL_EXTRA_OFFSET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Polling.RealExtraOffset = n
		}
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Commands.RateLimitPerMinute = n
		}
	}
}
