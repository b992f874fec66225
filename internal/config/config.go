// Package config loads funnel-goat settings. Values come from defaults, then
// an optional YAML file, then FG_* environment variables. CLI flags are
// applied last by the commands themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gkobilansky/funnel-goat/internal/collector"
	"github.com/gkobilansky/funnel-goat/internal/persist"
)

type Config struct {
	Server ServerConfig        `yaml:"server"`
	Client ClientConfig        `yaml:"client"`
	Redis  persist.RedisConfig `yaml:"redis"`
	Log    LogConfig           `yaml:"log"`
	Goals  GoalsConfig         `yaml:"goals"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	DBPath     string `yaml:"db_path"`
	AdminToken string `yaml:"admin_token"`
	// TokenFile defaults to .fg-token next to the database.
	TokenFile     string  `yaml:"token_file"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
	Alpha         float64 `yaml:"alpha"`
}

type ClientConfig struct {
	ServerURL       string        `yaml:"server_url"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	OfflineQueueCap int           `yaml:"offline_queue_cap"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GoalsConfig struct {
	File string `yaml:"file"`
}

func Default() *Config {
	cc := collector.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			DBPath:        "./fg.db",
			RatePerSecond: 20,
			RateBurst:     40,
			Alpha:         0.05,
		},
		Client: ClientConfig{
			ServerURL:       "http://localhost:8080",
			BatchSize:       cc.BatchSize,
			FlushInterval:   cc.FlushInterval,
			OfflineQueueCap: cc.OfflineCap,
			RequestTimeout:  cc.RequestTimeout,
		},
		Redis: persist.DefaultRedisConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. A missing file is an error only when path was given.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.DBPath = getEnvOrDefault("FG_DB_PATH", c.Server.DBPath)
	c.Server.AdminToken = getEnvOrDefault("FG_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.TokenFile = getEnvOrDefault("FG_TOKEN_FILE", c.Server.TokenFile)
	c.Client.ServerURL = getEnvOrDefault("FG_SERVER_URL", c.Client.ServerURL)
	c.Redis.Addr = getEnvOrDefault("FG_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("FG_REDIS_PASSWORD", c.Redis.Password)
	c.Log.Level = getEnvOrDefault("FG_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("FG_LOG_FORMAT", c.Log.Format)
	c.Goals.File = getEnvOrDefault("FG_GOALS_FILE", c.Goals.File)

	var errs []error
	if v := os.Getenv("FG_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FG_PORT: %w", err))
		} else {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("FG_ALPHA"); v != "" {
		a, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FG_ALPHA: %w", err))
		} else {
			c.Server.Alpha = a
		}
	}
	if v := os.Getenv("FG_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FG_BATCH_SIZE: %w", err))
		} else {
			c.Client.BatchSize = n
		}
	}
	if v := os.Getenv("FG_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FG_FLUSH_INTERVAL: %w", err))
		} else {
			c.Client.FlushInterval = d
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if c.Server.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Server.Alpha <= 0 || c.Server.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("alpha must be within (0, 1), got %v", c.Server.Alpha))
	}
	if c.Client.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.Client.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.Client.OfflineQueueCap <= 0 {
		errs = append(errs, errors.New("offline_queue_cap must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// CollectorConfig maps the client section onto a collector config aimed at
// the configured server.
func (c *Config) CollectorConfig(events, conversions, errs string) collector.Config {
	cc := collector.DefaultConfig()
	cc.EventsURL = events
	cc.ConversionsURL = conversions
	cc.ErrorsURL = errs
	cc.BatchSize = c.Client.BatchSize
	cc.FlushInterval = c.Client.FlushInterval
	cc.RequestTimeout = c.Client.RequestTimeout
	cc.OfflineCap = c.Client.OfflineQueueCap
	return cc
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
