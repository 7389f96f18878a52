// Package config loads engine configuration from an optional YAML file,
// a local .env file, and environment variables, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Google    GoogleConfig    `yaml:"google"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Demo      DemoConfig      `yaml:"demo"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	Env  string `yaml:"env"` // development | production
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment reports whether dev-only helpers and verbose logging
// should be enabled.
func (c ServerConfig) IsDevelopment() bool {
	return c.Env != "production"
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the queue and counter-store backend settings.
type RedisConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	QueuePrefix string `yaml:"queue_prefix"`
}

// Addr returns the Redis address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GoogleConfig holds OAuth credentials and the Pub/Sub push audience.
type GoogleConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	RedirectURI    string `yaml:"redirect_uri"`
	PubSubAudience string `yaml:"pubsub_audience"`
	PubSubTopic    string `yaml:"pubsub_topic"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-call Gmail API timeout.
func (c GoogleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrackingConfig holds the base URLs embedded in tracked emails.
type TrackingConfig struct {
	WebAppURL   string `yaml:"web_app_url"`
	TrackAPIURL string `yaml:"track_api_url"`
	TestEmail   string `yaml:"test_email"`
}

// BaseURL returns the URL tracking links are built against.
func (c TrackingConfig) BaseURL() string {
	if c.TrackAPIURL != "" {
		return c.TrackAPIURL
	}
	return c.WebAppURL
}

// SchedulerConfig holds sweeper and scheduler tunables.
type SchedulerConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	RetryDelayMinutes    int `yaml:"retry_delay_minutes"`
	EmailWorkers         int `yaml:"email_workers"`
}

// CheckInterval returns the sweeper tick interval.
func (c SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// RetryDelay returns the delay applied when a row errors during a sweep.
func (c SchedulerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMinutes) * time.Minute
}

// RateLimitConfig holds the per-scope send caps.
type RateLimitConfig struct {
	PerMinute             int `yaml:"per_minute"`
	PerHour               int `yaml:"per_hour"`
	PerDay                int `yaml:"per_day"`
	PerContactPerSequence int `yaml:"per_contact_per_sequence"`
	PerSequence           int `yaml:"per_sequence"`
}

// DemoConfig holds demo/bypass switches.
type DemoConfig struct {
	DemoMode            bool `yaml:"demo_mode"`
	BypassBusinessHours bool `yaml:"bypass_business_hours"`
}

// Load reads the YAML config file and applies defaults. A missing file is
// not an error; defaults are returned.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.QueuePrefix == "" {
		cfg.Redis.QueuePrefix = "coldjot"
	}
	if cfg.Google.TimeoutSeconds == 0 {
		cfg.Google.TimeoutSeconds = 30
	}
	if cfg.Scheduler.CheckIntervalSeconds == 0 {
		cfg.Scheduler.CheckIntervalSeconds = 30
	}
	if cfg.Scheduler.RetryDelayMinutes == 0 {
		cfg.Scheduler.RetryDelayMinutes = 5
	}
	if cfg.Scheduler.EmailWorkers == 0 {
		cfg.Scheduler.EmailWorkers = 4
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.PerHour == 0 {
		cfg.RateLimit.PerHour = 500
	}
	if cfg.RateLimit.PerDay == 0 {
		cfg.RateLimit.PerDay = 2000
	}
	if cfg.RateLimit.PerContactPerSequence == 0 {
		cfg.RateLimit.PerContactPerSequence = 3
	}
	if cfg.RateLimit.PerSequence == 0 {
		cfg.RateLimit.PerSequence = 1000
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	} else if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("QUEUE_PREFIX"); v != "" {
		cfg.Redis.QueuePrefix = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("GOOGLE_REDIRECT_URI"); v != "" {
		cfg.Google.RedirectURI = v
	}
	if v := os.Getenv("PUBSUB_AUDIENCE"); v != "" {
		cfg.Google.PubSubAudience = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		cfg.Google.PubSubTopic = v
	}
	if v := os.Getenv("WEB_APP_URL"); v != "" {
		cfg.Tracking.WebAppURL = v
	}
	if v := os.Getenv("TRACK_API_URL"); v != "" {
		cfg.Tracking.TrackAPIURL = v
	}
	if v := os.Getenv("TEST_EMAIL"); v != "" {
		cfg.Tracking.TestEmail = v
	}
	if v := os.Getenv("DEMO_MODE"); v != "" {
		cfg.Demo.DemoMode = v == "true" || v == "1"
	}
	if v := os.Getenv("BYPASS_BUSINESS_HOURS"); v != "" {
		cfg.Demo.BypassBusinessHours = v == "true" || v == "1"
	}

	return cfg, nil
}
