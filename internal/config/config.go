// Package config loads the printwatch YAML configuration and the secrets
// that are kept out of it.
//
// Durations are configured in whole seconds, matching the option names used
// by operators (tick_interval_seconds, matching_window_seconds, ...). The
// accessor methods convert them to time.Duration for the components.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables carrying vendor account secrets.
const (
	EnvCloudPassword     = "PRINTWATCH_CLOUD_PASSWORD"
	EnvCloudCode         = "PRINTWATCH_CLOUD_CODE"
	EnvCloudToken        = "PRINTWATCH_CLOUD_TOKEN"
	EnvCloudRefreshToken = "PRINTWATCH_CLOUD_REFRESH_TOKEN"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/printwatch.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete printwatch configuration.
type Config struct {
	Loop struct {
		TickIntervalSeconds   int `yaml:"tick_interval_seconds"`
		TickTimeoutSeconds    int `yaml:"tick_timeout_seconds"`
		MatchingWindowSeconds int `yaml:"matching_window_seconds"`
		ToleranceSeconds      int `yaml:"tolerance_seconds"`
		GracePeriodSeconds    int `yaml:"grace_period_seconds"`
		StaleRetentionSeconds int `yaml:"stale_retention_seconds"`
		OfflineAfterSeconds   int `yaml:"offline_after_seconds"`
		DeviceRefreshSeconds  int `yaml:"device_refresh_seconds"`
		TelemetryBuffer       int `yaml:"telemetry_buffer"`
	} `yaml:"loop"`

	Quota struct {
		DefaultQuotaGrams float64  `yaml:"default_quota_grams"`
		ExemptUsers       []string `yaml:"exempt_users"`
		ExemptFile        string   `yaml:"exempt_file"`
		Period            string   `yaml:"period"` // quarter | month
	} `yaml:"quota"`

	Store struct {
		Path     string `yaml:"path"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"store"`

	Cloud struct {
		BaseURL               string `yaml:"base_url"`
		AuthURL               string `yaml:"auth_url"`
		Email                 string `yaml:"email"`
		TokenFile             string `yaml:"token_file"`
		RefreshCheckSeconds   int    `yaml:"refresh_check_seconds"`
		RefreshMarginSeconds  int    `yaml:"refresh_margin_seconds"`
		BackoffInitialSeconds int    `yaml:"backoff_initial_seconds"`
		BackoffMaxSeconds     int    `yaml:"backoff_max_seconds"`
		MaxRefreshFailures    int    `yaml:"max_refresh_failures"`
		RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
		TaskLimit             int    `yaml:"task_limit"`
	} `yaml:"cloud"`

	MQTT struct {
		Broker                string `yaml:"broker"`
		ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
		ClientIDPrefix        string `yaml:"client_id_prefix"`
	} `yaml:"mqtt"`

	Feed struct {
		SpreadsheetID   string `yaml:"spreadsheet_id"`
		SheetName       string `yaml:"sheet_name"`
		CredentialsFile string `yaml:"credentials_file"`
		Endpoint        string `yaml:"endpoint"`
		EmailDomain     string `yaml:"email_domain"`
		TimestampLayout string `yaml:"timestamp_layout"`
		TimeZone        string `yaml:"time_zone"`
	} `yaml:"feed"`

	Notify struct {
		AMQPURL    string `yaml:"amqp_url"`
		Exchange   string `yaml:"exchange"`
		RoutingKey string `yaml:"routing_key"`
	} `yaml:"notify"`

	Snapshot struct {
		Path       string `yaml:"path"`
		EveryTicks int    `yaml:"every_ticks"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`
}

// Secrets are the vendor account credentials read from the environment.
type Secrets struct {
	Password     string
	Code         string
	Token        string
	RefreshToken string
}

// Default returns a Config populated with every default value.
func Default() *Config {
	var cfg Config

	cfg.Loop.TickIntervalSeconds = 10
	cfg.Loop.TickTimeoutSeconds = 30
	cfg.Loop.MatchingWindowSeconds = 600
	cfg.Loop.ToleranceSeconds = 60
	cfg.Loop.GracePeriodSeconds = 120
	cfg.Loop.StaleRetentionSeconds = 0
	cfg.Loop.OfflineAfterSeconds = 120
	cfg.Loop.DeviceRefreshSeconds = 300
	cfg.Loop.TelemetryBuffer = 256

	cfg.Quota.DefaultQuotaGrams = 1000
	cfg.Quota.Period = "quarter"

	cfg.Store.Path = "data/printwatch.db"
	cfg.Store.PoolSize = 4

	cfg.Cloud.BaseURL = "https://api.bambulab.com"
	cfg.Cloud.AuthURL = "https://bambulab.com"
	cfg.Cloud.TokenFile = "data/cloud_token.json"
	cfg.Cloud.RefreshCheckSeconds = 30
	cfg.Cloud.RefreshMarginSeconds = 60
	cfg.Cloud.BackoffInitialSeconds = 5
	cfg.Cloud.BackoffMaxSeconds = 300
	cfg.Cloud.MaxRefreshFailures = 5
	cfg.Cloud.RequestTimeoutSeconds = 15
	cfg.Cloud.TaskLimit = 20

	cfg.MQTT.Broker = "ssl://us.mqtt.bambulab.com:8883"
	cfg.MQTT.ConnectTimeoutSeconds = 10
	cfg.MQTT.ClientIDPrefix = "printwatch"

	cfg.Feed.SheetName = "Form Responses 1"
	cfg.Feed.TimestampLayout = "01/02/2006 15:04:05"
	cfg.Feed.TimeZone = "Local"

	cfg.Notify.Exchange = "printwatch"
	cfg.Notify.RoutingKey = "jobs"

	cfg.Snapshot.Path = "data/status.json"
	cfg.Snapshot.EveryTicks = 6

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.API.Addr = ":8080"
	cfg.Admin.Addr = ":50051"

	return &cfg
}

// Load reads the YAML file at path over the defaults and validates the
// result. Keys absent from the file keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Quota.ExemptFile != "" {
		users, err := loadExemptFile(cfg.Quota.ExemptFile)
		if err != nil {
			return nil, err
		}
		cfg.Quota.ExemptUsers = append(cfg.Quota.ExemptUsers, users...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadExemptFile reads a JSON array of user identifiers.
func loadExemptFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exempt file: %w", err)
	}
	var users []string
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("failed to parse exempt file: %w", err)
	}
	return users, nil
}

// Validate checks the loop parameters and storage settings.
func (c *Config) Validate() error {
	switch {
	case c.Loop.TickIntervalSeconds <= 0:
		return fmt.Errorf("%w: loop.tick_interval_seconds must be positive", ErrInvalid)
	case c.Loop.TickTimeoutSeconds <= 0:
		return fmt.Errorf("%w: loop.tick_timeout_seconds must be positive", ErrInvalid)
	case c.Loop.MatchingWindowSeconds <= 0:
		return fmt.Errorf("%w: loop.matching_window_seconds must be positive", ErrInvalid)
	case c.Loop.ToleranceSeconds < 0:
		return fmt.Errorf("%w: loop.tolerance_seconds must not be negative", ErrInvalid)
	case c.Loop.ToleranceSeconds >= c.Loop.MatchingWindowSeconds:
		return fmt.Errorf("%w: loop.tolerance_seconds must be smaller than the matching window", ErrInvalid)
	case c.Loop.GracePeriodSeconds < 0:
		return fmt.Errorf("%w: loop.grace_period_seconds must not be negative", ErrInvalid)
	case c.Loop.StaleRetentionSeconds < 0:
		return fmt.Errorf("%w: loop.stale_retention_seconds must not be negative", ErrInvalid)
	case c.Loop.OfflineAfterSeconds <= 0:
		return fmt.Errorf("%w: loop.offline_after_seconds must be positive", ErrInvalid)
	case c.Loop.DeviceRefreshSeconds <= 0:
		return fmt.Errorf("%w: loop.device_refresh_seconds must be positive", ErrInvalid)
	case c.Loop.TelemetryBuffer <= 0:
		return fmt.Errorf("%w: loop.telemetry_buffer must be positive", ErrInvalid)
	case c.Quota.DefaultQuotaGrams < 0:
		return fmt.Errorf("%w: quota.default_quota_grams must not be negative", ErrInvalid)
	case c.Quota.Period != "quarter" && c.Quota.Period != "month":
		return fmt.Errorf("%w: quota.period must be quarter or month, got %q", ErrInvalid, c.Quota.Period)
	case strings.TrimSpace(c.Store.Path) == "":
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	case c.Store.PoolSize <= 0:
		return fmt.Errorf("%w: store.pool_size must be positive", ErrInvalid)
	}
	if c.Feed.TimeZone != "" {
		if _, err := time.LoadLocation(c.Feed.TimeZone); err != nil {
			return fmt.Errorf("%w: feed.time_zone: %v", ErrInvalid, err)
		}
	}
	return nil
}

// LoadSecrets loads an optional .env file and reads the vendor secrets from
// the environment. A missing .env file is not an error; variables already
// set in the environment take precedence over the file.
func LoadSecrets(envFile string) (Secrets, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Secrets{}, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	return Secrets{
		Password:     os.Getenv(EnvCloudPassword),
		Code:         os.Getenv(EnvCloudCode),
		Token:        os.Getenv(EnvCloudToken),
		RefreshToken: os.Getenv(EnvCloudRefreshToken),
	}, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) TickInterval() time.Duration   { return seconds(c.Loop.TickIntervalSeconds) }
func (c *Config) TickTimeout() time.Duration    { return seconds(c.Loop.TickTimeoutSeconds) }
func (c *Config) MatchingWindow() time.Duration { return seconds(c.Loop.MatchingWindowSeconds) }
func (c *Config) Tolerance() time.Duration      { return seconds(c.Loop.ToleranceSeconds) }
func (c *Config) GracePeriod() time.Duration    { return seconds(c.Loop.GracePeriodSeconds) }
func (c *Config) StaleRetention() time.Duration { return seconds(c.Loop.StaleRetentionSeconds) }
func (c *Config) OfflineAfter() time.Duration   { return seconds(c.Loop.OfflineAfterSeconds) }
func (c *Config) DeviceRefresh() time.Duration  { return seconds(c.Loop.DeviceRefreshSeconds) }

func (c *Config) RefreshCheck() time.Duration   { return seconds(c.Cloud.RefreshCheckSeconds) }
func (c *Config) RefreshMargin() time.Duration  { return seconds(c.Cloud.RefreshMarginSeconds) }
func (c *Config) BackoffInitial() time.Duration { return seconds(c.Cloud.BackoffInitialSeconds) }
func (c *Config) BackoffMax() time.Duration     { return seconds(c.Cloud.BackoffMaxSeconds) }
func (c *Config) RequestTimeout() time.Duration { return seconds(c.Cloud.RequestTimeoutSeconds) }
func (c *Config) ConnectTimeout() time.Duration { return seconds(c.MQTT.ConnectTimeoutSeconds) }

// Location returns the feed's time zone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if c.Feed.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Feed.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}
