// Package config loads the service configuration from environment
// variables (prefix CLASSIFY_) and an optional config.yaml, with env
// taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration, grouped by concern.
type Config struct {
	Server Server `mapstructure:"server" validate:"required"`
	Redis  Redis  `mapstructure:"redis" validate:"required"`
	Worker Worker `mapstructure:"worker" validate:"required"`
	Tasks  Tasks  `mapstructure:"tasks" validate:"required"`
}

// Server contains the API server settings.
type Server struct {
	Port int `mapstructure:"port" validate:"required,gt=0,lt=65536"`

	// APIKey enables X-API-Key authentication when set; empty disables
	// auth (dev mode).
	APIKey string `mapstructure:"api_key"`

	// MaxUploadBytes bounds accepted image payloads.
	MaxUploadBytes int `mapstructure:"max_upload_bytes" validate:"required,gt=0"`

	// KeepAliveInterval paces the no-op comments on streaming responses
	// that keep idle connections from being dropped.
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" validate:"required,gt=0"`

	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// Redis contains the connection settings for the store and queue.
type Redis struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// Worker contains the worker binary settings.
type Worker struct {
	Count           int           `mapstructure:"count" validate:"required,gt=0"`
	MetricsPort     int           `mapstructure:"metrics_port" validate:"required,gt=0,lt=65536"`
	InferenceBudget time.Duration `mapstructure:"inference_budget" validate:"required,gt=0"`

	// ReapInterval is how often expired leases are swept.
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"required,gt=0"`
}

// Tasks contains queue and record settings shared by both binaries.
type Tasks struct {
	QueueCapacity int `mapstructure:"queue_capacity" validate:"required,gt=0"`

	// LeaseTTL is the visibility timeout on a dequeued id. It should
	// comfortably exceed the inference budget so live workers are never
	// reaped.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" validate:"required,gt=0"`

	// RecordTTL is the retention of task records in the store. Eviction
	// itself is Redis's job.
	RecordTTL time.Duration `mapstructure:"record_ttl" validate:"required,gt=0"`
}

// Load reads, unmarshals and validates the configuration.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.keep_alive_interval", 15*time.Second)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.metrics_port", 8080)
	v.SetDefault("worker.inference_budget", 30*time.Second)
	v.SetDefault("worker.reap_interval", 30*time.Second)
	v.SetDefault("tasks.queue_capacity", 100)
	v.SetDefault("tasks.lease_ttl", 2*time.Minute)
	v.SetDefault("tasks.record_ttl", 24*time.Hour)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No file is fine; defaults plus env cover everything.
	}

	v.SetEnvPrefix("CLASSIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
