// Package config loads the daemon's environment-driven configuration into
// a typed struct instead of reading viper keys ad hoc from main.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const envPrefix = "authflush"

// ThreadConfig bounds the renewal worker pool.
type ThreadConfig struct {
	Min int
	Max int
}

// Config is the daemon's full set of environment-sourced settings.
type Config struct {
	AuthValidSecs int
	Threads       ThreadConfig

	StorageRedisAddr    string
	PublisherRedisAddr  string
	SubscriberRedisAddr string

	LogLevel string
	LogJSON  bool

	ReportMetrics bool
	MetricsPort   int

	BackendURL      string
	BackendAuthType string // e.g. "provider_key" or "service_token"
	BackendAuthKey  string // the provider key or service token value itself
}

// Load binds the expected environment variables and returns a validated
// Config. Every variable is read under the AUTHFLUSH_ prefix, e.g.
// AUTHFLUSH_AUTH_VALID_SECS.
func Load() (Config, error) {
	viper.SetEnvPrefix(envPrefix)
	for _, key := range []string{
		"auth_valid_secs",
		"threads_min",
		"threads_max",
		"storage_redis_addr",
		"publisher_redis_addr",
		"subscriber_redis_addr",
		"log_level",
		"log_json",
		"report_metrics",
		"metrics_port",
		"backend_url",
		"backend_auth_type",
		"backend_auth_key",
	} {
		if err := viper.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: binding %s: %w", key, err)
		}
	}

	cfg := Config{
		AuthValidSecs:       getIntDefault("auth_valid_secs", 300),
		Threads:             ThreadConfig{Min: getIntDefault("threads_min", 1), Max: getIntDefault("threads_max", 10)},
		StorageRedisAddr:    getStringDefault("storage_redis_addr", "localhost:6379"),
		PublisherRedisAddr:  getStringDefault("publisher_redis_addr", "localhost:6379"),
		SubscriberRedisAddr: getStringDefault("subscriber_redis_addr", "localhost:6379"),
		LogLevel:            getStringDefault("log_level", "info"),
		LogJSON:             viper.GetBool("log_json"),
		ReportMetrics:       viper.GetBool("report_metrics"),
		MetricsPort:         getIntDefault("metrics_port", 9090),
		BackendURL:          getStringDefault("backend_url", "https://su1.3scale.net"),
		BackendAuthType:     getStringDefault("backend_auth_type", "provider_key"),
		BackendAuthKey:      getStringDefault("backend_auth_key", ""),
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants config consumers rely on without re-checking
// themselves.
func (c Config) Validate() error {
	if c.AuthValidSecs <= 0 {
		return fmt.Errorf("config: auth_valid_secs must be positive, got %d", c.AuthValidSecs)
	}
	if c.Threads.Min <= 0 || c.Threads.Max <= 0 {
		return fmt.Errorf("config: threads.min and threads.max must be positive, got min=%d max=%d", c.Threads.Min, c.Threads.Max)
	}
	if c.Threads.Min > c.Threads.Max {
		return fmt.Errorf("config: threads.min (%d) must not exceed threads.max (%d)", c.Threads.Min, c.Threads.Max)
	}
	switch c.BackendAuthType {
	case "provider_key", "service_token":
	default:
		return fmt.Errorf("config: unsupported backend_auth_type %q", c.BackendAuthType)
	}
	return nil
}

func getIntDefault(key string, def int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return def
}

func getStringDefault(key string, def string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return def
}
