package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// The file is optional; defaults plus environment are a complete configuration.
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variables take precedence over the file
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if deviceID := os.Getenv("CUPSYNC_DEVICE_ID"); deviceID != "" {
		cfg.Device.ID = deviceID
	}

	// Local storage
	if backend := os.Getenv("CUPSYNC_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Storage.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Storage.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Storage.Redis.Password = redisPassword
	}

	// Remote backend and session
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Remote.DatabaseURL = dbURL
	}
	if realtimeURL := os.Getenv("REALTIME_URL"); realtimeURL != "" {
		cfg.Realtime.URL = realtimeURL
	}
	if secret := os.Getenv("SUPABASE_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if token := os.Getenv("SUPABASE_ACCESS_TOKEN"); token != "" {
		cfg.Auth.AccessToken = token
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
