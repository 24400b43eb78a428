package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "freightgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "FREIGHTGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "FREIGHTGATE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FREIGHTGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FREIGHTGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FREIGHTGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FREIGHTGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FREIGHTGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setDuration(&cfg.NATS.ReconnectBase, "FREIGHTGATE_NATS_RECONNECT_BASE")
	setDuration(&cfg.NATS.ReconnectMax, "FREIGHTGATE_NATS_RECONNECT_MAX")
	setString(&cfg.Auth.JWTSecret, "FREIGHTGATE_JWT_SECRET")
	setDuration(&cfg.Auth.AccessTokenExpiry, "FREIGHTGATE_ACCESS_TOKEN_EXPIRY")
	setInt(&cfg.Auth.BcryptCost, "FREIGHTGATE_BCRYPT_COST")
	setString(&cfg.Logging.Level, "FREIGHTGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FREIGHTGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "FREIGHTGATE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "FREIGHTGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FREIGHTGATE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "FREIGHTGATE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "FREIGHTGATE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "FREIGHTGATE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "FREIGHTGATE_RATE_MAX_IDLE_TIME")
	setInt64(&cfg.Cache.MaxSizeMB, "FREIGHTGATE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "FREIGHTGATE_CACHE_TTL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.NATS.ReconnectBase <= 0 || cfg.NATS.ReconnectMax < cfg.NATS.ReconnectBase {
		return errors.New("nats reconnect delays must satisfy 0 < base <= max")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
