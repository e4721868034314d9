package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTesting     Environment = "testing"
)

func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvProduction, EnvTesting:
		return true
	}
	return false
}

type Config struct {
	Server     Server
	Database   Database
	OAuth      OAuth
	Security   Security
	Attributes Attributes
	Cache      Cache
	RateLimit  RateLimit
	BaseURL    string
}

type Server struct {
	Port         int
	Environment  Environment
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
}

func (s Server) IsProduction() bool {
	return s.Environment == EnvProduction
}

// Issuer returns the iss claim used on every token this server signs.
func (c Config) Issuer() string {
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	return strings.TrimSuffix(base, "/") + "/oauth"
}

type Database struct {
	URL             string
	MaxOpenConns    int32
	MaxIdleConns    int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type OAuth struct {
	// IDKey is the hex-encoded 256-bit key used to derive per-service
	// pseudonyms. Losing it breaks every already-issued sub claim.
	IDKey string
	// JWK is the server's private RSA signing key as a JSON Web Key.
	JWK string
}

type Security struct {
	// APIKeys authorize the session transfer and internal surfaces.
	APIKeys []string
}

type Attributes struct {
	// ManagementURL points at the attributes-management service that
	// publishes the JSON schema for each attribute.
	ManagementURL string
	FetchTimeout  time.Duration
}

type Cache struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SchemaTTL     time.Duration
}

type RateLimit struct {
	Enabled        bool
	OAuthRequests  int
	APIRequests    int
	WindowDuration time.Duration
}

// Load loads configuration from the environment with proper error handling
func Load() (Config, error) {
	var config Config
	var err error

	config.Server.Port, err = getEnvIntSafe("SERVER_PORT", 7000, false)
	if err != nil {
		return config, fmt.Errorf("server port config error: %w", err)
	}

	config.Server.Environment, err = getEnvEnvironmentSafe("SERVER_ENVIRONMENT", EnvDevelopment, false)
	if err != nil {
		return config, fmt.Errorf("server environment config error: %w", err)
	}

	config.Server.WriteTimeout, err = getEnvDurationSafe("SERVER_WRITE_TIMEOUT", 15*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("server write timeout config error: %w", err)
	}

	config.Server.ReadTimeout, err = getEnvDurationSafe("SERVER_READ_TIMEOUT", 15*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("server read timeout config error: %w", err)
	}

	config.Server.IdleTimeout, err = getEnvDurationSafe("SERVER_IDLE_TIMEOUT", 60*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("server idle timeout config error: %w", err)
	}

	config.Database.URL, err = getEnvStringSafe("DB_URL", "", true)
	if err != nil {
		return config, fmt.Errorf("database URL config error: %w", err)
	}

	config.Database.MaxOpenConns, err = getEnvInt32Safe("DB_MAX_OPEN_CONNS", 25, false)
	if err != nil {
		return config, fmt.Errorf("database max open conns config error: %w", err)
	}

	config.Database.MaxIdleConns, err = getEnvInt32Safe("DB_MAX_IDLE_CONNS", 5, false)
	if err != nil {
		return config, fmt.Errorf("database max idle conns config error: %w", err)
	}

	config.Database.ConnMaxLifetime, err = getEnvDurationSafe("DB_CONN_MAX_LIFETIME", 5*time.Minute, false)
	if err != nil {
		return config, fmt.Errorf("database conn max lifetime config error: %w", err)
	}

	config.Database.ConnMaxIdleTime, err = getEnvDurationSafe("DB_CONN_MAX_IDLE_TIME", 5*time.Minute, false)
	if err != nil {
		return config, fmt.Errorf("database conn max idle time config error: %w", err)
	}

	config.OAuth.IDKey, err = getEnvStringSafe("OAUTH_ID_KEY", "", true)
	if err != nil {
		return config, fmt.Errorf("oauth id key config error: %w", err)
	}

	config.OAuth.JWK, err = getEnvStringSafe("OAUTH_JWK", "", true)
	if err != nil {
		return config, fmt.Errorf("oauth jwk config error: %w", err)
	}

	apiKeys, err := getEnvStringSafe("API_KEYS", "", false)
	if err != nil {
		return config, fmt.Errorf("api keys config error: %w", err)
	}
	if apiKeys != "" {
		config.Security.APIKeys = strings.Split(apiKeys, ",")
	}

	config.Attributes.ManagementURL, err = getEnvStringSafe("ATTRIBUTES_MANAGEMENT_URL", "http://localhost:8888/attributes-management", false)
	if err != nil {
		return config, fmt.Errorf("attributes management URL config error: %w", err)
	}

	config.Attributes.FetchTimeout, err = getEnvDurationSafe("ATTRIBUTES_FETCH_TIMEOUT", 5*time.Second, false)
	if err != nil {
		return config, fmt.Errorf("attributes fetch timeout config error: %w", err)
	}

	config.Cache.Enabled, err = getEnvBoolSafe("CACHE_ENABLED", false, false)
	if err != nil {
		return config, fmt.Errorf("cache enabled config error: %w", err)
	}

	config.Cache.RedisAddr, err = getEnvStringSafe("REDIS_ADDR", "localhost:6379", false)
	if err != nil {
		return config, fmt.Errorf("Redis address config error: %w", err)
	}

	config.Cache.RedisPassword, err = getEnvStringSafe("REDIS_PASSWORD", "", false)
	if err != nil {
		return config, fmt.Errorf("Redis password config error: %w", err)
	}

	config.Cache.RedisDB, err = getEnvIntSafe("REDIS_DB", 0, false)
	if err != nil {
		return config, fmt.Errorf("Redis DB config error: %w", err)
	}

	config.Cache.SchemaTTL, err = getEnvDurationSafe("CACHE_SCHEMA_TTL", time.Hour, false)
	if err != nil {
		return config, fmt.Errorf("cache schema TTL config error: %w", err)
	}

	config.RateLimit.Enabled, err = getEnvBoolSafe("RATE_LIMIT_ENABLED", true, false)
	if err != nil {
		return config, fmt.Errorf("rate limit enabled config error: %w", err)
	}

	config.RateLimit.OAuthRequests, err = getEnvIntSafe("RATE_LIMIT_OAUTH_REQUESTS", 30, false)
	if err != nil {
		return config, fmt.Errorf("rate limit OAuth requests config error: %w", err)
	}

	config.RateLimit.APIRequests, err = getEnvIntSafe("RATE_LIMIT_API_REQUESTS", 100, false)
	if err != nil {
		return config, fmt.Errorf("rate limit API requests config error: %w", err)
	}

	config.RateLimit.WindowDuration, err = getEnvDurationSafe("RATE_LIMIT_WINDOW_DURATION", time.Minute, false)
	if err != nil {
		return config, fmt.Errorf("rate limit window duration config error: %w", err)
	}

	config.BaseURL, err = getEnvStringSafe("BASE_URL", "", false)
	if err != nil {
		return config, fmt.Errorf("base URL config error: %w", err)
	}

	return config, nil
}

// Safe versions of config helpers that return errors instead of using log.Fatal

func getEnvStringSafe(key, defaultValue string, required bool) (string, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return "", fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	return value, nil
}

func getEnvIntSafe(key string, defaultValue int, required bool) (int, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return 0, fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	return value, nil
}

func getEnvInt32Safe(key string, defaultValue int32, required bool) (int32, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return 0, fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	value, err := strconv.ParseInt(valueStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	return int32(value), nil
}

func getEnvDurationSafe(key string, defaultValue time.Duration, required bool) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return 0, fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be a valid duration: %w", key, err)
	}
	return value, nil
}

func getEnvBoolSafe(key string, defaultValue bool, required bool) (bool, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return false, fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("environment variable %s must be a valid boolean: %w", key, err)
	}
	return value, nil
}

func getEnvEnvironmentSafe(key string, defaultValue Environment, required bool) (Environment, error) {
	env, exists := os.LookupEnv(key)
	if !exists {
		if required {
			return "", fmt.Errorf("environment variable %s is required", key)
		}
		return defaultValue, nil
	}
	envValue := Environment(env)
	if !envValue.IsValid() {
		return "", fmt.Errorf("environment variable %s has invalid value: %s", key, env)
	}
	return envValue, nil
}
