package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration (room access store, optional)
	Database DatabaseConfig

	// Redis configuration (cross-instance event bus, optional)
	Redis RedisConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Relay limits
	Relay RelayConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrateOnStart  bool
}

// Enabled reports whether a room access store is configured
func (d DatabaseConfig) Enabled() bool {
	return d.URL != ""
}

// RedisConfig holds event bus configuration
type RedisConfig struct {
	URL           string
	ChannelPrefix string
}

// Enabled reports whether cross-instance fan-out is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	TokenTTL time.Duration
	Required bool // reject websocket upgrades without a valid token
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	SessionRPS        float64 // inbound messages per websocket session
	SessionBurst      int
	MaxViolations     int // session is closed after this many limited messages
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
}

// RelayConfig holds room registry and router limits
type RelayConfig struct {
	MaxRooms          int
	MaxMembersPerRoom int
	Shards            int
	MaxPayloadBytes   int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
	InstanceID  string // identifies this relay on the event bus
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := FromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv builds the configuration from the process environment without
// validating it.
func FromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrateOnStart:  getBoolOrDefault("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			URL:           os.Getenv("REDIS_URL"),
			ChannelPrefix: getEnvOrDefault("REDIS_CHANNEL_PREFIX", "collab:room:"),
		},
		JWT: JWTConfig{
			Secret:   os.Getenv("JWT_SECRET"),
			TokenTTL: getDurationOrDefault("JWT_TOKEN_TTL", 1*time.Hour),
			Required: getBoolOrDefault("AUTH_REQUIRED", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			SessionRPS:        getFloatOrDefault("RATE_LIMIT_SESSION_RPS", 50),
			SessionBurst:      getIntOrDefault("RATE_LIMIT_SESSION_BURST", 100),
			MaxViolations:     getIntOrDefault("RATE_LIMIT_SESSION_MAX_VIOLATIONS", 50),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", 54*time.Second),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
			WriteWait:       getDurationOrDefault("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 512*1024)),
			SendBufferSize:  getIntOrDefault("WS_SEND_BUFFER_SIZE", 256),
		},
		Relay: RelayConfig{
			MaxRooms:          getIntOrDefault("RELAY_MAX_ROOMS", 10000),
			MaxMembersPerRoom: getIntOrDefault("RELAY_MAX_MEMBERS_PER_ROOM", 100),
			Shards:            getIntOrDefault("RELAY_SHARDS", 32),
			MaxPayloadBytes:   getIntOrDefault("RELAY_MAX_PAYLOAD_BYTES", 256*1024),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "collab-relay"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
			InstanceID:  getEnvOrDefault("INSTANCE_ID", defaultInstanceID()),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.JWT.Required && c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required when AUTH_REQUIRED is set")
	}

	if c.App.InstanceID == "" {
		errs = append(errs, "INSTANCE_ID must not be empty")
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if !c.JWT.Required {
			errs = append(errs, "AUTH_REQUIRED must be enabled in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, "WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}

	if c.WebSocket.SendBufferSize <= 0 {
		errs = append(errs, "WS_SEND_BUFFER_SIZE must be positive")
	}

	if c.Relay.MaxRooms < 0 || c.Relay.MaxMembersPerRoom < 0 {
		errs = append(errs, "RELAY_MAX_ROOMS and RELAY_MAX_MEMBERS_PER_ROOM cannot be negative")
	}

	if c.Relay.MaxPayloadBytes > 0 && int64(c.Relay.MaxPayloadBytes) > c.WebSocket.MaxMessageSize {
		errs = append(errs, "RELAY_MAX_PAYLOAD_BYTES cannot exceed WS_MAX_MESSAGE_SIZE")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, Redis: %s, JWT: [REDACTED], AuthRequired: %v, RateLimit: %v, Instance: %s, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		redactURL(c.Redis.URL),
		c.JWT.Required,
		c.RateLimit.Enabled,
		c.App.InstanceID,
		c.App.Environment,
	)
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "relay"
}

// redactURL redacts sensitive parts of a database URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	// Very basic redaction - in production you'd want something more robust
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
