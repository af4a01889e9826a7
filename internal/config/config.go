// Package config loads server configuration from environment variables,
// with an optional .env overlay for deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	HTTPHost string
	HTTPPort int
	DataDir  string

	// Logging settings
	LogLevel  string
	LogFormat string

	// MQTT broker settings
	MQTTBrokerURL      string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            byte
	MQTTConnectTimeout time.Duration
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	PublishTimeout     time.Duration

	// Presence settings
	PollInterval     time.Duration
	OfflineThreshold time.Duration

	// Alert settings
	AlertAutoResolveIdle    time.Duration
	AlertAutoResolveEnabled bool
	ThresholdsFile          string

	// Email / SMTP settings
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPFrom         string
	SMTPStartTLS     bool
	SMTPSendTimeout  time.Duration
	SMTPPoolSize     int
	SMTPMaxPerConn   int
	EmailBatchSize   int
	EmailMaxRetries  int
	EmailBackoffBase time.Duration
	EmailBackoffCap  time.Duration
	EmailQueueSize   int

	// WebSocket settings
	WSPingInterval      time.Duration
	WSPingTimeout       time.Duration
	SendBufferHighWater int
	JWTSecret           string

	// Broadcast scheduler settings
	HealthTick    time.Duration
	AnalyticsTick time.Duration

	// Ingest settings
	IngestWorkerSlots int
	IngestSlotQueue   int
	StoreOpTimeout    time.Duration
}

// Load reads configuration from the environment. A .env file in the data
// directory (then the working directory) is applied first as an overlay.
func Load() (*Config, error) {
	dataDir := getEnv("AQUAWATCH_DATA_DIR", "/var/lib/aquawatch")

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Also try the working directory for development.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPHost: getEnv("HTTP_HOST", "0.0.0.0"),
		HTTPPort: getEnvInt("HTTP_PORT", 8080),
		DataDir:  dataDir,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "auto"),

		MQTTBrokerURL:      getEnv("MQTT_BROKER_URL", ""),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "aquawatch-server"),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:            byte(getEnvInt("MQTT_QOS", 1)),
		MQTTConnectTimeout: getEnvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		ReconnectBase:      getEnvDuration("MQTT_RECONNECT_BASE", time.Second),
		ReconnectCap:       getEnvDuration("MQTT_RECONNECT_CAP", 60*time.Second),
		PublishTimeout:     getEnvDuration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),

		PollInterval:     getEnvDuration("POLL_INTERVAL", 30*time.Second),
		OfflineThreshold: getEnvDuration("OFFLINE_THRESHOLD", 90*time.Second),

		AlertAutoResolveIdle:    getEnvDuration("ALERT_AUTO_RESOLVE_IDLE", 10*time.Minute),
		AlertAutoResolveEnabled: getEnvBool("ALERT_AUTO_RESOLVE_ENABLED", true),
		ThresholdsFile:          getEnv("ALERT_THRESHOLDS_FILE", ""),

		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         getEnvInt("SMTP_PORT", 587),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:         getEnv("SMTP_FROM", ""),
		SMTPStartTLS:     getEnvBool("SMTP_STARTTLS", true),
		SMTPSendTimeout:  getEnvDuration("SMTP_SEND_TIMEOUT", 30*time.Second),
		SMTPPoolSize:     getEnvInt("SMTP_POOL_SIZE", 5),
		SMTPMaxPerConn:   getEnvInt("SMTP_MAX_PER_CONN", 100),
		EmailBatchSize:   getEnvInt("EMAIL_BATCH_SIZE", 10),
		EmailMaxRetries:  getEnvInt("EMAIL_MAX_RETRIES", 3),
		EmailBackoffBase: getEnvDuration("EMAIL_BACKOFF_BASE", time.Second),
		EmailBackoffCap:  getEnvDuration("EMAIL_BACKOFF_CAP", 30*time.Second),
		EmailQueueSize:   getEnvInt("EMAIL_QUEUE_SIZE", 256),

		WSPingInterval:      getEnvDuration("WS_PING_INTERVAL", 25*time.Second),
		WSPingTimeout:       getEnvDuration("WS_PING_TIMEOUT", 60*time.Second),
		SendBufferHighWater: getEnvInt("WS_SEND_BUFFER_HIGH_WATER", 256*1024),
		JWTSecret:           getEnv("JWT_SECRET", ""),

		HealthTick:    getEnvDuration("HEALTH_TICK", 10*time.Second),
		AnalyticsTick: getEnvDuration("ANALYTICS_TICK", 45*time.Second),

		IngestWorkerSlots: getEnvInt("INGEST_WORKER_SLOTS", 16),
		IngestSlotQueue:   getEnvInt("INGEST_SLOT_QUEUE", 256),
		StoreOpTimeout:    getEnvDuration("STORE_OP_TIMEOUT", 3*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1, or 2")
	}
	if c.IngestWorkerSlots < 1 {
		return fmt.Errorf("INGEST_WORKER_SLOTS must be at least 1")
	}
	if c.EmailBatchSize < 1 {
		return fmt.Errorf("EMAIL_BATCH_SIZE must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
	}
	return fallback
}
