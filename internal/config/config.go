package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sitewatch/common/config"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config I/O box monitoring service configuration
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	Store struct {
		Backend    string // postgres | memory
		ConfigFile string // JSON or YAML device/pin file used by the memory backend
	}

	// I/O box link and reconciliation settings
	IOBox struct {
		ReconnectInterval        time.Duration
		MaxReconnectAttempts     int
		UnreachableBackoffFactor int
		DialTimeout              time.Duration
		HealthCheckInterval      time.Duration
		IdleTimeout              time.Duration

		DispatchQueueSize     int
		ReconcileRetryBase    time.Duration
		ReconcileRetryMax     time.Duration
		ReconcileMaxRetries   int
		ReconcileTimeout      time.Duration
		ConfigRefreshInterval time.Duration // 0 disables
		StateRefreshInterval  time.Duration // 0 disables; must be below Cache.StateTTL when caching
	}

	// Device state cache in redis
	Cache struct {
		Enabled     bool
		StatePrefix string // e.g. "iobox:state:"
		StateTTL    time.Duration
	}

	// Event fan-out
	Events struct {
		QueueSize    int
		Stream       string // redis stream, empty disables
		StreamMaxLen int64
		MQTTEnabled  bool
		TopicPrefix  string   // events are published to <prefix>/<site>/<kind>
		KafkaBrokers []string // empty disables the kafka sink
		KafkaTopic   string
	}

	// Prometheus listener, e.g. ":9102"; empty disables
	Metrics struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "sitewatch",
		SSLMode:  "disable",
		MaxConns: 20,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "sitewatch-iobox",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", StoreBackendPostgres))
	cfg.Store.ConfigFile = getEnv("IOBOX_CONFIG_FILE", "")

	cfg.IOBox.ReconnectInterval = getEnvDuration("IOBOX_RECONNECT_INTERVAL", 30*time.Second)
	cfg.IOBox.MaxReconnectAttempts = getEnvInt("IOBOX_MAX_RECONNECT_ATTEMPTS", 5)
	cfg.IOBox.UnreachableBackoffFactor = getEnvInt("IOBOX_UNREACHABLE_BACKOFF_FACTOR", 2)
	cfg.IOBox.DialTimeout = getEnvDuration("IOBOX_DIAL_TIMEOUT", 10*time.Second)
	cfg.IOBox.HealthCheckInterval = getEnvDuration("IOBOX_HEALTH_CHECK_INTERVAL", 60*time.Second)
	cfg.IOBox.IdleTimeout = getEnvDuration("IOBOX_IDLE_TIMEOUT", 150*time.Second)

	cfg.IOBox.DispatchQueueSize = getEnvInt("IOBOX_DISPATCH_QUEUE_SIZE", 64)
	cfg.IOBox.ReconcileRetryBase = getEnvDuration("IOBOX_RECONCILE_RETRY_BASE", time.Second)
	cfg.IOBox.ReconcileRetryMax = getEnvDuration("IOBOX_RECONCILE_RETRY_MAX", 30*time.Second)
	cfg.IOBox.ReconcileMaxRetries = getEnvInt("IOBOX_RECONCILE_MAX_RETRIES", 5)
	cfg.IOBox.ReconcileTimeout = getEnvDuration("IOBOX_RECONCILE_TIMEOUT", 30*time.Second)
	cfg.IOBox.ConfigRefreshInterval = getEnvDuration("IOBOX_CONFIG_REFRESH_INTERVAL", 5*time.Minute)
	cfg.IOBox.StateRefreshInterval = getEnvDuration("IOBOX_STATE_REFRESH_INTERVAL", 2*time.Minute)

	cfg.Cache.Enabled = getEnvBool("CACHE_ENABLED", true)
	cfg.Cache.StatePrefix = getEnv("CACHE_STATE_PREFIX", "iobox:state:")
	cfg.Cache.StateTTL = getEnvDuration("CACHE_STATE_TTL", 10*time.Minute)

	cfg.Events.QueueSize = getEnvInt("EVENTS_QUEUE_SIZE", 10000)
	cfg.Events.Stream = getEnv("EVENTS_STREAM", "sitewatch:events")
	cfg.Events.StreamMaxLen = int64(getEnvInt("EVENTS_STREAM_MAXLEN", 100000))
	cfg.Events.MQTTEnabled = getEnvBool("EVENTS_MQTT_ENABLED", false)
	cfg.Events.TopicPrefix = getEnv("EVENTS_TOPIC_PREFIX", "sitewatch")
	cfg.Events.KafkaBrokers = getEnvList("EVENTS_KAFKA_BROKERS")
	cfg.Events.KafkaTopic = getEnv("EVENTS_KAFKA_TOPIC", "sitewatch.events")

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the link and supervisor cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendPostgres:
	case StoreBackendMemory:
		if c.Store.ConfigFile == "" {
			return fmt.Errorf("IOBOX_CONFIG_FILE is required with STORE_BACKEND=memory")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	io := c.IOBox
	if io.ReconnectInterval <= 0 || io.DialTimeout <= 0 || io.HealthCheckInterval <= 0 {
		return fmt.Errorf("iobox intervals must be positive")
	}
	if io.IdleTimeout <= io.HealthCheckInterval {
		return fmt.Errorf("IOBOX_IDLE_TIMEOUT (%s) must exceed IOBOX_HEALTH_CHECK_INTERVAL (%s)",
			io.IdleTimeout, io.HealthCheckInterval)
	}
	if io.MaxReconnectAttempts < 1 {
		return fmt.Errorf("IOBOX_MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if io.UnreachableBackoffFactor < 1 {
		return fmt.Errorf("IOBOX_UNREACHABLE_BACKOFF_FACTOR must be at least 1")
	}
	if io.DispatchQueueSize < 1 {
		return fmt.Errorf("IOBOX_DISPATCH_QUEUE_SIZE must be at least 1")
	}
	if io.ReconcileRetryBase <= 0 || io.ReconcileRetryMax < io.ReconcileRetryBase || io.ReconcileMaxRetries < 0 {
		return fmt.Errorf("invalid reconcile retry settings")
	}
	if io.ReconcileTimeout <= 0 {
		return fmt.Errorf("IOBOX_RECONCILE_TIMEOUT must be positive")
	}
	if io.ConfigRefreshInterval < 0 || io.StateRefreshInterval < 0 {
		return fmt.Errorf("refresh intervals must not be negative")
	}
	if c.Cache.Enabled && (io.StateRefreshInterval == 0 || io.StateRefreshInterval >= c.Cache.StateTTL) {
		return fmt.Errorf("IOBOX_STATE_REFRESH_INTERVAL (%s) must be set below CACHE_STATE_TTL (%s)",
			io.StateRefreshInterval, c.Cache.StateTTL)
	}
	if c.Events.QueueSize < 1 {
		return fmt.Errorf("EVENTS_QUEUE_SIZE must be at least 1")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}
