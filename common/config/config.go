package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service     ServiceConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Queue       QueueConfig
	Worker      WorkerConfig
	Engine      EngineConfig
	Dispatch    DispatchConfig
	Credentials CredentialsConfig
	Telemetry   TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds run-store connection settings. Driver selects the
// backing store: "postgres" (server), "sqlite" (embedded) or "memory".
type DatabaseConfig struct {
	Driver      string
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	SSLMode     string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	SQLiteDSN   string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds run-queue settings
type QueueConfig struct {
	Type              string // "redis" for production, "memory" for tests
	Partitions        int
	StreamPrefix      string
	Group             string
	BlockTime         time.Duration
	VisibilityTimeout time.Duration
}

// WorkerConfig holds consumer-loop settings
type WorkerConfig struct {
	Partitions        []int // partitions owned by this worker; empty = all
	MaxConcurrentRuns int
	LeaseTimeout      time.Duration
	DrainTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// EngineConfig holds execution-engine settings
type EngineConfig struct {
	MaxParallel         int
	CancelPollInterval  time.Duration
	DrainTimeout        time.Duration
	SubworkflowMaxDepth int
	EnvAllowlist        []string
}

// DispatchConfig holds dispatcher and reconciler settings
type DispatchConfig struct {
	RateLimitPerMinute int // per-tenant enqueue limit; 0 disables
	ReconcileInterval  time.Duration
	PendingAge         time.Duration // re-enqueue PENDING runs older than this
	StaleClaimAge      time.Duration // re-enqueue RUNNING runs unclaimed this long
}

// CredentialsConfig holds secret-decryption settings
type CredentialsConfig struct {
	Key string // hex-encoded 32-byte AES key
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
	MetricsPort int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Driver:      getEnv("DB_DRIVER", "postgres"),
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowmesh"),
			User:        getEnv("POSTGRES_USER", "flowmesh"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowmesh"),
			SSLMode:     getEnv("POSTGRES_SSLMODE", "disable"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			SQLiteDSN:   getEnv("SQLITE_DSN", "file:flowmesh.db?cache=shared"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Type:              getEnv("QUEUE_TYPE", "redis"),
			Partitions:        getEnvInt("QUEUE_PARTITIONS", 8),
			StreamPrefix:      getEnv("QUEUE_STREAM_PREFIX", "runs.dispatch"),
			Group:             getEnv("QUEUE_GROUP", "workers"),
			BlockTime:         getEnvDuration("QUEUE_BLOCK_TIME", 5*time.Second),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 60*time.Second),
		},
		Worker: WorkerConfig{
			Partitions:        getEnvIntSlice("WORKER_PARTITIONS", nil),
			MaxConcurrentRuns: getEnvInt("WORKER_MAX_CONCURRENT_RUNS", 16),
			LeaseTimeout:      getEnvDuration("WORKER_LEASE_TIMEOUT", 2*time.Minute),
			DrainTimeout:      getEnvDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second),
			HeartbeatInterval: getEnvDuration("WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
		},
		Engine: EngineConfig{
			MaxParallel:         getEnvInt("ENGINE_MAX_PARALLEL", 8),
			CancelPollInterval:  getEnvDuration("ENGINE_CANCEL_POLL_INTERVAL", 500*time.Millisecond),
			DrainTimeout:        getEnvDuration("ENGINE_DRAIN_TIMEOUT", 10*time.Second),
			SubworkflowMaxDepth: getEnvInt("ENGINE_SUBWORKFLOW_MAX_DEPTH", 8),
			EnvAllowlist:        getEnvSlice("ENGINE_ENV_ALLOWLIST", nil),
		},
		Dispatch: DispatchConfig{
			RateLimitPerMinute: getEnvInt("DISPATCH_RATE_LIMIT_PER_MINUTE", 0),
			ReconcileInterval:  getEnvDuration("DISPATCH_RECONCILE_INTERVAL", 30*time.Second),
			PendingAge:         getEnvDuration("DISPATCH_PENDING_AGE", 1*time.Minute),
			StaleClaimAge:      getEnvDuration("DISPATCH_STALE_CLAIM_AGE", 5*time.Minute),
		},
		Credentials: CredentialsConfig{
			Key: getEnv("CREDENTIALS_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("TELEMETRY_ENABLE_PPROF", true),
			PprofPort:   getEnvInt("TELEMETRY_PPROF_PORT", 6060),
			MetricsPort: getEnvInt("TELEMETRY_METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	case "sqlite":
		if c.Database.SQLiteDSN == "" {
			return fmt.Errorf("sqlite dsn is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver: %s", c.Database.Driver)
	}

	switch c.Queue.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	if c.Queue.Partitions < 1 {
		return fmt.Errorf("queue partitions must be >= 1")
	}

	for _, p := range c.Worker.Partitions {
		if p < 0 || p >= c.Queue.Partitions {
			return fmt.Errorf("worker partition %d out of range [0,%d)", p, c.Queue.Partitions)
		}
	}

	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine max parallel must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the host:port address for Redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// OwnedPartitions returns the queue partitions this worker consumes.
// An empty WORKER_PARTITIONS means all of them.
func (c *Config) OwnedPartitions() []int {
	if len(c.Worker.Partitions) > 0 {
		return c.Worker.Partitions
	}
	all := make([]int, c.Queue.Partitions)
	for i := range all {
		all[i] = i
	}
	return all
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getEnvIntSlice(key string, defaultValue []int) []int {
	values := getEnvSlice(key, nil)
	if values == nil {
		return defaultValue
	}
	out := make([]int, 0, len(values))
	for _, v := range values {
		if n, err := strconv.Atoi(v); err == nil {
			out = append(out, n)
		}
	}
	return out
}
