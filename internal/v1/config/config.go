// Package config loads and validates the gateway's environment configuration
// into one struct, failing fast with every validation error aggregated
// together rather than one at a time.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the gateway process.
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Socket transport
	PingIntervalSeconds int
	PingTimeoutSeconds  int
	AllowedOrigins       string

	// Connection registry (§4.C)
	InactivityTimeout       time.Duration
	InactivitySweepInterval time.Duration

	// Shared store (§4.E)
	StoreEnabled    bool
	StoreAddr       string
	StorePassword   string
	StoreDB         int
	StoreTLS        bool
	StatePrefix     string
	StateTTL        time.Duration
	StateSyncPeriod time.Duration

	// Instance manager (§4.F)
	InstanceID          string
	InstanceGroup       string
	MaxConnsPerInstance int
	LoadBalancingOn     bool

	// Load manager (§4.G)
	CheckIntervalMs         int
	CPUElevated             float64
	CPUHigh                 float64
	CPUCritical             float64
	MemElevated             float64
	MemHigh                 float64
	MemCritical             float64
	ConnElevated            int
	ConnHigh                int
	ConnCritical            int
	LagElevatedMs           int
	LagHighMs               int
	LagCriticalMs           int
	MaxConnectionsUnderLoad int
	MaxMessageRateUnderLoad int

	// Backend client (§4.H)
	BackendBaseURL           string
	BackendTimeout           time.Duration
	BackendMaxConns          int
	BackendMaxRetries        int
	BackendInitialDelay      time.Duration
	BackendMaxDelay          time.Duration
	BackendBackoffFactor     float64
	BackendJitterFactor      float64
	BackendFailureThreshold  uint32
	BackendResetTimeout      time.Duration
	DistributedRetryEnabled  bool
	DistributedRetryLockTTL  time.Duration

	// Batcher (§4.I)
	BatchMaxSize       int
	BatchMaxDelay      time.Duration
	BatchMaxPayload    int

	// Rate limiting (HTTP push surface)
	RateLimitPush      string
	RateLimitBroadcast string
	RateLimitNotify    string

	// Ambient
	GoEnv    string
	LogLevel string
}

// Load validates all required environment variables and returns a Config,
// aggregating every validation failure into a single error.
func Load(getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = orDefault(getenv("PORT"), "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.PingIntervalSeconds = intOrDefault(getenv("PING_INTERVAL_SECONDS"), 25)
	cfg.PingTimeoutSeconds = intOrDefault(getenv("PING_TIMEOUT_SECONDS"), 60)
	cfg.AllowedOrigins = orDefault(getenv("ALLOWED_ORIGINS"), "http://localhost:3000")

	cfg.InactivityTimeout = durationOrDefault(getenv("INACTIVITY_TIMEOUT"), 5*time.Minute)
	cfg.InactivitySweepInterval = durationOrDefault(getenv("INACTIVITY_SWEEP_INTERVAL"), 1*time.Minute)

	cfg.StoreEnabled = getenv("STORE_ENABLED") != "false"
	cfg.StoreAddr = orDefault(getenv("STORE_ADDR"), "localhost:6379")
	if cfg.StoreEnabled && !isValidHostPort(cfg.StoreAddr) {
		errs = append(errs, fmt.Sprintf("STORE_ADDR must be in format 'host:port' (got %q)", cfg.StoreAddr))
	}
	cfg.StorePassword = getenv("STORE_PASSWORD")
	cfg.StoreDB = intOrDefault(getenv("STORE_DB"), 0)
	cfg.StoreTLS = getenv("STORE_TLS") == "true"
	cfg.StatePrefix = orDefault(getenv("STATE_PREFIX"), "gateway")
	cfg.StateTTL = durationOrDefault(getenv("STATE_TTL"), 30*time.Second)
	cfg.StateSyncPeriod = durationOrDefault(getenv("STATE_SYNC_INTERVAL"), 15*time.Second)

	cfg.InstanceID = getenv("INSTANCE_ID")
	cfg.InstanceGroup = orDefault(getenv("INSTANCE_GROUP"), "default")
	cfg.MaxConnsPerInstance = intOrDefault(getenv("MAX_CONNECTIONS_PER_INSTANCE"), 10000)
	cfg.LoadBalancingOn = getenv("LOAD_BALANCING_ENABLED") != "false"

	cfg.CheckIntervalMs = intOrDefault(getenv("LOAD_CHECK_INTERVAL_MS"), 10000)
	cfg.CPUElevated = floatOrDefault(getenv("CPU_ELEVATED_PCT"), 70)
	cfg.CPUHigh = floatOrDefault(getenv("CPU_HIGH_PCT"), 85)
	cfg.CPUCritical = floatOrDefault(getenv("CPU_CRITICAL_PCT"), 95)
	cfg.MemElevated = floatOrDefault(getenv("MEM_ELEVATED_PCT"), 70)
	cfg.MemHigh = floatOrDefault(getenv("MEM_HIGH_PCT"), 85)
	cfg.MemCritical = floatOrDefault(getenv("MEM_CRITICAL_PCT"), 95)
	cfg.ConnElevated = intOrDefault(getenv("CONN_ELEVATED"), 1000)
	cfg.ConnHigh = intOrDefault(getenv("CONN_HIGH"), 5000)
	cfg.ConnCritical = intOrDefault(getenv("CONN_CRITICAL"), 10000)
	cfg.LagElevatedMs = intOrDefault(getenv("LAG_ELEVATED_MS"), 100)
	cfg.LagHighMs = intOrDefault(getenv("LAG_HIGH_MS"), 500)
	cfg.LagCriticalMs = intOrDefault(getenv("LAG_CRITICAL_MS"), 1000)
	cfg.MaxConnectionsUnderLoad = intOrDefault(getenv("MAX_CONNECTIONS_UNDER_LOAD"), 8000)
	cfg.MaxMessageRateUnderLoad = intOrDefault(getenv("MAX_MESSAGE_RATE_UNDER_LOAD"), 20)

	cfg.BackendBaseURL = getenv("BACKEND_BASE_URL")
	cfg.BackendTimeout = durationOrDefault(getenv("BACKEND_TIMEOUT"), 10*time.Second)
	cfg.BackendMaxConns = intOrDefault(getenv("BACKEND_MAX_CONNECTIONS"), 100)
	cfg.BackendMaxRetries = intOrDefault(getenv("BACKEND_MAX_RETRIES"), 3)
	cfg.BackendInitialDelay = durationOrDefault(getenv("BACKEND_INITIAL_DELAY"), 100*time.Millisecond)
	cfg.BackendMaxDelay = durationOrDefault(getenv("BACKEND_MAX_DELAY"), 10*time.Second)
	cfg.BackendBackoffFactor = floatOrDefault(getenv("BACKEND_BACKOFF_FACTOR"), 2)
	cfg.BackendJitterFactor = floatOrDefault(getenv("BACKEND_JITTER_FACTOR"), 0.1)
	cfg.BackendFailureThreshold = uint32(intOrDefault(getenv("BACKEND_CIRCUIT_FAILURE_THRESHOLD"), 5))
	cfg.BackendResetTimeout = durationOrDefault(getenv("BACKEND_CIRCUIT_RESET_TIMEOUT"), 30*time.Second)
	cfg.DistributedRetryEnabled = getenv("DISTRIBUTED_RETRY_ENABLED") == "true"
	cfg.DistributedRetryLockTTL = durationOrDefault(getenv("DISTRIBUTED_RETRY_LOCK_TTL"), 60*time.Second)

	cfg.BatchMaxSize = intOrDefault(getenv("BATCH_MAX_SIZE"), 50)
	cfg.BatchMaxDelay = durationOrDefault(getenv("BATCH_MAX_DELAY"), 100*time.Millisecond)
	cfg.BatchMaxPayload = intOrDefault(getenv("BATCH_MAX_PAYLOAD_BYTES"), 1<<20)

	cfg.RateLimitPush = orDefault(getenv("RATE_LIMIT_PUSH"), "600-M")
	cfg.RateLimitBroadcast = orDefault(getenv("RATE_LIMIT_BROADCAST"), "120-M")
	cfg.RateLimitNotify = orDefault(getenv("RATE_LIMIT_NOTIFY"), "300-M")

	cfg.GoEnv = orDefault(getenv("GO_ENV"), "production")
	cfg.LogLevel = orDefault(getenv("LOG_LEVEL"), "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidated(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidated(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"store_enabled", cfg.StoreEnabled,
		"store_addr", cfg.StoreAddr,
		"instance_group", cfg.InstanceGroup,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
	)
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func intOrDefault(value string, def int) int {
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

func floatOrDefault(value string, def float64) float64 {
	if value == "" {
		return def
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return f
}

func durationOrDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
