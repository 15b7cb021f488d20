package config

import (
	"os"
	"strconv"
	"time"
)

const (
	// MaxRetries is the maximum number of delivery retries per payment.
	// An item whose retry count reaches this value is dead-lettered.
	MaxRetries = 10

	// BackoffBase is the delay before the first retry.
	BackoffBase = 5 * time.Second

	// BackoffCap is the ceiling on the exponential retry delay.
	BackoffCap = 300 * time.Second

	// DrainBatchSize is the number of main-queue items taken per drain tick.
	DrainBatchSize = 20

	// QueueMarkerTTL bounds how long enqueue dedup markers live.
	QueueMarkerTTL = time.Hour

	// ProcessedMarkerTTL bounds how long post-commit dedup markers live.
	ProcessedMarkerTTL = time.Hour

	// FailedMarkerTTL bounds how long terminal-failure markers live.
	FailedMarkerTTL = 24 * time.Hour

	// VerdictTTL bounds how long a cached health verdict stays adoptable.
	VerdictTTL = 15 * time.Second

	// ProberLeaseTTL is the lifetime of the single-prober lease.
	ProberLeaseTTL = 4 * time.Second
)

// Config carries the runtime settings for one broker replica.
type Config struct {
	Port                 string
	ProcessorDefaultURL  string
	ProcessorFallbackURL string
	RedisAddr            string
	DatabaseURL          string

	IntakeDeadline  time.Duration
	DrainDeadline   time.Duration
	ProbeDeadline   time.Duration
	ProbeInterval   time.Duration
	SummaryDeadline time.Duration
	IdleDelay       time.Duration

	ReclaimInterval  time.Duration
	ReclaimThreshold time.Duration

	DatabaseMaxConns int32
}

// FromEnv builds a Config from the environment, falling back to the
// defaults used by the reference deployment topology.
func FromEnv() Config {
	return Config{
		Port:                 envString("APP_PORT", "3000"),
		ProcessorDefaultURL:  envString("PROCESSOR_DEFAULT_URL", "http://payment-processor-default:8080"),
		ProcessorFallbackURL: envString("PROCESSOR_FALLBACK_URL", "http://payment-processor-fallback:8080"),
		RedisAddr:            envString("REDIS_ADDR", "redis:6379"),
		DatabaseURL:          envString("DATABASE_URL", "postgres://postgres:postgres@db:5432/payments"),

		IntakeDeadline:  envDuration("INTAKE_DEADLINE", 500*time.Millisecond),
		DrainDeadline:   envDuration("DRAIN_DEADLINE", 8*time.Second),
		ProbeDeadline:   envDuration("PROBE_DEADLINE", 4*time.Second),
		ProbeInterval:   envDuration("PROBE_INTERVAL", 3*time.Second),
		SummaryDeadline: envDuration("SUMMARY_DEADLINE", 50*time.Millisecond),
		IdleDelay:       envDuration("IDLE_DELAY", 100*time.Millisecond),

		ReclaimInterval:  envDuration("RECLAIM_INTERVAL", time.Minute),
		ReclaimThreshold: envDuration("RECLAIM_THRESHOLD", 2*time.Minute),

		DatabaseMaxConns: envInt32("DATABASE_MAX_CONNS", 16),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt32(key string, fallback int32) int32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			return int32(n)
		}
	}
	return fallback
}
