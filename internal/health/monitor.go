// Package health maintains a cluster-shared verdict on the two payment
// processors. One replica at a time holds a short lease and probes; every
// replica adopts the cached verdict and serves it locally without I/O.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/config"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
)

const (
	verdictKey = "health_status"
	leaseKey   = "health_check_lock"
)

// Coordinator abstracts the shared-store primitives the monitor uses.
type Coordinator interface {
	// CachedVerdict returns the cluster verdict if one is cached.
	CachedVerdict(ctx context.Context) (model.HealthSnapshot, bool, error)
	// AcquireLease attempts to become the prober for one lease period.
	AcquireLease(ctx context.Context) (bool, error)
	// StoreVerdict caches a fresh verdict for the other replicas.
	StoreVerdict(ctx context.Context, s model.HealthSnapshot) error
}

// Prober issues the per-processor health probes.
type Prober interface {
	CheckHealth(ctx context.Context, p model.Processor) (model.ProcessorHealth, error)
}

// Mirror persists verdicts to durable storage for observability.
type Mirror interface {
	UpsertProcessorHealth(ctx context.Context, p model.Processor, h model.ProcessorHealth) error
}

// Monitor holds the local snapshot and runs the probe protocol.
type Monitor struct {
	mu        sync.RWMutex
	snapshot  model.HealthSnapshot
	updatedAt time.Time

	coord  Coordinator
	prober Prober
	mirror Mirror
	logger *slog.Logger

	interval      time.Duration
	probeDeadline time.Duration
	now           func() time.Time
}

// NewMonitor creates a monitor starting from the both-failing snapshot.
// mirror may be nil.
func NewMonitor(coord Coordinator, prober Prober, mirror Mirror, logger *slog.Logger, interval, probeDeadline time.Duration) *Monitor {
	return &Monitor{
		snapshot:      model.InitialSnapshot(),
		coord:         coord,
		prober:        prober,
		mirror:        mirror,
		logger:        logger,
		interval:      interval,
		probeDeadline: probeDeadline,
		now:           time.Now,
	}
}

// Snapshot returns the current verdict without I/O. A snapshot older than
// the verdict TTL reverts to both-failing so a dead prober cannot keep a
// stale-good verdict alive.
func (m *Monitor) Snapshot() model.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.updatedAt.IsZero() || m.now().Sub(m.updatedAt) > config.VerdictTTL {
		return model.InitialSnapshot()
	}
	return m.snapshot
}

// Run drives the probe protocol until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh executes one round of the protocol: adopt the cached verdict if
// present, otherwise contend for the lease and probe.
func (m *Monitor) Refresh(ctx context.Context) {
	cached, ok, err := m.coord.CachedVerdict(ctx)
	if err != nil {
		m.logger.Warn("health_verdict_read_failed", "error", err)
	} else if ok {
		m.adopt(cached)
		return
	}

	granted, err := m.coord.AcquireLease(ctx)
	if err != nil {
		m.logger.Warn("health_lease_failed", "error", err)
		return
	}
	if !granted {
		return
	}

	snapshot := m.probeBoth(ctx)
	m.adopt(snapshot)

	if err := m.coord.StoreVerdict(ctx, snapshot); err != nil {
		m.logger.Warn("health_verdict_store_failed", "error", err)
	}
	if m.mirror != nil {
		for _, p := range model.Processors() {
			if err := m.mirror.UpsertProcessorHealth(ctx, p, snapshot.Health(p)); err != nil {
				m.logger.Warn("health_mirror_failed", "processor", p, "error", err)
			}
		}
	}
}

func (m *Monitor) adopt(s model.HealthSnapshot) {
	m.mu.Lock()
	m.snapshot = s
	m.updatedAt = m.now()
	m.mu.Unlock()
}

// probeBoth checks both processors in parallel under the probe deadline.
// Any probe error counts as failing.
func (m *Monitor) probeBoth(ctx context.Context) model.HealthSnapshot {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeDeadline)
	defer cancel()

	results := make([]model.ProcessorHealth, 2)
	var wg sync.WaitGroup
	for i, p := range model.Processors() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.prober.CheckHealth(probeCtx, p)
			if err != nil {
				m.logger.Warn("health_probe_failed", "processor", p, "error", err)
				h = model.ProcessorHealth{Failing: true, MinResponseTime: 0, LastCheckedAt: m.now().UnixMilli()}
			}
			results[i] = h
		}()
	}
	wg.Wait()

	return model.HealthSnapshot{Default: results[0], Fallback: results[1]}
}

// RedisCoordinator implements Coordinator on the shared Redis store.
type RedisCoordinator struct {
	rdb *redis.Client
}

// NewRedisCoordinator wraps the given client.
func NewRedisCoordinator(rdb *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{rdb: rdb}
}

func (c *RedisCoordinator) CachedVerdict(ctx context.Context) (model.HealthSnapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, verdictKey).Result()
	if err == redis.Nil {
		return model.HealthSnapshot{}, false, nil
	}
	if err != nil {
		return model.HealthSnapshot{}, false, fmt.Errorf("read cached verdict: %w", err)
	}
	var s model.HealthSnapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return model.HealthSnapshot{}, false, fmt.Errorf("decode cached verdict: %w", err)
	}
	return s, true, nil
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context) (bool, error) {
	granted, err := c.rdb.SetNX(ctx, leaseKey, "1", config.ProberLeaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire prober lease: %w", err)
	}
	return granted, nil
}

func (c *RedisCoordinator) StoreVerdict(ctx context.Context, s model.HealthSnapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	if err := c.rdb.Set(ctx, verdictKey, raw, config.VerdictTTL).Err(); err != nil {
		return fmt.Errorf("store verdict: %w", err)
	}
	return nil
}
