// Package queue implements the payment work queue on the shared
// coordination store: a main FIFO for fresh work, a time-ordered retry
// schedule, and an in-flight processing set, with dedup markers keyed by
// correlation id.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/config"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
)

const (
	mainQueueKey  = "payment_queue"
	retryQueueKey = "payment_retry_queue"
	processingKey = "payment_processing"

	queueMarkerPrefix     = "queue_item:"
	processedMarkerPrefix = "payment_processed:"
	failedMarkerPrefix    = "payment_failed:"
)

// enqueueScript sets the dedup marker and pushes the item as one atomic
// unit, so a crash cannot leave a marker without its queued item.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// takeBatchScript moves up to ARGV[1] items from the tail of the main
// queue into the processing set and returns them.
var takeBatchScript = redis.NewScript(`
local moved = {}
for i = 1, tonumber(ARGV[1]) do
	local v = redis.call('RPOP', KEYS[1])
	if not v then break end
	redis.call('LPUSH', KEYS[2], v)
	moved[#moved + 1] = v
end
return moved
`)

// takeDueScript reads, removes and re-homes all due retry entries as one
// atomic unit. Splitting these steps across commands would let two workers
// take the same entry.
var takeDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #due == 0 then return due end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i = 1, #due do
	redis.call('LPUSH', KEYS[2], due[i])
end
return due
`)

// reclaimScript moves processing entries whose nextRetryAt is older than
// the cutoff back into the retry queue, retry count untouched. These are
// orphans left behind by a worker that died mid-batch.
var reclaimScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = 0
for i = 1, #items do
	local ok, it = pcall(cjson.decode, items[i])
	if ok and type(it) == 'table' and tonumber(it['nextRetryAt']) ~= nil
		and tonumber(it['nextRetryAt']) <= tonumber(ARGV[1]) then
		redis.call('LREM', KEYS[1], 1, items[i])
		redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), items[i])
		moved = moved + 1
	end
end
return moved
`)

// Taken pairs a parsed queue item with the exact raw form it was stored
// under. All bookkeeping against the processing set uses the raw form.
type Taken struct {
	Raw  string
	Item model.QueueItem
}

// Depths reports the size of the three queue collections.
type Depths struct {
	Main       int64 `json:"main"`
	Retry      int64 `json:"retry"`
	Processing int64 `json:"processing"`
}

// Manager owns the queue collections in the coordination store.
type Manager struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a queue manager over the given Redis client.
func NewManager(rdb *redis.Client, logger *slog.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger, now: time.Now}
}

// Backoff returns the delay applied before retry r+1, capped at five
// minutes: 5s, 10s, 20s, ... 300s.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^7 * 5s already exceeds the cap.
	if retryCount >= 7 {
		return config.BackoffCap
	}
	d := config.BackoffBase << uint(retryCount)
	if d > config.BackoffCap {
		return config.BackoffCap
	}
	return d
}

// advance computes the retry successor of a failed item. The bool reports
// whether the item still has retries left; when false the item is terminal.
func advance(item model.QueueItem, now time.Time) (model.QueueItem, bool) {
	if item.RetryCount >= config.MaxRetries {
		return model.QueueItem{}, false
	}
	next := item
	next.RetryCount++
	next.NextRetryAt = now.Add(Backoff(item.RetryCount)).UnixMilli()
	return next, true
}

// Enqueue inserts a fresh payment into the main queue. The insert is
// idempotent per correlation id: a second call within the marker TTL is a
// no-op. Returns whether the item was actually inserted.
func (m *Manager) Enqueue(ctx context.Context, correlationID string, amountCents int64) (bool, error) {
	item := model.QueueItem{
		CorrelationID: correlationID,
		AmountCents:   amountCents,
		NextRetryAt:   m.now().UnixMilli(),
	}
	raw, err := item.Encode()
	if err != nil {
		return false, err
	}

	res, err := enqueueScript.Run(ctx, m.rdb,
		[]string{queueMarkerPrefix + correlationID, mainQueueKey},
		raw, int(config.QueueMarkerTTL.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", correlationID, err)
	}
	return res == 1, nil
}

// TakeBatch atomically moves up to limit items from the main queue into
// the processing set. A coordination-store error yields an empty batch.
func (m *Manager) TakeBatch(ctx context.Context, limit int) ([]Taken, error) {
	raws, err := takeBatchScript.Run(ctx, m.rdb,
		[]string{mainQueueKey, processingKey}, limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("take batch: %w", err)
	}
	return m.parseTaken(raws), nil
}

// TakeDue atomically moves all retry entries due by now into the
// processing set.
func (m *Manager) TakeDue(ctx context.Context) ([]Taken, error) {
	raws, err := takeDueScript.Run(ctx, m.rdb,
		[]string{retryQueueKey, processingKey}, m.now().UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("take due: %w", err)
	}
	return m.parseTaken(raws), nil
}

func (m *Manager) parseTaken(raws []string) []Taken {
	taken := make([]Taken, 0, len(raws))
	for _, raw := range raws {
		item, err := model.DecodeQueueItem(raw)
		if err != nil {
			// An undecodable entry can never be delivered; drop it from
			// the processing set rather than wedge the drain loop.
			m.logger.Error("queue_item_undecodable", "raw", raw, "error", err)
			m.rdb.LRem(context.Background(), processingKey, 1, raw)
			continue
		}
		taken = append(taken, Taken{Raw: raw, Item: item})
	}
	return taken
}

// FinalizeSuccess removes delivered items from the processing set, drops
// their enqueue markers and sets processed markers. Best-effort: the
// ledger row is already the source of truth when this runs.
func (m *Manager) FinalizeSuccess(ctx context.Context, items []Taken) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			pipe.LRem(ctx, processingKey, 1, it.Raw)
			pipe.Del(ctx, queueMarkerPrefix+it.Item.CorrelationID)
			pipe.Set(ctx, processedMarkerPrefix+it.Item.CorrelationID, "1", config.ProcessedMarkerTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize success: %w", err)
	}
	return nil
}

// MarkProcessed sets the post-commit dedup marker for a payment accepted
// on the intake path, which never had a queue item to finalize.
func (m *Manager) MarkProcessed(ctx context.Context, correlationID string) error {
	if err := m.rdb.Set(ctx, processedMarkerPrefix+correlationID, "1", config.ProcessedMarkerTTL).Err(); err != nil {
		return fmt.Errorf("mark processed %s: %w", correlationID, err)
	}
	return nil
}

// Reschedule moves failed items out of the processing set. Items with
// retries left go to the retry queue with an incremented count and a
// backed-off due time; exhausted items are dead-lettered behind a failed
// marker.
func (m *Manager) Reschedule(ctx context.Context, items []Taken) error {
	if len(items) == 0 {
		return nil
	}
	now := m.now()
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			pipe.LRem(ctx, processingKey, 1, it.Raw)

			next, retriable := advance(it.Item, now)
			if !retriable {
				pipe.Del(ctx, queueMarkerPrefix+it.Item.CorrelationID)
				pipe.Set(ctx, failedMarkerPrefix+it.Item.CorrelationID, "1", config.FailedMarkerTTL)
				m.logger.Warn("payment_dead_lettered",
					"correlation_id", it.Item.CorrelationID,
					"retry_count", it.Item.RetryCount,
				)
				continue
			}

			raw, err := next.Encode()
			if err != nil {
				return err
			}
			pipe.ZAdd(ctx, retryQueueKey, redis.Z{
				Score:  float64(next.NextRetryAt),
				Member: raw,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	return nil
}

// ReclaimStale moves processing entries that have sat in-flight longer
// than threshold back to the retry queue, retry count preserved. Returns
// how many were moved.
func (m *Manager) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := m.now()
	cutoff := now.Add(-threshold).UnixMilli()
	moved, err := reclaimScript.Run(ctx, m.rdb,
		[]string{processingKey, retryQueueKey}, cutoff, now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if moved > 0 {
		m.logger.Warn("orphaned_items_reclaimed", "count", moved)
	}
	return moved, nil
}

// IsProcessed reports whether a processed marker exists for the id.
func (m *Manager) IsProcessed(ctx context.Context, correlationID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, processedMarkerPrefix+correlationID).Result()
	if err != nil {
		return false, fmt.Errorf("check processed marker %s: %w", correlationID, err)
	}
	return n > 0, nil
}

// IsFailed reports whether a terminal-failure marker exists for the id.
func (m *Manager) IsFailed(ctx context.Context, correlationID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, failedMarkerPrefix+correlationID).Result()
	if err != nil {
		return false, fmt.Errorf("check failed marker %s: %w", correlationID, err)
	}
	return n > 0, nil
}

// Depths reports current queue sizes, for telemetry only.
func (m *Manager) Depths(ctx context.Context) (Depths, error) {
	var d Depths
	var mainCmd, processingCmd *redis.IntCmd
	var retryCmd *redis.IntCmd
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		mainCmd = pipe.LLen(ctx, mainQueueKey)
		retryCmd = pipe.ZCard(ctx, retryQueueKey)
		processingCmd = pipe.LLen(ctx, processingKey)
		return nil
	})
	if err != nil {
		return d, fmt.Errorf("queue depths: %w", err)
	}
	d.Main = mainCmd.Val()
	d.Retry = retryCmd.Val()
	d.Processing = processingCmd.Val()
	return d, nil
}

// PurgeAll clears the three queue collections and every per-payment
// marker. Administrative; pairs with a summary rebuild.
func (m *Manager) PurgeAll(ctx context.Context) error {
	if err := m.rdb.Del(ctx, mainQueueKey, retryQueueKey, processingKey).Err(); err != nil {
		return fmt.Errorf("purge queues: %w", err)
	}
	for _, pattern := range []string{
		queueMarkerPrefix + "*",
		processedMarkerPrefix + "*",
		failedMarkerPrefix + "*",
	} {
		if err := m.deleteByPattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteByPattern(ctx context.Context, pattern string) error {
	iter := m.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	keys := make([]string, 0, 200)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 200 {
			if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("purge markers %s: %w", pattern, err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan markers %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("purge markers %s: %w", pattern, err)
		}
	}
	return nil
}
