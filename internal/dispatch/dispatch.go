// Package dispatch is the payment delivery engine: the synchronous intake
// path and the background drain loop. It routes each payment to the
// cheapest healthy processor, commits accepted payments to the ledger, and
// hands failures to the retry queue.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/gateway"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/queue"
)

// Queue is the work-queue surface the engine drives.
type Queue interface {
	Enqueue(ctx context.Context, correlationID string, amountCents int64) (bool, error)
	TakeBatch(ctx context.Context, limit int) ([]queue.Taken, error)
	TakeDue(ctx context.Context) ([]queue.Taken, error)
	FinalizeSuccess(ctx context.Context, items []queue.Taken) error
	Reschedule(ctx context.Context, items []queue.Taken) error
	MarkProcessed(ctx context.Context, correlationID string) error
	IsProcessed(ctx context.Context, correlationID string) (bool, error)
	IsFailed(ctx context.Context, correlationID string) (bool, error)
	ReclaimStale(ctx context.Context, threshold time.Duration) (int, error)
}

// Ledger is the durable commit surface.
type Ledger interface {
	InsertBatch(ctx context.Context, txs []model.Transaction) ([]model.Transaction, error)
	Exists(ctx context.Context, correlationID string) (bool, error)
}

// HealthSource provides the current processor verdict without I/O.
type HealthSource interface {
	Snapshot() model.HealthSnapshot
}

// SummaryCounter receives increments for newly committed payments.
type SummaryCounter interface {
	Increment(ctx context.Context, p model.Processor, amountCents int64) error
}

// Result classifies the outcome of the intake path.
type Result int

const (
	// ResultAccepted means the payment was delivered and committed
	// synchronously.
	ResultAccepted Result = iota
	// ResultQueued means the payment was durably queued for the drain loop.
	ResultQueued
	// ResultDuplicate means the payment was already known; nothing was done.
	ResultDuplicate
)

// Options tunes the engine's deadlines and batch shape.
type Options struct {
	IntakeDeadline   time.Duration
	DrainDeadline    time.Duration
	BatchSize        int
	IdleDelay        time.Duration
	ReclaimInterval  time.Duration
	ReclaimThreshold time.Duration
}

// Engine wires the queue, ledger, health snapshot and processor client.
type Engine struct {
	queue   Queue
	ledger  Ledger
	health  HealthSource
	summary SummaryCounter
	client  gateway.ProcessorClient
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
}

// New creates a dispatch engine.
func New(q Queue, l Ledger, h HealthSource, s SummaryCounter, c gateway.ProcessorClient, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		queue:   q,
		ledger:  l,
		health:  h,
		summary: s,
		client:  c,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Intake handles one inbound payment: duplicate suppression, a bounded
// synchronous delivery attempt, and queue handoff on failure.
//
// Duplicate checks fail open: a coordination or ledger error is treated as
// "not a known duplicate", preferring a false acceptance (absorbed by the
// idempotent ledger insert) over silent loss.
func (e *Engine) Intake(ctx context.Context, req model.PaymentRequest) (Result, error) {
	if processed, err := e.queue.IsProcessed(ctx, req.CorrelationID); err != nil {
		e.logger.Warn("duplicate_check_failed_open", "correlation_id", req.CorrelationID, "error", err)
	} else if processed {
		return ResultDuplicate, nil
	}
	// A dead-lettered id is terminal: no further work, same idempotent
	// response as any other known payment.
	if failed, err := e.queue.IsFailed(ctx, req.CorrelationID); err != nil {
		e.logger.Warn("duplicate_check_failed_open", "correlation_id", req.CorrelationID, "error", err)
	} else if failed {
		return ResultDuplicate, nil
	}
	if exists, err := e.ledger.Exists(ctx, req.CorrelationID); err != nil {
		e.logger.Warn("duplicate_check_failed_open", "correlation_id", req.CorrelationID, "error", err)
	} else if exists {
		return ResultDuplicate, nil
	}

	for _, p := range e.health.Snapshot().TryOrder() {
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.IntakeDeadline)
		err := e.client.Submit(attemptCtx, p, req.CorrelationID, req.Amount, e.now())
		cancel()
		if err != nil {
			e.logger.Warn("intake_delivery_failed",
				"correlation_id", req.CorrelationID,
				"processor", p,
				"error", err,
			)
			continue
		}

		if err := e.commit(ctx, req, p); err != nil {
			// Delivered but not committed: queue it so the drain loop can
			// retry the commit. The ledger's unique key absorbs the
			// redelivery.
			e.logger.Error("intake_commit_failed", "correlation_id", req.CorrelationID, "error", err)
			break
		}
		return ResultAccepted, nil
	}

	inserted, err := e.queue.Enqueue(ctx, req.CorrelationID, req.AmountCents())
	if err != nil {
		// Fail closed: without a durable queue item the payment would be
		// silently lost.
		return 0, fmt.Errorf("enqueue payment %s: %w", req.CorrelationID, err)
	}
	e.logger.Info("payment_queued",
		"correlation_id", req.CorrelationID,
		"inserted", inserted,
	)
	return ResultQueued, nil
}

// commit writes one synchronous acceptance to the ledger and bumps the
// summary only if the row is new.
func (e *Engine) commit(ctx context.Context, req model.PaymentRequest, p model.Processor) error {
	tx := model.Transaction{
		CorrelationID: req.CorrelationID,
		Amount:        req.Amount,
		Processor:     p,
		ProcessedAt:   e.now().UTC(),
	}
	inserted, err := e.ledger.InsertBatch(ctx, []model.Transaction{tx})
	if err != nil {
		return err
	}
	for _, row := range inserted {
		if err := e.summary.Increment(ctx, row.Processor, row.Amount.Shift(2).IntPart()); err != nil {
			e.logger.Error("summary_increment_failed", "correlation_id", row.CorrelationID, "error", err)
		}
	}
	if err := e.queue.MarkProcessed(ctx, req.CorrelationID); err != nil {
		// Best-effort: the ledger row is the source of truth.
		e.logger.Warn("processed_marker_failed", "correlation_id", req.CorrelationID, "error", err)
	}
	e.logger.Info("payment_accepted",
		"correlation_id", req.CorrelationID,
		"processor", p,
		"path", "intake",
	)
	return nil
}

// RunDrain runs the background drain loop until the context is cancelled.
// A busy tick loops immediately; an idle tick waits the idle delay.
func (e *Engine) RunDrain(ctx context.Context) {
	for ctx.Err() == nil {
		if n := e.drainTick(ctx); n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.IdleDelay):
		}
	}
}

type deliveryOutcome struct {
	processor model.Processor
	delivered bool
}

// drainTick takes one batch (main queue first, then due retries), delivers
// all items in parallel under a shared deadline, commits the successes in
// one ledger batch and reschedules the failures. Returns the batch size.
func (e *Engine) drainTick(ctx context.Context) int {
	var mainItems, retryItems []queue.Taken
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		items, err := e.queue.TakeBatch(ctx, e.opts.BatchSize)
		if err != nil {
			e.logger.Error("take_batch_failed", "error", err)
			return
		}
		mainItems = items
	}()
	go func() {
		defer wg.Done()
		items, err := e.queue.TakeDue(ctx)
		if err != nil {
			e.logger.Error("take_due_failed", "error", err)
			return
		}
		retryItems = items
	}()
	wg.Wait()

	batch := append(mainItems, retryItems...)
	if len(batch) == 0 {
		return 0
	}

	snapshot := e.health.Snapshot()
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.DrainDeadline)
	outcomes := make([]deliveryOutcome, len(batch))
	var deliveries sync.WaitGroup
	for i, taken := range batch {
		deliveries.Add(1)
		go func() {
			defer deliveries.Done()
			outcomes[i] = e.deliver(attemptCtx, snapshot, taken.Item)
		}()
	}
	deliveries.Wait()
	cancel()

	var (
		successItems []queue.Taken
		successTxs   []model.Transaction
		failures     []queue.Taken
	)
	committedAt := e.now().UTC()
	for i, taken := range batch {
		if !outcomes[i].delivered {
			failures = append(failures, taken)
			continue
		}
		successItems = append(successItems, taken)
		successTxs = append(successTxs, model.Transaction{
			CorrelationID: taken.Item.CorrelationID,
			Amount:        taken.Item.Amount(),
			Processor:     outcomes[i].processor,
			ProcessedAt:   committedAt,
		})
	}

	if len(successTxs) > 0 {
		inserted, err := e.ledger.InsertBatch(ctx, successTxs)
		if err != nil {
			// The deliveries happened but cannot be recorded. Put them back
			// on the retry queue instead of marking processed; the
			// idempotent insert absorbs the redelivery once the ledger
			// recovers.
			e.logger.Error("ledger_batch_failed", "count", len(successTxs), "error", err)
			failures = append(successItems, failures...)
			successItems = nil
		} else {
			if err := e.queue.FinalizeSuccess(ctx, successItems); err != nil {
				e.logger.Warn("finalize_failed", "error", err)
			}
			for _, tx := range inserted {
				if err := e.summary.Increment(ctx, tx.Processor, tx.Amount.Shift(2).IntPart()); err != nil {
					e.logger.Error("summary_increment_failed", "correlation_id", tx.CorrelationID, "error", err)
				}
			}
		}
	}

	if len(failures) > 0 {
		if err := e.queue.Reschedule(ctx, failures); err != nil {
			e.logger.Error("reschedule_failed", "count", len(failures), "error", err)
		}
	}

	e.logger.Debug("drain_tick",
		"batch", len(batch),
		"succeeded", len(successItems),
		"failed", len(failures),
	)
	return len(batch)
}

// deliver attempts one queue item against the try order from the given
// snapshot, under the caller's shared deadline.
func (e *Engine) deliver(ctx context.Context, snapshot model.HealthSnapshot, item model.QueueItem) deliveryOutcome {
	for _, p := range snapshot.TryOrder() {
		err := e.client.Submit(ctx, p, item.CorrelationID, item.Amount(), e.now())
		if err == nil {
			return deliveryOutcome{processor: p, delivered: true}
		}
		e.logger.Warn("drain_delivery_failed",
			"correlation_id", item.CorrelationID,
			"processor", p,
			"retry_count", item.RetryCount,
			"error", err,
		)
	}
	return deliveryOutcome{}
}

// RunReclaim periodically moves orphaned processing items back to the
// retry queue. It runs once immediately so a restarted replica recovers
// its own orphans without waiting a full interval.
func (e *Engine) RunReclaim(ctx context.Context) {
	e.reclaimOnce(ctx)
	ticker := time.NewTicker(e.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reclaimOnce(ctx)
		}
	}
}

func (e *Engine) reclaimOnce(ctx context.Context) {
	if _, err := e.queue.ReclaimStale(ctx, e.opts.ReclaimThreshold); err != nil {
		e.logger.Error("reclaim_failed", "error", err)
	}
}
