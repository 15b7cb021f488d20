// Package summary serves the aggregated view of accepted payments. The
// fast path reads hash counters from the coordination store; the ledger
// GROUP BY is only run on explicit rebuild.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/ledger"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
)

const (
	counterKeyPrefix   = "summary:processor:"
	fieldTotalRequests = "total_requests"
	fieldTotalAmount   = "total_amount"
)

// LedgerSource is the slow-path aggregate used for rebuilds.
type LedgerSource interface {
	SummaryByProcessor(ctx context.Context, from, to *time.Time) ([]ledger.SummaryRow, error)
}

// Service reads and maintains the summary counters.
type Service struct {
	rdb      *redis.Client
	source   LedgerSource
	logger   *slog.Logger
	deadline time.Duration
}

// NewService creates a summary service with the given fast-path deadline.
func NewService(rdb *redis.Client, source LedgerSource, logger *slog.Logger, deadline time.Duration) *Service {
	return &Service{rdb: rdb, source: source, logger: logger, deadline: deadline}
}

func counterKey(p model.Processor) string {
	return counterKeyPrefix + string(p)
}

// parseCounters converts a counter hash into a processor summary. Absent
// or malformed fields read as zero.
func parseCounters(fields map[string]string) model.ProcessorSummary {
	requests, _ := strconv.ParseInt(fields[fieldTotalRequests], 10, 64)
	cents, _ := strconv.ParseInt(fields[fieldTotalAmount], 10, 64)
	return model.ProcessorSummary{
		TotalRequests: requests,
		TotalAmount:   model.SummaryAmount(cents),
	}
}

// Get returns the summary from the counters. Date bounds are advisory on
// this path and ignored. Never blocks past the deadline: on any error the
// result is zero-filled and the error is only logged.
func (s *Service) Get(ctx context.Context, from, to *time.Time) model.Summary {
	if from != nil || to != nil {
		s.logger.Debug("summary_date_filter_advisory", "from", from, "to", to)
	}

	readCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	var defaultCmd, fallbackCmd *redis.MapStringStringCmd
	_, err := s.rdb.Pipelined(readCtx, func(pipe redis.Pipeliner) error {
		defaultCmd = pipe.HGetAll(readCtx, counterKey(model.ProcessorDefault))
		fallbackCmd = pipe.HGetAll(readCtx, counterKey(model.ProcessorFallback))
		return nil
	})
	if err != nil {
		s.logger.Error("summary_read_failed", "error", err)
		return model.Summary{}
	}

	return model.Summary{
		Default:  parseCounters(defaultCmd.Val()),
		Fallback: parseCounters(fallbackCmd.Val()),
	}
}

// Increment bumps the counters for one newly committed payment. Callers
// must only invoke this for rows the ledger reported as newly inserted.
func (s *Service) Increment(ctx context.Context, p model.Processor, amountCents int64) error {
	key := counterKey(p)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTotalRequests, 1)
		pipe.HIncrBy(ctx, key, fieldTotalAmount, amountCents)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment summary for %s: %w", p, err)
	}
	return nil
}

// Rebuild recomputes the counters from the ledger. Used after a purge or
// to recover from counter drift.
func (s *Service) Rebuild(ctx context.Context) error {
	rows, err := s.source.SummaryByProcessor(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("rebuild summary: %w", err)
	}

	if err := s.Reset(ctx); err != nil {
		return err
	}

	for _, row := range rows {
		key := counterKey(row.Processor)
		err := s.rdb.HSet(ctx, key,
			fieldTotalRequests, row.Count,
			fieldTotalAmount, row.Amount.Shift(2).IntPart(),
		).Err()
		if err != nil {
			return fmt.Errorf("write rebuilt counters for %s: %w", row.Processor, err)
		}
	}
	return nil
}

// Reset clears both processor counters.
func (s *Service) Reset(ctx context.Context) error {
	keys := []string{counterKey(model.ProcessorDefault), counterKey(model.ProcessorFallback)}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset summary counters: %w", err)
	}
	return nil
}
