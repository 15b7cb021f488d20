// Package ledger is the durable record of accepted payments, backed by
// PostgreSQL. The ledger is the source of truth; queue markers and summary
// counters are rebuildable from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	correlation_id UUID PRIMARY KEY,
	amount NUMERIC(10,2) NOT NULL,
	processor VARCHAR(20) NOT NULL,
	processed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_processed_at ON transactions (processed_at);
CREATE INDEX IF NOT EXISTS idx_transactions_processor ON transactions (processor);
CREATE INDEX IF NOT EXISTS idx_transactions_processor_processed_at ON transactions (processor, processed_at);

CREATE TABLE IF NOT EXISTS processor_health (
	processor_name VARCHAR(20) PRIMARY KEY,
	is_failing BOOLEAN NOT NULL,
	min_response_time BIGINT NOT NULL,
	last_checked_at TIMESTAMP NOT NULL
);
`

// SummaryRow is one processor's aggregate over the transactions table.
type SummaryRow struct {
	Processor model.Processor
	Count     int64
	Amount    decimal.Decimal
}

// Store wraps the connection pool with the broker's ledger operations.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool to the ledger database.
func Open(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the schema if missing, so a fresh replica is
// self-contained.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertBatch writes the transactions in one statement, skipping rows whose
// correlation id already exists. It returns only the newly inserted rows,
// which is what summary increments must be keyed on.
func (s *Store) InsertBatch(ctx context.Context, txs []model.Transaction) ([]model.Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	sql, args := buildInsertStatement(txs)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("insert transactions: %w", err)
	}
	defer rows.Close()

	inserted := make(map[string]struct{}, len(txs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan inserted id: %w", err)
		}
		inserted[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insert transactions: %w", err)
	}

	result := make([]model.Transaction, 0, len(inserted))
	for _, tx := range txs {
		if _, ok := inserted[tx.CorrelationID]; ok {
			result = append(result, tx)
		}
	}
	return result, nil
}

// buildInsertStatement renders the multi-row idempotent insert. Amounts
// travel as fixed two-digit strings and are cast server-side to NUMERIC.
func buildInsertStatement(txs []model.Transaction) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO transactions (correlation_id, amount, processor, processed_at) VALUES ")

	args := make([]any, 0, len(txs)*4)
	for i, tx := range txs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d::uuid, $%d::numeric, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, tx.CorrelationID, tx.Amount.StringFixed(2), string(tx.Processor), tx.ProcessedAt.UTC())
	}
	sb.WriteString(" ON CONFLICT (correlation_id) DO NOTHING RETURNING correlation_id")
	return sb.String(), args
}

// Exists reports whether a ledger row exists for the correlation id.
func (s *Store) Exists(ctx context.Context, correlationID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM transactions WHERE correlation_id = $1", correlationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check transaction %s: %w", correlationID, err)
	}
	return true, nil
}

// SummaryByProcessor aggregates the ledger, optionally bounded by a
// processed_at range.
func (s *Store) SummaryByProcessor(ctx context.Context, from, to *time.Time) ([]SummaryRow, error) {
	sql, args := buildSummaryQuery(from, to)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize ledger: %w", err)
	}
	defer rows.Close()

	var result []SummaryRow
	for rows.Next() {
		var (
			processor string
			count     int64
			amount    string
		)
		if err := rows.Scan(&processor, &count, &amount); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		dec, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse summary amount %q: %w", amount, err)
		}
		result = append(result, SummaryRow{
			Processor: model.Processor(processor),
			Count:     count,
			Amount:    dec,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize ledger: %w", err)
	}
	return result, nil
}

func buildSummaryQuery(from, to *time.Time) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT processor, COUNT(*), COALESCE(SUM(amount), 0)::text FROM transactions")

	var args []any
	var conds []string
	if from != nil {
		args = append(args, from.UTC())
		conds = append(conds, fmt.Sprintf("processed_at >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, to.UTC())
		conds = append(conds, fmt.Sprintf("processed_at <= $%d", len(args)))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" GROUP BY processor")
	return sb.String(), args
}

// UpsertProcessorHealth mirrors a health verdict into the ledger for
// observability. Best-effort; callers log and continue on error.
func (s *Store) UpsertProcessorHealth(ctx context.Context, p model.Processor, h model.ProcessorHealth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processor_health (processor_name, is_failing, min_response_time, last_checked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (processor_name) DO UPDATE SET
			is_failing = EXCLUDED.is_failing,
			min_response_time = EXCLUDED.min_response_time,
			last_checked_at = EXCLUDED.last_checked_at`,
		string(p), h.Failing, h.MinResponseTime, time.UnixMilli(h.LastCheckedAt).UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert processor health %s: %w", p, err)
	}
	return nil
}
