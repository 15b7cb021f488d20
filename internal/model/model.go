package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Processor identifies one of the two external payment processors.
type Processor string

const (
	// ProcessorDefault is the cheaper processor, preferred whenever healthy.
	ProcessorDefault Processor = "default"
	// ProcessorFallback is the costlier backup processor.
	ProcessorFallback Processor = "fallback"
)

// Processors lists both processors in preference order.
func Processors() []Processor {
	return []Processor{ProcessorDefault, ProcessorFallback}
}

// PaymentRequest represents an accepted inbound payment intent.
type PaymentRequest struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

// NewPaymentRequest validates the raw fields and normalizes the amount to
// two fractional digits.
func NewPaymentRequest(correlationID string, amount decimal.Decimal) (PaymentRequest, error) {
	if len(correlationID) != 36 {
		return PaymentRequest{}, fmt.Errorf("correlationId must be a 36-character UUID, got %d characters", len(correlationID))
	}
	if _, err := uuid.Parse(correlationID); err != nil {
		return PaymentRequest{}, fmt.Errorf("correlationId is not a valid UUID: %w", err)
	}
	if amount.IsNegative() {
		return PaymentRequest{}, fmt.Errorf("amount must be non-negative, got %s", amount)
	}
	return PaymentRequest{
		CorrelationID: correlationID,
		Amount:        amount.Round(2),
	}, nil
}

// AmountCents returns the amount in integer cents, the form carried through
// the queue and the summary counters.
func (r PaymentRequest) AmountCents() int64 {
	return r.Amount.Shift(2).IntPart()
}

// QueueItem is the serialized unit of work moving between the main queue,
// the retry queue and the processing set. Its exact raw JSON form is the
// item's identity inside the coordination store, so field order and types
// must stay stable.
type QueueItem struct {
	CorrelationID string `json:"correlationId"`
	AmountCents   int64  `json:"amountCents"`
	RetryCount    int    `json:"retryCount"`
	NextRetryAt   int64  `json:"nextRetryAt"`
}

// Encode returns the canonical raw form of the item.
func (q QueueItem) Encode() (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encode queue item: %w", err)
	}
	return string(b), nil
}

// DecodeQueueItem parses a raw queue entry.
func DecodeQueueItem(raw string) (QueueItem, error) {
	var item QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return QueueItem{}, fmt.Errorf("decode queue item: %w", err)
	}
	return item, nil
}

// Amount converts the carried cents back to a two-digit decimal.
func (q QueueItem) Amount() decimal.Decimal {
	return decimal.New(q.AmountCents, -2)
}

// Transaction is a committed ledger row. Immutable once written.
type Transaction struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	Processor     Processor       `json:"processor"`
	ProcessedAt   time.Time       `json:"processedAt"`
}

// ProcessorHealth is the latest verdict for a single processor.
type ProcessorHealth struct {
	Failing         bool  `json:"failing"`
	MinResponseTime int64 `json:"minResponseTime"`
	LastCheckedAt   int64 `json:"lastCheckedAt"`
}

// HealthSnapshot holds the verdict for both processors. The zero value is
// not safe to route on; use InitialSnapshot for cold starts.
type HealthSnapshot struct {
	Default  ProcessorHealth `json:"default"`
	Fallback ProcessorHealth `json:"fallback"`
}

// InitialSnapshot marks both processors failing, which makes a cold-start
// replica queue work instead of calling processors blind.
func InitialSnapshot() HealthSnapshot {
	return HealthSnapshot{
		Default:  ProcessorHealth{Failing: true},
		Fallback: ProcessorHealth{Failing: true},
	}
}

// TryOrder returns the processors worth attempting, cheapest first.
// A processor marked failing is excluded entirely.
func (s HealthSnapshot) TryOrder() []Processor {
	order := make([]Processor, 0, 2)
	if !s.Default.Failing {
		order = append(order, ProcessorDefault)
	}
	if !s.Fallback.Failing {
		order = append(order, ProcessorFallback)
	}
	return order
}

// Health returns the verdict for the named processor.
func (s HealthSnapshot) Health(p Processor) ProcessorHealth {
	if p == ProcessorFallback {
		return s.Fallback
	}
	return s.Default
}

// ProcessorSummary aggregates accepted payments for one processor.
type ProcessorSummary struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalAmount   float64 `json:"totalAmount"`
}

// Summary is the point-in-time aggregation returned by the summary service.
type Summary struct {
	Default  ProcessorSummary `json:"default"`
	Fallback ProcessorSummary `json:"fallback"`
}

// SummaryAmount renders integer cents as the JSON number the summary exposes.
func SummaryAmount(cents int64) float64 {
	f, _ := decimal.New(cents, -2).Float64()
	return f
}
