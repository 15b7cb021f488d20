package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/queue"
)

type fakeQueue struct {
	mu           sync.Mutex
	enqueued     []string
	enqueueErr   error
	main         []queue.Taken
	due          []queue.Taken
	takeErr      error
	finalized    []queue.Taken
	rescheduled  []queue.Taken
	processed    map[string]bool
	processedErr error
	failed       map[string]bool
	marked       []string
	reclaimed    int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		processed: make(map[string]bool),
		failed:    make(map[string]bool),
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, id string, cents int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return false, q.enqueueErr
	}
	q.enqueued = append(q.enqueued, id)
	return true, nil
}

func (q *fakeQueue) TakeBatch(ctx context.Context, limit int) ([]queue.Taken, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.takeErr != nil {
		return nil, q.takeErr
	}
	items := q.main
	q.main = nil
	return items, nil
}

func (q *fakeQueue) TakeDue(ctx context.Context) ([]queue.Taken, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.takeErr != nil {
		return nil, q.takeErr
	}
	items := q.due
	q.due = nil
	return items, nil
}

func (q *fakeQueue) FinalizeSuccess(ctx context.Context, items []queue.Taken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finalized = append(q.finalized, items...)
	return nil
}

func (q *fakeQueue) Reschedule(ctx context.Context, items []queue.Taken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rescheduled = append(q.rescheduled, items...)
	return nil
}

func (q *fakeQueue) MarkProcessed(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.marked = append(q.marked, id)
	return nil
}

func (q *fakeQueue) IsProcessed(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processedErr != nil {
		return false, q.processedErr
	}
	return q.processed[id], nil
}

func (q *fakeQueue) IsFailed(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed[id], nil
}

func (q *fakeQueue) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaimed++
	return 0, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	rows      map[string]model.Transaction
	insertErr error
	existsErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]model.Transaction)}
}

func (l *fakeLedger) InsertBatch(ctx context.Context, txs []model.Transaction) ([]model.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil {
		return nil, l.insertErr
	}
	var inserted []model.Transaction
	for _, tx := range txs {
		if _, exists := l.rows[tx.CorrelationID]; exists {
			continue
		}
		l.rows[tx.CorrelationID] = tx
		inserted = append(inserted, tx)
	}
	return inserted, nil
}

func (l *fakeLedger) Exists(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	_, ok := l.rows[id]
	return ok, nil
}

type fakeHealth struct {
	mu       sync.Mutex
	snapshot model.HealthSnapshot
}

func (h *fakeHealth) Snapshot() model.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

func bothHealthy() *fakeHealth {
	return &fakeHealth{snapshot: model.HealthSnapshot{}}
}

type fakeSummary struct {
	mu         sync.Mutex
	increments map[model.Processor]int64
	amounts    map[model.Processor]int64
}

func newFakeSummary() *fakeSummary {
	return &fakeSummary{
		increments: make(map[model.Processor]int64),
		amounts:    make(map[model.Processor]int64),
	}
}

func (s *fakeSummary) Increment(ctx context.Context, p model.Processor, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments[p]++
	s.amounts[p] += cents
	return nil
}

// fakeClient accepts or rejects per processor and records every submit.
type fakeClient struct {
	mu      sync.Mutex
	fail    map[model.Processor]bool
	submits map[model.Processor]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		fail:    make(map[model.Processor]bool),
		submits: make(map[model.Processor]int),
	}
}

func (c *fakeClient) Submit(ctx context.Context, p model.Processor, id string, amount decimal.Decimal, requestedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits[p]++
	if c.fail[p] {
		return errors.New("processor unavailable")
	}
	return nil
}

func (c *fakeClient) CheckHealth(ctx context.Context, p model.Processor) (model.ProcessorHealth, error) {
	return model.ProcessorHealth{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineDeps struct {
	queue   *fakeQueue
	ledger  *fakeLedger
	health  *fakeHealth
	summary *fakeSummary
	client  *fakeClient
}

func newTestEngine(health *fakeHealth) (*Engine, engineDeps) {
	deps := engineDeps{
		queue:   newFakeQueue(),
		ledger:  newFakeLedger(),
		health:  health,
		summary: newFakeSummary(),
		client:  newFakeClient(),
	}
	e := New(deps.queue, deps.ledger, deps.health, deps.summary, deps.client, testLogger(), Options{
		IntakeDeadline:   500 * time.Millisecond,
		DrainDeadline:    8 * time.Second,
		BatchSize:        20,
		IdleDelay:        10 * time.Millisecond,
		ReclaimInterval:  time.Minute,
		ReclaimThreshold: 2 * time.Minute,
	})
	return e, deps
}

func mustRequest(t *testing.T, id, amount string) model.PaymentRequest {
	t.Helper()
	req, err := model.NewPaymentRequest(id, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return req
}

const (
	id1 = "11111111-1111-1111-1111-111111111111"
	id2 = "22222222-2222-2222-2222-222222222222"
	id3 = "33333333-3333-3333-3333-333333333333"
)

func TestIntake_AcceptsOnDefaultWhenHealthy(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "10.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	assert.Equal(t, 1, deps.client.submits[model.ProcessorDefault])
	assert.Zero(t, deps.client.submits[model.ProcessorFallback], "default healthy: fallback must not be touched")
	assert.Equal(t, model.ProcessorDefault, deps.ledger.rows[id1].Processor)
	assert.Equal(t, int64(1), deps.summary.increments[model.ProcessorDefault])
	assert.Equal(t, int64(1000), deps.summary.amounts[model.ProcessorDefault])
	assert.Contains(t, deps.marked(), id1)
}

func (d engineDeps) marked() []string {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	return append([]string(nil), d.queue.marked...)
}

func TestIntake_FallsBackWhenDefaultFailing(t *testing.T) {
	h := &fakeHealth{snapshot: model.HealthSnapshot{
		Default: model.ProcessorHealth{Failing: true},
	}}
	e, deps := newTestEngine(h)

	res, err := e.Intake(context.Background(), mustRequest(t, id2, "5.50"))

	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault])
	assert.Equal(t, 1, deps.client.submits[model.ProcessorFallback])
	assert.Equal(t, model.ProcessorFallback, deps.ledger.rows[id2].Processor)
}

func TestIntake_FallsBackWhenDefaultDeliveryFails(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.client.fail[model.ProcessorDefault] = true

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	assert.Equal(t, 1, deps.client.submits[model.ProcessorDefault])
	assert.Equal(t, 1, deps.client.submits[model.ProcessorFallback])
	assert.Equal(t, model.ProcessorFallback, deps.ledger.rows[id1].Processor)
}

func TestIntake_QueuesWhenBothFailing(t *testing.T) {
	h := &fakeHealth{snapshot: model.InitialSnapshot()}
	e, deps := newTestEngine(h)

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultQueued, res)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault])
	assert.Zero(t, deps.client.submits[model.ProcessorFallback])
	assert.Equal(t, []string{id1}, deps.queue.enqueued)
	assert.Empty(t, deps.ledger.rows)
}

func TestIntake_QueuesWhenAllDeliveriesFail(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.client.fail[model.ProcessorDefault] = true
	deps.client.fail[model.ProcessorFallback] = true

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultQueued, res)
	assert.Equal(t, []string{id1}, deps.queue.enqueued)
}

func TestIntake_DuplicateByProcessedMarker(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.queue.processed[id1] = true

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault])
}

func TestIntake_DeadLetteredIsTerminal(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.queue.failed[id1] = true

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault], "exhausted payments must not be redelivered")
	assert.Empty(t, deps.queue.enqueued, "exhausted payments must not be re-queued")
}

func TestIntake_DuplicateByLedgerRow(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.ledger.rows[id1] = model.Transaction{CorrelationID: id1}

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault])
}

func TestIntake_DuplicateChecksFailOpen(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.queue.processedErr = errors.New("store down")
	deps.ledger.existsErr = errors.New("ledger down")

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res, "check errors must not block acceptance")
}

func TestIntake_RepeatedSubmissionCommitsOnce(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	req := mustRequest(t, id3, "1.00")

	first, err := e.Intake(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, first)

	// Simulate the second replica: no processed marker visible, ledger row
	// already present.
	deps.queue.processed = map[string]bool{}
	second, err := e.Intake(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second)

	assert.Len(t, deps.ledger.rows, 1)
	assert.Equal(t, int64(1), deps.summary.increments[model.ProcessorDefault])
}

func TestIntake_EnqueueFailureSurfaces(t *testing.T) {
	h := &fakeHealth{snapshot: model.InitialSnapshot()}
	e, deps := newTestEngine(h)
	deps.queue.enqueueErr = errors.New("store down")

	_, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))
	assert.Error(t, err)
	assert.Empty(t, deps.ledger.rows)
}

func TestIntake_LedgerDownAfterDeliveryQueuesInsteadOfMarking(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.ledger.insertErr = errors.New("ledger down")

	res, err := e.Intake(context.Background(), mustRequest(t, id1, "1.00"))

	require.NoError(t, err)
	assert.Equal(t, ResultQueued, res)
	assert.Equal(t, []string{id1}, deps.queue.enqueued)
	assert.Empty(t, deps.marked(), "must not mark processed without a ledger row")
}

func taken(t *testing.T, id string, cents int64, retries int) queue.Taken {
	t.Helper()
	item := model.QueueItem{CorrelationID: id, AmountCents: cents, RetryCount: retries}
	raw, err := item.Encode()
	require.NoError(t, err)
	return queue.Taken{Raw: raw, Item: item}
}

func TestDrainTick_CommitsAndFinalizesSuccesses(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.queue.main = []queue.Taken{taken(t, id1, 1000, 0), taken(t, id2, 550, 2)}

	n := e.drainTick(context.Background())

	assert.Equal(t, 2, n)
	assert.Len(t, deps.ledger.rows, 2)
	assert.Len(t, deps.queue.finalized, 2)
	assert.Empty(t, deps.queue.rescheduled)
	assert.Equal(t, int64(2), deps.summary.increments[model.ProcessorDefault])
	assert.Equal(t, int64(1550), deps.summary.amounts[model.ProcessorDefault])
}

func TestDrainTick_MainAndRetryDrainedTogether(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.queue.main = []queue.Taken{taken(t, id1, 100, 0)}
	deps.queue.due = []queue.Taken{taken(t, id2, 200, 3)}

	n := e.drainTick(context.Background())

	assert.Equal(t, 2, n)
	assert.Len(t, deps.ledger.rows, 2)
}

func TestDrainTick_FailuresRescheduled(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.client.fail[model.ProcessorDefault] = true
	deps.client.fail[model.ProcessorFallback] = true
	deps.queue.main = []queue.Taken{taken(t, id1, 100, 0)}

	n := e.drainTick(context.Background())

	assert.Equal(t, 1, n)
	assert.Empty(t, deps.ledger.rows)
	assert.Empty(t, deps.queue.finalized)
	assert.Len(t, deps.queue.rescheduled, 1)
	assert.Zero(t, deps.summary.increments[model.ProcessorDefault])
}

func TestDrainTick_LedgerFailureReschedulesSuccesses(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.ledger.insertErr = errors.New("ledger down")
	deps.queue.main = []queue.Taken{taken(t, id1, 100, 0), taken(t, id2, 200, 0)}

	n := e.drainTick(context.Background())

	assert.Equal(t, 2, n)
	assert.Empty(t, deps.queue.finalized, "delivered items must not be marked processed without a ledger row")
	assert.Len(t, deps.queue.rescheduled, 2)
	assert.Zero(t, deps.summary.increments[model.ProcessorDefault])
}

func TestDrainTick_DuplicateRowDoesNotIncrementSummary(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.ledger.rows[id1] = model.Transaction{CorrelationID: id1, Processor: model.ProcessorDefault}
	deps.queue.main = []queue.Taken{taken(t, id1, 100, 1)}

	n := e.drainTick(context.Background())

	assert.Equal(t, 1, n)
	assert.Len(t, deps.queue.finalized, 1, "the queue item is done either way")
	assert.Zero(t, deps.summary.increments[model.ProcessorDefault], "conflicting insert must not double count")
}

func TestDrainTick_EmptyQueuesIsIdle(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	n := e.drainTick(context.Background())
	assert.Zero(t, n)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault])
}

func TestDrainTick_TakeErrorYieldsEmptyBatch(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	deps.queue.takeErr = errors.New("store down")
	deps.queue.main = []queue.Taken{taken(t, id1, 100, 0)}

	n := e.drainTick(context.Background())
	assert.Zero(t, n)
}

func TestDrainTick_BothFailingLeavesWorkQueued(t *testing.T) {
	h := &fakeHealth{snapshot: model.InitialSnapshot()}
	e, deps := newTestEngine(h)
	deps.queue.main = []queue.Taken{taken(t, id1, 100, 0)}

	n := e.drainTick(context.Background())

	assert.Equal(t, 1, n)
	assert.Len(t, deps.queue.rescheduled, 1)
	assert.Zero(t, deps.client.submits[model.ProcessorDefault])
}

func TestDefaultPreference_NoFallbackRowsWhileDefaultHealthy(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())

	for _, id := range []string{id1, id2, id3} {
		res, err := e.Intake(context.Background(), mustRequest(t, id, "2.00"))
		require.NoError(t, err)
		require.Equal(t, ResultAccepted, res)
	}
	deps.queue.main = []queue.Taken{taken(t, "44444444-4444-4444-4444-444444444444", 100, 0)}
	e.drainTick(context.Background())

	for id, row := range deps.ledger.rows {
		assert.Equal(t, model.ProcessorDefault, row.Processor, "row %s", id)
	}
	assert.Zero(t, deps.client.submits[model.ProcessorFallback])
	assert.Zero(t, deps.summary.increments[model.ProcessorFallback])
}

func TestRunReclaim_RunsImmediately(t *testing.T) {
	e, deps := newTestEngine(bothHealthy())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.RunReclaim(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		deps.queue.mu.Lock()
		defer deps.queue.mu.Unlock()
		return deps.queue.reclaimed >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRunDrain_StopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(bothHealthy())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.RunDrain(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not stop on cancel")
	}
}
