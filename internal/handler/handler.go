package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/dispatch"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/queue"
)

// Dispatcher is the intake surface of the dispatch engine.
type Dispatcher interface {
	Intake(ctx context.Context, req model.PaymentRequest) (dispatch.Result, error)
}

// SummaryService reads and maintains the summary counters.
type SummaryService interface {
	Get(ctx context.Context, from, to *time.Time) model.Summary
	Rebuild(ctx context.Context) error
	Reset(ctx context.Context) error
}

// QueueAdmin is the administrative queue surface: purge plus depth
// telemetry.
type QueueAdmin interface {
	PurgeAll(ctx context.Context) error
	Depths(ctx context.Context) (queue.Depths, error)
}

// HealthReader exposes the local health snapshot.
type HealthReader interface {
	Snapshot() model.HealthSnapshot
}

// Handler holds HTTP handler dependencies.
type Handler struct {
	dispatcher Dispatcher
	summary    SummaryService
	queues     QueueAdmin
	health     HealthReader
}

// New creates a new Handler.
func New(dispatcher Dispatcher, summary SummaryService, queues QueueAdmin, health HealthReader) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		summary:    summary,
		queues:     queues,
		health:     health,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /payments", h.CreatePayment)
	mux.HandleFunc("GET /payments-summary", h.GetSummary)
	mux.HandleFunc("POST /purge-payments", h.PurgePayments)
	mux.HandleFunc("POST /rebuild-summary-cache", h.RebuildSummaryCache)
	mux.HandleFunc("GET /health/processors", h.GetProcessorHealth)
}

// paymentBody is the wire form of POST /payments. Pointer fields
// distinguish missing from zero.
type paymentBody struct {
	CorrelationID *string          `json:"correlationId"`
	Amount        *decimal.Decimal `json:"amount"`
}

// CreatePayment handles POST /payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var body paymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.CorrelationID == nil {
		writeError(w, http.StatusBadRequest, "correlationId is required")
		return
	}
	if body.Amount == nil {
		writeError(w, http.StatusBadRequest, "amount is required")
		return
	}

	req, err := model.NewPaymentRequest(*body.CorrelationID, *body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.dispatcher.Intake(r.Context(), req)
	if err != nil {
		slog.Error("payment_intake_failed", "correlation_id", req.CorrelationID, "error", err)
		writeError(w, http.StatusInternalServerError, "payment could not be accepted")
		return
	}

	switch result {
	case dispatch.ResultQueued:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message":       "payment queued",
			"correlationId": req.CorrelationID,
		})
	default:
		// Accepted synchronously, or a duplicate of an already accepted
		// payment; the POST is idempotent either way.
		writeJSON(w, http.StatusOK, map[string]string{
			"message":       "payment accepted",
			"correlationId": req.CorrelationID,
		})
	}
}

// GetSummary handles GET /payments-summary. Always 200; the summary
// service zero-fills on any backend error, and the from/to bounds are
// advisory on the counter fast path.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	from := parseTimeParam(r, "from")
	to := parseTimeParam(r, "to")
	writeJSON(w, http.StatusOK, h.summary.Get(r.Context(), from, to))
}

// PurgePayments handles POST /purge-payments.
func (h *Handler) PurgePayments(w http.ResponseWriter, r *http.Request) {
	if err := h.queues.PurgeAll(r.Context()); err != nil {
		slog.Error("purge_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	if err := h.summary.Reset(r.Context()); err != nil {
		slog.Error("summary_reset_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "summary reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "payments purged"})
}

// RebuildSummaryCache handles POST /rebuild-summary-cache.
func (h *Handler) RebuildSummaryCache(w http.ResponseWriter, r *http.Request) {
	if err := h.summary.Rebuild(r.Context()); err != nil {
		slog.Error("summary_rebuild_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "summary rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "summary cache rebuilt"})
}

// GetProcessorHealth handles GET /health/processors: the local verdict
// plus queue depth telemetry for operators.
func (h *Handler) GetProcessorHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"processors": h.health.Snapshot(),
	}
	if depths, err := h.queues.Depths(r.Context()); err != nil {
		slog.Warn("queue_depths_unavailable", "error", err)
	} else {
		response["queues"] = depths
	}
	writeJSON(w, http.StatusOK, response)
}

// parseTimeParam reads an optional ISO-8601 bound. The summary endpoint
// answers 200 no matter what, so an unparsable bound is dropped rather
// than rejected.
func parseTimeParam(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		slog.Debug("summary_bound_ignored", "param", name, "value", raw)
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
