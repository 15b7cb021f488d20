// Package gateway is the client side of the external payment-processor
// protocol: payment delivery and health probing over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
)

// ProcessorClient defines the operations the broker performs against a
// payment processor.
type ProcessorClient interface {
	// Submit delivers one payment. A nil error means the processor
	// accepted it (2xx).
	Submit(ctx context.Context, p model.Processor, correlationID string, amount decimal.Decimal, requestedAt time.Time) error
	// CheckHealth probes the processor's service-health endpoint.
	CheckHealth(ctx context.Context, p model.Processor) (model.ProcessorHealth, error)
}

// StatusError reports a non-2xx processor response.
type StatusError struct {
	Processor model.Processor
	Code      int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("processor %s returned status %d", e.Processor, e.Code)
}

// HTTPClient talks to both processors over a pooled HTTP transport.
type HTTPClient struct {
	client   *http.Client
	baseURLs map[model.Processor]string
}

// NewHTTPClient creates a client for the two processor base URLs.
func NewHTTPClient(defaultURL, fallbackURL string) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURLs: map[model.Processor]string{
			model.ProcessorDefault:  defaultURL,
			model.ProcessorFallback: fallbackURL,
		},
	}
}

type submitBody struct {
	CorrelationID string          `json:"correlationId"`
	Amount        json.RawMessage `json:"amount"`
	RequestedAt   string          `json:"requestedAt"`
}

func (c *HTTPClient) Submit(ctx context.Context, p model.Processor, correlationID string, amount decimal.Decimal, requestedAt time.Time) error {
	body, err := json.Marshal(submitBody{
		CorrelationID: correlationID,
		// The protocol wants a JSON number with two fractional digits;
		// decimal.Decimal would marshal as a quoted string.
		Amount:      json.RawMessage(amount.StringFixed(2)),
		RequestedAt: requestedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		return fmt.Errorf("marshal payment body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURLs[p]+"/payments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", p, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Processor: p, Code: resp.StatusCode}
	}
	return nil
}

type healthBody struct {
	Failing         bool  `json:"failing"`
	MinResponseTime int64 `json:"minResponseTime"`
}

func (c *HTTPClient) CheckHealth(ctx context.Context, p model.Processor) (model.ProcessorHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURLs[p]+"/payments/service-health", nil)
	if err != nil {
		return model.ProcessorHealth{}, fmt.Errorf("build health request: %w", err)
	}
	// The probe endpoint is rate-limited; do not hold a keep-alive slot on it.
	req.Close = true

	resp, err := c.client.Do(req)
	if err != nil {
		return model.ProcessorHealth{}, fmt.Errorf("probe %s: %w", p, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.ProcessorHealth{}, &StatusError{Processor: p, Code: resp.StatusCode}
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.ProcessorHealth{}, fmt.Errorf("decode health response from %s: %w", p, err)
	}

	return model.ProcessorHealth{
		Failing:         body.Failing,
		MinResponseTime: body.MinResponseTime,
		LastCheckedAt:   time.Now().UnixMilli(),
	}, nil
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
