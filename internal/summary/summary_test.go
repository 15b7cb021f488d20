package summary

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marlonbarreto-git/nimbus-payment-broker/internal/model"
)

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "summary:processor:default", counterKey(model.ProcessorDefault))
	assert.Equal(t, "summary:processor:fallback", counterKey(model.ProcessorFallback))
}

func TestParseCounters(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		want   model.ProcessorSummary
	}{
		{
			"populated",
			map[string]string{"total_requests": "3", "total_amount": "1550"},
			model.ProcessorSummary{TotalRequests: 3, TotalAmount: 15.5},
		},
		{
			"empty hash zero-fills",
			map[string]string{},
			model.ProcessorSummary{},
		},
		{
			"nil hash zero-fills",
			nil,
			model.ProcessorSummary{},
		},
		{
			"malformed values read as zero",
			map[string]string{"total_requests": "many", "total_amount": "1.5"},
			model.ProcessorSummary{},
		},
		{
			"missing amount",
			map[string]string{"total_requests": "7"},
			model.ProcessorSummary{TotalRequests: 7},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCounters(tt.fields))
		})
	}
}
