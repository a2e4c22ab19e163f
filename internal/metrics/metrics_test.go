package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Exact routes (no normalization needed)
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/api/lookup", "/api/lookup"},
		{"/api/audit", "/api/audit"},
		{"/api/reset", "/api/reset"},

		// Routes with dynamic trailing segments
		{"/api/lookup/t2_abc123", "/api/lookup/:id"},
		{"/api/audit/t2_abc123", "/api/audit/:id"},
		{"/api/reset/t2_abc123", "/api/reset/:id"},

		// Unknown routes pass through
		{"/api/unknown", "/api/unknown"},
		{"/something/else", "/something/else"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePath(tt.input))
		})
	}
}

func TestEscalationCounterIncrements(t *testing.T) {
	counter := EscalationsTotal.WithLabelValues("mute")

	before := &dto.Metric{}
	require.NoError(t, counter.Write(before))

	counter.Inc()

	after := &dto.Metric{}
	require.NoError(t, counter.Write(after))

	assert.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}
