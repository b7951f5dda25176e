package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("authz:invalidate").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("authz:invalidate").End(boom), boom)
	m.Dropped("authz:invalidate")

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, counts["odyssey_jobs_total"])
	assert.Equal(t, 1.0, counts["odyssey_jobs_failures_total"])
	assert.Equal(t, 1.0, counts["odyssey_jobs_dropped_total"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("x").End(boom), boom)
	m.Dropped("x")
}
