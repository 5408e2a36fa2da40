package jobmetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const job = "orders:reconcile-purchase"

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	require.NoError(t, m.Track(job).End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track(job).End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(job, "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(job, "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(job)))
	require.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess.WithLabelValues(job)))
}

func TestNilMetricsTrackerIsInert(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track(job).End(boom), boom)
	require.NoError(t, m.Track(job).End(nil))
}
