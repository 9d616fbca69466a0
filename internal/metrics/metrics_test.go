package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPGXPoolStats_CountsAcquireDeltas(t *testing.T) {
	m := &PGXPoolStats{
		conns:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_pool_conns"}),
		idle:           prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_pool_idle"}),
		acquireCount:   prometheus.NewCounter(prometheus.CounterOpts{Name: "test_pool_acquires"}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{Name: "test_pool_acquire_seconds"}),
	}

	m.record(4, 2, 10, 100*time.Millisecond)
	m.record(4, 3, 15, 250*time.Millisecond)
	m.record(4, 3, 15, 250*time.Millisecond) // quiet tick: nothing added

	require.Equal(t, float64(15), testutil.ToFloat64(m.acquireCount))
	require.InDelta(t, 0.25, testutil.ToFloat64(m.acquireLatency), 1e-9)
	require.Equal(t, float64(4), testutil.ToFloat64(m.conns))
	require.Equal(t, float64(3), testutil.ToFloat64(m.idle))
}
