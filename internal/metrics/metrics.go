package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	IngestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_events_total", Help: "Webhook event outcomes."},
		[]string{"result"}, // enqueued | duplicate | skipped | error
	)
	DispatchTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ingest_dispatch_triggers_total", Help: "Opportunistic dispatch trigger outcomes."},
		[]string{"result"}, // ok | error
	)

	// Dispatcher
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_claim_total", Help: "Job claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_claim_batch_size",
			Help:    "Number of jobs returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)
	GenerateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "generate_total", Help: "Generation outcomes."},
		[]string{"kind", "outcome"}, // kind: reply|followup, outcome: ok|empty|error
	)
	GenerateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generate_duration_seconds",
			Help:    "Generation latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "channel_send_total", Help: "Channel send outcomes."},
		[]string{"channel", "outcome"}, // sent | failed
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "channel_send_duration_seconds",
			Help:    "Channel send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	StaleReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_stale_reclaimed_total", Help: "Processing jobs returned to queued by the lease sweep."},
	)

	// Follow-up scheduler
	FollowupClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "followup_leads_claimed_total", Help: "Leads claimed by follow-up sweeps."},
	)
	FollowupResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "followup_results_total", Help: "Per-lead follow-up outcomes."},
		[]string{"stage"}, // sent | enqueue | generation | mark_sent
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call from every router
// build; registration happens once.
func MustRegister() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration, IngestEvents, DispatchTriggers,
		ClaimTotal, ClaimBatchSize, GenerateTotal, GenerateDuration,
		SendTotal, SendDuration, StaleReclaimed,
		FollowupClaimed, FollowupResults,
	)
}

// PGXPoolStats is a tiny pgxpool stats exporter.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	// pgxpool stats are cumulative; counters get the delta per tick.
	prevAcquires int64
	prevLatency  time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.record(s.TotalConns(), s.IdleConns(), s.AcquireCount(), s.AcquireDuration())
		}
	}
}

func (m *PGXPoolStats) record(total, idle int32, acquires int64, latency time.Duration) {
	m.conns.Set(float64(total))
	m.idle.Set(float64(idle))
	if d := acquires - m.prevAcquires; d > 0 {
		m.acquireCount.Add(float64(d))
	}
	if d := latency - m.prevLatency; d > 0 {
		m.acquireLatency.Add(d.Seconds())
	}
	m.prevAcquires = acquires
	m.prevLatency = latency
}
