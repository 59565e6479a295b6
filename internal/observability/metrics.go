package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PointSwap.
type Metrics struct {
	// --- Core loop ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	TickDuration     prometheus.Histogram
	LogicalTick      prometheus.Gauge
	LedgerEntries    *prometheus.CounterVec

	// --- Matches & sessions ---
	MatchTransitions   *prometheus.CounterVec
	MatchesCanceled    *prometheus.CounterVec
	ActiveMatches      prometheus.Gauge
	ActiveSessions     *prometheus.GaugeVec
	ViolationsRecorded *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	EventDrops         *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Audit trail ---
	AuditRowsWritten *prometheus.CounterVec
	AuditBatchSize   prometheus.Histogram
	AuditBatchDur    prometheus.Histogram
	AuditErrors      *prometheus.CounterVec
	AuditRetry       prometheus.Counter

	// --- Transport ---
	PublishErrors  prometheus.Counter
	NATSCommands   *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	FeedClients    prometheus.Gauge
	FeedSendErrors prometheus.Counter
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core loop
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_core_commands_applied_total",
			Help: "Commands successfully applied by the core loop",
		}, []string{"command"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_core_commands_rejected_total",
			Help: "Commands rejected (validation, state, duplicate)",
		}, []string{"command", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pointswap_core_command_duration_seconds",
			Help:    "Time to apply a single command in the core loop",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pointswap_core_tick_duration_seconds",
			Help:    "Time to process one logical tick",
			Buckets: latencyBuckets,
		}),

		LogicalTick: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointswap_core_tick",
			Help: "Current logical tick",
		}),

		LedgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_ledger_entries_total",
			Help: "Balance ledger mutations",
		}, []string{"entry_type"}),

		// Matches & sessions
		MatchTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_match_transitions_total",
			Help: "Match state transitions",
		}, []string{"from", "to"}),

		MatchesCanceled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_matches_canceled_total",
			Help: "Canceled matches by cause",
		}, []string{"cause"}),

		ActiveMatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointswap_matches_active",
			Help: "Open matches (scheduled, confirming, trading)",
		}),

		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pointswap_sessions_active",
			Help: "Active search sessions",
		}, []string{"role"}),

		ViolationsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_violations_recorded_total",
			Help: "Violation entries appended",
		}, []string{"kind"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pointswap_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pointswap_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pointswap_channel_utilization_ratio",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		EventDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_event_drops_total",
			Help: "Lifecycle events dropped because a consumer was full",
		}, []string{"sink"}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_idempotency_duplicates_total",
			Help: "Replayed request ids",
		}, []string{"command"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointswap_dedup_lru_size",
			Help: "Current request-id LRU entries",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "pointswap_dedup_lru_evictions_total",
			Help: "Request-id LRU evictions",
		}),

		// Audit
		AuditRowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_audit_rows_written_total",
			Help: "Audit rows committed to Postgres",
		}, []string{"table"}),

		AuditBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pointswap_audit_batch_size",
			Help:    "Events per audit batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		AuditBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pointswap_audit_batch_duration_seconds",
			Help:    "Time to commit one audit batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_audit_errors_total",
			Help: "Audit write errors",
		}, []string{"operation"}),

		AuditRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pointswap_audit_retries_total",
			Help: "Audit batch retries",
		}),

		// Transport
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pointswap_publish_errors_total",
			Help: "JetStream publish failures",
		}),

		NATSCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_nats_commands_total",
			Help: "Commands received over NATS request/reply",
		}, []string{"command", "outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pointswap_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pointswap_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),

		FeedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "pointswap_feed_clients",
			Help: "Connected websocket feed clients",
		}),

		FeedSendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pointswap_feed_send_errors_total",
			Help: "Websocket snapshot writes that failed",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
