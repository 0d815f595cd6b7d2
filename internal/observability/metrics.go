package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// alert ingestion and distribution pipeline.
type Metrics struct {
	ParseSuccess prometheus.Counter
	ParseErrors  *prometheus.CounterVec // labels: mode={MalformedHeader,MissingUGC,InvalidVTEC,EmptyBody}

	StoreSize          prometheus.Gauge
	StoreUpserts       *prometheus.CounterVec // labels: result={added,updated,superseded,ignored}
	StoreRemovals      *prometheus.CounterVec // labels: reason={cancelled,expired,manual}
	StoreEvictionDelay prometheus.Histogram

	HubSubscribers    prometheus.Gauge
	HubFramesSent     *prometheus.CounterVec // labels: type
	HubSlowConsumers  prometheus.Counter

	PushConnected    prometheus.Gauge
	PushReconnects   prometheus.Counter
	PushMessagesRecv prometheus.Counter

	PullRequests     *prometheus.CounterVec // labels: outcome={success,retry,failure}
	PullDuration     prometheus.Histogram
	PullActiveAlerts prometheus.Gauge

	SinkQueueDepth   prometheus.Gauge
	SinkPublished    prometheus.Counter
	SinkDropped      prometheus.Counter
	SinkPublishError prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ParseSuccess, m.ParseErrors,
		m.StoreSize, m.StoreUpserts, m.StoreRemovals, m.StoreEvictionDelay,
		m.HubSubscribers, m.HubFramesSent, m.HubSlowConsumers,
		m.PushConnected, m.PushReconnects, m.PushMessagesRecv,
		m.PullRequests, m.PullDuration, m.PullActiveAlerts,
		m.SinkQueueDepth, m.SinkPublished, m.SinkDropped, m.SinkPublishError,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them with any
// registry, so multiple tests can each build one without "already
// registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	const ns = "alertd"
	return &Metrics{
		ParseSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "parse_success_total", Help: "Products successfully parsed into alerts.",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "parse_errors_total", Help: "Parse failures by typed failure mode.",
		}, []string{"mode"}),
		StoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "store_size", Help: "Current number of alerts held in the Store.",
		}),
		StoreUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "store_upserts_total", Help: "Upsert calls by result.",
		}, []string{"result"}),
		StoreRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "store_removals_total", Help: "Removals by reason.",
		}, []string{"reason"}),
		StoreEvictionDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "store_eviction_delay_seconds",
			Help:    "Seconds between an alert's expiration+grace deadline and its actual eviction.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
		}),
		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "hub_subscribers", Help: "Currently connected WebSocket subscribers.",
		}),
		HubFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "hub_frames_sent_total", Help: "Outbound frames sent by type.",
		}, []string{"type"}),
		HubSlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "hub_slow_consumers_total", Help: "Subscribers disconnected for a full queue.",
		}),
		PushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "push_connected", Help: "1 when the NWWS push source is connected, 0 otherwise.",
		}),
		PushReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "push_reconnects_total", Help: "Push source reconnect attempts.",
		}),
		PushMessagesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "push_messages_received_total", Help: "Raw products received over the push source.",
		}),
		PullRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "pull_requests_total", Help: "Pull source HTTP requests by outcome.",
		}, []string{"outcome"}),
		PullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "pull_request_duration_seconds", Help: "Pull source HTTP request duration.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		PullActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pull_active_alerts", Help: "Alerts reported active by the most recent pull cycle.",
		}),
		SinkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "sink_queue_depth", Help: "Change events buffered for the Kafka sink's publishing goroutine.",
		}),
		SinkPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "sink_published_total", Help: "Change events successfully published to Kafka.",
		}),
		SinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "sink_dropped_total", Help: "Change events dropped because the sink's queue was full.",
		}),
		SinkPublishError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "sink_publish_errors_total", Help: "Kafka publish attempts that returned an error.",
		}),
	}
}
