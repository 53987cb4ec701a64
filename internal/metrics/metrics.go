package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felipepmaragno/streamstack/internal/events"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamstack_requests_total",
			Help: "Total number of requests by terminal outcome",
		},
		[]string{"provider", "model", "outcome", "reason"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamstack_request_duration_seconds",
			Help:    "Time from arrival to terminal outcome in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)

	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamstack_queue_wait_seconds",
			Help:    "Time from arrival to dispatch in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"priority"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamstack_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamstack_admissions_total",
			Help: "Admission decisions (admitted, rejected_rate_limit, rejected_queue_full)",
		},
		[]string{"decision"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamstack_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"identity"},
	)

	Attempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamstack_provider_attempts",
			Help:    "Provider attempts per dispatched request",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"provider"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamstack_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamstack_provider_errors_total",
			Help: "Total number of failed requests by reason",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamstack_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamstack_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)
)

func RecordRequest(provider, model, outcome, reason string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, outcome, reason).Inc()
	RequestDuration.WithLabelValues(provider, outcome).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func RecordRateLimitHit(identity string) {
	RateLimitHits.WithLabelValues(identity).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RegisterGauges exposes values owned by other components. It must be called
// at most once per process.
func RegisterGauges(queueDepth, queueCapacity, inFlight, live func() int) {
	gauge := func(name, help string, fn func() int) {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(fn())
		})
	}
	gauge("streamstack_queue_depth", "Requests waiting in the local queue", queueDepth)
	gauge("streamstack_queue_capacity", "Maximum number of queued requests", queueCapacity)
	gauge("streamstack_dispatch_in_flight", "Requests currently held by a dispatcher worker", inFlight)
	gauge("streamstack_live_requests", "Admitted requests without a terminal outcome", live)
}

// RegisterEventsDropped exposes the drop counter of an asynchronous event exporter.
func RegisterEventsDropped(exporter string, dropped func() uint64) {
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name:        "streamstack_events_dropped_total",
		Help:        "Lifecycle events dropped by a full exporter buffer",
		ConstLabels: prometheus.Labels{"exporter": exporter},
	}, func() float64 {
		return float64(dropped())
	})
}

// Observer turns lifecycle events into metric updates.
type Observer struct{}

func (Observer) Observe(e events.Event) {
	switch e.Kind {
	case events.KindAdmitted:
		AdmissionsTotal.WithLabelValues(string(e.Kind)).Inc()
		return
	case events.KindRejectedRateLimit:
		AdmissionsTotal.WithLabelValues(string(e.Kind)).Inc()
		RecordRateLimitHit(string(e.Identity))
		return
	case events.KindRejectedQueueFull:
		AdmissionsTotal.WithLabelValues(string(e.Kind)).Inc()
		return
	case events.KindDispatched:
		QueueWait.WithLabelValues(e.Priority.String()).Observe(e.Latency.Seconds())
		return
	}

	if !e.Kind.Terminal() {
		return
	}
	RecordRequest(e.Provider, e.Model, string(e.Kind), string(e.Reason), e.Latency.Seconds())
	if e.Attempts > 0 {
		Attempts.WithLabelValues(e.Provider).Observe(float64(e.Attempts))
	}
	if e.Usage != nil {
		RecordTokens(e.Provider, e.Model, e.Usage.PromptTokens, e.Usage.CompletionTokens)
	}
	if e.Kind == events.KindFailed {
		RecordProviderError(e.Provider, string(e.Reason))
	}
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

// IncrementActiveStreams increments the active stream count for this pod.
func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveStreams decrements the active stream count for this pod.
func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
