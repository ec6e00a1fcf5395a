package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chain metrics

	// ChainMessagesProcessed tracks total messages dispatched through a
	// decorator chain
	ChainMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "chain",
			Name:      "messages_processed_total",
			Help:      "Total messages dispatched through the decorator chain",
		},
		[]string{"kind", "result"}, // kind: command, query, event; result: success, failed
	)

	// ChainProcessingDuration tracks end-to-end chain invocation duration
	ChainProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "chain",
			Name:      "processing_duration_seconds",
			Help:      "Time to dispatch a message through the full chain",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// ChainRetries tracks retry attempts made by the retry decorator
	ChainRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "chain",
			Name:      "retries_total",
			Help:      "Total retry attempts made by the retry decorator",
		},
		[]string{"kind"},
	)

	// ChainRateLimitRejections tracks rate limit rejections
	ChainRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "chain",
			Name:      "rate_limit_rejections_total",
			Help:      "Total messages rejected by the rate-limit decorator",
		},
		[]string{"kind"},
	)

	// ChainCircuitBreakerState tracks circuit breaker state (0=closed, 1=open, 2=half-open)
	ChainCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "chain",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open",
		},
		[]string{"breaker"},
	)

	// ChainIdempotencyHits tracks short-circuited invocations served from
	// the idempotency store
	ChainIdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "chain",
			Name:      "idempotency_hits_total",
			Help:      "Invocations short-circuited by a stored idempotency outcome",
		},
		[]string{"outcome"}, // outcome: success, failure
	)

	// Outbox metrics

	// OutboxEntriesEnqueued tracks entries appended to the outbox
	OutboxEntriesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "entries_enqueued_total",
			Help:      "Total entries appended to the outbox",
		},
		[]string{"destination"},
	)

	// OutboxEntriesDispatched tracks relay dispatch outcomes
	OutboxEntriesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "entries_dispatched_total",
			Help:      "Total relay dispatch attempts by outcome",
		},
		[]string{"destination", "result"}, // result: success, failed, dead_lettered
	)

	// OutboxDispatchDuration tracks per-entry dispatch latency
	OutboxDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to dispatch one outbox entry to the transport",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// OutboxPendingDepth tracks pending entries per destination
	OutboxPendingDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "pending_depth",
			Help:      "Number of pending entries per destination",
		},
		[]string{"destination"},
	)

	// OutboxStuckRecovered tracks entries recovered from a stale Processing state
	OutboxStuckRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "outbox",
			Name:      "stuck_recovered_total",
			Help:      "Entries reset from stale Processing back to Pending",
		},
	)

	// Inbox metrics

	// InboxMessagesReceived tracks inbound messages by disposition
	InboxMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "inbox",
			Name:      "messages_received_total",
			Help:      "Inbound messages by disposition",
		},
		[]string{"result"}, // result: processed, failed, duplicate
	)

	// InboxEntriesCleaned tracks entries removed by the retention sweep
	InboxEntriesCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "inbox",
			Name:      "entries_cleaned_total",
			Help:      "Entries removed by the periodic retention sweep",
		},
	)

	// Saga metrics

	// SagaStepsExecuted tracks saga step outcomes
	SagaStepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "steps_executed_total",
			Help:      "Saga steps executed by outcome",
		},
		[]string{"saga_type", "result"}, // result: success, conflict_retried, failed, dead_lettered
	)

	// SagaStepDuration tracks load-step-save latency per saga type
	SagaStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "step_duration_seconds",
			Help:      "Time for one load-step-save cycle",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"saga_type"},
	)

	// SagaCompensationsInvoked tracks compensation invocations
	SagaCompensationsInvoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "compensations_invoked_total",
			Help:      "Compensation actions invoked by outcome",
		},
		[]string{"saga_type", "result"}, // result: success, failed
	)

	// SagaActiveInstances tracks instances not yet completed
	SagaActiveInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "heromessaging",
			Subsystem: "saga",
			Name:      "active_instances",
			Help:      "Saga instances not yet completed",
		},
		[]string{"saga_type"},
	)

	// Scheduler metrics

	// SchedulerMessagesScheduled tracks schedule requests
	SchedulerMessagesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "scheduler",
			Name:      "messages_scheduled_total",
			Help:      "Total messages accepted for deferred delivery",
		},
	)

	// SchedulerMessagesDelivered tracks delivery outcomes
	SchedulerMessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "scheduler",
			Name:      "messages_delivered_total",
			Help:      "Scheduled message deliveries by outcome",
		},
		[]string{"result"}, // result: delivered, failed, cancelled
	)

	// SchedulerDeliveryDrift tracks how late a message fired past DeliverAt
	SchedulerDeliveryDrift = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "scheduler",
			Name:      "delivery_drift_seconds",
			Help:      "Delay between DeliverAt and actual dispatch",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	// Transport metrics

	// TransportMessagesPublished tracks publishes by destination and outcome
	TransportMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "transport",
			Name:      "messages_published_total",
			Help:      "Envelopes published to the transport by outcome",
		},
		[]string{"destination", "result"}, // result: success, failed, throttled
	)

	// TransportMessagesConsumed tracks consumed envelopes by ack decision
	TransportMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "transport",
			Name:      "messages_consumed_total",
			Help:      "Envelopes consumed from the transport by ack decision",
		},
		[]string{"destination", "decision"}, // decision: ack, requeue, dead_letter
	)

	// HTTP metrics (diagnostics surface)

	// HTTPRequests tracks diagnostics API requests
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heromessaging",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Diagnostics API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks diagnostics API latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "heromessaging",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
