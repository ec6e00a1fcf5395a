package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// === Chain Metrics Tests ===

func TestChainMessagesProcessed_Labels(t *testing.T) {
	ChainMessagesProcessed.WithLabelValues("command", "success").Inc()
	ChainMessagesProcessed.WithLabelValues("query", "failed").Inc()
	ChainMessagesProcessed.WithLabelValues("event", "success").Inc()

	counter := ChainMessagesProcessed.WithLabelValues("command", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestChainProcessingDuration_Observe(t *testing.T) {
	durations := []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0}
	for _, d := range durations {
		ChainProcessingDuration.WithLabelValues("command").Observe(d)
	}

	histogram := ChainProcessingDuration.WithLabelValues("command")
	if histogram == nil {
		t.Error("Expected histogram to be non-nil")
	}
}

func TestChainCircuitBreakerState_GaugeOperations(t *testing.T) {
	gauge := ChainCircuitBreakerState.WithLabelValues("test-breaker")

	gauge.Set(0) // closed
	gauge.Set(1) // open
	gauge.Set(2) // half-open

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestChainIdempotencyHits_Labels(t *testing.T) {
	ChainIdempotencyHits.WithLabelValues("success").Inc()
	ChainIdempotencyHits.WithLabelValues("failure").Inc()
}

// === Outbox Metrics Tests ===

func TestOutboxEntriesDispatched_Labels(t *testing.T) {
	OutboxEntriesDispatched.WithLabelValues("orders", "success").Inc()
	OutboxEntriesDispatched.WithLabelValues("orders", "failed").Inc()
	OutboxEntriesDispatched.WithLabelValues("orders", "dead_lettered").Inc()

	counter := OutboxEntriesDispatched.WithLabelValues("orders", "success")
	if counter == nil {
		t.Error("Expected counter to be non-nil")
	}
}

func TestOutboxPendingDepth_GaugeOperations(t *testing.T) {
	gauge := OutboxPendingDepth.WithLabelValues("orders-depth")

	gauge.Set(100)
	gauge.Add(50)
	gauge.Sub(25)

	if gauge == nil {
		t.Error("Expected gauge to be non-nil")
	}
}

func TestOutboxStuckRecovered_Counter(t *testing.T) {
	before := testutil.ToFloat64(OutboxStuckRecovered)
	OutboxStuckRecovered.Inc()
	OutboxStuckRecovered.Add(2)
	after := testutil.ToFloat64(OutboxStuckRecovered)

	if after-before != 3 {
		t.Errorf("Expected counter to advance by 3, got %f", after-before)
	}
}

// === Inbox Metrics Tests ===

func TestInboxMessagesReceived_Labels(t *testing.T) {
	InboxMessagesReceived.WithLabelValues("processed").Inc()
	InboxMessagesReceived.WithLabelValues("failed").Inc()
	InboxMessagesReceived.WithLabelValues("duplicate").Inc()
}

// === Saga Metrics Tests ===

func TestSagaStepsExecuted_Labels(t *testing.T) {
	SagaStepsExecuted.WithLabelValues("OrderSaga", "success").Inc()
	SagaStepsExecuted.WithLabelValues("OrderSaga", "conflict_retried").Inc()
	SagaStepsExecuted.WithLabelValues("OrderSaga", "dead_lettered").Inc()
}

func TestSagaActiveInstances_GaugeOperations(t *testing.T) {
	gauge := SagaActiveInstances.WithLabelValues("OrderSaga-active")

	gauge.Inc()
	gauge.Inc()
	gauge.Dec()

	val := testutil.ToFloat64(gauge)
	if val != 1 {
		t.Errorf("Expected 1 active instance, got %f", val)
	}
}

func TestSagaCompensationsInvoked_Labels(t *testing.T) {
	SagaCompensationsInvoked.WithLabelValues("OrderSaga", "success").Inc()
	SagaCompensationsInvoked.WithLabelValues("OrderSaga", "failed").Inc()
}

// === Scheduler Metrics Tests ===

func TestSchedulerMessagesDelivered_Labels(t *testing.T) {
	SchedulerMessagesDelivered.WithLabelValues("delivered").Inc()
	SchedulerMessagesDelivered.WithLabelValues("failed").Inc()
	SchedulerMessagesDelivered.WithLabelValues("cancelled").Inc()
}

func TestSchedulerDeliveryDrift_Observe(t *testing.T) {
	drifts := []float64{0.005, 0.05, 0.3, 1.5}
	for _, d := range drifts {
		SchedulerDeliveryDrift.Observe(d)
	}
}

// === Transport Metrics Tests ===

func TestTransportMessagesPublished_Labels(t *testing.T) {
	TransportMessagesPublished.WithLabelValues("orders", "success").Inc()
	TransportMessagesPublished.WithLabelValues("orders", "throttled").Inc()

	counter := TransportMessagesPublished.WithLabelValues("orders", "success")
	desc := counter.Desc()
	if desc == nil {
		t.Error("Expected Desc to be non-nil")
	}
}

func TestTransportMessagesConsumed_Labels(t *testing.T) {
	TransportMessagesConsumed.WithLabelValues("orders", "ack").Inc()
	TransportMessagesConsumed.WithLabelValues("orders", "requeue").Inc()
	TransportMessagesConsumed.WithLabelValues("orders", "dead_letter").Inc()
}

// === HTTP Metrics Tests ===

func TestHTTPRequests_Labels(t *testing.T) {
	HTTPRequests.WithLabelValues("GET", "/healthz", "200").Inc()
	HTTPRequests.WithLabelValues("GET", "/debug/sagas", "404").Inc()
}

// === Metric Name Tests ===

func TestMetricNamingConvention(t *testing.T) {
	// Verify metrics follow heromessaging_subsystem_name convention
	expectedNames := map[string]prometheus.Collector{
		"heromessaging_chain_messages_processed_total":     ChainMessagesProcessed,
		"heromessaging_outbox_entries_dispatched_total":    OutboxEntriesDispatched,
		"heromessaging_inbox_messages_received_total":      InboxMessagesReceived,
		"heromessaging_saga_steps_executed_total":          SagaStepsExecuted,
		"heromessaging_scheduler_messages_delivered_total": SchedulerMessagesDelivered,
		"heromessaging_transport_messages_published_total": TransportMessagesPublished,
		"heromessaging_http_requests_total":                HTTPRequests,
	}

	for fqName, collector := range expectedNames {
		descs := make(chan *prometheus.Desc, 1)
		collector.Describe(descs)
		desc := (<-descs).String()
		if !strings.Contains(desc, `fqName: "`+fqName+`"`) {
			t.Errorf("Expected metric name %s, got %s", fqName, desc)
		}
	}
}

// === Counter Value Tests ===

func TestCounterValue(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})

	reg.MustRegister(counter)

	counter.Add(5)

	val := testutil.ToFloat64(counter)
	if val != 5 {
		t.Errorf("Expected counter value 5, got %f", val)
	}

	counter.Inc()

	val = testutil.ToFloat64(counter)
	if val != 6 {
		t.Errorf("Expected counter value 6, got %f", val)
	}
}

// === Gauge Value Tests ===

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})

	reg.MustRegister(gauge)

	gauge.Set(100)
	val := testutil.ToFloat64(gauge)
	if val != 100 {
		t.Errorf("Expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	val = testutil.ToFloat64(gauge)
	if val != 150 {
		t.Errorf("Expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	val = testutil.ToFloat64(gauge)
	if val != 120 {
		t.Errorf("Expected gauge value 120, got %f", val)
	}
}
