package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus is the default (non-no-op) Observability implementation,
// adapted from internal/common/repository/instrumented.go's
// promauto.NewCounterVec/NewHistogramVec idiom: one Namespace, dynamically
// registered vectors keyed by metric name so callers don't need to
// pre-declare every label set.
type Prometheus struct {
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "heromessaging"
	}
	return &Prometheus{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (p *Prometheus) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	cv, ok := p.counters[name]
	if !ok {
		cv = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
		}, labelNames(labels))
		p.counters[name] = cv
	}
	return cv
}

func (p *Prometheus) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	hv, ok := p.histograms[name]
	if !ok {
		hv = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		p.histograms[name] = hv
	}
	return hv
}

type promCounter struct{ c prometheus.Counter }

func (pc promCounter) Inc()          { pc.c.Inc() }
func (pc promCounter) Add(d float64) { pc.c.Add(d) }

func (p *Prometheus) Counter(name string, labels map[string]string) Counter {
	return promCounter{p.counterVec(name, labels).With(labels)}
}

func (p *Prometheus) Timer(name string, labels map[string]string) func() {
	hv := p.histogramVec(name, labels)
	start := time.Now()
	return func() {
		hv.With(labels).Observe(time.Since(start).Seconds())
	}
}

type promSpan struct {
	attrs map[string]string
}

func (s *promSpan) SetAttribute(key, value string) { s.attrs[key] = value }
func (s *promSpan) End()                           {}

// StartSpan returns a minimal Span carrying attributes; Prometheus has no
// native tracing concept, so this is a structured no-op that still
// satisfies the interface for components wired against Prometheus alone.
func (p *Prometheus) StartSpan(_ context.Context, _ string) Span {
	return &promSpan{attrs: make(map[string]string)}
}
