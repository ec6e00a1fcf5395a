// Package observability defines the counters/histograms/span API the core
// depends on only as an interface, never a concrete telemetry library,
// plus a no-op implementation and a Prometheus-backed default.
package observability

import "context"

// Counter is a monotonically increasing value, labeled at creation time.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Span is a single unit of traced work with a start/stop/attributes API.
type Span interface {
	SetAttribute(key, value string)
	End()
}

// Observability is the full interface the core depends on. Implementations
// may be no-ops (see NoOp).
type Observability interface {
	Counter(name string, labels map[string]string) Counter
	// Timer starts a duration measurement for a histogram and returns a
	// function that, when called, records the elapsed time.
	Timer(name string, labels map[string]string) func()
	StartSpan(ctx context.Context, name string) Span
}
