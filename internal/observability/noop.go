package observability

import "context"

type noopCounter struct{}

func (noopCounter) Inc()            {}
func (noopCounter) Add(float64)     {}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, string) {}
func (noopSpan) End()                        {}

type noop struct{}

// NoOp returns an Observability implementation that discards everything —
// the default when no telemetry backend is configured.
func NoOp() Observability { return noop{} }

func (noop) Counter(string, map[string]string) Counter { return noopCounter{} }
func (noop) Timer(string, map[string]string) func()    { return func() {} }
func (noop) StartSpan(context.Context, string) Span     { return noopSpan{} }
