package module

// Sink is the narrow interface the Metrics module needs from an
// observability backend. internal/metrics.Prometheus implements it; the
// module package does not import internal/metrics itself to avoid a
// cycle (internal/metrics instead imports internal/module for the event
// types).
type Sink interface {
	ObserveValidate(event ValidateEvent, allowed bool)
	ObserveLifecycle(event LifecycleEvent)
}

// Metrics is the optional module spec.md §4.E names that turns every
// validate/lifecycle dispatch into a counter update. It never rejects a
// validation itself.
type Metrics struct {
	Sink Sink
}

func (Metrics) Name() string { return "metrics" }
func (Metrics) Kind() Kind   { return KindMetrics }

func (m Metrics) Validate(event ValidateEvent, ctx *Context) bool {
	if m.Sink != nil {
		m.Sink.ObserveValidate(event, true)
	}
	return true
}

func (m Metrics) Emit(event LifecycleEvent, ctx *Context) {
	if m.Sink != nil {
		m.Sink.ObserveLifecycle(event)
	}
}
