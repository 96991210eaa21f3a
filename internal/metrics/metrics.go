// Package metrics implements the Prometheus-backed module.Sink the
// metrics module (spec.md §4.E) reports validate/lifecycle dispatches
// through.
//
// Grounded on fenilsonani-email-server's internal/metrics/metrics.go
// (promauto-registered Counter/CounterVec/Gauge variables, one struct
// field per concern) using github.com/prometheus/client_golang, a
// dependency this module carries in go.mod but, before this package,
// never imported.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/module"
)

// Prometheus implements module.Sink by recording every validate and
// lifecycle dispatch as a counter.
type Prometheus struct {
	validateTotal  *prometheus.CounterVec
	lifecycleTotal *prometheus.CounterVec
}

// NewPrometheus registers and returns a Prometheus sink. Safe to call
// at most once per process: promauto registers against the default
// registry, and a second registration would panic.
func NewPrometheus() *Prometheus {
	return &Prometheus{
		validateTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empath_validate_dispatch_total",
			Help: "Total module bus validate dispatches, by event and outcome.",
		}, []string{"event", "allowed"}),
		lifecycleTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "empath_lifecycle_event_total",
			Help: "Total module bus lifecycle events emitted, by event.",
		}, []string{"event"}),
	}
}

// ObserveValidate implements module.Sink.
func (p *Prometheus) ObserveValidate(event module.ValidateEvent, allowed bool) {
	p.validateTotal.WithLabelValues(event.String(), boolLabel(allowed)).Inc()
}

// ObserveLifecycle implements module.Sink.
func (p *Prometheus) ObserveLifecycle(event module.LifecycleEvent) {
	p.lifecycleTotal.WithLabelValues(event.String()).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "allowed"
	}
	return "rejected"
}
