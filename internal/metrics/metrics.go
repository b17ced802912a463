package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Validation outcomes.
const (
	OutcomeAbsent  = "absent"
	OutcomePresent = "present"
	OutcomeError   = "error"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pidkeeper",
			Subsystem: "pidfile",
			Name:      "validations_total",
			Help:      "Pidfile validations by outcome.",
		}, []string{"outcome"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pidkeeper",
			Subsystem: "pidfile",
			Name:      "operations_total",
			Help:      "Pidfile create/rename/unlink calls by result.",
		}, []string{"op", "result"},
	)
	holderPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pidkeeper",
			Subsystem: "pidfile",
			Name:      "holder_present",
			Help:      "1 when the last validation found a live holder, else 0.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{validations, operations, holderPresent}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep existing
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveValidation(outcome string) {
	if !regOK.Load() {
		return
	}
	validations.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomePresent:
		holderPresent.Set(1)
	case OutcomeAbsent:
		holderPresent.Set(0)
	}
}

func ObserveOperation(op string, err error) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	operations.WithLabelValues(op, result).Inc()
}
