// Package metrics centralizes the prometheus registry the simulation's
// subsystems publish counters and gauges to, grounded on the teacher's
// per-package Metrics structs (client/doublezerod/internal/liveness/metrics.go,
// .../bgp/metrics.go): each subsystem owns a small struct of
// prometheus.Collector fields and a Register method, rather than reaching
// for global promauto registration.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the shared collector registry for one simulation run. The CLI
// wires it to an HTTP handler; the simulation core itself never imports
// net/http.
type Registry struct {
	*prometheus.Registry
}

// NewRegistry returns a fresh, empty Registry.
func NewRegistry() *Registry {
	return &Registry{Registry: prometheus.NewRegistry()}
}
