/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stats is the receiver's metric surface, modeled on ptp4u/stats'
// Stats interface but backed by github.com/prometheus/client_golang instead
// of a hand-rolled JSON counters block.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Stats is the metrics surface the receiver's components depend on.
type Stats interface {
	IncResponse(kind string)
	IncForwardAttempt(outcome string)
	SetQueueDepth(depth int64)
	IncConnections()
	DecConnections()
}

// Prometheus is a Stats implementation registered against a dedicated
// registry, following ptp4u/stats.JSONStats's "one struct, one http
// handler" shape.
type Prometheus struct {
	registry *prometheus.Registry

	responses       *prometheus.CounterVec
	forwardAttempts *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	connections     prometheus.Gauge
}

// New returns a Prometheus stats collector registered on its own registry.
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		registry: reg,
		responses: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sia_dc_responses_total",
			Help: "Count of frame responses sent to panels, by kind (ack/nak/duh).",
		}, []string{"kind"}),
		forwardAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sia_dc_forward_attempts_total",
			Help: "Count of downstream HTTP forward attempts, by outcome.",
		}, []string{"outcome"}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sia_dc_queue_depth",
			Help: "Current depth of the forward queue.",
		}),
		connections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sia_dc_active_connections",
			Help: "Number of currently open panel connections.",
		}),
	}
	return p
}

// IncResponse increments the response-kind counter (ack/nak/duh).
func (p *Prometheus) IncResponse(kind string) {
	p.responses.WithLabelValues(kind).Inc()
}

// IncForwardAttempt increments the forward-attempt counter by outcome
// (success/retry/dropped/marshal_error).
func (p *Prometheus) IncForwardAttempt(outcome string) {
	p.forwardAttempts.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current forward queue depth gauge.
func (p *Prometheus) SetQueueDepth(depth int64) {
	p.queueDepth.Set(float64(depth))
}

// IncConnections increments the active connection gauge.
func (p *Prometheus) IncConnections() {
	p.connections.Inc()
}

// DecConnections decrements the active connection gauge.
func (p *Prometheus) DecConnections() {
	p.connections.Dec()
}

// Start runs the /metrics HTTP server, mirroring ptp4u/stats.JSONStats.Start.
func (p *Prometheus) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	log.Infof("Starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Failed to start metrics listener: %v", err)
	}
}
