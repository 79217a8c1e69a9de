// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation. One
// Metrics value is shared by the dispatcher, worker, scheduler and breaker
// paths; the event bus feeds run outcomes through ObserveEvent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spinehq/spine/pkg/work"
)

const namespace = "spine"

// Metrics holds every collector the daemon registers.
type Metrics struct {
	RunsSubmitted  *prometheus.CounterVec
	RunsFinished   *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ActiveRuns     prometheus.Gauge
	WorkerClaims   prometheus.Counter
	SchedulerTicks prometheus.Counter
	ScheduleFires  *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	EventsDropped  prometheus.Counter
	DLQDepth       prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RunsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Runs accepted by the dispatcher.",
		}, []string{"kind", "trigger"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
		WorkerClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_claims_total",
			Help:      "Pending runs claimed by workers.",
		}),
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler backend ticks.",
		}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Schedule dispatch attempts.",
		}, []string{"result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 when the named circuit breaker is open.",
		}, []string{"name"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped on full subscriber queues.",
		}),
		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Unresolved dead letter entries.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.RunsSubmitted, m.RunsFinished, m.RunDuration, m.ActiveRuns,
		m.WorkerClaims, m.SchedulerTicks, m.ScheduleFires, m.BreakerState,
		m.EventsDropped, m.DLQDepth,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveEvent updates run counters from a lifecycle event. Subscribing it
// to the bus with pattern "*" keeps the counters in step with the ledger
// without instrumenting every executor.
func (m *Metrics) ObserveEvent(evt work.Event) error {
	switch evt.Type {
	case work.EventStarted:
		m.ActiveRuns.Inc()
	case work.EventCompleted, work.EventFailed, work.EventCancelled:
		m.ActiveRuns.Dec()
		m.RunsFinished.WithLabelValues(statusLabel(evt.Type)).Inc()
	}
	return nil
}

func statusLabel(t work.EventType) string {
	switch t {
	case work.EventCompleted:
		return string(work.StatusCompleted)
	case work.EventFailed:
		return string(work.StatusFailed)
	case work.EventCancelled:
		return string(work.StatusCancelled)
	default:
		return string(t)
	}
}
