// Run metrics for the shock assay controller
//
// Defines the Prometheus collectors for:
// - Run outcomes and phase completions
// - MODE command traffic and write failures
// - Wait precision (deadline overshoot)
// - Live run state and progress
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "shockctl"

// ShockMetrics holds all controller metrics. A nil *ShockMetrics is valid
// and records nothing.
type ShockMetrics struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	PhasesTotal       prometheus.Counter
	RandomStepsTotal  prometheus.Counter
	ModeCommands      *prometheus.CounterVec
	ModeWriteErrors   prometheus.Counter
	WaitOvershoot     prometheus.Histogram
	RunState          prometheus.Gauge
	PhaseProgress     prometheus.Gauge
	DeviceConnected   prometheus.Gauge
	EventsDropped     prometheus.Counter
	ConfigReloads     *prometheus.CounterVec
}

// NewShockMetrics creates the collectors on a private registry, together
// with the Go runtime and process collectors.
func NewShockMetrics() *ShockMetrics {
	m := &ShockMetrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by terminal outcome.",
		}, []string{"outcome"}),
		PhasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phases_completed_total",
			Help:      "Phases that ran to completion.",
		}),
		RandomStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "random_steps_total",
			Help:      "Random schedule steps played.",
		}),
		ModeCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_commands_total",
			Help:      "MODE commands written to the device, by side.",
		}, []string{"side"}),
		ModeWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_write_errors_total",
			Help:      "MODE commands that failed to write.",
		}),
		WaitOvershoot: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_overshoot_seconds",
			Help:      "How far past its deadline each hold or step ended.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01},
		}),
		RunState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "Controller state: 0 idle, 1 running, 2 finished, 3 stopped, 4 aborted.",
		}),
		PhaseProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_progress_percent",
			Help:      "Progress of the current phase.",
		}),
		DeviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 while a device port is open.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a slow observer.",
		}),
		ConfigReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_reloads_total",
			Help:      "Protocol file reloads by result.",
		}, []string{"result"}),
	}
	m.registerAll()
	return m
}

func (m *ShockMetrics) registerAll() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsTotal,
		m.PhasesTotal,
		m.RandomStepsTotal,
		m.ModeCommands,
		m.ModeWriteErrors,
		m.WaitOvershoot,
		m.RunState,
		m.PhaseProgress,
		m.DeviceConnected,
		m.EventsDropped,
		m.ConfigReloads,
	)
}

// Registry returns the registry holding the collectors.
func (m *ShockMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun counts a terminal outcome.
func (m *ShockMetrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// RecordPhase counts a completed phase.
func (m *ShockMetrics) RecordPhase() {
	if m == nil {
		return
	}
	m.PhasesTotal.Inc()
}

// RecordRandomStep counts a played random step.
func (m *ShockMetrics) RecordRandomStep() {
	if m == nil {
		return
	}
	m.RandomStepsTotal.Inc()
}

// RecordMode counts a MODE command write.
func (m *ShockMetrics) RecordMode(side string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ModeWriteErrors.Inc()
		return
	}
	m.ModeCommands.WithLabelValues(side).Inc()
}

// ObserveOvershoot records how late a wait returned.
func (m *ShockMetrics) ObserveOvershoot(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.WaitOvershoot.Observe(d.Seconds())
}

// SetRunState publishes the controller state code.
func (m *ShockMetrics) SetRunState(code int) {
	if m == nil {
		return
	}
	m.RunState.Set(float64(code))
}

// SetProgress publishes the current phase progress.
func (m *ShockMetrics) SetProgress(percent int) {
	if m == nil {
		return
	}
	m.PhaseProgress.Set(float64(percent))
}

// SetConnected publishes the device connection state.
func (m *ShockMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.DeviceConnected.Set(1)
	} else {
		m.DeviceConnected.Set(0)
	}
}

// RecordDroppedEvent counts an event lost to a slow observer.
func (m *ShockMetrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordReload counts a protocol reload attempt.
func (m *ShockMetrics) RecordReload(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ConfigReloads.WithLabelValues("error").Inc()
	} else {
		m.ConfigReloads.WithLabelValues("ok").Inc()
	}
}

var (
	globalMetrics     *ShockMetrics
	globalMetricsOnce sync.Once
)

// GlobalMetrics returns the process-wide metrics instance.
func GlobalMetrics() *ShockMetrics {
	globalMetricsOnce.Do(func() {
		globalMetrics = NewShockMetrics()
	})
	return globalMetrics
}
