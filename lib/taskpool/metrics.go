// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskpool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

type metrics struct {
	finished      *prometheus.CounterVec
	runnersActive prometheus.Gauge
	runnersLost   prometheus.Counter
}

func newMetrics(p *Pool, registerer prometheus.Registerer) *metrics {
	m := &metrics{
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semaphore_tasks_finished_total",
			Help: "Tasks that reached a terminal status, by status.",
		}, []string{"status"}),
		runnersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semaphore_runners_active",
			Help: "Remote runners that heartbeated within the runner timeout.",
		}),
		runnersLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semaphore_runner_lost_total",
			Help: "Remote runners deactivated for missing heartbeats.",
		}),
	}
	if registerer == nil {
		return m
	}
	registerer.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "semaphore_tasks_running",
			Help: "Tasks running in-process or on a remote runner.",
		}, func() float64 { return float64(p.running.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "semaphore_tasks_waiting",
			Help: "Tasks waiting for a concurrency slot or a runner.",
		}, func() float64 { return float64(p.waiting.Load() + p.queued.Load()) }),
		m.finished,
		m.runnersActive,
		m.runnersLost,
	)
	return m
}

// observe is the task loggers' OnStatus hook. It runs under a logger's
// lock.
func (m *metrics) observe(change task.StatusChange) {
	if change.To.IsTerminal() {
		m.finished.WithLabelValues(string(change.To)).Inc()
	}
}
