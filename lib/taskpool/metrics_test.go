// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskpool

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/testutil"
)

// gather returns the value of an unlabelled metric, or the value of the
// series whose labels match, and whether it was found.
func gather(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	series:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue series
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue(), true
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	f := newFixture(t, nil, func(config *Config) { config.Registerer = registry })
	f.start()

	for _, name := range []string{"semaphore_tasks_running", "semaphore_tasks_waiting", "semaphore_runners_active"} {
		if value, ok := gather(t, registry, name, nil); !ok || value != 0 {
			t.Errorf("%s = %v (found %v), want 0", name, value, ok)
		}
	}

	f.waitFor(f.enqueue(10), task.StatusSuccess)
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		value, _ := gather(t, registry, "semaphore_tasks_finished_total", map[string]string{"status": string(task.StatusSuccess)})
		return value == 1
	}, "finished counter never counted the successful task")
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		value, _ := gather(t, registry, "semaphore_tasks_running", nil)
		return value == 0
	}, "running gauge never returned to zero")
}
