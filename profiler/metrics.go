// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package profiler

import (
	"sync"
	"time"
)

const (
	samplesMetric  = "statprof.sampler.samples"
	recycledMetric = "statprof.sampler.recycled"
	missedMetric   = "statprof.sampler.missed"
)

type point struct {
	metric string
	value  int64
}

// metrics tracks capture counters between drain flushes so telemetry reports
// deltas rather than lifetime totals. The engine's missed counter is
// monotonic, so the delta is the difference against the previous flush.
type metrics struct {
	mu          sync.Mutex // flushes may run from several drain workers
	collectedAt time.Time
	missed      int64
}

func newMetrics() *metrics {
	return &metrics{}
}

func (m *metrics) reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectedAt = now
	m.missed = 0
}

// report returns the counter deltas since the previous call and advances the
// baseline. A call whose clock reading has not moved past the baseline
// reports nothing: with several drain workers, ticks can land on the same
// instant and the first flush already claimed the window.
func (m *metrics) report(now time.Time, missed int64) []point {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !now.After(m.collectedAt) {
		return nil
	}
	var points []point
	if d := missed - m.missed; d > 0 {
		points = append(points, point{metric: missedMetric, value: d})
	}
	m.missed = missed
	m.collectedAt = now
	return points
}
