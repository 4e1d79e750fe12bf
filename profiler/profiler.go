// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

// Package profiler runs the capture engine's ordinary-context lifecycle: it
// owns the engine for one profiling session, keeps a background drain of the
// pending pool going and reports capture telemetry. The interrupt delivery
// mechanism and the stack walker are external collaborators; they interact
// with the engine through the thread contexts handed out by ThreadStart.
package profiler

import (
	"fmt"
	"sync"
	"time"

	"github.com/statprof/statprof-go/internal/log"
	"github.com/statprof/statprof-go/sampler"

	"golang.org/x/sync/errgroup"
)

var (
	mu             sync.Mutex
	activeProfiler *profiler
)

// Start starts the profiler. If one is already running it is stopped first.
func Start(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if activeProfiler != nil {
		activeProfiler.stop()
	}
	p, err := newProfiler(opts...)
	if err != nil {
		return err
	}
	activeProfiler = p
	activeProfiler.run()
	return nil
}

// Stop stops the profiler, draining whatever retired buffers are still
// pending.
func Stop() {
	mu.Lock()
	if activeProfiler != nil {
		activeProfiler.stop()
		activeProfiler = nil
	}
	mu.Unlock()
}

// ThreadStart registers the calling thread as a capture target with the
// running profiler. It returns nil when no profiler is active; the caller
// passes the context to ThreadExit when the thread ends and to the interrupt
// entry point in between.
func ThreadStart() *sampler.ThreadContext {
	mu.Lock()
	defer mu.Unlock()
	if activeProfiler == nil {
		return nil
	}
	return activeProfiler.engine.OnThreadStart()
}

// ThreadExit retires a thread context obtained from ThreadStart. Passing nil
// is a no-op, so callers do not need to track whether profiling was active
// when their thread started.
func ThreadExit(tc *sampler.ThreadContext) {
	if tc == nil {
		return
	}
	tc.Exit()
}

// MissedSamples returns the number of samples dropped by the running
// profiler, or 0 when none is active.
func MissedSamples() int64 {
	mu.Lock()
	defer mu.Unlock()
	if activeProfiler == nil {
		return 0
	}
	return activeProfiler.engine.MissedSamples()
}

// profiler drains the capture engine at a fixed interval and hands decoded
// samples to the configured handler.
type profiler struct {
	cfg      *config
	engine   *sampler.Engine
	exit     chan struct{}  // exit signals the drain workers to stop
	stopOnce sync.Once      // stopOnce ensures the profiler is stopped exactly once.
	g        errgroup.Group // g waits for the drain workers when stopping.
	met      *metrics
}

// newProfiler creates a new, unstarted profiler.
func newProfiler(opts ...Option) (*profiler, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	engine, err := sampler.NewEngine(cfg.bufferSize, cfg.poolRatio)
	if err != nil {
		return nil, err
	}
	return &profiler{
		cfg:    cfg,
		engine: engine,
		exit:   make(chan struct{}),
		met:    newMetrics(),
	}, nil
}

// run starts the drain workers.
func (p *profiler) run() {
	p.met.reset(now())
	for i := 0; i < p.cfg.drainWorkers; i++ {
		p.g.Go(p.drain)
	}
}

// drain flushes the pending pool on every tick and once more on shutdown so
// committed samples survive Stop. A worker stops early when the sample
// handler fails; the error surfaces when the profiler is stopped.
func (p *profiler) drain() error {
	tick := time.NewTicker(p.cfg.drainInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := p.flush(); err != nil {
				return err
			}
		case <-p.exit:
			return p.flush()
		}
	}
}

// flush drains the pending pool once and reports telemetry. The returned
// error comes from the sample handler only; buffers keep recycling even when
// the handler fails mid-drain.
func (p *profiler) flush() error {
	var herr error
	var fn func(sample []uint64)
	if handler := p.cfg.handler; handler != nil {
		fn = func(sample []uint64) {
			if herr != nil {
				return
			}
			herr = handleSample(handler, sample)
		}
	}
	samples, recycled := p.engine.Drain(fn)
	if samples > 0 {
		p.count(samplesMetric, int64(samples))
	}
	if recycled > 0 {
		p.count(recycledMetric, int64(recycled))
	}
	for _, pt := range p.met.report(now(), p.engine.MissedSamples()) {
		p.count(pt.metric, pt.value)
		if pt.metric == missedMetric {
			log.Debug("profiler: %d samples missed since last drain", pt.value)
		}
	}
	return herr
}

// count submits one counter to statsd. Submission failures feed the
// aggregated error log instead of failing the drain; telemetry loss is not
// worth stopping capture over.
func (p *profiler) count(metric string, value int64) {
	if err := p.cfg.statsd.Count(metric, value, p.cfg.tags, 1); err != nil {
		log.Error("profiler: submitting %s to statsd: %v", metric, err)
	}
}

// handleSample invokes the user-supplied handler, converting a panic into an
// error so a misbehaving handler cannot take the drain worker down with it.
func handleSample(handler func(sample []uint64), sample []uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sample handler panicked: %v", r)
		}
	}()
	handler(sample)
	return nil
}

// stop stops the profiler.
func (p *profiler) stop() {
	p.stopOnce.Do(func() {
		close(p.exit)
	})
	if err := p.g.Wait(); err != nil {
		log.Error("profiler: drain worker: %v", err)
	}
}

// now returns the current time, as a variable so tests can stub it.
var now = func() time.Time { return time.Now() }
