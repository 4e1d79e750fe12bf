// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package profiler

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/statprof/statprof-go/internal/log"
	"github.com/statprof/statprof-go/sampler"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const (
	// DefaultBufferSize is the capacity of each sample buffer handed to a
	// thread.
	DefaultBufferSize = sampler.DefaultBufferSize

	// DefaultPoolRatio keeps the free pool stocked at this multiple of the
	// live thread count. It is a tuning knob, not an invariant; see
	// WithPoolRatio.
	DefaultPoolRatio = sampler.DefaultPoolRatio

	// DefaultDrainInterval specifies how often the background drain empties
	// the pending pool.
	DefaultDrainInterval = 100 * time.Millisecond
)

type config struct {
	bufferSize    int
	poolRatio     float64
	drainInterval time.Duration
	drainWorkers  int
	statsd        StatsdClient
	handler       func(sample []uint64)
	tags          []string
}

func (c *config) validate() error {
	// A non-positive interval has no sensible meaning: no timeout breaks
	// shutdown, an immediate one busy-loops the drain. Reject both.
	if c.drainInterval <= 0 {
		return fmt.Errorf("invalid drain interval, must be > 0: %s", c.drainInterval)
	}
	if c.drainWorkers < 1 {
		return fmt.Errorf("invalid drain worker count, must be >= 1: %d", c.drainWorkers)
	}
	return nil
}

func defaultConfig() (*config, error) {
	c := config{
		bufferSize:    DefaultBufferSize,
		poolRatio:     DefaultPoolRatio,
		drainInterval: DefaultDrainInterval,
		drainWorkers:  1,
		statsd:        &statsd.NoOpClient{},
		tags:          []string{fmt.Sprintf("pid:%d", os.Getpid())},
	}
	if v := os.Getenv("STATPROF_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("STATPROF_BUFFER_SIZE: %v", err)
		}
		WithBufferSize(n)(&c)
	}
	if v := os.Getenv("STATPROF_POOL_RATIO"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("STATPROF_POOL_RATIO: %v", err)
		}
		WithPoolRatio(r)(&c)
	}
	if v := os.Getenv("STATPROF_DRAIN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("STATPROF_DRAIN_INTERVAL: %v", err)
		}
		WithDrainInterval(d)(&c)
	}
	return &c, nil
}

// An Option is used to configure the profiler's behaviour.
type Option func(*config)

// WithBufferSize sets the capacity of each sample buffer. A sample larger
// than one buffer can never be captured, so the size bounds the deepest
// stack that survives capture.
func WithBufferSize(bytes int) Option {
	return func(cfg *config) {
		cfg.bufferSize = bytes
	}
}

// WithPoolRatio sets the free-pool sizing target as a multiple of the live
// thread count. Higher values trade memory for fewer dropped samples under
// bursty interrupt load.
func WithPoolRatio(ratio float64) Option {
	return func(cfg *config) {
		cfg.poolRatio = ratio
	}
}

// WithDrainInterval sets how often the background drain empties the pending
// pool.
func WithDrainInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.drainInterval = d
	}
}

// WithDrainWorkers sets how many goroutines drain the pending pool. The pool
// is safe for concurrent pops, so more workers only help when a single one
// cannot keep up with the sample handler.
func WithDrainWorkers(n int) Option {
	return func(cfg *config) {
		cfg.drainWorkers = n
	}
}

// WithSampleHandler installs fn as the consumer of decoded samples. The
// slice passed to fn is reused; fn must copy it to retain it.
func WithSampleHandler(fn func(sample []uint64)) Option {
	return func(cfg *config) {
		cfg.handler = fn
	}
}

// WithStatsd specifies an optional statsd client to use for capture
// telemetry. By default, no metrics are sent.
func WithStatsd(client StatsdClient) Option {
	return func(cfg *config) {
		cfg.statsd = client
	}
}

// WithTags specifies a set of tags attached to every emitted metric.
func WithTags(tags ...string) Option {
	return func(cfg *config) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// WithLogger sets l as the logger for all messages emitted by this module.
func WithLogger(l log.Logger) Option {
	return func(_ *config) {
		log.UseLogger(l)
	}
}

// StatsdClient implementations can count event occurrences that happen in
// the profiler.
type StatsdClient interface {
	// Count counts how many times an event happened, at the given rate
	// using the given tags.
	Count(event string, times int64, tags []string, rate float64) error
}
