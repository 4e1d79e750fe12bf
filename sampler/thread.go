// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package sampler

import "sync/atomic"

// A ThreadContext carries one thread's capture state: the bound buffer, the
// writer cursor and the missed sample counter. The interrupt entry point
// threads it through explicitly rather than relying on implicit thread-local
// storage, keeping ownership and lifetime visible. Apart from the published
// flag and the missed counter, its fields are only touched by the owning
// thread and its own interrupt handler, which the delivery mechanism does
// not re-enter.
type ThreadContext struct {
	engine *Engine
	id     int64

	buffer *Buffer
	writer WriterData

	missedSamples atomic.Int64
	published     atomic.Bool
}

// OnThreadStart registers a new thread with the engine. It first tops up the
// free pool and only then publishes the context as a valid interrupt target:
// once published, the thread may be asked to write a sample at any instant,
// so resources must be ready before.
func (e *Engine) OnThreadStart() *ThreadContext {
	tc := &ThreadContext{engine: e, id: e.nextThreadID.Add(1)}
	e.mu.Lock()
	e.liveThreads++
	e.mu.Unlock()
	e.growToTarget()
	tc.published.Store(true)
	return tc
}

// OnThreadExit retires a thread's capture state. Unpublishing comes strictly
// first: after it no further interrupts target the thread, which closes the
// race between teardown and an in-flight interrupt. Only then is the bound
// buffer inspected: an empty one is freed on the spot, one still carrying
// data is handed to the pending pool for the consumer to read and free.
func (e *Engine) OnThreadExit(tc *ThreadContext) {
	guarantee(tc.engine == e, "thread context belongs to a different engine")
	tc.published.Store(false)

	b := tc.buffer
	tc.buffer = nil
	tc.writer = WriterData{}

	e.mu.Lock()
	e.liveThreads--
	e.mu.Unlock()

	if b == nil {
		// No stack walk ever ran on this thread.
		e.shrinkToTarget(false)
		return
	}
	if b.empty() {
		e.freeBuffer(b)
	} else {
		b.freeable = true
		e.pending.push(e.table, b)
	}
	e.shrinkToTarget(true)
}

// Exit is shorthand for OnThreadExit on the owning engine.
func (tc *ThreadContext) Exit() { tc.engine.OnThreadExit(tc) }

// Published reports whether the thread is currently a valid interrupt
// target. The delivery mechanism must check it before invoking the writer.
func (tc *ThreadContext) Published() bool { return tc.published.Load() }

// Bind makes b the thread's bound buffer and tags it with the thread id.
// Safe from interrupt context.
func (tc *ThreadContext) Bind(b *Buffer) {
	b.owner = tc.id
	tc.buffer = b
}

// BoundBuffer returns the thread's bound buffer, or nil.
func (tc *ThreadContext) BoundBuffer() *Buffer { return tc.buffer }

// ID returns the thread's capture id.
func (tc *ThreadContext) ID() int64 { return tc.id }

// MissedSamples returns how many samples were dropped on this thread. The
// counter is never reset; it is consumed by external reporting.
func (tc *ThreadContext) MissedSamples() int64 { return tc.missedSamples.Load() }

// countMiss records one dropped sample. Safe from interrupt context.
func (tc *ThreadContext) countMiss() {
	tc.missedSamples.Add(1)
	tc.engine.missed.Add(1)
}
