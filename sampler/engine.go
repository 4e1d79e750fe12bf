// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

// Package sampler implements the buffer pool and sample writing core of a
// statistical call-stack profiler. Samples arrive on arbitrary threads from
// an asynchronous interrupt mechanism, so every operation reachable from the
// write path is allocation-free and lock-free. Ordinary-context operations
// (pool sizing, thread lifecycle, draining) may lock and allocate.
package sampler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/statprof/statprof-go/internal/log"
)

const (
	// DefaultBufferSize is the capacity of a single sample buffer.
	DefaultBufferSize = 8 * 1024

	// DefaultPoolRatio is the free-pool size target expressed as a multiple
	// of the live thread count. The value is a throughput/memory tradeoff,
	// not an invariant, which is why it is configurable.
	DefaultPoolRatio = 1.5
)

// An Engine owns the buffer pools, the pool sizing state and the thread
// registry of one capture session. It is an explicit handle: everything that
// touches the shared pool state goes through it.
type Engine struct {
	bufferSize int
	ratio      float64

	table   *slotTable
	free    bufferStack
	pending bufferStack

	// mu is the sizing critical section. It serializes grow/shrink across
	// thread start/exit events and guards the two counters below. It is
	// only ever taken from ordinary (non-interrupt) code and is never held
	// across a sample write.
	mu          sync.Mutex
	bufferCount int64 // total live buffers: free + pending + thread-bound
	liveThreads int64

	nextThreadID atomic.Int64
	missed       atomic.Int64 // process-wide missed samples, for telemetry

	alloc func(size int) *Buffer // defaults to newBuffer; replaced in tests
}

// NewEngine returns an engine handing out buffers of the given capacity and
// keeping the free pool stocked at ratio times the live thread count.
func NewEngine(bufferSize int, ratio float64) (*Engine, error) {
	if bufferSize < 2*wordSize || bufferSize%wordSize != 0 {
		return nil, fmt.Errorf("buffer size must be a multiple of %d and at least %d, got %d", wordSize, 2*wordSize, bufferSize)
	}
	if ratio <= 0 {
		return nil, fmt.Errorf("pool ratio must be > 0, got %v", ratio)
	}
	return &Engine{
		bufferSize: bufferSize,
		ratio:      ratio,
		table:      newSlotTable(),
		alloc:      newBuffer,
	}, nil
}

// PushFree returns a buffer to the free pool. Safe from interrupt context.
func (e *Engine) PushFree(b *Buffer) { e.free.push(e.table, b) }

// PopFree removes a buffer from the free pool, or returns nil if the pool is
// exhausted. Safe from interrupt context.
func (e *Engine) PopFree() *Buffer { return e.free.pop(e.table) }

// PushPending retires a buffer carrying data for the consumer. Safe from
// interrupt context.
func (e *Engine) PushPending(b *Buffer) { e.pending.push(e.table, b) }

// PopPending removes a retired buffer, or returns nil if none is waiting.
// Safe from interrupt context.
func (e *Engine) PopPending() *Buffer { return e.pending.pop(e.table) }

// BufferCount returns the total number of live buffers.
func (e *Engine) BufferCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferCount
}

// LiveThreads returns the number of threads currently registered.
func (e *Engine) LiveThreads() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveThreads
}

// MissedSamples returns the total number of samples dropped across all
// threads since the engine was created.
func (e *Engine) MissedSamples() int64 { return e.missed.Load() }

// poolTarget computes the desired buffer count, ceil(liveThreads * ratio).
// Callers must hold e.mu.
func (e *Engine) poolTarget() int64 {
	t := float64(e.liveThreads) * e.ratio
	n := int64(t)
	if float64(n) < t {
		n++
	}
	return n
}

// growToTarget preallocates buffers until the live buffer count reaches the
// sizing target. Allocation failure stops growth silently: the system
// degrades by dropping more samples rather than failing thread startup.
// Ordinary context only.
func (e *Engine) growToTarget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.growLocked()
}

func (e *Engine) growLocked() {
	guarantee(e.bufferCount >= 0, "negative buffer count")
	for target := e.poolTarget(); e.bufferCount < target; {
		b := e.alloc(e.bufferSize)
		if b == nil {
			log.Debug("sampler: buffer allocation failed, free pool left %d short of target %d", target-e.bufferCount, target)
			return
		}
		e.table.register(b)
		e.free.push(e.table, b)
		e.bufferCount++
	}
}

// shrinkToTarget frees surplus buffers from the free pool until the live
// buffer count is back at the sizing target. alreadyFreed accounts for a
// buffer retired by the caller outside this call. If the free pool runs dry
// first the deficit self-corrects as pending buffers are drained. Ordinary
// context only.
func (e *Engine) shrinkToTarget(alreadyFreed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if alreadyFreed {
		guarantee(e.bufferCount > 0, "freed a buffer the count does not know about")
		e.bufferCount--
	}
	for target := e.poolTarget(); e.bufferCount > target; {
		b := e.free.pop(e.table)
		if b == nil {
			return
		}
		e.table.release(b)
		e.bufferCount--
	}
}

// freeBuffer releases b's pool slot, making it collectable. b must not be in
// any pool. Ordinary context only.
func (e *Engine) freeBuffer(b *Buffer) {
	e.table.release(b)
}

// guarantee panics when a bookkeeping invariant is broken. There is no safe
// recovery from corrupted buffer accounting in this subsystem.
func guarantee(cond bool, msg string) {
	if !cond {
		panic("sampler: " + msg)
	}
}
