// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package sampler

import "sync/atomic"

// A Buffer is a fixed-capacity region that accumulates committed samples plus
// at most one in-progress sample. It is exclusively held by the free pool, by
// one thread's binding, or by the pending pool; never by two at a time. The
// pool stacks transfer ownership with their CAS, so the plain fields below
// need no further synchronization.
type Buffer struct {
	data     []byte
	pos      int   // committed boundary; only the owning thread advances it
	owner    int64 // id of the thread currently bound to it, 0 if none
	freeable bool  // set when the owner exited with data still unconsumed

	// lock-free stack linkage, see bufferStack. next must be atomic: it is
	// written right before the publishing CAS and read by concurrent pops.
	slot uint32
	next atomic.Uint32
}

func newBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// empty reports whether the buffer holds no committed data.
func (b *Buffer) empty() bool { return b.pos == 0 }

// reset prepares the buffer for reassignment through the free pool.
func (b *Buffer) reset() {
	b.pos = 0
	b.owner = 0
	b.freeable = false
}

// Committed returns the bytes holding the buffer's committed samples. The
// caller must exclusively own the buffer.
func (b *Buffer) Committed() []byte { return b.data[:b.pos] }

// Owner returns the id of the thread the buffer is bound to, or 0.
func (b *Buffer) Owner() int64 { return b.owner }

// Freeable reports whether the owning thread exited while the buffer still
// carried unconsumed data. Such buffers are freed by the consumer instead of
// being returned to the free pool.
func (b *Buffer) Freeable() bool { return b.freeable }
