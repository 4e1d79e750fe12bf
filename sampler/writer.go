// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package sampler

import "encoding/binary"

const (
	// wordSize is the width of every value written into a buffer.
	wordSize = 8

	// endMarkerSize bytes stay reserved after every append so that Commit
	// can always place the end marker.
	endMarkerSize = 8

	// endMarker terminates a committed sample. The all-ones pattern cannot
	// collide with legitimate sample content, a collaborator contract.
	endMarker = ^uint64(0)
)

// WriterData is the per-thread sample writer cursor. startPos marks the
// beginning of the current, possibly still uncommitted sample run, currentPos
// the next write position and endPos the capacity limit of the targeted
// buffer. startPos <= currentPos <= endPos holds throughout.
type WriterData struct {
	buf        *Buffer
	startPos   int
	currentPos int
	endPos     int
}

func (w *WriterData) available() int   { return w.endPos - w.currentPos }
func (w *WriterData) uncommitted() int { return w.currentPos - w.startPos }

// BeginSample prepares the writer for a new sample, binding a buffer from
// the free pool if the thread has none yet. It reports false when no buffer
// could be obtained; the sample is counted as missed. Safe from interrupt
// context.
func (tc *ThreadContext) BeginSample() bool {
	if !tc.published.Load() {
		// Teardown raced the delivery mechanism; drop silently.
		return false
	}
	if tc.buffer == nil {
		b := tc.engine.PopFree()
		if b == nil {
			tc.countMiss()
			return false
		}
		tc.Bind(b)
	}
	w := &tc.writer
	w.buf = tc.buffer
	w.startPos = tc.buffer.pos
	w.currentPos = tc.buffer.pos
	w.endPos = len(tc.buffer.data)
	return true
}

// AppendUint64 writes one value to the in-progress sample, running the
// overflow protocol first if the value plus the reserved end marker space
// does not fit. It reports false when the sample had to be dropped; the
// missed sample counter is already incremented in that case and the sample
// must be abandoned without committing. Safe from interrupt context.
func (tc *ThreadContext) AppendUint64(v uint64) bool {
	if !tc.ensureSize(wordSize) {
		return false
	}
	w := &tc.writer
	binary.LittleEndian.PutUint64(w.buf.data[w.currentPos:], v)
	w.currentPos += wordSize
	return true
}

// Commit finalizes the in-progress sample: it writes the end marker and
// advances the buffer's committed boundary, making the sample visible to the
// consumer. Space for the marker is guaranteed reserved by every prior
// append. Safe from interrupt context.
func (tc *ThreadContext) Commit() {
	w := &tc.writer
	guarantee(w.buf != nil, "commit without a sample in progress")
	guarantee(w.available() >= endMarkerSize, "end marker reservation lost")
	binary.LittleEndian.PutUint64(w.buf.data[w.currentPos:], endMarker)
	w.currentPos += endMarkerSize
	w.buf.pos = w.currentPos
	w.startPos = w.currentPos
}

// ensureSize makes room for requested more bytes plus the end marker
// reservation, migrating the sample to a fresh buffer if needed.
func (tc *ThreadContext) ensureSize(requested int) bool {
	w := &tc.writer
	guarantee(w.buf != nil, "append without a sample in progress")
	if w.available() < requested+endMarkerSize {
		if !tc.overflow() {
			return false
		}
		guarantee(w.available() >= requested+endMarkerSize, "overflow left insufficient space")
	}
	return true
}

// overflow migrates the uncommitted bytes of the in-progress sample into a
// fresh buffer from the free pool and retires the full one to the pending
// pool. The transfer completes entirely within the interrupt: the handler is
// the only writer, nothing else observes the intermediate state. It reports
// false when the sample must be dropped, after counting the miss.
func (tc *ThreadContext) overflow() bool {
	w := &tc.writer
	if w.buf.empty() {
		// Nothing is committed yet, so the in-progress sample alone is
		// too large for a buffer of this capacity. No bigger buffer
		// exists to grow into.
		tc.countMiss()
		return false
	}

	newBuf := tc.engine.PopFree()
	if newBuf == nil {
		// Pool exhausted. The committed samples in the current buffer
		// stay intact; only the in-progress sample is lost.
		tc.countMiss()
		return false
	}

	// Carry the uncommitted run over verbatim, then retire the full buffer
	// with its committed samples for the consumer.
	uncommitted := w.uncommitted()
	copy(newBuf.data[:uncommitted], w.buf.data[w.startPos:w.currentPos])
	old := w.buf
	old.owner = 0
	tc.engine.PushPending(old)

	tc.Bind(newBuf)
	w.buf = newBuf
	w.startPos = newBuf.pos
	w.currentPos = newBuf.pos + uncommitted
	w.endPos = len(newBuf.data)
	return true
}
