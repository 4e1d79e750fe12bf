// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package sampler

import (
	"sync"
	"sync/atomic"
)

// bufferStack is a lock-free Treiber stack of buffers. Push and pop are safe
// from asynchronous interrupt context: they never allocate, never lock, and
// cannot deadlock a thread that interrupted its own non-interrupt pool call.
//
// The head word packs a 32-bit generation tag with the 32-bit slot index of
// the top buffer (0 means empty). The tag is bumped on every successful CAS,
// which rules out the ABA case where a popped buffer is pushed back while
// another pop still holds the old head: the stale CAS fails on the tag. The
// same trick is what the Go runtime's lfstack does with its packed counter.
type bufferStack struct {
	head atomic.Uint64
}

func packHead(tag, slot uint32) uint64 { return uint64(tag)<<32 | uint64(slot) }

func headTag(h uint64) uint32  { return uint32(h >> 32) }
func headSlot(h uint64) uint32 { return uint32(h) }

// push adds b on top of the stack.
func (s *bufferStack) push(t *slotTable, b *Buffer) {
	for {
		old := s.head.Load()
		b.next.Store(headSlot(old))
		if s.head.CompareAndSwap(old, packHead(headTag(old)+1, b.slot)) {
			return
		}
	}
}

// pop removes and returns the top buffer, or nil if the stack is empty.
// Callers treat nil as a soft resource-exhaustion signal.
func (s *bufferStack) pop(t *slotTable) *Buffer {
	for {
		old := s.head.Load()
		slot := headSlot(old)
		if slot == 0 {
			return nil
		}
		b := t.lookup(slot)
		if b == nil {
			// The top buffer was popped elsewhere and its slot
			// released before our lookup; the head has moved on.
			continue
		}
		// If the CAS below succeeds the stack did not change since the
		// load of old, so b is still the top and its next is current.
		if s.head.CompareAndSwap(old, packHead(headTag(old)+1, b.next.Load())) {
			b.next.Store(0)
			return b
		}
	}
}

// slotTable maps the slot indexes used by bufferStack to buffers. Slots are
// registered and released only from ordinary (non-interrupt) code; interrupt
// context only performs the lock-free lookup. The slice is copy-on-write so
// lookups never take the mutex. A buffer's slot is released only while the
// buffer is outside every stack, so a lookup racing a release can only happen
// after the stack changed, and the pop CAS fails on the tag.
type slotTable struct {
	mu    sync.Mutex
	slots atomic.Pointer[[]*Buffer]
	freed []uint32 // released slot indexes available for reuse
}

func newSlotTable() *slotTable {
	t := &slotTable{}
	slots := make([]*Buffer, 1) // slot 0 is the empty sentinel
	t.slots.Store(&slots)
	return t
}

func (t *slotTable) lookup(slot uint32) *Buffer {
	return (*t.slots.Load())[slot]
}

// register assigns b a slot, growing the table if no released slot is free.
func (t *slotTable) register(b *Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.slots.Load()
	if n := len(t.freed); n > 0 {
		slot := t.freed[n-1]
		t.freed = t.freed[:n-1]
		slots := make([]*Buffer, len(old))
		copy(slots, old)
		slots[slot] = b
		b.slot = slot
		t.slots.Store(&slots)
		return
	}
	slots := make([]*Buffer, len(old)+1)
	copy(slots, old)
	b.slot = uint32(len(old))
	slots[b.slot] = b
	t.slots.Store(&slots)
}

// release gives up b's slot. b must not be in any stack.
func (t *slotTable) release(b *Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := *t.slots.Load()
	slots := make([]*Buffer, len(old))
	copy(slots, old)
	slots[b.slot] = nil
	t.freed = append(t.freed, b.slot)
	b.slot = 0
	t.slots.Store(&slots)
}
