// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2023 Datadog, Inc.

package sampler

import "encoding/binary"

// Drain pops retired buffers from the pending pool and decodes their
// committed samples in append order, invoking fn once per sample. The sample
// slice is reused between calls; fn must copy it to retain it. Buffers whose
// owner exited are freed, the rest return to the free pool empty. No global
// sample order is guaranteed across buffers. Ordinary context only.
//
// Drain returns the number of samples decoded and the number of buffers
// returned to the free pool. Buffers freed on behalf of exited threads are
// not counted; they leave the pool rather than cycling through it.
func (e *Engine) Drain(fn func(sample []uint64)) (samples, recycled int) {
	var scratch []uint64
	for {
		b := e.PopPending()
		if b == nil {
			return samples, recycled
		}
		data := b.data[:b.pos]
		scratch = scratch[:0]
		for off := 0; off+wordSize <= len(data); off += wordSize {
			v := binary.LittleEndian.Uint64(data[off:])
			if v == endMarker {
				if fn != nil {
					fn(scratch)
				}
				samples++
				scratch = scratch[:0]
				continue
			}
			scratch = append(scratch, v)
		}
		guarantee(len(scratch) == 0, "committed boundary not on a sample boundary")
		if b.freeable {
			// Exit accounting already ran for this buffer; just give
			// up its slot.
			e.freeBuffer(b)
		} else {
			b.reset()
			e.PushFree(b)
			recycled++
		}
	}
}
