// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync"
	"sync/atomic"

	"gate.computer/jsic/internal/pan"
	"golang.org/x/sys/cpu"
)

// copiedSpace hands out butterfly storage.  The current block's free and end
// pointers live in heap memory (CopiedFreeAddr and CopiedEndAddr), so that
// generated code can bump-allocate with a compare-and-swap.  Blocks are
// handed out in ascending address order: a reader which sees the free
// pointer of a newer block together with the end pointer of an older one
// always fails its bounds check.
type copiedSpace struct {
	_ cpu.CacheLinePad

	mu        sync.Mutex
	mem       *Memory
	next      Addr
	limit     Addr
	blockSize uint32

	slowAllocs atomic.Uint64

	_ cpu.CacheLinePad
}

func (c *copiedSpace) init(mem *Memory, start, limit Addr, blockSize uint32) {
	c.mem = mem
	c.next = start
	c.limit = limit
	c.blockSize = blockSize
	c.newBlock(0)
}

func (c *copiedSpace) newBlock(minSize uint32) {
	size := c.blockSize
	if minSize > size {
		size = (minSize + c.blockSize - 1) / c.blockSize * c.blockSize
	}
	if uint64(c.next)+uint64(size) > uint64(c.limit) {
		pan.Panic(resourceError("copied space exhausted"))
	}
	start := c.next
	c.next += Addr(size)

	c.mem.Store(CopiedFreeAddr, uint64(start))
	c.mem.Store(CopiedEndAddr, uint64(start)+uint64(size))
}

// allocate size bytes (multiple of 8) on the slow path.
func (c *copiedSpace) allocate(size uint32) Addr {
	c.slowAllocs.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		free := c.mem.Load(CopiedFreeAddr)
		end := c.mem.Load(CopiedEndAddr)
		if free+uint64(size) <= end {
			if c.mem.CompareAndSwap(CopiedFreeAddr, free, free+uint64(size)) {
				return Addr(free)
			}
			continue
		}
		c.newBlock(size)
	}
}

// AllocateStorage claims copied-space memory outside of generated code.
func (h *Heap) AllocateStorage(size uint32) Addr {
	return h.copied.allocate((size + 7) &^ 7)
}

// SlowAllocations counts allocations which went through the synchronized
// path.
func (h *Heap) SlowAllocations() uint64 {
	return h.copied.slowAllocs.Load()
}

// StorageSize is the byte size of a butterfly allocation.
func StorageSize(outOfLineCap int, vectorLen uint32) uint32 {
	return uint32(outOfLineCap)*8 + 8 + vectorLen*8
}

// allocateButterfly returns a butterfly pointer: out-of-line slots precede the
// indexing header, elements follow it.
func (h *Heap) allocateButterfly(outOfLineCap int, vectorLen uint32) Addr {
	block := h.AllocateStorage(StorageSize(outOfLineCap, vectorLen))
	butterfly := block + Addr(outOfLineCap)*8 + 8
	h.Mem.Store32(butterfly+VectorLengthOffset, vectorLen)
	return butterfly
}

// reallocateButterfly grows the out-of-line storage of an object, copying
// the properties and any indexed storage.  The new butterfly is returned; the
// caller publishes it.
func (h *Heap) reallocateButterfly(obj Addr, oldCap, newCap int) Addr {
	old := h.Butterfly(obj)

	var vectorLen, publicLen uint32
	if old != 0 {
		vectorLen = h.Mem.Load32(old + VectorLengthOffset)
		publicLen = h.Mem.Load32(old + PublicLengthOffset)
	}

	butterfly := h.allocateButterfly(newCap, vectorLen)
	h.Mem.Store32(butterfly+PublicLengthOffset, publicLen)

	for i := 0; i < oldCap; i++ {
		disp := Addr(int32(-16 - i*8))
		h.Mem.Store(butterfly+disp, h.Mem.Load(old+disp))
	}
	for k := uint32(0); k < vectorLen; k++ {
		h.Mem.Store(butterfly+Addr(k*8), h.Mem.Load(old+Addr(k*8)))
	}
	return butterfly
}
