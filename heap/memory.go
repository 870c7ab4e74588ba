// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"gate.computer/jsic/internal/pan"
)

// Memory is the word-addressed backing store of the heap.  All accesses are
// atomic, because generated code on several threads reads and writes it
// without other synchronization.
type Memory struct {
	words []uint64
}

func newMemory(size int) *Memory {
	return &Memory{make([]uint64, (size+7)/8)}
}

// Size in bytes.
func (m *Memory) Size() int { return len(m.words) * 8 }

type accessError struct {
	addr Addr
	size int
}

func (e accessError) Error() string {
	return fmt.Sprintf("heap access out of bounds: %d bytes at %#x", e.size, uint32(e.addr))
}

func (e accessError) PublicError() string { return "heap access out of bounds" }

func (m *Memory) word(a Addr) *uint64 {
	i := int(a / 8)
	if a&7 != 0 || a < 8 || i >= len(m.words) {
		pan.Panic(accessError{a, 8})
	}
	return &m.words[i]
}

func (m *Memory) half(a Addr) *uint32 {
	i := int(a / 8)
	if a&3 != 0 || a < 8 || i >= len(m.words) {
		pan.Panic(accessError{a, 4})
	}
	return &(*[2]uint32)(unsafe.Pointer(&m.words[i]))[(a/4)&1]
}

func (m *Memory) Load(a Addr) uint64     { return atomic.LoadUint64(m.word(a)) }
func (m *Memory) Store(a Addr, x uint64) { atomic.StoreUint64(m.word(a), x) }
func (m *Memory) Load32(a Addr) uint32   { return atomic.LoadUint32(m.half(a)) }
func (m *Memory) Store32(a Addr, x uint32) {
	atomic.StoreUint32(m.half(a), x)
}

func (m *Memory) CompareAndSwap(a Addr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(m.word(a), old, new)
}

func (m *Memory) LoadValue(a Addr) Value     { return Value(m.Load(a)) }
func (m *Memory) StoreValue(a Addr, v Value) { m.Store(a, uint64(v)) }
