// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type CellState uint8

const (
	CellNew = CellState(iota)
	CellOld
	CellRemembered
)

const cellStateShift = 32 + 8

type barrierState struct {
	_ cpu.CacheLinePad

	mu         sync.Mutex
	remembered []Addr
	profiled   atomic.Uint64

	_ cpu.CacheLinePad
}

func (h *Heap) CellState(cell Addr) CellState {
	return CellState(h.Mem.Load(cell) >> cellStateShift)
}

func (h *Heap) setCellState(cell Addr, from, to CellState) bool {
	for {
		old := h.Mem.Load(cell)
		if CellState(old>>cellStateShift) != from {
			return false
		}
		new := old&^(0xff<<cellStateShift) | uint64(to)<<cellStateShift
		if h.Mem.CompareAndSwap(cell, old, new) {
			return true
		}
	}
}

// WriteBarrier must be executed after a cell reference may have been stored
// into the cell.  Old cells are added to the remembered set.
func (h *Heap) WriteBarrier(cell Addr) {
	if h.setCellState(cell, CellOld, CellRemembered) {
		h.barrier.mu.Lock()
		h.barrier.remembered = append(h.barrier.remembered, cell)
		h.barrier.mu.Unlock()
	}
}

// ProfiledWriteBarrier also counts the execution.
func (h *Heap) ProfiledWriteBarrier(cell Addr) {
	h.barrier.profiled.Add(1)
	h.WriteBarrier(cell)
}

func (h *Heap) ProfiledBarriers() uint64 {
	return h.barrier.profiled.Load()
}

// Age promotes all cells to the old generation and clears the remembered set,
// as a collection would.
func (h *Heap) Age() {
	h.mu.Lock()
	cells := append([]Addr(nil), h.cells...)
	h.mu.Unlock()

	h.barrier.mu.Lock()
	defer h.barrier.mu.Unlock()

	for _, cell := range cells {
		for state := h.CellState(cell); state != CellOld; state = h.CellState(cell) {
			h.setCellState(cell, state, CellOld)
		}
	}
	h.barrier.remembered = nil
}

// Remembered cells since the last Age.
func (h *Heap) Remembered() []Addr {
	h.barrier.mu.Lock()
	defer h.barrier.mu.Unlock()
	return append([]Addr(nil), h.barrier.remembered...)
}

func (h *Heap) IsRemembered(cell Addr) bool {
	return h.CellState(cell) == CellRemembered
}
