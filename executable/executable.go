// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package executable manages memory for generated code.
//
// Stubs are immutable once finalized: their mappings are made read-only.
// Compiled code units stay writable so that their sites can be patched.
// Released routines remain mapped until Reclaim is called at a point where no
// thread can be executing them.
package executable

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gate.computer/jsic/errors"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/debug"
	"golang.org/x/xerrors"
)

const DefaultLimit = 64 << 20

type Config struct {
	Limit int // total mapped bytes
}

type Allocator struct {
	limit int
	page  int

	mu       sync.RWMutex
	routines []*Routine // sorted by base address
	mapped   int
	retired  []*Routine

	finalized atomic.Uint64
	reclaimed atomic.Uint64
}

func NewAllocator(config Config) *Allocator {
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	return &Allocator{
		limit: config.Limit,
		page:  pageSize(),
	}
}

// Routine is a finalized piece of code.  It is reference counted; the
// creator holds the initial reference.
type Routine struct {
	Name      string
	Base      uintptr
	Patchable bool

	// Structures and native entry points embedded in the code.
	Structures []*heap.Structure
	Natives    []uintptr

	alloc   *Allocator
	mem     []byte
	size    int
	refs    atomic.Int32
	retired atomic.Bool
}

// Code of the routine.  Patchable code may be modified concurrently, so
// reads must go through the atomic accessors.
func (r *Routine) Code() []byte { return r.mem[:r.size:r.size] }
func (r *Routine) Size() int    { return r.size }
func (r *Routine) End() uintptr { return r.Base + uintptr(r.size) }

func (r *Routine) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End()
}

func (r *Routine) Ref() *Routine {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("%s: reference to released routine", r.Name))
	}
	return r
}

// Release a reference.  The memory is retired when the last reference is
// gone.
func (r *Routine) Release() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		r.retired.Store(true)
		r.alloc.retire(r)

	case n < 0:
		panic(fmt.Sprintf("%s: released too many times", r.Name))
	}
}

func (r *Routine) Refs() int      { return int(r.refs.Load()) }
func (r *Routine) Retired() bool  { return r.retired.Load() }
func (r *Routine) String() string { return fmt.Sprintf("%s@%#x", r.Name, r.Base) }

// Linker resolves the branch targets of emitted code once its final address
// is known.
type Linker interface {
	Link(text []byte, base uintptr)
}

// LinkBuffer collects the information needed to finalize emitted code.
type LinkBuffer struct {
	Name       string
	Structures []*heap.Structure
	Natives    []uintptr

	alloc *Allocator
}

func (a *Allocator) NewLinkBuffer(name string) *LinkBuffer {
	return &LinkBuffer{Name: name, alloc: a}
}

// Embed records a structure whose ID appears in the code.
func (lb *LinkBuffer) Embed(s *heap.Structure) {
	lb.Structures = append(lb.Structures, s)
}

// EmbedNative records a native entry point called by the code.
func (lb *LinkBuffer) EmbedNative(addr uintptr) {
	lb.Natives = append(lb.Natives, addr)
}

// Finalize copies and links the code into read-only memory.
func (lb *LinkBuffer) Finalize(text []byte, l Linker) (*Routine, error) {
	return lb.alloc.finalize(lb, text, l, false)
}

// FinalizePatchable copies and links the code into writable memory.
func (lb *LinkBuffer) FinalizePatchable(text []byte, l Linker) (*Routine, error) {
	return lb.alloc.finalize(lb, text, l, true)
}

func (a *Allocator) finalize(lb *LinkBuffer, text []byte, l Linker, patchable bool) (*Routine, error) {
	if len(text) == 0 {
		return nil, xerrors.New("empty code")
	}

	size := (len(text) + a.page - 1) &^ (a.page - 1)

	a.mu.Lock()
	if a.mapped+size > a.limit {
		a.mu.Unlock()
		return nil, errors.ResourceLimitErrorf("executable memory limit %d exceeded", a.limit)
	}
	a.mapped += size
	a.mu.Unlock()

	mem, base, err := makeMemory(size)
	if err != nil {
		a.unaccount(size)
		return nil, err
	}

	copy(mem, text)
	if l != nil {
		l.Link(mem[:len(text)], base)
	}

	if !patchable {
		if err := protectMemory(mem); err != nil {
			freeMemory(mem)
			a.unaccount(size)
			return nil, err
		}
	}

	r := &Routine{
		Name:       lb.Name,
		Base:       base,
		Patchable:  patchable,
		Structures: lb.Structures,
		Natives:    lb.Natives,
		alloc:      a,
		mem:        mem,
		size:       len(text),
	}
	r.refs.Store(1)

	a.mu.Lock()
	i := sort.Search(len(a.routines), func(i int) bool { return a.routines[i].Base > base })
	a.routines = append(a.routines, nil)
	copy(a.routines[i+1:], a.routines[i:])
	a.routines[i] = r
	a.mu.Unlock()

	a.finalized.Add(1)

	if debug.Enabled {
		debug.Printf("finalized %s (%d bytes)", r, r.size)
	}
	return r, nil
}

func (a *Allocator) unaccount(size int) {
	a.mu.Lock()
	a.mapped -= size
	a.mu.Unlock()
}

func (a *Allocator) retire(r *Routine) {
	a.mu.Lock()
	a.retired = append(a.retired, r)
	a.mu.Unlock()
}

// Lookup the routine containing a code address.  Retired routines are found
// until they are reclaimed.
func (a *Allocator) Lookup(addr uintptr) *Routine {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i := sort.Search(len(a.routines), func(i int) bool { return a.routines[i].Base > addr })
	if i > 0 {
		if r := a.routines[i-1]; r.Contains(addr) {
			return r
		}
	}
	return nil
}

// Reclaim unmaps retired routines.  The caller guarantees that no thread is
// executing them.
func (a *Allocator) Reclaim() (n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.retired {
		i := sort.Search(len(a.routines), func(i int) bool { return a.routines[i].Base >= r.Base })
		if i < len(a.routines) && a.routines[i] == r {
			a.routines = append(a.routines[:i], a.routines[i+1:]...)
		}
		if e := freeMemory(r.mem); e != nil && err == nil {
			err = e
		}
		a.mapped -= len(r.mem)
		r.mem = nil
		n++
	}
	a.retired = nil
	a.reclaimed.Add(uint64(n))
	return
}

type Stats struct {
	Live      int
	Retired   int
	Mapped    int
	Finalized uint64
	Reclaimed uint64
}

func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Stats{
		Live:      len(a.routines) - len(a.retired),
		Retired:   len(a.retired),
		Mapped:    a.mapped,
		Finalized: a.finalized.Load(),
		Reclaimed: a.reclaimed.Load(),
	}
}
