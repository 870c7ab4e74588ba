// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
)

// CodeBlock is a compiled function.  Its code stays writable so that the
// property access and call sites can be repatched.
//
// The lock serializes caching decisions for the sites of the block.  A holder
// of the lock must not perform heap operations which may transition
// structures, because watchpoints fire while the heap is locked and acquire
// the lock of the dependent code block.
type CodeBlock struct {
	ID       uint32
	Name     string
	Tier     *Tier
	Function *Function
	Routine  *executable.Routine

	Sites []*StubInfo
	Calls []*CallLinkInfo

	// OnInvalidate resets the sites.  It is called with the lock held.
	OnInvalidate func(cb *CodeBlock, reason string)

	mu            sync.Mutex
	generation    uint64
	invalidations atomic.Uint64
}

func (cb *CodeBlock) Lock()   { cb.mu.Lock() }
func (cb *CodeBlock) Unlock() { cb.mu.Unlock() }

// Entry point of the function.
func (cb *CodeBlock) Entry() uintptr { return cb.Routine.Base }

// Invalidations counts how many times the sites have been reset due to
// watchpoints or explicit invalidation.
func (cb *CodeBlock) Invalidations() uint64 { return cb.invalidations.Load() }

type watcher struct {
	cb         *CodeBlock
	generation uint64
}

// FireWatchpoint is called by a structure's watchpoint set.  Watchers left
// over from before the previous invalidation are ignored.
func (w *watcher) FireWatchpoint(reason string) {
	w.cb.Lock()
	defer w.cb.Unlock()

	if w.generation == w.cb.generation {
		w.cb.invalidate(reason)
	}
}

// Watcher for stubs compiled now.  The lock must be held.
func (cb *CodeBlock) Watcher() heap.Watchpoint {
	return &watcher{cb, cb.generation}
}

// Invalidate resets all sites.
func (cb *CodeBlock) Invalidate(reason string) {
	cb.Lock()
	defer cb.Unlock()
	cb.invalidate(reason)
}

func (cb *CodeBlock) invalidate(reason string) {
	cb.generation++
	cb.invalidations.Add(1)
	if cb.OnInvalidate != nil {
		cb.OnInvalidate(cb, reason)
	}
}

// Site by call site index.
func (cb *CodeBlock) Site(index uint32) *StubInfo {
	for _, s := range cb.Sites {
		if s.Patch.CallSiteIndex == index {
			return s
		}
	}
	return nil
}

// Call site by call site index.
func (cb *CodeBlock) Call(index uint32) *CallLinkInfo {
	for _, c := range cb.Calls {
		if c.Index == index {
			return c
		}
	}
	return nil
}

func (cb *CodeBlock) String() string {
	return fmt.Sprintf("%s#%d (%s)", cb.Name, cb.ID, cb.Tier.Name)
}
