// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/masm"
	"gate.computer/jsic/internal/pan"
)

type noScratchRegister struct{}

func (noScratchRegister) Error() string { return "stub: no scratch register" }

// scratchAllocator hands out free registers first.  When there are none, a
// register which is live across the site is reused; it is saved at the start
// of the stub and restored on both exits.
type scratchAllocator struct {
	free   reg.Set
	used   reg.Set
	locked reg.Set
	reused []reg.R
}

func newScratchAllocator(allocatable, locked, used reg.Set) *scratchAllocator {
	return &scratchAllocator{
		free:   allocatable.Difference(locked).Difference(used),
		used:   used.Difference(locked),
		locked: locked,
	}
}

func (s *scratchAllocator) allocate() reg.R {
	if r := s.free.First(); r != reg.None {
		s.free = s.free.Without(r)
		s.locked = s.locked.With(r)
		return r
	}

	if r := s.used.First(); r != reg.None {
		s.used = s.used.Without(r)
		s.locked = s.locked.With(r)
		s.reused = append(s.reused, r)
		return r
	}

	pan.Panic(noScratchRegister{})
	panic("unreachable")
}

func (s *scratchAllocator) preserveReused(a *masm.Assembler) {
	for _, r := range s.reused {
		a.Push(r)
	}
}

func (s *scratchAllocator) restoreReused(a *masm.Assembler) {
	for i := len(s.reused) - 1; i >= 0; i-- {
		a.Pop(s.reused[i])
	}
}
