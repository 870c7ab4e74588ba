// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"fmt"

	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/patch"
	"gate.computer/jsic/internal/polylist"
)

// CacheState of a property access site.
type CacheState int

const (
	Unset   = CacheState(iota)
	Inline  // structure check and access patched into the site
	Stub    // one stub installed
	List    // polymorphic list installed
	Generic // no further caching until reset
)

func (s CacheState) String() string {
	switch s {
	case Unset:
		return "unset"
	case Inline:
		return "inline"
	case Stub:
		return "stub"
	case List:
		return "list"
	case Generic:
		return "generic"
	}
	return fmt.Sprintf("state%d", int(s))
}

// StubInfo is the inline cache record of a property access site.  Mutable
// fields are protected by the code block's lock.
type StubInfo struct {
	CodeBlock *CodeBlock
	Access    polylist.Kind
	Strict    bool
	Name      string
	Patch     patch.Descriptor
	Return    uintptr // return address of the slow path call

	Slow   Operation // current slow path
	State  CacheState
	Misses int // slow path executions since the last reset

	inline  *heap.Structure
	stub    *executable.Routine
	guarded *heap.Structure
	to      *heap.Structure
	list    *polylist.List
}

var _ polylist.Site = (*StubInfo)(nil)

func (s *StubInfo) At(delta int32) uintptr { return patch.At(s.Return, delta) }

func (s *StubInfo) StructureCheckAddr() uintptr { return s.At(s.Patch.StructureCheck) }
func (s *StubInfo) DoneAddr() uintptr           { return s.At(s.Patch.Done) }
func (s *StubInfo) SlowCaseAddr() uintptr       { return s.At(s.Patch.SlowCase) }
func (s *StubInfo) SlowCallAddr() uintptr       { return s.At(patch.SlowCall) }

func (s *StubInfo) CacheList() *polylist.List     { return s.list }
func (s *StubInfo) SetCacheList(l *polylist.List) { s.list = l; s.State = List }

func (s *StubInfo) InlineStructure() *heap.Structure { return s.inline }

// SetInline records the structure patched into the site.
func (s *StubInfo) SetInline(structure *heap.Structure) {
	s.inline = structure
	s.State = Inline
}

// SetStub records the site's monomorphic stub, taking ownership of it.
func (s *StubInfo) SetStub(stub *executable.Routine, guarded, to *heap.Structure) {
	if s.stub != nil {
		panic("site already has a stub")
	}
	s.stub = stub
	s.guarded = guarded
	s.to = to
	s.State = Stub
}

// Stub installed at the site, or nil.
func (s *StubInfo) Stub() *executable.Routine { return s.stub }

func (s *StubInfo) TakeStub() (stub *executable.Routine, guarded, to *heap.Structure) {
	stub, guarded, to = s.stub, s.guarded, s.to
	s.stub, s.guarded, s.to = nil, nil, nil
	return
}

// Clear forgets the cached state and releases the stubs.  The code must
// already have been restored.
func (s *StubInfo) Clear() {
	if s.stub != nil {
		s.stub.Release()
	}
	if s.list != nil {
		s.list.Release()
	}
	s.inline = nil
	s.stub, s.guarded, s.to = nil, nil, nil
	s.list = nil
	s.State = Unset
	s.Misses = 0
}

func (s *StubInfo) String() string {
	return fmt.Sprintf("%s site %d %s .%s (%s, %s)", s.CodeBlock, s.Patch.CallSiteIndex, s.Access, s.Name, s.State, s.Slow)
}
