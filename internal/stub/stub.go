// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stub emits inline cache stubs.
//
// A stub starts with a guard sequence and ends in one of two exits: success
// jumps to the site's done label, and failure jumps to the fallthrough target
// given by the caller (the previous stub of a list, or the site's slow case).
// Stubs are finalized into read-only memory; they are never patched.
package stub

import (
	"fmt"

	"gate.computer/jsic/buffer"
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/access"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/link"
	"gate.computer/jsic/internal/masm"
	"gate.computer/jsic/internal/pan"
	"gate.computer/jsic/jit"
	"gate.computer/jsic/machine"
)

// Emitter of stubs.  It is safe for concurrent use, but the code block of the
// site must be locked during Emit, since watchpoints may be registered on its
// behalf.
type Emitter struct {
	Heap   *heap.Heap
	Code   *executable.Allocator
	Thunks *jit.Thunks
}

type emitter struct {
	*Emitter
	site    *jit.StubInfo
	d       *access.Descriptor
	tier    *jit.Tier
	layout  *reg.Layout
	a       *masm.Assembler
	lb      *executable.LinkBuffer
	scratch *scratchAllocator

	base  reg.ValueRegs
	value reg.ValueRegs

	success   link.L
	failure   link.L
	exception link.L
}

// MaxSize of a stub in bytes.  Emission fails with buffer.ErrSizeLimit if a
// stub would be larger.
const MaxSize = 512 * in.Size

// Emit a stub for an access cached at a site.
func (e *Emitter) Emit(site *jit.StubInfo, d *access.Descriptor, fail uintptr) (stub *executable.Routine, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = pan.Error(x)
		}
	}()

	tier := site.CodeBlock.Tier
	p := &site.Patch

	s := &emitter{
		Emitter: e,
		site:    site,
		d:       d,
		tier:    tier,
		layout:  tier.Layout,
		a:       masm.New(buffer.NewLimited(nil, MaxSize), tier.Layout),
		lb:      e.Code.NewLinkBuffer(fmt.Sprintf("stub:%s:%s", site.Name, d.Kind)),
		base:    p.Base(),
		value:   p.Value(),
	}

	locked := s.base.Set().Union(s.value.Set()).With(s.layout.Frame)
	used := p.Used
	if site.Access.IsGet() {
		used = used.Difference(s.value.Set())
	}
	s.scratch = newScratchAllocator(s.layout.Allocatable, locked, used)

	s.lb.Embed(d.Structure)
	if d.NewStructure != nil {
		s.lb.Embed(d.NewStructure)
	}
	for _, l := range d.Chain {
		s.lb.Embed(l.Structure)
	}

	switch d.Kind {
	case access.GetSelf, access.GetChain:
		s.emitGetValue()
	case access.GetArrayLength:
		s.emitArrayLength()
	case access.GetGetter, access.GetCustom:
		s.emitGetterCall()
	case access.Replace:
		s.emitReplace()
	case access.Transition:
		s.emitTransition()
	case access.Setter, access.CustomSetter:
		s.emitSetterCall()
	default:
		panic(fmt.Sprintf("unknown access kind: %s", d.Kind))
	}

	s.a.Bind(&s.success)
	s.scratch.restoreReused(s.a)
	s.a.JumpTo(site.DoneAddr())

	s.a.Bind(&s.failure)
	s.scratch.restoreReused(s.a)
	s.a.JumpTo(fail)

	if len(s.exception.Sites) > 0 {
		s.a.Bind(&s.exception)
		s.a.Call(e.Thunks[jit.LookupExceptionHandler])
		s.a.Halt()
	}

	stub = pan.Must(s.lb.Finalize(s.a.Text.Bytes(), s.a))
	return
}

// work register for a get: the destination, unless it overlaps the base
// which must stay intact until the last guard.
func (s *emitter) work() reg.R {
	if s.base.Set().Has(s.value.Payload) || s.base.Set().Has(s.value.Tag) {
		return s.scratch.allocate()
	}
	return s.value.Payload
}

func (s *emitter) guardStructure() {
	s.a.BranchStructure(s.base.Payload, uint32(s.d.Structure.ID()), &s.failure)
}

// guardChain checks or watches every prototype link.  Watchpoints which can
// no longer be registered are replaced by checks.
func (s *emitter) guardChain(temp reg.R) {
	for _, l := range s.d.Chain {
		if l.Guard == access.GuardWatchpoint && l.Structure.AddTransitionWatchpoint(s.site.CodeBlock.Watcher()) {
			continue
		}
		s.a.MoveImm(temp, uint64(l.Object))
		s.a.BranchStructure(temp, uint32(l.Structure.ID()), &s.failure)
	}
}

// storage loads the address which a property displacement is relative to.
// Holder is a register containing the object, which may be the destination.
func (s *emitter) storage(dst, object reg.R, off heap.Offset) reg.R {
	if off.IsInline() {
		return object
	}
	s.a.Load(dst, object, heap.ButterflyOffset)
	return dst
}

// loadHolder makes a register point to the object holding the property.
func (s *emitter) loadHolder(temp reg.R) reg.R {
	if s.d.Holder == 0 {
		return s.base.Payload
	}
	s.a.MoveImm(temp, uint64(s.d.Holder))
	return temp
}

func (s *emitter) moveToValue(src reg.ValueRegs) {
	if src == s.value {
		return
	}
	s.a.Push(src.Payload)
	if s.layout.SplitValues {
		s.a.Push(src.Tag)
		s.a.Pop(s.value.Tag)
	}
	s.a.Pop(s.value.Payload)
}

func (s *emitter) emitGetValue() {
	work := s.work()
	s.scratch.preserveReused(s.a)

	s.guardStructure()
	s.guardChain(work)

	holder := s.loadHolder(work)
	addr := s.storage(work, holder, s.d.Offset)
	s.a.LoadValue(s.value, addr, s.d.Offset.Displacement())
	s.a.Jump(&s.success)
}

func (s *emitter) emitArrayLength() {
	work := s.work()
	s.scratch.preserveReused(s.a)

	s.guardStructure()
	s.a.Load32(work, s.base.Payload, heap.HeaderOffset)
	s.a.BranchTestZero(work, uint32(heap.IsArray), &s.failure)
	s.a.BranchTestZero(work, uint32(heap.HasArrayStorage), &s.failure)
	s.a.Load(work, s.base.Payload, heap.ButterflyOffset)
	s.a.Load32(work, work, heap.PublicLengthOffset)
	s.a.BranchTestNonZero(work, 0x80000000, &s.failure) // not an int32

	if s.layout.SplitValues {
		s.a.Move(s.value.Payload, work)
		s.a.MoveImm(s.value.Tag, heap.TagInt32)
	} else {
		s.a.OrImm(work, heap.TagInt32<<32)
		s.a.Move(s.value.Payload, work)
	}
	s.a.Jump(&s.success)
}

// saveForCall pushes live registers which a host call would clobber.
func (s *emitter) saveForCall() reg.Set {
	save := s.site.Patch.Used.Intersection(s.layout.HostClobbered())
	if s.site.Access.IsGet() {
		save = save.Difference(s.value.Set())
	}
	for _, r := range save.Regs() {
		s.a.Push(r)
	}
	return save
}

func (s *emitter) restoreAfterCall(save reg.Set) {
	rs := save.Regs()
	for i := len(rs) - 1; i >= 0; i-- {
		s.a.Pop(rs[i])
	}
}

// callOut records the call site index in the frame, calls target and checks
// for a pending exception.
func (s *emitter) callOut(target uintptr, args ...reg.R) {
	s.a.Store32Imm(s.layout.Frame, machine.FrameCallSiteIndexOffset, s.site.Patch.CallSiteIndex)
	s.a.SetupArgs(args...)
	s.a.Call(target)

	t := s.layout.Args[2]
	s.a.MoveImm(t, uint64(heap.ExceptionAddr))
	s.a.Load(t, t, 0)
	s.a.BranchNonZero(t, &s.exception)
}

func (s *emitter) emitGetterCall() {
	var work reg.R
	if s.d.Kind == access.GetGetter || len(s.d.Chain) > 0 {
		work = s.work()
	}
	s.scratch.preserveReused(s.a)

	s.guardStructure()
	s.guardChain(work)

	var args []reg.R
	var target uintptr

	if s.d.Kind == access.GetGetter {
		holder := s.loadHolder(work)
		addr := s.storage(work, holder, s.d.Offset)
		s.a.Load(work, addr, s.d.Offset.Displacement()) // pair cell; tag bits are ignored
		args = []reg.R{s.base.Payload, work}
		target = s.Thunks[jit.CallGetter]
	} else {
		args = []reg.R{s.base.Payload}
		target = s.d.Custom.Getter
		s.lb.EmbedNative(target)
	}

	save := s.saveForCall()
	s.callOut(target, args...)
	s.moveToValue(s.layout.ReturnRegs())
	s.restoreAfterCall(save)
	s.a.Jump(&s.success)
}

func (s *emitter) valueArgs() []reg.R {
	if s.layout.SplitValues {
		return []reg.R{s.value.Payload, s.value.Tag}
	}
	return []reg.R{s.value.Payload}
}

func (s *emitter) emitSetterCall() {
	var work reg.R
	if s.d.Kind == access.Setter || len(s.d.Chain) > 0 {
		work = s.scratch.allocate()
	}
	s.scratch.preserveReused(s.a)

	s.guardStructure()
	s.guardChain(work)

	var args []reg.R
	var target uintptr

	if s.d.Kind == access.Setter {
		holder := s.loadHolder(work)
		addr := s.storage(work, holder, s.d.Offset)
		s.a.Load(work, addr, s.d.Offset.Displacement())
		args = append([]reg.R{s.base.Payload, work}, s.valueArgs()...)
		target = s.Thunks[jit.CallSetter]
	} else {
		args = append([]reg.R{s.base.Payload}, s.valueArgs()...)
		target = s.d.Custom.Setter
		s.lb.EmbedNative(target)
	}

	save := s.saveForCall()
	s.callOut(target, args...)
	s.restoreAfterCall(save)
	s.a.Jump(&s.success)
}

func (s *emitter) emitReplace() {
	var work reg.R
	if !s.d.Offset.IsInline() {
		work = s.scratch.allocate()
	}
	s.scratch.preserveReused(s.a)

	s.guardStructure()

	addr := s.storage(work, s.base.Payload, s.d.Offset)
	s.a.StoreValue(addr, s.d.Offset.Displacement(), s.value)
	s.a.WriteBarrier(s.base.Payload, s.tier.BarrierFlags())
	s.a.Jump(&s.success)
}

// emitTransition stores the value and publishes the new structure.  Storage
// growth claims a slice of the current copied-space block with a
// compare-and-swap; if that fails, a helper allocates and finishes the store.
// The write barrier precedes the structure store.
func (s *emitter) emitTransition() {
	d := s.d

	t1 := s.scratch.allocate()
	var t2, t3 reg.R
	if d.Reallocate {
		t2 = s.scratch.allocate()
		t3 = s.scratch.allocate()
	}
	s.scratch.preserveReused(s.a)

	s.guardStructure()
	if !d.Direct {
		s.guardChain(t1)
	}

	var slowAlloc link.L
	var addr reg.R

	if d.Reallocate {
		if d.Offset.IsInline() {
			panic("reallocating transition to an inline offset")
		}

		size := heap.StorageSize(d.NewCapacity, 0)

		s.a.MoveImm(t1, uint64(heap.CopiedFreeAddr))
		s.a.Load(t2, t1, 0)
		s.a.Move(t3, t2)
		s.a.AddImm(t3, int32(size))
		s.a.Load(t1, t1, int32(heap.CopiedEndAddr-heap.CopiedFreeAddr))
		s.a.BranchBelow(t1, t3, &slowAlloc)
		s.a.MoveImm(t1, uint64(heap.CopiedFreeAddr))
		s.a.CompareAndSwap(t1, 0, t2, t3, &slowAlloc)

		// t2 is the new block; make it the butterfly.
		s.a.AddImm(t2, int32(d.NewCapacity)*8+8)
		if d.OldCapacity > 0 {
			s.a.Load(t1, s.base.Payload, heap.ButterflyOffset)
			for i := 0; i < d.OldCapacity; i++ {
				disp := int32(-16 - i*8)
				s.a.Load(t3, t1, disp)
				s.a.Store(t2, disp, t3)
			}
		}
		s.a.Store32Imm(t2, heap.PublicLengthOffset, 0)
		s.a.Store32Imm(t2, heap.VectorLengthOffset, 0)
		s.a.Store(s.base.Payload, heap.ButterflyOffset, t2)
		addr = t2
	} else {
		addr = s.storage(t1, s.base.Payload, d.Offset)
	}

	s.a.StoreValue(addr, d.Offset.Displacement(), s.value)
	s.a.WriteBarrier(s.base.Payload, s.tier.BarrierFlags())
	s.a.Store32Imm(s.base.Payload, heap.StructureIDOffset, uint32(d.NewStructure.ID()))
	s.a.Jump(&s.success)

	if d.Reallocate {
		s.a.Bind(&slowAlloc)
		save := s.saveForCall()
		s.a.MoveImm(t1, uint64(d.NewStructure.ID()))
		s.callOut(s.Thunks[jit.ReallocateStorageAndFinishPut], append([]reg.R{s.base.Payload, t1}, s.valueArgs()...)...)
		s.restoreAfterCall(save)
		s.a.Jump(&s.success)
	}
}

// EmitClosureCall emits a stub for a call site which calls different
// closures of one executable.  The hot path of the site jumps to it after the
// callee's frame has been built.
func (e *Emitter) EmitClosureCall(call *jit.CallLinkInfo, executable uint32, entry uintptr) (stub *executable.Routine, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = pan.Error(x)
		}
	}()

	layout := call.CodeBlock.Tier.Layout
	a := masm.New(buffer.NewLimited(nil, MaxSize), layout)
	lb := e.Code.NewLinkBuffer(fmt.Sprintf("closure-call:%s:%d", call.CodeBlock.Name, call.Index))

	fs := e.Heap.FunctionStructure()
	lb.Embed(fs)

	callee := call.Callee.Payload
	fp := layout.Frame
	t := layout.Args[0]
	t2 := layout.Args[1]
	slow := call.SlowCallAddr()

	a.BranchStructureTo(callee, uint32(fs.ID()), slow)
	a.Load32(t, callee, heap.FunctionExecutableOffset)
	a.BranchImmNotEqualTo(t, executable, slow)
	if layout.SplitValues {
		scope := reg.ValueRegs{Payload: t, Tag: t2}
		a.LoadValue(scope, callee, heap.FunctionScopeOffset)
		a.StoreValue(fp, machine.FrameScopeOffset, scope)
	} else {
		a.Load(t, callee, heap.FunctionScopeOffset)
		a.Store(fp, machine.FrameScopeOffset, t)
	}
	a.Call(entry)
	a.JumpTo(call.AfterCallAddr())

	stub = pan.Must(lb.Finalize(a.Text.Bytes(), a))
	return
}
