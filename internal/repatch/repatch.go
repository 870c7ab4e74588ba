// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package repatch rewrites property access sites of running code.
//
// Every mutation happens with the code block locked, and consists of aligned
// single-field writes ordered so that a thread executing the site sees either
// the old behavior or the new one.  The last write of an installation is the
// one which makes the new fast path reachable; a reset first makes the fast
// path unreachable.
package repatch

import (
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/access"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/patch"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/internal/stub"
	"gate.computer/jsic/jit"
	"github.com/tliron/commonlog"
)

type Repatcher struct {
	Code    *executable.Allocator
	Thunks  *jit.Thunks
	Builder *access.Builder
	Emitter *stub.Emitter
	Lists   *polylist.Policy
	Log     commonlog.Logger

	// WarmupMisses is the number of slow path executions which are not
	// cached after a reset.
	WarmupMisses int
}

func (r *Repatcher) insn(addr uintptr) []byte {
	routine := r.Code.Lookup(addr)
	if routine == nil || !routine.Patchable {
		panic("patch address is not in patchable code")
	}
	return routine.Code()[addr-routine.Base:]
}

// Relink points the branch or call at addr to a new target.
func (r *Repatcher) Relink(addr, target uintptr) {
	in.PatchImm64(r.insn(addr), uint64(target))
}

// Repatch the 32-bit immediate (structure ID or displacement) at addr.
func (r *Repatcher) Repatch(addr uintptr, x uint32) {
	in.PatchImm32(r.insn(addr), x)
}

// ReplaceWithJump turns the instruction at addr into an unconditional jump.
// The target is written before the opcode.
func (r *Repatcher) ReplaceWithJump(addr, target uintptr) {
	b := r.insn(addr)
	in.PatchImm64(b, uint64(target))
	in.PatchOpcode(b, in.Insn{Op: in.JMP})
}

func (r *Repatcher) rewrite(addr uintptr, i in.Insn) {
	b := r.insn(addr)
	in.PatchOpcode(b, i)
	in.PatchImm32(b, i.Imm32)
}

func (r *Repatcher) relinkSlowPath(site *jit.StubInfo, op jit.Operation) {
	r.Relink(site.SlowCallAddr(), r.Thunks[op])
	site.Slow = op
}

func (r *Repatcher) debugf(format string, args ...any) {
	if r.Log != nil && r.Log.AllowLevel(commonlog.Debug) {
		r.Log.Debugf(format, args...)
	}
}

func (r *Repatcher) errorf(format string, args ...any) {
	if r.Log != nil {
		r.Log.Errorf(format, args...)
	}
}

// Install a stub at a site.  A first stub goes behind the site's structure
// check, or replaces the check with a jump if the tier prefers that.  Stubs of
// a list are chained to their predecessors by the emitter, so only the check
// needs to be relinked.
func (r *Repatcher) Install(site *jit.StubInfo, stub *executable.Routine, first bool) {
	check := site.StructureCheckAddr()
	if first && site.CodeBlock.Tier.ReplaceWithJump {
		r.ReplaceWithJump(check, stub.Base)
	} else {
		r.Relink(check, stub.Base)
	}
}

// patchInline caches a self access in the site's own code.  The structure ID
// is written last.
func (r *Repatcher) patchInline(site *jit.StubInfo, d *access.Descriptor) {
	p := &site.Patch

	load := in.Insn{Op: in.LEA, A: p.ScratchGPR, B: p.BaseGPR}
	if !d.Offset.IsInline() {
		load = in.Insn{Op: in.LOAD, A: p.ScratchGPR, B: p.BaseGPR, Imm32: heap.ButterflyOffset}
	}
	r.rewrite(site.At(p.ConvertibleLoad), load)

	disp := d.Offset.Displacement()
	r.Repatch(site.At(p.ValueAccess), uint32(disp))
	if p.TagAccess != patch.None {
		r.Repatch(site.At(p.TagAccess), uint32(disp+4))
	}

	r.Repatch(site.StructureCheckAddr(), uint32(d.Structure.ID()))
}

// Reset a site to its initial state.  The code block must be locked.  Stubs
// are released, but they stay mapped until the allocator reclaims memory, so
// threads still executing them are not affected.
func (r *Repatcher) Reset(site *jit.StubInfo) {
	p := &site.Patch

	b := r.insn(site.StructureCheckAddr())
	in.PatchImm32(b, 0)
	in.PatchOpcode(b, in.Insn{Op: in.JSTRUCT, A: p.BaseGPR})
	in.PatchImm64(b, uint64(site.SlowCaseAddr()))

	if p.HasInlineAccess() {
		r.rewrite(site.At(p.ConvertibleLoad), in.Insn{Op: in.LEA, A: p.ScratchGPR, B: p.BaseGPR})
		r.Repatch(site.At(p.ValueAccess), 0)
		if p.TagAccess != patch.None {
			r.Repatch(site.At(p.TagAccess), 4)
		}
	}

	optimize := jit.GetByIdOptimize
	if !site.Access.IsGet() {
		optimize = jit.PutByIdOptimize
	}
	r.relinkSlowPath(site, optimize)

	site.Clear()
	r.debugf("%s: reset", site)
}

func (r *Repatcher) makeGeneric(site *jit.StubInfo) {
	generic := jit.GetById
	if !site.Access.IsGet() {
		generic = jit.PutById
	}
	r.relinkSlowPath(site, generic)
	site.State = jit.Generic
	r.debugf("%s: generic", site)
}

// warm counts a miss and reports whether the site may cache.
func (r *Repatcher) warm(site *jit.StubInfo) bool {
	site.Misses++
	return site.Misses > r.WarmupMisses
}

// TryCacheGet is called by the optimizing slow path of a get site after the
// generic lookup.
func (r *Repatcher) TryCacheGet(site *jit.StubInfo, base heap.Value, slot heap.Slot) {
	cb := site.CodeBlock
	cb.Lock()
	defer cb.Unlock()

	if site.Slow != jit.GetByIdOptimize || !r.warm(site) {
		return
	}

	decision, d := r.Builder.ForGet(site, base, slot, false)
	r.cache(site, decision, d, jit.GetByIdBuildList)
}

// TryCachePut is called by the optimizing slow path of a put site after the
// generic store.
func (r *Repatcher) TryCachePut(site *jit.StubInfo, base heap.Value, result heap.PutResult) {
	cb := site.CodeBlock
	cb.Lock()
	defer cb.Unlock()

	if site.Slow != jit.PutByIdOptimize || !r.warm(site) {
		return
	}

	decision, d := r.Builder.ForPut(site, base, result, false)
	r.cache(site, decision, d, jit.PutByIdBuildList)
}

func (r *Repatcher) cache(site *jit.StubInfo, decision access.Decision, d *access.Descriptor, buildList jit.Operation) {
	switch decision {
	case access.Decline:
		return

	case access.CacheInline:
		r.patchInline(site, d)
		site.SetInline(d.Structure)
		r.debugf("%s: inline %s", site, d)

	case access.CacheStub:
		stub, err := r.Emitter.Emit(site, d, site.SlowCaseAddr())
		if err != nil {
			r.errorf("%s: %v", site, err)
			return
		}
		r.Install(site, stub, true)
		site.SetStub(stub, d.Structure, d.NewStructure)
		r.debugf("%s: stub %s for %s", site, stub, d)

	case access.BuildList:
		r.debugf("%s: deferred to list for %s", site, d)
	}

	r.relinkSlowPath(site, buildList)
}

// TryBuildGetList is called by the list-building slow path of a get site.
func (r *Repatcher) TryBuildGetList(site *jit.StubInfo, base heap.Value, slot heap.Slot) {
	cb := site.CodeBlock
	cb.Lock()
	defer cb.Unlock()

	if site.Slow != jit.GetByIdBuildList {
		return
	}

	decision, d := r.Builder.ForGet(site, base, slot, true)
	r.grow(site, decision, d, polylist.Get)
}

// TryBuildPutList is called by the list-building slow path of a put site.
func (r *Repatcher) TryBuildPutList(site *jit.StubInfo, base heap.Value, result heap.PutResult) {
	cb := site.CodeBlock
	cb.Lock()
	defer cb.Unlock()

	if site.Slow != jit.PutByIdBuildList {
		return
	}

	decision, d := r.Builder.ForPut(site, base, result, true)
	r.grow(site, decision, d, site.Access)
}

func (r *Repatcher) grow(site *jit.StubInfo, decision access.Decision, d *access.Descriptor, kind polylist.Kind) {
	if decision == access.Decline {
		return
	}

	list := r.Lists.ObtainOrCreate(kind, site)
	if list.IsFull() {
		r.makeGeneric(site)
		return
	}

	stub, err := r.Emitter.Emit(site, d, list.CurrentSlowPathTarget(site))
	if err != nil {
		r.errorf("%s: %v", site, err)
		return
	}

	last := list.IsAlmostFull()
	list.Add(polylist.Entry{
		Structure:    d.Structure,
		NewStructure: d.NewStructure,
		Stub:         stub,
		Target:       stub.Base,
	})
	r.Install(site, stub, false)
	r.debugf("%s: %s entry %s for %s", site, list, stub, d)

	if last {
		r.makeGeneric(site)
	}
}
