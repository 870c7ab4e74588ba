// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package repatch

import (
	"bytes"
	"testing"

	"gate.computer/jsic/config"
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/access"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/internal/stub"
	"gate.computer/jsic/jit"
)

var getFunction = &jit.Function{
	Name:    "get",
	NumRegs: 2,
	Code: []jit.Insn{
		{Op: jit.OpLoadArg, Dst: 0, Index: 0},
		{Op: jit.OpGetById, Dst: 1, Src: 0, Name: "v"},
		{Op: jit.OpReturn, Src: 1},
	},
}

var putFunction = &jit.Function{
	Name:    "put",
	NumRegs: 2,
	Code: []jit.Insn{
		{Op: jit.OpLoadArg, Dst: 0, Index: 0},
		{Op: jit.OpLoadArg, Dst: 1, Index: 1},
		{Op: jit.OpPutById, Src: 0, Src2: 1, Name: "v"},
	},
}

type fixture struct {
	test   *testing.T
	h      *heap.Heap
	code   *executable.Allocator
	thunks jit.Thunks
	adds   int
	r      *Repatcher
}

func newFixture(test *testing.T, capacity int) *fixture {
	f := &fixture{
		test: test,
		h:    heap.New(heap.Config{}),
		code: executable.NewAllocator(executable.Config{}),
	}
	for i := range f.thunks {
		f.thunks[i] = uintptr(0x10000 + i*in.Size)
	}

	f.r = &Repatcher{
		Code:    f.code,
		Thunks:  &f.thunks,
		Builder: &access.Builder{Heap: f.h},
		Emitter: &stub.Emitter{Heap: f.h, Code: f.code, Thunks: &f.thunks},
		Lists: &polylist.Policy{
			Capacity: capacity,
			OnAdd:    func(*polylist.List, polylist.Entry) { f.adds++ },
		},
	}
	return f
}

func (f *fixture) site(fn *jit.Function, index uint32, c config.Tier) *jit.StubInfo {
	f.test.Helper()

	compiler := &jit.Compiler{Code: f.code, Thunks: &f.thunks}
	cb, err := compiler.Compile(1, fn, jit.NewTier("test", c))
	if err != nil {
		f.test.Fatal(err)
	}
	return cb.Site(index)
}

func (f *fixture) object(names ...string) heap.Value {
	obj := heap.Cell(f.h.NewObject(heap.Null))
	for i, name := range names {
		f.h.PutSlot(obj, name, heap.Int32(int32(i+1)), false)
	}
	return obj
}

func (f *fixture) get(site *jit.StubInfo, obj heap.Value) {
	slot := f.h.GetSlot(obj, site.Name)
	switch site.Slow {
	case jit.GetByIdOptimize:
		f.r.TryCacheGet(site, obj, slot)
	case jit.GetByIdBuildList:
		f.r.TryBuildGetList(site, obj, slot)
	}
}

func fetch(site *jit.StubInfo, addr uintptr) in.Insn {
	r := site.CodeBlock.Routine
	return in.Fetch(r.Code()[addr-r.Base:])
}

func (f *fixture) expectSlowPath(site *jit.StubInfo, op jit.Operation) {
	f.test.Helper()

	if site.Slow != op {
		f.test.Errorf("slow path %s; expected %s", site.Slow, op)
	}
	if x := fetch(site, site.SlowCallAddr()); x.Imm64 != uint64(f.thunks[op]) {
		f.test.Errorf("slow call %s; expected %#x", x, f.thunks[op])
	}
}

func TestInlineAndReset(test *testing.T) {
	f := newFixture(test, 4)
	site := f.site(getFunction, 1, config.Tier{})
	obj := f.object("a", "v")
	s := f.h.StructureOfValue(obj)

	f.get(site, obj)

	if site.State != jit.Inline || site.InlineStructure() != s {
		test.Fatalf("site: %s", site)
	}
	if x := fetch(site, site.StructureCheckAddr()); x.Op != in.JSTRUCT || x.Imm32 != uint32(s.ID()) {
		test.Errorf("structure check: %s", x)
	}
	if x := fetch(site, site.At(site.Patch.ValueAccess)); int32(x.Imm32) != heap.Offset(1).Displacement() {
		test.Errorf("value access: %s", x)
	}
	f.expectSlowPath(site, jit.GetByIdBuildList)

	f.r.Reset(site)

	check := fetch(site, site.StructureCheckAddr())
	if check.Op != in.JSTRUCT || check.Imm32 != 0 || check.Imm64 != uint64(site.SlowCaseAddr()) {
		test.Errorf("structure check after reset: %s", check)
	}
	if x := fetch(site, site.At(site.Patch.ValueAccess)); x.Imm32 != 0 {
		test.Errorf("value access after reset: %s", x)
	}
	f.expectSlowPath(site, jit.GetByIdOptimize)
	if site.State != jit.Unset || site.InlineStructure() != nil || site.Misses != 0 {
		test.Errorf("site after reset: %s", site)
	}
}

func TestOutOfLineInline(test *testing.T) {
	f := newFixture(test, 4)
	site := f.site(getFunction, 1, config.Tier{})
	obj := f.object("p0", "p1", "p2", "p3", "p4", "p5", "v")

	f.get(site, obj)

	if site.State != jit.Inline {
		test.Fatalf("site: %s", site)
	}
	if x := fetch(site, site.At(site.Patch.ConvertibleLoad)); x.Op != in.LOAD || x.Imm32 != heap.ButterflyOffset {
		test.Errorf("convertible load: %s", x)
	}

	f.r.Reset(site)

	if x := fetch(site, site.At(site.Patch.ConvertibleLoad)); x.Op != in.LEA {
		test.Errorf("convertible load after reset: %s", x)
	}
}

func TestDeclineDoesNotPatch(test *testing.T) {
	f := newFixture(test, 4)
	site := f.site(getFunction, 1, config.Tier{})
	before := bytes.Clone(site.CodeBlock.Routine.Code())

	obj := heap.Cell(f.h.NewUncacheableObject(heap.Null))
	f.h.PutSlot(obj, "v", heap.Int32(1), false)

	for i := 0; i < 3; i++ {
		f.get(site, obj)
		f.get(site, f.object("a"))
	}

	if !bytes.Equal(site.CodeBlock.Routine.Code(), before) {
		test.Error("code was modified")
	}
	if site.State != jit.Unset || site.Slow != jit.GetByIdOptimize {
		test.Errorf("site: %s", site)
	}
}

func TestWarmup(test *testing.T) {
	f := newFixture(test, 4)
	f.r.WarmupMisses = 2
	site := f.site(getFunction, 1, config.Tier{})
	obj := f.object("v")

	for i := 0; i < 2; i++ {
		f.get(site, obj)
		if site.State != jit.Unset {
			test.Fatalf("miss %d cached", i)
		}
	}

	f.get(site, obj)
	if site.State != jit.Inline {
		test.Errorf("site: %s", site)
	}
}

func TestStaleSlowPath(test *testing.T) {
	f := newFixture(test, 4)
	site := f.site(getFunction, 1, config.Tier{})
	a := f.object("v")
	b := f.object("x", "v")

	f.get(site, a)

	// A thread which entered the optimizing slow path before the site was
	// relinked does nothing.
	f.r.TryCacheGet(site, b, f.h.GetSlot(b, "v"))
	if site.State != jit.Inline || site.InlineStructure() != f.h.StructureOfValue(a) {
		test.Errorf("site: %s", site)
	}
}

func TestListGrowth(test *testing.T) {
	const capacity = 3

	for _, replace := range []bool{false, true} {
		f := newFixture(test, capacity)
		site := f.site(getFunction, 1, config.Tier{ReplaceWithJump: replace})

		objs := []heap.Value{
			f.object("v"),
			f.object("a", "v"),
			f.object("b", "v"),
			f.object("c", "v"),
		}

		f.get(site, objs[0])
		f.get(site, objs[1])

		list := site.CacheList()
		if site.State != jit.List || list == nil || list.Len() != 2 {
			test.Fatalf("replace=%v: site %s", replace, site)
		}

		entries := list.Entries()
		newest := entries[len(entries)-1]

		// The inline check survives in a list; only its miss target moves.
		check := fetch(site, site.StructureCheckAddr())
		if check.Op != in.JSTRUCT || check.Imm64 != uint64(newest.Target) {
			test.Errorf("replace=%v: structure check %s", replace, check)
		}

		f.get(site, objs[2])
		if site.State != jit.Generic || list.Len() != capacity {
			test.Errorf("replace=%v: site %s with %d entries", replace, site, list.Len())
		}
		f.expectSlowPath(site, jit.GetById)

		f.get(site, objs[3])
		if list.Len() != capacity || f.adds != capacity-1 {
			test.Errorf("replace=%v: %d entries, %d adds", replace, list.Len(), f.adds)
		}
	}
}

func TestStubReplacesCheck(test *testing.T) {
	f := newFixture(test, 4)
	site := f.site(putFunction, 2, config.Tier{ReplaceWithJump: true})
	obj := f.object()

	r := f.h.PutSlot(obj, "v", heap.Int32(1), false)
	f.r.TryCachePut(site, obj, r)

	if site.State != jit.Stub || site.Stub() == nil {
		test.Fatalf("site: %s", site)
	}
	if x := fetch(site, site.StructureCheckAddr()); x.Op != in.JMP || x.Imm64 != uint64(site.Stub().Base) {
		test.Errorf("structure check: %s", x)
	}
	f.expectSlowPath(site, jit.PutByIdBuildList)

	stub := site.Stub()
	f.r.Reset(site)

	if x := fetch(site, site.StructureCheckAddr()); x.Op != in.JSTRUCT {
		test.Errorf("structure check after reset: %s", x)
	}
	if !stub.Retired() {
		test.Error("stub was not released")
	}
	f.expectSlowPath(site, jit.PutByIdOptimize)
}
