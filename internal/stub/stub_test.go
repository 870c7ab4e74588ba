// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stub

import (
	"errors"
	"testing"

	"gate.computer/jsic/config"
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/access"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/pan"
	"gate.computer/jsic/internal/patch"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/jit"
	"gate.computer/jsic/machine"
)

const (
	siteReturn = uintptr(0x100000)
	failTarget = uintptr(0x200000)
)

type fixture struct {
	test   *testing.T
	h      *heap.Heap
	thunks jit.Thunks
	e      *Emitter
	b      *access.Builder
}

func newFixture(test *testing.T) *fixture {
	f := &fixture{test: test, h: heap.New(heap.Config{})}
	for i := range f.thunks {
		f.thunks[i] = uintptr(0x300000 + i*in.Size)
	}
	f.e = &Emitter{
		Heap:   f.h,
		Code:   executable.NewAllocator(executable.Config{}),
		Thunks: &f.thunks,
	}
	f.b = &access.Builder{Heap: f.h}
	return f
}

func (f *fixture) site(c config.Tier, kind polylist.Kind, name string) *jit.StubInfo {
	return &jit.StubInfo{
		CodeBlock: &jit.CodeBlock{Name: "test", Tier: jit.NewTier("test", c)},
		Access:    kind,
		Name:      name,
		Return:    siteReturn,
		Patch: patch.Descriptor{
			StructureCheck:   -64,
			ConvertibleLoad:  -48,
			ValueAccess:      -32,
			TagAccess:        patch.None,
			Done:             -16,
			SlowCase:         16,
			BaseGPR:          4,
			BaseTagGPR:       reg.None,
			ValueGPR:         5,
			ValueTagGPR:      reg.None,
			ScratchGPR:       5,
			Used:             reg.SetOf(6),
			CallSiteIndex:    7,
			RegistersFlushed: c.FlushRegisters,
		},
	}
}

func (f *fixture) object(proto heap.Value, names ...string) heap.Value {
	obj := heap.Cell(f.h.NewObject(proto))
	for i, name := range names {
		f.h.PutSlot(obj, name, heap.Int32(int32(i+1)), false)
	}
	return obj
}

func (f *fixture) emit(site *jit.StubInfo, d *access.Descriptor) []in.Insn {
	f.test.Helper()

	stub, err := f.e.Emit(site, d, failTarget)
	if err != nil {
		f.test.Fatal(err)
	}
	if stub.Patchable {
		f.test.Error("stub is patchable")
	}
	return decode(stub)
}

func decode(r *executable.Routine) (insns []in.Insn) {
	text := r.Code()
	for i := 0; i+in.Size <= len(text); i += in.Size {
		insns = append(insns, in.Fetch(text[i:]))
	}
	return
}

func find(insns []in.Insn, match func(in.Insn) bool) int {
	for i, x := range insns {
		if match(x) {
			return i
		}
	}
	return -1
}

func count(insns []in.Insn, op in.Op) (n int) {
	for _, x := range insns {
		if x.Op == op {
			n++
		}
	}
	return
}

func jumpsTo(insns []in.Insn, target uintptr) bool {
	return find(insns, func(x in.Insn) bool { return x.Op == in.JMP && x.Imm64 == uint64(target) }) >= 0
}

func TestGetSelfStub(test *testing.T) {
	f := newFixture(test)
	obj := f.object(heap.Null, "a", "b")
	site := f.site(config.Tier{}, polylist.Get, "b")

	_, d := f.b.ForGet(site, obj, f.h.GetSlot(obj, "b"), true)
	insns := f.emit(site, d)

	if x := insns[0]; x.Op != in.JSTRUCT || x.A != site.Patch.BaseGPR || x.Imm32 != uint32(d.Structure.ID()) {
		test.Errorf("first instruction: %s", x)
	}
	if !jumpsTo(insns, site.DoneAddr()) {
		test.Error("no success exit")
	}
	if !jumpsTo(insns, failTarget) {
		test.Error("no failure exit")
	}

	load := find(insns, func(x in.Insn) bool { return x.Op == in.LOAD && x.A == site.Patch.ValueGPR })
	if load < 0 || int32(insns[load].Imm32) != d.Offset.Displacement() {
		test.Errorf("value load at %d", load)
	}
}

func TestChainStubGuards(test *testing.T) {
	for _, watch := range []bool{false, true} {
		f := newFixture(test)
		top := f.object(heap.Null, "v")
		middle := f.object(top, "m")
		obj := f.object(middle, "o")

		site := f.site(config.Tier{TransitionWatchpoints: watch}, polylist.Get, "v")
		_, d := f.b.ForGet(site, obj, f.h.GetSlot(obj, "v"), false)
		insns := f.emit(site, d)

		expect := 3
		if watch {
			expect = 1
		}
		if n := count(insns, in.JSTRUCT); n != expect {
			test.Errorf("watch=%v: %d structure checks", watch, n)
		}

		f.h.PutSlot(middle, "v", heap.Int32(9), false)

		var expectInvalidations uint64
		if watch {
			expectInvalidations = 1
		}
		if n := site.CodeBlock.Invalidations(); n != expectInvalidations {
			test.Errorf("watch=%v: %d invalidations", watch, n)
		}
	}
}

func TestArrayLengthStub(test *testing.T) {
	f := newFixture(test)
	array := heap.Cell(f.h.NewArray(heap.Null, nil))
	site := f.site(config.Tier{Layout: "split"}, polylist.Get, "length")
	site.Patch.BaseTagGPR = 8
	site.Patch.ValueTagGPR = 9

	_, d := f.b.ForGet(site, array, f.h.GetSlot(array, "length"), false)
	insns := f.emit(site, d)

	tag := find(insns, func(x in.Insn) bool {
		return x.Op == in.MOVI && x.A == site.Patch.ValueTagGPR && x.Imm64 == heap.TagInt32
	})
	if tag < 0 {
		test.Error("tag is not set")
	}
}

func TestTransitionStubOrder(test *testing.T) {
	for _, realloc := range []bool{false, true} {
		f := newFixture(test)
		var names []string
		name := "a"
		if realloc {
			names = []string{"p0", "p1", "p2", "p3", "p4", "p5"}
			name = "p6"
		}
		site := f.site(config.Tier{WriteBarrierProfiling: true}, polylist.Put, name)
		obj := f.object(heap.Null, names...)

		_, d := f.b.ForPut(site, obj, f.h.PutSlot(obj, name, heap.Int32(1), false), false)
		if d == nil || d.Kind != access.Transition || d.Reallocate != realloc {
			test.Fatalf("realloc=%v: descriptor %v", realloc, d)
		}
		insns := f.emit(site, d)

		value := find(insns, func(x in.Insn) bool { return x.Op == in.STORE && x.B == site.Patch.ValueGPR })
		barrier := find(insns, func(x in.Insn) bool { return x.Op == in.WBAR })
		structure := find(insns, func(x in.Insn) bool {
			return x.Op == in.STI32 && x.A == site.Patch.BaseGPR && x.Imm32 == heap.StructureIDOffset
		})

		if value < 0 || barrier < 0 || structure < 0 || !(value < barrier && barrier < structure) {
			test.Errorf("realloc=%v: value store %d, barrier %d, structure store %d", realloc, value, barrier, structure)
		}
		if insns[barrier].Imm32&in.BarrierProfile == 0 {
			test.Errorf("realloc=%v: barrier is not profiled", realloc)
		}
		if uint64(d.NewStructure.ID()) != insns[structure].Imm64 {
			test.Errorf("realloc=%v: stored structure %d", realloc, insns[structure].Imm64)
		}

		cas := find(insns, func(x in.Insn) bool { return x.Op == in.CASBR })
		helper := find(insns, func(x in.Insn) bool {
			return x.Op == in.CALL && x.Imm64 == uint64(f.thunks[jit.ReallocateStorageAndFinishPut])
		})
		if realloc {
			if cas < 0 || cas > value || helper < 0 {
				test.Fatalf("allocation: cas %d, helper %d", cas, helper)
			}
			record := find(insns[:helper], func(x in.Insn) bool {
				return x.Op == in.STI32 && x.A == reg.Unified.Frame && int32(x.Imm32) == machine.FrameCallSiteIndexOffset
			})
			if record < 0 {
				test.Error("helper call does not record the call site")
			}
			if find(insns[helper:], func(x in.Insn) bool { return x.Op == in.BNZ }) < 0 {
				test.Error("helper call is not followed by an exception check")
			}
		} else if cas >= 0 || helper >= 0 {
			test.Error("non-reallocating transition allocates")
		}
	}
}

func TestSetterStubRecordsCallSite(test *testing.T) {
	f := newFixture(test)
	setter := heap.Cell(f.h.NewFunction(1, heap.Undefined))
	obj := f.object(heap.Null)
	f.h.DefineAccessor(obj.Cell(), "a", heap.Undefined, setter)

	site := f.site(config.Tier{FlushRegisters: true}, polylist.Put, "a")
	_, d := f.b.ForPut(site, obj, f.h.PutSlot(obj, "a", heap.Int32(1), false), false)
	if d == nil {
		test.Fatal("declined")
	}
	insns := f.emit(site, d)

	record := find(insns, func(x in.Insn) bool {
		return x.Op == in.STI32 && x.A == reg.Unified.Frame && int32(x.Imm32) == machine.FrameCallSiteIndexOffset
	})
	call := find(insns, func(x in.Insn) bool { return x.Op == in.CALL && x.Imm64 == uint64(f.thunks[jit.CallSetter]) })
	check := find(insns, func(x in.Insn) bool { return x.Op == in.BNZ })
	handler := find(insns, func(x in.Insn) bool {
		return x.Op == in.CALL && x.Imm64 == uint64(f.thunks[jit.LookupExceptionHandler])
	})

	if record < 0 || insns[record].Imm64 != uint64(site.Patch.CallSiteIndex) {
		test.Fatalf("call site index is not recorded")
	}
	if !(record < call && call < check && check < handler) {
		test.Errorf("record %d, call %d, check %d, handler %d", record, call, check, handler)
	}
	if insns[handler+1].Op != in.HALT {
		test.Error("exception handler call returns")
	}

	// Base, accessor pair and value.
	if count(insns, in.PUSH) < 3 {
		test.Error("arguments are not set up through the stack")
	}
}

func TestClosureCallStub(test *testing.T) {
	f := newFixture(test)
	tier := jit.NewTier("test", config.Tier{})

	call := &jit.CallLinkInfo{
		CodeBlock:    &jit.CodeBlock{Name: "test", Tier: tier},
		Index:        3,
		Callee:       reg.Single(6),
		Return:       siteReturn,
		HotPathBegin: -96,
		HotCall:      -64,
		AfterCall:    0,
	}

	stub, err := f.e.EmitClosureCall(call, 42, 0x400000)
	if err != nil {
		test.Fatal(err)
	}
	insns := decode(stub)

	if x := insns[0]; x.Op != in.JSTRUCT || x.Imm32 != uint32(f.h.FunctionStructure().ID()) || x.Imm64 != uint64(call.SlowCallAddr()) {
		test.Errorf("structure check: %s", x)
	}
	if x := insns[2]; x.Op != in.BNEI || x.Imm32 != 42 {
		test.Errorf("executable check: %s", x)
	}
	if find(insns, func(x in.Insn) bool { return x.Op == in.CALL && x.Imm64 == 0x400000 }) < 0 {
		test.Error("entry is not called")
	}
	if !jumpsTo(insns, call.AfterCallAddr()) {
		test.Error("no return to the site")
	}
}

func TestScratchExhaustion(test *testing.T) {
	all := reg.SetOf(0, 1)
	s := newScratchAllocator(all, reg.SetOf(0), reg.SetOf(1))

	if r := s.allocate(); r != 1 || len(s.reused) != 1 {
		test.Fatalf("allocated %d, reused %v", r, s.reused)
	}

	err := func() (err error) {
		defer func() { err = pan.Error(recover()) }()
		s.allocate()
		return
	}()
	if !errors.As(err, new(noScratchRegister)) {
		test.Errorf("error: %v", err)
	}
}
