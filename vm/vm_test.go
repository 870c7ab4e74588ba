// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"gate.computer/jsic/config"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/jit"
)

const (
	getSite = 1 // instruction index of the access in getFunction
	putSite = 2 // instruction index of the access in putFunction
)

func newVM(test *testing.T, modify func(*config.Config)) *VM {
	test.Helper()

	c := config.Default()
	if modify != nil {
		modify(&c)
	}
	if err := c.Validate(); err != nil {
		test.Fatal(err)
	}

	vm, err := New(c)
	if err != nil {
		test.Fatal(err)
	}
	return vm
}

func baselineTier(c *config.Config) { c.Tier = config.Baseline }

// getFunction returns arg0.name.
func getFunction(name string) *jit.Function {
	return &jit.Function{
		Name:    "get_" + name,
		NumRegs: 2,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpGetById, Dst: 1, Src: 0, Name: name},
			{Op: jit.OpReturn, Src: 1},
		},
	}
}

// putFunction does arg0.name = arg1.
func putFunction(name string, strict bool) *jit.Function {
	return &jit.Function{
		Name:    "put_" + name,
		NumRegs: 3,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpLoadArg, Dst: 1, Index: 1},
			{Op: jit.OpPutById, Src: 0, Src2: 1, Name: name, Strict: strict},
			{Op: jit.OpConst, Dst: 2, Value: heap.Undefined},
			{Op: jit.OpReturn, Src: 2},
		},
	}
}

// constFunction returns a constant.
func constFunction(name string, v heap.Value) *jit.Function {
	return &jit.Function{
		Name:    name,
		NumRegs: 1,
		Code: []jit.Insn{
			{Op: jit.OpConst, Dst: 0, Value: v},
			{Op: jit.OpReturn, Src: 0},
		},
	}
}

type fixture struct {
	test *testing.T
	vm   *VM
	t    *Thread
}

func newFixture(test *testing.T, modify func(*config.Config)) *fixture {
	vm := newVM(test, modify)
	return &fixture{test, vm, vm.NewThread()}
}

func (f *fixture) function(fn *jit.Function) (uint32, heap.Value) {
	exec := f.vm.Define(fn)
	return exec, f.vm.NewFunction(exec, heap.Undefined)
}

// object with properties set to consecutive integers starting from 1.
func (f *fixture) object(proto heap.Value, names ...string) heap.Value {
	f.test.Helper()

	obj := heap.Cell(f.vm.Heap.NewObject(proto))
	for i, name := range names {
		if err := f.t.Put(obj, name, heap.Int32(int32(i+1)), true); err != nil {
			f.test.Fatal(err)
		}
	}
	return obj
}

func (f *fixture) call(fn heap.Value, args ...heap.Value) heap.Value {
	f.test.Helper()

	result, err := f.t.Call(fn, heap.Undefined, args...)
	if err != nil {
		f.test.Fatal(err)
	}
	return result
}

func (f *fixture) expect(fn heap.Value, expect heap.Value, args ...heap.Value) {
	f.test.Helper()

	if result := f.call(fn, args...); result != expect {
		f.test.Errorf("%s(%v) = %s; expected %s", fn, args, result, expect)
	}
}

func (f *fixture) site(exec, index uint32) *jit.StubInfo {
	f.test.Helper()

	cb, err := f.vm.CodeBlock(exec)
	if err != nil {
		f.test.Fatal(err)
	}
	site := cb.Site(index)
	if site == nil {
		f.test.Fatalf("no site %d", index)
	}
	return site
}

func (f *fixture) prop(obj heap.Value, name string) heap.Value {
	f.test.Helper()

	v, err := f.t.Get(obj, name)
	if err != nil {
		f.test.Fatal(err)
	}
	return v
}

func TestSelfAccess(test *testing.T) {
	f := newFixture(test, nil)
	exec, get := f.function(getFunction("a"))
	obj := f.object(heap.Null, "a")

	f.expect(get, heap.Int32(1), obj)

	site := f.site(exec, getSite)
	if site.State != jit.Inline {
		test.Fatalf("state after first access: %s", site.State)
	}
	misses := site.Misses

	f.expect(get, heap.Int32(1), obj)
	if site.Misses != misses {
		test.Error("cached access took the slow path")
	}

	if !f.vm.Heap.DeleteProperty(obj.Cell(), "a") {
		test.Fatal("delete failed")
	}
	if err := f.t.Put(obj, "a", heap.Int32(2), true); err != nil {
		test.Fatal(err)
	}

	f.expect(get, heap.Int32(2), obj)
	f.expect(get, heap.Int32(2), obj)

	if site.State != jit.Inline {
		test.Errorf("dictionary object changed the site: %s", site.State)
	}
}

func TestDeclineLeavesSiteUntouched(test *testing.T) {
	f := newFixture(test, nil)
	exec, get := f.function(getFunction("a"))

	obj := heap.Cell(f.vm.Heap.NewUncacheableObject(heap.Null))
	if err := f.t.Put(obj, "a", heap.Int32(7), true); err != nil {
		test.Fatal(err)
	}

	f.call(get, f.object(heap.Null)) // compile; a missing property is declined too

	cb, err := f.vm.CodeBlock(exec)
	if err != nil {
		test.Fatal(err)
	}
	before := bytes.Clone(cb.Routine.Code())

	for i := 0; i < 5; i++ {
		f.expect(get, heap.Int32(7), obj)
	}

	if !bytes.Equal(cb.Routine.Code(), before) {
		test.Error("declined accesses modified code")
	}

	site := f.site(exec, getSite)
	if site.State != jit.Unset || site.Slow != jit.GetByIdOptimize {
		test.Errorf("site: %s", site)
	}
	if f.vm.ListAdds() != 0 {
		test.Error("list grew")
	}
}

func TestCrossStructureGuard(test *testing.T) {
	for _, tier := range []string{config.Optimizing, config.Baseline} {
		test.Run(tier, func(test *testing.T) {
			f := newFixture(test, func(c *config.Config) { c.Tier = tier })
			exec, get := f.function(getFunction("x"))

			a := f.object(heap.Null, "x", "y") // x = 1
			b := f.object(heap.Null, "y", "x") // x = 2

			f.expect(get, heap.Int32(1), a)
			if state := f.site(exec, getSite).State; state == jit.Unset {
				test.Fatal("nothing was cached")
			}

			for i := 0; i < 3; i++ {
				f.expect(get, heap.Int32(2), b)
				f.expect(get, heap.Int32(1), a)
			}
		})
	}
}

func TestPolymorphicListBound(test *testing.T) {
	const capacity = 4

	f := newFixture(test, func(c *config.Config) { c.Cache.ListCapacity = capacity })
	exec, get := f.function(getFunction("v"))

	var objs []heap.Value
	for i := 0; i < capacity+2; i++ {
		objs = append(objs, f.object(heap.Null, fmt.Sprintf("p%d", i), "v"))
	}

	for round := 0; round < 3; round++ {
		for _, obj := range objs {
			f.expect(get, heap.Int32(2), obj)
		}
	}

	site := f.site(exec, getSite)
	if site.State != jit.Generic || site.Slow != jit.GetById {
		test.Errorf("site: %s", site)
	}

	list := site.CacheList()
	if list == nil {
		test.Fatal("no list")
	}
	if n := list.Len(); n != capacity {
		test.Errorf("list has %d entries", n)
	}

	// The inline entry seeded the list without an add.
	if n := f.vm.ListAdds(); n != capacity-1 {
		test.Errorf("%d list adds", n)
	}
}

func TestPrototypeChainGuards(test *testing.T) {
	for _, tier := range []string{config.Optimizing, config.Baseline} {
		test.Run(tier, func(test *testing.T) {
			f := newFixture(test, func(c *config.Config) { c.Tier = tier })
			exec, get := f.function(getFunction("v"))

			top := f.object(heap.Null, "v")   // v = 1
			middle := f.object(top, "m")      // shadows nothing yet
			obj := f.object(middle, "o")

			f.expect(get, heap.Int32(1), obj)

			site := f.site(exec, getSite)
			if site.State != jit.Stub {
				test.Fatalf("site: %s", site)
			}

			f.expect(get, heap.Int32(1), obj)

			if err := f.t.Put(middle, "v", heap.Int32(5), true); err != nil {
				test.Fatal(err)
			}

			f.expect(get, heap.Int32(5), obj)
			f.expect(get, heap.Int32(5), obj)

			cb, err := f.vm.CodeBlock(exec)
			if err != nil {
				test.Fatal(err)
			}

			switch tier {
			case config.Optimizing:
				if cb.Invalidations() == 0 {
					test.Error("shadowing did not invalidate the code block")
				}

			case config.Baseline:
				if cb.Invalidations() != 0 {
					test.Error("checked chain invalidated the code block")
				}
			}
		})
	}
}

func TestTransitionChainGuards(test *testing.T) {
	for _, tier := range []string{config.Optimizing, config.Baseline} {
		test.Run(tier, func(test *testing.T) {
			f := newFixture(test, func(c *config.Config) { c.Tier = tier })
			exec, put := f.function(putFunction("x", true))

			var stored heap.Value
			setter := f.vm.NewFunction(f.vm.DefineNative("setter", func(t *Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
				stored = args[0]
				return heap.Undefined, nil
			}), heap.Undefined)

			proto := f.object(heap.Null)
			f.call(put, f.object(proto), heap.Int32(1))

			if site := f.site(exec, putSite); site.State != jit.Stub {
				test.Fatalf("site: %s", site)
			}

			f.vm.Heap.DefineAccessor(proto.Cell(), "x", heap.Undefined, setter)

			obj := f.object(proto)
			s := f.vm.Heap.StructureOf(obj.Cell())
			f.call(put, obj, heap.Int32(2))

			if stored != heap.Int32(2) {
				test.Errorf("setter got %s", stored)
			}
			if f.vm.Heap.StructureOf(obj.Cell()) != s {
				test.Error("store changed the structure")
			}
			if _, found := s.Get("x"); found {
				test.Error("own property was created")
			}

			cb, err := f.vm.CodeBlock(exec)
			if err != nil {
				test.Fatal(err)
			}
			if tier == config.Optimizing && cb.Invalidations() == 0 {
				test.Error("setter definition did not invalidate the code block")
			}
		})
	}
}

func TestConcurrentTransitions(test *testing.T) {
	const (
		numThreads = 4
		numObjects = 100
	)

	vm := newVM(test, nil)
	exec := vm.Define(putFunction("x", true))
	put := vm.NewFunction(exec, heap.Undefined)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		objs []heap.Value
	)

	for i := 0; i < numThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			t := vm.NewThread()
			for j := 0; j < numObjects; j++ {
				obj := heap.Cell(vm.Heap.NewObject(heap.Null))
				if _, err := t.Call(put, heap.Undefined, obj, heap.Int32(int32(j))); err != nil {
					test.Error(err)
					return
				}

				mu.Lock()
				objs = append(objs, obj)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	var s *heap.Structure
	t := vm.NewThread()

	for _, obj := range objs {
		if s == nil {
			s = vm.Heap.StructureOf(obj.Cell())
		} else if vm.Heap.StructureOf(obj.Cell()) != s {
			test.Fatal("objects diverged")
		}

		v, err := t.Get(obj, "x")
		if err != nil {
			test.Fatal(err)
		}
		if !v.IsInt32() {
			test.Fatalf("x = %s", v)
		}
	}

	cb, err := vm.CodeBlock(exec)
	if err != nil {
		test.Fatal(err)
	}
	site := cb.Site(putSite)
	if site.State != jit.Stub || site.Stub() == nil {
		test.Errorf("site: %s", site)
	}
	if vm.ListAdds() != 0 {
		test.Error("transition was installed more than once")
	}
}

func TestTransitionRoundTrip(test *testing.T) {
	f := newFixture(test, nil)
	exec, put := f.function(putFunction("x", true))

	a := f.object(heap.Null)
	f.call(put, a, heap.Int32(10))

	site := f.site(exec, putSite)
	if site.State != jit.Stub {
		test.Fatalf("site: %s", site)
	}
	misses := site.Misses

	b := f.object(heap.Null)
	f.call(put, b, heap.Int32(20))

	if site.Misses != misses {
		test.Error("cached transition took the slow path")
	}
	if f.vm.Heap.StructureOf(a.Cell()) != f.vm.Heap.StructureOf(b.Cell()) {
		test.Error("structures differ")
	}
	if v := f.prop(b, "x"); v != heap.Int32(20) {
		test.Errorf("b.x = %s", v)
	}
}

func TestReallocatingTransition(test *testing.T) {
	f := newFixture(test, func(c *config.Config) { c.Heap.CopiedBlockSize = 256 })
	exec, put := f.function(putFunction("p6", true))

	props := []string{"p0", "p1", "p2", "p3", "p4", "p5"}
	slow := f.vm.Heap.SlowAllocations()

	var objs []heap.Value
	for i := 0; i < 50; i++ {
		obj := f.object(heap.Null, props...)
		f.call(put, obj, heap.Int32(int32(100+i)))
		objs = append(objs, obj)
	}

	site := f.site(exec, putSite)
	if site.State != jit.Stub {
		test.Errorf("site: %s", site)
	}
	if f.vm.Heap.SlowAllocations() == slow {
		test.Error("allocator slow path was not exercised")
	}

	for i, obj := range objs {
		if v := f.prop(obj, "p6"); v != heap.Int32(int32(100+i)) {
			test.Errorf("object %d: p6 = %s", i, v)
		}
		if v := f.prop(obj, "p0"); v != heap.Int32(1) {
			test.Errorf("object %d: p0 = %s", i, v)
		}
	}
}

func TestArrayLength(test *testing.T) {
	f := newFixture(test, nil)
	exec, get := f.function(getFunction("length"))

	short := heap.Cell(f.vm.Heap.NewArray(heap.Null, make([]heap.Value, 3)))
	long := heap.Cell(f.vm.Heap.NewArray(heap.Null, make([]heap.Value, 5)))

	f.expect(get, heap.Int32(3), short)
	if site := f.site(exec, getSite); site.State != jit.Stub {
		test.Errorf("site: %s", site)
	}
	f.expect(get, heap.Int32(5), long)

	obj := heap.Cell(f.vm.Heap.NewObject(heap.Null))
	if err := f.t.Put(obj, "length", heap.Int32(7), true); err != nil {
		test.Fatal(err)
	}
	f.expect(get, heap.Int32(7), obj)
	f.expect(get, heap.Int32(3), short)
}

func TestAccessorException(test *testing.T) {
	f := newFixture(test, baselineTier)
	exec, get := f.function(getFunction("g"))

	_, thrower := f.function(&jit.Function{
		Name:    "thrower",
		NumRegs: 1,
		Code: []jit.Insn{
			{Op: jit.OpConst, Dst: 0, Value: heap.Int32(13)},
			{Op: jit.OpThrow, Src: 0},
		},
	})

	obj := f.object(heap.Null)
	f.vm.Heap.DefineAccessor(obj.Cell(), "g", thrower, heap.Undefined)

	for i := 0; i < 3; i++ {
		_, err := f.t.Call(get, heap.Undefined, obj)

		var x *Exception
		if !errors.As(err, &x) {
			test.Fatalf("call %d: %v", i, err)
		}
		if x.Value != heap.Int32(13) {
			test.Errorf("call %d: exception value %s", i, x.Value)
		}

		found := false
		for _, frame := range x.Trace {
			if frame.Function == "get_g" && frame.CallSite == getSite {
				found = true
			}
		}
		if !found {
			test.Errorf("call %d: trace %v", i, x.Trace)
		}

		if v := f.vm.Heap.Exception(); v != heap.Empty {
			test.Errorf("call %d: exception left pending: %s", i, v)
		}
	}

	if site := f.site(exec, getSite); site.State != jit.Stub {
		test.Errorf("site: %s", site)
	}
}

func TestAccessorsCached(test *testing.T) {
	f := newFixture(test, baselineTier)
	getExec, get := f.function(getFunction("a"))
	putExec, put := f.function(putFunction("a", true))

	var stored heap.Value

	getter := f.vm.NewFunction(f.vm.DefineNative("getter", func(t *Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
		return heap.Int32(42), nil
	}), heap.Undefined)

	setter := f.vm.NewFunction(f.vm.DefineNative("setter", func(t *Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
		stored = args[0]
		return heap.Undefined, nil
	}), heap.Undefined)

	proto := f.object(heap.Null)
	f.vm.Heap.DefineAccessor(proto.Cell(), "a", getter, setter)
	obj := f.object(proto, "b")

	for i := 0; i < 3; i++ {
		f.expect(get, heap.Int32(42), obj)
		f.call(put, obj, heap.Int32(int32(i)))
		if stored != heap.Int32(int32(i)) {
			test.Errorf("setter got %s", stored)
		}
	}

	if site := f.site(getExec, getSite); site.State != jit.Stub {
		test.Errorf("get site: %s", site)
	}
	if site := f.site(putExec, putSite); site.State != jit.Stub {
		test.Errorf("put site: %s", site)
	}
}

func TestAccessorsDeclinedWithoutFlush(test *testing.T) {
	f := newFixture(test, nil)
	exec, get := f.function(getFunction("a"))

	getter := f.vm.NewFunction(f.vm.Define(constFunction("getter", heap.Int32(3))), heap.Undefined)
	obj := f.object(heap.Null)
	f.vm.Heap.DefineAccessor(obj.Cell(), "a", getter, heap.Undefined)

	f.expect(get, heap.Int32(3), obj)
	f.expect(get, heap.Int32(3), obj)

	if site := f.site(exec, getSite); site.State != jit.Unset {
		test.Errorf("site: %s", site)
	}
}

func TestCustomAccessor(test *testing.T) {
	f := newFixture(test, baselineTier)
	getExec, get := f.function(getFunction("c"))
	_, put := f.function(putFunction("c", true))

	values := make(map[heap.Addr]heap.Value)

	accessor := f.vm.NewCustomAccessor("c",
		func(t *Thread, base heap.Addr) (heap.Value, error) {
			if v, found := values[base]; found {
				return v, nil
			}
			return heap.Int32(-1), nil
		},
		func(t *Thread, base heap.Addr, v heap.Value) error {
			if v == heap.Int32(0) {
				return t.TypeError("zero")
			}
			values[base] = v
			return nil
		},
	)

	obj := f.object(heap.Null)
	f.vm.Heap.DefineCustomAccessor(obj.Cell(), "c", accessor)

	f.expect(get, heap.Int32(-1), obj)
	f.call(put, obj, heap.Int32(9))
	f.call(put, obj, heap.Int32(8))
	f.expect(get, heap.Int32(8), obj)

	if _, err := f.t.Call(put, heap.Undefined, obj, heap.Int32(0)); err == nil {
		test.Error("custom setter error was lost")
	}
	f.expect(get, heap.Int32(8), obj)

	if site := f.site(getExec, getSite); site.State != jit.Stub {
		test.Errorf("site: %s", site)
	}
}

func TestReadOnlyStore(test *testing.T) {
	f := newFixture(test, nil)
	_, strict := f.function(putFunction("r", true))
	_, sloppy := f.function(putFunction("r", false))

	obj := f.object(heap.Null)
	f.vm.Heap.DefineReadOnly(obj.Cell(), "r", heap.Int32(1))

	if _, err := f.t.Call(strict, heap.Undefined, obj, heap.Int32(2)); err == nil {
		test.Error("strict store to read-only property succeeded")
	}
	f.call(sloppy, obj, heap.Int32(2))

	if v := f.prop(obj, "r"); v != heap.Int32(1) {
		test.Errorf("r = %s", v)
	}
}

func TestUndefinedBase(test *testing.T) {
	f := newFixture(test, nil)
	_, get := f.function(getFunction("a"))

	_, err := f.t.Call(get, heap.Undefined, heap.Undefined)

	var x *Exception
	if !errors.As(err, &x) {
		test.Fatalf("error: %v", err)
	}
	if v := f.vm.Heap.Exception(); v != heap.Empty {
		test.Errorf("exception left pending: %s", v)
	}
}

func TestResetSite(test *testing.T) {
	f := newFixture(test, nil)
	exec, get := f.function(getFunction("a"))
	a := f.object(heap.Null, "a")
	b := f.object(heap.Null, "b", "a")

	f.expect(get, heap.Int32(1), a)
	f.expect(get, heap.Int32(2), b)

	site := f.site(exec, getSite)
	if site.State != jit.List {
		test.Fatalf("site: %s", site)
	}

	if err := f.vm.ResetSite(exec, getSite); err != nil {
		test.Fatal(err)
	}
	if site.State != jit.Unset || site.Slow != jit.GetByIdOptimize || site.CacheList() != nil {
		test.Errorf("after reset: %s", site)
	}

	f.expect(get, heap.Int32(2), b)
	f.expect(get, heap.Int32(1), a)
	f.expect(get, heap.Int32(2), b)

	if err := f.vm.Invalidate(exec, "test"); err != nil {
		test.Fatal(err)
	}
	if site.State != jit.Unset {
		test.Errorf("after invalidation: %s", site)
	}
	f.expect(get, heap.Int32(1), a)

	if err := f.vm.ResetSite(exec, 0); err == nil {
		test.Error("reset of a non-site succeeded")
	}
}

func TestCallLinking(test *testing.T) {
	f := newFixture(test, nil)

	callerExec, caller := f.function(&jit.Function{
		Name:    "caller",
		NumRegs: 2,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpCall, Dst: 1, Src: 0, Src2: -1},
			{Op: jit.OpReturn, Src: 1},
		},
	})

	scopeExec := f.vm.DefineNative("scope", func(t *Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
		return t.Scope(), nil
	})
	one := f.vm.NewFunction(scopeExec, heap.Int32(1))
	two := f.vm.NewFunction(scopeExec, heap.Int32(2))
	_, other := f.function(constFunction("other", heap.Int32(42)))

	f.expect(caller, heap.Int32(1), one)

	cb, err := f.vm.CodeBlock(callerExec)
	if err != nil {
		test.Fatal(err)
	}
	call := cb.Call(1)
	if !call.IsLinked() || call.Slow != jit.LinkClosureCall {
		test.Fatalf("after first call: %s", call)
	}

	f.expect(caller, heap.Int32(1), one)
	f.expect(caller, heap.Int32(2), two)

	if call.Stub == nil || call.Slow != jit.VirtualCall {
		test.Fatalf("after closure: %s", call)
	}

	for i := 0; i < 2; i++ {
		f.expect(caller, heap.Int32(2), two)
		f.expect(caller, heap.Int32(1), one)
		f.expect(caller, heap.Int32(42), other)
	}

	if _, err := f.t.Call(caller, heap.Undefined, heap.Int32(0)); err == nil {
		test.Error("calling a non-function succeeded")
	}
	f.expect(caller, heap.Int32(42), other)

	if err := f.vm.ResetSite(callerExec, 1); err != nil {
		test.Fatal(err)
	}
	if call.IsLinked() || call.Stub != nil || call.Slow != jit.LinkCall {
		test.Errorf("after reset: %s", call)
	}
	f.expect(caller, heap.Int32(42), other)
	f.expect(caller, heap.Int32(1), one)
}

func TestCallLinkingWithoutClosureCalls(test *testing.T) {
	f := newFixture(test, func(c *config.Config) { c.Cache.ClosureCalls = false })

	callerExec, caller := f.function(&jit.Function{
		Name:    "caller",
		NumRegs: 2,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpCall, Dst: 1, Src: 0, Src2: -1},
			{Op: jit.OpReturn, Src: 1},
		},
	})

	calleeExec := f.vm.Define(constFunction("callee", heap.Int32(5)))
	a := f.vm.NewFunction(calleeExec, heap.Int32(1))
	b := f.vm.NewFunction(calleeExec, heap.Int32(2))

	f.expect(caller, heap.Int32(5), a)
	f.expect(caller, heap.Int32(5), b)

	cb, err := f.vm.CodeBlock(callerExec)
	if err != nil {
		test.Fatal(err)
	}
	if call := cb.Call(1); call.Slow != jit.VirtualCall || call.Stub != nil {
		test.Errorf("call: %s", call)
	}
}

func TestConstruct(test *testing.T) {
	f := newFixture(test, nil)

	_, init := f.function(&jit.Function{
		Name:    "Point",
		NumRegs: 3,
		Code: []jit.Insn{
			{Op: jit.OpLoadThis, Dst: 0},
			{Op: jit.OpLoadArg, Dst: 1, Index: 0},
			{Op: jit.OpPutByIdDirect, Src: 0, Src2: 1, Name: "x"},
			{Op: jit.OpConst, Dst: 2, Value: heap.Undefined},
			{Op: jit.OpReturn, Src: 2},
		},
	})

	factoryExec, factory := f.function(&jit.Function{
		Name:    "factory",
		NumRegs: 3,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpLoadArg, Dst: 1, Index: 1},
			{Op: jit.OpConstruct, Dst: 2, Src: 0, Args: []int{1}},
			{Op: jit.OpReturn, Src: 2},
		},
	})

	proto := f.object(heap.Null, "shared")
	if err := f.t.Put(init, "prototype", proto, true); err != nil {
		test.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		obj := f.call(factory, init, heap.Int32(int32(i)))
		if v := f.prop(obj, "x"); v != heap.Int32(int32(i)) {
			test.Errorf("x = %s", v)
		}
		if v := f.prop(obj, "shared"); v != heap.Int32(1) {
			test.Errorf("shared = %s", v)
		}
	}

	cb, err := f.vm.CodeBlock(factoryExec)
	if err != nil {
		test.Fatal(err)
	}
	if call := cb.Call(2); call.IsLinked() || call.Slow != jit.VirtualCall {
		test.Errorf("construct site: %s", call)
	}
}

func TestSplitLayout(test *testing.T) {
	f := newFixture(test, func(c *config.Config) {
		for name, t := range c.Tiers {
			t.Layout = "split"
			c.Tiers[name] = t
		}
	})

	exec, get := f.function(getFunction("x"))
	_, put := f.function(putFunction("x", true))

	a := f.object(heap.Null, "x")
	b := f.object(heap.Null, "y", "x")

	f.expect(get, heap.Int32(1), a)
	f.expect(get, heap.Int32(2), b)
	f.expect(get, heap.Int32(1), a)

	c := f.object(heap.Null)
	f.call(put, c, heap.Bool(true))
	d := f.object(heap.Null)
	f.call(put, d, heap.Null)

	f.expect(get, heap.Bool(true), c)
	f.expect(get, heap.Null, d)

	if site := f.site(exec, getSite); site.State == jit.Unset {
		test.Errorf("site: %s", site)
	}
}

func TestMixedTiers(test *testing.T) {
	f := newFixture(test, nil)

	fast := f.vm.Define(getFunction("a"))
	slow, err := f.vm.DefineTier(getFunction("a"), config.Baseline)
	if err != nil {
		test.Fatal(err)
	}

	obj := f.object(heap.Null, "a")
	for _, exec := range []uint32{fast, slow} {
		fn := f.vm.NewFunction(exec, heap.Undefined)
		f.expect(fn, heap.Int32(1), obj)
		f.expect(fn, heap.Int32(1), obj)
	}

	if _, err := f.vm.DefineTier(getFunction("a"), "nonexistent"); err == nil {
		test.Error("unknown tier was accepted")
	}
}

func TestProfile(test *testing.T) {
	f := newFixture(test, nil)
	_, get := f.function(getFunction("a"))
	f.expect(get, heap.Int32(1), f.object(heap.Null, "a"))

	p := f.vm.Profile()
	if len(p.Blocks) != 1 || len(p.Sites) != 1 {
		test.Fatalf("profile: %+v", p)
	}
	if p.Sites[0].State != jit.Inline.String() {
		test.Errorf("site state: %s", p.Sites[0].State)
	}

	var b bytes.Buffer
	if err := f.vm.Disassemble(&b); err != nil {
		test.Fatal(err)
	}
	if b.Len() == 0 {
		test.Error("empty disassembly")
	}
}
