// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"gate.computer/jsic/heap"
	"gate.computer/jsic/jit"
	"gate.computer/jsic/vm"
)

type scenario struct {
	doc string
	run func(s *session) error
}

var scenarios = map[string]scenario{
	"self":       {"monomorphic self access, then a dictionary object", runSelf},
	"poly":       {"one site sees more shapes than a list can hold", runPoly},
	"transition": {"property addition from several threads", runTransition},
	"chain":      {"prototype access, then shadowing", runChain},
	"closure":    {"calls to closures of one function and to others", runClosure},
	"accessor":   {"getter and setter calls, one of which throws", runAccessor},
}

func scenarioNames() (names []string) {
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

type session struct {
	vm      *vm.VM
	t       *vm.Thread
	out     io.Writer
	rounds  int
	threads int
}

func (s *session) function(f *jit.Function) heap.Value {
	return s.vm.NewFunction(s.vm.Define(f), heap.Undefined)
}

func (s *session) object(proto heap.Value, names ...string) (heap.Value, error) {
	obj := heap.Cell(s.vm.Heap.NewObject(proto))
	for i, name := range names {
		if err := s.t.Put(obj, name, heap.Int32(int32(i+1)), true); err != nil {
			return heap.Undefined, err
		}
	}
	return obj, nil
}

func (s *session) call(label string, fn heap.Value, args ...heap.Value) error {
	result, err := s.t.Call(fn, heap.Undefined, args...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.out, "%s: %s\n", label, result)
	return err
}

func getter(name string) *jit.Function {
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

func setter(name string) *jit.Function {
	return &jit.Function{
		Name:    "set_" + name,
		NumRegs: 3,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpLoadArg, Dst: 1, Index: 1},
			{Op: jit.OpPutById, Src: 0, Src2: 1, Name: name, Strict: true},
			{Op: jit.OpConst, Dst: 2, Value: heap.Undefined},
			{Op: jit.OpReturn, Src: 2},
		},
	}
}

func runSelf(s *session) error {
	get := s.function(getter("a"))

	obj, err := s.object(heap.Null, "a")
	if err != nil {
		return err
	}

	for i := 0; i < s.rounds; i++ {
		if err := s.call("o.a", get, obj); err != nil {
			return err
		}
	}

	s.vm.Heap.DeleteProperty(obj.Cell(), "a")
	if err := s.t.Put(obj, "a", heap.Int32(2), true); err != nil {
		return err
	}

	for i := 0; i < s.rounds; i++ {
		if err := s.call("o.a after delete", get, obj); err != nil {
			return err
		}
	}
	return nil
}

func runPoly(s *session) error {
	get := s.function(getter("v"))

	n := s.vm.Config.Cache.ListCapacity + 2
	objs := make([]heap.Value, n)
	for i := range objs {
		obj, err := s.object(heap.Null, fmt.Sprintf("p%d", i), "v")
		if err != nil {
			return err
		}
		objs[i] = obj
	}

	for i := 0; i < s.rounds; i++ {
		for j, obj := range objs {
			if err := s.call(fmt.Sprintf("o%d.v", j), get, obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func runTransition(s *session) error {
	put := s.function(setter("x"))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for i := 0; i < s.threads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			t := s.vm.NewThread()
			for j := 0; j < s.rounds; j++ {
				obj := heap.Cell(s.vm.Heap.NewObject(heap.Null))
				if _, err := t.Call(put, heap.Undefined, obj, heap.Int32(int32(id))); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
			}
		}(i)
	}

	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	_, err := fmt.Fprintf(s.out, "%d objects extended by %d threads\n", s.threads*s.rounds, s.threads)
	return err
}

func runChain(s *session) error {
	get := s.function(getter("v"))

	top, err := s.object(heap.Null, "v")
	if err != nil {
		return err
	}
	middle, err := s.object(top, "m")
	if err != nil {
		return err
	}
	obj, err := s.object(middle, "o")
	if err != nil {
		return err
	}

	for i := 0; i < s.rounds; i++ {
		if err := s.call("o.v", get, obj); err != nil {
			return err
		}
	}

	if err := s.t.Put(middle, "v", heap.Int32(5), true); err != nil {
		return err
	}

	for i := 0; i < s.rounds; i++ {
		if err := s.call("o.v after shadowing", get, obj); err != nil {
			return err
		}
	}
	return nil
}

func runClosure(s *session) error {
	caller := s.function(&jit.Function{
		Name:    "call",
		NumRegs: 2,
		Code: []jit.Insn{
			{Op: jit.OpLoadArg, Dst: 0, Index: 0},
			{Op: jit.OpCall, Dst: 1, Src: 0, Src2: -1},
			{Op: jit.OpReturn, Src: 1},
		},
	})

	scope := s.vm.DefineNative("scope", func(t *vm.Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
		return t.Scope(), nil
	})
	closures := []heap.Value{
		s.vm.NewFunction(scope, heap.Int32(1)),
		s.vm.NewFunction(scope, heap.Int32(2)),
	}

	other := s.function(&jit.Function{
		Name:    "other",
		NumRegs: 1,
		Code: []jit.Insn{
			{Op: jit.OpConst, Dst: 0, Value: heap.Int32(42)},
			{Op: jit.OpReturn, Src: 0},
		},
	})

	for i := 0; i < s.rounds; i++ {
		for j, fn := range closures {
			if err := s.call(fmt.Sprintf("closure%d()", j), caller, fn); err != nil {
				return err
			}
		}
		if err := s.call("other()", caller, other); err != nil {
			return err
		}
	}
	return nil
}

func runAccessor(s *session) error {
	get := s.function(getter("a"))
	put := s.function(setter("a"))

	var stored heap.Value = heap.Int32(0)

	get42 := s.vm.NewFunction(s.vm.DefineNative("getter", func(t *vm.Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
		return stored, nil
	}), heap.Undefined)

	set := s.vm.NewFunction(s.vm.DefineNative("setter", func(t *vm.Thread, this heap.Value, args []heap.Value) (heap.Value, error) {
		if args[0] == heap.Null {
			return heap.Undefined, t.TypeError("null is not accepted")
		}
		stored = args[0]
		return heap.Undefined, nil
	}), heap.Undefined)

	proto, err := s.object(heap.Null)
	if err != nil {
		return err
	}
	s.vm.Heap.DefineAccessor(proto.Cell(), "a", get42, set)

	obj, err := s.object(proto, "b")
	if err != nil {
		return err
	}

	for i := 0; i < s.rounds; i++ {
		if err := s.call("o.a = i", put, obj, heap.Int32(int32(i))); err != nil {
			return err
		}
		if err := s.call("o.a", get, obj); err != nil {
			return err
		}
	}

	if _, err := s.t.Call(put, heap.Undefined, obj, heap.Null); err != nil {
		_, err = fmt.Fprintf(s.out, "o.a = null: %v\n", err)
		return err
	}
	return nil
}
