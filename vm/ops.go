// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/jit"
	"gate.computer/jsic/machine"
)

// hostFunc adapts an operation to the machine.  Operations may run nested
// code, so all registers except the return registers are restored
// afterwards.
func (vm *VM) hostFunc(fn func(t *Thread) error) machine.HostFunc {
	return func(m *machine.Machine) error {
		t := m.Data.(*Thread)
		saved := m.Regs
		err := fn(t)
		ret := m.ReturnValue()
		m.Regs = saved
		m.SetReturnValue(ret)
		return err
	}
}

func (vm *VM) registerOperations() {
	ops := [jit.NumOperations]func(t *Thread) error{
		jit.GetByIdOptimize:               func(t *Thread) error { return t.getById(jit.GetByIdOptimize) },
		jit.GetByIdBuildList:              func(t *Thread) error { return t.getById(jit.GetByIdBuildList) },
		jit.GetById:                       func(t *Thread) error { return t.getById(jit.GetById) },
		jit.PutByIdOptimize:               func(t *Thread) error { return t.putById(jit.PutByIdOptimize) },
		jit.PutByIdBuildList:              func(t *Thread) error { return t.putById(jit.PutByIdBuildList) },
		jit.PutById:                       func(t *Thread) error { return t.putById(jit.PutById) },
		jit.LinkCall:                      func(t *Thread) error { return t.callSlow(jit.LinkCall) },
		jit.LinkClosureCall:               func(t *Thread) error { return t.callSlow(jit.LinkClosureCall) },
		jit.VirtualCall:                   func(t *Thread) error { return t.callSlow(jit.VirtualCall) },
		jit.CallGetter:                    (*Thread).callGetter,
		jit.CallSetter:                    (*Thread).callSetter,
		jit.ReallocateStorageAndFinishPut: (*Thread).reallocateStorageAndFinishPut,
		jit.LookupExceptionHandler:        (*Thread).lookupExceptionHandler,
		jit.Throw:                         (*Thread).throw,
		jit.NewObject:                     (*Thread).newObject,
	}

	for op, fn := range ops {
		id := vm.Host.Register(jit.Operation(op).String(), vm.hostFunc(fn))
		vm.thunks[op] = vm.Host.Thunk(id)
	}
}

// enterSite records the site in the frame, so that accessors invoked by the
// generic path see it in stack traces.
func (t *Thread) enterSite(site *jit.StubInfo) {
	t.VM.Heap.Mem.Store32(t.m.FP()+machine.FrameCallSiteIndexOffset, site.Patch.CallSiteIndex)
}

func (t *Thread) getById(op jit.Operation) error {
	m := t.m
	site := t.VM.site(m.ReturnAddress())
	base, _ := m.ValueArg(0)
	t.enterSite(site)

	if base == heap.Undefined || base == heap.Null {
		return t.TypeError("cannot read property %s of %s", site.Name, base)
	}

	slot := t.VM.Heap.GetSlot(base, site.Name)

	// Caching precedes accessor calls, which may change the structures.
	switch op {
	case jit.GetByIdOptimize:
		t.VM.repatcher.TryCacheGet(site, base, slot)
	case jit.GetByIdBuildList:
		t.VM.repatcher.TryBuildGetList(site, base, slot)
	}

	v, err := t.slotValue(base, slot)
	if err != nil {
		return err
	}
	m.SetReturnValue(v)
	return nil
}

func (t *Thread) putById(op jit.Operation) error {
	m := t.m
	site := t.VM.site(m.ReturnAddress())
	base, i := m.ValueArg(0)
	v, _ := m.ValueArg(i)
	t.enterSite(site)

	if base == heap.Undefined || base == heap.Null {
		return t.TypeError("cannot set property %s of %s", site.Name, base)
	}

	r := t.VM.Heap.PutSlot(base, site.Name, v, site.Access == polylist.PutDirect)

	switch op {
	case jit.PutByIdOptimize:
		t.VM.repatcher.TryCachePut(site, base, r)
	case jit.PutByIdBuildList:
		t.VM.repatcher.TryBuildPutList(site, base, r)
	}

	return t.finishPut(base, site.Name, v, r, site.Strict)
}

// callSlow is the slow path of a call site.  The callee frame has been built
// by the caller, and the frame register points to it.
func (t *Thread) callSlow(op jit.Operation) error {
	m := t.m
	vm := t.VM
	call := vm.call(m.ReturnAddress())
	callee := m.FrameCallee()

	exec, scope, ok := vm.Heap.Function(callee)
	if !ok {
		m.LeaveFrame()
		return t.TypeError("%s is not a function", callee)
	}

	entry, err := vm.entry(exec)
	if err != nil {
		return err
	}

	var this heap.Value
	if call.Kind == jit.CallKindConstruct {
		this = t.allocateThis(callee)
		vm.Heap.Mem.StoreValue(m.FP()+machine.FrameThisOffset, this)
	}

	cb := call.CodeBlock
	cb.Lock()
	switch op {
	case jit.LinkCall:
		if call.Kind == jit.CallKindConstruct {
			vm.linker.LinkVirtual(call)
		} else if call.Slow == jit.LinkCall && !call.IsLinked() {
			vm.linker.LinkFor(call, callee.Cell(), exec, entry)
		}

	case jit.LinkClosureCall:
		vm.linker.LinkClosureCall(call, exec, entry)
	}
	cb.Unlock()

	vm.Heap.Mem.StoreValue(m.FP()+machine.FrameScopeOffset, scope)

	if err := m.Call(entry); err != nil {
		return err
	}

	if call.Kind == jit.CallKindConstruct && !m.ReturnValue().IsCell() {
		m.SetReturnValue(this)
	}
	return nil
}

// callGetter is called by a getter stub with the base object and the
// accessor pair.
func (t *Thread) callGetter() error {
	m := t.m
	base := heap.Addr(uint32(m.Arg(0)))
	pair := heap.Addr(uint32(m.Arg(1)))

	v := heap.Undefined
	if getter := t.VM.Heap.Getter(pair); getter.IsCell() {
		var err error
		v, err = t.Call(getter, heap.Cell(base))
		if err = t.deferException(err); err != nil {
			return err
		}
	}
	m.SetReturnValue(v)
	return nil
}

// callSetter is called by a setter stub with the base object, the accessor
// pair and the value.
func (t *Thread) callSetter() error {
	m := t.m
	base := heap.Addr(uint32(m.Arg(0)))
	pair := heap.Addr(uint32(m.Arg(1)))
	v, _ := m.ValueArg(2)

	if setter := t.VM.Heap.Setter(pair); setter.IsCell() {
		_, err := t.Call(setter, heap.Cell(base), v)
		return t.deferException(err)
	}
	return nil
}

// reallocateStorageAndFinishPut is called by a transition stub which could
// not claim storage from the current copied-space block.  The stub has
// recorded its site in the frame.
func (t *Thread) reallocateStorageAndFinishPut() error {
	m := t.m
	site := t.VM.frameSite(m.FrameCodeBlock(), m.CallSiteIndex())
	base := heap.Addr(uint32(m.Arg(0)))
	to := t.VM.Heap.StructureByID(heap.StructureID(uint32(m.Arg(1))))
	v, _ := m.ValueArg(2)

	r, done := t.VM.Heap.FinishTransition(base, to, v, site.Access == polylist.PutDirect)
	if done {
		return nil
	}
	return t.deferException(t.finishPut(heap.Cell(base), site.Name, v, r, site.Strict))
}

func (t *Thread) lookupExceptionHandler() error {
	return t.takeException()
}

func (t *Thread) throw() error {
	v, _ := t.m.ValueArg(0)
	return t.Throw(v)
}

func (t *Thread) newObject() error {
	proto, _ := t.m.ValueArg(0)
	if !proto.IsCell() {
		proto = heap.Null
	}
	t.m.SetReturnValue(heap.Cell(t.VM.Heap.NewObject(proto)))
	return nil
}
