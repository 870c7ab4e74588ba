// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/pan"
	"gate.computer/jsic/machine"
)

// Thread executes code.  A thread must not be used concurrently, but threads
// of a VM may run in parallel.
type Thread struct {
	VM *VM

	m       *machine.Machine
	pending *Exception
}

func (vm *VM) NewThread() *Thread {
	t := &Thread{
		VM: vm,
		m:  vm.Host.NewMachine(vm.Config.Heap.FrameStackSize),
	}
	t.m.Data = t
	return t
}

// Steps executed by the thread.
func (t *Thread) Steps() uint64 { return t.m.Steps }

// Scope of the function being executed.
func (t *Thread) Scope() heap.Value { return t.m.FrameScope() }

// Call a function.  Exceptions thrown by the program are returned as
// *Exception.
func (t *Thread) Call(callee, this heap.Value, args ...heap.Value) (result heap.Value, err error) {
	result = heap.Undefined

	exec, scope, ok := t.VM.Heap.Function(callee)
	if !ok {
		err = t.TypeError("%s is not a function", callee)
		return
	}

	entry, err := t.VM.entry(exec)
	if err != nil {
		return
	}

	m := t.m
	frame := m.Host.Layout.Frame
	fp := m.Regs[frame]

	defer func() {
		if x := recover(); x != nil {
			err = pan.Error(x)
		}
		m.Regs[frame] = fp
	}()

	m.EnterFrame(machine.Frame{
		Callee: callee,
		Scope:  scope,
		This:   this,
		Args:   args,
	})

	if err = m.Call(entry); err == nil {
		result = m.ReturnValue()
	}
	return
}

// Construct an object by calling a function.  The prototype of the object is
// the function's "prototype" property, if it is an object.
func (t *Thread) Construct(callee heap.Value, args ...heap.Value) (heap.Value, error) {
	if _, _, ok := t.VM.Heap.Function(callee); !ok {
		return heap.Undefined, t.TypeError("%s is not a constructor", callee)
	}

	this := t.allocateThis(callee)
	result, err := t.Call(callee, this, args...)
	if err != nil {
		return heap.Undefined, err
	}
	if result.IsCell() {
		return result, nil
	}
	return this, nil
}

func (t *Thread) allocateThis(callee heap.Value) heap.Value {
	proto := t.VM.Heap.GetSlot(callee, "prototype").Value
	if !proto.IsCell() {
		proto = heap.Null
	}
	return heap.Cell(t.VM.Heap.NewObject(proto))
}

// Get a property the way a get site's generic path does.
func (t *Thread) Get(base heap.Value, name string) (heap.Value, error) {
	if base == heap.Undefined || base == heap.Null {
		return heap.Undefined, t.TypeError("cannot read property %s of %s", name, base)
	}
	return t.slotValue(base, t.VM.Heap.GetSlot(base, name))
}

// Put a property the way a put site's generic path does.
func (t *Thread) Put(base heap.Value, name string, v heap.Value, strict bool) error {
	if base == heap.Undefined || base == heap.Null {
		return t.TypeError("cannot set property %s of %s", name, base)
	}
	return t.finishPut(base, name, v, t.VM.Heap.PutSlot(base, name, v, false), strict)
}

func (t *Thread) slotValue(base heap.Value, slot heap.Slot) (heap.Value, error) {
	switch slot.Kind {
	case heap.SlotGetter:
		getter := t.VM.Heap.Getter(slot.Value.Cell())
		if _, _, ok := t.VM.Heap.Function(getter); !ok {
			return heap.Undefined, nil
		}
		return t.Call(getter, base)

	case heap.SlotCustom:
		c := t.VM.customOf(slot.Custom)
		if c == nil || c.getter == nil {
			return heap.Undefined, nil
		}
		return c.getter(t, base.Cell())

	case heap.SlotMissing:
		return heap.Undefined, nil

	default:
		return slot.Value, nil
	}
}

// finishPut invokes the setter found by a store, or reports a failed store.
func (t *Thread) finishPut(base heap.Value, name string, v heap.Value, r heap.PutResult, strict bool) error {
	switch r.Kind {
	case heap.PutSetter:
		setter := t.VM.Heap.Setter(r.Accessor.Cell())
		if _, _, ok := t.VM.Heap.Function(setter); !ok {
			if strict {
				return t.TypeError("property %s has no setter", name)
			}
			return nil
		}
		_, err := t.Call(setter, base, v)
		return err

	case heap.PutCustomSetter:
		c := t.VM.customOf(r.Custom)
		if c == nil || c.setter == nil {
			if strict {
				return t.TypeError("property %s has no setter", name)
			}
			return nil
		}
		return c.setter(t, base.Cell(), v)

	case heap.PutReadOnly:
		if strict {
			return t.TypeError("property %s is read-only", name)
		}
	}
	return nil
}
