// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package machine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gate.computer/jsic/buffer"
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/masm"
	"gate.computer/jsic/internal/pan"
)

// HostFunc implements an operation of the runtime.  Arguments are passed in
// the layout's argument registers, and results are returned in the return
// registers.  Returning a trap.ID stops the machine.
type HostFunc func(m *Machine) error

type hostFunc struct {
	name  string
	fn    HostFunc
	thunk *executable.Routine
}

const thunkSize = 2 * in.Size

// Host holds the state shared by all machines: memory, code and the host
// function table.
type Host struct {
	Heap   *heap.Heap
	Code   *executable.Allocator
	Layout *reg.Layout

	mu     sync.Mutex
	funcs  atomic.Pointer[[]hostFunc] // copy on write
	thunks map[uintptr]uint32
}

func NewHost(h *heap.Heap, code *executable.Allocator, layout *reg.Layout) *Host {
	host := &Host{
		Heap:   h,
		Code:   code,
		Layout: layout,
		thunks: make(map[uintptr]uint32),
	}
	host.funcs.Store(new([]hostFunc))
	return host
}

// Register a host function and emit its thunk.  Functions may be registered
// while machines are running.
func (host *Host) Register(name string, fn HostFunc) (id uint32) {
	host.mu.Lock()
	defer host.mu.Unlock()

	old := *host.funcs.Load()
	id = uint32(len(old))

	a := masm.New(buffer.NewStatic(make([]byte, 0, thunkSize)), host.Layout)
	a.HostCall(id)
	a.Ret()

	lb := host.Code.NewLinkBuffer("thunk:" + name)
	thunk := pan.Must(lb.Finalize(a.Text.Bytes(), a))

	funcs := append(old[:len(old):len(old)], hostFunc{name, fn, thunk})
	host.funcs.Store(&funcs)
	host.thunks[thunk.Base] = id
	return
}

func (host *Host) lookup(id uint32) (f hostFunc, ok bool) {
	funcs := *host.funcs.Load()
	if int(id) < len(funcs) {
		f = funcs[id]
		ok = true
	}
	return
}

// Thunk address of a host function.  A CALL to it invokes the function and
// returns.
func (host *Host) Thunk(id uint32) uintptr {
	f, ok := host.lookup(id)
	if !ok {
		panic(fmt.Sprintf("no thunk for host function %d", id))
	}
	return f.thunk.Base
}

// ThunkName resolves a code address to a host function name.
func (host *Host) ThunkName(addr uintptr) (string, bool) {
	host.mu.Lock()
	id, found := host.thunks[addr]
	host.mu.Unlock()

	if !found {
		return "", false
	}
	return host.FuncName(id), true
}

func (host *Host) FuncName(id uint32) string {
	if f, ok := host.lookup(id); ok {
		return f.name
	}
	return fmt.Sprintf("host%d", id)
}

func (host *Host) NumFuncs() int {
	return len(*host.funcs.Load())
}
