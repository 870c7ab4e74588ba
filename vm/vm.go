// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vm ties the inline cache machinery together: it owns the heap, the
// executable memory, the compiled code blocks and their sites, and implements
// the slow path operations which generated code calls.
package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"gate.computer/jsic/config"
	"gate.computer/jsic/disasm"
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/access"
	"gate.computer/jsic/internal/calllink"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/internal/repatch"
	"gate.computer/jsic/internal/stub"
	"gate.computer/jsic/jit"
	"gate.computer/jsic/machine"
	"gate.computer/jsic/profile"
	"github.com/tliron/commonlog"
	"golang.org/x/xerrors"
)

// Native function implemented by the embedder.
type Native func(t *Thread, this heap.Value, args []heap.Value) (heap.Value, error)

// CustomGetter implements a native property read.
type CustomGetter func(t *Thread, base heap.Addr) (heap.Value, error)

// CustomSetter implements a native property write.
type CustomSetter func(t *Thread, base heap.Addr, v heap.Value) error

// Executable is the code of a function.  Function objects refer to it by ID;
// closures of one executable share its code block.
type Executable struct {
	ID       uint32
	Name     string
	Function *jit.Function
	Native   Native
	Tier     *jit.Tier

	block *jit.CodeBlock
	entry uintptr
}

type custom struct {
	getter CustomGetter
	setter CustomSetter
}

// VM is the context of everything the caches do.  Threads created by it may
// run concurrently.
type VM struct {
	Config config.Config
	Heap   *heap.Heap
	Code   *executable.Allocator
	Host   *machine.Host
	Tier   *jit.Tier
	Log    commonlog.Logger

	tiers     map[string]*jit.Tier
	thunks    jit.Thunks
	compiler  *jit.Compiler
	builder   *access.Builder
	emitter   *stub.Emitter
	lists     *polylist.Policy
	repatcher *repatch.Repatcher
	linker    *calllink.Linker

	mu          sync.RWMutex
	executables []*Executable // index is ID; zero is unused
	blocks      map[uint32]*jit.CodeBlock
	sites       map[uintptr]*jit.StubInfo     // by return address
	calls       map[uintptr]*jit.CallLinkInfo // by return address
	customs     map[uintptr]*custom           // by thunk address

	listAdds atomic.Uint64
}

// New VM.  The configuration must have been validated.
func New(c config.Config) (vm *VM, err error) {
	tc, found := c.Tiers[c.Tier]
	if !found {
		err = xerrors.Errorf("unknown tier: %q", c.Tier)
		return
	}

	vm = &VM{
		Config:      c,
		Heap:        heap.New(heap.Config{Size: c.Heap.Size, CopiedBlockSize: c.Heap.CopiedBlockSize}),
		Code:        executable.NewAllocator(executable.Config{Limit: c.Executable.Limit}),
		Tier:        jit.NewTier(c.Tier, tc),
		Log:         commonlog.GetLogger("jsic.vm"),
		tiers:       make(map[string]*jit.Tier),
		executables: []*Executable{nil},
		blocks:      make(map[uint32]*jit.CodeBlock),
		sites:       make(map[uintptr]*jit.StubInfo),
		calls:       make(map[uintptr]*jit.CallLinkInfo),
		customs:     make(map[uintptr]*custom),
	}
	vm.tiers[c.Tier] = vm.Tier
	vm.Host = machine.NewHost(vm.Heap, vm.Code, vm.Tier.Layout)

	vm.registerOperations()

	vm.compiler = &jit.Compiler{
		Code:   vm.Code,
		Thunks: &vm.thunks,
	}
	vm.builder = &access.Builder{
		Heap: vm.Heap,
		Log:  commonlog.GetLogger("jsic.access"),
	}
	vm.emitter = &stub.Emitter{
		Heap:   vm.Heap,
		Code:   vm.Code,
		Thunks: &vm.thunks,
	}
	vm.lists = &polylist.Policy{
		Capacity: c.Cache.ListCapacity,
		OnAdd: func(*polylist.List, polylist.Entry) {
			vm.listAdds.Add(1)
		},
	}
	vm.repatcher = &repatch.Repatcher{
		Code:         vm.Code,
		Thunks:       &vm.thunks,
		Builder:      vm.builder,
		Emitter:      vm.emitter,
		Lists:        vm.lists,
		Log:          commonlog.GetLogger("jsic.repatch"),
		WarmupMisses: c.Cache.WarmupMisses,
	}
	vm.linker = &calllink.Linker{
		Patcher:      vm.repatcher,
		Emitter:      vm.emitter,
		Thunks:       &vm.thunks,
		ClosureCalls: c.Cache.ClosureCalls,
		Log:          commonlog.GetLogger("jsic.calllink"),
	}
	return
}

// tier by name.  Tiers must share the value representation of the VM's
// default tier.
func (vm *VM) tier(name string) (*jit.Tier, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if t := vm.tiers[name]; t != nil {
		return t, nil
	}
	tc, found := vm.Config.Tiers[name]
	if !found {
		return nil, xerrors.Errorf("unknown tier: %q", name)
	}
	t := jit.NewTier(name, tc)
	if t.Layout != vm.Tier.Layout {
		return nil, xerrors.Errorf("tier %s: %s layout is incompatible with %s", name, t.Layout.Name, vm.Tier.Layout.Name)
	}
	vm.tiers[name] = t
	return t, nil
}

func (vm *VM) addExecutable(e *Executable) uint32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	e.ID = uint32(len(vm.executables))
	vm.executables = append(vm.executables, e)
	return e.ID
}

// Define an executable which is compiled for the default tier when it is
// first called.
func (vm *VM) Define(f *jit.Function) uint32 {
	return vm.addExecutable(&Executable{Name: f.Name, Function: f, Tier: vm.Tier})
}

// DefineTier is like Define, but compiles for a named tier.
func (vm *VM) DefineTier(f *jit.Function, tier string) (uint32, error) {
	t, err := vm.tier(tier)
	if err != nil {
		return 0, err
	}
	return vm.addExecutable(&Executable{Name: f.Name, Function: f, Tier: t}), nil
}

// DefineNative function.  Its entry point is a host thunk, so call sites can
// link to it like to compiled code.
func (vm *VM) DefineNative(name string, fn Native) uint32 {
	e := &Executable{Name: name, Native: fn}
	id := vm.Host.Register("native:"+name, vm.hostFunc(func(t *Thread) error {
		m := t.m
		m.Host.Heap.Mem.Store(m.FP()+machine.FrameCodeBlockOffset, 0)
		v, err := fn(t, m.FrameThis(), m.FrameArgs())
		if err != nil {
			return err
		}
		m.SetReturnValue(v)
		return nil
	}))
	e.entry = vm.Host.Thunk(id)
	return vm.addExecutable(e)
}

// NewFunction creates a closure of an executable.
func (vm *VM) NewFunction(exec uint32, scope heap.Value) heap.Value {
	return heap.Cell(vm.Heap.NewFunction(exec, scope))
}

// NewCustomAccessor creates native property accessors.  Either function may
// be nil.
func (vm *VM) NewCustomAccessor(name string, getter CustomGetter, setter CustomSetter) *heap.CustomAccessor {
	c := &custom{getter, setter}
	a := &heap.CustomAccessor{Name: name}

	if getter != nil {
		id := vm.Host.Register("get:"+name, vm.hostFunc(func(t *Thread) error {
			base := heap.Addr(uint32(t.m.Arg(0)))
			v, err := getter(t, base)
			if err = t.deferException(err); err != nil {
				return err
			}
			t.m.SetReturnValue(v)
			return nil
		}))
		a.Getter = vm.Host.Thunk(id)
	}

	if setter != nil {
		id := vm.Host.Register("set:"+name, vm.hostFunc(func(t *Thread) error {
			base := heap.Addr(uint32(t.m.Arg(0)))
			v, _ := t.m.ValueArg(1)
			return t.deferException(setter(t, base, v))
		}))
		a.Setter = vm.Host.Thunk(id)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if a.Getter != 0 {
		vm.customs[a.Getter] = c
	}
	if a.Setter != 0 {
		vm.customs[a.Setter] = c
	}
	return a
}

func (vm *VM) customOf(a *heap.CustomAccessor) *custom {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if c := vm.customs[a.Getter]; c != nil {
		return c
	}
	return vm.customs[a.Setter]
}

func (vm *VM) executable(id uint32) (*Executable, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if id == 0 || int(id) >= len(vm.executables) {
		return nil, xerrors.Errorf("unknown executable: %d", id)
	}
	return vm.executables[id], nil
}

// entry point of an executable, compiling it if necessary.
func (vm *VM) entry(id uint32) (uintptr, error) {
	e, err := vm.executable(id)
	if err != nil {
		return 0, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if e.entry != 0 {
		return e.entry, nil
	}

	cb, err := vm.compiler.Compile(uint32(len(vm.blocks)+1), e.Function, e.Tier)
	if err != nil {
		return 0, xerrors.Errorf("%s: %w", e.Name, err)
	}
	cb.OnInvalidate = vm.resetBlock

	vm.blocks[cb.ID] = cb
	for _, s := range cb.Sites {
		vm.sites[s.Return] = s
	}
	for _, c := range cb.Calls {
		vm.calls[c.Return] = c
	}

	e.block = cb
	e.entry = cb.Entry()

	vm.Log.Debugf("compiled %s: %s", cb, cb.Routine)
	return e.entry, nil
}

// CodeBlock of an executable, compiling it if necessary.  Natives have none.
func (vm *VM) CodeBlock(exec uint32) (*jit.CodeBlock, error) {
	if _, err := vm.entry(exec); err != nil {
		return nil, err
	}

	e, err := vm.executable(exec)
	if err != nil {
		return nil, err
	}
	if e.block == nil {
		return nil, xerrors.Errorf("%s is native", e.Name)
	}
	return e.block, nil
}

func (vm *VM) site(ret uintptr) *jit.StubInfo {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	s := vm.sites[ret]
	if s == nil {
		panic(fmt.Sprintf("no property access site returns to %#x", ret))
	}
	return s
}

// frameSite finds a site by the code block and call site index recorded in a
// frame.
func (vm *VM) frameSite(block uint64, index uint32) *jit.StubInfo {
	vm.mu.RLock()
	cb := vm.blocks[uint32(block)]
	vm.mu.RUnlock()

	if cb != nil && uint64(cb.ID) == block {
		if s := cb.Site(index); s != nil {
			return s
		}
	}
	panic(fmt.Sprintf("no property access site %d in code block %d", index, block))
}

func (vm *VM) call(ret uintptr) *jit.CallLinkInfo {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	c := vm.calls[ret]
	if c == nil {
		panic(fmt.Sprintf("no call site returns to %#x", ret))
	}
	return c
}

func (vm *VM) blockName(id uint64) string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	if cb := vm.blocks[uint32(id)]; cb != nil && uint64(cb.ID) == id {
		return cb.Name
	}
	return ""
}

// resetBlock is called with the code block locked.
func (vm *VM) resetBlock(cb *jit.CodeBlock, reason string) {
	vm.Log.Infof("%s: invalidated: %s", cb, reason)

	for _, s := range cb.Sites {
		vm.repatcher.Reset(s)
	}
	for _, c := range cb.Calls {
		vm.linker.Reset(c)
	}
}

// ResetSite resets a property access site of an executable.
func (vm *VM) ResetSite(exec uint32, index uint32) error {
	cb, err := vm.CodeBlock(exec)
	if err != nil {
		return err
	}

	cb.Lock()
	defer cb.Unlock()

	if s := cb.Site(index); s != nil {
		vm.repatcher.Reset(s)
		return nil
	}
	if c := cb.Call(index); c != nil {
		vm.linker.Reset(c)
		return nil
	}
	return xerrors.Errorf("%s: no site at %d", cb, index)
}

// Invalidate resets every site of an executable's code.
func (vm *VM) Invalidate(exec uint32, reason string) error {
	cb, err := vm.CodeBlock(exec)
	if err != nil {
		return err
	}
	cb.Invalidate(reason)
	return nil
}

// Reclaim executable memory of released stubs.  No thread may be running.
func (vm *VM) Reclaim() (int, error) {
	return vm.Code.Reclaim()
}

// ListAdds counts polymorphic list entries added.
func (vm *VM) ListAdds() uint64 { return vm.listAdds.Load() }

func (vm *VM) codeBlocks() (blocks []*jit.CodeBlock) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	for _, cb := range vm.blocks {
		blocks = append(blocks, cb)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })
	return
}

// Profile snapshot of every compiled site.
func (vm *VM) Profile() *profile.Snapshot {
	s := new(profile.Snapshot)

	for _, cb := range vm.codeBlocks() {
		name := cb.String()
		s.Blocks = append(s.Blocks, profile.Block{
			Name:          name,
			Tier:          cb.Tier.Name,
			Invalidations: cb.Invalidations(),
		})

		cb.Lock()
		for _, x := range cb.Sites {
			site := profile.Site{
				Block:  name,
				Index:  x.Patch.CallSiteIndex,
				Access: x.Access.String(),
				Name:   x.Name,
				State:  x.State.String(),
				Slow:   x.Slow.String(),
				Misses: x.Misses,
			}
			if l := x.CacheList(); l != nil {
				site.Entries = l.Len()
				site.Capacity = l.Capacity()
			}
			s.Sites = append(s.Sites, site)
		}
		for _, x := range cb.Calls {
			s.Calls = append(s.Calls, profile.Call{
				Block:       name,
				Index:       x.Index,
				Kind:        x.Kind.String(),
				Slow:        x.Slow.String(),
				Linked:      x.IsLinked(),
				ClosureStub: x.Stub != nil,
			})
		}
		cb.Unlock()
	}

	stats := vm.Code.Stats()
	s.Counters = profile.Counters{
		ListAdds:         vm.listAdds.Load(),
		ProfiledBarriers: vm.Heap.ProfiledBarriers(),
		SlowAllocations:  vm.Heap.SlowAllocations(),
		LiveRoutines:     stats.Live,
		RetiredRoutines:  stats.Retired,
		Structures:       vm.Heap.NumStructures(),
	}
	s.Sort()
	return s
}

// Disassemble the code of every compiled block and the stubs currently
// installed at its sites.
func (vm *VM) Disassemble(w io.Writer) (err error) {
	for _, cb := range vm.codeBlocks() {
		if _, err = fmt.Fprintf(w, "%s:\n", cb); err != nil {
			return
		}
		if err = disasm.Fprint(w, cb.Routine.Code(), cb.Routine.Base, vm.Host.ThunkName); err != nil {
			return
		}

		cb.Lock()
		var stubs []*executable.Routine
		for _, s := range cb.Sites {
			if r := s.Stub(); r != nil {
				stubs = append(stubs, r.Ref())
			}
			if l := s.CacheList(); l != nil {
				for _, e := range l.Entries() {
					if e.Stub != nil {
						stubs = append(stubs, e.Stub.Ref())
					}
				}
			}
		}
		for _, c := range cb.Calls {
			if c.Stub != nil {
				stubs = append(stubs, c.Stub.Ref())
			}
		}
		cb.Unlock()

		for _, r := range stubs {
			if err == nil {
				if _, err = fmt.Fprintf(w, "%s:\n", r); err == nil {
					err = disasm.Fprint(w, r.Code(), r.Base, vm.Host.ThunkName)
				}
			}
			r.Release()
		}
		if err != nil {
			return
		}
	}
	return
}
