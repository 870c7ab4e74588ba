// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"fmt"

	"gate.computer/jsic/buffer"
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/link"
	"gate.computer/jsic/internal/masm"
	"gate.computer/jsic/internal/pan"
	"gate.computer/jsic/internal/patch"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/machine"
)

const (
	firstVirtualReg = 4
	lastVirtualReg  = 13

	// SiteScratch is used by the inline access of property store sites.
	SiteScratch = reg.R(14)
)

type compileError string

func (e compileError) Error() string       { return "compile: " + string(e) }
func (e compileError) PublicError() string { return e.Error() }

// Compiler generates code blocks.  Call site indexes are instruction indexes.
type Compiler struct {
	Code   *executable.Allocator
	Thunks *Thunks
}

type pendingSite struct {
	info     *StubInfo
	check    int32
	load     int32
	value    int32
	tag      int32
	done     link.L
	slowCase link.L
	ret      int32
}

type pendingCall struct {
	info      *CallLinkInfo
	hot       int32
	hotCall   int32
	afterCall link.L
	ret       int32
}

type compiler struct {
	*Compiler
	tier   *Tier
	layout *reg.Layout
	a      *masm.Assembler

	regs    []reg.ValueRegs
	defined []bool

	sites     []*pendingSite
	calls     []*pendingCall
	slowPaths []func()
}

// Compile a function for a tier.
func (c *Compiler) Compile(id uint32, f *Function, tier *Tier) (cb *CodeBlock, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = pan.Error(x)
		}
	}()

	cc := &compiler{
		Compiler: c,
		tier:     tier,
		layout:   tier.Layout,
		a:        masm.New(buffer.NewDynamic(nil), tier.Layout),
	}
	cc.allocateRegs(f.NumRegs)

	cb = &CodeBlock{
		ID:       id,
		Name:     f.Name,
		Tier:     tier,
		Function: f,
	}

	cc.prologue(id)

	returned := false
	for i, insn := range f.Code {
		cc.emit(i, insn)
		returned = insn.Op == OpReturn || insn.Op == OpThrow
	}
	if !returned {
		cc.moveConst(cc.layout.ReturnRegs(), heap.Undefined)
		cc.a.Ret()
	}

	for _, emit := range cc.slowPaths {
		emit()
	}

	lb := c.Code.NewLinkBuffer("code:" + f.Name)
	cb.Routine = pan.Must(lb.FinalizePatchable(cc.a.Text.Bytes(), cc.a))

	for _, p := range cc.sites {
		p.info.CodeBlock = cb
		p.info.Return = cb.Routine.Base + uintptr(p.ret)
		p.info.Patch.StructureCheck = p.check - p.ret
		p.info.Patch.ConvertibleLoad = p.load - p.ret
		p.info.Patch.ValueAccess = p.value - p.ret
		p.info.Patch.TagAccess = patch.None
		if p.tag >= 0 {
			p.info.Patch.TagAccess = p.tag - p.ret
		}
		p.info.Patch.Done = p.done.FinalAddr() - p.ret
		p.info.Patch.SlowCase = p.slowCase.FinalAddr() - p.ret
		cb.Sites = append(cb.Sites, p.info)
	}

	for _, p := range cc.calls {
		p.info.CodeBlock = cb
		p.info.Return = cb.Routine.Base + uintptr(p.ret)
		p.info.HotPathBegin = p.hot - p.ret
		p.info.HotCall = p.hotCall - p.ret
		p.info.AfterCall = p.afterCall.FinalAddr() - p.ret
		cb.Calls = append(cb.Calls, p.info)
	}

	return
}

func (c *compiler) allocateRegs(n int) {
	var free []reg.ValueRegs
	if c.layout.SplitValues {
		for r := reg.R(firstVirtualReg); r+1 <= lastVirtualReg; r += 2 {
			free = append(free, reg.ValueRegs{Payload: r, Tag: r + 1})
		}
	} else {
		for r := reg.R(firstVirtualReg); r <= lastVirtualReg; r++ {
			free = append(free, reg.Single(r))
		}
	}
	if c.tier.Registers > 0 && c.tier.Registers < len(free) {
		free = free[:c.tier.Registers]
	}
	if n > len(free) {
		pan.Panic(compileError(fmt.Sprintf("%d virtual registers needed, %d available", n, len(free))))
	}
	c.regs = free[:n]
	c.defined = make([]bool, n)
}

func (c *compiler) vreg(v int) reg.ValueRegs {
	if v < 0 || v >= len(c.regs) {
		pan.Panic(compileError(fmt.Sprintf("virtual register %d out of range", v)))
	}
	return c.regs[v]
}

func (c *compiler) use(v int) reg.ValueRegs {
	r := c.vreg(v)
	if !c.defined[v] {
		pan.Panic(compileError(fmt.Sprintf("virtual register %d used before definition", v)))
	}
	return r
}

func (c *compiler) def(v int) reg.ValueRegs {
	r := c.vreg(v)
	c.defined[v] = true
	return r
}

// live registers are those of every defined virtual register.
func (c *compiler) live() (s reg.Set) {
	for v, ok := range c.defined {
		if ok {
			s = s.Union(c.regs[v].Set())
		}
	}
	return
}

func (c *compiler) push(s reg.Set) {
	for _, r := range s.Regs() {
		c.a.Push(r)
	}
}

func (c *compiler) pop(s reg.Set) {
	rs := s.Regs()
	for i := len(rs) - 1; i >= 0; i-- {
		c.a.Pop(rs[i])
	}
}

func (c *compiler) valueArgs(vals ...reg.ValueRegs) (rs []reg.R) {
	for _, v := range vals {
		rs = append(rs, v.Payload)
		if c.layout.SplitValues {
			rs = append(rs, v.Tag)
		}
	}
	return
}

func (c *compiler) moveConst(dst reg.ValueRegs, v heap.Value) {
	if c.layout.SplitValues {
		c.a.MoveImm(dst.Payload, uint64(v.Payload()))
		c.a.MoveImm(dst.Tag, uint64(v.Tag()))
	} else {
		c.a.MoveImm(dst.Payload, uint64(v))
	}
}

func (c *compiler) storeConst(base reg.R, disp int32, v heap.Value, temp reg.R) {
	if c.layout.SplitValues {
		c.a.Store32Imm(base, disp, v.Payload())
		c.a.Store32Imm(base, disp+4, v.Tag())
	} else {
		c.a.MoveImm(temp, uint64(v))
		c.a.Store(base, disp, temp)
	}
}

// moveResult of a host call.  Virtual registers don't overlap the return
// registers.
func (c *compiler) moveResult(dst reg.ValueRegs) {
	c.a.Move(dst.Payload, c.layout.Return)
	if c.layout.SplitValues {
		c.a.Move(dst.Tag, c.layout.ReturnTag)
	}
}

func (c *compiler) checkCell(v reg.ValueRegs, miss *link.L) {
	if c.layout.SplitValues {
		c.a.BranchImmNotEqual(v.Tag, heap.TagCell, miss)
	} else {
		c.a.BranchTagNotEqual(v.Payload, heap.TagCell, miss)
	}
}

func (c *compiler) prologue(id uint32) {
	t := c.layout.Args[0]
	c.a.MoveImm(t, uint64(id))
	c.a.Store(c.layout.Frame, machine.FrameCodeBlockOffset, t)
}

func (c *compiler) emit(index int, insn Insn) {
	switch insn.Op {
	case OpConst:
		c.moveConst(c.def(insn.Dst), insn.Value)

	case OpLoadArg:
		if insn.Index < 0 || insn.Index >= machine.MaxArguments {
			pan.Panic(compileError(fmt.Sprintf("argument index %d", insn.Index)))
		}
		c.a.LoadValue(c.def(insn.Dst), c.layout.Frame, machine.FrameArgumentsOffset+int32(insn.Index)*8)

	case OpLoadThis:
		c.a.LoadValue(c.def(insn.Dst), c.layout.Frame, machine.FrameThisOffset)

	case OpMove:
		src := c.use(insn.Src)
		dst := c.def(insn.Dst)
		c.a.Move(dst.Payload, src.Payload)
		if c.layout.SplitValues {
			c.a.Move(dst.Tag, src.Tag)
		}

	case OpGetById:
		c.getById(index, insn)

	case OpPutById, OpPutByIdDirect:
		c.putById(index, insn)

	case OpCall, OpConstruct:
		c.call(index, insn)

	case OpNewObject:
		live := c.live()
		if insn.Src >= 0 {
			c.hostOp(NewObject, live, c.use(insn.Src))
		} else {
			c.moveConst(reg.ValueRegs{Payload: c.layout.Args[0], Tag: c.layout.Args[1]}, heap.Null)
			c.a.Call(c.Thunks[NewObject])
		}
		c.moveResult(c.def(insn.Dst))

	case OpReturn:
		src := c.use(insn.Src)
		c.a.Move(c.layout.Return, src.Payload)
		if c.layout.SplitValues {
			c.a.Move(c.layout.ReturnTag, src.Tag)
		}
		c.a.Ret()

	case OpThrow:
		c.a.Store32Imm(c.layout.Frame, machine.FrameCallSiteIndexOffset, uint32(index))
		c.hostOp(Throw, c.live(), c.use(insn.Src))
		c.a.Halt()

	default:
		pan.Panic(compileError(fmt.Sprintf("unknown instruction: %s", insn)))
	}
}

// hostOp calls an operation which doesn't need a site record.
func (c *compiler) hostOp(op Operation, live reg.Set, args ...reg.ValueRegs) {
	save := live.Intersection(c.layout.HostClobbered())
	c.push(save)
	c.a.SetupArgs(c.valueArgs(args...)...)
	c.a.Call(c.Thunks[op])
	c.pop(save)
}

func (c *compiler) getById(index int, insn Insn) {
	base := c.use(insn.Src)
	live := c.live()
	dst := c.def(insn.Dst)
	live = live.Difference(dst.Set())

	var saved reg.Set
	if c.tier.FlushRegisters {
		saved = live.Difference(base.Set())
	}
	used := live.Difference(saved)

	p := &pendingSite{
		info: &StubInfo{
			Access: polylist.Get,
			Name:   insn.Name,
			Slow:   GetByIdOptimize,
			Patch: patch.Descriptor{
				BaseGPR:          base.Payload,
				BaseTagGPR:       base.Tag,
				ValueGPR:         dst.Payload,
				ValueTagGPR:      dst.Tag,
				ScratchGPR:       dst.Payload,
				Used:             used,
				CallSiteIndex:    uint32(index),
				RegistersFlushed: c.tier.FlushRegisters,
			},
		},
	}
	c.sites = append(c.sites, p)

	c.push(saved)
	c.checkCell(base, &p.slowCase)
	p.check = c.a.BranchStructure(base.Payload, 0, &p.slowCase)
	p.load = c.a.LoadAddr(dst.Payload, base.Payload, 0)
	p.value, p.tag = c.a.LoadValue(dst, dst.Payload, 0)
	c.a.Bind(&p.done)
	c.pop(saved)

	c.slowPaths = append(c.slowPaths, func() {
		save := used.Intersection(c.layout.HostClobbered())

		c.a.Bind(&p.slowCase)
		c.push(save)
		c.a.SetupArgs(c.valueArgs(base)...)
		c.a.Call(c.Thunks[GetByIdOptimize])
		p.ret = c.a.Addr()
		c.moveResult(dst)
		c.pop(save)
		c.a.Jump(&p.done)
	})
}

func (c *compiler) putById(index int, insn Insn) {
	base := c.use(insn.Src)
	value := c.use(insn.Src2)
	live := c.live()

	var saved reg.Set
	if c.tier.FlushRegisters {
		saved = live.Difference(base.Set()).Difference(value.Set())
	}
	used := live.Difference(saved)

	kind := polylist.Put
	if insn.Op == OpPutByIdDirect {
		kind = polylist.PutDirect
	}

	p := &pendingSite{
		info: &StubInfo{
			Access: kind,
			Strict: insn.Strict,
			Name:   insn.Name,
			Slow:   PutByIdOptimize,
			Patch: patch.Descriptor{
				BaseGPR:          base.Payload,
				BaseTagGPR:       base.Tag,
				ValueGPR:         value.Payload,
				ValueTagGPR:      value.Tag,
				ScratchGPR:       SiteScratch,
				Used:             used,
				CallSiteIndex:    uint32(index),
				RegistersFlushed: c.tier.FlushRegisters,
			},
		},
	}
	c.sites = append(c.sites, p)

	c.push(saved)
	c.checkCell(base, &p.slowCase)
	p.check = c.a.BranchStructure(base.Payload, 0, &p.slowCase)
	p.load = c.a.LoadAddr(SiteScratch, base.Payload, 0)
	p.value, p.tag = c.a.StoreValue(SiteScratch, 0, value)
	c.a.WriteBarrier(base.Payload, c.tier.BarrierFlags())
	c.a.Bind(&p.done)
	c.pop(saved)

	c.slowPaths = append(c.slowPaths, func() {
		save := used.Intersection(c.layout.HostClobbered())

		c.a.Bind(&p.slowCase)
		c.push(save)
		c.a.SetupArgs(c.valueArgs(base, value)...)
		c.a.Call(c.Thunks[PutByIdOptimize])
		p.ret = c.a.Addr()
		c.pop(save)
		c.a.Jump(&p.done)
	})
}

// call builds the callee frame above the current one and calls through a
// linkable hot path.  All live registers are saved.
func (c *compiler) call(index int, insn Insn) {
	callee := c.use(insn.Src)
	var args []reg.ValueRegs
	for _, v := range insn.Args {
		args = append(args, c.use(v))
	}
	if len(args) > machine.MaxArguments {
		pan.Panic(compileError(fmt.Sprintf("%d call arguments", len(args))))
	}
	this := reg.ValueRegs{Payload: reg.None, Tag: reg.None}
	if insn.Src2 >= 0 {
		this = c.use(insn.Src2)
	}

	live := c.live()
	dst := c.def(insn.Dst)
	live = live.Difference(dst.Set())

	kind := CallKindCall
	if insn.Op == OpConstruct {
		kind = CallKindConstruct
	}

	p := &pendingCall{
		info: &CallLinkInfo{
			Index:  uint32(index),
			Kind:   kind,
			Callee: callee,
			Slow:   LinkCall,
		},
	}
	c.calls = append(c.calls, p)

	fp := c.layout.Frame
	t := c.layout.Args[0]
	t2 := c.layout.Args[1]

	c.push(live)
	c.a.Store32Imm(fp, machine.FrameCallSiteIndexOffset, uint32(index))

	c.a.LoadAddr(t, fp, machine.FrameSize)
	c.a.Store(t, machine.FrameCallerOffset, fp)
	c.a.StoreValue(t, machine.FrameCalleeOffset, callee)
	if this.Payload != reg.None {
		c.a.StoreValue(t, machine.FrameThisOffset, this)
	} else {
		c.storeConst(t, machine.FrameThisOffset, heap.Undefined, t2)
	}
	c.a.Store32Imm(t, machine.FrameArgumentCountOffset, uint32(len(args)))
	c.a.Store32Imm(t, machine.FrameCallSiteIndexOffset, 0)
	for i := 0; i < machine.MaxArguments; i++ {
		disp := machine.FrameArgumentsOffset + int32(i)*8
		if i < len(args) {
			c.a.StoreValue(t, disp, args[i])
		} else {
			c.storeConst(t, disp, heap.Undefined, t2)
		}
	}
	c.a.Move(fp, t)

	var slowCall link.L

	c.checkCell(callee, &slowCall)
	p.hot = c.a.BranchImmNotEqual(callee.Payload, 0, &slowCall)
	if c.layout.SplitValues {
		scope := reg.ValueRegs{Payload: t, Tag: t2}
		c.a.LoadValue(scope, callee.Payload, heap.FunctionScopeOffset)
		c.a.StoreValue(fp, machine.FrameScopeOffset, scope)
	} else {
		c.a.Load(t, callee.Payload, heap.FunctionScopeOffset)
		c.a.Store(fp, machine.FrameScopeOffset, t)
	}
	p.hotCall = c.a.Call(0)
	c.a.Jump(&p.afterCall)

	c.a.Bind(&slowCall)
	c.a.Call(c.Thunks[LinkCall])
	p.ret = c.a.Addr()

	c.a.Bind(&p.afterCall)
	c.a.Load(fp, fp, machine.FrameCallerOffset)
	c.moveResult(dst)
	c.pop(live)
}
