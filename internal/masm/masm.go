// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package masm is the macro assembler shared by the site compiler and the
// stub emitter.  Emission returns instruction addresses (buffer offsets) so
// that callers can record patchable locations.
package masm

import (
	"fmt"

	"gate.computer/jsic/internal/code"
	"gate.computer/jsic/internal/debug"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/link"
	"gate.computer/jsic/internal/pan"
)

type external struct {
	site   int32
	target uintptr
}

type Assembler struct {
	Text   code.Buf
	Layout *reg.Layout

	labels    []*link.L
	externals []external
}

func New(buf code.Buffer, layout *reg.Layout) *Assembler {
	return &Assembler{
		Text:   code.Buf{Buffer: buf},
		Layout: layout,
	}
}

// Addr of the next instruction.
func (a *Assembler) Addr() int32 { return a.Text.Addr }

func (a *Assembler) put(i in.Insn) int32 {
	if debug.Enabled {
		debug.Printf("%6d  %s", a.Text.Addr, i)
	}
	return i.Put(&a.Text)
}

func (a *Assembler) toLabel(i in.Insn, l *link.L) int32 {
	addr := a.put(i)
	l.AddSite(addr)
	a.use(l)
	return addr
}

func (a *Assembler) toTarget(i in.Insn, target uintptr) int32 {
	i.Imm64 = uint64(target)
	addr := a.put(i)
	a.externals = append(a.externals, external{addr, target})
	return addr
}

func (a *Assembler) use(l *link.L) {
	for _, x := range a.labels {
		if x == l {
			return
		}
	}
	a.labels = append(a.labels, l)
}

// Bind the label to the current address.
func (a *Assembler) Bind(l *link.L) {
	l.Bind(a.Text.Addr)
	a.use(l)
}

// Link resolves all label references, once the buffer has been copied to its
// final base address.
func (a *Assembler) Link(text []byte, base uintptr) {
	for _, l := range a.labels {
		if len(l.Sites) > 0 {
			link.UpdateBranches(text, base, l)
		}
	}
	for _, x := range a.externals {
		link.PutTarget(text, x.site, uint64(x.target))
	}
}

// Register operations

func (a *Assembler) MoveImm(r reg.R, x uint64) int32 {
	return a.put(in.Insn{Op: in.MOVI, A: r, Imm64: x})
}

func (a *Assembler) Move(dst, src reg.R) {
	if dst != src {
		a.put(in.Insn{Op: in.MOV, A: dst, B: src})
	}
}

func (a *Assembler) AddImm(r reg.R, x int32) {
	a.put(in.Insn{Op: in.ADDI, A: r, Imm32: uint32(x)})
}

func (a *Assembler) Add(dst, src reg.R) {
	a.put(in.Insn{Op: in.ADD, A: dst, B: src})
}

func (a *Assembler) OrImm(r reg.R, x uint64) {
	a.put(in.Insn{Op: in.ORI, A: r, Imm64: x})
}

// Memory operations

func (a *Assembler) Load(dst, base reg.R, disp int32) int32 {
	return a.put(in.Insn{Op: in.LOAD, A: dst, B: base, Imm32: uint32(disp)})
}

func (a *Assembler) Store(base reg.R, disp int32, src reg.R) int32 {
	return a.put(in.Insn{Op: in.STORE, A: base, B: src, Imm32: uint32(disp)})
}

func (a *Assembler) Load32(dst, base reg.R, disp int32) int32 {
	return a.put(in.Insn{Op: in.LOAD32, A: dst, B: base, Imm32: uint32(disp)})
}

func (a *Assembler) Store32(base reg.R, disp int32, src reg.R) int32 {
	return a.put(in.Insn{Op: in.STORE32, A: base, B: src, Imm32: uint32(disp)})
}

func (a *Assembler) Store32Imm(base reg.R, disp int32, x uint32) int32 {
	return a.put(in.Insn{Op: in.STI32, A: base, Imm32: uint32(disp), Imm64: uint64(x)})
}

func (a *Assembler) LoadAddr(dst, base reg.R, disp int32) int32 {
	return a.put(in.Insn{Op: in.LEA, A: dst, B: base, Imm32: uint32(disp)})
}

// LoadValue loads a tagged value.  Split layouts load the payload and the tag
// as separate 32-bit halves; the tag instruction address is -1 otherwise.
func (a *Assembler) LoadValue(dst reg.ValueRegs, base reg.R, disp int32) (payload, tag int32) {
	if !a.Layout.SplitValues {
		return a.Load(dst.Payload, base, disp), -1
	}
	if dst.Payload == base {
		tag = a.Load32(dst.Tag, base, disp+4)
		payload = a.Load32(dst.Payload, base, disp)
	} else {
		payload = a.Load32(dst.Payload, base, disp)
		tag = a.Load32(dst.Tag, base, disp+4)
	}
	return
}

// StoreValue is the counterpart of LoadValue.
func (a *Assembler) StoreValue(base reg.R, disp int32, src reg.ValueRegs) (payload, tag int32) {
	if !a.Layout.SplitValues {
		return a.Store(base, disp, src.Payload), -1
	}
	payload = a.Store32(base, disp, src.Payload)
	tag = a.Store32(base, disp+4, src.Tag)
	return
}

// Branches to labels

func (a *Assembler) Jump(l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.JMP}, l)
}

func (a *Assembler) BranchStructure(base reg.R, id uint32, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.JSTRUCT, A: base, Imm32: id}, l)
}

func (a *Assembler) BranchImmNotEqual(r reg.R, x uint32, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BNEI, A: r, Imm32: x}, l)
}

// BranchTagNotEqual tests the tag half of a unified value register.
func (a *Assembler) BranchTagNotEqual(r reg.R, tag uint32, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BTAGNE, A: r, Imm32: tag}, l)
}

func (a *Assembler) BranchNotEqual(r1, r2 reg.R, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BNE, A: r1, B: r2}, l)
}

func (a *Assembler) BranchBelow(r1, r2 reg.R, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BLTU, A: r1, B: r2}, l)
}

func (a *Assembler) BranchTestZero(r reg.R, mask uint32, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BTESTZ, A: r, Imm32: mask}, l)
}

func (a *Assembler) BranchTestNonZero(r reg.R, mask uint32, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BTESTNZ, A: r, Imm32: mask}, l)
}

func (a *Assembler) BranchNonZero(r reg.R, l *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.BNZ, A: r}, l)
}

// CompareAndSwap u64[base+disp] from expect to update, or branch to the
// label if the memory didn't contain expect.
func (a *Assembler) CompareAndSwap(base reg.R, disp int32, expect, update reg.R, fail *link.L) int32 {
	return a.toLabel(in.Insn{Op: in.CASBR, A: base, B: expect, C: update, Imm32: uint32(disp)}, fail)
}

// Branches to absolute addresses

func (a *Assembler) JumpTo(target uintptr) int32 {
	return a.toTarget(in.Insn{Op: in.JMP}, target)
}

func (a *Assembler) BranchStructureTo(base reg.R, id uint32, target uintptr) int32 {
	return a.toTarget(in.Insn{Op: in.JSTRUCT, A: base, Imm32: id}, target)
}

func (a *Assembler) BranchImmNotEqualTo(r reg.R, x uint32, target uintptr) int32 {
	return a.toTarget(in.Insn{Op: in.BNEI, A: r, Imm32: x}, target)
}

// Call a code address.  The return address is the address of the following
// instruction.
func (a *Assembler) Call(target uintptr) int32 {
	return a.toTarget(in.Insn{Op: in.CALL}, target)
}

func (a *Assembler) Ret() {
	a.put(in.Insn{Op: in.RET})
}

func (a *Assembler) Halt() {
	a.put(in.Insn{Op: in.HALT})
}

func (a *Assembler) Push(r reg.R) {
	a.put(in.Insn{Op: in.PUSH, A: r})
}

func (a *Assembler) Pop(r reg.R) {
	a.put(in.Insn{Op: in.POP, A: r})
}

func (a *Assembler) HostCall(id uint32) {
	a.put(in.Insn{Op: in.HOSTCALL, Imm32: id})
}

func (a *Assembler) WriteBarrier(cell reg.R, flags uint32) {
	a.put(in.Insn{Op: in.WBAR, A: cell, Imm32: flags})
}

// SetupArgs moves sources to the host call argument registers.  The moves
// are done through the stack, so the sources may overlap the destinations in
// any order.
func (a *Assembler) SetupArgs(srcs ...reg.R) {
	if len(srcs) > len(a.Layout.Args) {
		pan.Panic(fmt.Errorf("%d host call arguments", len(srcs)))
	}
	for _, r := range srcs {
		a.Push(r)
	}
	for i := len(srcs) - 1; i >= 0; i-- {
		a.Pop(a.Layout.Args[i])
	}
}
