// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package machine

import (
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/pan"
)

// Call frame layout in heap memory, relative to the frame register.  Frames
// have a fixed size, so generated code places a callee frame at
// FP+FrameSize.
const (
	FrameCallerOffset        = 0
	FrameCodeBlockOffset     = 8
	FrameCalleeOffset        = 16
	FrameScopeOffset         = 24
	FrameArgumentCountOffset = 32 // u32
	FrameCallSiteIndexOffset = 36 // u32 in the tag half of the argument count
	FrameThisOffset          = 40
	FrameArgumentsOffset     = 48

	MaxArguments = 8
	FrameSize    = FrameArgumentsOffset + MaxArguments*8
)

const DefaultFrameStackSize = 256 << 10

type frameOverflow struct{}

func (frameOverflow) Error() string       { return "frame stack exhausted" }
func (frameOverflow) PublicError() string { return "call stack exhausted" }

type argumentOverflow struct{}

func (argumentOverflow) Error() string       { return "too many call arguments" }
func (argumentOverflow) PublicError() string { return "too many call arguments" }

// Frame fields written by the caller.
type Frame struct {
	CodeBlock uint64
	Callee    heap.Value
	Scope     heap.Value
	This      heap.Value
	Args      []heap.Value
}

// ArgumentAddr of argument i relative to a frame.
func ArgumentAddr(fp heap.Addr, i int) heap.Addr {
	return fp + FrameArgumentsOffset + heap.Addr(i*8)
}

// EnterFrame pushes a frame and points the frame register at it.
func (m *Machine) EnterFrame(f Frame) heap.Addr {
	if len(f.Args) > MaxArguments {
		pan.Panic(argumentOverflow{})
	}

	mem := m.Host.Heap.Mem
	caller := m.FP()

	fp := m.frameTop
	if caller != 0 {
		fp = caller + FrameSize
	}
	if fp+FrameSize > m.frameLimit {
		pan.Panic(frameOverflow{})
	}

	mem.Store(fp+FrameCallerOffset, uint64(caller))
	mem.Store(fp+FrameCodeBlockOffset, f.CodeBlock)
	mem.StoreValue(fp+FrameCalleeOffset, f.Callee)
	mem.StoreValue(fp+FrameScopeOffset, f.Scope)
	mem.Store32(fp+FrameArgumentCountOffset, uint32(len(f.Args)))
	mem.Store32(fp+FrameCallSiteIndexOffset, 0)
	mem.StoreValue(fp+FrameThisOffset, f.This)
	for i, v := range f.Args {
		mem.StoreValue(ArgumentAddr(fp, i), v)
	}

	m.Regs[m.Host.Layout.Frame] = uint64(fp)
	return fp
}

// LeaveFrame restores the caller's frame register.
func (m *Machine) LeaveFrame() {
	fp := m.FP()
	m.Regs[m.Host.Layout.Frame] = m.Host.Heap.Mem.Load(fp + FrameCallerOffset)
}

func (m *Machine) FP() heap.Addr {
	return heap.Addr(uint32(m.Regs[m.Host.Layout.Frame]))
}

// CallSiteIndex recorded by generated code in the current frame.
func (m *Machine) CallSiteIndex() uint32 {
	return m.Host.Heap.Mem.Load32(m.FP() + FrameCallSiteIndexOffset)
}

func (m *Machine) FrameCodeBlock() uint64 {
	return m.Host.Heap.Mem.Load(m.FP() + FrameCodeBlockOffset)
}

func (m *Machine) FrameCallee() heap.Value {
	return m.Host.Heap.Mem.LoadValue(m.FP() + FrameCalleeOffset)
}

func (m *Machine) FrameThis() heap.Value {
	return m.Host.Heap.Mem.LoadValue(m.FP() + FrameThisOffset)
}

func (m *Machine) FrameArgs() []heap.Value {
	fp := m.FP()
	mem := m.Host.Heap.Mem
	args := make([]heap.Value, mem.Load32(fp+FrameArgumentCountOffset))
	for i := range args {
		args[i] = mem.LoadValue(ArgumentAddr(fp, i))
	}
	return args
}

func (m *Machine) FrameScope() heap.Value {
	return m.Host.Heap.Mem.LoadValue(m.FP() + FrameScopeOffset)
}
