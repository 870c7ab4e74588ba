// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package machine executes generated code.
//
// Code addresses are addresses of executable memory; data addresses are heap
// addresses.  Memory operands use the low 32 bits of the base register, so a
// register holding a tagged cell value can be used as an address directly.
package machine

import (
	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/debug"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/pan"
	"gate.computer/jsic/trap"
)

// Machine is a thread of execution.  It must not be used concurrently.
type Machine struct {
	Host *Host
	Regs [reg.NumRegs]uint64
	Data any // for the embedder

	// MaxStack bounds the machine stack.  Every frame below the current one
	// has a return address on the stack, so the frame stack cannot overflow
	// while the machine stack doesn't.
	MaxStack int
	stack    []uint64

	frameTop   heap.Addr
	frameLimit heap.Addr

	code  *executable.Routine // routine of the current instruction
	Steps uint64
}

// New machine with its own frame stack.
func (host *Host) NewMachine(frameStackSize int) *Machine {
	if frameStackSize <= 0 {
		frameStackSize = DefaultFrameStackSize
	}
	if frameStackSize < 2*FrameSize {
		frameStackSize = 2 * FrameSize
	}
	base := host.Heap.AllocateStorage(uint32(frameStackSize))

	return &Machine{
		Host:       host,
		MaxStack:   frameStackSize/FrameSize - 1,
		frameTop:   base,
		frameLimit: base + heap.Addr(frameStackSize),
	}
}

// Arg register value.
func (m *Machine) Arg(i int) uint64 {
	return m.Regs[m.Host.Layout.Args[i]]
}

// ValueArg reads a value argument starting at register index i.  The index
// of the next argument is returned; split layouts pass the tag in the
// following register.
func (m *Machine) ValueArg(i int) (heap.Value, int) {
	if !m.Host.Layout.SplitValues {
		return heap.Value(m.Arg(i)), i + 1
	}
	return heap.Value(m.Arg(i+1)<<32 | uint64(uint32(m.Arg(i)))), i + 2
}

// SetReturnValue in the return register(s).
func (m *Machine) SetReturnValue(v heap.Value) {
	l := m.Host.Layout
	if l.SplitValues {
		m.Regs[l.Return] = uint64(v.Payload())
		m.Regs[l.ReturnTag] = uint64(v.Tag())
	} else {
		m.Regs[l.Return] = uint64(v)
	}
}

func (m *Machine) ReturnValue() heap.Value {
	l := m.Host.Layout
	if l.SplitValues {
		return heap.Value(m.Regs[l.ReturnTag]<<32 | uint64(uint32(m.Regs[l.Return])))
	}
	return heap.Value(m.Regs[l.Return])
}

// SetValueReg stores a value in the register(s).
func (m *Machine) SetValueReg(r reg.ValueRegs, v heap.Value) {
	if m.Host.Layout.SplitValues {
		m.Regs[r.Payload] = uint64(v.Payload())
		m.Regs[r.Tag] = uint64(v.Tag())
	} else {
		m.Regs[r.Payload] = uint64(v)
	}
}

func (m *Machine) ValueReg(r reg.ValueRegs) heap.Value {
	if m.Host.Layout.SplitValues {
		return heap.Value(m.Regs[r.Tag]<<32 | uint64(uint32(m.Regs[r.Payload])))
	}
	return heap.Value(m.Regs[r.Payload])
}

// Call code at entry and run until it returns.  Host functions may call
// recursively.
func (m *Machine) Call(entry uintptr) (err error) {
	depth := len(m.stack)
	defer func() {
		if err != nil {
			m.stack = m.stack[:depth]
		}
	}()
	defer func() {
		if x := recover(); x != nil {
			err = pan.Error(x)
		}
	}()

	m.push(0)
	return m.run(entry)
}

func (m *Machine) push(x uint64) {
	if len(m.stack) >= m.MaxStack {
		pan.Panic(trap.CallStackExhausted)
	}
	m.stack = append(m.stack, x)
}

func (m *Machine) pop() (x uint64) {
	n := len(m.stack) - 1
	if n < 0 {
		pan.Panic(trap.CallStackExhausted)
	}
	x = m.stack[n]
	m.stack = m.stack[:n]
	return
}

// StackDepth is the number of words on the machine stack.
func (m *Machine) StackDepth() int { return len(m.stack) }

// ReturnAddress at the top of the stack.  During a host function invoked
// through a thunk, it identifies the instruction after the calling site.
func (m *Machine) ReturnAddress() uintptr {
	if len(m.stack) == 0 {
		return 0
	}
	return uintptr(m.stack[len(m.stack)-1])
}

func ea(base uint64, disp uint32) heap.Addr {
	return heap.Addr(uint32(base) + disp)
}

func (m *Machine) fetch(pc uintptr) in.Insn {
	if m.code == nil || !m.code.Contains(pc) {
		m.code = m.Host.Code.Lookup(pc)
		if m.code == nil {
			pan.Panic(trap.NoFunction)
		}
	}
	if pc&(in.Size-1) != 0 {
		pan.Panic(trap.InvalidInstruction)
	}
	return in.Fetch(m.code.Code()[pc-m.code.Base:])
}

func (m *Machine) run(pc uintptr) error {
	mem := m.Host.Heap.Mem
	r := &m.Regs

	for {
		i := m.fetch(pc)
		next := pc + in.Size
		m.Steps++

		if debug.Enabled {
			debug.Printf("%#x  %s", pc, i)
		}

		switch i.Op {
		case in.NOP:

		case in.HALT:
			return trap.Unreachable

		case in.MOVI:
			r[i.A] = i.Imm64

		case in.MOV:
			r[i.A] = r[i.B]

		case in.ADDI:
			r[i.A] += uint64(int64(int32(i.Imm32)))

		case in.ADD:
			r[i.A] += r[i.B]

		case in.ORI:
			r[i.A] |= i.Imm64

		case in.LOAD:
			r[i.A] = mem.Load(ea(r[i.B], i.Imm32))

		case in.STORE:
			mem.Store(ea(r[i.A], i.Imm32), r[i.B])

		case in.LOAD32:
			r[i.A] = uint64(mem.Load32(ea(r[i.B], i.Imm32)))

		case in.STORE32:
			mem.Store32(ea(r[i.A], i.Imm32), uint32(r[i.B]))

		case in.STI32:
			mem.Store32(ea(r[i.A], i.Imm32), uint32(i.Imm64))

		case in.LEA:
			r[i.A] = r[i.B] + uint64(int64(int32(i.Imm32)))

		case in.JMP:
			next = uintptr(i.Imm64)

		case in.JSTRUCT:
			if mem.Load32(ea(r[i.A], heap.StructureIDOffset)) != i.Imm32 {
				next = uintptr(i.Imm64)
			}

		case in.BNEI:
			if uint32(r[i.A]) != i.Imm32 {
				next = uintptr(i.Imm64)
			}

		case in.BTAGNE:
			if uint32(r[i.A]>>32) != i.Imm32 {
				next = uintptr(i.Imm64)
			}

		case in.BNE:
			if r[i.A] != r[i.B] {
				next = uintptr(i.Imm64)
			}

		case in.BLTU:
			if r[i.A] < r[i.B] {
				next = uintptr(i.Imm64)
			}

		case in.BTESTZ:
			if uint32(r[i.A])&i.Imm32 == 0 {
				next = uintptr(i.Imm64)
			}

		case in.BTESTNZ:
			if uint32(r[i.A])&i.Imm32 != 0 {
				next = uintptr(i.Imm64)
			}

		case in.BZ:
			if r[i.A] == 0 {
				next = uintptr(i.Imm64)
			}

		case in.BNZ:
			if r[i.A] != 0 {
				next = uintptr(i.Imm64)
			}

		case in.CASBR:
			if !mem.CompareAndSwap(ea(r[i.A], i.Imm32), r[i.B], r[i.C]) {
				next = uintptr(i.Imm64)
			}

		case in.CALL:
			m.push(uint64(next))
			next = uintptr(i.Imm64)

		case in.CALLR:
			m.push(uint64(next))
			next = uintptr(r[i.A])

		case in.RET:
			next = uintptr(m.pop())
			if next == 0 {
				return nil
			}

		case in.PUSH:
			m.push(r[i.A])

		case in.POP:
			r[i.A] = m.pop()

		case in.HOSTCALL:
			f, ok := m.Host.lookup(i.Imm32)
			if !ok {
				return trap.NoFunction
			}
			if err := f.fn(m); err != nil {
				return err
			}

		case in.WBAR:
			cell := heap.Addr(uint32(r[i.A]))
			if i.Imm32&in.BarrierProfile != 0 {
				m.Host.Heap.ProfiledWriteBarrier(cell)
			} else {
				m.Host.Heap.WriteBarrier(cell)
			}

		default:
			return trap.InvalidInstruction
		}

		pc = next
	}
}
