// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package in encodes the stub instruction set.
//
// Every instruction is 16 bytes:
//
//	+0  u32  opcode | a<<8 | b<<16 | c<<24
//	+4  u32  32-bit immediate (displacement, structure ID, host function)
//	+8  u64  64-bit immediate (absolute branch target or constant)
//
// Instructions are 16-byte aligned, so each field can be rewritten with a
// single aligned atomic store while other threads execute the code.
package in

import (
	"encoding/binary"
	"fmt"

	"gate.computer/jsic/internal/atomic"
	"gate.computer/jsic/internal/code"
	"gate.computer/jsic/internal/isa/reg"
)

const (
	Size = 16

	OpcodeOffset = 0
	Imm32Offset  = 4
	Imm64Offset  = 8
)

type Op byte

const (
	NOP      = Op(iota)
	HALT     //
	MOVI     // a = imm64
	MOV      // a = b
	ADDI     // a += int32(imm32)
	ADD      // a += b
	ORI      // a |= imm64
	LOAD     // a = u64[b + disp]
	STORE    // u64[a + disp] = b
	LOAD32   // a = u32[b + disp]
	STORE32  // u32[a + disp] = u32(b)
	STI32    // u32[a + disp] = u32(imm64)
	LEA      // a = b + disp
	JMP      // goto imm64
	JSTRUCT  // if u32[a] != imm32 goto imm64
	BNEI     // if u32(a) != imm32 goto imm64
	BTAGNE   // if u32(a >> 32) != imm32 goto imm64
	BNE      // if a != b goto imm64
	BLTU     // if a < b (unsigned) goto imm64
	BTESTZ   // if a & imm32 == 0 goto imm64
	BTESTNZ  // if a & imm32 != 0 goto imm64
	BZ       // if a == 0 goto imm64
	BNZ      // if a != 0 goto imm64
	CASBR    // if !cas(u64[a + disp], b, c) goto imm64
	CALL     // push return address; goto imm64
	CALLR    // push return address; goto a
	RET      //
	PUSH     //
	POP      //
	HOSTCALL // invoke host function imm32
	WBAR     // write barrier for cell a; imm32 flags

	NumOps
)

var names = [NumOps]string{
	NOP:      "nop",
	HALT:     "halt",
	MOVI:     "movi",
	MOV:      "mov",
	ADDI:     "addi",
	ADD:      "add",
	ORI:      "ori",
	LOAD:     "load",
	STORE:    "store",
	LOAD32:   "load32",
	STORE32:  "store32",
	STI32:    "sti32",
	LEA:      "lea",
	JMP:      "jmp",
	JSTRUCT:  "jstructne",
	BNEI:     "bnei",
	BTAGNE:   "btagne",
	BNE:      "bne",
	BLTU:     "bltu",
	BTESTZ:   "btestz",
	BTESTNZ:  "btestnz",
	BZ:       "bz",
	BNZ:      "bnz",
	CASBR:    "casbr",
	CALL:     "call",
	CALLR:    "callr",
	RET:      "ret",
	PUSH:     "push",
	POP:      "pop",
	HOSTCALL: "hostcall",
	WBAR:     "wbar",
}

func (op Op) String() string {
	if op < NumOps {
		return names[op]
	}
	return fmt.Sprintf("op%d", op)
}

// Branches reports whether the 64-bit immediate is a code address.
func (op Op) Branches() bool {
	switch op {
	case JMP, JSTRUCT, BNEI, BTAGNE, BNE, BLTU, BTESTZ, BTESTNZ, BZ, BNZ, CASBR, CALL:
		return true
	}
	return false
}

// WBAR flags.
const (
	BarrierProfile = 1 << iota
)

type Insn struct {
	Op      Op
	A, B, C reg.R
	Imm32   uint32
	Imm64   uint64
}

func (i Insn) word0() uint32 {
	return uint32(i.Op) | uint32(i.A)<<8 | uint32(i.B)<<16 | uint32(i.C)<<24
}

// Put appends the instruction and returns its address.
func (i Insn) Put(text *code.Buf) (addr int32) {
	addr = text.Addr
	text.PutUint32(i.word0())
	text.PutUint32(i.Imm32)
	text.PutUint64(i.Imm64)
	return
}

// Decode an instruction from code which is not being modified.
func Decode(b []byte) Insn {
	w := binary.LittleEndian.Uint32(b)
	return Insn{
		Op:    Op(w),
		A:     reg.R(w >> 8),
		B:     reg.R(w >> 16),
		C:     reg.R(w >> 24),
		Imm32: binary.LittleEndian.Uint32(b[Imm32Offset:]),
		Imm64: binary.LittleEndian.Uint64(b[Imm64Offset:]),
	}
}

// Fetch an instruction from code which may be patched concurrently.  Each
// field is read atomically; a reader may observe fields from different
// generations, which patch ordering makes harmless.
func Fetch(b []byte) Insn {
	w := atomic.LoadUint32(b[OpcodeOffset:])
	return Insn{
		Op:    Op(w),
		A:     reg.R(w >> 8),
		B:     reg.R(w >> 16),
		C:     reg.R(w >> 24),
		Imm32: atomic.LoadUint32(b[Imm32Offset:]),
		Imm64: atomic.LoadUint64(b[Imm64Offset:]),
	}
}

// PatchOpcode rewrites the opcode and register word of a live instruction.
func PatchOpcode(b []byte, i Insn) {
	atomic.PutUint32(b[OpcodeOffset:], i.word0())
}

// PatchImm32 rewrites the 32-bit immediate of a live instruction.
func PatchImm32(b []byte, x uint32) {
	atomic.PutUint32(b[Imm32Offset:], x)
}

// PatchImm64 rewrites the 64-bit immediate of a live instruction.
func PatchImm64(b []byte, x uint64) {
	atomic.PutUint64(b[Imm64Offset:], x)
}

func (i Insn) String() string {
	switch i.Op {
	case NOP, HALT, RET:
		return i.Op.String()

	case MOVI, ORI:
		return fmt.Sprintf("%s %s, %#x", i.Op, i.A, i.Imm64)

	case MOV, ADD:
		return fmt.Sprintf("%s %s, %s", i.Op, i.A, i.B)

	case ADDI:
		return fmt.Sprintf("%s %s, %d", i.Op, i.A, int32(i.Imm32))

	case LOAD, LOAD32, LEA:
		return fmt.Sprintf("%s %s, [%s%+d]", i.Op, i.A, i.B, int32(i.Imm32))

	case STORE, STORE32:
		return fmt.Sprintf("%s [%s%+d], %s", i.Op, i.A, int32(i.Imm32), i.B)

	case STI32:
		return fmt.Sprintf("%s [%s%+d], %#x", i.Op, i.A, int32(i.Imm32), uint32(i.Imm64))

	case JMP, CALL:
		return fmt.Sprintf("%s %#x", i.Op, i.Imm64)

	case JSTRUCT, BNEI, BTAGNE, BTESTZ, BTESTNZ:
		return fmt.Sprintf("%s %s, %#x, %#x", i.Op, i.A, i.Imm32, i.Imm64)

	case BNE, BLTU:
		return fmt.Sprintf("%s %s, %s, %#x", i.Op, i.A, i.B, i.Imm64)

	case BZ, BNZ:
		return fmt.Sprintf("%s %s, %#x", i.Op, i.A, i.Imm64)

	case CASBR:
		return fmt.Sprintf("%s [%s%+d], %s, %s, %#x", i.Op, i.A, int32(i.Imm32), i.B, i.C, i.Imm64)

	case CALLR, PUSH, POP:
		return fmt.Sprintf("%s %s", i.Op, i.A)

	case HOSTCALL:
		return fmt.Sprintf("%s %d", i.Op, i.Imm32)

	case WBAR:
		return fmt.Sprintf("%s %s, %#x", i.Op, i.A, i.Imm32)

	default:
		return fmt.Sprintf("%s %s, %s, %s, %#x, %#x", i.Op, i.A, i.B, i.C, i.Imm32, i.Imm64)
	}
}
