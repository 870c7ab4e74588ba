// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package in

import (
	"testing"

	"gate.computer/jsic/buffer"
	"gate.computer/jsic/internal/code"
)

func TestEncodeFields(test *testing.T) {
	text := code.Buf{Buffer: buffer.NewDynamic(nil)}

	insns := []Insn{
		{Op: JSTRUCT, A: 3, Imm32: 0x1234, Imm64: 0xdeadbeef00},
		{Op: CASBR, A: 1, B: 2, C: 4, Imm32: 8, Imm64: 0x1000},
		{Op: STI32, A: 15, Imm32: 0xfffffff8, Imm64: 77},
	}

	for i, insn := range insns {
		if addr := insn.Put(&text); addr != int32(i*Size) {
			test.Fatalf("insn %d at %d", i, addr)
		}
	}

	b := text.Bytes()
	for i, insn := range insns {
		if got := Decode(b[i*Size:]); got != insn {
			test.Errorf("insn %d: %v != %v", i, got, insn)
		}
	}
}

func TestPatchFields(test *testing.T) {
	text := code.Buf{Buffer: buffer.NewDynamic(make([]byte, 0, 64))}
	Insn{Op: JSTRUCT, A: 2, Imm32: 0, Imm64: 0x40}.Put(&text)
	b := text.Bytes()

	PatchImm32(b, 99)
	PatchImm64(b, 0x80)
	if got := Fetch(b); got.Op != JSTRUCT || got.A != 2 || got.Imm32 != 99 || got.Imm64 != 0x80 {
		test.Fatal(got)
	}

	PatchOpcode(b, Insn{Op: JMP})
	if got := Fetch(b); got.Op != JMP || got.Imm64 != 0x80 {
		test.Fatal(got)
	}
}

func TestBranchOps(test *testing.T) {
	for op := NOP; op < NumOps; op++ {
		if op.String() == "" {
			test.Errorf("op %d has no name", op)
		}
	}
	if !JSTRUCT.Branches() || LOAD.Branches() || !CALL.Branches() {
		test.Fail()
	}
}
