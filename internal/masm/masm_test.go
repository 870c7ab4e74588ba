// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package masm

import (
	"testing"

	"gate.computer/jsic/buffer"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/pan"
)

func TestSetupArgs(test *testing.T) {
	a := New(buffer.NewDynamic(nil), &reg.Unified)
	a.SetupArgs(1, 0)

	text := a.Text.Bytes()
	if len(text) != 4*in.Size {
		test.Fatalf("%d bytes", len(text))
	}
	for i, expect := range []in.Insn{
		{Op: in.PUSH, A: 1},
		{Op: in.PUSH, A: 0},
		{Op: in.POP, A: reg.Unified.Args[1]},
		{Op: in.POP, A: reg.Unified.Args[0]},
	} {
		if x := in.Fetch(text[i*in.Size:]); x.Op != expect.Op || x.A != expect.A {
			test.Errorf("instruction %d: %s", i, x)
		}
	}
}

func TestTooManyArgs(test *testing.T) {
	a := New(buffer.NewDynamic(nil), &reg.Unified)

	err := func() (err error) {
		defer func() { err = pan.Error(recover()) }()
		a.SetupArgs(0, 1, 2, 3, 4)
		return
	}()
	if err == nil {
		test.Error("no error")
	}
}
