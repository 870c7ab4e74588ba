// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"testing"

	"gate.computer/jsic/internal/isa/reg"
)

func TestDeltas(test *testing.T) {
	const ret = uintptr(0x10000)

	for _, addr := range []uintptr{0xff00, 0x10000, 0x10040} {
		if x := At(ret, Delta(ret, addr)); x != addr {
			test.Errorf("%#x -> %#x", addr, x)
		}
	}
	if At(ret, SlowCall) != ret-16 {
		test.Error(At(ret, SlowCall))
	}
}

func TestInlineAccess(test *testing.T) {
	d := Descriptor{ConvertibleLoad: -64, ScratchGPR: 14}
	if !d.HasInlineAccess() {
		test.Error("no inline access")
	}

	d.ScratchGPR = reg.None
	if d.HasInlineAccess() {
		test.Error("inline access without scratch")
	}

	d = Descriptor{ConvertibleLoad: None, ScratchGPR: 14}
	if d.HasInlineAccess() {
		test.Error("inline access without location")
	}
}
