// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patch describes the patchable parts of a property access site.
//
// Locations are byte deltas relative to the return address of the site's
// slow path call.  They are fixed when the site is compiled; only the
// instructions at those locations are rewritten later.
package patch

import (
	"fmt"

	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
)

// None marks an absent location.
const None = int32(-1 << 31)

type Descriptor struct {
	StructureCheck  int32 // JSTRUCT base; imm32 expected ID, imm64 miss target
	ConvertibleLoad int32 // LEA scratch, [base+0] or LOAD scratch, [base+butterfly]
	ValueAccess     int32 // load or store of the value (payload when split)
	TagAccess       int32 // tag half of a split value, or None
	Done            int32
	SlowCase        int32

	BaseGPR     reg.R
	BaseTagGPR  reg.R
	ValueGPR    reg.R
	ValueTagGPR reg.R
	ScratchGPR  reg.R // None if the site has no inline access

	// Used registers are live across the site, excluding the destination of
	// a load.
	Used reg.Set

	CallSiteIndex uint32

	// RegistersFlushed means that nothing besides the base and the value is
	// kept in registers across the site, so a stub may call out.
	RegistersFlushed bool
}

// SlowCall is the location of the slow path call instruction.
const SlowCall = -in.Size

// At resolves a location.
func At(ret uintptr, delta int32) uintptr {
	if delta == None {
		panic("absent patch location")
	}
	return uintptr(int64(ret) + int64(delta))
}

// Delta of an instruction address from the return address.
func Delta(ret uintptr, addr uintptr) int32 {
	return int32(int64(addr) - int64(ret))
}

// HasInlineAccess reports whether the site has a patchable load or store.
func (d *Descriptor) HasInlineAccess() bool {
	return d.ScratchGPR != reg.None && d.ConvertibleLoad != None
}

func (d *Descriptor) Base() reg.ValueRegs  { return reg.ValueRegs{Payload: d.BaseGPR, Tag: d.BaseTagGPR} }
func (d *Descriptor) Value() reg.ValueRegs { return reg.ValueRegs{Payload: d.ValueGPR, Tag: d.ValueTagGPR} }

func (d *Descriptor) String() string {
	return fmt.Sprintf("site %d: check %d load %d value %d tag %d done %d slow %d; base %s value %s scratch %s used %s",
		d.CallSiteIndex, d.StructureCheck, d.ConvertibleLoad, d.ValueAccess, d.TagAccess, d.Done, d.SlowCase,
		d.BaseGPR, d.ValueGPR, d.ScratchGPR, d.Used)
}
