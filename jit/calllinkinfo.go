// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"fmt"

	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/isa/reg"
	"gate.computer/jsic/internal/patch"
)

type CallKind int

const (
	CallKindCall = CallKind(iota)
	CallKindConstruct
)

func (k CallKind) String() string {
	if k == CallKindConstruct {
		return "construct"
	}
	return "call"
}

// CallLinkInfo is the link record of a call site.  Mutable fields are
// protected by the code block's lock.
//
// The hot path compares the callee with the linked function identity (BNEI)
// and calls the linked entry point directly.  A closure call stub replaces
// the comparison with a jump.
type CallLinkInfo struct {
	CodeBlock *CodeBlock
	Index     uint32
	Kind      CallKind
	Callee    reg.ValueRegs
	Return    uintptr // return address of the slow path call

	HotPathBegin int32 // BNEI callee, identity, slow call
	HotCall      int32 // CALL entry
	AfterCall    int32

	Slow Operation

	LastSeenCallee heap.Addr // linked identity, or zero
	Executable     uint32    // executable of the linked callee
	Stub           *executable.Routine
	Seen           bool
}

func (c *CallLinkInfo) At(delta int32) uintptr { return patch.At(c.Return, delta) }

func (c *CallLinkInfo) HotPathBeginAddr() uintptr { return c.At(c.HotPathBegin) }
func (c *CallLinkInfo) HotCallAddr() uintptr      { return c.At(c.HotCall) }
func (c *CallLinkInfo) AfterCallAddr() uintptr    { return c.At(c.AfterCall) }
func (c *CallLinkInfo) SlowCallAddr() uintptr     { return c.At(patch.SlowCall) }

func (c *CallLinkInfo) IsLinked() bool { return c.LastSeenCallee != 0 }

func (c *CallLinkInfo) String() string {
	return fmt.Sprintf("%s call site %d %s (%s)", c.CodeBlock, c.Index, c.Kind, c.Slow)
}
