// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package calllink links call sites to their callees.
//
// An unlinked site calls LinkCall.  The first callee is linked directly: its
// entry point goes into the hot call and its identity into the hot path
// comparison.  A site which then sees another callee calls LinkClosureCall
// (or VirtualCall if closure calls are disabled); a closure of the same
// executable gets a closure call stub, and anything else is dispatched
// virtually from then on.
package calllink

import (
	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/repatch"
	"gate.computer/jsic/internal/stub"
	"gate.computer/jsic/jit"
	"github.com/tliron/commonlog"
)

type Linker struct {
	Patcher      *repatch.Repatcher
	Emitter      *stub.Emitter
	Thunks       *jit.Thunks
	ClosureCalls bool
	Log          commonlog.Logger
}

func (l *Linker) debugf(format string, args ...any) {
	if l.Log != nil && l.Log.AllowLevel(commonlog.Debug) {
		l.Log.Debugf(format, args...)
	}
}

func (l *Linker) relinkSlowPath(call *jit.CallLinkInfo, op jit.Operation) {
	l.Patcher.Relink(call.SlowCallAddr(), l.Thunks[op])
	call.Slow = op
}

// LinkFor links a call site to a callee.  The code block must be locked, and
// the site must not be linked yet.  The entry point is written before the
// identity, so the hot path can't reach the call before it is valid.
func (l *Linker) LinkFor(call *jit.CallLinkInfo, callee heap.Addr, exec uint32, entry uintptr) {
	if call.IsLinked() {
		panic("call site is already linked")
	}
	if call.Kind != jit.CallKindCall {
		panic("construct site cannot be linked")
	}

	l.Patcher.Relink(call.HotCallAddr(), entry)
	l.Patcher.Repatch(call.HotPathBeginAddr(), uint32(callee))

	if l.ClosureCalls {
		l.relinkSlowPath(call, jit.LinkClosureCall)
	} else {
		l.relinkSlowPath(call, jit.VirtualCall)
	}

	call.LastSeenCallee = callee
	call.Executable = exec
	call.Seen = true

	l.debugf("%s: linked to %#x (executable %d)", call, entry, exec)
}

// LinkClosureCall is called when a linked site sees a callee other than the
// linked one.  If the callee is a closure of the linked executable, a closure
// call stub takes over the hot path.  The site is switched to virtual
// dispatch in any case, so this happens at most once per link.  The code
// block must be locked.
func (l *Linker) LinkClosureCall(call *jit.CallLinkInfo, exec uint32, entry uintptr) {
	if call.Slow != jit.LinkClosureCall {
		return
	}

	if call.Stub == nil && call.Executable == exec {
		stub, err := l.Emitter.EmitClosureCall(call, exec, entry)
		if err != nil {
			if l.Log != nil {
				l.Log.Errorf("%s: %v", call, err)
			}
		} else {
			l.Patcher.ReplaceWithJump(call.HotPathBeginAddr(), stub.Base)
			call.Stub = stub
			l.debugf("%s: closure call stub %s", call, stub)
		}
	}

	l.relinkSlowPath(call, jit.VirtualCall)
}

// Unlinked construct sites go straight to virtual dispatch.  The code block
// must be locked.
func (l *Linker) LinkVirtual(call *jit.CallLinkInfo) {
	if call.Slow == jit.LinkCall {
		l.relinkSlowPath(call, jit.VirtualCall)
		call.Seen = true
		l.debugf("%s: virtual", call)
	}
}

// Reset a call site to its unlinked state.  The code block must be locked.
// The hot call target is left in place: it is unreachable once the identity
// comparison has been restored, and a thread which has already passed the
// comparison still calls a valid entry point.
func (l *Linker) Reset(call *jit.CallLinkInfo) {
	b := l.patchable(call.HotPathBeginAddr())
	in.PatchImm32(b, 0)
	in.PatchImm64(b, uint64(call.SlowCallAddr()))
	in.PatchOpcode(b, in.Insn{Op: in.BNEI, A: call.Callee.Payload})

	l.relinkSlowPath(call, jit.LinkCall)

	if call.Stub != nil {
		call.Stub.Release()
		call.Stub = nil
	}
	call.LastSeenCallee = 0
	call.Executable = 0
	call.Seen = false

	l.debugf("%s: reset", call)
}

func (l *Linker) patchable(addr uintptr) []byte {
	routine := l.Patcher.Code.Lookup(addr)
	if routine == nil || !routine.Patchable {
		panic("call site is not in patchable code")
	}
	return routine.Code()[addr-routine.Base:]
}
