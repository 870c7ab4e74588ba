// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"strings"

	"gate.computer/jsic/heap"
	"gate.computer/jsic/machine"
)

// TraceFrame is a code block and the site which was executing in it.
type TraceFrame struct {
	Function string
	CallSite uint32
}

// Exception thrown by a program and not caught.
type Exception struct {
	Value   heap.Value
	Message string
	Trace   []TraceFrame
}

func (e *Exception) Error() string {
	var b strings.Builder
	b.WriteString("uncaught exception: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Value.String())
	}
	for _, f := range e.Trace {
		fmt.Fprintf(&b, "\n\tat %s (site %d)", f.Function, f.CallSite)
	}
	return b.String()
}

func (e *Exception) PublicError() string { return e.Error() }

// trace walks the frames of the machine.  Frames of native functions are
// skipped.
func (t *Thread) trace() (frames []TraceFrame) {
	mem := t.VM.Heap.Mem
	for fp := t.m.FP(); fp != 0; fp = heap.Addr(mem.Load(fp + machine.FrameCallerOffset)) {
		name := t.VM.blockName(mem.Load(fp + machine.FrameCodeBlockOffset))
		if name == "" {
			continue
		}
		frames = append(frames, TraceFrame{
			Function: name,
			CallSite: mem.Load32(fp + machine.FrameCallSiteIndexOffset),
		})
	}
	return
}

// Throw a value from the current frame.
func (t *Thread) Throw(v heap.Value) error {
	return &Exception{Value: v, Trace: t.trace()}
}

// TypeError is thrown as a fresh object.
func (t *Thread) TypeError(format string, args ...any) error {
	return &Exception{
		Value:   heap.Cell(t.VM.Heap.NewObject(heap.Null)),
		Message: "TypeError: " + fmt.Sprintf(format, args...),
		Trace:   t.trace(),
	}
}

// deferException stores a JS exception in the VM state word, for generated
// code to check after the call.  Other errors are returned.
func (t *Thread) deferException(err error) error {
	if exc, ok := err.(*Exception); ok {
		t.pending = exc
		t.VM.Heap.SetException(exc.Value)
		return nil
	}
	return err
}

// takeException is called when generated code has found the state word set.
func (t *Thread) takeException() *Exception {
	v := t.VM.Heap.ClearException()
	exc := t.pending
	t.pending = nil
	if exc == nil || exc.Value != v {
		exc = &Exception{Value: v, Trace: t.trace()}
	}
	return exc
}
