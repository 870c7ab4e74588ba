// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"fmt"
	"strings"

	"gate.computer/jsic/heap"
)

type Op int

const (
	OpConst         = Op(iota) // Dst = Value
	OpLoadArg                  // Dst = argument Index
	OpLoadThis                 // Dst = this
	OpMove                     // Dst = Src
	OpGetById                  // Dst = Src.Name
	OpPutById                  // Src.Name = Src2
	OpPutByIdDirect            // Src.Name = Src2, defining an own property
	OpCall                     // Dst = Src(Args...) with this Src2 (undefined if negative)
	OpConstruct                // like OpCall; the caller allocates this
	OpNewObject                // Dst = object with prototype Src (null if negative)
	OpReturn                   // return Src
	OpThrow                    // throw Src
)

var opNames = []string{
	OpConst:         "const",
	OpLoadArg:       "arg",
	OpLoadThis:      "this",
	OpMove:          "move",
	OpGetById:       "get",
	OpPutById:       "put",
	OpPutByIdDirect: "put-direct",
	OpCall:          "call",
	OpConstruct:     "construct",
	OpNewObject:     "new",
	OpReturn:        "return",
	OpThrow:         "throw",
}

func (op Op) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", int(op))
}

// Insn operates on virtual registers.
type Insn struct {
	Op     Op
	Dst    int
	Src    int
	Src2   int
	Name   string
	Value  heap.Value
	Index  int
	Args   []int
	Strict bool
}

func (i Insn) String() string {
	switch i.Op {
	case OpConst:
		return fmt.Sprintf("v%d = %s", i.Dst, i.Value)
	case OpLoadArg:
		return fmt.Sprintf("v%d = arg %d", i.Dst, i.Index)
	case OpLoadThis:
		return fmt.Sprintf("v%d = this", i.Dst)
	case OpMove:
		return fmt.Sprintf("v%d = v%d", i.Dst, i.Src)
	case OpGetById:
		return fmt.Sprintf("v%d = v%d.%s", i.Dst, i.Src, i.Name)
	case OpPutById, OpPutByIdDirect:
		return fmt.Sprintf("%s v%d.%s = v%d", i.Op, i.Src, i.Name, i.Src2)
	case OpCall, OpConstruct:
		var args []string
		for _, a := range i.Args {
			args = append(args, fmt.Sprintf("v%d", a))
		}
		return fmt.Sprintf("v%d = %s v%d(%s)", i.Dst, i.Op, i.Src, strings.Join(args, ", "))
	case OpNewObject:
		return fmt.Sprintf("v%d = new v%d", i.Dst, i.Src)
	default:
		return fmt.Sprintf("%s v%d", i.Op, i.Src)
	}
}

// Function in virtual register form.  Control flow is straight-line.
type Function struct {
	Name    string
	NumRegs int
	Code    []Insn
}

func (f *Function) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s (%d registers)\n", f.Name, f.NumRegs)
	for i, insn := range f.Code {
		fmt.Fprintf(&b, "%4d  %s\n", i, insn)
	}
	return b.String()
}
