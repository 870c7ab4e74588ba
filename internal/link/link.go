// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// L is a label.  Sites are buffer offsets of instructions whose 64-bit target
// field refers to the label.  Addr is buffer-relative until the label is
// bound.
type L struct {
	Sites []int32
	Addr  int32
	bound bool
}

func (l *L) AddSite(addr int32) {
	l.Sites = append(l.Sites, addr)
}

// Bind the label to a buffer offset.
func (l *L) Bind(addr int32) {
	if l.bound {
		panic(errors.New("label bound twice"))
	}
	l.Addr = addr
	l.bound = true
}

func (l *L) FinalAddr() int32 {
	if !l.bound {
		panic(errors.New("label address undefined while updating branch target"))
	}
	return l.Addr
}

// TargetOffset is the position of the 64-bit target field within an
// instruction.
const TargetOffset = 8

// UpdateBranches writes the absolute address of the label into the target
// fields of its sites.  The text is not yet executable, so plain writes are
// used.
func UpdateBranches(text []byte, base uintptr, l *L) {
	target := uint64(base) + uint64(l.FinalAddr())
	for _, insnAddr := range l.Sites {
		PutTarget(text, insnAddr, target)
	}
}

func PutTarget(text []byte, insnAddr int32, target uint64) {
	at := insnAddr + TargetOffset
	binary.LittleEndian.PutUint64(text[at:at+8], target)
}
