// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reg

// Layout describes register conventions of a value representation.
type Layout struct {
	Name string

	// SplitValues means that a value occupies a tag register and a payload
	// register, and is loaded and stored as two 32-bit halves.
	SplitValues bool

	Frame       R    // Call frame base; never allocated.
	Args        [4]R // Host call arguments.
	Return      R    // Host call result (payload).
	ReturnTag   R    // Host call result tag; None when values are unified.
	Allocatable Set
}

var (
	Unified = Layout{
		Name:        "unified64",
		Frame:       15,
		Args:        [4]R{0, 1, 2, 3},
		Return:      0,
		ReturnTag:   None,
		Allocatable: SetOf(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14),
	}

	Split = Layout{
		Name:        "split32_64",
		SplitValues: true,
		Frame:       15,
		Args:        [4]R{0, 1, 2, 3},
		Return:      0,
		ReturnTag:   1,
		Allocatable: SetOf(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14),
	}
)

// ValueRegs holds a value in one register, or in a tag and payload register
// pair.
type ValueRegs struct {
	Payload R
	Tag     R
}

func Single(r R) ValueRegs { return ValueRegs{r, None} }

func (v ValueRegs) Set() Set { return SetOf(v.Payload, v.Tag) }

// HostClobbered registers are not preserved across a call to a host
// function thunk.
func (l *Layout) HostClobbered() Set {
	return SetOf(l.Args[:]...).With(l.Return).With(l.ReturnTag)
}

// ReturnRegs of a host call.
func (l *Layout) ReturnRegs() ValueRegs {
	return ValueRegs{Payload: l.Return, Tag: l.ReturnTag}
}
