// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
)

// Addr is a byte address in heap memory.  Zero is null.
type Addr uint32

// Value is a tagged JavaScript value: the tag occupies the high 32 bits and
// the payload the low 32 bits.  Split value layouts keep the halves in
// separate registers.
type Value uint64

const (
	TagInt32     = 0xffffffff
	TagBool      = 0xfffffffe
	TagNull      = 0xfffffffd
	TagUndefined = 0xfffffffc
	TagCell      = 0xfffffffb
)

const (
	Empty     = Value(0)
	Undefined = Value(TagUndefined << 32)
	Null      = Value(TagNull << 32)
	True      = Value(TagBool<<32 | 1)
	False     = Value(TagBool << 32)
)

func Int32(i int32) Value { return Value(TagInt32<<32 | uint64(uint32(i))) }
func Cell(a Addr) Value   { return Value(TagCell<<32 | uint64(a)) }

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func (v Value) Tag() uint32     { return uint32(v >> 32) }
func (v Value) Payload() uint32 { return uint32(v) }
func (v Value) IsEmpty() bool   { return v == Empty }
func (v Value) IsCell() bool    { return v.Tag() == TagCell }
func (v Value) IsInt32() bool   { return v.Tag() == TagInt32 }
func (v Value) Int32() int32    { return int32(v.Payload()) }

// Cell address, or null if the value is not a cell.
func (v Value) Cell() Addr {
	if !v.IsCell() {
		return 0
	}
	return Addr(v.Payload())
}

func (v Value) String() string {
	switch v.Tag() {
	case TagInt32:
		return fmt.Sprint(v.Int32())
	case TagBool:
		return fmt.Sprint(v.Payload() != 0)
	case TagNull:
		return "null"
	case TagUndefined:
		return "undefined"
	case TagCell:
		return fmt.Sprintf("cell@%#x", v.Payload())
	}
	if v == Empty {
		return "<empty>"
	}
	return fmt.Sprintf("<%#x>", uint64(v))
}
