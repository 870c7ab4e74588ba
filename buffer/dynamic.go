// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buffer

import (
	"encoding/binary"

	"gate.computer/jsic/internal/pan"
)

// growStep is the smallest growth increment: a handful of instructions.
const growStep = 256

// Dynamic buffer grows without bound.  The zero value is ready to use.
type Dynamic struct {
	buf  []byte
	hint int // Expected final size, or zero.
}

// NewDynamic buffer.  The slice must be empty; its capacity is reused.
func NewDynamic(b []byte) *Dynamic {
	return NewDynamicHint(b, 0)
}

// NewDynamicHint is NewDynamic with the expected final size, so that a
// compiled code unit is usually emitted without reallocation.
func NewDynamicHint(b []byte, hint int) *Dynamic {
	if len(b) != 0 {
		panic("buffer slice is not empty")
	}
	return &Dynamic{b, hint}
}

func (d *Dynamic) Len() int      { return len(d.buf) }
func (d *Dynamic) Bytes() []byte { return d.buf }

func (d *Dynamic) PutByte(x byte)     { d.Extend(1)[0] = x }
func (d *Dynamic) PutUint32(x uint32) { binary.LittleEndian.PutUint32(d.Extend(4), x) }
func (d *Dynamic) PutUint64(x uint64) { binary.LittleEndian.PutUint64(d.Extend(8), x) }

// Extend the buffer by n bytes and return the new tail.
func (d *Dynamic) Extend(n int) []byte {
	offset := len(d.buf)
	size := offset + n
	if size < offset {
		pan.Panic(ErrSizeLimit)
	}

	if size > cap(d.buf) {
		d.reserve(size)
	}
	d.buf = d.buf[:size]
	return d.buf[offset:]
}

// Reset discards the contents.  The capacity is kept for the next unit.
func (d *Dynamic) Reset() {
	d.buf = d.buf[:0]
}

func (d *Dynamic) reserve(size int) {
	newCap := max(cap(d.buf)*2, size, growStep)
	if d.hint >= size && newCap > d.hint {
		newCap = d.hint
	}

	b := make([]byte, len(d.buf), newCap)
	copy(b, d.buf)
	d.buf = b
}
