// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buffer

import (
	"encoding/binary"

	"gate.computer/jsic/internal/pan"
)

// Static is a fixed-capacity buffer, for code whose size is known in advance
// such as the host thunk table.  The default value is a zero-capacity buffer.
type Static struct {
	buf []byte
}

// MakeStatic buffer.  The slice length is reset to zero; its capacity is the
// buffer capacity.
func MakeStatic(b []byte) Static {
	return Static{b[:0]}
}

// NewStatic buffer.
func NewStatic(b []byte) *Static {
	s := MakeStatic(b)
	return &s
}

// Cap of the static buffer.
func (s *Static) Cap() int { return cap(s.buf) }

// Len doesn't panic.
func (s *Static) Len() int { return len(s.buf) }

// Bytes doesn't panic.
func (s *Static) Bytes() []byte { return s.buf }

// PutByte panics with ErrStaticSize if the buffer is already full.
func (s *Static) PutByte(value byte) {
	s.Extend(1)[0] = value
}

// PutUint32 panics with ErrStaticSize if 4 bytes cannot be appended.
func (s *Static) PutUint32(i uint32) {
	binary.LittleEndian.PutUint32(s.Extend(4), i)
}

// PutUint64 panics with ErrStaticSize if 8 bytes cannot be appended.
func (s *Static) PutUint64(i uint64) {
	binary.LittleEndian.PutUint64(s.Extend(8), i)
}

// Extend panics with ErrStaticSize if n bytes cannot be appended.
func (s *Static) Extend(n int) []byte {
	offset := len(s.buf)
	size := offset + n
	if size > cap(s.buf) {
		pan.Panic(ErrStaticSize)
	}
	s.buf = s.buf[:size]
	return s.buf[offset:]
}
