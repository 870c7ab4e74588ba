// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buffer

import (
	"encoding/binary"

	"gate.computer/jsic/internal/pan"
)

// Limited is a Dynamic buffer with a maximum size.  Stubs are emitted into
// limited buffers, as the size of a stub depends on the length of the
// prototype chain being guarded.
type Limited struct {
	Dynamic
	limit int
}

// NewLimited buffer.  The slice must be empty.
func NewLimited(b []byte, limit int) *Limited {
	return &Limited{*NewDynamicHint(b, limit), limit}
}

func (l *Limited) PutByte(x byte)     { l.Extend(1)[0] = x }
func (l *Limited) PutUint32(x uint32) { binary.LittleEndian.PutUint32(l.Extend(4), x) }
func (l *Limited) PutUint64(x uint64) { binary.LittleEndian.PutUint64(l.Extend(8), x) }

// Extend panics with ErrSizeLimit if n bytes cannot be appended.
func (l *Limited) Extend(n int) []byte {
	if n > l.limit-len(l.buf) {
		pan.Panic(ErrSizeLimit)
	}
	return l.Dynamic.Extend(n)
}
