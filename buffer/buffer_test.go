// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buffer

import (
	"errors"
	"testing"

	"gate.computer/jsic/internal/pan"
)

func TestDynamicGrowth(t *testing.T) {
	d := NewDynamicHint(nil, 64)
	for i := 0; i < 16; i++ {
		d.PutUint32(uint32(i))
	}
	d.PutUint64(1 << 40)
	d.PutByte(7)

	if d.Len() != 16*4+8+1 {
		t.Fatal(d.Len())
	}
	if b := d.Bytes(); b[4] != 1 || b[len(b)-1] != 7 {
		t.Fatal(b)
	}

	d.Reset()
	if d.Len() != 0 {
		t.Fatal(d.Len())
	}
}

func TestLimitedOverflow(t *testing.T) {
	l := NewLimited(nil, 12)
	l.PutUint64(1)
	l.PutUint32(2)

	err := func() (err error) {
		defer func() { err = pan.Error(recover()) }()
		l.PutByte(3)
		return
	}()
	if !errors.Is(err, ErrSizeLimit) {
		t.Fatal(err)
	}
}

func TestStaticCapacity(t *testing.T) {
	s := NewStatic(make([]byte, 3, 16))
	if s.Len() != 0 || s.Cap() != 16 {
		t.Fatal(s.Len(), s.Cap())
	}
	s.PutUint64(0)
	s.PutUint64(0)

	err := func() (err error) {
		defer func() { err = pan.Error(recover()) }()
		s.PutByte(0)
		return
	}()
	if !errors.Is(err, ErrStaticSize) {
		t.Fatal(err)
	}
}
