// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reg

import (
	"fmt"
	"math/bits"
	"strings"
)

// R is a general-purpose machine register.
type R byte

const (
	NumRegs = 16

	None = R(0xff)
)

func (r R) String() string {
	if r == None {
		return "none"
	}
	return fmt.Sprintf("r%d", r)
}

// Set of registers.
type Set uint32

func SetOf(rs ...R) (s Set) {
	for _, r := range rs {
		s = s.With(r)
	}
	return
}

func (s Set) Has(r R) bool {
	return r != None && s&(1<<r) != 0
}

func (s Set) With(r R) Set {
	if r == None {
		return s
	}
	return s | 1<<r
}

func (s Set) Without(r R) Set {
	if r == None {
		return s
	}
	return s &^ (1 << r)
}

func (s Set) Union(t Set) Set        { return s | t }
func (s Set) Difference(t Set) Set   { return s &^ t }
func (s Set) Count() int             { return bits.OnesCount32(uint32(s)) }
func (s Set) Empty() bool            { return s == 0 }
func (s Set) Intersection(t Set) Set { return s & t }

// First register in the set, or None.
func (s Set) First() R {
	if s == 0 {
		return None
	}
	return R(bits.TrailingZeros32(uint32(s)))
}

// Regs in ascending order.
func (s Set) Regs() (rs []R) {
	for s != 0 {
		r := s.First()
		rs = append(rs, r)
		s = s.Without(r)
	}
	return
}

func (s Set) String() string {
	var names []string
	for _, r := range s.Regs() {
		names = append(names, r.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
