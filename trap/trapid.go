// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trap enumerates the reasons why the machine stops executing
// generated code abnormally.
package trap

import (
	"fmt"
)

type ID int

const (
	Exception          = ID(iota) // Uncaught exception was unwound out of generated code.
	NoFunction                    // Branch or call outside of executable memory.
	Unreachable                   // HALT after a call which must not return.
	CallStackExhausted            // Machine stack limit.
	InvalidInstruction

	NumTraps
)

var names = [NumTraps]string{
	Exception:          "exception",
	NoFunction:         "no function",
	Unreachable:        "unreachable",
	CallStackExhausted: "call stack exhausted",
	InvalidInstruction: "invalid instruction",
}

func (id ID) String() string {
	if id >= 0 && id < NumTraps {
		return names[id]
	}
	return fmt.Sprintf("unknown trap %d", int(id))
}

func (id ID) Error() string {
	return "trap: " + id.String()
}

// PublicError is the same as String.
func (id ID) PublicError() string { return id.String() }
