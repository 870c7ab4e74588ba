// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disasm prints generated code as assembly text.
package disasm

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gate.computer/jsic/internal/isa/in"
)

// Resolver names code addresses outside of the disassembled text, such as
// host thunks.  It returns false for unknown addresses.
type Resolver func(addr uintptr) (string, bool)

// Fprint disassembles text located at base.  Branch targets inside the text
// get local labels; other targets are named by the resolver if possible.
func Fprint(w io.Writer, text []byte, base uintptr, resolve Resolver) (err error) {
	insns := make([]in.Insn, len(text)/in.Size)
	for i := range insns {
		insns[i] = in.Fetch(text[i*in.Size:])
	}

	end := base + uintptr(len(insns)*in.Size)

	var local []uintptr
	targets := map[uintptr]string{}

	for _, insn := range insns {
		if !insn.Op.Branches() {
			continue
		}
		addr := uintptr(insn.Imm64)
		if _, found := targets[addr]; found {
			continue
		}
		if addr >= base && addr < end {
			targets[addr] = ""
			local = append(local, addr)
		} else if resolve != nil {
			if name, ok := resolve(addr); ok {
				targets[addr] = name
			}
		}
	}

	sort.Slice(local, func(i, j int) bool { return local[i] < local[j] })
	for i, addr := range local {
		targets[addr] = fmt.Sprintf(".L%d", i)
	}

	for i, insn := range insns {
		addr := base + uintptr(i*in.Size)

		if name, found := targets[addr]; found {
			if _, err = fmt.Fprintf(w, "%s:\n", name); err != nil {
				return
			}
		}

		text := insn.String()
		if insn.Op.Branches() {
			if name, found := targets[uintptr(insn.Imm64)]; found {
				text = strings.Replace(text, fmt.Sprintf("%#x", insn.Imm64), name, 1)
			}
		}

		if _, err = fmt.Fprintf(w, "\t%s\n", strings.Replace(text, " ", "\t", 1)); err != nil {
			return
		}
	}

	_, err = fmt.Fprintln(w)
	return
}
