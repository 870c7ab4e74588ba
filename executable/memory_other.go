// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package executable

import (
	"unsafe"
)

func makeMemory(size int) (mem []byte, base uintptr, err error) {
	mem = make([]byte, size)
	base = uintptr(unsafe.Pointer(&mem[0]))
	return
}

func protectMemory([]byte) error { return nil }
func freeMemory([]byte) error    { return nil }
func pageSize() int              { return 4096 }
