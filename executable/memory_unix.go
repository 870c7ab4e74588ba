// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package executable

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// The stub machine only reads code, so mappings don't need PROT_EXEC.

func makeMemory(size int) (mem []byte, base uintptr, err error) {
	mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		err = xerrors.Errorf("executable memory allocation: %w", err)
		return
	}

	base = uintptr(unsafe.Pointer(&mem[0]))
	return
}

func protectMemory(mem []byte) (err error) {
	if err = unix.Mprotect(mem, unix.PROT_READ); err != nil {
		err = xerrors.Errorf("executable memory protection: %w", err)
	}
	return
}

func freeMemory(mem []byte) error {
	return unix.Munmap(mem)
}

func pageSize() int {
	return unix.Getpagesize()
}
