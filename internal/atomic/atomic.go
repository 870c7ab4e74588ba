// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package atomic reads and writes naturally aligned words of code memory
// which may be executed concurrently.  Little-endian host byte order is
// assumed, matching the code encoding.
package atomic

import (
	"sync/atomic"
	"unsafe"
)

func ptr32(b []byte) *uint32 {
	_ = b[3]
	p := unsafe.Pointer(&b[0])
	if uintptr(p)&3 != 0 {
		panic("misaligned 32-bit code word")
	}
	return (*uint32)(p)
}

func ptr64(b []byte) *uint64 {
	_ = b[7]
	p := unsafe.Pointer(&b[0])
	if uintptr(p)&7 != 0 {
		panic("misaligned 64-bit code word")
	}
	return (*uint64)(p)
}

func PutUint32(b []byte, x uint32) { atomic.StoreUint32(ptr32(b), x) }
func PutUint64(b []byte, x uint64) { atomic.StoreUint64(ptr64(b), x) }

func LoadUint32(b []byte) uint32 { return atomic.LoadUint32(ptr32(b)) }
func LoadUint64(b []byte) uint64 { return atomic.LoadUint64(ptr64(b)) }
