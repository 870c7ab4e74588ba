// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"fmt"
)

// Operation implemented by the runtime and called from generated code
// through a host function thunk.
type Operation int

const (
	GetByIdOptimize = Operation(iota)
	GetByIdBuildList
	GetById
	PutByIdOptimize
	PutByIdBuildList
	PutById
	LinkCall
	LinkClosureCall
	VirtualCall
	CallGetter
	CallSetter
	ReallocateStorageAndFinishPut
	LookupExceptionHandler
	Throw
	NewObject

	NumOperations
)

var operationNames = [NumOperations]string{
	GetByIdOptimize:               "GetByIdOptimize",
	GetByIdBuildList:              "GetByIdBuildList",
	GetById:                       "GetById",
	PutByIdOptimize:               "PutByIdOptimize",
	PutByIdBuildList:              "PutByIdBuildList",
	PutById:                       "PutById",
	LinkCall:                      "LinkCall",
	LinkClosureCall:               "LinkClosureCall",
	VirtualCall:                   "VirtualCall",
	CallGetter:                    "CallGetter",
	CallSetter:                    "CallSetter",
	ReallocateStorageAndFinishPut: "ReallocateStorageAndFinishPut",
	LookupExceptionHandler:        "LookupExceptionHandler",
	Throw:                         "Throw",
	NewObject:                     "NewObject",
}

func (op Operation) String() string {
	if op >= 0 && op < NumOperations {
		return operationNames[op]
	}
	return fmt.Sprintf("operation%d", int(op))
}

// Thunks are the code addresses of the operations.
type Thunks [NumOperations]uintptr
