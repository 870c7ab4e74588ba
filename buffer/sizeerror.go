// Copyright (c) 2018 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buffer implements the code buffers which compiled code units and
// inline cache stubs are emitted into before they are copied to executable
// memory.
package buffer

type sizeError string

func (s sizeError) Error() string           { return string(s) }
func (s sizeError) PublicError() string     { return string(s) }
func (s sizeError) BufferSizeLimit() string { return string(s) }

// Errors implementing interface{ BufferSizeLimit() string }.
var (
	ErrSizeLimit  = sizeError("code buffer size limit exceeded")
	ErrStaticSize = sizeError("static code buffer capacity exceeded")
)
