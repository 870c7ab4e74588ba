// Copyright (c) 2019 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors exports common error types without unnecessary dependencies.
package errors

import (
	"errors"
	"fmt"
)

// PublicError has a message which may be shown to the author of the program
// being executed.
type PublicError interface {
	error
	PublicError() string
}

// ResourceLimit indicates that heap or executable memory has been exhausted.
type ResourceLimit interface {
	error
	ResourceLimit()
}

// IsResourceLimit checks the error chain.
func IsResourceLimit(err error) bool {
	var x ResourceLimit
	return errors.As(err, &x)
}

type resourceLimit struct {
	text  string
	cause error
}

// ResourceLimitError may wrap an underlying error.
func ResourceLimitError(cause error, text string) error {
	return &resourceLimit{text, cause}
}

func ResourceLimitErrorf(format string, args ...any) error {
	return &resourceLimit{fmt.Sprintf(format, args...), nil}
}

func (e *resourceLimit) Error() string       { return e.text }
func (e *resourceLimit) PublicError() string { return e.text }
func (e *resourceLimit) ResourceLimit()      {}
func (e *resourceLimit) Unwrap() error       { return e.cause }
