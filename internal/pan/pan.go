// Copyright (c) 2025 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pan

import (
	"errors"
	"syscall"

	publicerrors "gate.computer/jsic/errors"
	"import.name/pan"
)

var z = new(pan.Zone)

var Check = z.Check
var Panic = z.Panic
var Wrap = z.Wrap

// Error converts a recovered panic to an error.  Out-of-memory conditions of
// the operating system are reported as resource limits.
func Error(x any) error {
	err := z.Error(x)
	if err == nil {
		return nil
	}

	if errors.Is(err, syscall.ENOMEM) {
		return publicerrors.ResourceLimitError(err, "out of executable memory")
	}

	return err
}

func Must[T any](x T, err error) T {
	Check(err)
	return x
}
