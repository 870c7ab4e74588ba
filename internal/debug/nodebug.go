// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(debug || icdebug)

package debug

const Enabled = false

func Printf(string, ...interface{}) {}
