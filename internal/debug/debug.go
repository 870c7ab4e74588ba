// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build debug || icdebug

package debug

import (
	"fmt"
	"os"
	"sync"
)

const Enabled = true

var mu sync.Mutex

// Printf writes a trace line to stderr.  Machines of concurrent threads may
// trace at the same time, so lines are serialized.
func Printf(format string, args ...interface{}) {
	s := fmt.Sprintf(format+"\n", args...)

	mu.Lock()
	defer mu.Unlock()
	os.Stderr.WriteString(s)
}
