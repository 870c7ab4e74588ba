// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync"
	"sync/atomic"
)

// Watchpoint is notified once when the watched condition stops holding.
type Watchpoint interface {
	FireWatchpoint(reason string)
}

type WatchpointState int32

const (
	ClearWatchpoint = WatchpointState(iota)
	IsWatched
	IsInvalidated
)

func (s WatchpointState) String() string {
	switch s {
	case ClearWatchpoint:
		return "clear"
	case IsWatched:
		return "watched"
	default:
		return "invalidated"
	}
}

// WatchpointSet can be invalidated only once.
type WatchpointSet struct {
	state    atomic.Int32
	mu       sync.Mutex
	watchers []Watchpoint
}

func (set *WatchpointSet) State() WatchpointState {
	return WatchpointState(set.state.Load())
}

func (set *WatchpointSet) IsStillValid() bool {
	return set.State() != IsInvalidated
}

// Add a watcher.  False is returned if the set has already been invalidated,
// in which case the watcher will never be notified.
func (set *WatchpointSet) Add(w Watchpoint) bool {
	set.mu.Lock()
	defer set.mu.Unlock()

	if set.State() == IsInvalidated {
		return false
	}
	set.watchers = append(set.watchers, w)
	set.state.Store(int32(IsWatched))
	return true
}

// Fire invalidates the set.  Watchers are notified without holding the set's
// lock, so they may inspect or watch other sets.
func (set *WatchpointSet) Fire(reason string) {
	set.mu.Lock()
	if set.State() == IsInvalidated {
		set.mu.Unlock()
		return
	}
	watchers := set.watchers
	set.watchers = nil
	set.state.Store(int32(IsInvalidated))
	set.mu.Unlock()

	for _, w := range watchers {
		w.FireWatchpoint(reason)
	}
}

// NumWatchers is for diagnostics.
func (set *WatchpointSet) NumWatchers() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.watchers)
}
