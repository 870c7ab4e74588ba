// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package profile records the state of inline caches.
package profile

import (
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("profile: CBOR encoding mode: %v", err))
	}
	encMode = em
}

// Site is the state of a property access site.
type Site struct {
	Block    string `cbor:"1,keyasint"`
	Index    uint32 `cbor:"2,keyasint"`
	Access   string `cbor:"3,keyasint"`
	Name     string `cbor:"4,keyasint"`
	State    string `cbor:"5,keyasint"`
	Slow     string `cbor:"6,keyasint"`
	Misses   int    `cbor:"7,keyasint"`
	Entries  int    `cbor:"8,keyasint,omitempty"`
	Capacity int    `cbor:"9,keyasint,omitempty"`
}

// Call is the state of a call site.
type Call struct {
	Block       string `cbor:"1,keyasint"`
	Index       uint32 `cbor:"2,keyasint"`
	Kind        string `cbor:"3,keyasint"`
	Slow        string `cbor:"4,keyasint"`
	Linked      bool   `cbor:"5,keyasint"`
	ClosureStub bool   `cbor:"6,keyasint"`
}

type Block struct {
	Name          string `cbor:"1,keyasint"`
	Tier          string `cbor:"2,keyasint"`
	Invalidations uint64 `cbor:"3,keyasint"`
}

// Counters of the runtime.
type Counters struct {
	ListAdds         uint64 `cbor:"1,keyasint"`
	ProfiledBarriers uint64 `cbor:"2,keyasint"`
	SlowAllocations  uint64 `cbor:"3,keyasint"`
	LiveRoutines     int    `cbor:"4,keyasint"`
	RetiredRoutines  int    `cbor:"5,keyasint"`
	Structures       int    `cbor:"6,keyasint"`
}

type Snapshot struct {
	Blocks   []Block  `cbor:"1,keyasint"`
	Sites    []Site   `cbor:"2,keyasint"`
	Calls    []Call   `cbor:"3,keyasint"`
	Counters Counters `cbor:"4,keyasint"`
}

// Sort sites and calls by block and index.
func (s *Snapshot) Sort() {
	sort.Slice(s.Blocks, func(i, j int) bool { return s.Blocks[i].Name < s.Blocks[j].Name })
	sort.Slice(s.Sites, func(i, j int) bool {
		a, b := s.Sites[i], s.Sites[j]
		return a.Block < b.Block || (a.Block == b.Block && a.Index < b.Index)
	})
	sort.Slice(s.Calls, func(i, j int) bool {
		a, b := s.Calls[i], s.Calls[j]
		return a.Block < b.Block || (a.Block == b.Block && a.Index < b.Index)
	})
}

// Marshal the snapshot in canonical CBOR.
func (s *Snapshot) Marshal() ([]byte, error) {
	return encMode.Marshal(s)
}

func Unmarshal(data []byte) (*Snapshot, error) {
	s := new(Snapshot)
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, xerrors.Errorf("profile: %w", err)
	}
	return s, nil
}

// Fprint the snapshot as text.
func (s *Snapshot) Fprint(w io.Writer) (err error) {
	for _, b := range s.Blocks {
		if _, err = fmt.Fprintf(w, "%s (%s): %d invalidations\n", b.Name, b.Tier, b.Invalidations); err != nil {
			return
		}
	}
	for _, x := range s.Sites {
		list := ""
		if x.Capacity > 0 {
			list = fmt.Sprintf(" list %d/%d", x.Entries, x.Capacity)
		}
		if _, err = fmt.Fprintf(w, "%s site %d: %s .%s %s%s slow=%s misses=%d\n", x.Block, x.Index, x.Access, x.Name, x.State, list, x.Slow, x.Misses); err != nil {
			return
		}
	}
	for _, x := range s.Calls {
		if _, err = fmt.Fprintf(w, "%s call %d: %s slow=%s linked=%v closure=%v\n", x.Block, x.Index, x.Kind, x.Slow, x.Linked, x.ClosureStub); err != nil {
			return
		}
	}
	c := s.Counters
	_, err = fmt.Fprintf(w, "list adds %d, profiled barriers %d, slow allocations %d, routines %d live %d retired, structures %d\n",
		c.ListAdds, c.ProfiledBarriers, c.SlowAllocations, c.LiveRoutines, c.RetiredRoutines, c.Structures)
	return
}
