// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package polylist implements polymorphic cache lists.
//
// A list is an append-only sequence of stubs for one site.  Each new stub
// falls through to the previous newest entry when its guard fails, so the
// most recently cached shape is checked first.  A full list is frozen until
// the site is reset.
package polylist

import (
	"fmt"

	"gate.computer/jsic/executable"
	"gate.computer/jsic/heap"
)

type Kind int

const (
	Get = Kind(iota)
	Put
	PutDirect
)

func (k Kind) String() string {
	switch k {
	case Get:
		return "get"
	case Put:
		return "put"
	case PutDirect:
		return "put-direct"
	}
	return fmt.Sprintf("kind%d", int(k))
}

func (k Kind) IsGet() bool { return k == Get }

const DefaultCapacity = 8

// Entry of a list.  The first entry of a list seeded from an inline cache
// has no stub; its target is the site's own slow case, reached after the
// inline structure check has failed.
type Entry struct {
	Structure    *heap.Structure // guarded structure (old one for transitions)
	NewStructure *heap.Structure // transitions only
	Stub         *executable.Routine
	Target       uintptr
}

// Site which can carry a list.
type Site interface {
	CacheList() *List
	SetCacheList(*List)

	// InlineStructure cached in the site's own code, or nil.
	InlineStructure() *heap.Structure

	// TakeStub transfers ownership of the site's monomorphic stub, if any.
	TakeStub() (stub *executable.Routine, guarded, transitioned *heap.Structure)

	SlowCaseAddr() uintptr
}

type List struct {
	Kind     Kind
	capacity int
	entries  []Entry
	onAdd    func(*List, Entry)
}

// Policy creates lists.
type Policy struct {
	Capacity int

	// OnAdd is called after an entry has been added.
	OnAdd func(*List, Entry)
}

// ObtainOrCreate returns the site's list, or creates one seeded with the
// site's current monomorphic cache.  The site must be locked by the caller.
func (p *Policy) ObtainOrCreate(kind Kind, site Site) *List {
	if l := site.CacheList(); l != nil {
		if l.Kind != kind {
			panic(fmt.Sprintf("%s list requested for site with %s list", kind, l.Kind))
		}
		return l
	}

	capacity := p.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	l := &List{
		Kind:     kind,
		capacity: capacity,
		onAdd:    p.OnAdd,
	}

	if s := site.InlineStructure(); s != nil {
		l.entries = append(l.entries, Entry{
			Structure: s,
			Target:    site.SlowCaseAddr(),
		})
	} else if stub, s, to := site.TakeStub(); stub != nil {
		l.entries = append(l.entries, Entry{
			Structure:    s,
			NewStructure: to,
			Stub:         stub,
			Target:       stub.Base,
		})
	}

	site.SetCacheList(l)
	return l
}

// Add an entry.  False is returned if the list is full, in which case the
// caller keeps ownership of the stub.
func (l *List) Add(e Entry) bool {
	if l.IsFull() {
		return false
	}
	l.entries = append(l.entries, e)
	if l.onAdd != nil {
		l.onAdd(l, e)
	}
	return true
}

func (l *List) Len() int      { return len(l.entries) }
func (l *List) Capacity() int { return l.capacity }
func (l *List) IsFull() bool  { return len(l.entries) >= l.capacity }

// IsAlmostFull is true if one more entry would fill the list.
func (l *List) IsAlmostFull() bool { return len(l.entries)+1 >= l.capacity }

// Entries in insertion order.
func (l *List) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// CurrentSlowPathTarget is where a new entry's stub should go when its guard
// fails: the newest entry, or the site's slow case for an empty list.
func (l *List) CurrentSlowPathTarget(site Site) uintptr {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Target
	}
	return site.SlowCaseAddr()
}

// Release the stubs.  The list must not be used afterwards.
func (l *List) Release() {
	for _, e := range l.entries {
		if e.Stub != nil {
			e.Stub.Release()
		}
	}
	l.entries = nil
}

func (l *List) String() string {
	return fmt.Sprintf("%s list %d/%d", l.Kind, len(l.entries), l.capacity)
}
