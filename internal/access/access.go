// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package access classifies property accesses which missed an inline cache.
//
// The Builder decides whether and how a site should cache an access; it
// never touches code.  Decisions depend only on the heap and on the tier
// conventions of the site, so the same logic serves every tier.
package access

import (
	"fmt"

	"gate.computer/jsic/heap"
	"gate.computer/jsic/internal/polylist"
	"gate.computer/jsic/jit"
	"github.com/tliron/commonlog"
)

type Kind int

const (
	GetSelf = Kind(iota)
	GetChain
	GetGetter
	GetCustom
	GetArrayLength
	Replace
	Transition
	Setter
	CustomSetter
)

var kindNames = []string{
	GetSelf:        "get-self",
	GetChain:       "get-chain",
	GetGetter:      "getter",
	GetCustom:      "custom-getter",
	GetArrayLength: "array-length",
	Replace:        "replace",
	Transition:     "transition",
	Setter:         "setter",
	CustomSetter:   "custom-setter",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind%d", int(k))
}

// IsCall reports whether the access calls out of the stub.
func (k Kind) IsCall() bool {
	switch k {
	case GetGetter, GetCustom, Setter, CustomSetter:
		return true
	}
	return false
}

type Decision int

const (
	Decline     = Decision(iota)
	CacheInline // patch the site's own structure check and access
	CacheStub   // one stub for the site
	BuildList   // add to a polymorphic list, or relink the site to do so
)

func (d Decision) String() string {
	switch d {
	case Decline:
		return "decline"
	case CacheInline:
		return "inline"
	case CacheStub:
		return "stub"
	case BuildList:
		return "list"
	}
	return fmt.Sprintf("decision%d", int(d))
}

// Guard of a prototype chain link.
type Guard int

const (
	GuardCheck      = Guard(iota) // structure identity check in the stub
	GuardWatchpoint               // transition watchpoint on the structure
)

func (g Guard) String() string {
	if g == GuardWatchpoint {
		return "watchpoint"
	}
	return "check"
}

// Link of a prototype chain snapshot.
type Link struct {
	Object    heap.Addr
	Structure *heap.Structure
	Guard     Guard
}

// Descriptor of a cacheable access.  Structures are referenced by the
// descriptor and by the stub emitted for it.
type Descriptor struct {
	Kind         Kind
	Structure    *heap.Structure // base structure (the old one for transitions)
	NewStructure *heap.Structure // transitions only
	Chain        []Link          // links up to and including the holder

	Holder heap.Addr // object where the property lives; zero for the base
	Offset heap.Offset
	Custom *heap.CustomAccessor
	Direct bool

	Reallocate  bool
	OldCapacity int
	NewCapacity int
}

// Registers needed by a transition stub, in addition to the site's base and
// value registers.
const (
	TransitionRegisters             = 1
	ReallocatingTransitionRegisters = 3
)

func (d *Descriptor) String() string {
	s := fmt.Sprintf("%s on structure %d", d.Kind, d.Structure.ID())
	if d.NewStructure != nil {
		s += fmt.Sprintf(" -> %d", d.NewStructure.ID())
	}
	if len(d.Chain) > 0 {
		s += fmt.Sprintf(" through %d prototypes", len(d.Chain))
	}
	if d.Offset != heap.InvalidOffset {
		s += fmt.Sprintf(" offset %d", d.Offset)
	}
	if d.Reallocate {
		s += fmt.Sprintf(" (capacity %d -> %d)", d.OldCapacity, d.NewCapacity)
	}
	return s
}

// Builder makes caching decisions.  It is safe for concurrent use.
type Builder struct {
	Heap *heap.Heap
	Log  commonlog.Logger
}

func (b *Builder) decline(site *jit.StubInfo, format string, args ...any) (Decision, *Descriptor) {
	if b.Log != nil && b.Log.AllowLevel(commonlog.Debug) {
		b.Log.Debugf("%s: not cached: %s", site, fmt.Sprintf(format, args...))
	}
	return Decline, nil
}

func cacheable(s *heap.Structure) bool {
	return s != nil && !s.IsDictionary() && !s.ProhibitsCaching()
}

// interfering attributes make a store to an inherited property something
// other than a new own property.
const interfering = heap.ReadOnly | heap.Accessor | heap.CustomAccessorAttr

// chain snapshots the prototype chain from a structure up to the holder.
// Without a holder, the whole chain is captured.
//
// The generic access ran before the code block was locked, so the snapshot
// may see structures which have changed since.  It is accepted only if it
// resolves the name the same way: the property is absent before the holder,
// and the holder's property satisfies match.  Without a holder, no link may
// turn a store into something other than a new own property.
func (b *Builder) chain(site *jit.StubInfo, s *heap.Structure, name string, holder heap.Addr, match func(heap.Property) bool) ([]Link, string) {
	if holder != 0 {
		if _, found := s.Get(name); found {
			return nil, "property shadowed by the base"
		}
	}

	var links []Link
	resolved := false
	for _, l := range b.Heap.PrototypeChain(s) {
		if !cacheable(l.Structure) {
			return nil, "uncacheable prototype chain"
		}

		p, found := l.Structure.Get(name)
		switch {
		case resolved || !found:
		case l.Object == holder:
			if !match(p) {
				return nil, "holder changed"
			}
		case holder != 0:
			return nil, "property shadowed in the prototype chain"
		case p.Attributes&interfering != 0:
			return nil, "prototype chain intercepts the store"
		default:
			resolved = true // Data property, shadowed by the store.
		}
		if l.Object == holder && !found {
			return nil, "holder changed"
		}

		guard := GuardCheck
		if site.CodeBlock.Tier.TransitionWatchpoints && l.Structure.IsTransitionWatchSetStillValid() {
			guard = GuardWatchpoint
		}
		links = append(links, Link{l.Object, l.Structure, guard})
		if l.Object == holder {
			return links, ""
		}
	}
	if holder != 0 {
		return nil, "holder left the prototype chain"
	}
	return links, ""
}

// sameSlot matches a property which still resolves to a slot.
func sameSlot(slot heap.Slot) func(heap.Property) bool {
	return func(p heap.Property) bool {
		return p.Offset == slot.Offset && p.Attributes == slot.Attributes
	}
}

// setterAt matches an accessor property at a put result's offset.
func setterAt(r heap.PutResult) func(heap.Property) bool {
	return func(p heap.Property) bool {
		return p.Offset == r.Offset && p.Attributes&(heap.Accessor|heap.CustomAccessorAttr) != 0
	}
}

// ForGet classifies a property read.  The slot is the result of the generic
// lookup which the slow path performed.  A site building a list gets stubs
// only.
func (b *Builder) ForGet(site *jit.StubInfo, base heap.Value, slot heap.Slot, list bool) (Decision, *Descriptor) {
	if !base.IsCell() {
		return b.decline(site, "primitive base %s", base)
	}
	obj := base.Cell()
	s := b.Heap.StructureOf(obj)

	if slot.Kind == heap.SlotArrayLength {
		if s.Indexing()&(heap.IsArray|heap.HasArrayStorage) != heap.IsArray|heap.HasArrayStorage {
			return b.decline(site, "array without dense storage")
		}
		return CacheStub, &Descriptor{Kind: GetArrayLength, Structure: s, Offset: heap.InvalidOffset}
	}

	if !cacheable(s) {
		return b.decline(site, "uncacheable %s", s)
	}

	switch slot.Kind {
	case heap.SlotMissing:
		return b.decline(site, "property not found")

	case heap.SlotGetter, heap.SlotCustom:
		if !site.Patch.RegistersFlushed {
			return b.decline(site, "%s access without flushed registers", slot.Kind)
		}
	}

	d := &Descriptor{
		Structure: s,
		Offset:    slot.Offset,
		Custom:    slot.Custom,
	}

	if slot.Holder != obj {
		chain, reason := b.chain(site, s, site.Name, slot.Holder, sameSlot(slot))
		if reason != "" {
			return b.decline(site, "%s", reason)
		}
		d.Chain = chain
		d.Holder = slot.Holder
	} else if p, found := s.Get(site.Name); !found || !sameSlot(slot)(p) {
		return b.decline(site, "%s changed", s)
	}

	switch slot.Kind {
	case heap.SlotGetter:
		d.Kind = GetGetter
		return CacheStub, d

	case heap.SlotCustom:
		d.Kind = GetCustom
		return CacheStub, d
	}

	if d.Holder != 0 {
		d.Kind = GetChain
		return CacheStub, d
	}

	d.Kind = GetSelf
	return b.selfDecision(site, d, list), d
}

// selfDecision for accesses which the site could do itself.
func (b *Builder) selfDecision(site *jit.StubInfo, d *Descriptor, list bool) Decision {
	switch {
	case list:
		return CacheStub
	case !site.Patch.HasInlineAccess():
		return CacheStub
	case !site.CodeBlock.Tier.IsCompact(d.Offset.Displacement()):
		return BuildList
	default:
		return CacheInline
	}
}

// ForPut classifies a property write which the slow path has performed (or,
// for setters, is about to perform).  Transitions are cached only as stubs.
func (b *Builder) ForPut(site *jit.StubInfo, base heap.Value, r heap.PutResult, list bool) (Decision, *Descriptor) {
	if !base.IsCell() {
		return b.decline(site, "primitive base %s", base)
	}
	obj := base.Cell()
	direct := site.Access == polylist.PutDirect

	switch r.Kind {
	case heap.PutIgnored, heap.PutReadOnly:
		return b.decline(site, "%s store", r.Kind)

	case heap.PutReplace:
		s := b.Heap.StructureOf(obj)
		if s != r.NewStructure || !cacheable(s) {
			return b.decline(site, "uncacheable %s", s)
		}
		d := &Descriptor{Kind: Replace, Structure: s, Offset: r.Offset, Direct: direct}
		return b.selfDecision(site, d, list), d

	case heap.PutNewProperty:
		return b.forTransition(site, obj, r, direct)

	case heap.PutSetter, heap.PutCustomSetter:
		if !site.Patch.RegistersFlushed {
			return b.decline(site, "%s without flushed registers", r.Kind)
		}
		s := b.Heap.StructureOf(obj)
		if !cacheable(s) {
			return b.decline(site, "uncacheable %s", s)
		}
		d := &Descriptor{
			Kind:      Setter,
			Structure: s,
			Offset:    r.Offset,
			Custom:    r.Custom,
			Direct:    direct,
		}
		if r.Kind == heap.PutCustomSetter {
			d.Kind = CustomSetter
		}
		if r.Holder != obj {
			chain, reason := b.chain(site, s, site.Name, r.Holder, setterAt(r))
			if reason != "" {
				return b.decline(site, "%s", reason)
			}
			d.Chain = chain
			d.Holder = r.Holder
		} else if p, found := s.Get(site.Name); !found || !setterAt(r)(p) {
			return b.decline(site, "%s changed", s)
		}
		return CacheStub, d
	}

	panic(fmt.Sprintf("unknown put kind: %s", r.Kind))
}

func (b *Builder) forTransition(site *jit.StubInfo, obj heap.Addr, r heap.PutResult, direct bool) (Decision, *Descriptor) {
	from, to := r.OldStructure, r.NewStructure

	switch {
	case from == nil || to == nil || from == to:
		return b.decline(site, "no transition")

	case from.IsDictionary() || to.IsDictionary():
		return b.decline(site, "dictionary transition")

	case from.ProhibitsCaching():
		return b.decline(site, "uncacheable %s", from)

	case to.Previous() != from:
		return b.decline(site, "transition skips structures")

	case from.IsTransitionWatchSetStillValid():
		// Cached transitions don't fire watchpoints.
		return b.decline(site, "%s is being watched", from)

	case from.Indexing()&heap.HasArrayStorage != 0:
		return b.decline(site, "indexing header")

	case r.Offset == heap.InvalidOffset:
		return b.decline(site, "no storage")
	}

	d := &Descriptor{
		Kind:         Transition,
		Structure:    from,
		NewStructure: to,
		Offset:       r.Offset,
		Direct:       direct,
		OldCapacity:  from.OutOfLineCapacity(),
		NewCapacity:  to.OutOfLineCapacity(),
	}
	d.Reallocate = d.NewCapacity != d.OldCapacity

	need := TransitionRegisters
	if d.Reallocate {
		need = ReallocatingTransitionRegisters
	}
	if avail := availableRegisters(site); avail < need {
		return b.decline(site, "%d scratch registers needed, %d available", need, avail)
	}

	if !direct {
		chain, reason := b.chain(site, from, site.Name, 0, nil)
		if reason != "" {
			return b.decline(site, "%s", reason)
		}
		d.Chain = chain
	}

	return CacheStub, d
}

// availableRegisters which a stub can use without saving them.
func availableRegisters(site *jit.StubInfo) int {
	p := &site.Patch
	l := site.CodeBlock.Tier.Layout
	locked := p.Base().Set().Union(p.Value().Set()).With(l.Frame)
	return l.Allocatable.Difference(locked).Difference(p.Used).Count()
}
