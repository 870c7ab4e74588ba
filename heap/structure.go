// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
	"sync"
)

// StructureID zero is never assigned, so it never matches a live object.
type StructureID uint32

type CellType uint8

const (
	ObjectCell = CellType(iota)
	ArrayCell
	FunctionCell
	GetterSetterCell
)

type IndexingType uint8

const (
	IsArray IndexingType = 1 << iota
	HasArrayStorage
)

type Attributes uint8

const (
	ReadOnly Attributes = 1 << iota
	Accessor
	CustomAccessorAttr
	DontEnum
)

// CustomAccessor holds native function entry points (host thunk addresses)
// for a property implemented by the embedder.
type CustomAccessor struct {
	Name   string
	Getter uintptr
	Setter uintptr
}

// Offset is a property storage index.  Offsets below InlineCapacity are
// inline slots; the rest are out-of-line slots in the butterfly.
type Offset int

const InvalidOffset = Offset(-1)

// IsInline reports whether the property lives inside the object cell.
func (off Offset) IsInline() bool { return off < InlineCapacity }

// Displacement of the slot from the object (inline) or from the butterfly
// pointer (out-of-line).
func (off Offset) Displacement() int32 {
	if off.IsInline() {
		return InlineStorageOffset + int32(off)*8
	}
	return -16 - int32(off-InlineCapacity)*8
}

type Property struct {
	Name       string
	Offset     Offset
	Attributes Attributes
	Custom     *CustomAccessor
}

type transitionKey struct {
	name   string
	attrs  Attributes
	custom *CustomAccessor
}

const (
	MaxPropertiesBeforeDictionary = 64
	maxOutOfLineCapacity          = 1 << 16
)

// Structure describes the layout of objects sharing a shape.  Non-dictionary
// structures are immutable apart from their transition table and watchpoint
// set.
type Structure struct {
	id        StructureID
	cellType  CellType
	indexing  IndexingType
	prototype Value
	previous  *Structure

	mu               sync.RWMutex
	props            []Property
	nextOffset       Offset
	outOfLineCap     int
	dictionary       bool
	prohibitsCaching bool
	transitions      map[transitionKey]*Structure

	watchpoints WatchpointSet
}

func (s *Structure) ID() StructureID             { return s.id }
func (s *Structure) CellType() CellType          { return s.cellType }
func (s *Structure) Indexing() IndexingType      { return s.indexing }
func (s *Structure) StoredPrototype() Value      { return s.prototype }
func (s *Structure) Previous() *Structure        { return s.previous }
func (s *Structure) ProhibitsCaching() bool      { return s.prohibitsCaching }
func (s *Structure) Watchpoints() *WatchpointSet { return &s.watchpoints }

func (s *Structure) IsDictionary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dictionary
}

func (s *Structure) OutOfLineCapacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outOfLineCap
}

// OutOfLineSize is the number of out-of-line slots in use.
func (s *Structure) OutOfLineSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return outOfLineSize(s.nextOffset)
}

func (s *Structure) Get(name string) (Property, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(name)
}

func (s *Structure) get(name string) (Property, bool) {
	for i := len(s.props) - 1; i >= 0; i-- {
		if s.props[i].Name == name {
			return s.props[i], true
		}
	}
	return Property{}, false
}

func (s *Structure) Properties() []Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Property(nil), s.props...)
}

func (s *Structure) NumProperties() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.props)
}

// AddTransitionWatchpoint registers w to be fired when an object leaves the
// structure.  False is returned if that has already happened.
func (s *Structure) AddTransitionWatchpoint(w Watchpoint) bool {
	return s.watchpoints.Add(w)
}

func (s *Structure) IsTransitionWatchSetStillValid() bool {
	return s.watchpoints.IsStillValid()
}

func (s *Structure) String() string {
	kind := ""
	if s.IsDictionary() {
		kind = " dictionary"
	}
	return fmt.Sprintf("structure %d%s (%d properties)", s.id, kind, s.NumProperties())
}

func outOfLineSize(next Offset) int {
	if next <= InlineCapacity {
		return 0
	}
	return int(next - InlineCapacity)
}

func nextCapacity(cap, needed int) int {
	if needed <= cap {
		return cap
	}
	if cap == 0 {
		cap = 4
	}
	for cap < needed {
		cap *= 2
	}
	return cap
}

// registry assigns structure IDs.  IDs are never reused.
type registry struct {
	mu   sync.RWMutex
	list []*Structure
}

func (r *registry) register(s *Structure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.list) == 0 {
		r.list = append(r.list, nil) // reserve zero
	}
	s.id = StructureID(len(r.list))
	r.list = append(r.list, s)
}

func (r *registry) lookup(id StructureID) *Structure {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == 0 || int(id) >= len(r.list) {
		return nil
	}
	return r.list[id]
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}
