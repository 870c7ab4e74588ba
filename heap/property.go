// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"fmt"
)

type SlotKind int

const (
	SlotMissing = SlotKind(iota)
	SlotValue
	SlotGetter
	SlotCustom
	SlotArrayLength
)

func (k SlotKind) String() string {
	switch k {
	case SlotMissing:
		return "missing"
	case SlotValue:
		return "value"
	case SlotGetter:
		return "getter"
	case SlotCustom:
		return "custom"
	case SlotArrayLength:
		return "array-length"
	}
	return fmt.Sprintf("slot%d", int(k))
}

// Slot describes how a property lookup resolved.
type Slot struct {
	Kind       SlotKind
	Value      Value // the property value, or the getter/setter pair cell
	Holder     Addr  // object where the property was found
	Offset     Offset
	Attributes Attributes
	Custom     *CustomAccessor
}

// GetSlot performs a generic property lookup.  Getters are not invoked.
// Primitive bases have no properties.
func (h *Heap) GetSlot(base Value, name string) Slot {
	if !base.IsCell() {
		return Slot{Kind: SlotMissing, Value: Undefined, Offset: InvalidOffset}
	}
	obj := base.Cell()

	if name == "length" {
		if n, ok := h.ArrayLength(obj); ok {
			return Slot{Kind: SlotArrayLength, Value: Int32(int32(n)), Holder: obj, Offset: InvalidOffset}
		}
	}

	for holder := obj; ; {
		s := h.StructureOf(holder)
		if p, found := s.Get(name); found {
			return h.slotFor(holder, p)
		}
		proto := s.StoredPrototype()
		if !proto.IsCell() {
			return Slot{Kind: SlotMissing, Value: Undefined, Offset: InvalidOffset}
		}
		holder = proto.Cell()
	}
}

func (h *Heap) slotFor(holder Addr, p Property) Slot {
	slot := Slot{
		Holder:     holder,
		Offset:     p.Offset,
		Attributes: p.Attributes,
		Custom:     p.Custom,
	}
	switch {
	case p.Attributes&CustomAccessorAttr != 0:
		slot.Kind = SlotCustom
	case p.Attributes&Accessor != 0:
		slot.Kind = SlotGetter
		slot.Value = h.LoadProperty(holder, p.Offset)
	default:
		slot.Kind = SlotValue
		slot.Value = h.LoadProperty(holder, p.Offset)
	}
	return slot
}

type PutKind int

const (
	PutIgnored = PutKind(iota)
	PutReplace
	PutNewProperty
	PutSetter
	PutCustomSetter
	PutReadOnly
)

func (k PutKind) String() string {
	switch k {
	case PutIgnored:
		return "ignored"
	case PutReplace:
		return "replace"
	case PutNewProperty:
		return "new-property"
	case PutSetter:
		return "setter"
	case PutCustomSetter:
		return "custom-setter"
	case PutReadOnly:
		return "read-only"
	}
	return fmt.Sprintf("put%d", int(k))
}

// PutResult describes how a store resolved.  Replace and new-property stores
// have been performed; setters are left for the caller to invoke.
type PutResult struct {
	Kind         PutKind
	Holder       Addr
	Offset       Offset
	OldStructure *Structure
	NewStructure *Structure
	Accessor     Value // getter/setter pair cell
	Custom       *CustomAccessor
}

// PutSlot performs a generic property store.  A direct store defines an own
// property without consulting the prototype chain.
func (h *Heap) PutSlot(base Value, name string, v Value, direct bool) PutResult {
	if !base.IsCell() {
		return PutResult{Kind: PutIgnored, Offset: InvalidOffset}
	}
	obj := base.Cell()

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.StructureOf(obj)

	if name == "length" && s.indexing&IsArray != 0 {
		return PutResult{Kind: PutReadOnly, Holder: obj, Offset: InvalidOffset}
	}

	if p, found := s.Get(name); found {
		if r, handled := h.putExisting(obj, p); handled {
			return r
		}
		h.storeProperty(obj, p.Offset, v)
		return PutResult{Kind: PutReplace, Holder: obj, Offset: p.Offset, OldStructure: s, NewStructure: s}
	}

	if !direct {
		for _, link := range h.PrototypeChain(s) {
			if p, found := link.Structure.Get(name); found {
				if r, handled := h.putExisting(link.Object, p); handled {
					return r
				}
				break // shadowed by a new own property
			}
		}
	}

	to, off := h.addProperty(obj, s, name, 0, nil, v)
	return PutResult{Kind: PutNewProperty, Holder: obj, Offset: off, OldStructure: s, NewStructure: to}
}

func (h *Heap) putExisting(holder Addr, p Property) (r PutResult, handled bool) {
	r = PutResult{Holder: holder, Offset: p.Offset, Custom: p.Custom}
	switch {
	case p.Attributes&CustomAccessorAttr != 0:
		r.Kind = PutCustomSetter
	case p.Attributes&Accessor != 0:
		r.Kind = PutSetter
		r.Accessor = h.LoadProperty(holder, p.Offset)
	case p.Attributes&ReadOnly != 0:
		r.Kind = PutReadOnly
	default:
		return
	}
	handled = true
	return
}

// addProperty is called with h.mu held.
func (h *Heap) addProperty(obj Addr, s *Structure, name string, attrs Attributes, custom *CustomAccessor, v Value) (*Structure, Offset) {
	if !s.IsDictionary() && s.NumProperties() >= MaxPropertiesBeforeDictionary {
		s = h.toDictionary(obj, s, "")
	}

	if s.IsDictionary() {
		oldCap := s.OutOfLineCapacity()
		s.mu.Lock()
		off := s.appendProperty(name, attrs, custom)
		newCap := s.outOfLineCap
		s.mu.Unlock()

		if newCap != oldCap {
			h.Mem.Store(obj+ButterflyOffset, uint64(h.reallocateButterfly(obj, oldCap, newCap)))
		}
		if off != InvalidOffset {
			h.storeProperty(obj, off, v)
		}
		return s, off
	}

	to := h.transition(s, name, attrs, custom)
	off := to.lastOffset()
	h.applyTransition(obj, s, to, off, v)
	return to, off
}

// transition finds or creates the structure reached by adding a property.
func (h *Heap) transition(s *Structure, name string, attrs Attributes, custom *CustomAccessor) *Structure {
	key := transitionKey{name, attrs, custom}

	s.mu.Lock()
	defer s.mu.Unlock()

	if to := s.transitions[key]; to != nil {
		return to
	}

	to := &Structure{
		cellType:         s.cellType,
		indexing:         s.indexing,
		prototype:        s.prototype,
		previous:         s,
		props:            append([]Property(nil), s.props...),
		nextOffset:       s.nextOffset,
		outOfLineCap:     s.outOfLineCap,
		prohibitsCaching: s.prohibitsCaching,
		transitions:      make(map[transitionKey]*Structure),
	}
	to.appendProperty(name, attrs, custom)
	h.structures.register(to)
	s.transitions[key] = to
	return to
}

// appendProperty is called with s.mu held.
func (s *Structure) appendProperty(name string, attrs Attributes, custom *CustomAccessor) Offset {
	off := InvalidOffset
	if attrs&CustomAccessorAttr == 0 {
		off = s.nextOffset
		s.nextOffset++
		if n := outOfLineSize(s.nextOffset); n > s.outOfLineCap {
			s.outOfLineCap = nextCapacity(s.outOfLineCap, n)
			if s.outOfLineCap > maxOutOfLineCapacity {
				panic(fmt.Sprintf("%d out-of-line properties", n))
			}
		}
	}
	s.props = append(s.props, Property{Name: name, Offset: off, Attributes: attrs, Custom: custom})
	return off
}

func (s *Structure) lastOffset() Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props[len(s.props)-1].Offset
}

func (s *Structure) lastProperty() Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props[len(s.props)-1]
}

// applyTransition moves an object from one structure to a successor which
// has one more property.  The storage and the value are in place before the
// structure ID is published.  Called with h.mu held.
func (h *Heap) applyTransition(obj Addr, from, to *Structure, off Offset, v Value) {
	if oldCap, newCap := from.OutOfLineCapacity(), to.OutOfLineCapacity(); newCap != oldCap {
		h.Mem.Store(obj+ButterflyOffset, uint64(h.reallocateButterfly(obj, oldCap, newCap)))
	}
	if off != InvalidOffset {
		h.storeProperty(obj, off, v)
	}
	from.watchpoints.Fire(fmt.Sprintf("transition from structure %d", from.id))
	h.Mem.Store32(obj+StructureIDOffset, uint32(to.id))
}

// toDictionary gives the object a unique dictionary structure, optionally
// without one property.  Called with h.mu held.
func (h *Heap) toDictionary(obj Addr, s *Structure, without string) *Structure {
	s.mu.RLock()
	d := &Structure{
		cellType:     s.cellType,
		indexing:     s.indexing,
		prototype:    s.prototype,
		previous:     s,
		nextOffset:   s.nextOffset,
		outOfLineCap: s.outOfLineCap,
		dictionary:   true,
		transitions:  make(map[transitionKey]*Structure),

		prohibitsCaching: s.prohibitsCaching,
	}
	for _, p := range s.props {
		if p.Name != without {
			d.props = append(d.props, p)
		}
	}
	s.mu.RUnlock()

	h.structures.register(d)
	s.watchpoints.Fire(fmt.Sprintf("structure %d became dictionary %d", s.id, d.id))
	h.Mem.Store32(obj+StructureIDOffset, uint32(d.id))
	return d
}

// DeleteProperty removes an own property.  The object's structure becomes a
// dictionary.
func (h *Heap) DeleteProperty(obj Addr, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteProperty(obj, name)
}

func (h *Heap) deleteProperty(obj Addr, name string) bool {
	s := h.StructureOf(obj)
	p, found := s.Get(name)
	if !found {
		return false
	}

	if s.IsDictionary() {
		s.mu.Lock()
		props := s.props[:0]
		for _, x := range s.props {
			if x.Name != name {
				props = append(props, x)
			}
		}
		s.props = props
		s.mu.Unlock()
	} else {
		h.toDictionary(obj, s, name)
	}

	if p.Offset != InvalidOffset {
		if p.Offset.IsInline() {
			h.Mem.StoreValue(obj+Addr(p.Offset.Displacement()), Empty)
		} else {
			h.Mem.StoreValue(h.Butterfly(obj)+Addr(p.Offset.Displacement()), Empty)
		}
	}
	return true
}

func (h *Heap) define(obj Addr, name string, attrs Attributes, custom *CustomAccessor, v Value) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deleteProperty(obj, name)
	h.addProperty(obj, h.StructureOf(obj), name, attrs, custom, v)
}

// DefineAccessor defines a getter/setter property.  Either function may be
// undefined.
func (h *Heap) DefineAccessor(obj Addr, name string, getter, setter Value) {
	pair := h.NewGetterSetter(getter, setter)
	h.define(obj, name, Accessor, nil, Cell(pair))
}

// DefineCustomAccessor defines a property implemented by native functions.
func (h *Heap) DefineCustomAccessor(obj Addr, name string, custom *CustomAccessor) {
	h.define(obj, name, CustomAccessorAttr, custom, Empty)
}

// DefineReadOnly defines a non-writable data property.
func (h *Heap) DefineReadOnly(obj Addr, name string, v Value) {
	h.define(obj, name, ReadOnly, nil, v)
}

// FinishTransition completes a cached transition whose generated fast path
// could not allocate storage.  If the object no longer has the structure the
// transition starts from, a generic store is performed instead, and its
// result is returned with done unset; setters are left for the caller.
func (h *Heap) FinishTransition(obj Addr, to *Structure, v Value, direct bool) (r PutResult, done bool) {
	h.mu.Lock()

	from := h.StructureOf(obj)
	if from != to.Previous() || to.IsDictionary() {
		h.mu.Unlock()
		r = h.PutSlot(Cell(obj), to.lastProperty().Name, v, direct)
		return
	}
	defer h.mu.Unlock()

	off := to.lastOffset()
	h.applyTransition(obj, from, to, off, v)
	r = PutResult{Kind: PutNewProperty, Holder: obj, Offset: off, OldStructure: from, NewStructure: to}
	done = true
	return
}
