// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap implements object shapes and storage for the inline caches:
// structures with transitions and watchpoints, object memory, the write
// barrier, the copied-space allocator and generic property access.
package heap

import (
	"sync"

	"gate.computer/jsic/errors"
	"gate.computer/jsic/internal/pan"
)

// Fixed addresses of VM state which generated code accesses directly.
const (
	ExceptionAddr  = Addr(8)  // pending exception value, or empty
	CopiedFreeAddr = Addr(16) // u64
	CopiedEndAddr  = Addr(24) // u64
	firstCellAddr  = Addr(64)
)

// Object cell layout.
const (
	StructureIDOffset   = 0  // u32
	HeaderOffset        = 4  // u32: indexing type | cell state<<8 | cell type<<16
	ButterflyOffset     = 8  // u64
	InlineStorageOffset = 16 //
	InlineCapacity      = 6
	ObjectSize          = InlineStorageOffset + InlineCapacity*8
)

// Butterfly layout relative to the butterfly pointer.
const (
	PublicLengthOffset = -8 // u32
	VectorLengthOffset = -4 // u32
)

// Function and getter/setter cells keep their internal fields in the first
// inline slots.
const (
	FunctionExecutableOffset = InlineStorageOffset     // executable ID payload
	FunctionScopeOffset      = InlineStorageOffset + 8 // value
	GetterOffset             = InlineStorageOffset
	SetterOffset             = InlineStorageOffset + 8
)

type Config struct {
	Size            int // total bytes
	CopiedBlockSize int
}

const (
	DefaultSize            = 4 << 20
	DefaultCopiedBlockSize = 4096
)

type Heap struct {
	Mem *Memory

	mu       sync.Mutex // allocation and transitions
	cells    []Addr
	cellNext Addr
	cellEnd  Addr
	copied   copiedSpace

	structures registry

	emptyStructures map[Value]*Structure
	arrayStructures map[Value]*Structure
	functionStruct  *Structure
	accessorStruct  *Structure

	barrier barrierState
}

func New(config Config) *Heap {
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	if config.CopiedBlockSize <= 0 {
		config.CopiedBlockSize = DefaultCopiedBlockSize
	}

	size := (config.Size + 7) &^ 7
	copiedStart := Addr(size / 2)

	h := &Heap{
		Mem:             newMemory(size),
		cellNext:        firstCellAddr,
		cellEnd:         copiedStart,
		emptyStructures: make(map[Value]*Structure),
		arrayStructures: make(map[Value]*Structure),
	}
	h.copied.init(h.Mem, copiedStart, Addr(size), uint32(config.CopiedBlockSize))

	h.functionStruct = h.newRootStructure(FunctionCell, 0, Null)
	h.functionStruct.appendHidden("@executable", "@scope")
	h.accessorStruct = h.newRootStructure(GetterSetterCell, 0, Null)
	h.accessorStruct.appendHidden("@getter", "@setter")
	return h
}

func (h *Heap) newRootStructure(cellType CellType, indexing IndexingType, proto Value) *Structure {
	s := &Structure{
		cellType:    cellType,
		indexing:    indexing,
		prototype:   proto,
		transitions: make(map[transitionKey]*Structure),
	}
	h.structures.register(s)
	return s
}

func (s *Structure) appendHidden(names ...string) {
	for _, name := range names {
		s.props = append(s.props, Property{Name: name, Offset: s.nextOffset, Attributes: DontEnum | ReadOnly})
		s.nextOffset++
	}
}

// StructureByID returns nil for unknown IDs.
func (h *Heap) StructureByID(id StructureID) *Structure {
	return h.structures.lookup(id)
}

func (h *Heap) NumStructures() int {
	return h.structures.count() - 1
}

// StructureOf a cell.
func (h *Heap) StructureOf(cell Addr) *Structure {
	return h.structures.lookup(StructureID(h.Mem.Load32(cell + StructureIDOffset)))
}

// StructureOfValue returns nil for non-cells.
func (h *Heap) StructureOfValue(v Value) *Structure {
	if !v.IsCell() {
		return nil
	}
	return h.StructureOf(v.Cell())
}

// ChainLink is a prototype object and the structure it had when the chain
// was walked.
type ChainLink struct {
	Object    Addr
	Structure *Structure
}

// PrototypeChain of objects having the structure.  The walk ends at the first
// non-cell prototype.
func (h *Heap) PrototypeChain(s *Structure) (chain []ChainLink) {
	for proto := s.StoredPrototype(); proto.IsCell(); {
		obj := proto.Cell()
		ps := h.StructureOf(obj)
		if ps == nil {
			break
		}
		chain = append(chain, ChainLink{obj, ps})
		proto = ps.StoredPrototype()
	}
	return
}

type resourceError string

func (e resourceError) Error() string       { return string(e) }
func (e resourceError) PublicError() string { return string(e) }
func (e resourceError) ResourceLimit()      {}

var _ errors.ResourceLimit = resourceError("")

func (h *Heap) allocateCell(s *Structure) Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := h.cellNext
	if addr+ObjectSize > h.cellEnd {
		pan.Panic(resourceError("cell space exhausted"))
	}
	h.cellNext += ObjectSize
	h.cells = append(h.cells, addr)

	header := uint32(s.indexing) | uint32(CellNew)<<8 | uint32(s.cellType)<<16
	h.Mem.Store(addr, uint64(s.id)|uint64(header)<<32)
	return addr
}

// EmptyStructure for plain objects with the given prototype.
func (h *Heap) EmptyStructure(proto Value) *Structure {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.emptyStructures[proto]
	if s == nil {
		s = h.newRootStructure(ObjectCell, 0, proto)
		h.emptyStructures[proto] = s
	}
	return s
}

// NewObject with no properties.
func (h *Heap) NewObject(proto Value) Addr {
	return h.allocateCell(h.EmptyStructure(proto))
}

// NewUncacheableObject has a structure which prohibits property caching, as
// is the case for objects with impure property lookup.
func (h *Heap) NewUncacheableObject(proto Value) Addr {
	h.mu.Lock()
	s := h.newRootStructure(ObjectCell, 0, proto)
	s.prohibitsCaching = true
	h.mu.Unlock()

	return h.allocateCell(s)
}

// NewArray with dense element storage.
func (h *Heap) NewArray(proto Value, elems []Value) Addr {
	h.mu.Lock()
	s := h.arrayStructures[proto]
	if s == nil {
		s = h.newRootStructure(ArrayCell, IsArray|HasArrayStorage, proto)
		h.arrayStructures[proto] = s
	}
	h.mu.Unlock()

	obj := h.allocateCell(s)
	butterfly := h.allocateButterfly(0, uint32(len(elems)))
	h.Mem.Store32(butterfly+PublicLengthOffset, uint32(len(elems)))
	for i, v := range elems {
		h.Mem.StoreValue(butterfly+Addr(i*8), v)
	}
	h.Mem.Store(obj+ButterflyOffset, uint64(butterfly))
	return obj
}

// ArrayLength returns false for non-arrays.
func (h *Heap) ArrayLength(obj Addr) (uint32, bool) {
	s := h.StructureOf(obj)
	if s == nil || s.indexing&IsArray == 0 {
		return 0, false
	}
	butterfly := Addr(h.Mem.Load(obj + ButterflyOffset))
	return h.Mem.Load32(butterfly + PublicLengthOffset), true
}

// NewFunction binds an executable to a scope.
func (h *Heap) NewFunction(executable uint32, scope Value) Addr {
	obj := h.allocateCell(h.functionStruct)
	h.Mem.StoreValue(obj+FunctionExecutableOffset, Int32(int32(executable)))
	h.Mem.StoreValue(obj+FunctionScopeOffset, scope)
	return obj
}

func (h *Heap) FunctionStructure() *Structure { return h.functionStruct }

// Function returns the executable ID and scope of a function cell.
func (h *Heap) Function(v Value) (executable uint32, scope Value, ok bool) {
	if !v.IsCell() || h.StructureOf(v.Cell()).CellType() != FunctionCell {
		return
	}
	obj := v.Cell()
	executable = h.Mem.LoadValue(obj + FunctionExecutableOffset).Payload()
	scope = h.Mem.LoadValue(obj + FunctionScopeOffset)
	ok = true
	return
}

// NewGetterSetter creates an accessor pair cell.
func (h *Heap) NewGetterSetter(getter, setter Value) Addr {
	obj := h.allocateCell(h.accessorStruct)
	h.Mem.StoreValue(obj+GetterOffset, getter)
	h.Mem.StoreValue(obj+SetterOffset, setter)
	return obj
}

func (h *Heap) Getter(pair Addr) Value { return h.Mem.LoadValue(pair + GetterOffset) }
func (h *Heap) Setter(pair Addr) Value { return h.Mem.LoadValue(pair + SetterOffset) }

// Butterfly of an object, or null.
func (h *Heap) Butterfly(obj Addr) Addr {
	return Addr(h.Mem.Load(obj + ButterflyOffset))
}

// LoadProperty reads a slot of an object.
func (h *Heap) LoadProperty(obj Addr, off Offset) Value {
	if off.IsInline() {
		return h.Mem.LoadValue(obj + Addr(off.Displacement()))
	}
	return h.Mem.LoadValue(h.Butterfly(obj) + Addr(off.Displacement()))
}

func (h *Heap) storeProperty(obj Addr, off Offset, v Value) {
	if off.IsInline() {
		h.Mem.StoreValue(obj+Addr(off.Displacement()), v)
	} else {
		h.Mem.StoreValue(h.Butterfly(obj)+Addr(off.Displacement()), v)
	}
	h.WriteBarrier(obj)
}

// Exception pending in the VM state word.
func (h *Heap) Exception() Value      { return h.Mem.LoadValue(ExceptionAddr) }
func (h *Heap) SetException(v Value)  { h.Mem.StoreValue(ExceptionAddr, v) }
func (h *Heap) ClearException() Value { return Value(h.swapException()) }

func (h *Heap) swapException() uint64 {
	for {
		old := h.Mem.Load(ExceptionAddr)
		if h.Mem.CompareAndSwap(ExceptionAddr, old, 0) {
			return old
		}
	}
}
