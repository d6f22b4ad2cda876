// Package slab implements fixed-size object caches layered on top of the
// buddy allocator (spec 4.2): every cache hands out objects of one size,
// carved out of pages ("slabs") it requests from package buddy as needed
// and returns once fully free.
package slab

import (
	"unsafe"

	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/avl"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
	"github.com/vektor-os/vektor/kernel/mem/pmm/buddy"
	"github.com/vektor-os/vektor/kernel/sync"
)

var (
	errObjectTooLarge = &kernel.Error{Module: "slab", Message: "object size exceeds the page budget for a single slab"}
	errUnknownObject  = &kernel.Error{Module: "slab", Message: "pointer does not belong to this cache"}

	// allocFn/freeFn are swapped out in tests so cache_alloc/cache_free can
	// run without a real buddy allocator or real backing physical memory.
	allocFn = buddy.Alloc
	freeFn  = buddy.Free
)

// Constructor initializes a freshly carved object; Destructor tears one
// down each time it is returned with Cache.Free.
type Constructor func(obj unsafe.Pointer)
type Destructor func(obj unsafe.Pointer)

// Cache is a named pool of equally-sized objects (spec's "slab cache").
//
// Deviation from a literal reading of spec 4.2: the per-slab bookkeeping
// (available counter, use-bitmap, list/AVL linkage) lives in an
// ordinary Go-allocated slab struct rather than at the head of the buddy
// page itself. Go heap allocations are already backed by the bootmem
// allocator independently of this package (see kernel/goruntime), so the
// classic "bootstrap cache of caches" chicken-and-egg spec 4.2 calls out
// does not arise here: Cache and slab values are just Go values. The pages
// returned by the buddy allocator for a cache are therefore pure payload.
type Cache struct {
	Name     string
	objSize  uint32
	objCount uint32
	order    mem.PageOrder

	ctor Constructor
	dtor Destructor

	full, partial *slabMeta
	index         avl.Tree

	lock sync.IRQSpinlock
}

// slabMeta is the Go-side bookkeeping for one slab (one buddy-allocated
// block of 2^order pages).
type slabMeta struct {
	startFrame pmm.Frame
	available  uint32
	bitmap     []uint64

	prev, next *slabMeta
	node       avl.Node
}

const wordBits = 64

// NewCache creates a cache of objects of the given size, objcount per
// slab, with optional constructor/destructor.
func NewCache(name string, objSize, objCount uint32, ctor Constructor, dtor Destructor) (*Cache, *kernel.Error) {
	order := mem.Size(uint64(objSize) * uint64(objCount)).Order()
	if order > mem.MaxOrder {
		return nil, errObjectTooLarge
	}

	return &Cache{
		Name:     name,
		objSize:  objSize,
		objCount: objCount,
		order:    order,
		ctor:     ctor,
		dtor:     dtor,
	}, nil
}

// Destroy frees every slab (full and partial) back to the buddy allocator.
// The cache must not be used afterwards.
func (c *Cache) Destroy() {
	c.lock.Acquire()
	defer c.lock.Release()

	for _, list := range [2]*slabMeta{c.full, c.partial} {
		for sl := list; sl != nil; {
			next := sl.next
			freeFn(sl.startFrame, c.order)
			sl = next
		}
	}
	c.full, c.partial = nil, nil
	c.index = avl.Tree{}
}

func pushFront(list **slabMeta, sl *slabMeta) {
	sl.prev = nil
	sl.next = *list
	if sl.next != nil {
		sl.next.prev = sl
	}
	*list = sl
}

func unlink(list **slabMeta, sl *slabMeta) {
	if sl.prev != nil {
		sl.prev.next = sl.next
	} else {
		*list = sl.next
	}
	if sl.next != nil {
		sl.next.prev = sl.prev
	}
	sl.prev, sl.next = nil, nil
}

// Alloc returns a pointer to an uninitialized-or-constructed object.
func (c *Cache) Alloc() (unsafe.Pointer, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	sl := c.partial
	if sl == nil {
		frame, err := allocFn(c.order)
		if err != nil {
			return nil, err
		}

		sl = &slabMeta{
			startFrame: frame,
			available:  c.objCount,
			bitmap:     make([]uint64, (c.objCount+wordBits-1)/wordBits),
		}
		c.index.Insert(uint32(frame.Address()), sl, &sl.node)
		pushFront(&c.partial, sl)
	}

	idx := firstClearBit(sl.bitmap, c.objCount)
	setBit(sl.bitmap, idx)
	sl.available--

	if sl.available == 0 {
		unlink(&c.partial, sl)
		pushFront(&c.full, sl)
	}

	ptr := unsafe.Pointer(sl.startFrame.Address() + uintptr(idx)*uintptr(c.objSize))
	if c.ctor != nil {
		c.ctor(ptr)
	}
	return ptr, nil
}

// Free returns obj to its slab. When the slab becomes entirely free its
// frames are returned to the buddy allocator.
func (c *Cache) Free(obj unsafe.Pointer) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	addr := uintptr(obj)
	node := c.index.FindLE(uint32(addr))
	if node == nil {
		return errUnknownObject
	}
	sl := node.Owner.(*slabMeta)

	slabSize := uintptr(mem.PageSize) << uint(c.order)
	if addr < sl.startFrame.Address() || addr >= sl.startFrame.Address()+slabSize {
		return errUnknownObject
	}

	idx := uint32((addr - sl.startFrame.Address()) / uintptr(c.objSize))

	wasFull := sl.available == 0
	clearBit(sl.bitmap, idx)
	sl.available++

	if c.dtor != nil {
		c.dtor(obj)
	}

	if sl.available == c.objCount {
		if wasFull {
			unlink(&c.full, sl)
		} else {
			unlink(&c.partial, sl)
		}
		c.index.Remove(&sl.node)
		freeFn(sl.startFrame, c.order)
		return nil
	}

	if wasFull {
		unlink(&c.full, sl)
		pushFront(&c.partial, sl)
	}

	return nil
}

func firstClearBit(bitmap []uint64, limit uint32) uint32 {
	for word := range bitmap {
		if bitmap[word] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < wordBits; bit++ {
			idx := uint32(word*wordBits + bit)
			if idx >= limit {
				return limit
			}
			if bitmap[word]&(1<<uint(bit)) == 0 {
				return idx
			}
		}
	}
	return limit
}

func setBit(bitmap []uint64, idx uint32) {
	bitmap[idx/wordBits] |= 1 << (idx % wordBits)
}

func clearBit(bitmap []uint64, idx uint32) {
	bitmap[idx/wordBits] &^= 1 << (idx % wordBits)
}
