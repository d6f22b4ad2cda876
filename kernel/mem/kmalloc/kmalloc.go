// Package kmalloc implements the kernel's general-purpose small-object heap
// (spec 4.3): size-class buckets of free chunks carved out of buddy pages,
// with a direct-buddy "large chunk" path for big requests.
package kmalloc

import (
	"unsafe"

	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/avl"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
	"github.com/vektor-os/vektor/kernel/mem/pmm/buddy"
	"github.com/vektor-os/vektor/kernel/sync"
)

const (
	// Alignment is the minimum alignment of every pointer kmalloc returns.
	Alignment = 16

	// FirstBucketSize is the payload size of the smallest size-class
	// bucket; bucket capacities double from here (16, 32, 64, ...).
	FirstBucketSize = 16

	// nominalHeaderSize approximates the bookkeeping overhead a chunk
	// would cost if its header were physically embedded ahead of the
	// payload. This implementation keeps chunk bookkeeping in a
	// Go-managed, per-page chunk list instead (see DESIGN.md); the
	// constant only feeds the size-class/threshold arithmetic below so
	// the bucket boundaries match a conventional kmalloc's.
	nominalHeaderSize = 24

	// minChunkPayload is the smallest payload worth splitting a tail
	// chunk off for.
	minChunkPayload = 16

	numBuckets = 16
)

// smallThreshold is the largest payload size served by the size-class
// buckets; anything bigger goes through the large-chunk path.
var smallThreshold = mem.PageSize - nominalHeaderSize

var (
	errOutOfMemory    = &kernel.Error{Module: "kmalloc", Message: "buddy allocator has no free pages to grow the heap"}
	errUnknownPointer = &kernel.Error{Module: "kmalloc", Message: "pointer was not allocated by this package"}
	errCorruptChunk   = &kernel.Error{Module: "kmalloc", Message: "chunk header failed its integrity check"}

	lock sync.IRQSpinlock

	// pages indexes every page kmalloc owns (bucketed or large) by its
	// base physical address, letting Free/realloc locate the owning page
	// from an arbitrary interior pointer.
	pages avl.Tree

	buckets [numBuckets][]*chunk

	allocFn  = buddy.Alloc
	freeFn   = buddy.Free
	memsetFn = mem.Memset
	memcpyFn = mem.Memcopy
)

const chunkMagic = 0x6b6d616c // "kmal"

// chunk is the Go-side bookkeeping for one payload span inside a page.
// Chunks are kept in their owning page's chunks slice in address order,
// which is what spec 4.3 calls the chunk's "previous and next siblings".
type chunk struct {
	pg     *page
	offset uint32
	size   uint32
	used   bool
	magic  uint32

	bucket int // index into buckets while free; -1 while used
}

type page struct {
	frame   pmm.Frame
	order   mem.PageOrder
	isLarge bool
	chunks  []*chunk // address order; nil/unused when isLarge
	node    avl.Node
}

func align(size mem.Size) mem.Size {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

func bucketIndex(size uint32) int {
	idx := 0
	for cap := uint32(FirstBucketSize); cap < size; cap <<= 1 {
		idx++
		if idx == numBuckets-1 {
			break
		}
	}
	return idx
}

func bucketRemove(b int, c *chunk) {
	list := buckets[b]
	for i, cand := range list {
		if cand == c {
			buckets[b] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func bucketInsert(c *chunk) {
	b := bucketIndex(c.size)
	c.bucket = b
	buckets[b] = append(buckets[b], c)
}

// Alloc returns a pointer to size uninitialized bytes.
func Alloc(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	size = align(size)
	if size == 0 {
		size = Alignment
	}

	if size > smallThreshold {
		return allocLarge(size)
	}

	c := findOrCreateChunk(uint32(size))
	if c == nil {
		return nil, errOutOfMemory
	}

	return unsafe.Pointer(c.pg.frame.Address() + uintptr(c.offset)), nil
}

// AllocZero behaves like Alloc but zero-fills the returned memory.
func AllocZero(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	ptr, err := Alloc(size)
	if err != nil {
		return nil, err
	}
	memsetFn(uintptr(ptr), 0, align(size))
	return ptr, nil
}

func findOrCreateChunk(size uint32) *chunk {
	for b := bucketIndex(size); b < numBuckets; b++ {
		for _, c := range buckets[b] {
			if c.size >= size {
				bucketRemove(b, c)
				return claim(c, size)
			}
		}
	}

	pg, err := newPage(mem.Size(size) + nominalHeaderSize)
	if err != nil {
		return nil
	}
	c := pg.chunks[0]
	bucketRemove(c.bucket, c)
	return claim(c, size)
}

// claim marks c used, splitting its tail into a fresh free chunk if the
// remainder is large enough to be worth keeping.
func claim(c *chunk, size uint32) *chunk {
	if c.size-size >= nominalHeaderSize+minChunkPayload {
		tail := &chunk{
			pg:     c.pg,
			offset: c.offset + size,
			size:   c.size - size,
			magic:  chunkMagic,
		}
		c.size = size
		insertSibling(c, tail)
		bucketInsert(tail)
	}

	c.used = true
	c.magic = chunkMagic
	c.bucket = -1
	return c
}

// insertSibling inserts tail into pg's address-ordered chunk list
// immediately after c.
func insertSibling(c, tail *chunk) {
	pg := c.pg
	for i, cand := range pg.chunks {
		if cand == c {
			pg.chunks = append(pg.chunks, nil)
			copy(pg.chunks[i+2:], pg.chunks[i+1:])
			pg.chunks[i+1] = tail
			return
		}
	}
}

func newPage(minPayload mem.Size) (*page, *kernel.Error) {
	order := minPayload.Order()
	frame, err := allocFn(order)
	if err != nil {
		return nil, err
	}

	pg := &page{frame: frame, order: order}
	c := &chunk{pg: pg, offset: 0, size: uint32(mem.PageSize << order), magic: chunkMagic}
	pg.chunks = []*chunk{c}
	bucketInsert(c)

	pages.Insert(uint32(frame.Address()), pg, &pg.node)
	return pg, nil
}

func allocLarge(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	order := size.Order()
	frame, err := allocFn(order)
	if err != nil {
		return nil, err
	}

	pg := &page{frame: frame, order: order, isLarge: true}
	pages.Insert(uint32(frame.Address()), pg, &pg.node)

	return unsafe.Pointer(frame.Address()), nil
}

func findChunk(pg *page, offset uint32) (int, *chunk) {
	for i, c := range pg.chunks {
		if c.offset == offset {
			return i, c
		}
	}
	return -1, nil
}

// Free releases a pointer previously returned by Alloc/AllocZero/Realloc.
func Free(ptr unsafe.Pointer) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	pg, c, idx, err := lookup(ptr)
	if err != nil {
		return err
	}

	if pg.isLarge {
		pages.Remove(&pg.node)
		return freeFn(pg.frame, pg.order)
	}

	c.used = false
	mergeWithNeighbors(pg, idx)

	if len(pg.chunks) == 1 && !pg.chunks[0].used {
		solo := pg.chunks[0]
		bucketRemove(solo.bucket, solo)
		pages.Remove(&pg.node)
		return freeFn(pg.frame, pg.order)
	}

	return nil
}

func lookup(ptr unsafe.Pointer) (*page, *chunk, int, *kernel.Error) {
	addr := uintptr(ptr)
	node := pages.FindLE(uint32(addr))
	if node == nil {
		return nil, nil, -1, errUnknownPointer
	}
	pg := node.Owner.(*page)

	if pg.isLarge {
		if addr != pg.frame.Address() {
			return nil, nil, -1, errUnknownPointer
		}
		return pg, nil, -1, nil
	}

	offset := uint32(addr - pg.frame.Address())
	idx, c := findChunk(pg, offset)
	if c == nil || !c.used {
		return nil, nil, -1, errUnknownPointer
	}
	if c.magic != chunkMagic {
		return nil, nil, -1, errCorruptChunk
	}
	return pg, c, idx, nil
}

// mergeWithNeighbors coalesces the chunk at pg.chunks[idx] with its
// previous and/or next sibling if they exist, are free, and share this
// page, re-bucketing the merged chunk.
func mergeWithNeighbors(pg *page, idx int) {
	c := pg.chunks[idx]

	if idx+1 < len(pg.chunks) && !pg.chunks[idx+1].used {
		next := pg.chunks[idx+1]
		bucketRemove(next.bucket, next)
		c.size += next.size
		pg.chunks = append(pg.chunks[:idx+1], pg.chunks[idx+2:]...)
	}

	if idx > 0 && !pg.chunks[idx-1].used {
		prev := pg.chunks[idx-1]
		bucketRemove(prev.bucket, prev)
		prev.size += c.size
		pg.chunks = append(pg.chunks[:idx], pg.chunks[idx+1:]...)
		c = prev
		idx--
	}

	bucketInsert(c)
}

// Realloc resizes a previous allocation, preserving min(old, new) bytes of
// content. A nil ptr behaves like Alloc; a newSize of 0 behaves like Free
// and returns nil.
func Realloc(ptr unsafe.Pointer, newSize mem.Size) (unsafe.Pointer, *kernel.Error) {
	if ptr == nil {
		return Alloc(newSize)
	}
	if newSize == 0 {
		return nil, Free(ptr)
	}

	newSize = align(newSize)

	lock.Acquire()
	pg, c, idx, err := lookup(ptr)
	if err != nil {
		lock.Release()
		return nil, err
	}

	if pg.isLarge {
		lock.Release()
		return reallocLarge(ptr, pg, newSize)
	}

	oldSize := mem.Size(c.size)

	switch {
	case newSize <= oldSize:
		// Shrink in place: split off the unused tail as a fresh free
		// chunk when it is worth keeping. claim() links and buckets that
		// tail chunk; it is then merged with the following sibling if that
		// one is free.
		if oldSize-newSize >= nominalHeaderSize+minChunkPayload {
			claim(c, uint32(newSize))
			tail := pg.chunks[idx+1]
			bucketRemove(tail.bucket, tail)
			mergeWithNeighbors(pg, idx+1)
		}
		lock.Release()
		return ptr, nil

	case idx+1 < len(pg.chunks) && !pg.chunks[idx+1].used && mem.Size(c.size+pg.chunks[idx+1].size) >= newSize:
		// Grow into the next sibling, which is free and adjacent.
		next := pg.chunks[idx+1]
		bucketRemove(next.bucket, next)
		c.size += next.size
		pg.chunks = append(pg.chunks[:idx+1], pg.chunks[idx+2:]...)
		claim(c, uint32(newSize))
		lock.Release()
		return ptr, nil
	}
	lock.Release()

	newPtr, err := Alloc(newSize)
	if err != nil {
		return nil, err
	}
	memcpyFn(uintptr(ptr), uintptr(newPtr), mem.Size(min32(uint32(oldSize), uint32(newSize))))
	if err := Free(ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}

func reallocLarge(ptr unsafe.Pointer, pg *page, newSize mem.Size) (unsafe.Pointer, *kernel.Error) {
	oldSize := mem.PageSize << pg.order

	// A large chunk is a whole buddy block; it can only be resized in
	// place when the new size still rounds up to the same order. Every
	// other case - including shrinking below smallThreshold, which moves
	// the object back into the bucket path - goes through fresh Alloc +
	// copy + Free.
	if newSize > smallThreshold && newSize.Order() == pg.order {
		return ptr, nil
	}

	newPtr, err := Alloc(newSize)
	if err != nil {
		return nil, err
	}
	memcpyFn(uintptr(ptr), uintptr(newPtr), mem.Size(min32(uint32(oldSize), uint32(newSize))))
	if err := Free(ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
