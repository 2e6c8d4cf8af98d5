// Package kmem simulates physical memory as an in-process byte arena and
// provides the kernel's physical frame allocator on top of it. Grounded
// on mem/mem.go's Physmem_t: a flat array of per-frame refcounts plus a
// singly-linked free list threaded through the array itself, with
// sharded free lists to cut lock contention under concurrent allocation.
//
// The teacher's Physmem_t addresses real physical memory the forked
// runtime maps in with runtime.Vtop/Dmap (mem/dmap.go); this package has
// no hardware to address, so physical memory is simply a []byte arena
// sized at Init time, and arch.PhysAddr values are byte offsets into it.
// Physmem_t's per-CPU free lists (keyed by runtime.CPUHint()) become
// Arena's fixed-width shards, keyed by a round-robin counter instead of a
// real CPU id -- the concurrency property (most allocations never touch
// the global lock) is preserved; which physical CPU is running is not
// meaningful in a simulated arena.
package kmem

import (
	"sync"
	"sync/atomic"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/kerr"
)

// PageSize is the frame size used throughout the simulated arena.
const PageSize = 4096

const noFrame = ^uint32(0)

type frame struct {
	refcnt int32
	next   uint32 // index of next frame on whichever free list holds it
}

const shardCount = 16
const shardCap = 64

type shard struct {
	mu      sync.Mutex
	free    uint32 // head index, or noFrame
	freelen int32
}

// Arena is the kernel's simulated physical memory: a byte buffer sliced
// into fixed-size frames, each with a reference count.
type Arena struct {
	bytes  []byte
	frames []frame
	global struct {
		mu      sync.Mutex
		free    uint32
		freelen int32
	}
	shards [shardCount]shard
	pick   uint32 // round-robin shard selector
}

// NewArena allocates an arena of n frames (n*PageSize bytes), with every
// frame initially free.
func NewArena(n int) *Arena {
	a := &Arena{
		bytes:  make([]byte, n*PageSize),
		frames: make([]frame, n),
	}
	a.global.free = noFrame
	for i := range a.shards {
		a.shards[i].free = noFrame
	}
	// seed the global free list, frame 0 last so low physical addresses
	// are handed out last -- matches nothing in particular, just avoids
	// every test ever seeing PhysAddr(0) as "the" first allocation.
	for i := 0; i < n; i++ {
		a.frames[i].next = a.global.free
		a.global.free = uint32(i)
	}
	a.global.freelen = int32(n)
	return a
}

// NumFrames reports the arena's total frame count.
func (a *Arena) NumFrames() int { return len(a.frames) }

// Bytes returns the byte slice backing frame pa. Panics if pa is not
// frame-aligned or out of range: callers only ever hold PhysAddr values
// this allocator produced.
func (a *Arena) Bytes(pa arch.PhysAddr) []byte {
	idx := a.index(pa)
	return a.bytes[idx*PageSize : (idx+1)*PageSize]
}

func (a *Arena) index(pa arch.PhysAddr) uint32 {
	if uint64(pa)%PageSize != 0 {
		panic("kmem: unaligned physical address")
	}
	idx := uint64(pa) / PageSize
	if idx >= uint64(len(a.frames)) {
		panic("kmem: physical address out of range")
	}
	return uint32(idx)
}

func (a *Arena) addrOf(idx uint32) arch.PhysAddr {
	return arch.PhysAddr(uint64(idx) * PageSize)
}

func (a *Arena) shardFor() *shard {
	i := atomic.AddUint32(&a.pick, 1) % shardCount
	return &a.shards[i]
}

func popFrom(frames []frame, head *uint32, len_ *int32) (uint32, bool) {
	if *head == noFrame {
		return noFrame, false
	}
	idx := *head
	*head = frames[idx].next
	*len_--
	return idx, true
}

func pushTo(frames []frame, head *uint32, len_ *int32, idx uint32) {
	frames[idx].next = *head
	*head = idx
	*len_++
}

func (a *Arena) allocIndex() (uint32, bool) {
	sh := a.shardFor()
	sh.mu.Lock()
	idx, ok := popFrom(a.frames, &sh.free, &sh.freelen)
	sh.mu.Unlock()
	if ok {
		return idx, true
	}
	a.global.mu.Lock()
	idx, ok = popFrom(a.frames, &a.global.free, &a.global.freelen)
	a.global.mu.Unlock()
	return idx, ok
}

func (a *Arena) freeIndex(idx uint32) {
	sh := a.shardFor()
	sh.mu.Lock()
	if sh.freelen < shardCap {
		pushTo(a.frames, &sh.free, &sh.freelen, idx)
		sh.mu.Unlock()
		return
	}
	sh.mu.Unlock()
	a.global.mu.Lock()
	pushTo(a.frames, &a.global.free, &a.global.freelen, idx)
	a.global.mu.Unlock()
}

// AllocZeroed allocates a frame with refcount 1 and its contents zeroed.
func (a *Arena) AllocZeroed() (arch.PhysAddr, kerr.Errno) {
	pa, err := a.Alloc()
	if err != 0 {
		return 0, err
	}
	b := a.Bytes(pa)
	for i := range b {
		b[i] = 0
	}
	return pa, 0
}

// Alloc allocates a frame with refcount 1 and unspecified contents.
func (a *Arena) Alloc() (arch.PhysAddr, kerr.Errno) {
	idx, ok := a.allocIndex()
	if !ok {
		return 0, kerr.ENOMEM
	}
	a.frames[idx].refcnt = 1
	return a.addrOf(idx), 0
}

// Refcnt reports pa's current reference count.
func (a *Arena) Refcnt(pa arch.PhysAddr) int {
	idx := a.index(pa)
	return int(atomic.LoadInt32(&a.frames[idx].refcnt))
}

// Refup increments pa's reference count. Panics if pa was not live: a
// caller can only hold a reference to a frame it already has a reference
// to, so a non-positive refcount here means internal bookkeeping is
// already broken.
func (a *Arena) Refup(pa arch.PhysAddr) {
	idx := a.index(pa)
	if c := atomic.AddInt32(&a.frames[idx].refcnt, 1); c <= 1 {
		panic("kmem: refup on dead frame")
	}
}

// Refdown decrements pa's reference count, freeing the frame and
// returning true if it reached zero.
func (a *Arena) Refdown(pa arch.PhysAddr) bool {
	idx := a.index(pa)
	c := atomic.AddInt32(&a.frames[idx].refcnt, -1)
	if c < 0 {
		panic("kmem: refdown below zero")
	}
	if c == 0 {
		a.freeIndex(idx)
		return true
	}
	return false
}
