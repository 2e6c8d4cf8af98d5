// kmalloc: a segregated free-list allocator over a bump-on-expansion
// backing store. Grounded on mem/mem.go's free-list allocation shape
// (Refup/Refdown/_phys_new/_phys_put) generalized from whole-frame
// objects to arbitrary small allocations, the way the teacher's
// physical allocator and its kernel heap share one free-list idiom.
//
// A real kernel grows kmalloc's backing store by mapping fresh frames
// into a kmemzone region (see zone.go); this simulated Heap instead
// grows a plain Go byte slice, since there is no MMU here for a
// kmemzone mapping to matter to -- the segregated-fit policy and O(1)
// amortized free are otherwise unchanged.
package kmem

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/klimits"
)

// KPtr is an opaque kernel heap pointer returned by Heap.Alloc. Callers
// resolve it to bytes via Heap.Bytes; they never see a real address.
type KPtr uint64

const heapAlign = 8

// classSizes are kmalloc's segregated free-list size classes. A request
// larger than the biggest class gets its own allocation, rounded up to
// heapAlign; on Free it joins a free list of that exact size, so only a
// later request of the same rounded size reuses it.
var classSizes = [...]uint64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// Heap is the kernel's kmalloc arena: a growable byte slice carved into
// size-classed blocks, with a free list per class for O(1) amortized
// reuse.
type Heap struct {
	mu      sync.Mutex
	bytes   []byte
	bump    uint64
	classes map[uint64][]uint64 // class size -> free block offsets
	sizes   map[uint64]uint64   // live block offset -> its class size
	budget  *klimits.Atomic     // cumulative growth budget, nil = unbounded
}

// NewHeap returns an empty heap. budget, if non-nil, bounds the total
// number of bytes the heap may ever grow by (klimits.Sys0.HeapBytes).
func NewHeap(budget *klimits.Atomic) *Heap {
	return &Heap{
		classes: make(map[uint64][]uint64),
		sizes:   make(map[uint64]uint64),
		budget:  budget,
	}
}

func classFor(size int) uint64 {
	for _, c := range classSizes {
		if uint64(size) <= c {
			return c
		}
	}
	return alignUp(uint64(size), heapAlign)
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Alloc returns a heap pointer to a zeroed block of at least size bytes,
// 8-byte aligned.
func (h *Heap) Alloc(size int) (KPtr, kerr.Errno) {
	return h.AllocAligned(size, heapAlign)
}

// AllocAligned is Alloc with a caller-chosen power-of-two alignment.
func (h *Heap) AllocAligned(size int, align int) (KPtr, kerr.Errno) {
	if size <= 0 {
		size = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cls := classFor(size)
	if align > heapAlign {
		// Large aligned requests (kmalloc_aligned with e.g. page
		// alignment) skip the size-classed free lists: reuse would
		// need per-alignment buckets this allocator doesn't keep.
		off := alignUp(h.bump, uint64(align))
		if !h.growTo(off + cls) {
			return 0, kerr.ENOMEM
		}
		h.bump = off + cls
		h.sizes[off] = cls
		h.zero(off, cls)
		return KPtr(off), 0
	}

	if list := h.classes[cls]; len(list) > 0 {
		off := list[len(list)-1]
		h.classes[cls] = list[:len(list)-1]
		h.sizes[off] = cls
		h.zero(off, cls)
		return KPtr(off), 0
	}

	off := alignUp(h.bump, heapAlign)
	if !h.growTo(off + cls) {
		return 0, kerr.ENOMEM
	}
	h.bump = off + cls
	h.sizes[off] = cls
	return KPtr(off), 0
}

func (h *Heap) zero(off, n uint64) {
	b := h.bytes[off : off+n]
	for i := range b {
		b[i] = 0
	}
}

// growTo grows the backing slice, geometrically, so need bytes are
// addressable. Reports false (leaving the heap unchanged) if the growth
// budget is exhausted.
func (h *Heap) growTo(need uint64) bool {
	if need <= uint64(len(h.bytes)) {
		return true
	}
	newCap := uint64(len(h.bytes))
	if newCap == 0 {
		newCap = 4096
	}
	for newCap < need {
		newCap *= 2
	}
	delta := newCap - uint64(len(h.bytes))
	if h.budget != nil && !h.budget.TakeN(uint(delta)) {
		return false
	}
	nb := make([]byte, newCap)
	copy(nb, h.bytes)
	h.bytes = nb
	return true
}

// Free releases a block allocated by Alloc/AllocAligned, returning it to
// its size class's free list.
func (h *Heap) Free(p KPtr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	off := uint64(p)
	cls, ok := h.sizes[off]
	if !ok {
		panic("kmem: free of unknown heap pointer")
	}
	delete(h.sizes, off)
	h.classes[cls] = append(h.classes[cls], off)
}

// Bytes resolves p to the live backing slice of at least size bytes.
// Panics if p is not a currently-allocated block: callers only ever hold
// a KPtr they (or whoever handed it to them) allocated and have not yet
// freed.
func (h *Heap) Bytes(p KPtr, size int) []byte {
	h.mu.Lock()
	cls, ok := h.sizes[uint64(p)]
	h.mu.Unlock()
	if !ok {
		panic("kmem: access to unknown or freed heap pointer")
	}
	if uint64(size) > cls {
		panic("kmem: access past allocated block")
	}
	return h.bytes[uint64(p) : uint64(p)+uint64(size)]
}
