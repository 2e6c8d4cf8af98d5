package kmem

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/arch"
)

// KernelBase is the lowest virtual address kmemzone ever hands out,
// analogous to mem/dmap.go's VDIRECT/VEND high-half slots: everything a
// ZoneAllocator reserves sits above the user address range.
const KernelBase arch.VirtAddr = 0xffff800000000000

// Zone is a reserved, initially-unmapped virtual address range: the
// kmemzone_new primitive (§4.B) that makes remapping a device from
// identity-mapped boot to a high-half kernel mapping trivial, since the
// virtual range is carved out before any frame is mapped into it.
type Zone struct {
	Start arch.VirtAddr
	Len   uint64
}

// End returns the exclusive end of the zone's virtual range.
func (z Zone) End() arch.VirtAddr { return z.Start + arch.VirtAddr(z.Len) }

// ZoneAllocator hands out disjoint virtual ranges above KernelBase by
// simple bump allocation: kmemzone never frees individual regions in
// the teacher either (kernel stacks and MMIO remaps live for the life of
// the kernel), so there is no free list to maintain.
type ZoneAllocator struct {
	mu   sync.Mutex
	next arch.VirtAddr
}

// NewZoneAllocator returns an allocator starting at KernelBase.
func NewZoneAllocator() *ZoneAllocator {
	return &ZoneAllocator{next: KernelBase}
}

// New reserves a zone of at least size bytes, rounded up to a whole
// number of pages.
func (z *ZoneAllocator) New(size uint64) Zone {
	z.mu.Lock()
	defer z.mu.Unlock()
	size = alignUp(size, PageSize)
	start := z.next
	z.next += arch.VirtAddr(size)
	return Zone{Start: start, Len: size}
}
