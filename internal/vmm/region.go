// Package vmm implements per-process virtual address spaces: region
// tracking, demand paging, copy-on-write fork, and the user-memory
// access helpers syscalls use to move bytes across the user/kernel
// boundary. Grounded on vm/as.go (Vm_t, Vmregion_t, Sys_pgfault,
// Page_insert/Blockpage_insert) and vm/userbuf.go (Userbuf_t,
// Useriovec_t, Fakeubuf_t).
//
// The teacher's Vm_t walks a real multi-level Pmap_t built from
// mem.Pmap_t page frames, because the forked runtime can address real
// page tables the CPU's MMU walks. This package has no MMU to program,
// so an AddressSpace's page table is a flat map keyed by page-aligned
// VirtAddr -- a slice of regions playing the role of Vmregion_t, and a
// map playing the role of one pmap's leaf PTEs. The per-mapping
// semantics (COW, file-backed demand paging, shared mappings) are
// unchanged from the
// teacher; only the page table's storage shape is simplified for
// testability per internal/arch's design note.
package vmm

import "github.com/ferrite-os/ferrite/internal/arch"

// MapType classifies a Region's backing store.
type MapType int

const (
	// Anon is zero-fill-on-demand memory, copy-on-write after fork.
	Anon MapType = iota
	// File is a private, copy-on-write mapping of a file's pages.
	File
	// SharedAnon is anonymous memory shared between the mappings that
	// created it via fork (e.g. a POSIX shared memory segment).
	SharedAnon
	// SharedFile is a shared, writable mapping of a file's pages.
	SharedFile
)

// FileBacking is implemented by whatever internal/vfs file a File or
// SharedFile region maps: it resolves a faulting offset to a physical
// frame, reading the backing store on first touch.
type FileBacking interface {
	// Filepage returns the frame backing the page that starts at file
	// offset off (the region's FileOff plus the page's distance from
	// its Start), reading it in if necessary. The caller receives its
	// own reference on the frame.
	Filepage(off int64) (arch.PhysAddr, error)
}

// Region describes one mapped range of an address space: [Start, Start+Len).
type Region struct {
	Start arch.VirtAddr
	Len   uint64
	Perms arch.Flags // requested max permissions (present-bit ignored)
	Type  MapType

	// File backs File/SharedFile regions.
	File    FileBacking
	FileOff int64 // offset into File corresponding to Start
}

func (r *Region) end() arch.VirtAddr { return r.Start + arch.VirtAddr(r.Len) }

func (r *Region) contains(va arch.VirtAddr) bool {
	return va >= r.Start && va < r.end()
}

// Vmregion is the set of mapped regions in an address space, kept in
// insertion order; mutation always goes through Add/Remove under the
// owning AddressSpace's lock.
type Vmregion struct {
	regions []*Region
}

// Lookup returns the region containing va, if any.
func (vr *Vmregion) Lookup(va arch.VirtAddr) (*Region, bool) {
	// Linear scan: process address spaces in this kernel map a handful
	// of regions (text, heap, stack, a few mmaps), so a sorted slice
	// with binary search buys nothing real systems don't already need
	// for far larger region counts.
	for _, r := range vr.regions {
		if r.contains(va) {
			return r, true
		}
	}
	return nil, false
}

// Add inserts a new region. Panics on overlap with an existing region:
// the caller (AddressSpace.MapAnon, MapFile or MapShared) is responsible
// for picking a free range first.
func (vr *Vmregion) Add(r *Region) {
	for _, e := range vr.regions {
		if r.Start < e.end() && e.Start < r.end() {
			panic("vmm: overlapping region")
		}
	}
	vr.regions = append(vr.regions, r)
}

// Remove deletes the region starting at va.
func (vr *Vmregion) Remove(va arch.VirtAddr) (*Region, bool) {
	for i, r := range vr.regions {
		if r.Start == va {
			vr.regions = append(vr.regions[:i], vr.regions[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// Overlapping reports whether any region intersects [start, start+length).
func (vr *Vmregion) Overlapping(start arch.VirtAddr, length uint64) bool {
	end := start + arch.VirtAddr(length)
	for _, r := range vr.regions {
		if start < r.end() && r.Start < end {
			return true
		}
	}
	return false
}

// RemoveRange clears [start, start+length) out of the region set,
// shrinking or splitting whatever regions it partially overlaps so the
// rest of each stays mapped -- munmap's "remove covered zones" over an
// arbitrary range, not just a whole-region match. A region entirely
// inside the range is dropped; a region straddling one edge is
// shrunk from that edge; a region straddling both edges is split into
// a head and a tail, each keeping the original's Perms/Type/File and a
// FileOff adjusted for whatever got sliced off the front.
func (vr *Vmregion) RemoveRange(start arch.VirtAddr, length uint64) {
	end := start + arch.VirtAddr(length)
	kept := vr.regions[:0]
	for _, r := range vr.regions {
		switch {
		case end <= r.Start || r.end() <= start:
			// No overlap at all.
			kept = append(kept, r)
		case start <= r.Start && end >= r.end():
			// Range fully covers the region: drop it.
		case start <= r.Start:
			// Range covers the region's head: keep the tail.
			shift := uint64(end - r.Start)
			r.Start = end
			r.Len -= shift
			r.FileOff += int64(shift)
			kept = append(kept, r)
		case end >= r.end():
			// Range covers the region's tail: keep the head.
			r.Len = uint64(start - r.Start)
			kept = append(kept, r)
		default:
			// Range falls inside the region: split into head and tail.
			tail := &Region{
				Start:   end,
				Len:     uint64(r.end() - end),
				Perms:   r.Perms,
				Type:    r.Type,
				File:    r.File,
				FileOff: r.FileOff + int64(end-r.Start),
			}
			r.Len = uint64(start - r.Start)
			kept = append(kept, r, tail)
		}
	}
	vr.regions = kept
}

// All returns every region, for fork and teardown.
func (vr *Vmregion) All() []*Region {
	return vr.regions
}

// LookupExact returns the region starting exactly at start, for
// mprotect's whole-region case.
func (vr *Vmregion) LookupExact(start arch.VirtAddr) (*Region, bool) {
	for _, r := range vr.regions {
		if r.Start == start {
			return r, true
		}
	}
	return nil, false
}
