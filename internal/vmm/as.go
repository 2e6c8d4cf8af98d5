package vmm

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/rescheck"
)

// AddressSpace is one process's virtual memory: its region list plus a
// simulated page table. The mutex serializes region and page-table
// mutation the same way Vm_t's embedded sync.Mutex does; Lock/Unlock
// pmap additionally track whether a fault is in flight, matching
// pgfltaken.
type AddressSpace struct {
	mu        sync.Mutex
	Regions   Vmregion
	ptes      map[arch.VirtAddr]arch.PTE
	arena     *kmem.Arena
	backend   arch.Backend
	pgfltaken bool
}

// New creates an empty address space backed by arena and using backend's
// PTE encoding.
func New(arena *kmem.Arena, backend arch.Backend) *AddressSpace {
	return &AddressSpace{
		ptes:    make(map[arch.VirtAddr]arch.PTE),
		arena:   arena,
		backend: backend,
	}
}

func (as *AddressSpace) pageShift() uint { return as.backend.PageShift() }

func (as *AddressSpace) pageOf(va arch.VirtAddr) arch.VirtAddr {
	mask := arch.VirtAddr(1)<<as.pageShift() - 1
	return va &^ mask
}

func (as *AddressSpace) pageOffset(va arch.VirtAddr) int {
	mask := arch.VirtAddr(1)<<as.pageShift() - 1
	return int(va & mask)
}

// LockPmap acquires the address space lock and marks a fault in flight,
// matching Lock_pmap/pgfltaken.
func (as *AddressSpace) LockPmap() {
	as.mu.Lock()
	as.pgfltaken = true
}

// UnlockPmap releases the lock taken by LockPmap.
func (as *AddressSpace) UnlockPmap() {
	as.pgfltaken = false
	as.mu.Unlock()
}

func (as *AddressSpace) lockassertPmap() {
	if !as.pgfltaken {
		panic("vmm: pmap lock must be held")
	}
}

func (as *AddressSpace) getPTE(va arch.VirtAddr) (arch.PTE, bool) {
	p, ok := as.ptes[as.pageOf(va)]
	return p, ok
}

func (as *AddressSpace) setPTE(va arch.VirtAddr, pte arch.PTE) {
	as.ptes[as.pageOf(va)] = pte
}

// Translate resolves va for a kernel-initiated access (forWrite
// distinguishes a read from a write, the k2u parameter in
// Userdmap8_inner), faulting the page in if necessary, and returns the
// byte slice of the containing frame starting at va's in-page offset.
func (as *AddressSpace) Translate(va arch.VirtAddr, forWrite bool) ([]byte, kerr.Errno) {
	as.lockassertPmap()

	region, ok := as.Regions.Lookup(va)
	if !ok {
		return nil, kerr.EFAULT
	}
	pte, havePTE := as.getPTE(va)
	_, flags := as.backend.DecodePTE(pte)
	present := havePTE && flags&arch.FlagPresent != 0
	needFault := true
	if forWrite {
		cow := havePTE && flags&arch.FlagCOW != 0
		if present && !cow {
			needFault = false
		}
	} else if present {
		needFault = false
	}

	if needFault {
		if err := as.HandleFault(region, va, forWrite); err != 0 {
			return nil, err
		}
		pte, _ = as.getPTE(va)
	}

	frame, _ := as.backend.DecodePTE(pte)
	b := as.arena.Bytes(frame)
	off := as.pageOffset(va)
	return b[off:], 0
}

// HandleFault runs the page fault algorithm for a fault at va in region,
// mirroring Sys_pgfault: permission checks, then either claiming a
// uniquely-referenced COW page in place, copying a COW/file source page,
// or zero/file-filling a never-mapped page.
func (as *AddressSpace) HandleFault(region *Region, va arch.VirtAddr, write bool) kerr.Errno {
	if !rescheck.Reserve(rescheck.PageFault) {
		return kerr.ENOMEM
	}
	defer rescheck.Release(rescheck.PageFault)

	isGuard := region.Perms == 0
	writeOK := region.Perms&arch.FlagWrite != 0
	if isGuard || (write && !writeOK) {
		return kerr.EFAULT
	}
	if region.Type == SharedAnon {
		panic("vmm: shared anon pages should always be mapped")
	}

	pte, havePTE := as.getPTE(va)
	_, flags := as.backend.DecodePTE(pte)
	if havePTE {
		wasCOWNowWrite := write && flags&arch.FlagCOW == 0 && flags&arch.FlagPresent != 0 && flags&arch.FlagWrite != 0
		readOnAlreadyPresent := !write && flags&arch.FlagPresent != 0
		if wasCOWNowWrite || readOnAlreadyPresent {
			// two threads raced on the same fault; the other one won.
			return 0
		}
	}

	var frame arch.PhysAddr
	newFlags := arch.FlagUser | arch.FlagPresent

	switch {
	case region.Type == SharedFile:
		f, err := region.File.Filepage(region.FileOff + int64(va-region.Start))
		if err != nil {
			return kerr.EIO
		}
		frame = f
		if region.Perms&arch.FlagWrite != 0 {
			newFlags |= arch.FlagWrite
		}

	case write:
		cow := flags&arch.FlagCOW != 0
		if cow {
			curFrame, _ := as.backend.DecodePTE(pte)
			if region.Type == Anon && as.arena.Refcnt(curFrame) == 1 {
				// sole owner of this anonymous page: claim it in place.
				as.setPTE(va, as.backend.EncodePTE(curFrame, arch.FlagUser|arch.FlagPresent|arch.FlagWrite))
				return 0
			}
			srcFrame := curFrame
			newPA, err := as.arena.Alloc()
			if err != 0 {
				return kerr.ENOMEM
			}
			copy(as.arena.Bytes(newPA), as.arena.Bytes(srcFrame))
			frame = newPA
		} else {
			var srcFrame arch.PhysAddr
			ownsSrc := false
			switch region.Type {
			case Anon:
				// zero source; nothing to copy from.
			case File:
				f, err := region.File.Filepage(region.FileOff + int64(va-region.Start))
				if err != nil {
					return kerr.EIO
				}
				srcFrame = f
				ownsSrc = true
			default:
				panic("vmm: unexpected region type on write fault")
			}
			newPA, err := as.arena.AllocZeroed()
			if err != 0 {
				return kerr.ENOMEM
			}
			if region.Type == File {
				copy(as.arena.Bytes(newPA), as.arena.Bytes(srcFrame))
				if ownsSrc {
					as.arena.Refdown(srcFrame)
				}
			}
			frame = newPA
		}
		newFlags |= arch.FlagWrite

	default: // read fault, never mapped
		switch region.Type {
		case Anon:
			pa, err := as.arena.AllocZeroed()
			if err != 0 {
				return kerr.ENOMEM
			}
			frame = pa
		case File:
			f, err := region.File.Filepage(region.FileOff + int64(va-region.Start))
			if err != nil {
				return kerr.EIO
			}
			frame = f
		default:
			panic("vmm: unexpected region type on read fault")
		}
		if region.Perms&arch.FlagWrite != 0 {
			newFlags |= arch.FlagCOW
		}
	}

	ok := as.installPage(va, frame, newFlags)
	if !ok {
		as.arena.Refdown(frame)
		return kerr.ENOMEM
	}
	return 0
}

// installPage maps frame at va with flags. The mapping takes over the
// one reference the caller holds on frame -- a frame fresh from the
// arena, or one Filepage returned with its own reference -- so the
// refcount is not bumped again here.
func (as *AddressSpace) installPage(va arch.VirtAddr, frame arch.PhysAddr, flags arch.Flags) bool {
	if old, ok := as.getPTE(va); ok {
		if oldFrame, oldFlags := as.backend.DecodePTE(old); oldFlags&arch.FlagPresent != 0 {
			as.arena.Refdown(oldFrame)
		}
	}
	as.setPTE(va, as.backend.EncodePTE(frame, flags))
	return true
}

// MapAnon adds a zero-fill-on-demand anonymous region.
func (as *AddressSpace) MapAnon(start arch.VirtAddr, length uint64, perms arch.Flags) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Regions.Add(&Region{Start: start, Len: length, Perms: perms, Type: Anon})
}

// MapFile adds a private, copy-on-write file-backed region.
func (as *AddressSpace) MapFile(start arch.VirtAddr, length uint64, perms arch.Flags, file FileBacking, fileOff int64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Regions.Add(&Region{Start: start, Len: length, Perms: perms, Type: File, File: file, FileOff: fileOff})
}

// MapShared adds a shared file-backed region (MAP_SHARED).
func (as *AddressSpace) MapShared(start arch.VirtAddr, length uint64, perms arch.Flags, file FileBacking, fileOff int64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Regions.Add(&Region{Start: start, Len: length, Perms: perms, Type: SharedFile, File: file, FileOff: fileOff})
}

// Unmap clears [start, start+length) out of the address space: any
// region the range fully covers is dropped, and a region it only
// partially covers is shrunk or split at the boundary so the
// uncovered part stays mapped, matching munmap(2)'s "remove covered
// zones" over an arbitrary range. Returns EINVAL if the range doesn't
// overlap anything mapped, rather than silently reporting success.
func (as *AddressSpace) Unmap(start arch.VirtAddr, length uint64) kerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.Regions.Overlapping(start, length) {
		return kerr.EINVAL
	}
	pageSize := arch.VirtAddr(as.backend.PageSize())
	end := start + arch.VirtAddr(length)
	for va := as.pageOf(start); va < end; va += pageSize {
		if pte, ok := as.ptes[va]; ok {
			frame, flags := as.backend.DecodePTE(pte)
			if flags&arch.FlagPresent != 0 {
				as.arena.Refdown(frame)
			}
			delete(as.ptes, va)
		}
	}
	as.Regions.RemoveRange(start, length)
	return 0
}

// FindFree locates a gap of length bytes at or above hint with no
// overlapping region, the address-selection half of mmap's "finds a gap
// satisfying alignment and size" when the caller has no fixed address.
func (as *AddressSpace) FindFree(hint arch.VirtAddr, length uint64) arch.VirtAddr {
	as.mu.Lock()
	defer as.mu.Unlock()
	pageSize := uint64(as.backend.PageSize())
	length = alignUp(length, pageSize)
	candidate := as.pageOf(hint)
	for {
		end := candidate + arch.VirtAddr(length)
		conflict := false
		for _, r := range as.Regions.All() {
			if candidate < r.end() && r.Start < end {
				conflict = true
				candidate = r.end()
				break
			}
		}
		if !conflict {
			return candidate
		}
	}
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Protect changes the permission bits of the region starting exactly at
// start, mprotect's kernel-side half. Downgrading a writable mapping
// strips FlagWrite from every currently-present PTE in the region so
// the next write takes the normal fault path and is rejected by
// HandleFault's permission check. Unlike Unmap, Protect does not split
// a region at a partial-range boundary: start must name an existing
// region's exact beginning, and a mid-region start reports EINVAL
// rather than silently touching nothing.
func (as *AddressSpace) Protect(start arch.VirtAddr, perms arch.Flags) kerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()
	region, ok := as.Regions.LookupExact(start)
	if !ok {
		return kerr.EINVAL
	}
	region.Perms = perms
	if perms&arch.FlagWrite != 0 {
		return 0
	}
	for va := region.Start; va < region.end(); va += arch.VirtAddr(as.backend.PageSize()) {
		pte, ok := as.ptes[va]
		if !ok {
			continue
		}
		frame, flags := as.backend.DecodePTE(pte)
		if flags&arch.FlagPresent != 0 && flags&arch.FlagWrite != 0 {
			as.setPTE(va, as.backend.EncodePTE(frame, flags&^arch.FlagWrite))
		}
	}
	return 0
}

// Teardown frees every mapped frame, used when a process exits.
func (as *AddressSpace) Teardown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for va, pte := range as.ptes {
		frame, flags := as.backend.DecodePTE(pte)
		if flags&arch.FlagPresent != 0 {
			as.arena.Refdown(frame)
		}
		delete(as.ptes, va)
	}
	as.Regions = Vmregion{}
}

// Fork duplicates the address space for a child process. Private anon
// and file regions become copy-on-write in both parent and child (each
// mapped frame's refcount is bumped and its PTE's write bit cleared in
// favor of the COW bit); shared regions keep their mappings writable in
// both, since writes must be visible to both sides. Reserves its
// worst-case bookkeeping cost up front (internal/rescheck.ForkAddrSpace)
// so a fork under heap pressure fails with ENOMEM before mutating either
// address space, rather than partway through.
func (as *AddressSpace) Fork() (*AddressSpace, kerr.Errno) {
	if !rescheck.Reserve(rescheck.ForkAddrSpace) {
		return nil, kerr.ENOMEM
	}
	defer rescheck.Release(rescheck.ForkAddrSpace)

	as.mu.Lock()
	defer as.mu.Unlock()

	child := New(as.arena, as.backend)
	for _, r := range as.Regions.All() {
		nr := *r
		child.Regions.Add(&nr)
	}
	for va, pte := range as.ptes {
		frame, flags := as.backend.DecodePTE(pte)
		if flags&arch.FlagPresent == 0 {
			continue
		}
		region, ok := as.Regions.Lookup(va)
		private := !ok || (region.Type == Anon || region.Type == File)
		if private && flags&arch.FlagWrite != 0 {
			flags &^= arch.FlagWrite
			flags |= arch.FlagCOW
			as.ptes[va] = as.backend.EncodePTE(frame, flags)
		}
		as.arena.Refup(frame)
		child.ptes[va] = as.backend.EncodePTE(frame, flags)
	}
	return child, 0
}

// RefcntOf reports the frame mapped at va's reference count, for tests
// that assert COW sharing took effect.
func (as *AddressSpace) RefcntOf(va arch.VirtAddr) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.ptes[as.pageOf(va)]
	if !ok {
		return 0
	}
	frame, _ := as.backend.DecodePTE(pte)
	return as.arena.Refcnt(frame)
}

// pteSnapshot is used only by tests in this package to avoid exporting
// raw map access from the production API.
func (as *AddressSpace) pteSnapshot() map[arch.VirtAddr]arch.PTE {
	out := make(map[arch.VirtAddr]arch.PTE, len(as.ptes))
	for k, v := range as.ptes {
		out[k] = v
	}
	return out
}
