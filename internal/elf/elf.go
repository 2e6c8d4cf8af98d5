// Package elf loads ET_EXEC and ET_DYN images into a process address
// space: it validates the header against a target arch.Backend, walks
// PT_LOAD/PT_INTERP program headers, and installs each loadable
// segment as a demand-paged, copy-on-write internal/vmm.FileBacking
// region. Grounded on kernel/chentry.go's use of the standard
// library's debug/elf package and
// original_source/kernel/include/tasking/elf.h for the program-header
// field layout and PT_*/PF_* constants this package's validation
// mirrors.
package elf

import (
	"debug/elf"
	"io"
	"sync"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

// Segment is one PT_LOAD program header, translated into the values
// internal/vmm needs to map it.
type Segment struct {
	VAddr   arch.VirtAddr
	FileOff int64
	FileLen int64
	MemLen  uint64
	Write   bool
}

// Image is a validated, parsed ELF executable ready to be installed
// into an address space.
type Image struct {
	Entry    arch.VirtAddr
	Segments []Segment
	Interp   string // non-empty if a PT_INTERP segment was present
	pageSize uint64
	ra       io.ReaderAt
}

// machineFor maps an arch.Backend's name to the e_machine value its
// binaries must carry, mirroring chkELF's EM_X86_64 check generalized
// across every backend the registry carries.
var machineFor = map[string]elf.Machine{
	"amd64":   elf.EM_X86_64,
	"arm64":   elf.EM_AARCH64,
	"riscv64": elf.EM_RISCV,
}

// Load parses and validates an ELF image read from ra against
// backend's expected machine type, returning the entry point and the
// set of loadable segments. Accepts ET_EXEC and ET_DYN per spec;
// PT_INTERP is recorded but not itself loaded (the dynamic loader path
// is left to user space, same as the teacher's exec).
func Load(ra io.ReaderAt, backend arch.Backend) (*Image, kerr.Errno) {
	f, err := elf.NewFile(ra)
	if err != nil {
		return nil, kerr.ENOEXEC
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, kerr.ENOEXEC
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, kerr.ENOEXEC
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, kerr.ENOEXEC
	}
	want, ok := machineFor[backend.Name()]
	if !ok || f.Machine != want {
		return nil, kerr.ENOEXEC
	}

	img := &Image{
		Entry:    arch.VirtAddr(f.Entry),
		pageSize: uint64(backend.PageSize()),
		ra:       ra,
	}

	for _, ph := range f.Progs {
		switch ph.Type {
		case elf.PT_LOAD:
			img.Segments = append(img.Segments, Segment{
				VAddr:   arch.VirtAddr(ph.Vaddr),
				FileOff: int64(ph.Off),
				FileLen: int64(ph.Filesz),
				MemLen:  ph.Memsz,
				Write:   ph.Flags&elf.PF_W != 0,
			})
		case elf.PT_INTERP:
			buf := make([]byte, ph.Filesz)
			if _, err := ra.ReadAt(buf, int64(ph.Off)); err != nil {
				return nil, kerr.EIO
			}
			img.Interp = trimNul(buf)
		default:
			// PT_DYNAMIC, PT_NOTE, PT_PHDR and friends carry nothing a
			// loader needs to act on; ignored per spec.
		}
	}
	if len(img.Segments) == 0 {
		return nil, kerr.ENOEXEC
	}
	return img, 0
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (img *Image) pageAlignDown(va arch.VirtAddr) arch.VirtAddr {
	mask := arch.VirtAddr(img.pageSize - 1)
	return va &^ mask
}

// Install maps every PT_LOAD segment of img into as as a private,
// copy-on-write file-backed region, page-aligning each segment's start
// down and its length up the way a real loader must since segment
// boundaries rarely fall on page boundaries.
func (img *Image) Install(as *vmm.AddressSpace, arena *kmem.Arena) {
	cache := newPageCache(img.ra, arena, img.pageSize)
	for _, seg := range img.Segments {
		start := img.pageAlignDown(seg.VAddr)
		skew := uint64(seg.VAddr - start)
		length := alignUp(skew+seg.MemLen, img.pageSize)

		perms := arch.FlagUser
		if seg.Write {
			perms |= arch.FlagWrite
		}
		fileOff := seg.FileOff - int64(skew)
		as.MapFile(start, length, perms, cache.view(fileOff, seg.FileOff+seg.FileLen), fileOff)
	}
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// UserStackSize is 4 MiB, the 64-bit figure elf.h's USER_STACK_SIZE
// macro picks for every backend this package loads (amd64, arm64,
// riscv64 are all 64-bit; the 16 KiB 32-bit figure has no backend to
// apply to in this module).
const UserStackSize = 4 << 20

// MapUserStack installs a fresh anonymous, demand-paged user stack
// just below top (USER_HIGH in the teacher's address-space layout),
// returning the stack pointer a new thread's registers should start
// with -- pointed at the top of the mapped region per the stack's
// downward growth.
func MapUserStack(as *vmm.AddressSpace, top arch.VirtAddr) arch.VirtAddr {
	start := top - arch.VirtAddr(UserStackSize)
	as.MapAnon(start, UserStackSize, arch.FlagUser|arch.FlagWrite)
	return top
}

// pageCache lazily materializes an ELF image's file-backed pages as
// arena frames, keyed by the file offset each mapped page starts at
// (page-aligned whenever a segment's p_offset and p_vaddr agree modulo
// the page size), and keeps one
// reference of its own on every cached frame so repeated faults (a
// second thread, a COW fork) can each borrow their own reference via
// Filepage without racing the cache's eviction -- there is no
// eviction, matching a loaded executable's pages staying resident for
// the process's lifetime.
type pageCache struct {
	mu       sync.Mutex
	ra       io.ReaderAt
	arena    *kmem.Arena
	pageSize uint64
	frames   map[int64]arch.PhysAddr
}

func newPageCache(ra io.ReaderAt, arena *kmem.Arena, pageSize uint64) *pageCache {
	return &pageCache{ra: ra, arena: arena, pageSize: pageSize, frames: make(map[int64]arch.PhysAddr)}
}

// view returns a FileBacking scoped to one segment: segStart is the
// file offset mapped at the region's first page (its FileOff), and bytes
// past fileEnd (the segment's on-disk extent, before zero-fill padding
// to MemLen) read as zero, mirroring a BSS tail.
func (c *pageCache) view(segStart, fileEnd int64) vmm.FileBacking {
	return &pageView{cache: c, segStart: segStart, fileEnd: fileEnd}
}

type pageView struct {
	cache    *pageCache
	segStart int64
	fileEnd  int64
}

// Filepage resolves off (a file offset inside the region, as vmm passes
// it: FileOff plus the distance into the region) to the frame holding
// the region page that contains it, reading the page in on first touch
// and handing the caller its own reference on every call.
func (v *pageView) Filepage(off int64) (arch.PhysAddr, error) {
	pageStart := v.segStart + (off-v.segStart)&^int64(v.cache.pageSize-1)
	return v.cache.filepage(pageStart, v.fileEnd)
}

func (c *pageCache) filepage(pageOff int64, fileEnd int64) (arch.PhysAddr, error) {

	c.mu.Lock()
	if pa, ok := c.frames[pageOff]; ok {
		c.arena.Refup(pa)
		c.mu.Unlock()
		return pa, nil
	}
	c.mu.Unlock()

	pa, errno := c.arena.AllocZeroed()
	if errno != 0 {
		return 0, io.ErrNoProgress
	}
	if pageOff < fileEnd {
		n := fileEnd - pageOff
		if n > int64(c.pageSize) {
			n = int64(c.pageSize)
		}
		buf := make([]byte, n)
		if _, err := c.ra.ReadAt(buf, pageOff); err != nil && err != io.EOF {
			return 0, err
		}
		copy(c.arena.Bytes(pa), buf)
	}

	c.mu.Lock()
	if existing, ok := c.frames[pageOff]; ok {
		// lost the race to materialize this page; use the winner's frame.
		c.arena.Refup(existing)
		c.mu.Unlock()
		c.arena.Refdown(pa)
		return existing, nil
	}
	c.arena.Refup(pa) // the cache's own permanent reference
	c.frames[pageOff] = pa
	c.mu.Unlock()
	return pa, nil
}
