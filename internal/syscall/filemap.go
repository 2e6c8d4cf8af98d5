package syscall

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/vfs"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

// fileBacking materializes a dentry's file contents as arena frames for
// mmap'd regions, one frame per page-aligned file offset. Frames are
// read in on first fault and stay cached for the mapping's lifetime;
// the cache keeps its own reference on every frame and hands each
// Filepage caller a fresh one, the Blockpage_insert refcount discipline
// internal/vmm's installPage expects for file-backed pages. Shared and
// private mappings of the same open file each get their own backing,
// so a MAP_PRIVATE write's COW copy never leaks into a MAP_SHARED view.
type fileBacking struct {
	mu       sync.Mutex
	dentry   *vfs.Dentry
	arena    *kmem.Arena
	pageSize uint64
	frames   map[int64]arch.PhysAddr
}

var _ vmm.FileBacking = (*fileBacking)(nil)

func newFileBacking(d *vfs.Dentry, arena *kmem.Arena, pageSize uint64) *fileBacking {
	return &fileBacking{
		dentry:   d,
		arena:    arena,
		pageSize: pageSize,
		frames:   make(map[int64]arch.PhysAddr),
	}
}

// Filepage resolves the page containing byte offset off of the mapped
// file to a physical frame, reading it from the filesystem on first
// touch. Offsets past end-of-file read as zero, the same hole rule the
// driver applies to sparse blocks.
func (fb *fileBacking) Filepage(off int64) (arch.PhysAddr, error) {
	pageOff := off &^ int64(fb.pageSize-1)
	if pageOff < 0 {
		return 0, kerr.EINVAL
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if pa, ok := fb.frames[pageOff]; ok {
		fb.arena.Refup(pa)
		return pa, nil
	}

	pa, errno := fb.arena.AllocZeroed()
	if errno != 0 {
		return 0, errno
	}
	buf := make([]byte, fb.pageSize)
	n, rerr := fb.dentry.FS().Read(fb.dentry.Key.Inode, buf, pageOff)
	if rerr != 0 {
		fb.arena.Refdown(pa)
		return 0, rerr
	}
	copy(fb.arena.Bytes(pa), buf[:n])

	fb.arena.Refup(pa) // the cache's own reference
	fb.frames[pageOff] = pa
	return pa, nil
}
