// Package fdops defines the file-descriptor operation surface shared by
// every openable kernel object (regular files, directories, pipes, the
// console) and the per-process open-file and working-directory tables
// built on top of it. Grounded on fd/fd.go (Fd_t, Copyfd, Close_panic,
// Cwd_t) and the fdops.Fdops_i / Userio_i contract implied by
// ufs/driver.go's console_t stub (Cons_poll/Cons_read/Cons_write) and by
// vm/userbuf.go's Userbuf_t, which internal/vmm's UserBuf satisfies.
package fdops

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/bpath"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/ustr"
)

// UserIO is satisfied by anything that can move bytes to or from a
// user-supplied buffer -- internal/vmm's UserBuf, IOVec and FakeBuf all
// implement it, letting Ops methods stay agnostic of how the caller's
// buffer is backed.
type UserIO interface {
	// Uioread copies from the user buffer into dst.
	Uioread(dst []byte) (int, kerr.Errno)
	// Uiowrite copies from src into the user buffer.
	Uiowrite(src []byte) (int, kerr.Errno)
	// Remain reports bytes not yet transferred.
	Remain() int
	// Totalsz reports the buffer's total size.
	Totalsz() int
}

// Ready is a bitmask of poll readiness conditions.
type Ready uint

const (
	ReadyRead Ready = 1 << iota
	ReadyWrite
	ReadyError
)

// PollMsg carries a poll request: the events the caller cares about.
type PollMsg struct {
	Events Ready
}

// Whence selects the reference point for Lseek, mirroring lseek(2).
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Ops is the operation set every open file descriptor implements. Not
// every kind of descriptor supports every operation; unsupported ones
// return kerr.ESPIPE/kerr.EINVAL as appropriate rather than panicking,
// since which operations apply depends on runtime descriptor type.
type Ops interface {
	Read(dst UserIO, offset int) (int, kerr.Errno)
	Write(src UserIO, offset int, appending bool) (int, kerr.Errno)
	Lseek(off int, whence Whence) (int, kerr.Errno)
	Poll(pm PollMsg) (Ready, kerr.Errno)
	// Reopen is called when a descriptor is duplicated (dup2, fork),
	// letting the implementation bump any internal refcount.
	Reopen() kerr.Errno
	// Close releases the descriptor's resources. Must be idempotent
	// only for the single final close; double-close is a caller bug.
	Close() kerr.Errno
}

// Blocker is implemented by an Ops whose Read/Write returns
// kerr.EAGAIN instead of actually blocking when no data/space is
// available (a pipe with nothing queued, say). The syscall layer
// retries after waiting on Ready alongside the calling thread's kill
// channel, so a thread blocked on a read still notices a concurrent
// SIGKILL rather than waiting forever.
type Blocker interface {
	// Ready returns a channel that closes the next time this
	// descriptor's readiness might have changed.
	Ready() <-chan struct{}
}

// Perm bits recorded on an FD, independent of what the underlying Ops
// allows, matching the separation the teacher keeps between Fd_t.Perms
// and Fops.
const (
	PermRead    = 0x1
	PermWrite   = 0x2
	PermCloexec = 0x4
)

// FD is an open file descriptor: an Ops implementation plus the
// permission bits the opening call requested.
type FD struct {
	Ops   Ops
	Perms int
}

// Copy duplicates fd, reopening its underlying Ops so both descriptors
// share correct refcounting.
func Copy(fd *FD) (*FD, kerr.Errno) {
	nfd := &FD{}
	*nfd = *fd
	if err := nfd.Ops.Reopen(); err != kerr.Errno(0) {
		return nil, err
	}
	return nfd, 0
}

// CloseOrPanic closes fd, panicking if Close reports failure: a caller
// that holds the only reference to a descriptor has no recovery path
// for a failed close other than treating it as a kernel invariant
// violation.
func CloseOrPanic(fd *FD) {
	if fd.Ops.Close() != 0 {
		panic("fdops: close must succeed")
	}
}

// Cwd tracks a process's current working directory: the open directory
// descriptor plus its canonical path string, kept in sync under a
// mutex so concurrent chdir/getcwd calls never observe a torn pair.
type Cwd struct {
	mu   sync.Mutex
	FD   *FD
	Path ustr.Ustr
}

// NewRootCwd builds a Cwd rooted at "/".
func NewRootCwd(fd *FD) *Cwd {
	return &Cwd{FD: fd, Path: ustr.Root()}
}

// Fullpath joins cwd's path with p unless p is already absolute.
func (c *Cwd) Fullpath(p ustr.Ustr) ustr.Ustr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsAbsolute() {
		return p
	}
	return c.Path.Extend(p)
}

// Canonicalpath resolves p against cwd and reduces it to canonical form.
func (c *Cwd) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(c.Fullpath(p))
}

// SetDir atomically replaces the working directory (the chdir syscall),
// closing the previously held directory descriptor.
func (c *Cwd) SetDir(fd *FD, path ustr.Ustr) {
	c.mu.Lock()
	old := c.FD
	c.FD = fd
	c.Path = path
	c.mu.Unlock()
	if old != nil {
		CloseOrPanic(old)
	}
}

// Clone duplicates the cwd for a forked child: the directory descriptor
// is reopened so parent and child each hold their own reference, and
// the path is copied as-is (fork(2) inherits the working directory).
func (c *Cwd) Clone() (*Cwd, kerr.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc := &Cwd{Path: c.Path}
	if c.FD != nil {
		nfd, err := Copy(c.FD)
		if err != 0 {
			return nil, err
		}
		nc.FD = nfd
	}
	return nc, 0
}

// DropRef closes the held directory descriptor, used on process exit.
// Idempotent: a second call finds nothing to close.
func (c *Cwd) DropRef() {
	c.mu.Lock()
	fd := c.FD
	c.FD = nil
	c.mu.Unlock()
	if fd != nil {
		CloseOrPanic(fd)
	}
}
