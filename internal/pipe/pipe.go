// Package pipe implements the kernel's anonymous pipe: a fixed-size
// byte ring shared between a read end and a write end, each a
// separate internal/fdops.Ops implementation over the same underlying
// buffer. A full pipe blocks a writer and an empty one blocks a
// reader rather than failing, and either end closing unblocks the
// other (EOF on read, EPIPE on write). Grounded on internal/circbuf
// for the ring buffer and internal/vfs/file.go's Ops/refcount shape;
// there is no pipe file in the retrieval pack to ground the wire
// format on, so the read/write split and EOF/EPIPE rules follow
// POSIX pipe(7) directly.
package pipe

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/circbuf"
	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
)

// Capacity is the fixed size of a pipe's internal ring buffer.
const Capacity = 4096

// pipe is the state shared by a pair of Ends.
type pipe struct {
	mu    sync.Mutex
	buf   *circbuf.Circbuf
	rOpen bool
	wOpen bool
	ready chan struct{}
}

// wake releases every goroutine currently blocked in Ready, replacing
// the channel so the next wait starts fresh.
func (p *pipe) wake() {
	close(p.ready)
	p.ready = make(chan struct{})
}

// End is one direction's open descriptor onto a shared pipe. New
// returns a connected read/write pair; each End rejects the operation
// that doesn't match its direction.
type End struct {
	mu    sync.Mutex
	p     *pipe
	write bool
	refs  int32
}

var _ fdops.Ops = (*End)(nil)
var _ fdops.Blocker = (*End)(nil)

// New allocates a pipe and returns its read end and write end.
func New() (*End, *End) {
	p := &pipe{
		buf:   circbuf.New(Capacity),
		rOpen: true,
		wOpen: true,
		ready: make(chan struct{}),
	}
	return &End{p: p, write: false, refs: 1}, &End{p: p, write: true, refs: 1}
}

// Ready implements fdops.Blocker: it closes the next time this end's
// readiness might have changed (data arrived, space freed, or the
// other end closed).
func (e *End) Ready() <-chan struct{} {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.p.ready
}

// Read implements fdops.Ops. Returns kerr.EAGAIN when the pipe is
// empty and the write end is still open, the signal
// internal/syscall's sysRead retries on after waiting on Ready.
func (e *End) Read(dst fdops.UserIO, offset int) (int, kerr.Errno) {
	if e.write {
		return 0, kerr.EINVAL
	}
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.buf.Empty() {
		if !e.p.wOpen {
			return 0, 0
		}
		return 0, kerr.EAGAIN
	}
	buf := make([]byte, dst.Remain())
	n, _ := e.p.buf.Read(buf)
	wrote, werr := dst.Uiowrite(buf[:n])
	if werr != 0 {
		return 0, werr
	}
	if wrote > 0 {
		e.p.wake()
	}
	return wrote, 0
}

// Write implements fdops.Ops. Returns kerr.EPIPE once the read end has
// closed, and kerr.EAGAIN when the buffer is full and the read end is
// still open.
func (e *End) Write(src fdops.UserIO, offset int, appending bool) (int, kerr.Errno) {
	if !e.write {
		return 0, kerr.EINVAL
	}
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if !e.p.rOpen {
		return 0, kerr.EPIPE
	}
	if e.p.buf.Full() {
		return 0, kerr.EAGAIN
	}
	buf := make([]byte, src.Remain())
	n, err := src.Uioread(buf)
	if err != 0 {
		return 0, err
	}
	wrote, _ := e.p.buf.Write(buf[:n])
	if wrote > 0 {
		e.p.wake()
	}
	return wrote, 0
}

// Lseek always reports ESPIPE for an explicit seek, matching a real
// pipe; whence==SeekCur is the exception, since sysRead/sysWrite call
// it internally just to thread an offset Read/Write both ignore.
func (e *End) Lseek(off int, whence fdops.Whence) (int, kerr.Errno) {
	if whence != fdops.SeekCur {
		return 0, kerr.ESPIPE
	}
	return 0, 0
}

// Poll implements fdops.Ops.
func (e *End) Poll(pm fdops.PollMsg) (fdops.Ready, kerr.Errno) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	var ready fdops.Ready
	if !e.write && (!e.p.buf.Empty() || !e.p.wOpen) {
		ready |= fdops.ReadyRead
	}
	if e.write && (!e.p.buf.Full() || !e.p.rOpen) {
		ready |= fdops.ReadyWrite
	}
	return ready & pm.Events, 0
}

// Reopen implements fdops.Ops, for dup2/fork.
func (e *End) Reopen() kerr.Errno {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs++
	return 0
}

// Close implements fdops.Ops. Marks this end's direction closed on the
// shared pipe once its last reference goes away, waking the other end
// so a blocked reader sees EOF or a blocked writer sees EPIPE.
func (e *End) Close() kerr.Errno {
	e.mu.Lock()
	e.refs--
	done := e.refs == 0
	e.mu.Unlock()
	if !done {
		return 0
	}
	e.p.mu.Lock()
	if e.write {
		e.p.wOpen = false
	} else {
		e.p.rOpen = false
	}
	e.p.wake()
	e.p.mu.Unlock()
	return 0
}
