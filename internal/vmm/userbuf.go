package vmm

import (
	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/rescheck"
)

// UserBuf assists reading and writing a single contiguous range of user
// memory, page-faulting as needed. Grounded on vm/userbuf.go's
// Userbuf_t.
type UserBuf struct {
	as      *AddressSpace
	userva  arch.VirtAddr
	len     int
	off     int
}

// NewUserBuf describes the byte range [uva, uva+length) in as.
func NewUserBuf(as *AddressSpace, uva arch.VirtAddr, length int) *UserBuf {
	if length < 0 {
		panic("vmm: negative user buffer length")
	}
	return &UserBuf{as: as, userva: uva, len: length}
}

// Remain reports the bytes not yet transferred.
func (ub *UserBuf) Remain() int { return ub.len - ub.off }

// Totalsz reports the buffer's total length.
func (ub *UserBuf) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst.
func (ub *UserBuf) Uioread(dst []byte) (int, kerr.Errno) {
	ub.as.LockPmap()
	defer ub.as.UnlockPmap()
	return ub.tx(dst, false)
}

// Uiowrite copies from src into user memory.
func (ub *UserBuf) Uiowrite(src []byte) (int, kerr.Errno) {
	ub.as.LockPmap()
	defer ub.as.UnlockPmap()
	return ub.tx(src, true)
}

// tx copies min(len(buf), ub.Remain()) bytes, resuming correctly if
// interrupted partway by a faulting error. Each call reserves its
// worst-case bookkeeping cost once, up front
// (internal/rescheck.UserBufTx), so a transfer fails cleanly with
// ENOMEM rather than panicking partway through under memory pressure.
func (ub *UserBuf) tx(buf []byte, write bool) (int, kerr.Errno) {
	if !rescheck.Reserve(rescheck.UserBufTx) {
		return 0, kerr.ENOMEM
	}
	defer rescheck.Release(rescheck.UserBufTx)

	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.userva + arch.VirtAddr(ub.off)
		chunk, err := ub.as.Translate(va, write)
		if err != 0 {
			return ret, err
		}
		if left := ub.len - ub.off; left < len(chunk) {
			chunk = chunk[:left]
		}
		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

// iovecEntry is one segment of an IOVec: a user virtual address and size.
type iovecEntry struct {
	uva arch.VirtAddr
	sz  int
}

// IOVec represents a scatter/gather list of user buffers, as described
// by a struct iovec array passed to readv/writev. Grounded on
// vm/userbuf.go's Useriovec_t.
type IOVec struct {
	as   *AddressSpace
	segs []iovecEntry
	tsz  int
}

// MaxIOVecs bounds how many segments a single IOVec may describe.
const MaxIOVecs = 10

// NewIOVec builds an IOVec directly from resolved (address, size) pairs
// -- the syscall layer is responsible for reading the iovec array out of
// user memory and validating its length against MaxIOVecs before
// calling this.
func NewIOVec(as *AddressSpace, entries []struct {
	UVA arch.VirtAddr
	Len int
}) (*IOVec, kerr.Errno) {
	if len(entries) > MaxIOVecs {
		return nil, kerr.EINVAL
	}
	if !rescheck.Reserve(rescheck.IOVecInit) {
		return nil, kerr.ENOMEM
	}
	defer rescheck.Release(rescheck.IOVecInit)
	iov := &IOVec{as: as, segs: make([]iovecEntry, len(entries))}
	for i, e := range entries {
		iov.segs[i] = iovecEntry{uva: e.UVA, sz: e.Len}
		iov.tsz += e.Len
	}
	return iov, 0
}

// Remain reports the bytes remaining across all segments.
func (iov *IOVec) Remain() int {
	n := 0
	for _, s := range iov.segs {
		n += s.sz
	}
	return n
}

// Totalsz reports the IOVec's original total size.
func (iov *IOVec) Totalsz() int { return iov.tsz }

func (iov *IOVec) tx(buf []byte, toUser bool) (int, kerr.Errno) {
	did := 0
	for len(buf) > 0 && len(iov.segs) > 0 {
		cur := &iov.segs[0]
		ub := NewUserBuf(iov.as, cur.uva, cur.sz)
		var c int
		var err kerr.Errno
		if toUser {
			c, err = ub.Uiowrite(buf)
		} else {
			c, err = ub.Uioread(buf)
		}
		cur.uva += arch.VirtAddr(c)
		cur.sz -= c
		if cur.sz == 0 {
			iov.segs = iov.segs[1:]
		}
		buf = buf[c:]
		did += c
		if err != 0 {
			return did, err
		}
	}
	return did, 0
}

// Uioread reads into dst from the segment list.
func (iov *IOVec) Uioread(dst []byte) (int, kerr.Errno) { return iov.tx(dst, false) }

// Uiowrite writes src into the segment list.
func (iov *IOVec) Uiowrite(src []byte) (int, kerr.Errno) { return iov.tx(src, true) }

// FakeBuf adapts a plain kernel byte slice to the fdops.UserIO interface,
// for kernel code that needs to hand its own buffer to a routine
// expecting user memory (e.g. building exec's argv/envp in the new
// process's address space). Grounded on vm/userbuf.go's Fakeubuf_t.
type FakeBuf struct {
	buf []byte
	len int
}

// NewFakeBuf wraps buf.
func NewFakeBuf(buf []byte) *FakeBuf {
	return &FakeBuf{buf: buf, len: len(buf)}
}

// Remain reports the bytes not yet transferred.
func (fb *FakeBuf) Remain() int { return len(fb.buf) }

// Totalsz reports the buffer's original length.
func (fb *FakeBuf) Totalsz() int { return fb.len }

func (fb *FakeBuf) tx(buf []byte, toFB bool) (int, kerr.Errno) {
	var c int
	if toFB {
		c = copy(fb.buf, buf)
	} else {
		c = copy(buf, fb.buf)
	}
	fb.buf = fb.buf[c:]
	return c, 0
}

// Uioread copies from the wrapped buffer into dst.
func (fb *FakeBuf) Uioread(dst []byte) (int, kerr.Errno) { return fb.tx(dst, false) }

// Uiowrite copies src into the wrapped buffer.
func (fb *FakeBuf) Uiowrite(src []byte) (int, kerr.Errno) { return fb.tx(src, true) }

var _ fdops.UserIO = (*UserBuf)(nil)
var _ fdops.UserIO = (*IOVec)(nil)
var _ fdops.UserIO = (*FakeBuf)(nil)
