// Package rescheck pre-reserves worst-case kernel heap consumption before
// an operation that might allocate enters code paths it cannot safely
// unwind from. Every reservable operation is tagged with a Bound naming
// its worst-case byte cost; Reserve checks the budget without blocking,
// giving the caller a chance to fail with ENOHEAP instead of panicking
// deep inside an allocation it already started. Grounded on the
// bounds.Bounds / res.Resadd_noblock call pattern in vm/as.go and
// vm/userbuf.go -- the bounds and res packages ship only go.mod in the
// retrieval pack, so the table and API are authored fresh against those
// two call sites and generalized to the operations in internal/vmm and
// internal/vfs that the kernel-core spec requires to fail cleanly under
// memory pressure rather than panic.
package rescheck

import "github.com/ferrite-os/ferrite/internal/klimits"

// Bound names a reservable operation and its worst-case heap cost.
type Bound int

const (
	// K2UserInner bounds one iteration of copying from kernel to user
	// memory across a page boundary (internal/vmm's UserBuf write path).
	K2UserInner Bound = iota
	// User2KInner bounds one iteration of copying from user to kernel
	// memory across a page boundary.
	User2KInner
	// IOVecInit bounds materializing an IOVec's per-segment UserBuf set.
	IOVecInit
	// UserBufTx bounds one UserBuf transfer's bookkeeping allocation.
	UserBufTx
	// PageFault bounds handling a single page fault, including a
	// possible copy-on-write page copy.
	PageFault
	// ForkAddrSpace bounds duplicating a process's address space on fork.
	ForkAddrSpace
	// DentryAlloc bounds allocating a new VFS dentry cache entry.
	DentryAlloc
)

// costs gives each Bound's worst-case byte cost. Values are conservative
// round numbers, not measured allocator output: the point of a bound is
// to be safe to reserve against, not tight.
var costs = map[Bound]int64{
	K2UserInner:   4096,
	User2KInner:   4096,
	IOVecInit:     1024,
	UserBufTx:     512,
	PageFault:     4096,
	ForkAddrSpace: 64 * 1024,
	DentryAlloc:   256,
}

// Reserve attempts to reserve b's worst-case cost against the system
// heap budget, returning false without blocking if the budget is
// exhausted. On success the caller must call Release(b) once the
// operation completes (whether it succeeded or failed) to return the
// reservation.
func Reserve(b Bound) bool {
	n := costs[b]
	if n <= 0 {
		return true
	}
	return klimits.Sys0.HeapBytes.TakeN(uint(n))
}

// Release returns a reservation taken by a prior successful Reserve.
func Release(b Bound) {
	n := costs[b]
	if n <= 0 {
		return
	}
	klimits.Sys0.HeapBytes.GiveN(uint(n))
}
