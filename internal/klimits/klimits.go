// Package klimits tracks system-wide resource limits, the kernel-core
// analogue of limits/limits.go: a handful of atomically-adjusted counters
// with conservative boot-time defaults, no config file to parse (there is
// no filesystem available yet at the point these are initialized).
package klimits

import "sync/atomic"

// Atomic is a limit that can be taken from and given back to concurrently.
type Atomic struct {
	n int64
}

// Take attempts to decrement the limit by 1, reporting success. On failure
// the counter is left unchanged.
func (a *Atomic) Take() bool {
	return a.TakeN(1)
}

// TakeN attempts to decrement the limit by n, reporting success.
func (a *Atomic) TakeN(n uint) bool {
	if remaining := atomic.AddInt64(&a.n, -int64(n)); remaining >= 0 {
		return true
	}
	atomic.AddInt64(&a.n, int64(n))
	return false
}

// Give returns 1 unit to the limit.
func (a *Atomic) Give() {
	a.GiveN(1)
}

// GiveN returns n units to the limit.
func (a *Atomic) GiveN(n uint) {
	atomic.AddInt64(&a.n, int64(n))
}

// Remaining reports the current count without modifying it.
func (a *Atomic) Remaining() int64 {
	return atomic.LoadInt64(&a.n)
}

// Sys holds every system-wide bound the kernel core enforces.
type Sys struct {
	// Procs bounds the number of live processes.
	Procs Atomic
	// Threads bounds the number of live threads.
	Threads Atomic
	// OpenFiles bounds the number of open file descriptors, summed
	// across all processes (each process also enforces its own
	// per-process fd table bound in internal/vfs).
	OpenFiles Atomic
	// Dentries bounds the VFS dentry cache (§3: dentries reclaimed at
	// refcount 0, so this is a soft cap enforced on insert).
	Dentries Atomic
	// BlockCache bounds the number of cached ext2 blocks.
	BlockCache Atomic
	// HeapBytes bounds cumulative kmalloc growth (internal/kmem).
	HeapBytes Atomic
}

// Default returns the kernel's boot-time resource limits.
func Default() *Sys {
	s := &Sys{}
	s.Procs.GiveN(1 << 14)
	s.Threads.GiveN(1 << 16)
	s.OpenFiles.GiveN(1 << 16)
	s.Dentries.GiveN(20000)
	s.BlockCache.GiveN(1 << 17)
	s.HeapBytes.GiveN(1 << 30) // 1GiB of kernel heap growth
	return s
}

// Sys0 is the process-wide instance, analogous to limits/limits.go's
// package-level Syslimit.
var Sys0 = Default()
