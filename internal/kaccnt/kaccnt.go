// Package kaccnt accumulates per-thread/per-process CPU accounting,
// exposed to userspace as rusage on wait4. oneOS's tasking layer tracks
// this and the wait syscall's contract implies it even where a distilled
// description of the call doesn't spell out rusage explicitly. Grounded
// on accnt/accnt.go.
package kaccnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates user and system time in nanoseconds.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
}

// AddUser adds delta nanoseconds of user-mode time.
func (a *Accnt) AddUser(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// AddSys adds delta nanoseconds of system-mode time.
func (a *Accnt) AddSys(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// IOTime discounts time spent blocked on I/O from system time so a thread
// waiting on a slow disk isn't charged CPU time for the wait.
func (a *Accnt) IOTime(since time.Time) {
	a.AddSys(-time.Since(since))
}

// SleepTime discounts time spent blocked in the scheduler.
func (a *Accnt) SleepTime(since time.Time) {
	a.AddSys(-time.Since(since))
}

// Merge folds child accounting into a parent's on reap (wait()), the
// mechanism behind the rusage a parent sees for a reaped child.
func (a *Accnt) Merge(child *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += atomic.LoadInt64(&child.Userns)
	a.Sysns += atomic.LoadInt64(&child.Sysns)
}

// Rusage is the {user, sys} timeval pair returned by wait4/getrusage.
type Rusage struct {
	UserSec, UserUsec int64
	SysSec, SysUsec   int64
}

// Snapshot returns a consistent rusage snapshot.
func (a *Accnt) Snapshot() Rusage {
	a.mu.Lock()
	defer a.mu.Unlock()
	us, uu := split(a.Userns)
	ss, su := split(a.Sysns)
	return Rusage{UserSec: us, UserUsec: uu, SysSec: ss, SysUsec: su}
}

func split(nanos int64) (sec, usec int64) {
	return nanos / 1e9, (nanos % 1e9) / 1000
}
