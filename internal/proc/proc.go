// Package proc implements process and thread lifecycle: allocation,
// kernel-thread setup, fork, exit and reaping. Grounded on
// tasking/kthread.c (kthread_setup/kthread_setup_regs/
// kthread_fill_up_stack), tinfo/tinfo.go (Tnote_t's alive/killed/doomed
// bookkeeping, generalized below in signal.go), fd/fd.go (Cwd_t, reused
// directly from internal/fdops) and limits/limits.go (the
// proclock-protected process table this package's Table mirrors).
//
// The teacher locates "the current thread" via a per-OS-thread TLS slot
// (runtime.Gptr/Setgptr, a hook only the forked GOOS=biscuit runtime
// exposes). An ordinary Go module has no such hook and no business
// patching the runtime for one, so this package threads the current
// thread through context.Context instead (ctx.go) -- the idiomatic Go
// analogue of per-goroutine ambient state.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kaccnt"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/klimits"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/vfs"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

// Pid is a process ID; Tid is a thread ID. In this single-threaded-
// per-process model a thread's Tid equals its process's Pid for the
// main thread, matching kthread_setup's main_thread->tid = p->pid.
type Pid int32
type Tid int32

// LastCPUNotSet mirrors LAST_CPU_NOT_SET: a thread that has never run
// has no scheduling affinity hint yet.
const LastCPUNotSet = -1

// MaxOpenFiles bounds one process's file-descriptor table, mirrored
// from klimits.Sys0.OpenFiles' system-wide cap at the per-process
// level the teacher's Fd_t slice also implicitly bounds.
const MaxOpenFiles = 1024

// InitPid is the well-known PID of the first process ever created.
// allocPid hands out PID 1 first, so whichever process boots first is
// init by construction; orphaned children are reparented to it.
const InitPid Pid = 1

var nextPid int64

func allocPid() Pid {
	return Pid(atomic.AddInt64(&nextPid, 1))
}

// State is a process's run state.
type State int

const (
	StateRunning State = iota
	StateZombie
)

// ThreadState is a thread's scheduling state, consulted by
// internal/sched.
type ThreadState int

const (
	ThreadRunnable ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadZombie
)

// Thread is one schedulable context within a Process. Every process in
// this model has exactly one thread (its MainThread); multi-threaded
// processes are an Open Question left to future work (see DESIGN.md).
type Thread struct {
	TID     Tid
	Process *Process
	Regs    arch.Regs
	KStack  kmem.Zone
	LastCPU int

	mu    sync.Mutex
	state ThreadState

	sig signalState
}

// SetState updates the thread's scheduling state, called by
// internal/sched as it moves a thread between ready, running and
// blocked.
func (t *Thread) SetState(s ThreadState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// GetState reports the thread's current scheduling state.
func (t *Thread) GetState() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Process is a schedulable unit of address space, credentials, open
// files and children, the generalization of kthread_setup's proc_t.
type Process struct {
	PID  Pid
	PGID Pid

	UID, GID   int
	EUID, EGID int
	SUID, SGID int

	IsKthread bool

	AS         *vmm.AddressSpace
	MainThread *Thread
	FDTable    *vfs.FDTable
	Cwd        *fdops.Cwd

	// Accnt is the process's own CPU accounting plus, once reaped
	// children have been merged in by Wait, their accumulated
	// usage -- the rusage a wait4-style call reports.
	Accnt *kaccnt.Accnt

	mu       sync.Mutex
	State    State
	ExitCode int
	Parent   *Process
	Children []*Process
	waiters  chan struct{}
}

// NewKernelProcess allocates a process running entirely in kernel mode
// at entry with a single argument, matching kthread_setup +
// kthread_setup_regs + kthread_fill_up_stack combined (kernel threads
// have no user-mode half to set up separately).
func NewKernelProcess(backend arch.Backend, arena *kmem.Arena, zones *kmem.ZoneAllocator, entry arch.VirtAddr, arg uint64) (*Process, kerr.Errno) {
	if !klimits.Sys0.Procs.Take() {
		return nil, kerr.EAGAIN
	}
	if !klimits.Sys0.Threads.Take() {
		klimits.Sys0.Procs.Give()
		return nil, kerr.EAGAIN
	}

	p := &Process{IsKthread: true, waiters: make(chan struct{}), Accnt: &kaccnt.Accnt{}}
	p.PID = allocPid()
	p.PGID = p.PID
	p.AS = vmm.New(arena, backend)

	kstackLen := uint64(backend.PageSize())
	zone := zones.New(kstackLen)
	p.AS.MapAnon(zone.Start, zone.Len, arch.FlagPresent|arch.FlagWrite)

	th := &Thread{TID: Tid(p.PID), Process: p, LastCPU: LastCPUNotSet}
	th.KStack = zone
	sp := zone.Start + arch.VirtAddr(zone.Len)
	th.Regs = backend.NewThreadRegs(entry, sp, arg)
	th.initSignals()
	p.MainThread = th

	p.FDTable = vfs.NewFDTable(MaxOpenFiles)
	p.Cwd = fdops.NewRootCwd(nil)

	Table0.add(p)
	return p, 0
}

// Fork duplicates p into a new child process: a copy-on-write address
// space (vmm.AddressSpace.Fork), a reopened file-descriptor table and
// cwd, and a main thread whose saved registers are a copy of the
// parent's calling thread -- the fork(2) syscall's kernel-side half.
func (p *Process) Fork(callerRegs arch.Regs) (*Process, kerr.Errno) {
	if !klimits.Sys0.Procs.Take() {
		return nil, kerr.EAGAIN
	}
	if !klimits.Sys0.Threads.Take() {
		klimits.Sys0.Procs.Give()
		return nil, kerr.EAGAIN
	}

	fdt, err := p.FDTable.Fork()
	if err != 0 {
		klimits.Sys0.Procs.Give()
		klimits.Sys0.Threads.Give()
		return nil, err
	}

	as, aserr := p.AS.Fork()
	if aserr != 0 {
		fdt.CloseAll()
		klimits.Sys0.Procs.Give()
		klimits.Sys0.Threads.Give()
		return nil, aserr
	}

	child := &Process{waiters: make(chan struct{}), Accnt: &kaccnt.Accnt{}}
	child.PID = allocPid()
	child.PGID = p.PGID
	child.UID, child.GID = p.UID, p.GID
	child.EUID, child.EGID = p.EUID, p.EGID
	child.SUID, child.SGID = p.SUID, p.SGID
	cwd, cerr := p.Cwd.Clone()
	if cerr != 0 {
		fdt.CloseAll()
		as.Teardown()
		klimits.Sys0.Procs.Give()
		klimits.Sys0.Threads.Give()
		return nil, cerr
	}

	child.AS = as
	child.FDTable = fdt
	child.Cwd = cwd
	child.Parent = p

	th := &Thread{TID: Tid(child.PID), Process: child, LastCPU: LastCPUNotSet, Regs: callerRegs}
	th.KStack = p.MainThread.KStack
	th.initSignals()
	child.MainThread = th

	p.mu.Lock()
	p.Children = append(p.Children, child)
	p.mu.Unlock()

	Table0.add(child)
	return child, 0
}

// Exit tears down the process's address space and marks it a zombie
// carrying exitCode, waking any parent blocked in Wait. Any live
// children are handed off to init first, so an exiting parent never
// strands a child as an unreapable orphan. Matches the kernel-side
// half of the exit(2)/do_exit path.
func (p *Process) Exit(exitCode int) {
	p.AS.Teardown()
	p.FDTable.CloseAll()
	p.Cwd.DropRef()

	p.mu.Lock()
	if p.State == StateZombie {
		p.mu.Unlock()
		return
	}
	p.State = StateZombie
	p.ExitCode = exitCode
	orphans := p.Children
	p.Children = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	reparentToInit(p.PID, orphans)

	if waiters != nil {
		close(waiters)
	}
	klimits.Sys0.Threads.Give()
}

// reparentToInit adopts an exiting process's live children onto pid 1,
// the well-known init process, matching the orphan-reparenting every
// Unix-derived exit(2) path performs: without it, an orphaned child
// would never have a parent left to call Wait and reap it. A no-op if
// init itself is the one exiting, or hasn't been created yet.
func reparentToInit(exitingPID Pid, orphans []*Process) {
	if len(orphans) == 0 || exitingPID == InitPid {
		return
	}
	init, ok := Table0.Get(InitPid)
	if !ok {
		return
	}
	for _, c := range orphans {
		c.mu.Lock()
		c.Parent = init
		c.mu.Unlock()
	}
	init.mu.Lock()
	init.Children = append(init.Children, orphans...)
	init.mu.Unlock()
}

// Wait blocks until childPid (or any child, if childPid is 0) exits,
// then reaps it and returns its pid and exit code. Matches wait(2)'s
// reap-on-success contract: a reaped child is removed from the process
// table and the parent's Children list.
func (p *Process) Wait(childPid Pid) (Pid, int, kerr.Errno) {
	for {
		p.mu.Lock()
		var found *Process
		idx := -1
		for i, c := range p.Children {
			if childPid == 0 || c.PID == childPid {
				c.mu.Lock()
				zombie := c.State == StateZombie
				c.mu.Unlock()
				if zombie {
					found = c
					idx = i
					break
				}
			}
		}
		if found != nil {
			p.Children = append(p.Children[:idx], p.Children[idx+1:]...)
			p.mu.Unlock()
			found.mu.Lock()
			code := found.ExitCode
			found.mu.Unlock()
			p.Accnt.Merge(found.Accnt)
			Table0.remove(found.PID)
			klimits.Sys0.Procs.Give()
			return found.PID, code, 0
		}
		if len(p.Children) == 0 {
			p.mu.Unlock()
			return 0, 0, kerr.ECHILD
		}
		// Wait on the first still-running child's channel; a slow but
		// correct strategy since Exit always signals its own channel.
		waitCh := p.Children[0].waiters
		p.mu.Unlock()
		if waitCh != nil {
			<-waitCh
		}
	}
}

// Table is the system-wide pid -> Process registry, the generalization
// of the proclock-protected table limits.go's comments describe.
type Table struct {
	mu    sync.Mutex
	procs map[Pid]*Process
}

// Table0 is the process-wide instance.
var Table0 = &Table{procs: make(map[Pid]*Process)}

func (t *Table) add(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.PID] = p
}

func (t *Table) remove(pid Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Get looks up a process by pid.
func (t *Table) Get(pid Pid) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Len reports the number of live processes, for tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
