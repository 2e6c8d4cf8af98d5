// Package syscall implements the kernel's system call table: fork,
// execve, exit, wait, read, write, open, close, lseek, mmap, munmap,
// mprotect, getpid, kill, sigaction, sigreturn, mkdir, rmdir, unlink,
// stat, fstat, chmod, chdir, getdents and ioctl, dispatched by number
// exactly the way a real syscall instruction traps into a syscall
// table.
//
// This is a distinct synchronous-trap destination from the VMM
// page-fault/signal path internal/trap.Table already dispatches.
// internal/trap's Handler is shaped for CPU exceptions and device
// IRQs, whose entire state fits in an arch.Regs value -- it carries no
// process-table access, no dentry cache, nothing fork/exec/wait need.
// Rather than widen trap.Frame with Go-level process state no real
// hardware trap frame carries, this package is a sibling dispatch
// path: it is reached with the calling thread available via
// internal/proc's context.Context convention (see proc.Current), the
// same mechanism internal/proc's own package doc says every dispatched
// trap or syscall handler should be threaded through.
//
// Grounded on the combined behavior of kthread.c (fork/exit semantics),
// original_source's syscall-numbered dispatch in
// kernel/kernel/tasking/syscalls.c, and this module's own
// internal/vfs, internal/vmm, internal/elf and internal/sched, which
// between them already implement every primitive a syscall handler
// calls into.
package syscall

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/bpath"
	"github.com/ferrite-os/ferrite/internal/devid"
	"github.com/ferrite-os/ferrite/internal/elf"
	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/kstat"
	"github.com/ferrite-os/ferrite/internal/proc"
	"github.com/ferrite-os/ferrite/internal/sched"
	"github.com/ferrite-os/ferrite/internal/ustr"
	"github.com/ferrite-os/ferrite/internal/vfs"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

// Number identifies one syscall, the index a real syscall instruction's
// number register selects a table entry with.
type Number int

const (
	SysFork Number = iota
	SysExecve
	SysExit
	SysWait
	SysRead
	SysWrite
	SysOpen
	SysClose
	SysLseek
	SysMmap
	SysMunmap
	SysMprotect
	SysGetpid
	SysKill
	SysSigaction
	SysSigreturn
	SysMkdir
	SysRmdir
	SysUnlink
	SysStat
	SysFstat
	SysChmod
	SysChdir
	SysGetdents
	SysIoctl
	numSyscalls
)

// Args is the decoded argument set a syscall handler sees. A real
// hardware syscall ABI passes these in registers or on the stack; this
// module's simplified arch.Regs (internal/arch's design note) carries
// only three slots, so the arch backend that marshals a trap into a
// Dispatch call is responsible for assembling the full six-word set
// here, the same way it would decode a real register file.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// Kernel is the system-wide state shared by every process's syscalls:
// the scheduler, the dentry cache/resolver, and the frame arena and
// architecture backend new address spaces are built against.
type Kernel struct {
	Sched    *sched.Scheduler
	Resolver *vfs.Resolver
	Arena    *kmem.Arena
	Backend  arch.Backend
	// Stats backs the D_PROF device: opening profDevPath returns a
	// fresh pprof-encoded snapshot instead of resolving through the
	// VFS, the same special-casing the teacher's device nodes get via
	// defs.Mkdev's major/minor encoding rather than a real inode.
	Stats *kstat.Registry
}

// profDevPath is the well-known path sysOpen special-cases to the
// profiling device, standing in for the teacher's (major, minor)
// device-node lookup (defs/device.go's D_PROF) since this module has
// no devfs inode to back one.
const profDevPath = "/dev/prof"

type handlerFunc func(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno)

var table [numSyscalls]handlerFunc

func init() {
	table[SysFork] = sysFork
	table[SysExecve] = sysExecve
	table[SysExit] = sysExit
	table[SysWait] = sysWait
	table[SysRead] = sysRead
	table[SysWrite] = sysWrite
	table[SysOpen] = sysOpen
	table[SysClose] = sysClose
	table[SysLseek] = sysLseek
	table[SysMmap] = sysMmap
	table[SysMunmap] = sysMunmap
	table[SysMprotect] = sysMprotect
	table[SysGetpid] = sysGetpid
	table[SysKill] = sysKill
	table[SysSigaction] = sysSigaction
	table[SysSigreturn] = sysSigreturn
	table[SysMkdir] = sysMkdir
	table[SysRmdir] = sysRmdir
	table[SysUnlink] = sysUnlink
	table[SysStat] = sysStat
	table[SysFstat] = sysFstat
	table[SysChmod] = sysChmod
	table[SysChdir] = sysChdir
	table[SysGetdents] = sysGetdents
	table[SysIoctl] = sysIoctl
}

// Dispatch routes sysno to its handler, acting on behalf of whichever
// thread ctx carries as current (internal/proc.Current). Returns
// kerr.ENOSYS for an out-of-range or unregistered number.
//
// Before returning to user mode, it checks the calling thread for a
// pending, unmasked signal and delivers it (Thread.Deliver) -- the
// same "checked on return to user" point a real kernel's trap-return
// path tests, generalized here to also cover a syscall's return since
// this model has no separate interrupt-return path of its own.
func Dispatch(ctx context.Context, k *Kernel, sysno Number, a Args) (uint64, kerr.Errno) {
	th := proc.Current(ctx)
	if sysno < 0 || sysno >= numSyscalls || table[sysno] == nil {
		return 0, kerr.ENOSYS
	}
	ret, err := table[sysno](th, k, a)
	if !th.Doomed() {
		th.Deliver()
	}
	return ret, err
}

// cwdDentry returns the dentry a relative path resolves against: the
// directory wrapped by the process's current-working-directory
// descriptor, installed by sysChdir or Bootstrap.
func cwdDentry(p *proc.Process) *vfs.Dentry {
	f, ok := p.Cwd.FD.Ops.(*vfs.File)
	if !ok {
		panic("syscall: process cwd descriptor is not a directory file")
	}
	return f.Dentry()
}

const maxPathLen = 4096

// readPath copies a NUL-terminated path string in from user memory.
func readPath(as *vmm.AddressSpace, uva arch.VirtAddr) (ustr.Ustr, kerr.Errno) {
	as.LockPmap()
	defer as.UnlockPmap()

	buf := make([]byte, 0, 64)
	off := 0
	for off < maxPathLen {
		chunk, err := as.Translate(uva+arch.VirtAddr(off), false)
		if err != 0 {
			return nil, kerr.EFAULT
		}
		for _, b := range chunk {
			if b == 0 {
				return ustr.Ustr(buf), 0
			}
			buf = append(buf, b)
			off++
			if off >= maxPathLen {
				return nil, kerr.ENAMETOOLONG
			}
		}
	}
	return nil, kerr.ENAMETOOLONG
}

func sysGetpid(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	return uint64(th.Process.PID), 0
}

func sysFork(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	child, err := th.Process.Fork(th.Regs)
	if err != 0 {
		return 0, err
	}
	k.Sched.Spawn(child.MainThread, sched.ClassInteractive)
	return uint64(child.PID), 0
}

func sysExit(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	th.Process.Exit(int(int32(a.A0)))
	k.Sched.Exit(th.LastCPU)
	return 0, 0
}

func sysWait(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	pid, code, err := th.Process.Wait(proc.Pid(int32(a.A0)))
	if err != 0 {
		return 0, err
	}
	if a.A1 != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(code))
		ub := vmm.NewUserBuf(th.Process.AS, arch.VirtAddr(a.A1), 4)
		if _, werr := ub.Uiowrite(buf[:]); werr != 0 {
			return 0, werr
		}
	}
	return uint64(pid), 0
}

// fileOf resolves fd to its underlying *vfs.File, the concrete fdops.Ops
// implementation every regular-file or directory descriptor wraps.
func fileOf(th *proc.Thread, fdNum int) (*vfs.File, kerr.Errno) {
	fd, err := th.Process.FDTable.Get(fdNum)
	if err != 0 {
		return nil, err
	}
	f, ok := fd.Ops.(*vfs.File)
	if !ok {
		return nil, kerr.EINVAL
	}
	return f, 0
}

// opsOf resolves fd to its fdops.Ops, the generic surface every kind of
// open descriptor implements (regular files, directories, and devices
// such as /dev/prof alike).
func opsOf(th *proc.Thread, fdNum int) (fdops.Ops, kerr.Errno) {
	fd, err := th.Process.FDTable.Get(fdNum)
	if err != 0 {
		return nil, err
	}
	return fd.Ops, 0
}

func sysRead(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	ops, err := opsOf(th, int(int32(a.A0)))
	if err != 0 {
		return 0, err
	}
	cur, err := ops.Lseek(0, fdops.SeekCur)
	if err != 0 {
		return 0, err
	}
	ub := vmm.NewUserBuf(th.Process.AS, arch.VirtAddr(a.A1), int(a.A2))
	for {
		n, err := ops.Read(ub, cur)
		if err != kerr.EAGAIN {
			if err != 0 {
				return 0, err
			}
			ops.Lseek(n, fdops.SeekCur)
			return uint64(n), 0
		}
		if err := waitReady(th, ops); err != 0 {
			return 0, err
		}
	}
}

func sysWrite(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	ops, err := opsOf(th, int(int32(a.A0)))
	if err != 0 {
		return 0, err
	}
	cur, err := ops.Lseek(0, fdops.SeekCur)
	if err != 0 {
		return 0, err
	}
	ub := vmm.NewUserBuf(th.Process.AS, arch.VirtAddr(a.A1), int(a.A2))
	for {
		n, err := ops.Write(ub, cur, false)
		if err != kerr.EAGAIN {
			if err != 0 {
				return 0, err
			}
			ops.Lseek(n, fdops.SeekCur)
			return uint64(n), 0
		}
		if err := waitReady(th, ops); err != 0 {
			return 0, err
		}
	}
}

// waitReady blocks th until ops (an fdops.Blocker, e.g. a pipe end)
// reports its readiness may have changed, or the thread is killed --
// the S5 "signal delivery across suspension" scenario: a thread stuck
// in a blocking read must still notice a concurrent SIGKILL rather
// than wait forever. Returns ENOSYS if ops never blocks at all, since
// retrying forever on a non-blocking EAGAIN would be a bug, not a wait.
func waitReady(th *proc.Thread, ops fdops.Ops) kerr.Errno {
	blocker, ok := ops.(fdops.Blocker)
	if !ok {
		return kerr.ENOSYS
	}
	select {
	case <-blocker.Ready():
		return 0
	case <-th.KillChan():
		return kerr.EINTR
	}
}

// open(2) flag bits, the subset this module's syscall table exercises.
const (
	ORdonly = 0x0
	OWronly = 0x1
	ORdwr   = 0x2
	OCreat  = 0x40
	OExcl   = 0x80
	OTrunc  = 0x200
)

func sysOpen(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	flags := int(a.A1)
	mode := uint32(a.A2)

	if k.Stats != nil && path.String() == profDevPath {
		dev := kstat.NewProfDevice(k.Stats)
		fdn, ferr := th.Process.FDTable.Install(&fdops.FD{Ops: dev, Perms: fdops.PermRead})
		if ferr != 0 {
			return 0, ferr
		}
		return uint64(fdn), 0
	}

	start := cwdDentry(th.Process)

	d, rerr := k.Resolver.Resolve(start, path)
	switch {
	case rerr == kerr.ENOENT && flags&OCreat != 0:
		parent, perr := k.Resolver.Resolve(start, bpath.Dir(path))
		if perr != 0 {
			return 0, perr
		}
		leaf := bpath.Base(path)
		ino, cerr := parent.FS().Create(parent.Key.Inode, leaf, mode, th.Process.UID, th.Process.GID)
		if cerr != 0 {
			k.Resolver.Cache.Put(parent)
			return 0, cerr
		}
		key := vfs.Key{Dev: parent.Key.Dev, Inode: ino}
		nd, ierr := k.Resolver.Cache.Insert(key, parent.FS(), parent, leaf)
		k.Resolver.Cache.Put(parent)
		if ierr != 0 {
			return 0, ierr
		}
		d = nd
	case rerr != 0:
		return 0, rerr
	case flags&(OCreat|OExcl) == OCreat|OExcl:
		k.Resolver.Cache.Put(d)
		return 0, kerr.EEXIST
	}

	if flags&OTrunc != 0 {
		if terr := d.FS().Truncate(d.Key.Inode, 0); terr != 0 {
			k.Resolver.Cache.Put(d)
			return 0, terr
		}
	}

	f := vfs.OpenFile(k.Resolver.Cache, d)
	perms := fdops.PermRead
	if flags&(OWronly|ORdwr) != 0 {
		perms |= fdops.PermWrite
	}
	fdn, ferr := th.Process.FDTable.Install(&fdops.FD{Ops: f, Perms: perms})
	if ferr != 0 {
		f.Close()
		return 0, ferr
	}
	return uint64(fdn), 0
}

func sysClose(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	return 0, th.Process.FDTable.Close(int(int32(a.A0)))
}

func sysLseek(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	ops, err := opsOf(th, int(int32(a.A0)))
	if err != 0 {
		return 0, err
	}
	n, err := ops.Lseek(int(int64(a.A1)), fdops.Whence(a.A2))
	return uint64(int64(n)), err
}

// mmap(2) prot/flags bits, the subset this module's syscall table exercises.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2

	MapShared    = 0x1
	MapFixed     = 0x10
	MapAnonymous = 0x20
)

func sysMmap(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	length := a.A1
	if length == 0 {
		return 0, kerr.EINVAL
	}
	prot := int(a.A2)
	flags := int(a.A3)

	// PROT_NONE maps a guard region (zero perms); anything else is a
	// user-accessible mapping, writable only if PROT_WRITE asked.
	perms := arch.Flags(0)
	if prot != 0 {
		perms |= arch.FlagUser
	}
	if prot&ProtWrite != 0 {
		perms |= arch.FlagWrite
	}

	as := th.Process.AS
	var start arch.VirtAddr
	if flags&MapFixed != 0 {
		start = arch.VirtAddr(a.A0)
	} else {
		start = as.FindFree(arch.VirtAddr(a.A0), length)
	}

	if flags&MapAnonymous != 0 {
		as.MapAnon(start, length, perms)
		return uint64(start), 0
	}

	f, err := fileOf(th, int(int32(a.A4)))
	if err != 0 {
		return 0, err
	}
	backing := newFileBacking(f.Dentry(), k.Arena, uint64(k.Backend.PageSize()))
	off := int64(a.A5)
	if flags&MapShared != 0 {
		as.MapShared(start, length, perms, backing, off)
	} else {
		as.MapFile(start, length, perms, backing, off)
	}
	return uint64(start), 0
}

func sysMunmap(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	return 0, th.Process.AS.Unmap(arch.VirtAddr(a.A0), a.A1)
}

func sysMprotect(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	prot := int(a.A2)
	perms := arch.Flags(0)
	if prot != 0 {
		perms |= arch.FlagUser
	}
	if prot&ProtWrite != 0 {
		perms |= arch.FlagWrite
	}
	return 0, th.Process.AS.Protect(arch.VirtAddr(a.A0), perms)
}

// SigKill is the one signal whose delivery this model short-circuits
// into an immediate Kill rather than queuing it for later check,
// mirroring SIGKILL's un-ignorable, un-blockable real-world semantics.
const SigKill = proc.SigKillNum

func sysKill(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	pid := proc.Pid(int32(a.A0))
	sig := int(int32(a.A1))
	target, ok := proc.Table0.Get(pid)
	if !ok {
		return 0, kerr.ESRCH
	}
	if err := target.MainThread.Raise(sig); err != 0 {
		return 0, err
	}
	if sig == SigKill {
		target.MainThread.Kill(0)
	}
	if err := k.Sched.Wakeup(target.MainThread); err != 0 && err != kerr.ENOENT {
		return 0, err
	}
	return 0, 0
}

func sysSigaction(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	sig := int(int32(a.A0))
	old, err := th.Handler(sig)
	if err != 0 {
		return 0, err
	}
	if err := th.SetHandler(sig, uintptr(a.A1)); err != 0 {
		return 0, err
	}
	return uint64(old), 0
}

// sysSigreturn pops the sigframe Thread.Deliver pushed, restoring the
// interrupted registers and signal mask -- the kernel-side half of the
// sigreturn(2) trampoline a signal handler's epilogue calls into.
func sysSigreturn(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	return 0, th.Sigreturn()
}

func sysMkdir(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	parent, perr := k.Resolver.Resolve(start, bpath.Dir(path))
	if perr != 0 {
		return 0, perr
	}
	defer k.Resolver.Cache.Put(parent)
	_, cerr := parent.FS().Mkdir(parent.Key.Inode, bpath.Base(path), uint32(a.A1), th.Process.UID, th.Process.GID)
	return 0, cerr
}

func sysRmdir(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	parent, perr := k.Resolver.Resolve(start, bpath.Dir(path))
	if perr != 0 {
		return 0, perr
	}
	defer k.Resolver.Cache.Put(parent)
	return 0, parent.FS().Rmdir(parent.Key.Inode, bpath.Base(path))
}

func sysUnlink(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	parent, perr := k.Resolver.Resolve(start, bpath.Dir(path))
	if perr != 0 {
		return 0, perr
	}
	defer k.Resolver.Cache.Put(parent)
	return 0, parent.FS().Unlink(parent.Key.Inode, bpath.Base(path))
}

const statSize = 72

func writeStat(as *vmm.AddressSpace, uva arch.VirtAddr, st vfs.Stat) kerr.Errno {
	var buf [statSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(st.Inode))
	binary.LittleEndian.PutUint32(buf[4:8], st.Mode)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(st.UID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(st.GID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(st.Size))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(st.Links))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(st.Type))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(st.Blocks))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(st.Atime))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(st.Mtime))
	binary.LittleEndian.PutUint64(buf[56:64], uint64(st.Ctime))
	binary.LittleEndian.PutUint64(buf[64:72], st.Rdev)
	ub := vmm.NewUserBuf(as, uva, statSize)
	_, err := ub.Uiowrite(buf[:])
	return err
}

// devStat synthesizes a vfs.Stat for an Ops implementation that isn't
// backed by a dentry (e.g. /dev/prof), so fstat(2) still reports a
// coherent device node instead of failing.
func devStat(ops fdops.Ops) (vfs.Stat, bool) {
	switch ops.(type) {
	case *kstat.ProfDevice:
		return vfs.Stat{Type: vfs.TypeDevice, Rdev: devid.Mkdev(devid.Prof, 0)}, true
	default:
		return vfs.Stat{}, false
	}
}

func sysStat(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	d, rerr := k.Resolver.Resolve(start, path)
	if rerr != 0 {
		return 0, rerr
	}
	defer k.Resolver.Cache.Put(d)
	return 0, writeStat(th.Process.AS, arch.VirtAddr(a.A1), d.Inode())
}

func sysFstat(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	fd, err := th.Process.FDTable.Get(int(int32(a.A0)))
	if err != 0 {
		return 0, err
	}
	if f, ok := fd.Ops.(*vfs.File); ok {
		return 0, writeStat(th.Process.AS, arch.VirtAddr(a.A1), f.Dentry().Inode())
	}
	if st, ok := devStat(fd.Ops); ok {
		return 0, writeStat(th.Process.AS, arch.VirtAddr(a.A1), st)
	}
	return 0, kerr.EINVAL
}

func sysChmod(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	d, rerr := k.Resolver.Resolve(start, path)
	if rerr != 0 {
		return 0, rerr
	}
	defer k.Resolver.Cache.Put(d)
	return 0, d.FS().Chmod(d.Key.Inode, uint32(a.A1))
}

func sysChdir(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	d, rerr := k.Resolver.Resolve(start, path)
	if rerr != 0 {
		return 0, rerr
	}
	if !d.IsDir() {
		k.Resolver.Cache.Put(d)
		return 0, kerr.ENOTDIR
	}
	newCwd := bpath.Canonicalize(th.Process.Cwd.Canonicalpath(path))
	f := vfs.OpenFile(k.Resolver.Cache, d)
	th.Process.Cwd.SetDir(&fdops.FD{Ops: f, Perms: fdops.PermRead}, newCwd)
	return 0, 0
}

func encodeDirent(e vfs.Dirent) []byte {
	name := []byte(e.Name)
	rec := make([]byte, 8+len(name)) // inode(4) + reclen(2) + type(1) + name + NUL
	binary.LittleEndian.PutUint32(rec[0:4], uint32(e.Inode))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(len(rec)))
	rec[6] = byte(e.Type)
	copy(rec[7:], name)
	return rec
}

// sysGetdents fills the user buffer with as many directory-entry
// records as fit, advancing the descriptor's offset to resume from
// after the last entry copied. A batch the driver returns that doesn't
// fully fit the caller's buffer is not yet split across calls; callers
// are expected to pass a buffer sized for at least one driver batch
// (internal/ext2 returns one block's worth of entries per call).
func sysGetdents(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	f, err := fileOf(th, int(int32(a.A0)))
	if err != 0 {
		return 0, err
	}
	d := f.Dentry()
	if !d.IsDir() {
		return 0, kerr.ENOTDIR
	}
	cur := f.Tell()
	ents, next, derr := d.FS().Getdents(d.Key.Inode, int64(cur))
	if derr != 0 {
		return 0, derr
	}

	bufsz := int(a.A2)
	buf := make([]byte, 0, bufsz)
	for _, e := range ents {
		rec := encodeDirent(e)
		if len(buf)+len(rec) > bufsz {
			break
		}
		buf = append(buf, rec...)
	}
	if len(buf) == 0 && len(ents) > 0 {
		return 0, kerr.EINVAL
	}

	ub := vmm.NewUserBuf(th.Process.AS, arch.VirtAddr(a.A1), len(buf))
	n, werr := ub.Uiowrite(buf)
	if werr != 0 {
		return 0, werr
	}
	f.Lseek(int(next), fdops.SeekSet)
	return uint64(n), 0
}

// sysIoctl validates the descriptor and otherwise reports no supported
// device controls, the standard fallback for a descriptor that isn't a
// tty or a device this kernel models.
func sysIoctl(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	if _, err := th.Process.FDTable.Get(int(int32(a.A0))); err != 0 {
		return 0, err
	}
	return 0, kerr.ENOTTY
}

// userHighFor is this model's 64-bit USER_HIGH per architecture: the
// top of the user address range a new thread's stack is mapped just
// below. original_source/.../i386/vmm/consts.h only defines the 32-bit
// figure (0xbfffffff); these are each backend's conventional canonical
// user-space ceiling, since no 64-bit oneOS platform header was
// retrieved to read an exact constant from.
var userHighFor = map[string]arch.VirtAddr{
	"amd64":   0x00007ffffffff000,
	"arm64":   0x0000ffffffffe000,
	"riscv64": 0x00003ffffffff000,
}

// direntReaderAt adapts a directory entry's regular-file contents to
// io.ReaderAt, the shape internal/elf.Load reads through.
type direntReaderAt struct {
	d *vfs.Dentry
}

func (r direntReaderAt) ReadAt(buf []byte, off int64) (int, error) {
	n, err := r.d.FS().Read(r.d.Key.Inode, buf, off)
	if err != 0 {
		return n, err
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// sysExecve replaces the calling process's address space with a freshly
// loaded ELF image: validate against the target backend, map every
// PT_LOAD segment, map a fresh user stack just below USER_HIGH, and
// point the thread's saved registers at the new entry. File
// descriptors marked close-on-exec are closed; the rest (and the
// process's identity, pid, parent) survive unchanged, per execve(2)'s
// standard contract.
func sysExecve(th *proc.Thread, k *Kernel, a Args) (uint64, kerr.Errno) {
	path, err := readPath(th.Process.AS, arch.VirtAddr(a.A0))
	if err != 0 {
		return 0, err
	}
	start := cwdDentry(th.Process)
	d, rerr := k.Resolver.Resolve(start, path)
	if rerr != 0 {
		return 0, rerr
	}
	defer k.Resolver.Cache.Put(d)

	img, ierr := elf.Load(direntReaderAt{d}, k.Backend)
	if ierr != 0 {
		return 0, ierr
	}

	top, ok := userHighFor[k.Backend.Name()]
	if !ok {
		return 0, kerr.ENOEXEC
	}

	newAS := vmm.New(k.Arena, k.Backend)
	img.Install(newAS, k.Arena)
	sp := elf.MapUserStack(newAS, top)

	th.Process.AS.Teardown()
	th.Process.AS = newAS
	th.Process.FDTable.CloseOnExec()
	th.Regs = k.Backend.NewThreadRegs(img.Entry, sp, 0)
	return 0, 0
}
