package syscall

import (
	"context"
	"testing"

	"github.com/google/pprof/profile"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/arch/amd64"
	"github.com/ferrite-os/ferrite/internal/devid"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/kstat"
	"github.com/ferrite-os/ferrite/internal/proc"
	"github.com/ferrite-os/ferrite/internal/vfs"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

func newTestProcess(t *testing.T) *proc.Process {
	t.Helper()
	backend := amd64.Backend{}
	arena := kmem.NewArena(256)
	zones := kmem.NewZoneAllocator()
	p, err := proc.NewKernelProcess(backend, arena, zones, arch.VirtAddr(0xffff800000100000), 0)
	if err != 0 {
		t.Fatalf("NewKernelProcess: %v", err)
	}
	p.AS.MapAnon(0x10000, 0x3000, arch.FlagUser|arch.FlagWrite)
	return p
}

// writeUserString copies s plus a NUL terminator into the process's
// address space at uva, the way a libc would lay out a path argument.
func writeUserString(t *testing.T, p *proc.Process, uva arch.VirtAddr, s string) {
	t.Helper()
	p.AS.LockPmap()
	defer p.AS.UnlockPmap()
	b, err := p.AS.Translate(uva, true)
	if err != 0 {
		t.Fatalf("Translate: %v", err)
	}
	copy(b, s)
	b[len(s)] = 0
}

func TestOpenProfDeviceFstatReportsDeviceNode(t *testing.T) {
	p := newTestProcess(t)
	writeUserString(t, p, 0x10000, profDevPath)

	reg := kstat.NewRegistry()
	reg.Counter("irq.timer").Add(3)
	k := &Kernel{Stats: reg}

	ctx := proc.WithThread(context.Background(), p.MainThread)

	fdn, err := Dispatch(ctx, k, SysOpen, Args{A0: 0x10000})
	if err != 0 {
		t.Fatalf("open: %v", err)
	}

	statAddr := arch.VirtAddr(0x11000)
	if _, err := Dispatch(ctx, k, SysFstat, Args{A0: fdn, A1: uint64(statAddr)}); err != 0 {
		t.Fatalf("fstat: %v", err)
	}

	var st [statSize]byte
	if _, terr := vmm.NewUserBuf(p.AS, statAddr, statSize).Uioread(st[:]); terr != 0 {
		t.Fatalf("read back stat buf: %v", terr)
	}

	typ := le32(st[28:32])
	if vfs.FileType(typ) != vfs.TypeDevice {
		t.Fatalf("stat.Type = %d, want TypeDevice", typ)
	}
	rdev := le64(st[64:72])
	wantMajor, wantMinor := devid.Prof, 0
	gotMajor, gotMinor := devid.Unmkdev(rdev)
	if gotMajor != wantMajor || gotMinor != wantMinor {
		t.Fatalf("rdev = (%d,%d), want (%d,%d)", gotMajor, gotMinor, wantMajor, wantMinor)
	}
}

func TestReadProfDeviceReturnsPprofSnapshot(t *testing.T) {
	p := newTestProcess(t)
	writeUserString(t, p, 0x10000, profDevPath)

	reg := kstat.NewRegistry()
	reg.Counter("irq.timer").Add(7)
	reg.Cycles("sched.tick").Add(42)
	k := &Kernel{Stats: reg}

	ctx := proc.WithThread(context.Background(), p.MainThread)

	fdn, err := Dispatch(ctx, k, SysOpen, Args{A0: 0x10000})
	if err != 0 {
		t.Fatalf("open: %v", err)
	}

	readAddr := arch.VirtAddr(0x11000)
	n, err := Dispatch(ctx, k, SysRead, Args{A0: fdn, A1: uint64(readAddr), A2: 0x2000})
	if err != 0 {
		t.Fatalf("read: %v", err)
	}
	if n == 0 {
		t.Fatal("read returned 0 bytes")
	}

	raw := make([]byte, n)
	if _, terr := vmm.NewUserBuf(p.AS, readAddr, int(n)).Uioread(raw); terr != 0 {
		t.Fatalf("read back profile buf: %v", terr)
	}
	prof, perr := profile.ParseData(raw)
	if perr != nil {
		t.Fatalf("ParseData: %v", perr)
	}
	if len(prof.Sample) != 2 {
		t.Fatalf("got %d samples, want 2", len(prof.Sample))
	}

	// a second read starts where the first stopped (sysRead advances
	// the fd's cursor past the snapshot) and returns EOF, not an error.
	n2, err := Dispatch(ctx, k, SysRead, Args{A0: fdn, A1: uint64(readAddr), A2: 0x2000})
	if err != 0 {
		t.Fatalf("second read: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("second read = %d bytes, want 0 (past snapshot end)", n2)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
