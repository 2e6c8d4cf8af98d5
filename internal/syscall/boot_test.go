package syscall

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/arch/amd64"
	"github.com/ferrite-os/ferrite/internal/diskio"
	"github.com/ferrite-os/ferrite/internal/ext2"
	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/pipe"
	"github.com/ferrite-os/ferrite/internal/proc"
	"github.com/ferrite-os/ferrite/internal/vfs"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

// bootKernel formats a small ext2 image on a host-file block device,
// mounts it as root, and returns a dispatch context for the init
// process, with a few pages of user memory mapped for path strings and
// IO buffers.
func bootKernel(t *testing.T) (*Kernel, context.Context, *proc.Process) {
	t.Helper()

	// two spare sectors past the 4 MiB of blocks: with 1 KiB blocks the
	// data area starts one block past the boot block, so the last block's
	// bytes land just beyond a size-exact device.
	dev, err := diskio.Create(filepath.Join(t.TempDir(), "root.img"), 8194)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	if _, errno := ext2.Format(dev, 4096, 1024, 512); errno != 0 {
		t.Fatalf("format: %v", errno)
	}

	k := &Kernel{Arena: kmem.NewArena(512), Backend: amd64.Backend{}}
	if errno := MountRoot(k, ext2.Driver{}, dev); errno != 0 {
		t.Fatalf("MountRoot: %v", errno)
	}
	p, errno := Bootstrap(k, kmem.NewZoneAllocator())
	if errno != 0 {
		t.Fatalf("Bootstrap: %v", errno)
	}
	p.AS.MapAnon(0x10000, 0x8000, arch.FlagUser|arch.FlagWrite)

	ctx := proc.WithThread(context.Background(), p.MainThread)
	return k, ctx, p
}

func pokeUser(t *testing.T, p *proc.Process, uva arch.VirtAddr, data []byte) {
	t.Helper()
	n, err := vmm.NewUserBuf(p.AS, uva, len(data)).Uiowrite(data)
	if err != 0 || n != len(data) {
		t.Fatalf("poke user memory: n=%d err=%v", n, err)
	}
}

func pokeUserString(t *testing.T, p *proc.Process, uva arch.VirtAddr, s string) {
	t.Helper()
	pokeUser(t, p, uva, append([]byte(s), 0))
}

func peekUser(t *testing.T, p *proc.Process, uva arch.VirtAddr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got, err := vmm.NewUserBuf(p.AS, uva, n).Uioread(buf)
	if err != 0 {
		t.Fatalf("peek user memory: %v", err)
	}
	return buf[:got]
}

const (
	pathAddr arch.VirtAddr = 0x10000
	dataAddr arch.VirtAddr = 0x11000
	readAddr arch.VirtAddr = 0x13000
	statAddr arch.VirtAddr = 0x15000
)

func TestWriteReadRoundtripThroughSyscalls(t *testing.T) {
	k, ctx, p := bootKernel(t)

	pokeUserString(t, p, pathAddr, "/notes.txt")
	fd, err := Dispatch(ctx, k, SysOpen, Args{A0: uint64(pathAddr), A1: OWronly | OCreat, A2: 0644})
	if err != 0 {
		t.Fatalf("open(O_CREAT): %v", err)
	}

	payload := []byte("every byte survives a write-then-read")
	pokeUser(t, p, dataAddr, payload)
	n, err := Dispatch(ctx, k, SysWrite, Args{A0: fd, A1: uint64(dataAddr), A2: uint64(len(payload))})
	if err != 0 || int(n) != len(payload) {
		t.Fatalf("write = (%d, %v), want (%d, 0)", n, err, len(payload))
	}
	if _, err := Dispatch(ctx, k, SysClose, Args{A0: fd}); err != 0 {
		t.Fatalf("close: %v", err)
	}

	// reopen and read back, property 6's close-and-reopen variant.
	fd, err = Dispatch(ctx, k, SysOpen, Args{A0: uint64(pathAddr)})
	if err != 0 {
		t.Fatalf("reopen: %v", err)
	}
	n, err = Dispatch(ctx, k, SysRead, Args{A0: fd, A1: uint64(readAddr), A2: 4096})
	if err != 0 || int(n) != len(payload) {
		t.Fatalf("read = (%d, %v), want (%d, 0)", n, err, len(payload))
	}
	if got := peekUser(t, p, readAddr, len(payload)); string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}

	// lseek back and reread a suffix.
	if _, err := Dispatch(ctx, k, SysLseek, Args{A0: fd, A1: 6, A2: uint64(fdops.SeekSet)}); err != 0 {
		t.Fatalf("lseek: %v", err)
	}
	n, err = Dispatch(ctx, k, SysRead, Args{A0: fd, A1: uint64(readAddr), A2: 4096})
	if err != 0 {
		t.Fatalf("read after lseek: %v", err)
	}
	if got := peekUser(t, p, readAddr, int(n)); string(got) != string(payload[6:]) {
		t.Fatalf("suffix read %q, want %q", got, payload[6:])
	}
}

func TestMkdirChdirStatUnlink(t *testing.T) {
	k, ctx, p := bootKernel(t)

	pokeUserString(t, p, pathAddr, "/var")
	if _, err := Dispatch(ctx, k, SysMkdir, Args{A0: uint64(pathAddr), A1: 0755}); err != 0 {
		t.Fatalf("mkdir /var: %v", err)
	}
	pokeUserString(t, p, pathAddr, "/var/log")
	if _, err := Dispatch(ctx, k, SysMkdir, Args{A0: uint64(pathAddr), A1: 0755}); err != 0 {
		t.Fatalf("mkdir /var/log: %v", err)
	}

	if _, err := Dispatch(ctx, k, SysChdir, Args{A0: uint64(pathAddr)}); err != 0 {
		t.Fatalf("chdir: %v", err)
	}
	// a relative create must now land inside /var/log.
	pokeUserString(t, p, pathAddr, "boot.log")
	fd, err := Dispatch(ctx, k, SysOpen, Args{A0: uint64(pathAddr), A1: OWronly | OCreat, A2: 0644})
	if err != 0 {
		t.Fatalf("relative create: %v", err)
	}
	if _, err := Dispatch(ctx, k, SysClose, Args{A0: fd}); err != 0 {
		t.Fatalf("close: %v", err)
	}

	pokeUserString(t, p, pathAddr, "/var/log/boot.log")
	if _, err := Dispatch(ctx, k, SysStat, Args{A0: uint64(pathAddr), A1: uint64(statAddr)}); err != 0 {
		t.Fatalf("stat: %v", err)
	}
	st := peekUser(t, p, statAddr, statSize)
	if typ := le32(st[28:32]); vfs.FileType(typ) != vfs.TypeRegular {
		t.Fatalf("stat type = %d, want regular", typ)
	}

	if _, err := Dispatch(ctx, k, SysUnlink, Args{A0: uint64(pathAddr)}); err != 0 {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := Dispatch(ctx, k, SysStat, Args{A0: uint64(pathAddr), A1: uint64(statAddr)}); err != kerr.ENOENT {
		t.Fatalf("stat after unlink = %v, want ENOENT", err)
	}

	// /var/log is now empty again; rmdir both levels.
	pokeUserString(t, p, pathAddr, "/var/log")
	if _, err := Dispatch(ctx, k, SysRmdir, Args{A0: uint64(pathAddr)}); err != 0 {
		t.Fatalf("rmdir /var/log: %v", err)
	}
	pokeUserString(t, p, pathAddr, "/var")
	if _, err := Dispatch(ctx, k, SysRmdir, Args{A0: uint64(pathAddr)}); err != 0 {
		t.Fatalf("rmdir /var: %v", err)
	}
}

func TestGetdentsListsRootEntries(t *testing.T) {
	k, ctx, p := bootKernel(t)

	for _, name := range []string{"/a", "/b"} {
		pokeUserString(t, p, pathAddr, name)
		fd, err := Dispatch(ctx, k, SysOpen, Args{A0: uint64(pathAddr), A1: OWronly | OCreat, A2: 0644})
		if err != 0 {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := Dispatch(ctx, k, SysClose, Args{A0: fd}); err != 0 {
			t.Fatalf("close %s: %v", name, err)
		}
	}

	pokeUserString(t, p, pathAddr, "/")
	fd, err := Dispatch(ctx, k, SysOpen, Args{A0: uint64(pathAddr)})
	if err != 0 {
		t.Fatalf("open /: %v", err)
	}
	n, err := Dispatch(ctx, k, SysGetdents, Args{A0: fd, A1: uint64(readAddr), A2: 4096})
	if err != 0 || n == 0 {
		t.Fatalf("getdents = (%d, %v), want (>0, 0)", n, err)
	}

	seen := map[string]bool{}
	raw := peekUser(t, p, readAddr, int(n))
	for off := 0; off < len(raw); {
		recLen := int(raw[off+4]) | int(raw[off+5])<<8
		name := string(raw[off+7 : off+recLen-1]) // strip the trailing NUL
		seen[name] = true
		off += recLen
	}
	for _, want := range []string{".", "..", "a", "b"} {
		if !seen[want] {
			t.Fatalf("getdents missing %q, saw %v", want, seen)
		}
	}
}

func TestMmapAnonDemandZeroAndMunmap(t *testing.T) {
	k, ctx, p := bootKernel(t)

	addr, err := Dispatch(ctx, k, SysMmap, Args{
		A0: 0x40000000, A1: 0x2000,
		A2: ProtRead | ProtWrite, A3: MapAnonymous | MapFixed,
	})
	if err != 0 {
		t.Fatalf("mmap: %v", err)
	}
	if addr != 0x40000000 {
		t.Fatalf("MAP_FIXED returned %#x", addr)
	}
	// first touch reads zero (S3's demand-page zero fill).
	if got := peekUser(t, p, 0x40001000, 1); got[0] != 0 {
		t.Fatalf("fresh anon page byte = %d, want 0", got[0])
	}
	pokeUser(t, p, 0x40001000, []byte{0x5a})
	if got := peekUser(t, p, 0x40001000, 1); got[0] != 0x5a {
		t.Fatalf("read back %#x, want 0x5a", got[0])
	}
	if _, err := Dispatch(ctx, k, SysMunmap, Args{A0: 0x40000000, A1: 0x2000}); err != 0 {
		t.Fatalf("munmap: %v", err)
	}
	p.AS.LockPmap()
	_, terr := p.AS.Translate(0x40001000, false)
	p.AS.UnlockPmap()
	if terr != kerr.EFAULT {
		t.Fatalf("translate after munmap = %v, want EFAULT", terr)
	}
}

// TestBlockedPipeReadInterruptedByKill is the signal-across-suspension
// scenario: a thread blocked reading a pipe nobody will ever write must
// wake and bail out with EINTR when killed, rather than wait forever.
func TestBlockedPipeReadInterruptedByKill(t *testing.T) {
	k, ctx, p := bootKernel(t)

	r, w := pipe.New()
	defer w.Close()
	fdn, err := p.FDTable.Install(&fdops.FD{Ops: r, Perms: fdops.PermRead})
	if err != 0 {
		t.Fatalf("install pipe end: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.MainThread.Kill(0)
	}()

	done := make(chan kerr.Errno, 1)
	go func() {
		_, rerr := Dispatch(ctx, k, SysRead, Args{A0: uint64(fdn), A1: uint64(readAddr), A2: 16})
		done <- rerr
	}()

	select {
	case rerr := <-done:
		if rerr != kerr.EINTR {
			t.Fatalf("blocked read after kill = %v, want EINTR", rerr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read never returned after kill")
	}
	if !p.MainThread.Doomed() {
		t.Fatal("killed thread should be doomed")
	}
}

func TestMmapFileReadsFileContents(t *testing.T) {
	k, ctx, p := bootKernel(t)

	pokeUserString(t, p, pathAddr, "/image.bin")
	fd, err := Dispatch(ctx, k, SysOpen, Args{A0: uint64(pathAddr), A1: ORdwr | OCreat, A2: 0644})
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	payload := []byte("mapped straight out of the page cache")
	pokeUser(t, p, dataAddr, payload)
	if _, err := Dispatch(ctx, k, SysWrite, Args{A0: fd, A1: uint64(dataAddr), A2: uint64(len(payload))}); err != 0 {
		t.Fatalf("write: %v", err)
	}

	addr, err := Dispatch(ctx, k, SysMmap, Args{
		A0: 0x50000000, A1: 0x1000,
		A2: ProtRead, A3: MapFixed, A4: fd, A5: 0,
	})
	if err != 0 {
		t.Fatalf("mmap file: %v", err)
	}
	if got := peekUser(t, p, arch.VirtAddr(addr), len(payload)); string(got) != string(payload) {
		t.Fatalf("mapped bytes %q, want %q", got, payload)
	}
}
