package vfs

import (
	"sync"
	"testing"

	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/ustr"
)

// fakeFS is an in-memory FSInstance for exercising the cache and
// resolver without a disk image: a flat inode table plus per-directory
// name maps, standing in for internal/ext2 in exactly the role ufs's
// memory-backed test filesystem plays for the teacher's fs tests.
type fakeFS struct {
	mu      sync.Mutex
	inodes  map[InodeNum]Stat
	dirs    map[InodeNum]map[string]InodeNum
	content map[InodeNum][]byte
	reads   int // ReadInode call count, for cache-hit assertions
}

func newFakeFS() *fakeFS {
	f := &fakeFS{
		inodes:  map[InodeNum]Stat{1: {Inode: 1, Type: TypeDir, Links: 2}},
		dirs:    map[InodeNum]map[string]InodeNum{1: {}},
		content: map[InodeNum][]byte{},
	}
	return f
}

func (f *fakeFS) addDir(parent InodeNum, name string, ino InodeNum) {
	f.inodes[ino] = Stat{Inode: ino, Type: TypeDir, Links: 2}
	f.dirs[ino] = map[string]InodeNum{}
	f.dirs[parent][name] = ino
}

func (f *fakeFS) addFile(parent InodeNum, name string, ino InodeNum, data []byte) {
	f.inodes[ino] = Stat{Inode: ino, Type: TypeRegular, Links: 1, Size: int64(len(data))}
	f.content[ino] = data
	f.dirs[parent][name] = ino
}

func (f *fakeFS) addSymlink(parent InodeNum, name string, ino InodeNum, target string) {
	f.inodes[ino] = Stat{Inode: ino, Type: TypeSymlink, Links: 1, Size: int64(len(target))}
	f.content[ino] = []byte(target)
	f.dirs[parent][name] = ino
}

func (f *fakeFS) RootInode() InodeNum { return 1 }

func (f *fakeFS) ReadInode(ino InodeNum) (Stat, kerr.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	st, ok := f.inodes[ino]
	if !ok {
		return Stat{}, kerr.ENOENT
	}
	return st, 0
}

func (f *fakeFS) WriteStat(ino InodeNum, st Stat) kerr.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inodes[ino] = st
	return 0
}

func (f *fakeFS) FreeInode(ino InodeNum) kerr.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inodes, ino)
	delete(f.content, ino)
	return 0
}

func (f *fakeFS) Lookup(dirIno InodeNum, name string) (InodeNum, kerr.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dirs[dirIno]
	if !ok {
		return 0, kerr.ENOTDIR
	}
	ino, ok := d[name]
	if !ok {
		return 0, kerr.ENOENT
	}
	return ino, 0
}

func (f *fakeFS) Create(dirIno InodeNum, name string, mode uint32, uid, gid int) (InodeNum, kerr.Errno) {
	return 0, kerr.ENOSYS
}
func (f *fakeFS) Mkdir(dirIno InodeNum, name string, mode uint32, uid, gid int) (InodeNum, kerr.Errno) {
	return 0, kerr.ENOSYS
}
func (f *fakeFS) Unlink(dirIno InodeNum, name string) kerr.Errno { return kerr.ENOSYS }
func (f *fakeFS) Rmdir(dirIno InodeNum, name string) kerr.Errno  { return kerr.ENOSYS }

func (f *fakeFS) Read(ino InodeNum, buf []byte, off int64) (int, kerr.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.content[ino]
	if !ok {
		return 0, kerr.ENOENT
	}
	if off >= int64(len(data)) {
		return 0, 0
	}
	return copy(buf, data[off:]), 0
}

func (f *fakeFS) Write(ino InodeNum, buf []byte, off int64) (int, kerr.Errno) {
	return 0, kerr.ENOSYS
}
func (f *fakeFS) Truncate(ino InodeNum, size int64) kerr.Errno { return kerr.ENOSYS }
func (f *fakeFS) Getdents(ino InodeNum, off int64) ([]Dirent, int64, kerr.Errno) {
	return nil, 0, kerr.ENOSYS
}
func (f *fakeFS) Chmod(ino InodeNum, mode uint32) kerr.Errno { return kerr.ENOSYS }
func (f *fakeFS) Sync() kerr.Errno                           { return 0 }

func newResolver(t *testing.T, fs *fakeFS) *Resolver {
	t.Helper()
	cache := NewCache(64, nil)
	mounts := NewMountTable()
	dev := mounts.NextDevice()
	root, err := cache.Insert(Key{Dev: dev, Inode: fs.RootInode()}, fs, nil, "/")
	if err != 0 {
		t.Fatalf("insert root: %v", err)
	}
	return &Resolver{Cache: cache, Mounts: mounts, Root: root}
}

func TestCacheOneCanonicalDentryPerKey(t *testing.T) {
	fs := newFakeFS()
	cache := NewCache(64, nil)
	key := Key{Dev: 0, Inode: 1}

	a, err := cache.Insert(key, fs, nil, "/")
	if err != 0 {
		t.Fatalf("first insert: %v", err)
	}
	b, err := cache.Insert(key, fs, nil, "/")
	if err != 0 {
		t.Fatalf("second insert: %v", err)
	}
	if a != b {
		t.Fatal("two inserts of one key returned different dentries")
	}
	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", cache.Len())
	}
}

func TestCacheReclaimAtRefcountZero(t *testing.T) {
	fs := newFakeFS()
	fs.addFile(1, "f", 7, []byte("x"))
	cache := NewCache(64, nil)
	key := Key{Dev: 0, Inode: 7}

	d, err := cache.Insert(key, fs, nil, "f")
	if err != 0 {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := cache.Get(key); !ok {
		t.Fatal("Get missed a live dentry")
	}
	cache.Put(d) // drop Get's reference
	if err := cache.Put(d); err != 0 {
		t.Fatalf("final put: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("cache.Len() after reclaim = %d, want 0", cache.Len())
	}
	if _, ok := cache.Get(key); ok {
		t.Fatal("reclaimed dentry still retrievable")
	}
}

func TestPutFreesUnlinkedRegularFileInode(t *testing.T) {
	fs := newFakeFS()
	fs.addFile(1, "gone", 9, nil)
	cache := NewCache(64, nil)

	d, err := cache.Insert(Key{Dev: 0, Inode: 9}, fs, nil, "gone")
	if err != 0 {
		t.Fatalf("insert: %v", err)
	}
	st := d.Inode()
	st.Links = 0
	d.SetInode(st)
	if err := cache.Put(d); err != 0 {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fs.inodes[9]; ok {
		t.Fatal("inode with zero links not freed on reclaim")
	}
}

func TestResolveWalksNestedPath(t *testing.T) {
	fs := newFakeFS()
	fs.addDir(1, "usr", 2)
	fs.addDir(2, "bin", 3)
	fs.addFile(3, "sh", 4, []byte("#!"))
	r := newResolver(t, fs)

	d, err := r.Resolve(r.Root, ustr.New("/usr/bin/sh"))
	if err != 0 {
		t.Fatalf("resolve: %v", err)
	}
	if d.Key.Inode != 4 {
		t.Fatalf("resolved inode = %d, want 4", d.Key.Inode)
	}
	r.Cache.Put(d)
}

func TestResolveCachesIntermediateDentries(t *testing.T) {
	fs := newFakeFS()
	fs.addDir(1, "a", 2)
	fs.addFile(2, "f", 3, nil)
	r := newResolver(t, fs)

	d1, err := r.Resolve(r.Root, ustr.New("/a/f"))
	if err != 0 {
		t.Fatalf("first resolve: %v", err)
	}
	readsAfterFirst := fs.reads
	d2, err := r.Resolve(r.Root, ustr.New("/a/f"))
	if err != 0 {
		t.Fatalf("second resolve: %v", err)
	}
	if fs.reads != readsAfterFirst {
		t.Fatalf("second resolve hit the filesystem %d more times, want 0", fs.reads-readsAfterFirst)
	}
	if d1 != d2 {
		t.Fatal("repeated resolution returned a different dentry")
	}
	r.Cache.Put(d1)
	r.Cache.Put(d2)
}

func TestResolveRelativeAndDotDot(t *testing.T) {
	fs := newFakeFS()
	fs.addDir(1, "a", 2)
	fs.addDir(2, "b", 3)
	r := newResolver(t, fs)

	a, err := r.Resolve(r.Root, ustr.New("/a"))
	if err != 0 {
		t.Fatalf("resolve /a: %v", err)
	}
	b, err := r.Resolve(a, ustr.New("b"))
	if err != 0 {
		t.Fatalf("resolve b from /a: %v", err)
	}
	if b.Key.Inode != 3 {
		t.Fatalf("relative resolve inode = %d, want 3", b.Key.Inode)
	}
	back, err := r.Resolve(b, ustr.New(".."))
	if err != 0 {
		t.Fatalf("resolve ..: %v", err)
	}
	if back.Key.Inode != 2 {
		t.Fatalf(".. resolved to inode %d, want 2", back.Key.Inode)
	}
	// ".." at the root stays at the root.
	top, err := r.Resolve(r.Root, ustr.New(".."))
	if err != 0 {
		t.Fatalf("resolve .. at root: %v", err)
	}
	if top.Key.Inode != 1 {
		t.Fatalf(".. at root resolved to inode %d, want 1", top.Key.Inode)
	}
	for _, d := range []*Dentry{a, b, back, top} {
		r.Cache.Put(d)
	}
}

func TestResolveThroughNonDirFails(t *testing.T) {
	fs := newFakeFS()
	fs.addFile(1, "f", 2, nil)
	r := newResolver(t, fs)

	if _, err := r.Resolve(r.Root, ustr.New("/f/x")); err != kerr.ENOTDIR {
		t.Fatalf("resolve through file = %v, want ENOTDIR", err)
	}
	if _, err := r.Resolve(r.Root, ustr.New("/missing")); err != kerr.ENOENT {
		t.Fatalf("resolve missing = %v, want ENOENT", err)
	}
}

func TestResolveFollowsSymlink(t *testing.T) {
	fs := newFakeFS()
	fs.addDir(1, "real", 2)
	fs.addFile(2, "target", 3, nil)
	fs.addSymlink(1, "link", 4, "/real/target")
	r := newResolver(t, fs)

	d, err := r.Resolve(r.Root, ustr.New("/link"))
	if err != 0 {
		t.Fatalf("resolve symlink: %v", err)
	}
	if d.Key.Inode != 3 {
		t.Fatalf("symlink resolved to inode %d, want 3", d.Key.Inode)
	}
	r.Cache.Put(d)
}

func TestResolveSymlinkLoopReturnsELOOP(t *testing.T) {
	fs := newFakeFS()
	fs.addSymlink(1, "self", 2, "/self")
	r := newResolver(t, fs)

	if _, err := r.Resolve(r.Root, ustr.New("/self")); err != kerr.ELOOP {
		t.Fatalf("self-referential symlink = %v, want ELOOP", err)
	}
}

func TestMountSubstitutesRootDentry(t *testing.T) {
	fs := newFakeFS()
	fs.addDir(1, "mnt", 2)

	sub := newFakeFS()
	sub.addFile(1, "inner", 5, nil)

	r := newResolver(t, fs)
	cover, err := r.Resolve(r.Root, ustr.New("/mnt"))
	if err != 0 {
		t.Fatalf("resolve /mnt: %v", err)
	}
	subDev := r.Mounts.NextDevice()
	subRoot, err := r.Cache.Insert(Key{Dev: subDev, Inode: sub.RootInode()}, sub, nil, "/")
	if err != 0 {
		t.Fatalf("insert sub root: %v", err)
	}
	r.Mounts.Mount(cover, subRoot)

	d, err := r.Resolve(r.Root, ustr.New("/mnt/inner"))
	if err != 0 {
		t.Fatalf("resolve across mount: %v", err)
	}
	if d.Key.Dev != subDev || d.Key.Inode != 5 {
		t.Fatalf("cross-mount resolve = %+v, want (dev %d, inode 5)", d.Key, subDev)
	}
	r.Cache.Put(d)
}

type nopOps struct{ closed int }

func (n *nopOps) Read(dst fdops.UserIO, offset int) (int, kerr.Errno)  { return 0, 0 }
func (n *nopOps) Write(src fdops.UserIO, offset int, a bool) (int, kerr.Errno) {
	return 0, 0
}
func (n *nopOps) Lseek(off int, w fdops.Whence) (int, kerr.Errno)  { return 0, 0 }
func (n *nopOps) Poll(pm fdops.PollMsg) (fdops.Ready, kerr.Errno)  { return 0, 0 }
func (n *nopOps) Reopen() kerr.Errno                               { return 0 }
func (n *nopOps) Close() kerr.Errno                                { n.closed++; return 0 }

func TestFDTableInstallGetCloseDup(t *testing.T) {
	tbl := NewFDTable(4)
	ops := &nopOps{}

	n, err := tbl.Install(&fdops.FD{Ops: ops})
	if err != 0 {
		t.Fatalf("install: %v", err)
	}
	if n != 0 {
		t.Fatalf("first descriptor = %d, want 0", n)
	}
	if _, err := tbl.Get(n); err != 0 {
		t.Fatalf("get: %v", err)
	}
	dup, err := tbl.Dup(n)
	if err != 0 {
		t.Fatalf("dup: %v", err)
	}
	if dup == n {
		t.Fatal("dup returned the same slot")
	}
	if err := tbl.Close(n); err != 0 {
		t.Fatalf("close: %v", err)
	}
	if _, err := tbl.Get(n); err != kerr.EBADF {
		t.Fatalf("get after close = %v, want EBADF", err)
	}
	if _, err := tbl.Get(dup); err != 0 {
		t.Fatalf("dup'd descriptor should survive original's close: %v", err)
	}
}

func TestFDTableBoundReturnsEMFILE(t *testing.T) {
	tbl := NewFDTable(2)
	for i := 0; i < 2; i++ {
		if _, err := tbl.Install(&fdops.FD{Ops: &nopOps{}}); err != 0 {
			t.Fatalf("install %d: %v", i, err)
		}
	}
	if _, err := tbl.Install(&fdops.FD{Ops: &nopOps{}}); err != kerr.EMFILE {
		t.Fatalf("install past bound = %v, want EMFILE", err)
	}
}

func TestFDTableCloseOnExec(t *testing.T) {
	tbl := NewFDTable(4)
	keep := &nopOps{}
	drop := &nopOps{}
	tbl.Install(&fdops.FD{Ops: keep})
	n, _ := tbl.Install(&fdops.FD{Ops: drop, Perms: fdops.PermCloexec})

	tbl.CloseOnExec()
	if drop.closed != 1 {
		t.Fatal("cloexec descriptor not closed on exec")
	}
	if keep.closed != 0 {
		t.Fatal("plain descriptor closed on exec")
	}
	if _, err := tbl.Get(n); err != kerr.EBADF {
		t.Fatalf("cloexec slot after exec = %v, want EBADF", err)
	}
}
