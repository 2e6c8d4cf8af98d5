package syscall

import (
	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/klimits"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/proc"
	"github.com/ferrite-os/ferrite/internal/ustr"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

// dentryCacheBuckets sizes the dentry cache's hash table; dentries hash
// across buckets by (device, inode), so this only needs to be large
// enough to keep chains short under the klimits dentry cap.
const dentryCacheBuckets = 1024

// MountRoot recognizes and mounts dev as the root filesystem, building
// the dentry cache, mount table and resolver the rest of the syscall
// layer routes paths through. The ext2_recognize_drive/ext2_prepare_fs
// pair, lifted to the point in boot where the VFS comes up.
func MountRoot(k *Kernel, drv vfs.Driver, dev vfs.BlockDevice) kerr.Errno {
	if !drv.Recognize(dev) {
		return kerr.EINVAL
	}
	fsi, err := drv.Mount(dev)
	if err != 0 {
		return err
	}

	cache := vfs.NewCache(dentryCacheBuckets, &klimits.Sys0.Dentries)
	mounts := vfs.NewMountTable()
	devID := mounts.NextDevice()
	root, err := cache.Insert(vfs.Key{Dev: devID, Inode: fsi.RootInode()}, fsi, nil, "/")
	if err != 0 {
		return err
	}
	k.Resolver = &vfs.Resolver{Cache: cache, Mounts: mounts, Root: root}
	return 0
}

// Bootstrap creates the first process (pid 1, init by construction)
// against an already-mounted root: its working directory is an open
// descriptor on the root dentry, so every relative path the process
// ever resolves has somewhere to start. The kernel-thread setup is
// proc.NewKernelProcess's; what this adds is the VFS half a user
// process needs before its first open(2).
func Bootstrap(k *Kernel, zones *kmem.ZoneAllocator) (*proc.Process, kerr.Errno) {
	if k.Resolver == nil {
		return nil, kerr.EINVAL
	}
	p, err := proc.NewKernelProcess(k.Backend, k.Arena, zones, kmem.KernelBase+0x100000, 0)
	if err != 0 {
		return nil, err
	}
	p.IsKthread = false

	root, ok := k.Resolver.Cache.Get(k.Resolver.Root.Key)
	if !ok {
		return nil, kerr.ENOENT
	}
	f := vfs.OpenFile(k.Resolver.Cache, root)
	p.Cwd.SetDir(&fdops.FD{Ops: f, Perms: fdops.PermRead}, ustr.Root())
	return p, 0
}
