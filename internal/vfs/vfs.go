// Package vfs implements the kernel's Virtual Filesystem layer: a
// dentry cache shared by reference count, path resolution across mount
// points and symlinks, and per-process file-descriptor tables. A
// concrete filesystem (internal/ext2 is the only one implemented) plugs
// in as a Driver/FSInstance pair: the VFS layer never branches on which
// filesystem backs a dentry.
//
// Grounded on fd/fd.go (Fd_t, Cwd_t) for the fd-table/cwd shape,
// internal/hashtable for the cache (one canonical dentry per (device,
// inode)), and internal/ustr/internal/bpath for path
// handling. Stat.Rdev is a device-node field the VFS layer only stores
// and returns; internal/syscall's fstat path is what fills it in for
// non-dentry-backed descriptors, using internal/devid's Mkdev.
package vfs

import (
	"github.com/ferrite-os/ferrite/internal/kerr"
)

// DeviceID identifies one mounted filesystem instance.
type DeviceID int

// InodeNum is a filesystem-specific inode index.
type InodeNum uint32

// Key is the dentry cache key: the cache guarantees one canonical
// dentry per (device, inode).
type Key struct {
	Dev   DeviceID
	Inode InodeNum
}

// FileType classifies what a dentry's inode represents.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDir
	TypeSymlink
	TypeDevice
	TypeFIFO
)

// Stat is the filesystem-neutral inode metadata surface a Driver fills
// in and the stat(2)/fstat(2) syscalls read from.
type Stat struct {
	Inode  InodeNum
	Mode   uint32
	UID    int
	GID    int
	Size   int64
	Links  int
	Type   FileType
	Blocks int64 // 512-byte units, matching ext2's inode.blocks
	Atime  int64
	Mtime  int64
	Ctime  int64
	Rdev   uint64 // device number for TypeDevice
}

// Dirent is one directory entry returned by FSInstance.Getdents.
type Dirent struct {
	Inode InodeNum
	Name  string
	Type  FileType
}

// BlockDevice is the §6 block-device contract: 512-byte sectors,
// addressed by LBA.
type BlockDevice interface {
	ReadSector(lba uint64, buf []byte) kerr.Errno
	WriteSector(lba uint64, buf []byte) kerr.Errno
	Capacity() uint64 // sectors
}

// FSInstance is one mounted filesystem. Every method is keyed by inode
// number rather than by dentry: the VFS layer owns dentry identity and
// caching, the driver owns on-disk layout, matching the split ext2.c
// draws between dentry_t bookkeeping and its own _ext2_* helpers.
type FSInstance interface {
	RootInode() InodeNum
	ReadInode(ino InodeNum) (Stat, kerr.Errno)
	WriteStat(ino InodeNum, st Stat) kerr.Errno
	FreeInode(ino InodeNum) kerr.Errno
	Lookup(dirIno InodeNum, name string) (InodeNum, kerr.Errno)
	Create(dirIno InodeNum, name string, mode uint32, uid, gid int) (InodeNum, kerr.Errno)
	Mkdir(dirIno InodeNum, name string, mode uint32, uid, gid int) (InodeNum, kerr.Errno)
	Unlink(dirIno InodeNum, name string) kerr.Errno
	Rmdir(dirIno InodeNum, name string) kerr.Errno
	Read(ino InodeNum, buf []byte, off int64) (int, kerr.Errno)
	Write(ino InodeNum, buf []byte, off int64) (int, kerr.Errno)
	Truncate(ino InodeNum, size int64) kerr.Errno
	Getdents(ino InodeNum, off int64) ([]Dirent, int64, kerr.Errno)
	Chmod(ino InodeNum, mode uint32) kerr.Errno
	Sync() kerr.Errno
}

// Driver recognizes and mounts one filesystem format, the
// ext2_recognize_drive/ext2_prepare_fs pair generalized across formats.
type Driver interface {
	Recognize(dev BlockDevice) bool
	Mount(dev BlockDevice) (FSInstance, kerr.Errno)
}

// MaxSymlinkDepth bounds symlink traversal (§4.G).
const MaxSymlinkDepth = 40
