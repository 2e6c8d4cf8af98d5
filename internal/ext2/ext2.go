// Package ext2 implements the kernel's ext2-compatible filesystem
// driver (rev 0 only): superblock and group-descriptor bookkeeping,
// block/inode bitmap allocation, 12-direct plus single/double/triple
// indirect block addressing, directory record insert/split/remove, and
// truncate. It satisfies internal/vfs's FSInstance capability interface.
//
// Grounded on fs/blk.go (Bdev_block_t's block-cache/IO primitive
// shape), fs/super.go (the Superblock_t field-accessor idiom this
// package's Superblock follows), ufs/ufs.go (the Fs_open/Fs_mkdir/
// Fs_rename/Fs_unlink/Fs_stat surface an FSInstance exposes), and --
// for the bit-exact semantics the Go retrieval pack does not show
// (indirect-block math, rec_len splitting, bitmap scanning) --
// original_source/kernel/kernel/fs/ext2/ext2.c directly:
// _ext2_get_block_of_inode_lev0/1/2, _ext2_add_to_dir_block,
// _ext2_allocate_block_index. Triple-indirect holes return 0 at any
// unallocated level (blockmap.go), and first-record directory removal
// tombstones rather than panicking (dir.go), departing from the
// original's behavior in both cases.
package ext2

// Magic is the ext2 on-disk magic number (superblock offset 56).
const Magic = 0xEF53

// SuperblockStart is the byte offset of the superblock on disk.
const SuperblockStart = 1024

// SuperblockLen is the on-disk superblock size.
const SuperblockLen = 1024

// InodeLen is the on-disk size of one inode record.
const InodeLen = 128

// DirEntryHeaderLen is the fixed portion of a directory record: inode
// (4 bytes) + rec_len (2 bytes) + name_len (2 bytes).
const DirEntryHeaderLen = 8

// MaxBlockLen bounds the largest supported block size (4 KiB), sized
// for on-stack scratch buffers the way the teacher's
// uint8_t tmp_buf[MAX_BLOCK_LEN] is.
const MaxBlockLen = 4096

// blockLen returns the block size in bytes for the given log_block_size
// field: 1024 << log_block_size.
func blockLen(logBlockSize uint32) uint32 {
	return 1024 << logBlockSize
}

// normNameLen rounds a name length up to a multiple of 4, the padding a
// directory record's name field carries (NORM_FILENAME in the original
// source).
func normNameLen(n int) int {
	return (n + 3) &^ 3
}
