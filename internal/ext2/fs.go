package ext2

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

// RootInodeNum is ext2's fixed root-directory inode number.
const RootInodeNum vfs.InodeNum = 2

// Driver recognizes and mounts ext2 rev0 images, implementing
// vfs.Driver the way ext2_recognize_drive/ext2_prepare_fs do.
type Driver struct{}

var _ vfs.Driver = Driver{}

func (Driver) Recognize(dev vfs.BlockDevice) bool {
	var sb Superblock
	if err := readFromDev(dev, sb.Bytes(), SuperblockStart, SuperblockLen); err != 0 {
		return false
	}
	return sb.Magic() == Magic
}

func (Driver) Mount(dev vfs.BlockDevice) (vfs.FSInstance, kerr.Errno) {
	return Mount(dev)
}

// FS is one mounted ext2 filesystem instance: the superblock, its group
// descriptor table, and the backing block device. Implements
// vfs.FSInstance keyed by inode number.
type FS struct {
	mu          sync.Mutex
	dev         vfs.BlockDevice
	sb          Superblock
	groups      []GroupDesc
	groupsCount uint32
}

var _ vfs.FSInstance = (*FS)(nil)

// Mount reads the superblock and group descriptor table off dev and
// returns a ready FS, matching ext2_prepare_fs.
func Mount(dev vfs.BlockDevice) (*FS, kerr.Errno) {
	fs := &FS{dev: dev}
	if err := readFromDev(dev, fs.sb.Bytes(), SuperblockStart, SuperblockLen); err != 0 {
		return nil, err
	}
	if fs.sb.Magic() != Magic {
		return nil, kerr.EINVAL
	}
	fs.groupsCount = (fs.sb.BlocksCount() + fs.sb.BlocksPerGroup() - 1) / fs.sb.BlocksPerGroup()

	// The group descriptor table occupies the block(s) immediately
	// following the superblock's block.
	gdBlock := fs.sb.FirstDataBlock() + 1
	gdBytes := fs.groupsCount * GroupDescLen
	buf := make([]byte, gdBytes)
	if err := readFromDev(dev, buf, blockOffset(&fs.sb, gdBlock), gdBytes); err != 0 {
		return nil, err
	}
	fs.groups = make([]GroupDesc, fs.groupsCount)
	for i := range fs.groups {
		copy(fs.groups[i].Bytes(), buf[i*GroupDescLen:(i+1)*GroupDescLen])
	}
	return fs, 0
}

// Format writes a fresh ext2 rev0 image of the given size to dev: one
// block group, root directory pre-populated with "." and "..". Used by
// cmd/mkfs and by tests that build an in-memory image.
func Format(dev vfs.BlockDevice, totalBlocks, blockLen uint32, inodesCount uint32) (*FS, kerr.Errno) {
	logBlockSize := uint32(0)
	for (1024 << logBlockSize) < blockLen {
		logBlockSize++
	}
	firstData := uint32(1)
	if blockLen > 1024 {
		firstData = 0
	}

	var sb Superblock
	sb.SetMagic(Magic)
	sb.SetLogBlockSize(logBlockSize)
	sb.SetFirstDataBlock(firstData)
	sb.SetBlocksCount(totalBlocks)
	sb.SetInodesCount(inodesCount)
	sb.SetBlocksPerGroup(totalBlocks) // single group image
	sb.SetInodesPerGroup(inodesCount)
	sb.SetRevLevel(0)

	fs := &FS{dev: dev, sb: sb, groupsCount: 1}
	fs.groups = make([]GroupDesc, 1)

	// Layout (in blocks; firstData is 1 for 1 KiB blocks, else 0):
	//   block firstData:   superblock
	//   block firstData+1: group descriptor table
	//   block firstData+2: block bitmap
	//   block firstData+3: inode bitmap
	//   next ceil(inodesCount*InodeLen/blockLen) blocks: inode table
	//   remaining: data blocks
	gdBlock := firstData + 1
	blockBitmapBlock := gdBlock + 1
	inodeBitmapBlock := blockBitmapBlock + 1
	inodeTableBlocks := (inodesCount*InodeLen + blockLen - 1) / blockLen
	inodeTableBlock := inodeBitmapBlock + 1
	firstFreeBlock := inodeTableBlock + inodeTableBlocks

	g := &fs.groups[0]
	g.SetBlockBitmap(blockBitmapBlock)
	g.SetInodeBitmap(inodeBitmapBlock)
	g.SetInodeTable(inodeTableBlock)

	usedBlocks := firstFreeBlock - firstData
	g.SetFreeBlocksCount(uint16(totalBlocks - usedBlocks - 1)) // minus root dir's data block, reserved below
	g.SetFreeInodesCount(uint16(inodesCount - 1))              // root takes inode 2; inode 1 reserved/unused

	// Zero and mark bitmaps: block 0..usedBlocks used, plus one for root dir.
	blockBitmap := make([]byte, blockLen)
	for i := uint32(0); i < usedBlocks+1; i++ {
		bitSet(blockBitmap, i)
	}
	if err := writeToDev(dev, blockBitmap, blockOffset(&sb, blockBitmapBlock), blockLen); err != 0 {
		return nil, err
	}

	inodeBitmap := make([]byte, blockLen)
	bitSet(inodeBitmap, 0) // inode 1 (reserved)
	bitSet(inodeBitmap, 1) // inode 2 (root)
	if err := writeToDev(dev, inodeBitmap, blockOffset(&sb, inodeBitmapBlock), blockLen); err != 0 {
		return nil, err
	}

	if err := fs.writeGroupTable(gdBlock); err != 0 {
		return nil, err
	}
	if err := writeToDev(dev, sb.Bytes(), SuperblockStart, SuperblockLen); err != 0 {
		return nil, err
	}

	rootDataBlock := firstFreeBlock
	var root rawInode
	root.SetMode(modeBitsForType(vfs.TypeDir) | 0755)
	root.SetLinksCount(2)
	root.SetSize(int64(blockLen))
	root.SetBlocks512(blockLen / 512)
	root.SetBlock(0, rootDataBlock)
	if err := fs.writeRawInode(RootInodeNum, &root); err != 0 {
		return nil, err
	}

	dirBlock := make([]byte, blockLen)
	n := writeDirEntry(dirBlock, 0, uint32(RootInodeNum), ".", false, blockLen)
	writeDirEntry(dirBlock, n, uint32(RootInodeNum), "..", true, blockLen)
	if err := writeToDev(dev, dirBlock, blockOffset(&sb, rootDataBlock), blockLen); err != 0 {
		return nil, err
	}

	return fs, 0
}

func (fs *FS) writeGroupTable(gdBlock uint32) kerr.Errno {
	buf := make([]byte, int(fs.groupsCount)*GroupDescLen)
	for i := range fs.groups {
		copy(buf[i*GroupDescLen:], fs.groups[i].Bytes())
	}
	return writeToDev(fs.dev, buf, blockOffset(&fs.sb, gdBlock), uint32(len(buf)))
}

func (fs *FS) RootInode() vfs.InodeNum { return RootInodeNum }

func (fs *FS) ReadInode(ino vfs.InodeNum) (vfs.Stat, kerr.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.readRawInode(ino)
	if err != 0 {
		return vfs.Stat{}, err
	}
	return statFromRaw(ino, r), 0
}

func (fs *FS) WriteStat(ino vfs.InodeNum, st vfs.Stat) kerr.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.readRawInode(ino)
	if err != 0 {
		return err
	}
	applyStat(r, st)
	return fs.writeRawInode(ino, r)
}

func (fs *FS) Chmod(ino vfs.InodeNum, mode uint32) kerr.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.readRawInode(ino)
	if err != 0 {
		return err
	}
	r.SetMode(uint16(mode&0xFFF) | (r.Mode() & 0xF000))
	return fs.writeRawInode(ino, r)
}

// FreeInode releases every data block an inode owns and zeroes the
// inode record, matching ext2_free_inode.
func (fs *FS) FreeInode(ino vfs.InodeNum) kerr.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.readRawInode(ino)
	if err != 0 {
		return err
	}
	if err := fs.truncateLocked(r, 0); err != 0 {
		return err
	}
	fs.freeInodeIndex(uint32(ino))
	*r = rawInode{}
	return fs.writeRawInode(ino, r)
}

func (fs *FS) Sync() kerr.Errno {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := writeToDev(fs.dev, fs.sb.Bytes(), SuperblockStart, SuperblockLen); err != 0 {
		return err
	}
	return fs.writeGroupTable(fs.sb.FirstDataBlock() + 1)
}

// readBlock loads one full filesystem block.
func (fs *FS) readBlock(blockIdx uint32) ([]byte, kerr.Errno) {
	buf := make([]byte, fs.sb.BlockLen())
	if blockIdx == 0 {
		return buf, 0 // hole: all zero
	}
	if err := readFromDev(fs.dev, buf, blockOffset(&fs.sb, blockIdx), fs.sb.BlockLen()); err != 0 {
		return nil, err
	}
	return buf, 0
}

// writeBlock stores one full filesystem block.
func (fs *FS) writeBlock(blockIdx uint32, data []byte) kerr.Errno {
	return writeToDev(fs.dev, data, blockOffset(&fs.sb, blockIdx), fs.sb.BlockLen())
}
