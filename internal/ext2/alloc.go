package ext2

import "github.com/ferrite-os/ferrite/internal/kerr"

// groupBlockCount returns how many blocks group actually holds,
// clamping the final group to what's left rather than assuming every
// group is a full BlocksPerGroup wide.
func (fs *FS) groupBlockCount(group uint32) uint32 {
	total := fs.sb.BlocksCount() - fs.sb.FirstDataBlock()
	full := fs.sb.BlocksPerGroup()
	if group == fs.groupsCount-1 {
		return total - full*(fs.groupsCount-1)
	}
	return full
}

// groupInodeCount returns how many inodes group actually holds,
// clamping the final group the same way.
func (fs *FS) groupInodeCount(group uint32) uint32 {
	total := fs.sb.InodesCount()
	full := fs.sb.InodesPerGroup()
	if group == fs.groupsCount-1 {
		return total - full*(fs.groupsCount-1)
	}
	return full
}

// allocateBlockIndex finds and marks used one free block, scanning
// groups starting at prefGroup and wrapping around, matching
// _ext2_allocate_block_index. Caller holds fs.mu.
func (fs *FS) allocateBlockIndex(prefGroup uint32) (uint32, kerr.Errno) {
	if fs.groupsCount == 0 {
		return 0, kerr.ENOSPC
	}
	prefGroup %= fs.groupsCount
	for i := uint32(0); i < fs.groupsCount; i++ {
		group := (prefGroup + i) % fs.groupsCount
		g := &fs.groups[group]
		if g.FreeBlocksCount() == 0 {
			continue
		}
		bitmap, err := fs.readBlock(g.BlockBitmap())
		if err != 0 {
			return 0, err
		}
		bit, ok := findFreeBit(bitmap, fs.groupBlockCount(group))
		if !ok {
			continue
		}
		bitSet(bitmap, bit)
		if err := fs.writeBlock(g.BlockBitmap(), bitmap); err != 0 {
			return 0, err
		}
		g.SetFreeBlocksCount(g.FreeBlocksCount() - 1)
		fs.sb.SetFreeBlocksCount(fs.sb.FreeBlocksCount() - 1)
		blockIdx := fs.sb.FirstDataBlock() + group*fs.sb.BlocksPerGroup() + bit
		return blockIdx, 0
	}
	return 0, kerr.ENOSPC
}

// freeBlockIndex releases blockIdx back to its group's bitmap, matching
// _ext2_free_block_index. Caller holds fs.mu.
func (fs *FS) freeBlockIndex(blockIdx uint32) kerr.Errno {
	if blockIdx == 0 {
		return 0
	}
	rel := blockIdx - fs.sb.FirstDataBlock()
	group := rel / fs.sb.BlocksPerGroup()
	bit := rel % fs.sb.BlocksPerGroup()
	if group >= fs.groupsCount {
		return kerr.EINVAL
	}
	g := &fs.groups[group]
	bitmap, err := fs.readBlock(g.BlockBitmap())
	if err != 0 {
		return err
	}
	bitUnset(bitmap, bit)
	if err := fs.writeBlock(g.BlockBitmap(), bitmap); err != 0 {
		return err
	}
	g.SetFreeBlocksCount(g.FreeBlocksCount() + 1)
	fs.sb.SetFreeBlocksCount(fs.sb.FreeBlocksCount() + 1)
	return 0
}

// allocateInodeIndex finds and marks used one free inode, matching
// _ext2_allocate_inode_index. Caller holds fs.mu.
func (fs *FS) allocateInodeIndex(prefGroup uint32) (uint32, kerr.Errno) {
	if fs.groupsCount == 0 {
		return 0, kerr.ENOSPC
	}
	prefGroup %= fs.groupsCount
	for i := uint32(0); i < fs.groupsCount; i++ {
		group := (prefGroup + i) % fs.groupsCount
		g := &fs.groups[group]
		if g.FreeInodesCount() == 0 {
			continue
		}
		bitmap, err := fs.readBlock(g.InodeBitmap())
		if err != 0 {
			return 0, err
		}
		bit, ok := findFreeBit(bitmap, fs.groupInodeCount(group))
		if !ok {
			continue
		}
		bitSet(bitmap, bit)
		if err := fs.writeBlock(g.InodeBitmap(), bitmap); err != 0 {
			return 0, err
		}
		g.SetFreeInodesCount(g.FreeInodesCount() - 1)
		fs.sb.SetFreeInodesCount(fs.sb.FreeInodesCount() - 1)
		ino := group*fs.sb.InodesPerGroup() + bit + 1
		return ino, 0
	}
	return 0, kerr.ENOSPC
}

// freeInodeIndex releases inode number ino back to its group's bitmap,
// matching _ext2_free_inode_index. Caller holds fs.mu.
func (fs *FS) freeInodeIndex(ino uint32) kerr.Errno {
	idx := ino - 1
	group := idx / fs.sb.InodesPerGroup()
	bit := idx % fs.sb.InodesPerGroup()
	if group >= fs.groupsCount {
		return kerr.EINVAL
	}
	g := &fs.groups[group]
	bitmap, err := fs.readBlock(g.InodeBitmap())
	if err != 0 {
		return err
	}
	bitUnset(bitmap, bit)
	if err := fs.writeBlock(g.InodeBitmap(), bitmap); err != 0 {
		return err
	}
	g.SetFreeInodesCount(g.FreeInodesCount() + 1)
	fs.sb.SetFreeInodesCount(fs.sb.FreeInodesCount() + 1)
	return 0
}
