package ext2

import (
	"encoding/binary"

	"github.com/ferrite-os/ferrite/internal/kerr"
)

// pointersPerBlock is L in the original source's indirect-block math:
// how many 4-byte block pointers fit in one filesystem block.
func (fs *FS) pointersPerBlock() uint32 { return fs.sb.BlockLen() / 4 }

// getBlockOfInode resolves logical block index to a physical block
// number, walking direct (< 12), single-indirect (< 12+L),
// double-indirect (< 12+L+L^2) or triple-indirect addressing, matching
// _ext2_get_block_of_inode. Any unallocated pointer along the way --
// at the inode's own slot, or inside an index block -- is a hole and
// returns block 0 with no error, rather than reading whatever
// uninitialized value happened to be there.
func (fs *FS) getBlockOfInode(r *rawInode, index uint32) (uint32, kerr.Errno) {
	L := fs.pointersPerBlock()
	if index < 12 {
		return r.Block(int(index)), 0
	}
	index -= 12
	if index < L {
		return fs.blockOfIndirect(r.Block(12), index, 1)
	}
	index -= L
	if index < L*L {
		return fs.blockOfIndirect(r.Block(13), index, 2)
	}
	index -= L * L
	if index < L*L*L {
		return fs.blockOfIndirect(r.Block(14), index, 3)
	}
	return 0, kerr.EFBIG
}

// blockOfIndirect descends one level of indirection. blockIdx==0 at any
// depth is an explicit hole.
func (fs *FS) blockOfIndirect(blockIdx uint32, index uint32, level int) (uint32, kerr.Errno) {
	if blockIdx == 0 {
		return 0, 0
	}
	block, err := fs.readBlock(blockIdx)
	if err != 0 {
		return 0, err
	}
	if level == 1 {
		return binary.LittleEndian.Uint32(block[index*4:]), 0
	}
	L := fs.pointersPerBlock()
	subSize := L
	if level == 3 {
		subSize = L * L
	}
	sub := index / subSize
	rem := index % subSize
	child := binary.LittleEndian.Uint32(block[sub*4:])
	return fs.blockOfIndirect(child, rem, level-1)
}

// setBlockOfInode stores a physical block number at logical index,
// allocating whatever intermediate index blocks the indirection chain
// needs, matching _ext2_set_block_of_inode_lev0/1/2. prefGroup hints
// which group newly allocated index blocks should come from.
func (fs *FS) setBlockOfInode(r *rawInode, index uint32, value uint32, prefGroup uint32) kerr.Errno {
	L := fs.pointersPerBlock()
	if index < 12 {
		r.SetBlock(int(index), value)
		return 0
	}
	index -= 12
	if index < L {
		nb, err := fs.ensureIndirect(r.Block(12), index, 1, value, prefGroup)
		if err != 0 {
			return err
		}
		r.SetBlock(12, nb)
		return 0
	}
	index -= L
	if index < L*L {
		nb, err := fs.ensureIndirect(r.Block(13), index, 2, value, prefGroup)
		if err != 0 {
			return err
		}
		r.SetBlock(13, nb)
		return 0
	}
	index -= L * L
	if index < L*L*L {
		nb, err := fs.ensureIndirect(r.Block(14), index, 3, value, prefGroup)
		if err != 0 {
			return err
		}
		r.SetBlock(14, nb)
		return 0
	}
	return kerr.EFBIG
}

func (fs *FS) ensureIndirect(blockIdx uint32, index, level uint32, value uint32, prefGroup uint32) (uint32, kerr.Errno) {
	allocated := false
	if blockIdx == 0 {
		nb, err := fs.allocateBlockIndex(prefGroup)
		if err != 0 {
			return 0, err
		}
		blockIdx = nb
		allocated = true
	}
	block, err := fs.readBlock(blockIdx)
	if err != 0 {
		return 0, err
	}
	if allocated {
		for i := range block {
			block[i] = 0
		}
	}
	if level == 1 {
		binary.LittleEndian.PutUint32(block[index*4:], value)
		if err := fs.writeBlock(blockIdx, block); err != 0 {
			return 0, err
		}
		return blockIdx, 0
	}
	L := fs.pointersPerBlock()
	subSize := L
	if level == 3 {
		subSize = L * L
	}
	sub := index / subSize
	rem := index % subSize
	child := binary.LittleEndian.Uint32(block[sub*4:])
	newChild, err := fs.ensureIndirect(child, rem, level-1, value, prefGroup)
	if err != 0 {
		return 0, err
	}
	if newChild != child {
		binary.LittleEndian.PutUint32(block[sub*4:], newChild)
		if err := fs.writeBlock(blockIdx, block); err != 0 {
			return 0, err
		}
	}
	return blockIdx, 0
}
