package ext2

import (
	"encoding/binary"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

func direntRecLen(nameLen int) uint16 { return uint16(DirEntryHeaderLen + normNameLen(nameLen)) }

func getDirentInode(block []byte, off uint32) uint32   { return binary.LittleEndian.Uint32(block[off:]) }
func getDirentRecLen(block []byte, off uint32) uint16  { return binary.LittleEndian.Uint16(block[off+4:]) }
func getDirentNameLen(block []byte, off uint32) uint16 { return binary.LittleEndian.Uint16(block[off+6:]) }
func getDirentName(block []byte, off uint32) string {
	nl := getDirentNameLen(block, off)
	return string(block[off+8 : off+8+uint32(nl)])
}

func putDirent(block []byte, off uint32, inode uint32, recLen uint16, name string) {
	binary.LittleEndian.PutUint32(block[off:], inode)
	binary.LittleEndian.PutUint16(block[off+4:], recLen)
	binary.LittleEndian.PutUint16(block[off+6:], uint16(len(name)))
	copy(block[off+8:], name)
}

// writeDirEntry places a fresh entry at off, sized to run to the end of
// the block when isLast (the freshly-formatted-block case
// _ext2_add_first_entry_to_dir_block handles), matching the convention
// a brand-new directory block starts with one record spanning it.
func writeDirEntry(block []byte, off uint32, inode uint32, name string, isLast bool, blockLen uint32) uint32 {
	rl := direntRecLen(len(name))
	if isLast {
		rl = uint16(blockLen - off)
	}
	putDirent(block, off, inode, rl, name)
	return off + uint32(rl)
}

// insertIntoBlock tries to fit one new record into an existing
// directory block, either reusing a tombstoned slot or splitting a
// record's trailing slack off, matching _ext2_add_to_dir_block.
func insertIntoBlock(block []byte, ino uint32, name string, blockLen uint32) bool {
	needed := direntRecLen(len(name))
	off := uint32(0)
	for off < blockLen {
		curRecLen := getDirentRecLen(block, off)
		if curRecLen == 0 {
			break
		}
		curInode := getDirentInode(block, off)
		if curInode == 0 {
			if curRecLen >= needed {
				putDirent(block, off, ino, curRecLen, name)
				return true
			}
			off += uint32(curRecLen)
			continue
		}
		curNameLen := getDirentNameLen(block, off)
		ideal := direntRecLen(int(curNameLen))
		slack := curRecLen - ideal
		if slack >= needed {
			binary.LittleEndian.PutUint16(block[off+4:], ideal)
			putDirent(block, off+uint32(ideal), ino, slack, name)
			return true
		}
		off += uint32(curRecLen)
	}
	return false
}

// removeFromBlock clears name's record. A record anywhere but the
// block's first slot is merged into its predecessor's rec_len, freeing
// the space immediately. The first record has no predecessor to merge
// into: the original source panicked here ("can't delete first
// entry!"); this tombstones instead, zeroing the inode field while
// keeping rec_len intact so later inserts and lookups treat it as a
// free, reusable slot.
func removeFromBlock(block []byte, name string, blockLen uint32) bool {
	off := uint32(0)
	prevOff := uint32(0)
	for off < blockLen {
		curRecLen := getDirentRecLen(block, off)
		if curRecLen == 0 {
			break
		}
		curInode := getDirentInode(block, off)
		if curInode != 0 && getDirentName(block, off) == name {
			if off == 0 {
				binary.LittleEndian.PutUint32(block[off:], 0)
			} else {
				prevRecLen := getDirentRecLen(block, prevOff)
				binary.LittleEndian.PutUint16(block[prevOff+4:], prevRecLen+curRecLen)
			}
			return true
		}
		prevOff = off
		off += uint32(curRecLen)
	}
	return false
}

func numDirBlocks(size int64, blockLen uint32) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + int64(blockLen) - 1) / int64(blockLen))
}

// lookupInDir scans a directory's blocks in order for name, matching
// ext2_lookup.
func (fs *FS) lookupInDir(r *rawInode, name string) (uint32, kerr.Errno) {
	blockLen := fs.sb.BlockLen()
	n := numDirBlocks(r.Size(), blockLen)
	for logical := uint32(0); logical < n; logical++ {
		phys, err := fs.getBlockOfInode(r, logical)
		if err != 0 {
			return 0, err
		}
		if phys == 0 {
			continue
		}
		block, err := fs.readBlock(phys)
		if err != 0 {
			return 0, err
		}
		off := uint32(0)
		for off < blockLen {
			recLen := getDirentRecLen(block, off)
			if recLen == 0 {
				break
			}
			inode := getDirentInode(block, off)
			if inode != 0 && getDirentName(block, off) == name {
				return inode, 0
			}
			off += uint32(recLen)
		}
	}
	return 0, kerr.ENOENT
}

// addChild inserts (name -> childIno) into dirIno's directory blocks,
// growing the directory by one block if no existing block has room,
// matching _ext2_add_child.
func (fs *FS) addChild(dirIno vfs.InodeNum, dirR *rawInode, name string, childIno uint32) kerr.Errno {
	blockLen := fs.sb.BlockLen()
	n := numDirBlocks(dirR.Size(), blockLen)
	for logical := uint32(0); logical < n; logical++ {
		phys, err := fs.getBlockOfInode(dirR, logical)
		if err != 0 {
			return err
		}
		if phys == 0 {
			continue
		}
		block, err := fs.readBlock(phys)
		if err != 0 {
			return err
		}
		if insertIntoBlock(block, childIno, name, blockLen) {
			return fs.writeBlock(phys, block)
		}
	}
	prefGroup := (uint32(dirIno) - 1) / fs.sb.InodesPerGroup()
	newPhys, err := fs.allocateBlockIndex(prefGroup)
	if err != 0 {
		return err
	}
	if err := fs.setBlockOfInode(dirR, n, newPhys, prefGroup); err != 0 {
		return err
	}
	block := make([]byte, blockLen)
	writeDirEntry(block, 0, childIno, name, true, blockLen)
	if err := fs.writeBlock(newPhys, block); err != 0 {
		return err
	}
	dirR.SetSize(int64(n+1) * int64(blockLen))
	dirR.SetBlocks512(dirR.Blocks512() + blockLen/512)
	return 0
}

// rmChild removes name from dirIno's directory blocks, matching
// _ext2_rm_child.
func (fs *FS) rmChild(dirR *rawInode, name string) kerr.Errno {
	blockLen := fs.sb.BlockLen()
	n := numDirBlocks(dirR.Size(), blockLen)
	for logical := uint32(0); logical < n; logical++ {
		phys, err := fs.getBlockOfInode(dirR, logical)
		if err != 0 {
			return err
		}
		if phys == 0 {
			continue
		}
		block, err := fs.readBlock(phys)
		if err != 0 {
			return err
		}
		if removeFromBlock(block, name, blockLen) {
			return fs.writeBlock(phys, block)
		}
	}
	return kerr.ENOENT
}

// isDirEmpty reports whether a directory holds only "." and "..",
// matching _ext2_is_dir_empty.
func (fs *FS) isDirEmpty(r *rawInode) (bool, kerr.Errno) {
	blockLen := fs.sb.BlockLen()
	n := numDirBlocks(r.Size(), blockLen)
	count := 0
	for logical := uint32(0); logical < n; logical++ {
		phys, err := fs.getBlockOfInode(r, logical)
		if err != 0 {
			return false, err
		}
		if phys == 0 {
			continue
		}
		block, err := fs.readBlock(phys)
		if err != 0 {
			return false, err
		}
		off := uint32(0)
		for off < blockLen {
			recLen := getDirentRecLen(block, off)
			if recLen == 0 {
				break
			}
			inode := getDirentInode(block, off)
			if inode != 0 {
				name := getDirentName(block, off)
				if name != "." && name != ".." {
					count++
				}
			}
			off += uint32(recLen)
		}
	}
	return count == 0, 0
}

// Getdents lists directory entries starting at byte cookie off,
// returning at most one block's worth per call and the cookie to
// resume from, matching _ext2_getdents_block/ext2_getdents.
func (fs *FS) Getdents(ino vfs.InodeNum, off int64) ([]vfs.Dirent, int64, kerr.Errno) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	r, err := fs.readRawInode(ino)
	if err != 0 {
		return nil, 0, err
	}
	blockLen := fs.sb.BlockLen()
	n := numDirBlocks(r.Size(), blockLen)
	var out []vfs.Dirent
	pos := off
	for pos < r.Size() {
		logical := uint32(pos / int64(blockLen))
		if logical >= n {
			break
		}
		localOff := uint32(pos % int64(blockLen))
		phys, err := fs.getBlockOfInode(r, logical)
		if err != 0 {
			return nil, 0, err
		}
		if phys == 0 {
			pos = int64(logical+1) * int64(blockLen)
			continue
		}
		block, err := fs.readBlock(phys)
		if err != 0 {
			return nil, 0, err
		}
		for localOff < blockLen {
			recLen := getDirentRecLen(block, localOff)
			if recLen == 0 {
				break
			}
			inode := getDirentInode(block, localOff)
			if inode != 0 {
				name := getDirentName(block, localOff)
				childStat, _ := fs.readRawInode(vfs.InodeNum(inode))
				ftype := vfs.TypeRegular
				if childStat != nil {
					ftype = fileTypeFromMode(childStat.Mode())
				}
				out = append(out, vfs.Dirent{Inode: vfs.InodeNum(inode), Name: name, Type: ftype})
			}
			localOff += uint32(recLen)
		}
		pos = int64(logical+1) * int64(blockLen)
		if len(out) > 0 {
			break
		}
	}
	if pos >= r.Size() {
		return out, r.Size(), 0
	}
	return out, pos, 0
}
