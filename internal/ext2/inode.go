package ext2

import (
	"encoding/binary"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

// blockPointers is the count of block-pointer slots a raw inode carries:
// 12 direct plus single/double/triple indirect.
const blockPointers = 15

// rawInode is the on-disk 128-byte inode record, as a field-accessor
// view over raw bytes (the same idiom super.go uses for the
// superblock), not an unsafe-cast struct.
type rawInode struct {
	data [InodeLen]byte
}

const (
	riMode        = 0  // u16
	riUID         = 2  // u16
	riSizeLo      = 4  // u32
	riAtime       = 8  // u32
	riCtime       = 12 // u32
	riMtime       = 16 // u32
	riDtime       = 20 // u32
	riGID         = 24 // u16
	riLinksCount  = 26 // u16
	riBlocks512   = 28 // u32, 512-byte sector count
	riFlags       = 32 // u32
	riBlockArray  = 40 // 15 * u32 = 60 bytes, occupies [40,100)
	riSizeHigh    = 108
)

func (r *rawInode) u16(off int) uint16      { return binary.LittleEndian.Uint16(r.data[off:]) }
func (r *rawInode) setU16(off int, v uint16) { binary.LittleEndian.PutUint16(r.data[off:], v) }
func (r *rawInode) u32(off int) uint32      { return binary.LittleEndian.Uint32(r.data[off:]) }
func (r *rawInode) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(r.data[off:], v) }

func (r *rawInode) Mode() uint16       { return r.u16(riMode) }
func (r *rawInode) SetMode(v uint16)   { r.setU16(riMode, v) }
func (r *rawInode) UID() uint16        { return r.u16(riUID) }
func (r *rawInode) SetUID(v uint16)    { r.setU16(riUID, v) }
func (r *rawInode) GID() uint16        { return r.u16(riGID) }
func (r *rawInode) SetGID(v uint16)    { r.setU16(riGID, v) }
func (r *rawInode) LinksCount() uint16     { return r.u16(riLinksCount) }
func (r *rawInode) SetLinksCount(v uint16) { r.setU16(riLinksCount, v) }

func (r *rawInode) SizeLo() uint32     { return r.u32(riSizeLo) }
func (r *rawInode) SetSizeLo(v uint32) { r.setU32(riSizeLo, v) }
func (r *rawInode) SizeHigh() uint32     { return r.u32(riSizeHigh) }
func (r *rawInode) SetSizeHigh(v uint32) { r.setU32(riSizeHigh, v) }

func (r *rawInode) Size() int64 {
	return int64(r.SizeHigh())<<32 | int64(r.SizeLo())
}
func (r *rawInode) SetSize(v int64) {
	r.SetSizeLo(uint32(v))
	r.SetSizeHigh(uint32(v >> 32))
}

func (r *rawInode) Atime() uint32     { return r.u32(riAtime) }
func (r *rawInode) SetAtime(v uint32) { r.setU32(riAtime, v) }
func (r *rawInode) Ctime() uint32     { return r.u32(riCtime) }
func (r *rawInode) SetCtime(v uint32) { r.setU32(riCtime, v) }
func (r *rawInode) Mtime() uint32     { return r.u32(riMtime) }
func (r *rawInode) SetMtime(v uint32) { r.setU32(riMtime, v) }
func (r *rawInode) Dtime() uint32     { return r.u32(riDtime) }
func (r *rawInode) SetDtime(v uint32) { r.setU32(riDtime, v) }

func (r *rawInode) Blocks512() uint32     { return r.u32(riBlocks512) }
func (r *rawInode) SetBlocks512(v uint32) { r.setU32(riBlocks512, v) }

// Block returns block-pointer slot i (0..14: 12 direct, single, double,
// triple indirect).
func (r *rawInode) Block(i int) uint32 {
	return r.u32(riBlockArray + i*4)
}

// SetBlock sets block-pointer slot i.
func (r *rawInode) SetBlock(i int, v uint32) {
	r.setU32(riBlockArray+i*4, v)
}

// fileTypeFromMode extracts the vfs.FileType the high four bits of a
// Unix mode encode, ext2's S_IFMT convention.
func fileTypeFromMode(mode uint16) vfs.FileType {
	switch mode & 0xF000 {
	case 0x4000:
		return vfs.TypeDir
	case 0xA000:
		return vfs.TypeSymlink
	case 0x2000, 0x6000:
		return vfs.TypeDevice
	case 0x1000:
		return vfs.TypeFIFO
	default:
		return vfs.TypeRegular
	}
}

func modeBitsForType(t vfs.FileType) uint16 {
	switch t {
	case vfs.TypeDir:
		return 0x4000
	case vfs.TypeSymlink:
		return 0xA000
	case vfs.TypeDevice:
		return 0x6000
	case vfs.TypeFIFO:
		return 0x1000
	default:
		return 0x8000
	}
}

// inodeOffset returns the absolute byte offset of inode number ino on
// disk, resolving its group's inode-table block the way
// ext2_read_inode/ext2_write_inode do.
func (fs *FS) inodeOffset(ino vfs.InodeNum) (uint64, bool) {
	if ino == 0 || uint32(ino) > fs.sb.InodesCount() {
		return 0, false
	}
	idx := uint32(ino) - 1
	group := idx / fs.sb.InodesPerGroup()
	inGroup := idx % fs.sb.InodesPerGroup()
	if group >= fs.groupsCount {
		return 0, false
	}
	table := fs.groups[group].InodeTable()
	return blockOffset(&fs.sb, table) + uint64(inGroup)*InodeLen, true
}

// readRawInode loads the raw on-disk record for ino, matching
// ext2_read_inode.
func (fs *FS) readRawInode(ino vfs.InodeNum) (*rawInode, kerr.Errno) {
	off, ok := fs.inodeOffset(ino)
	if !ok {
		return nil, kerr.EINVAL
	}
	r := &rawInode{}
	if err := readFromDev(fs.dev, r.data[:], off, InodeLen); err != 0 {
		return nil, err
	}
	return r, 0
}

// writeRawInode stores the raw on-disk record for ino, matching
// ext2_write_inode.
func (fs *FS) writeRawInode(ino vfs.InodeNum, r *rawInode) kerr.Errno {
	off, ok := fs.inodeOffset(ino)
	if !ok {
		return kerr.EINVAL
	}
	return writeToDev(fs.dev, r.data[:], off, InodeLen)
}

// statFromRaw translates a raw on-disk inode into the VFS-neutral Stat.
func statFromRaw(ino vfs.InodeNum, r *rawInode) vfs.Stat {
	return vfs.Stat{
		Inode:  ino,
		Mode:   uint32(r.Mode()),
		UID:    int(r.UID()),
		GID:    int(r.GID()),
		Size:   r.Size(),
		Links:  int(r.LinksCount()),
		Type:   fileTypeFromMode(r.Mode()),
		Blocks: int64(r.Blocks512()),
		Atime:  int64(r.Atime()),
		Mtime:  int64(r.Mtime()),
		Ctime:  int64(r.Ctime()),
	}
}

// applyStat writes the mutable fields of st into r (mode/uid/gid/size),
// leaving block pointers and timestamps the caller manages directly.
func applyStat(r *rawInode, st vfs.Stat) {
	r.SetMode(uint16(st.Mode) | modeBitsForType(st.Type))
	r.SetUID(uint16(st.UID))
	r.SetGID(uint16(st.GID))
	r.SetSize(st.Size)
}
