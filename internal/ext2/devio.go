package ext2

import (
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

const sectorSize = 512

// readFromDev translates a byte-range read into sector-sized transfers,
// handling a partial leading/trailing sector. Grounded on
// _ext2_read_from_dev in the original source.
func readFromDev(dev vfs.BlockDevice, buf []byte, start uint64, length uint32) kerr.Errno {
	already := 0
	sector := start / sectorSize
	startOff := int(start % sectorSize)
	var tmp [sectorSize]byte

	for length > 0 {
		if err := dev.ReadSector(sector, tmp[:]); err != 0 {
			return err
		}
		toRead := sectorSize - startOff
		if int(length) < toRead {
			toRead = int(length)
		}
		copy(buf[already:already+toRead], tmp[startOff:startOff+toRead])
		length -= uint32(toRead)
		already += toRead
		sector++
		startOff = 0
	}
	return 0
}

// writeToDev translates a byte-range write into sector-sized
// read-modify-write transfers. Grounded on _ext2_write_to_dev.
func writeToDev(dev vfs.BlockDevice, buf []byte, start uint64, length uint32) kerr.Errno {
	already := 0
	sector := start / sectorSize
	startOff := int(start % sectorSize)
	var tmp [sectorSize]byte

	for length > 0 {
		toWrite := sectorSize - startOff
		if int(length) < toWrite {
			toWrite = int(length)
		}
		if startOff != 0 || toWrite < sectorSize {
			if err := dev.ReadSector(sector, tmp[:]); err != 0 {
				return err
			}
		}
		copy(tmp[startOff:startOff+toWrite], buf[already:already+toWrite])
		if err := dev.WriteSector(sector, tmp[:]); err != 0 {
			return err
		}
		length -= uint32(toWrite)
		already += toWrite
		sector++
		startOff = 0
	}
	return 0
}

// blockOffset returns the byte offset of block blockIndex on disk:
// block_index*block_len. For 1 KiB blocks this is the same value as
// _ext2_get_block_offset's SUPERBLOCK_START + (block_index-1)*block_len;
// for larger blocks the superblock lives inside block 0, so block 1
// starts after it rather than at byte 1024.
func blockOffset(sb *Superblock, blockIndex uint32) uint64 {
	return uint64(blockIndex) * uint64(sb.BlockLen())
}
