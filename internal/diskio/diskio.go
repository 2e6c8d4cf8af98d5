// Package diskio implements the kernel's block-device backend: a
// host file standing in for a disk, addressed by 512-byte sectors
// (§6's {read, write, capacity} contract). Grounded on
// ufs/driver.go's ahci_disk_t, but using golang.org/x/sys/unix's
// Pread/Pwrite instead of the teacher's Seek-then-Read/Write pair --
// a real block device issues positioned I/O rather than carrying
// stateful file-offset state across concurrent requests.
package diskio

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

// SectorSize is the fixed block-device transfer unit, matching §6.
const SectorSize = 512

// FileDisk is a host-file-backed block device.
type FileDisk struct {
	mu      sync.Mutex
	f       *os.File
	sectors uint64
}

var _ vfs.BlockDevice = (*FileDisk)(nil)

// Open opens path as a block device backed by an existing file of a
// fixed size. The file's length must already be a multiple of
// SectorSize; use Create to make a fresh image of a given size.
func Open(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, sectors: uint64(info.Size()) / SectorSize}, nil
}

// Create makes a fresh zero-filled image of numSectors sectors at path
// and opens it as a block device.
func Create(path string, numSectors uint64) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(numSectors * SectorSize)); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDisk{f: f, sectors: numSectors}, nil
}

// ReadSector reads one SectorSize-byte sector at lba into buf.
func (d *FileDisk) ReadSector(lba uint64, buf []byte) kerr.Errno {
	if lba >= d.sectors || len(buf) < SectorSize {
		return kerr.EIO
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := unix.Pread(int(d.f.Fd()), buf[:SectorSize], int64(lba*SectorSize))
	if err != nil || n != SectorSize {
		return kerr.EIO
	}
	return 0
}

// WriteSector writes one SectorSize-byte sector at lba from buf.
func (d *FileDisk) WriteSector(lba uint64, buf []byte) kerr.Errno {
	if lba >= d.sectors || len(buf) < SectorSize {
		return kerr.EIO
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := unix.Pwrite(int(d.f.Fd()), buf[:SectorSize], int64(lba*SectorSize))
	if err != nil || n != SectorSize {
		return kerr.EIO
	}
	return 0
}

// Capacity reports the device size in sectors.
func (d *FileDisk) Capacity() uint64 { return d.sectors }

// Sync flushes pending writes to stable storage, matching ahci_disk_t's
// BDEV_FLUSH handling.
func (d *FileDisk) Sync() kerr.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return kerr.EIO
	}
	return 0
}

// Close releases the underlying file.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
