// Command mkfs builds an ext2 disk image from a host skeleton
// directory, the rewiring of mkfs/mkfs.go onto internal/ext2 and
// internal/diskio in place of ufs.MkDisk/ufs.BootFS.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ferrite-os/ferrite/internal/diskio"
	"github.com/ferrite-os/ferrite/internal/ext2"
	"github.com/ferrite-os/ferrite/internal/vfs"
)

const (
	blockLen    = 4096
	defaultSize = 64 * 1024 * 1024 // 64 MiB default image size
)

// copydata streams src's contents into dst's ext2 inode in blockLen
// chunks, the ext2-generalized analogue of mkfs.go's copydata.
func copydata(src string, fsys *ext2.FS, ino vfs.InodeNum) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, blockLen)
	var off int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, werr := fsys.Write(ino, buf[:n], off); werr != 0 {
				return werr
			}
			off += int64(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// addfiles walks skeldir on the host and replicates its contents into
// fsys, mirroring mkfs.go's addfiles but resolving parent directories
// one path component at a time since internal/ext2's Create/Mkdir are
// keyed by (parent inode, leaf name) rather than a full path.
func addfiles(fsys *ext2.FS, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skeldir), string(os.PathSeparator))
		if rel == "" {
			return nil
		}

		parentIno, leaf, err := resolveParent(fsys, rel)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if _, errno := fsys.Mkdir(parentIno, leaf, 0755, 0, 0); errno != 0 {
				return fmt.Errorf("mkdir %s: %v", rel, errno)
			}
			return nil
		}

		ino, errno := fsys.Create(parentIno, leaf, 0644, 0, 0)
		if errno != 0 {
			return fmt.Errorf("create %s: %v", rel, errno)
		}
		return copydata(path, fsys, ino)
	})
}

func resolveParent(fsys *ext2.FS, rel string) (vfs.InodeNum, string, error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	dir := fsys.RootInode()
	for _, p := range parts[:len(parts)-1] {
		ino, errno := fsys.Lookup(dir, p)
		if errno != 0 {
			return 0, "", fmt.Errorf("lookup %s: %v", p, errno)
		}
		dir = ino
	}
	return dir, parts[len(parts)-1], nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: mkfs <output image> <skel dir> [size bytes]\n")
		os.Exit(1)
	}
	image := os.Args[1]
	skeldir := os.Args[2]
	size := uint64(defaultSize)
	if len(os.Args) > 3 {
		fmt.Sscanf(os.Args[3], "%d", &size)
	}

	dev, err := diskio.Create(image, size/512)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create image: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	totalBlocks := uint32(size / blockLen)
	inodesCount := totalBlocks / 4
	fsys, errno := ext2.Format(dev, totalBlocks, blockLen, inodesCount)
	if errno != 0 {
		fmt.Fprintf(os.Stderr, "format: %v\n", errno)
		os.Exit(1)
	}

	if _, errno := fsys.ReadInode(fsys.RootInode()); errno != 0 {
		fmt.Fprintf(os.Stderr, "not a valid fs: no root inode\n")
		os.Exit(1)
	}

	if err := addfiles(fsys, skeldir); err != nil {
		fmt.Fprintf(os.Stderr, "populating image: %v\n", err)
		os.Exit(1)
	}

	if errno := fsys.Sync(); errno != 0 {
		fmt.Fprintf(os.Stderr, "sync: %v\n", errno)
		os.Exit(1)
	}
}
