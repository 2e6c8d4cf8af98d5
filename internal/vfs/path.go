package vfs

import (
	"github.com/ferrite-os/ferrite/internal/bpath"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/ustr"
)

// Resolver walks path components against the dentry cache, substituting
// mount roots and following symlinks, starting from either the
// filesystem root or a process's cwd (§4.G).
type Resolver struct {
	Cache  *Cache
	Mounts *MountTable
	Root   *Dentry
}

// lookupChild returns the cached child dentry for name within dir,
// consulting dir's filesystem's Lookup when the cache misses.
func (r *Resolver) lookupChild(dir *Dentry, name string) (*Dentry, kerr.Errno) {
	if name == "." {
		dir.mu.Lock()
		dir.refcnt++
		dir.mu.Unlock()
		return dir, 0
	}
	if name == ".." {
		p := dir.Parent()
		if p == nil {
			p = dir // root has no parent; ".." at root stays at root
		}
		p.mu.Lock()
		p.refcnt++
		p.mu.Unlock()
		return p, 0
	}

	ino, err := dir.fs.Lookup(dir.Key.Inode, name)
	if err != 0 {
		return nil, err
	}
	key := Key{Dev: dir.Key.Dev, Inode: ino}
	return r.Cache.Insert(key, dir.fs, dir, name)
}

// Resolve walks path (absolute, or relative to start) to its target
// dentry. The caller owns the returned dentry's reference and must Put
// it; start's reference is never consumed.
func (r *Resolver) Resolve(start *Dentry, path ustr.Ustr) (*Dentry, kerr.Errno) {
	return r.resolveDepth(start, path, 0)
}

func (r *Resolver) resolveDepth(start *Dentry, path ustr.Ustr, depth int) (*Dentry, kerr.Errno) {
	cur := start
	if path.IsAbsolute() {
		cur = r.Root
	}
	cur.mu.Lock()
	cur.refcnt++
	cur.mu.Unlock()

	segs := bpath.Split(path)
	for _, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}
		cur = r.Mounts.Resolve(cur)
		if !cur.IsDir() {
			r.Cache.Put(cur)
			return nil, kerr.ENOTDIR
		}

		next, err := r.lookupChild(cur, seg)
		r.Cache.Put(cur)
		if err != 0 {
			return nil, err
		}
		cur = next

		st := cur.Inode()
		if st.Type == TypeSymlink {
			if depth >= MaxSymlinkDepth {
				r.Cache.Put(cur)
				return nil, kerr.ELOOP
			}
			target, err := readLink(cur)
			if err != 0 {
				r.Cache.Put(cur)
				return nil, err
			}
			parent := cur.Parent()
			base := parent
			if base == nil {
				base = r.Root
			}
			resolved, err := r.resolveDepth(base, target, depth+1)
			r.Cache.Put(cur)
			if err != 0 {
				return nil, err
			}
			cur = resolved
		}
	}
	cur = r.Mounts.Resolve(cur)
	return cur, 0
}

// readLink reads a symlink dentry's target path out of its file content.
func readLink(d *Dentry) (ustr.Ustr, kerr.Errno) {
	st := d.Inode()
	buf := make([]byte, st.Size)
	n, err := d.fs.Read(d.Key.Inode, buf, 0)
	if err != 0 {
		return nil, err
	}
	return ustr.Ustr(buf[:n]), 0
}
