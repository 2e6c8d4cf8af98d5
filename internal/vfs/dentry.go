package vfs

import (
	"hash/maphash"
	"sync"

	"github.com/ferrite-os/ferrite/internal/hashtable"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/klimits"
	"github.com/ferrite-os/ferrite/internal/rescheck"
)

// Dentry is a cached inode with identity, used for path resolution.
// It is shared by reference count: the cache holds exactly one
// Dentry per Key, and a Dentry at refcount 0 is eligible for reclaim.
type Dentry struct {
	mu     sync.Mutex
	Key    Key
	refcnt int32
	dirty  bool
	parent *Dentry
	name   string
	fs     FSInstance
	stat   Stat
}

// Inode returns a copy of the dentry's cached inode metadata.
func (d *Dentry) Inode() Stat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stat
}

// SetInode overwrites the cached inode metadata and marks the dentry
// dirty, mirroring dentry_set_flag_locked(dentry, DENTRY_DIRTY).
func (d *Dentry) SetInode(st Stat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stat = st
	d.dirty = true
}

// Name returns the entry name this dentry was looked up under, within
// its parent directory.
func (d *Dentry) Name() string { return d.name }

// Parent returns the parent dentry, or nil for a filesystem root.
func (d *Dentry) Parent() *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// FS returns the filesystem instance backing this dentry.
func (d *Dentry) FS() FSInstance { return d.fs }

// IsDir reports whether the dentry's inode is a directory.
func (d *Dentry) IsDir() bool { return d.stat.Type == TypeDir }

// Cache is the dentry cache: a sharded hash table keyed by (device,
// inode), enforcing the invariant of at most one cached dentry per
// (dev, inode). Grounded on internal/hashtable plus the
// reference-count reclaim rule dentry_get/dentry_put implement in the
// original source.
type Cache struct {
	table *hashtable.Table[Key, *Dentry]
	seed  maphash.Seed
	limit *klimits.Atomic
}

func hashKey(seed maphash.Seed) func(Key) uint64 {
	return func(k Key) uint64 {
		var h maphash.Hash
		h.SetSeed(seed)
		var b [12]byte
		b[0] = byte(k.Dev)
		b[1] = byte(k.Dev >> 8)
		b[2] = byte(k.Dev >> 16)
		b[3] = byte(k.Dev >> 24)
		b[4] = byte(k.Inode)
		b[5] = byte(k.Inode >> 8)
		b[6] = byte(k.Inode >> 16)
		b[7] = byte(k.Inode >> 24)
		h.Write(b[:8])
		return h.Sum64()
	}
}

// NewCache returns an empty dentry cache with the given bucket count,
// enforcing limit as the maximum number of simultaneously-cached
// dentries (klimits.Sys0.Dentries in production).
func NewCache(buckets int, limit *klimits.Atomic) *Cache {
	seed := maphash.MakeSeed()
	return &Cache{
		table: hashtable.New[Key, *Dentry](buckets, hashKey(seed)),
		seed:  seed,
		limit: limit,
	}
}

// Get returns the cached dentry for key if present, bumping its
// reference count. The caller must Put it back when done.
func (c *Cache) Get(key Key) (*Dentry, bool) {
	d, ok := c.table.Get(key)
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	d.refcnt++
	d.mu.Unlock()
	return d, true
}

// Insert creates and caches a new dentry for key, reading its inode
// metadata via fs.ReadInode. Returns the existing entry instead (with
// its refcount bumped) if another caller raced and inserted first,
// matching the "one canonical dentry per key" cache invariant. A newly
// cached dentry holds a reference on parent, dropped when it is reclaimed.
func (c *Cache) Insert(key Key, fs FSInstance, parent *Dentry, name string) (*Dentry, kerr.Errno) {
	if existing, ok := c.Get(key); ok {
		return existing, 0
	}
	st, err := fs.ReadInode(key.Inode)
	if err != 0 {
		return nil, err
	}
	if c.limit != nil && !c.limit.Take() {
		return nil, kerr.ENOMEM
	}
	if !rescheck.Reserve(rescheck.DentryAlloc) {
		if c.limit != nil {
			c.limit.Give()
		}
		return nil, kerr.ENOMEM
	}
	defer rescheck.Release(rescheck.DentryAlloc)
	d := &Dentry{Key: key, refcnt: 1, parent: parent, name: name, fs: fs, stat: st}
	if canonical, loaded := c.table.GetOrSet(key, d); loaded {
		// another caller inserted first; theirs stays canonical.
		if c.limit != nil {
			c.limit.Give()
		}
		canonical.mu.Lock()
		canonical.refcnt++
		canonical.mu.Unlock()
		return canonical, 0
	}
	if parent != nil {
		parent.mu.Lock()
		parent.refcnt++
		parent.mu.Unlock()
	}
	return d, 0
}

// Put drops a reference to d, writing back dirty inode metadata and
// reclaiming it from the cache at refcount 0. A reclaimed dentry whose
// inode has no remaining links (a deleted regular file) has its inode
// freed on disk, matching ext2_free_inode's ASSERT(d_count==0 &&
// links_count==0) precondition. A reclaimed dentry also drops the
// reference it holds on its parent.
func (c *Cache) Put(d *Dentry) kerr.Errno {
	d.mu.Lock()
	d.refcnt--
	if d.refcnt > 0 {
		d.mu.Unlock()
		return 0
	}
	dirty := d.dirty
	st := d.stat
	d.mu.Unlock()

	if dirty {
		if err := d.fs.WriteStat(d.Key.Inode, st); err != 0 {
			return err
		}
	}
	c.table.Del(d.Key)
	if c.limit != nil {
		c.limit.Give()
	}
	var err kerr.Errno
	if st.Links == 0 && st.Type != TypeDir {
		err = d.fs.FreeInode(d.Key.Inode)
	}
	if d.parent != nil {
		if perr := c.Put(d.parent); err == 0 {
			err = perr
		}
	}
	return err
}

// Len reports the number of dentries currently cached, for tests
// asserting the reclaim invariant.
func (c *Cache) Len() int { return c.table.Len() }
