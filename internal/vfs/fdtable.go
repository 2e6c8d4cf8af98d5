package vfs

import (
	"sync"

	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
)

// FDTable is one process's file-descriptor table: a bounded slice of
// slots indexed by the small integer userspace sees. Grounded on
// fd/fd.go's Fd_t together with the per-process bound §3's "bounded"
// file-descriptor table calls for.
type FDTable struct {
	mu    sync.Mutex
	slots []*fdops.FD
	max   int
}

// NewFDTable returns an empty table bounded at max descriptors.
func NewFDTable(max int) *FDTable {
	return &FDTable{max: max}
}

// Install places fd in the lowest-numbered free slot, returning its
// descriptor number.
func (t *FDTable) Install(fd *fdops.FD) (int, kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = fd
			return i, 0
		}
	}
	if len(t.slots) >= t.max {
		return -1, kerr.EMFILE
	}
	t.slots = append(t.slots, fd)
	return len(t.slots) - 1, 0
}

// InstallAt places fd at exactly slot n, growing the table and closing
// whatever previously occupied n (the dup2 semantics).
func (t *FDTable) InstallAt(n int, fd *fdops.FD) kerr.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= t.max {
		return kerr.EMFILE
	}
	for len(t.slots) <= n {
		t.slots = append(t.slots, nil)
	}
	old := t.slots[n]
	t.slots[n] = fd
	if old != nil {
		fdops.CloseOrPanic(old)
	}
	return 0
}

// Get returns the descriptor installed at n.
func (t *FDTable) Get(n int) (*fdops.FD, kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.slots) || t.slots[n] == nil {
		return nil, kerr.EBADF
	}
	return t.slots[n], 0
}

// Close removes and closes the descriptor at n.
func (t *FDTable) Close(n int) kerr.Errno {
	t.mu.Lock()
	fd := (*fdops.FD)(nil)
	if n >= 0 && n < len(t.slots) {
		fd = t.slots[n]
		t.slots[n] = nil
	}
	t.mu.Unlock()
	if fd == nil {
		return kerr.EBADF
	}
	return fd.Ops.Close()
}

// Dup duplicates the descriptor at n into a new lowest-free slot.
func (t *FDTable) Dup(n int) (int, kerr.Errno) {
	fd, err := t.Get(n)
	if err != 0 {
		return -1, err
	}
	nfd, err := fdops.Copy(fd)
	if err != 0 {
		return -1, err
	}
	return t.Install(nfd)
}

// Fork duplicates the entire table for a child process (reopening every
// live descriptor), matching fork's fd-table-copy semantics.
func (t *FDTable) Fork() (*FDTable, kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &FDTable{max: t.max, slots: make([]*fdops.FD, len(t.slots))}
	for i, fd := range t.slots {
		if fd == nil {
			continue
		}
		nfd, err := fdops.Copy(fd)
		if err != 0 {
			for _, done := range nt.slots[:i] {
				if done != nil {
					fdops.CloseOrPanic(done)
				}
			}
			return nil, err
		}
		nt.slots[i] = nfd
	}
	return nt, 0
}

// CloseAll closes every live descriptor, used on process exit.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	slots := t.slots
	t.slots = nil
	t.mu.Unlock()
	for _, fd := range slots {
		if fd != nil {
			fdops.CloseOrPanic(fd)
		}
	}
}

// CloseOnExec closes every descriptor flagged PermCloexec, called on a
// successful execve.
func (t *FDTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, fd := range t.slots {
		if fd != nil && fd.Perms&fdops.PermCloexec != 0 {
			fdops.CloseOrPanic(fd)
			t.slots[i] = nil
		}
	}
}
