// Package amd64 implements internal/arch.Backend for the x86-64 MMU
// layout: 4 page table levels, 512 entries per level, 4KiB pages.
// PTE bit positions are grounded on mem/mem.go's PTE_P/PTE_W/PTE_U/
// PTE_G/PTE_PCD/PTE_ADDR constants.
package amd64

import "github.com/ferrite-os/ferrite/internal/arch"

const (
	pteP   arch.PTE = 1 << 0
	pteW   arch.PTE = 1 << 1
	pteU   arch.PTE = 1 << 2
	pcow   arch.PTE = 1 << 3 // software-defined: available bit, marks COW
	pcd    arch.PTE = 1 << 4
	global arch.PTE = 1 << 8
	addrMask arch.PTE = 0x000ffffffffff000
)

// Backend is the amd64 arch.Backend.
type Backend struct{}

var _ arch.Backend = Backend{}

func init() { arch.Register(Backend{}) }

func (Backend) Name() string    { return "amd64" }
func (Backend) PageShift() uint { return 12 }
func (Backend) PageSize() int   { return 1 << 12 }
func (Backend) PTEsPerPage() int { return 512 }
func (Backend) Levels() int     { return 4 }

func (Backend) EncodePTE(frame arch.PhysAddr, flags arch.Flags) arch.PTE {
	var p arch.PTE
	if flags&arch.FlagPresent != 0 {
		p |= pteP
	}
	if flags&arch.FlagWrite != 0 {
		p |= pteW
	}
	if flags&arch.FlagUser != 0 {
		p |= pteU
	}
	if flags&arch.FlagGlobal != 0 {
		p |= global
	}
	if flags&arch.FlagNoCache != 0 {
		p |= pcd
	}
	if flags&arch.FlagCOW != 0 {
		p |= pcow
	}
	p |= arch.PTE(frame) & addrMask
	return p
}

func (Backend) DecodePTE(pte arch.PTE) (arch.PhysAddr, arch.Flags) {
	var f arch.Flags
	if pte&pteP != 0 {
		f |= arch.FlagPresent
	}
	if pte&pteW != 0 {
		f |= arch.FlagWrite
	}
	if pte&pteU != 0 {
		f |= arch.FlagUser
	}
	if pte&global != 0 {
		f |= arch.FlagGlobal
	}
	if pte&pcd != 0 {
		f |= arch.FlagNoCache
	}
	if pte&pcow != 0 {
		f |= arch.FlagCOW
	}
	return arch.PhysAddr(pte & addrMask), f
}

func (Backend) NewThreadRegs(entry, sp arch.VirtAddr, arg uint64) arch.Regs {
	return arch.Regs{PC: entry, SP: sp, Arg0: arg}
}
