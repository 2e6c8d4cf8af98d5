// Package riscv64 implements internal/arch.Backend for Sv39-style RISC-V
// paging: 3 page table levels, 512 entries per level, 4KiB pages. Bit
// layout follows the RISC-V PTE V/R/W/X/U/G permission bit convention
// referenced by original_source/kernel/include/platform/riscv64's init
// headers and the generic MMU_FLAG_PERM_READ/WRITE translation in
// original_source/kernel/include/platform/generic/vmm/consts.h.
package riscv64

import "github.com/ferrite-os/ferrite/internal/arch"

const (
	pteV arch.PTE = 1 << 0 // valid
	pteR arch.PTE = 1 << 1 // readable
	pteW arch.PTE = 1 << 2 // writable
	pteU arch.PTE = 1 << 4 // user-accessible
	pteG arch.PTE = 1 << 5 // global
	pteCOW arch.PTE = 1 << 8 // software bit (RSW field)
	ppnShift = 10
	addrMask arch.PTE = 0x003ffffffffffc00
)

// Backend is the riscv64 arch.Backend.
type Backend struct{}

var _ arch.Backend = Backend{}

func init() { arch.Register(Backend{}) }

func (Backend) Name() string     { return "riscv64" }
func (Backend) PageShift() uint  { return 12 }
func (Backend) PageSize() int    { return 1 << 12 }
func (Backend) PTEsPerPage() int { return 512 }
func (Backend) Levels() int      { return 3 }

func (Backend) EncodePTE(frame arch.PhysAddr, flags arch.Flags) arch.PTE {
	var p arch.PTE
	if flags&arch.FlagPresent != 0 {
		p |= pteV | pteR
	}
	if flags&arch.FlagWrite != 0 {
		p |= pteW
	}
	if flags&arch.FlagUser != 0 {
		p |= pteU
	}
	if flags&arch.FlagGlobal != 0 {
		p |= pteG
	}
	if flags&arch.FlagCOW != 0 {
		p |= pteCOW
	}
	p |= (arch.PTE(frame) << ppnShift) & addrMask
	return p
}

func (Backend) DecodePTE(pte arch.PTE) (arch.PhysAddr, arch.Flags) {
	var f arch.Flags
	if pte&pteV != 0 {
		f |= arch.FlagPresent
	}
	if pte&pteW != 0 {
		f |= arch.FlagWrite
	}
	if pte&pteU != 0 {
		f |= arch.FlagUser
	}
	if pte&pteG != 0 {
		f |= arch.FlagGlobal
	}
	if pte&pteCOW != 0 {
		f |= arch.FlagCOW
	}
	return arch.PhysAddr((pte & addrMask) >> ppnShift), f
}

func (Backend) NewThreadRegs(entry, sp arch.VirtAddr, arg uint64) arch.Regs {
	return arch.Regs{PC: entry, SP: sp, Arg0: arg}
}
