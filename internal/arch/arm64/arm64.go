// Package arm64 implements internal/arch.Backend for AArch64: 4-level
// page tables (L0-L3), 512 entries per level, 4KiB pages. Bit layout is
// grounded on the AArch64 descriptor fields set in
// original_source/kernel/kernel/platform/aarch64/vmm/mmu.c (valid bit,
// AP[2:1] read/write permission bits, nG non-global bit).
package arm64

import "github.com/ferrite-os/ferrite/internal/arch"

const (
	descValid arch.PTE = 1 << 0
	descAPRO  arch.PTE = 1 << 7 // AP[2]: 1 = read-only at every EL
	descAPEL0 arch.PTE = 1 << 6 // AP[1]: 1 = accessible at EL0 (user)
	descNG    arch.PTE = 1 << 11
	descAttrIdx1 arch.PTE = 1 << 2 // MAIR index 1: device/non-cacheable
	descCOW   arch.PTE = 1 << 55  // software bit, ignored by hardware
	addrMask  arch.PTE = 0x0000fffffffff000
)

// Backend is the arm64 arch.Backend.
type Backend struct{}

var _ arch.Backend = Backend{}

func init() { arch.Register(Backend{}) }

func (Backend) Name() string     { return "arm64" }
func (Backend) PageShift() uint  { return 12 }
func (Backend) PageSize() int    { return 1 << 12 }
func (Backend) PTEsPerPage() int { return 512 }
func (Backend) Levels() int      { return 4 }

func (Backend) EncodePTE(frame arch.PhysAddr, flags arch.Flags) arch.PTE {
	var p arch.PTE
	if flags&arch.FlagPresent != 0 {
		p |= descValid
	}
	if flags&arch.FlagWrite == 0 && flags&arch.FlagPresent != 0 {
		p |= descAPRO
	}
	if flags&arch.FlagUser != 0 {
		p |= descAPEL0
	}
	if flags&arch.FlagGlobal == 0 {
		p |= descNG
	}
	if flags&arch.FlagNoCache != 0 {
		p |= descAttrIdx1
	}
	if flags&arch.FlagCOW != 0 {
		p |= descCOW
	}
	p |= arch.PTE(frame) & addrMask
	return p
}

func (Backend) DecodePTE(pte arch.PTE) (arch.PhysAddr, arch.Flags) {
	var f arch.Flags
	if pte&descValid != 0 {
		f |= arch.FlagPresent
	}
	if f&arch.FlagPresent != 0 && pte&descAPRO == 0 {
		f |= arch.FlagWrite
	}
	if pte&descAPEL0 != 0 {
		f |= arch.FlagUser
	}
	if pte&descNG == 0 {
		f |= arch.FlagGlobal
	}
	if pte&descAttrIdx1 != 0 {
		f |= arch.FlagNoCache
	}
	if pte&descCOW != 0 {
		f |= arch.FlagCOW
	}
	return arch.PhysAddr(pte & addrMask), f
}

func (Backend) NewThreadRegs(entry, sp arch.VirtAddr, arg uint64) arch.Regs {
	return arch.Regs{PC: entry, SP: sp, Arg0: arg}
}
