// Package arch isolates every ISA-specific detail of the kernel core
// behind a Backend interface: page table entry encoding, trap frame
// shape, and initial register state for a new thread. internal/vmm,
// internal/trap and internal/proc are written once against this
// interface and never branch on GOARCH.
//
// The teacher achieves portability differently: it runs on a forked Go
// runtime (GOOS=biscuit) that exposes hardware primitives directly as
// runtime functions (runtime.Cpuid, runtime.Vtop, runtime.Pml4freeze,
// runtime.Rdtsc -- see mem/dmap.go), so "architecture" there means
// "which instructions the assembly stubs in the runtime emit", fixed at
// Go-toolchain build time. That dependency cannot be carried into an
// ordinary Go module: no such runtime fork is available here, and
// unsafe-pointer hardware access has nothing real to address, so this
// package instead makes the architecture a pluggable Backend value
// (one per ISA, see internal/arch/amd64, arm64, riscv64) operating over
// an in-process simulated physical address space (internal/kmem). This
// trades the runtime fork for an explicit capability interface, the
// portable alternative to patching the Go toolchain per target ISA.
package arch

// PhysAddr is a simulated physical address: an index into internal/kmem's
// byte arena, not a real hardware address.
type PhysAddr uint64

// VirtAddr is a simulated virtual address.
type VirtAddr uint64

// PTE is an opaque, architecture-encoded page table entry. Backends pack
// and unpack it; no other package interprets its bits directly.
type PTE uint64

// Flags is the architecture-neutral permission/attribute set for one
// mapping. Each Backend encodes these into its own PTE bit layout.
type Flags uint32

const (
	FlagPresent Flags = 1 << iota
	FlagWrite
	FlagUser
	FlagGlobal
	FlagNoCache
	FlagCOW // copy-on-write: present but read-only pending a fault copy
)

// FaultInfo describes a single page fault or trap in architecture-neutral
// terms, filled in by a Backend from its native trap frame.
type FaultInfo struct {
	Addr    VirtAddr
	Write   bool
	User    bool
	Present bool
	Exec    bool
}

// Regs is the architecture-neutral view of a thread's saved register
// state: enough to start a new thread or describe where one is blocked.
// A Backend's real trap frame carries far more (segment registers,
// vector tables, etc.) but nothing above internal/trap needs to see it.
type Regs struct {
	PC   VirtAddr
	SP   VirtAddr
	Arg0 uint64
	Arg1 uint64
	Arg2 uint64
	Ret  uint64
}

// Backend is the capability set one ISA must provide. Implementations
// live in internal/arch/{amd64,arm64,riscv64}; none of them touch real
// hardware -- PTEsPerPage, EncodePTE and DecodePTE describe how that
// ISA's MMU would pack a PTE, and the rest of the kernel core treats the
// result as opaque.
type Backend interface {
	// Name identifies the backend, e.g. "amd64".
	Name() string
	// PageShift is log2 of the page size (12 for 4KiB pages).
	PageShift() uint
	// PageSize is 1 << PageShift.
	PageSize() int
	// PTEsPerPage is the fan-out of one page table level.
	PTEsPerPage() int
	// Levels is the number of page table levels walked from the root
	// to a leaf PTE (4 for amd64's PML4/PDPT/PD/PT).
	Levels() int

	// EncodePTE packs a frame address and flags into a PTE.
	EncodePTE(frame PhysAddr, flags Flags) PTE
	// DecodePTE unpacks a PTE into its frame address and flags.
	DecodePTE(pte PTE) (PhysAddr, Flags)

	// NewThreadRegs returns the initial register state for a thread
	// starting at entry with stack pointer sp and a single argument.
	NewThreadRegs(entry, sp VirtAddr, arg uint64) Regs
}
