// Package trap classifies and dispatches CPU exceptions and device
// interrupts delivered to a simulated vector table, and renders a
// trap-frame dump (disassembling the faulting instruction with
// golang.org/x/arch/x86/x86asm) when a fault escalates to a kernel
// panic. Grounded on the exception vector table and isr_handler
// dispatch in original_source/kernel/kernel/platform/x86/interrupts/
// isr_handler.c, and on stats/stats.go's per-vector Nirqs counters.
package trap

import (
	"fmt"
	"sync/atomic"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/caller"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/klog"
)

// Vector identifies a trap/interrupt number in the simulated IDT.
type Vector int

// The first 32 vectors are CPU exceptions; their names are fixed by the
// x86 architecture and carried over unchanged since every backend in
// internal/arch models the same exception numbering.
const (
	VecDivideError Vector = iota
	VecDebug
	VecNMI
	VecBreakpoint
	VecOverflow
	VecBoundRange
	VecInvalidOpcode
	VecNoCoprocessor
	VecDoubleFault
	VecCoprocessorOverrun
	VecInvalidTSS
	VecSegmentNotPresent
	VecStackFault
	VecGPFault
	VecPageFault
	VecReserved15
	VecCoprocessorFault
	VecAlignmentCheck
	VecMachineCheck
	numExceptions = 32
)

var exceptionNames = [numExceptions]string{
	"divide error", "debug", "non-maskable interrupt", "breakpoint",
	"overflow", "bound range exceeded", "invalid opcode", "no coprocessor",
	"double fault", "coprocessor segment overrun", "invalid TSS",
	"segment not present", "stack fault", "general protection fault",
	"page fault", "reserved", "coprocessor fault", "alignment check",
	"machine check",
}

func (v Vector) String() string {
	if int(v) < numExceptions && exceptionNames[v] != "" {
		return exceptionNames[v]
	}
	return fmt.Sprintf("vector %d", int(v))
}

// Frame is the architecture-neutral trap frame handed to a Handler: the
// interrupted thread's register snapshot plus, for a page fault, the
// faulting address detail.
type Frame struct {
	Vector Vector
	Regs   arch.Regs
	Fault  arch.FaultInfo
	// Code is the raw bytes at Regs.PC, used only for the disassembly
	// in Dump; nil for interrupts that don't carry it.
	Code []byte
}

// Handler processes one trap. A zero kerr.Errno means handled; any
// other value is returned to the interrupted syscall (for a fault taken
// from user mode) or escalates to a kernel panic (fault taken from
// kernel mode, matching isr_handler.c's "kernel page fault" path).
type Handler func(f Frame) kerr.Errno

// Table dispatches vectors to handlers and tracks interrupt nesting the
// way a real kernel must to know whether it's safe to, say, block.
type Table struct {
	handlers [256]Handler
	counts   [256]int64
	nesting  int32
	repeat   caller.Distinct
}

// NewTable returns an empty dispatch table. repeatWarnings enables
// rate-limiting of repeated identical fault call chains (see
// internal/caller), used so a misbehaving driver retrying the same bad
// access doesn't flood the console.
func NewTable(repeatWarnings bool) *Table {
	t := &Table{}
	t.repeat.Enabled = repeatWarnings
	return t
}

// Register installs h as the handler for vec, replacing any previous
// handler.
func (t *Table) Register(vec Vector, h Handler) {
	t.handlers[vec] = h
}

// Nesting reports the current interrupt nesting depth; zero means the
// calling code is not inside interrupt context.
func (t *Table) Nesting() int32 {
	return atomic.LoadInt32(&t.nesting)
}

// Dispatch routes f to its registered handler, tracking nesting depth
// around the call and counting deliveries per vector (Nirqs's
// successor). A fault taken with no registered handler, or one that a
// kernel-mode access can't recover from, panics: per the kernel-core
// error taxonomy, an unrecoverable trap is Fatal, not a returnable
// error.
func (t *Table) Dispatch(f Frame) kerr.Errno {
	atomic.AddInt32(&t.nesting, 1)
	defer atomic.AddInt32(&t.nesting, -1)
	atomic.AddInt64(&t.counts[f.Vector], 1)

	h := t.handlers[f.Vector]
	if h == nil {
		if !f.Fault.User {
			klog.Console.Panicf("trap: unhandled %s in kernel mode, pc=%#x", f.Vector, f.Regs.PC)
		}
		return kerr.EFAULT
	}

	err := h(f)
	if err != 0 && !f.Fault.User {
		if fresh, trace := t.repeat.Observe(); fresh {
			klog.Console.Warnf("kernel-mode fault %s at pc=%#x\n%s", f.Vector, f.Regs.PC, trace)
		}
		klog.Console.Panicf("trap: unrecoverable %s in kernel mode: %s", f.Vector, err)
	}
	return err
}

// Count reports how many times vec has been delivered.
func (t *Table) Count(vec Vector) int64 {
	return atomic.LoadInt64(&t.counts[vec])
}
