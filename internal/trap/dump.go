package trap

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Dump renders a human-readable description of a trap frame for the
// kernel panic log: the vector, register snapshot, and a best-effort
// disassembly of the faulting instruction when Code is available. This
// is the successor to the teacher's runtime-level trap dump (which has
// direct access to real code pages); here Code is whatever bytes the
// caller copied out of the simulated address space at Regs.PC.
func Dump(f Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trap: %s\n", f.Vector)
	fmt.Fprintf(&b, "  pc=%#x sp=%#x\n", f.Regs.PC, f.Regs.SP)
	if f.Vector == VecPageFault || f.Fault.Addr != 0 {
		fmt.Fprintf(&b, "  fault addr=%#x write=%v user=%v present=%v\n",
			f.Fault.Addr, f.Fault.Write, f.Fault.User, f.Fault.Present)
	}
	if len(f.Code) > 0 {
		inst, err := x86asm.Decode(f.Code, 64)
		if err != nil {
			fmt.Fprintf(&b, "  instr: <undecodable: %v>\n", err)
		} else {
			fmt.Fprintf(&b, "  instr: %s\n", x86asm.GNUSyntax(inst, uint64(f.Regs.PC), nil))
		}
	}
	return b.String()
}
