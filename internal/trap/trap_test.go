package trap_test

import (
	"testing"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/trap"
)

func TestDispatchCountsAndInvokesHandler(t *testing.T) {
	tbl := trap.NewTable(false)
	var got trap.Frame
	tbl.Register(trap.VecPageFault, func(f trap.Frame) kerr.Errno {
		got = f
		return 0
	})

	f := trap.Frame{Vector: trap.VecPageFault, Fault: arch.FaultInfo{Addr: 0x1000, Write: true, User: true}}
	if err := tbl.Dispatch(f); err != 0 {
		t.Fatalf("dispatch: %v", err)
	}
	if got.Fault.Addr != 0x1000 {
		t.Fatalf("handler did not receive frame: %+v", got)
	}
	if tbl.Count(trap.VecPageFault) != 1 {
		t.Fatalf("count = %d, want 1", tbl.Count(trap.VecPageFault))
	}
	if tbl.Nesting() != 0 {
		t.Fatalf("nesting after dispatch = %d, want 0", tbl.Nesting())
	}
}

func TestDispatchUnhandledUserFaultReturnsEFAULT(t *testing.T) {
	tbl := trap.NewTable(false)
	f := trap.Frame{Vector: trap.VecGPFault, Fault: arch.FaultInfo{User: true}}
	if err := tbl.Dispatch(f); err != kerr.EFAULT {
		t.Fatalf("err = %v, want EFAULT", err)
	}
}

func TestDispatchUnhandledKernelFaultPanics(t *testing.T) {
	tbl := trap.NewTable(false)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unhandled kernel-mode fault")
		}
	}()
	tbl.Dispatch(trap.Frame{Vector: trap.VecGPFault, Fault: arch.FaultInfo{User: false}})
}

func TestVectorString(t *testing.T) {
	if got := trap.VecPageFault.String(); got != "page fault" {
		t.Fatalf("VecPageFault.String() = %q", got)
	}
	if got := trap.Vector(200).String(); got != "vector 200" {
		t.Fatalf("Vector(200).String() = %q", got)
	}
}

func TestDumpWithoutCode(t *testing.T) {
	s := trap.Dump(trap.Frame{Vector: trap.VecDivideError, Regs: arch.Regs{PC: 0x400000}})
	if s == "" {
		t.Fatal("expected non-empty dump")
	}
}
