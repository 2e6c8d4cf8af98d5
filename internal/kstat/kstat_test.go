package kstat

import (
	"testing"

	"github.com/google/pprof/profile"

	"github.com/ferrite-os/ferrite/internal/fdops"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry()
	r.Counter("irq.timer").Add(3)
	r.Counter("irq.kbd").Inc()
	r.Cycles("sched.tick").Add(100)

	counters, cycles := r.Snapshot()
	if len(counters) != 2 || len(cycles) != 1 {
		t.Fatalf("got %d counters, %d cycles", len(counters), len(cycles))
	}
	if counters[0].Name != "irq.kbd" || counters[1].Name != "irq.timer" {
		t.Fatalf("counters not sorted: %+v", counters)
	}
	if counters[1].Value != 3 {
		t.Fatalf("irq.timer = %d, want 3", counters[1].Value)
	}
	if cycles[0].Value != 100 {
		t.Fatalf("sched.tick = %d, want 100", cycles[0].Value)
	}
}

func TestProfDeviceReadDecodesAsProfile(t *testing.T) {
	r := NewRegistry()
	r.Counter("irq.timer").Add(7)
	r.Cycles("sched.tick").Add(42)

	dev := NewProfDevice(r)
	buf := make([]byte, 64*1024)
	fb := vmm.NewFakeBuf(buf)
	n, err := dev.Read(fb, 0)
	if err != 0 {
		t.Fatalf("Read: %v", err)
	}
	if n == 0 {
		t.Fatal("Read returned 0 bytes")
	}

	p, perr := profile.ParseData(buf[:n])
	if perr != nil {
		t.Fatalf("ParseData: %v", perr)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples, want 2", len(p.Sample))
	}

	if cur, lerr := dev.Lseek(0, fdops.SeekCur); lerr != 0 || cur != 0 {
		t.Fatalf("Lseek(0, SeekCur) = (%d, %v), want (0, nil)", cur, lerr)
	}
	if _, lerr := dev.Lseek(0, fdops.SeekEnd); lerr != kerr.EINVAL {
		t.Fatalf("Lseek(SeekEnd) = %v, want EINVAL", lerr)
	}
}
