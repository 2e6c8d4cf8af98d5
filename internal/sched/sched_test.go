package sched

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/arch/amd64"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/msi"
	"github.com/ferrite-os/ferrite/internal/proc"
)

func newThread(t *testing.T, pid proc.Pid) *proc.Thread {
	t.Helper()
	backend := amd64.Backend{}
	arena := kmem.NewArena(64)
	zones := kmem.NewZoneAllocator()

	p, err := proc.NewKernelProcess(backend, arena, zones, arch.VirtAddr(0xffff800000100000), 0)
	if err != 0 {
		t.Fatalf("NewKernelProcess: %v", err)
	}
	return p.MainThread
}

func TestSpawnAndPickRoundRobin(t *testing.T) {
	s := New(1, msi.NewPool(56, 57))
	a := newThread(t, 1)
	b := newThread(t, 2)

	s.Spawn(a, ClassBatch)
	s.Spawn(b, ClassBatch)

	first := s.Pick(0)
	if first != a {
		t.Fatalf("Pick = %v, want a", first)
	}
	// a is now Runng; b is still queued behind it.
	if b.GetState() != proc.ThreadRunnable {
		t.Fatalf("b.State = %v, want Runnable", b.GetState())
	}
}

func TestHigherClassRunsFirst(t *testing.T) {
	s := New(1, msi.NewPool(56))
	batch := newThread(t, 1)
	rt := newThread(t, 2)

	s.Spawn(batch, ClassBatch)
	s.Spawn(rt, ClassRealtime)

	picked := s.Pick(0)
	if picked != rt {
		t.Fatalf("Pick = %v, want realtime thread", picked)
	}
}

func TestTickPreemptsAfterQuantum(t *testing.T) {
	s := New(1, msi.NewPool(56))
	a := newThread(t, 1)
	b := newThread(t, 2)
	s.Spawn(a, ClassBatch)
	s.Spawn(b, ClassBatch)

	if s.Pick(0) != a {
		t.Fatal("expected a to run first")
	}
	for i := 0; i < QuantumTicks-1; i++ {
		s.Tick(0)
	}
	if s.CPU(0).Runng == nil || s.CPU(0).Runng.Thread != a {
		t.Fatal("a preempted before its quantum expired")
	}
	s.Tick(0)
	if s.CPU(0).Runng != nil {
		t.Fatal("CPU should be idle immediately after quantum expiry")
	}
	if a.GetState() != proc.ThreadRunnable {
		t.Fatalf("a.State = %v, want Runnable after preemption", a.GetState())
	}

	next := s.Pick(0)
	if next != b {
		t.Fatalf("Pick after preemption = %v, want b", next)
	}
}

func TestBoostedThreadReturnsToHeadOfQueue(t *testing.T) {
	s := New(1, msi.NewPool(56))
	a := newThread(t, 1)
	b := newThread(t, 2)
	s.Spawn(a, ClassBatch)
	s.Spawn(b, ClassBatch)

	s.Pick(0) // a runs
	s.Boost(0, a)
	for i := 0; i < QuantumTicks; i++ {
		s.Tick(0)
	}
	// a was boosted, so it should be requeued ahead of b.
	next := s.Pick(0)
	if next != a {
		t.Fatalf("Pick after boosted preemption = %v, want a back at head", next)
	}
}

func TestBlockAndWakeup(t *testing.T) {
	s := New(1, msi.NewPool(56))
	a := newThread(t, 1)
	s.Spawn(a, ClassInteractive)
	s.Pick(0)

	blocked := s.Block(0)
	if blocked != a {
		t.Fatalf("Block = %v, want a", blocked)
	}
	if a.GetState() != proc.ThreadBlocked {
		t.Fatalf("a.State = %v, want Blocked", a.GetState())
	}
	if s.CPU(0).Runng != nil {
		t.Fatal("CPU should be idle after Block")
	}

	if err := s.Wakeup(a); err != 0 {
		t.Fatalf("Wakeup: %v", err)
	}
	if a.GetState() != proc.ThreadRunnable {
		t.Fatalf("a.State = %v, want Runnable after Wakeup", a.GetState())
	}
	if !s.CPU(0).NeedsResched() {
		t.Fatal("Wakeup should flag the target CPU for reschedule")
	}

	if next := s.Pick(0); next != a {
		t.Fatalf("Pick after Wakeup = %v, want a", next)
	}
}

func TestWakeupUnblockedThreadReturnsENOENT(t *testing.T) {
	s := New(1, msi.NewPool(56))
	a := newThread(t, 1)
	if err := s.Wakeup(a); err != kerr.ENOENT {
		t.Fatalf("Wakeup = %v, want ENOENT", err)
	}
}

func TestSpawnHonorsLastCPUHint(t *testing.T) {
	s := New(2, msi.NewPool(56, 57))
	a := newThread(t, 1)
	a.LastCPU = 1

	s.Spawn(a, ClassBatch)
	if s.Pick(0) != nil {
		t.Fatal("a should not have landed on CPU 0")
	}
	if s.Pick(1) != a {
		t.Fatal("a should have landed on its last-CPU hint, CPU 1")
	}
}

// TestPreemptionFairness exercises property S6: two CPU-bound threads
// of equal priority sharing one CPU each get a roughly even share of
// run time, driven by a sequential loop of scheduler ticks on that CPU.
func TestPreemptionFairness(t *testing.T) {
	s := New(1, msi.NewPool(56))
	a := newThread(t, 1)
	b := newThread(t, 2)
	s.Spawn(a, ClassBatch)
	s.Spawn(b, ClassBatch)

	ticksFor := map[*proc.Thread]int{}
	const rounds = 1000
	for i := 0; i < rounds; i++ {
		cur := s.Pick(0)
		if cur == nil {
			t.Fatal("CPU unexpectedly idle mid-run")
		}
		ticksFor[cur]++
		for j := 0; j < QuantumTicks; j++ {
			s.Tick(0)
		}
	}

	total := ticksFor[a] + ticksFor[b]
	for _, th := range []*proc.Thread{a, b} {
		share := float64(ticksFor[th]) / float64(total)
		if share < 0.45 {
			t.Fatalf("thread share = %.2f, want >= 0.45", share)
		}
	}
}

// TestConcurrentCPUsDrainIndependently checks that two simulated CPUs,
// ticked concurrently via errgroup, each keep their own run queue
// moving without racing on shared state (Scheduler/CPU locking).
func TestConcurrentCPUsDrainIndependently(t *testing.T) {
	s := New(2, msi.NewPool(56, 57))
	threads := make([]*proc.Thread, 0, 8)
	for i := 0; i < 8; i++ {
		th := newThread(t, proc.Pid(i+1))
		th.LastCPU = i % 2
		s.Spawn(th, ClassBatch)
		threads = append(threads, th)
	}

	var g errgroup.Group
	for cpu := 0; cpu < 2; cpu++ {
		cpu := cpu
		g.Go(func() error {
			for round := 0; round < 100; round++ {
				if s.Pick(cpu) == nil {
					continue
				}
				for j := 0; j < QuantumTicks; j++ {
					s.Tick(cpu)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}

	for _, th := range threads {
		if th.GetState() != proc.ThreadRunnable {
			t.Fatalf("thread %d ended in state %v, want Runnable", th.TID, th.GetState())
		}
	}
}
