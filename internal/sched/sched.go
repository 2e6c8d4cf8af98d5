// Package sched implements the kernel's scheduler: per-CPU ready
// queues split into priority classes, round-robin within a class,
// quantum-based preemption, blocking/wakeup, last-CPU-hint placement
// and cross-CPU IPI reschedule notification.
//
// Grounded on stats/stats.go
// (Counter_t/Cycles_t, the tick/quantum accounting idiom this package's
// per-thread Ticks counter follows) for the ambient accounting style,
// and internal/msi for the IPI vector a cross-CPU wakeup consumes. The
// teacher's actual scheduler lives inside the forked Go runtime
// (GOOS=biscuit's goroutine scheduler, patched to multiplex kernel
// threads) and isn't present as ordinary Go source in the retrieval
// pack; this package models the same per-CPU run-queue design as an
// explicit, testable state machine instead of a hidden runtime hook.
package sched

import (
	"sync"
	"time"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/kstat"
	"github.com/ferrite-os/ferrite/internal/msi"
	"github.com/ferrite-os/ferrite/internal/proc"
)

// tickDuration is the wall-clock span one timer tick represents, used
// only to charge internal/kaccnt user time against the running
// thread's process; QuantumTicks of these make up the scheduler's
// "10ms" quantum.
const tickDuration = time.Millisecond

// Class is a scheduling priority class, highest first.
type Class int

const (
	ClassRealtime Class = iota
	ClassInteractive
	ClassBatch
	NumClasses
)

// QuantumTicks is how many timer ticks a thread runs before the
// scheduler preempts it in favor of the next ready thread in its
// class: a "10ms" quantum expressed in tick units rather than
// wall-clock time, since there is no real timer in this model.
const QuantumTicks = 10

// Entry is one runnable thread's scheduling bookkeeping: which class
// it runs in, how many ticks of its current quantum it has consumed,
// and whether it is boosted (held a kernel lock when last preempted,
// so a wakeup should return it to the head of its queue rather than
// the tail, avoiding a lock-convoy).
type Entry struct {
	Thread  *proc.Thread
	Class   Class
	Ticks   int
	Boosted bool
}

// CPU is one simulated processor: a ready queue per class, the thread
// currently running (nil if idle), and the IPI vector other CPUs use
// to ask it to reschedule.
type CPU struct {
	ID      int
	mu      sync.Mutex
	queues  [NumClasses][]*Entry
	Runng   *Entry
	vector  msi.Vector
	resched bool
}

// NeedsResched reports and clears whether an IPI asked this CPU to
// reschedule -- the main run loop polls this between instructions the
// way a real CPU checks a pending-interrupt flag.
func (c *CPU) NeedsResched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.resched
	c.resched = false
	return v
}

func (c *CPU) enqueue(e *Entry, front bool) {
	q := c.queues[e.Class]
	if front {
		c.queues[e.Class] = append([]*Entry{e}, q...)
	} else {
		c.queues[e.Class] = append(q, e)
	}
}

func (c *CPU) dequeueHighest() *Entry {
	for class := Class(0); class < NumClasses; class++ {
		q := c.queues[class]
		if len(q) == 0 {
			continue
		}
		e := q[0]
		c.queues[class] = q[1:]
		return e
	}
	return nil
}

// load is the count of ready entries queued on this CPU plus one if
// it's currently running something, used to pick the least-loaded CPU
// for a wakeup with no last-CPU hint.
func (c *CPU) load() int {
	n := 0
	for class := Class(0); class < NumClasses; class++ {
		n += len(c.queues[class])
	}
	if c.Runng != nil {
		n++
	}
	return n
}

// Scheduler owns every CPU's run queue plus the set of currently
// blocked threads.
type Scheduler struct {
	mu      sync.Mutex
	cpus    []*CPU
	blocked map[*proc.Thread]*Entry
	// Stats is the registry the D_PROF device reads (internal/kstat);
	// nil disables accounting entirely rather than requiring a caller
	// that doesn't care about profiling to wire up a discard registry.
	Stats *kstat.Registry
}

// New builds a scheduler with numCPUs simulated processors, each
// assigned its own IPI vector from pool.
func New(numCPUs int, pool *msi.Pool) *Scheduler {
	if pool == nil {
		pool = msi.Default()
	}
	s := &Scheduler{blocked: make(map[*proc.Thread]*Entry)}
	for i := 0; i < numCPUs; i++ {
		s.cpus = append(s.cpus, &CPU{ID: i, vector: pool.Alloc()})
	}
	return s
}

// WithStats attaches reg as s's statistics registry and returns s, for
// chaining onto New at construction time.
func (s *Scheduler) WithStats(reg *kstat.Registry) *Scheduler {
	s.Stats = reg
	return s
}

// NumCPUs reports how many simulated processors the scheduler manages.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// CPU returns the id'th simulated processor.
func (s *Scheduler) CPU(id int) *CPU { return s.cpus[id] }

func (s *Scheduler) leastLoaded() *CPU {
	best := s.cpus[0]
	for _, c := range s.cpus[1:] {
		c.mu.Lock()
		bl := best.load()
		cl := c.load()
		c.mu.Unlock()
		if cl < bl {
			best = c
		}
	}
	return best
}

func (s *Scheduler) cpuFor(th *proc.Thread) *CPU {
	if th.LastCPU != proc.LastCPUNotSet && th.LastCPU < len(s.cpus) {
		return s.cpus[th.LastCPU]
	}
	return s.leastLoaded()
}

// Spawn admits a newly runnable thread into class, placing it on its
// last-CPU hint or the least-loaded CPU if it has none.
func (s *Scheduler) Spawn(th *proc.Thread, class Class) {
	s.mu.Lock()
	c := s.cpuFor(th)
	s.mu.Unlock()

	th.SetState(proc.ThreadRunnable)
	e := &Entry{Thread: th, Class: class}
	c.mu.Lock()
	c.enqueue(e, false)
	c.mu.Unlock()
}

// Pick selects the next thread to run on the given CPU, installing it
// as Runng and marking it Running. Returns nil if the CPU has nothing
// ready (idle).
func (s *Scheduler) Pick(cpuID int) *proc.Thread {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.dequeueHighest()
	c.Runng = e
	if e == nil {
		return nil
	}
	e.Thread.LastCPU = cpuID
	e.Thread.SetState(proc.ThreadRunning)
	return e.Thread
}

// Tick accounts one timer tick against the CPU's currently running
// thread. Once its quantum is exhausted, the thread is moved to the
// tail of its class's queue (or the head, if it's boosted) and the CPU
// goes idle until the next Pick.
func (s *Scheduler) Tick(cpuID int) {
	if s.Stats != nil {
		s.Stats.Counter("sched.ticks").Inc()
	}
	c := s.cpus[cpuID]
	c.mu.Lock()
	e := c.Runng
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.Thread.Process.Accnt.AddUser(tickDuration)
	e.Ticks++
	if e.Ticks < QuantumTicks {
		c.mu.Unlock()
		return
	}
	e.Ticks = 0
	c.Runng = nil
	front := e.Boosted
	e.Boosted = false
	c.enqueue(e, front)
	c.mu.Unlock()
	e.Thread.SetState(proc.ThreadRunnable)
	if s.Stats != nil {
		s.Stats.Counter("sched.preemptions").Inc()
	}
}

// Boost marks th's current run-queue entry so that its next
// re-enqueue (from Tick's preemption or from Wakeup) lands at the head
// of its class rather than the tail, for a thread that was holding a
// kernel lock when preempted.
func (s *Scheduler) Boost(cpuID int, th *proc.Thread) {
	c := s.cpus[cpuID]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Runng != nil && c.Runng.Thread == th {
		c.Runng.Boosted = true
	}
}

// Block removes the CPU's currently running thread from scheduling,
// marking it Blocked, the kernel-side half of sched_block(reason).
// Returns the blocked thread, or nil if the CPU was idle.
func (s *Scheduler) Block(cpuID int) *proc.Thread {
	c := s.cpus[cpuID]
	c.mu.Lock()
	e := c.Runng
	c.Runng = nil
	c.mu.Unlock()
	if e == nil {
		return nil
	}
	e.Thread.SetState(proc.ThreadBlocked)
	s.mu.Lock()
	s.blocked[e.Thread] = e
	s.mu.Unlock()
	return e.Thread
}

// Exit removes the CPU's currently running thread from scheduling for
// good, the kernel-side half of a thread calling exit(2): unlike Block,
// the thread is marked Zombie rather than Blocked and is never retained
// for a future Wakeup. Returns the thread removed, or nil if the CPU
// was idle.
func (s *Scheduler) Exit(cpuID int) *proc.Thread {
	c := s.cpus[cpuID]
	c.mu.Lock()
	e := c.Runng
	c.Runng = nil
	c.mu.Unlock()
	if e == nil {
		return nil
	}
	e.Thread.SetState(proc.ThreadZombie)
	return e.Thread
}

// Wakeup moves a Blocked thread back to Runnable, enqueuing it on its
// last-CPU hint (or least-loaded CPU) and sending that CPU an IPI to
// reschedule, matching sched_wakeup. Returns ENOENT if th was not
// blocked.
func (s *Scheduler) Wakeup(th *proc.Thread) kerr.Errno {
	s.mu.Lock()
	e, ok := s.blocked[th]
	if !ok {
		s.mu.Unlock()
		return kerr.ENOENT
	}
	delete(s.blocked, th)
	c := s.cpuFor(th)
	s.mu.Unlock()

	th.SetState(proc.ThreadRunnable)
	c.mu.Lock()
	c.enqueue(e, e.Boosted)
	c.resched = true
	c.mu.Unlock()
	if s.Stats != nil {
		s.Stats.Counter("sched.wakeups").Inc()
	}
	return 0
}
