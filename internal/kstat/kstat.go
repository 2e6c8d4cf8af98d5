// Package kstat accumulates kernel statistical counters and cycle
// totals and encodes a snapshot as a real pprof profile, replacing the
// teacher's reflection-based Stats2String dump (stats/stats.go) with
// a D_PROF device node (defs/device.go enumerates D_STAT/D_PROF but
// never implements the latter). Grounded on stats/stats.go for the
// Counter_t/Cycles_t shape and github.com/google/pprof/profile for the
// encoding, a direct teacher go.mod dependency otherwise unwired in
// this module.
package kstat

import (
	"sync"
	"sync/atomic"
)

// Counter is an atomic named tally, the Counter_t analogue.
type Counter struct {
	v int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64(&c.v, 1) }

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.v, delta) }

// Load reads the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.v) }

// Cycles is an atomic accumulated cycle/nanosecond total, the Cycles_t
// analogue.
type Cycles struct {
	v int64
}

// Add accumulates delta cycles.
func (c *Cycles) Add(delta int64) { atomic.AddInt64(&c.v, delta) }

// Load reads the accumulated total.
func (c *Cycles) Load() int64 { return atomic.LoadInt64(&c.v) }

// Registry is the kernel-wide set of named counters sampled into a
// profile on read of the profiling device, mirroring the single global
// stats struct the teacher's kernel compiles in when Stats is true.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	cycles   map[string]*Cycles
}

// NewRegistry builds an empty statistics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		cycles:   make(map[string]*Cycles),
	}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Cycles returns the named cycle accumulator, creating it on first use.
func (r *Registry) Cycles(name string) *Cycles {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[name]
	if !ok {
		c = &Cycles{}
		r.cycles[name] = c
	}
	return c
}

// Sample is one named counter's value at snapshot time.
type Sample struct {
	Name  string
	Value int64
}

// Snapshot returns every counter and cycle accumulator's current value,
// sorted by name for deterministic encoding.
func (r *Registry) Snapshot() (counters, cycles []Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.counters {
		counters = append(counters, Sample{name, c.Load()})
	}
	for name, c := range r.cycles {
		cycles = append(cycles, Sample{name, c.Load()})
	}
	sortSamples(counters)
	sortSamples(cycles)
	return counters, cycles
}

func sortSamples(s []Sample) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Name < s[j-1].Name; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
