// Package caller tracks distinct call chains, used by internal/trap to
// rate-limit warnings for repeated faults from the same code path (a
// misbehaving driver retrying the same bad access shouldn't flood the
// console). Grounded on caller/caller.go.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Dump formats the call stack starting at the given skip depth, one
// file:line per frame, and returns it as a string for the caller to log.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// Distinct tracks whether a given call chain has been seen before, so a
// caller can log loudly the first time and quietly thereafter.
type Distinct struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
	// Whitelist names functions whose call chains are never reported,
	// even the first time.
	Whitelist map[string]bool
}

func pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len reports the number of distinct call chains recorded so far.
func (d *Distinct) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Observe reports whether the caller's call chain (starting 3 frames up,
// skipping Observe itself and its immediate caller) is new, returning a
// formatted trace the first time it is seen.
func (d *Distinct) Observe() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Enabled {
		return false, ""
	}
	if d.seen == nil {
		d.seen = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			return false, ""
		}
		pcs = pcs[:got]
	}
	h := pchash(pcs)
	if d.seen[h] {
		return false, ""
	}
	d.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if d.Whitelist[fr.Function] {
			return false, ""
		}
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
