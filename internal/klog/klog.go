// Package klog provides the kernel's console logging. Biscuit never
// imports a logging library for kernel-level output -- mem/dmap.go and
// mem/mem.go write straight to fmt.Printf, and ufs/ufs.go uses the stdlib
// log package for the same purpose. This package keeps that shape and
// only adds the handful of severities the kernel core actually needs.
package klog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/ferrite-os/ferrite/internal/circbuf"
)

// ringSize is the default backlog kept for Recent/dmesg-style readback,
// generous enough to hold a screenful of boot messages without growing.
const ringSize = 16 * 1024

// Logger is the kernel console. The zero value is not usable; use New.
// Every line written also lands in a fixed-size circular backlog
// (internal/circbuf) so a later reader can retrieve recent
// console output the way a real kernel's dmesg ring does, rather than
// relying on a scrollback terminal.
type Logger struct {
	l    *log.Logger
	out  io.Writer
	ring *circbuf.Circbuf
}

// New returns a kernel logger whose lines, each starting with prefix,
// go to os.Stdout and to the backlog ring.
func New(prefix string) *Logger {
	ring := circbuf.New(ringSize)
	out := io.MultiWriter(os.Stdout, ring)
	return &Logger{l: log.New(out, prefix, log.Ltime|log.Lmicroseconds), out: out, ring: ring}
}

// Recent drains and returns the logger's console backlog, oldest first.
func (lg *Logger) Recent() []byte {
	buf := make([]byte, lg.ring.Used())
	n, _ := lg.ring.Read(buf)
	return buf[:n]
}

// Console is the default kernel logger, analogous to the teacher's bare
// fmt.Printf console output.
var Console = New("")

// Warnf logs a recoverable but noteworthy condition (e.g. a malformed IRQ
// event; §7: "IRQ handlers never report errors; on a malformed device
// event they log and return").
func (lg *Logger) Warnf(format string, args ...interface{}) {
	lg.l.Printf("warn: "+format, args...)
}

// Infof logs routine kernel progress (boot messages, mount/unmount).
func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.l.Printf(format, args...)
}

// Dump prints a pre-formatted multi-line block (a trap-frame dump) without
// per-line timestamps, matching the teacher's raw fmt.Printf dumps.
func (lg *Logger) Dump(s string) {
	fmt.Fprint(lg.out, s)
}

// Panicf logs then panics, the kernel's sole path for a Fatal (§7)
// invariant violation.
func (lg *Logger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	lg.l.Printf("PANIC: %s", msg)
	panic(msg)
}
