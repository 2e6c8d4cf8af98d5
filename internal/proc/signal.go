package proc

import (
	"encoding/binary"
	"sync"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

// MaxSignal bounds the signal number space (the same size as POSIX's
// 32 standard signals).
const MaxSignal = 32

// SigKillNum is SIGKILL's signal number: the one signal Deliver never
// hands to a handler, since Thread.Kill already short-circuits it into
// immediate termination.
const SigKillNum = 9

// signalState is the per-thread signal bookkeeping kthread_setup
// zeroes out (signals_mask, pending_signals_mask, signal_handlers) and
// tinfo.Tnote_t's kill/doom flags generalized onto it.
type signalState struct {
	mu       sync.Mutex
	mask     uint64
	pending  uint64
	handlers [MaxSignal]uintptr

	alive    bool
	killed   bool
	isDoomed bool
	killCh   chan struct{}
}

func (t *Thread) initSignals() {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	t.sig.alive = true
	t.sig.killCh = make(chan struct{})
}

// SetMask replaces the thread's blocked-signal mask, returning the
// previous one (sigprocmask's kernel-side contract).
func (t *Thread) SetMask(mask uint64) uint64 {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	old := t.sig.mask
	t.sig.mask = mask
	return old
}

// Mask returns the thread's current blocked-signal mask.
func (t *Thread) Mask() uint64 {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.mask
}

// SetHandler installs the handler address for signal sig (sigaction).
func (t *Thread) SetHandler(sig int, handler uintptr) kerr.Errno {
	if sig < 0 || sig >= MaxSignal {
		return kerr.EINVAL
	}
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	t.sig.handlers[sig] = handler
	return 0
}

// Handler returns the installed handler address for sig, or 0 if none.
func (t *Thread) Handler(sig int) (uintptr, kerr.Errno) {
	if sig < 0 || sig >= MaxSignal {
		return 0, kerr.EINVAL
	}
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.handlers[sig], 0
}

// Raise marks sig pending on the thread, matching kill(2)'s delivery
// half. A masked signal still becomes pending; it's simply not
// deliverable until unmasked, the standard POSIX semantics.
func (t *Thread) Raise(sig int) kerr.Errno {
	if sig < 0 || sig >= MaxSignal {
		return kerr.EINVAL
	}
	t.sig.mu.Lock()
	t.sig.pending |= 1 << uint(sig)
	t.sig.mu.Unlock()
	return 0
}

// Deliverable returns the lowest-numbered pending, unmasked signal and
// clears it, or ok=false if none is ready.
func (t *Thread) Deliverable() (sig int, ok bool) {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	ready := t.sig.pending &^ t.sig.mask
	if ready == 0 {
		return 0, false
	}
	for i := 0; i < MaxSignal; i++ {
		if ready&(1<<uint(i)) != 0 {
			t.sig.pending &^= 1 << uint(i)
			return i, true
		}
	}
	return 0, false
}

// sigframeLen is the byte size of the saved-context record Deliver
// pushes onto the user stack: the interrupted Regs fields plus the
// blocked-signal mask in effect at delivery time, each an 8-byte
// little-endian word.
const sigframeLen = 7 * 8

// Deliver checks for a pending, unmasked, handled signal and, if one
// is ready, diverts the thread to its handler: the interrupted
// register state is packed into a sigframe and pushed onto the user
// stack, sig is added to the mask so the handler doesn't reenter on
// its own signal, and Regs.PC/Regs.SP are redirected to run the
// handler on the new stack top. Returns false if nothing was
// delivered -- no signal ready, the ready signal is SIGKILL (Kill
// already handles that one directly), no handler is installed for it,
// or the sigframe couldn't be written to the user stack.
func (t *Thread) Deliver() bool {
	sig, ok := t.Deliverable()
	if !ok || sig == SigKillNum {
		return false
	}
	handler, err := t.Handler(sig)
	if err != 0 || handler == 0 {
		return false
	}

	oldMask := t.Mask()
	var frame [sigframeLen]byte
	binary.LittleEndian.PutUint64(frame[0:], uint64(t.Regs.PC))
	binary.LittleEndian.PutUint64(frame[8:], uint64(t.Regs.SP))
	binary.LittleEndian.PutUint64(frame[16:], t.Regs.Arg0)
	binary.LittleEndian.PutUint64(frame[24:], t.Regs.Arg1)
	binary.LittleEndian.PutUint64(frame[32:], t.Regs.Arg2)
	binary.LittleEndian.PutUint64(frame[40:], t.Regs.Ret)
	binary.LittleEndian.PutUint64(frame[48:], oldMask)

	newSP := (t.Regs.SP - arch.VirtAddr(sigframeLen)) &^ 0xf
	n, werr := vmm.NewUserBuf(t.Process.AS, newSP, sigframeLen).Uiowrite(frame[:])
	if werr != 0 || n != sigframeLen {
		return false
	}

	t.SetMask(oldMask | 1<<uint(sig))
	t.Regs.PC = arch.VirtAddr(handler)
	t.Regs.SP = newSP
	t.Regs.Arg0 = uint64(sig)
	return true
}

// Sigreturn restores the register state and signal mask a prior
// Deliver saved, the kernel-side half of the sigreturn(2) trampoline:
// it reads the sigframe back from the thread's current stack pointer,
// which Deliver left pointing at it and which a handler with nothing
// else on the stack leaves undisturbed.
func (t *Thread) Sigreturn() kerr.Errno {
	var frame [sigframeLen]byte
	n, rerr := vmm.NewUserBuf(t.Process.AS, t.Regs.SP, sigframeLen).Uioread(frame[:])
	if rerr != 0 || n != sigframeLen {
		return kerr.EFAULT
	}
	t.Regs.PC = arch.VirtAddr(binary.LittleEndian.Uint64(frame[0:]))
	t.Regs.SP = arch.VirtAddr(binary.LittleEndian.Uint64(frame[8:]))
	t.Regs.Arg0 = binary.LittleEndian.Uint64(frame[16:])
	t.Regs.Arg1 = binary.LittleEndian.Uint64(frame[24:])
	t.Regs.Arg2 = binary.LittleEndian.Uint64(frame[32:])
	t.Regs.Ret = binary.LittleEndian.Uint64(frame[40:])
	t.SetMask(binary.LittleEndian.Uint64(frame[48:]))
	return 0
}

// Kill marks the thread killed and doomed -- it must not return to
// user mode again -- and wakes anything blocked on its Killnaps
// channel, mirroring Tnote_t.Killed/Isdoomed and the Killnaps.Killch
// signal the teacher's blocking syscalls select on.
func (t *Thread) Kill(err kerr.Errno) {
	t.sig.mu.Lock()
	if t.sig.killed {
		t.sig.mu.Unlock()
		return
	}
	t.sig.killed = true
	t.sig.isDoomed = true
	ch := t.sig.killCh
	t.sig.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Killed reports whether the thread has been marked killed.
func (t *Thread) Killed() bool {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.killed
}

// Doomed reports whether the thread must not return to user mode.
func (t *Thread) Doomed() bool {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.isDoomed
}

// KillChan returns the channel that closes when the thread is killed,
// for a blocking syscall to select on alongside its own wakeup source.
func (t *Thread) KillChan() <-chan struct{} {
	t.sig.mu.Lock()
	defer t.sig.mu.Unlock()
	return t.sig.killCh
}
