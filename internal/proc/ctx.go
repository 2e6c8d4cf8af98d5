package proc

import "context"

// threadKey is the unexported context.Context key under which the
// running thread is stored, the idiomatic-Go replacement for
// tinfo.Current/SetCurrent's runtime.Gptr-based TLS slot (see the
// package doc for why that mechanism doesn't carry over).
type threadKey struct{}

// WithThread returns a context carrying t as the current thread, to be
// passed down through every call a dispatched trap or syscall handler
// makes on t's behalf.
func WithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// FromContext returns the thread stored in ctx, or nil if none.
func FromContext(ctx context.Context) *Thread {
	t, _ := ctx.Value(threadKey{}).(*Thread)
	return t
}

// Current returns the thread stored in ctx, panicking if none -- for
// call sites that are only ever reached from within a dispatched trap,
// where a missing thread is a kernel invariant violation, not a
// recoverable error.
func Current(ctx context.Context) *Thread {
	t := FromContext(ctx)
	if t == nil {
		panic("proc: no current thread in context")
	}
	return t
}
