package pipe

import (
	"testing"

	"github.com/ferrite-os/ferrite/internal/kerr"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

func TestWriteThenReadRoundtrip(t *testing.T) {
	r, w := New()
	if n, err := w.Write(vmm.NewFakeBuf([]byte("ping")), 0, false); err != 0 || n != 4 {
		t.Fatalf("write = (%d, %v), want (4, 0)", n, err)
	}
	buf := make([]byte, 16)
	n, err := r.Read(vmm.NewFakeBuf(buf), 0)
	if err != 0 || n != 4 {
		t.Fatalf("read = (%d, %v), want (4, 0)", n, err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("read back %q, want %q", buf[:n], "ping")
	}
}

func TestEmptyReadReturnsEAGAINWhileWriterOpen(t *testing.T) {
	r, _ := New()
	if _, err := r.Read(vmm.NewFakeBuf(make([]byte, 4)), 0); err != kerr.EAGAIN {
		t.Fatalf("read on empty pipe = %v, want EAGAIN", err)
	}
}

func TestReadAfterWriterClosesSeesEOF(t *testing.T) {
	r, w := New()
	w.Write(vmm.NewFakeBuf([]byte("x")), 0, false)
	if err := w.Close(); err != 0 {
		t.Fatalf("close write end: %v", err)
	}
	buf := make([]byte, 4)
	if n, err := r.Read(vmm.NewFakeBuf(buf), 0); err != 0 || n != 1 {
		t.Fatalf("drain = (%d, %v), want (1, 0)", n, err)
	}
	if n, err := r.Read(vmm.NewFakeBuf(buf), 0); err != 0 || n != 0 {
		t.Fatalf("read past EOF = (%d, %v), want (0, 0)", n, err)
	}
}

func TestWriteAfterReaderClosesReturnsEPIPE(t *testing.T) {
	r, w := New()
	if err := r.Close(); err != 0 {
		t.Fatalf("close read end: %v", err)
	}
	if _, err := w.Write(vmm.NewFakeBuf([]byte("x")), 0, false); err != kerr.EPIPE {
		t.Fatalf("write to closed pipe = %v, want EPIPE", err)
	}
}

func TestReadyChannelClosesOnWrite(t *testing.T) {
	r, w := New()
	ch := r.Ready()
	select {
	case <-ch:
		t.Fatal("Ready closed before any state change")
	default:
	}
	w.Write(vmm.NewFakeBuf([]byte("x")), 0, false)
	select {
	case <-ch:
	default:
		t.Fatal("Ready not closed after a write")
	}
}

func TestReopenDefersDirectionClose(t *testing.T) {
	r, w := New()
	if err := w.Reopen(); err != 0 {
		t.Fatalf("reopen: %v", err)
	}
	w.Close() // one of two references; direction must stay open
	if _, err := r.Read(vmm.NewFakeBuf(make([]byte, 1)), 0); err != kerr.EAGAIN {
		t.Fatalf("read = %v, want EAGAIN (writer still referenced)", err)
	}
	w.Close()
	if n, err := r.Read(vmm.NewFakeBuf(make([]byte, 1)), 0); err != 0 || n != 0 {
		t.Fatalf("read = (%d, %v), want (0, 0) EOF after final close", n, err)
	}
}
