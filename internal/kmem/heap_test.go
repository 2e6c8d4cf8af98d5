package kmem_test

import (
	"testing"

	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/klimits"
)

func TestHeapAllocWriteFree(t *testing.T) {
	h := kmem.NewHeap(nil)
	p, err := h.Alloc(40)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	b := h.Bytes(p, 40)
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("expected zeroed block, byte %d = %#x", i, b[i])
		}
	}
	b[0] = 0xaa
	h.Free(p)

	// reallocating the same class should return the freed block.
	p2, err := h.Alloc(40)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if p2 != p {
		t.Fatalf("expected free-list reuse, got new offset %d want %d", p2, p)
	}
	b2 := h.Bytes(p2, 40)
	if b2[0] != 0 {
		t.Fatal("reused block was not re-zeroed")
	}
}

func TestHeapBudgetExhaustion(t *testing.T) {
	budget := &klimits.Atomic{}
	budget.GiveN(4096)
	h := kmem.NewHeap(budget)
	for i := 0; i < 1000; i++ {
		if _, err := h.Alloc(4096); err != 0 {
			return
		}
	}
	t.Fatal("expected ENOMEM once budget is exhausted")
}

func TestHeapFreeOfUnknownPointerPanics(t *testing.T) {
	h := kmem.NewHeap(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing an unknown pointer")
		}
	}()
	h.Free(kmem.KPtr(0x1234))
}

func TestZoneAllocatorDisjoint(t *testing.T) {
	z := kmem.NewZoneAllocator()
	a := z.New(100)
	b := z.New(1)
	if a.Start < kmem.KernelBase {
		t.Fatalf("zone %v below KernelBase", a)
	}
	if a.Len%kmem.PageSize != 0 {
		t.Fatalf("zone length %d not page-rounded", a.Len)
	}
	if b.Start < a.End() {
		t.Fatalf("overlapping zones: %v then %v", a, b)
	}
}
