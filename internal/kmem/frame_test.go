package kmem_test

import (
	"sync"
	"testing"

	"github.com/ferrite-os/ferrite/internal/kmem"
)

func TestAllocZeroedAndFree(t *testing.T) {
	a := kmem.NewArena(8)
	pa, err := a.AllocZeroed()
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	b := a.Bytes(pa)
	b[0] = 0xff
	if a.Refcnt(pa) != 1 {
		t.Fatalf("refcnt = %d, want 1", a.Refcnt(pa))
	}
	if !a.Refdown(pa) {
		t.Fatal("expected frame to be freed at refcount 0")
	}
}

func TestExhaustion(t *testing.T) {
	a := kmem.NewArena(4)
	for i := 0; i < 4; i++ {
		if _, err := a.Alloc(); err != 0 {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := a.Alloc(); err == 0 {
		t.Fatal("expected ENOMEM once arena is exhausted")
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	a := kmem.NewArena(256)
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pa, err := a.Alloc()
				if err != 0 {
					continue
				}
				a.Refup(pa)
				a.Refdown(pa)
				a.Refdown(pa)
			}
		}()
	}
	wg.Wait()
}

func TestRefupPanicsOnDeadFrame(t *testing.T) {
	a := kmem.NewArena(2)
	pa, _ := a.Alloc()
	a.Refdown(pa)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic refup-ing a dead frame")
		}
	}()
	a.Refup(pa)
}
