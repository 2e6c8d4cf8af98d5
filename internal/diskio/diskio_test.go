package diskio

import (
	"path/filepath"
	"testing"
)

func TestCreateReadWriteRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Create(path, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	if got := d.Capacity(); got != 16 {
		t.Fatalf("Capacity = %d, want 16", got)
	}

	want := make([]byte, SectorSize)
	for i := range want {
		want[i] = byte(i)
	}
	if err := d.WriteSector(3, want); err != 0 {
		t.Fatalf("WriteSector: %v", err)
	}
	got := make([]byte, SectorSize)
	if err := d.ReadSector(3, got); err != 0 {
		t.Fatalf("ReadSector: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestOutOfRangeSectorFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Create(path, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.Close()

	buf := make([]byte, SectorSize)
	if e := d.ReadSector(10, buf); e == 0 {
		t.Fatal("ReadSector out of range succeeded, want error")
	}
}

func TestReopenPersistsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := Create(path, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	buf := make([]byte, SectorSize)
	buf[0] = 0xAB
	if e := d.WriteSector(0, buf); e != 0 {
		t.Fatalf("WriteSector: %v", e)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	got := make([]byte, SectorSize)
	if e := reopened.ReadSector(0, got); e != 0 {
		t.Fatalf("ReadSector: %v", e)
	}
	if got[0] != 0xAB {
		t.Fatalf("got[0] = %#x, want 0xAB", got[0])
	}
}
