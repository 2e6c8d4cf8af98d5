package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/ferrite-os/ferrite/internal/arch"
	"github.com/ferrite-os/ferrite/internal/arch/amd64"
	"github.com/ferrite-os/ferrite/internal/kmem"
	"github.com/ferrite-os/ferrite/internal/vmm"
)

const (
	ehdrSize = 64
	phdrSize = 56
)

// buildELF assembles a minimal little-endian 64-bit ET_EXEC image with
// one PT_LOAD segment carrying payload at vaddr, entry point set to
// the start of that segment.
func buildELF(t *testing.T, vaddr uint64, payload []byte) []byte {
	t.Helper()
	dataOff := uint64(ehdrSize + phdrSize)

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /*ELFCLASS64*/, 1 /*ELFDATA2LSB*/, 1}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, vaddr)      // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))  // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)         // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)           // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)           // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)+0x1000)) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))  // p_align

	buf.Write(payload)
	if buf.Len() != int(dataOff)+len(payload) {
		t.Fatalf("unexpected buffer length %d", buf.Len())
	}
	return buf.Bytes()
}

func TestLoadValidatesAndParsesSegments(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAA}, 32)
	raw := buildELF(t, 0x400000, payload)

	img, errno := Load(bytes.NewReader(raw), amd64.Backend{})
	if errno != 0 {
		t.Fatalf("Load: %v", errno)
	}
	if img.Entry != arch.VirtAddr(0x400000) {
		t.Fatalf("Entry = %#x, want 0x400000", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VAddr != arch.VirtAddr(0x400000) {
		t.Fatalf("seg.VAddr = %#x, want 0x400000", seg.VAddr)
	}
	if seg.FileLen != int64(len(payload)) {
		t.Fatalf("seg.FileLen = %d, want %d", seg.FileLen, len(payload))
	}
	if !seg.Write {
		t.Fatal("seg.Write = false, want true (PF_W set)")
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	raw := buildELF(t, 0x400000, []byte{1, 2, 3, 4})
	// Corrupt e_machine to something amd64.Backend won't accept.
	raw[18] = byte(elf.EM_AARCH64)
	raw[19] = byte(elf.EM_AARCH64 >> 8)

	if _, errno := Load(bytes.NewReader(raw), amd64.Backend{}); errno == 0 {
		t.Fatal("Load accepted a mismatched machine type")
	}
}

func TestLoadRejectsTruncatedHeader(t *testing.T) {
	if _, errno := Load(bytes.NewReader([]byte{0x7f, 'E', 'L', 'F'}), amd64.Backend{}); errno == 0 {
		t.Fatal("Load accepted a truncated file")
	}
}

func TestInstallMapsSegmentContents(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, 64)
	vaddr := uint64(0x400010) // deliberately unaligned within its page
	raw := buildELF(t, vaddr, payload)

	img, errno := Load(bytes.NewReader(raw), amd64.Backend{})
	if errno != 0 {
		t.Fatalf("Load: %v", errno)
	}

	backend := amd64.Backend{}
	arena := kmem.NewArena(64)
	as := vmm.New(arena, backend)
	img.Install(as, arena)

	as.LockPmap()
	got, ferr := as.Translate(img.Entry, false)
	as.UnlockPmap()
	if ferr != 0 {
		t.Fatalf("Translate: %v", ferr)
	}
	if !bytes.Equal(got[:len(payload)], payload) {
		t.Fatalf("mapped bytes = %x, want %x", got[:len(payload)], payload)
	}
}

func TestMapUserStackReturnsTopAsSP(t *testing.T) {
	backend := amd64.Backend{}
	arena := kmem.NewArena(64)
	as := vmm.New(arena, backend)

	top := arch.VirtAddr(0x7ffffffff000)
	sp := MapUserStack(as, top)
	if sp != top {
		t.Fatalf("sp = %#x, want %#x", sp, top)
	}
	// Touching the last byte below top should read as zero (demand-paged).
	as.LockPmap()
	got, ferr := as.Translate(top-1, false)
	as.UnlockPmap()
	if ferr != 0 {
		t.Fatalf("Translate: %v", ferr)
	}
	if got[0] != 0 {
		t.Fatalf("stack byte = %d, want 0", got[0])
	}
}
