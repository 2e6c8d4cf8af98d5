// Command chentry patches the entry point of an ELF binary in place,
// used during the build to point the kernel image at its real start
// address after linking. Grounded on kernel/chentry.go, generalized
// from a hardcoded EM_X86_64 check to an -arch flag so the same tool
// patches amd64, arm64 or riscv64 kernel images.
package main

import (
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strconv"
)

var archMachine = map[string]elf.Machine{
	"amd64":   elf.EM_X86_64,
	"arm64":   elf.EM_AARCH64,
	"riscv64": elf.EM_RISCV,
}

// chkELF validates the ELF file header before chentry overwrites its
// entry point, mirroring the teacher's chkELF.
func chkELF(eh *elf.FileHeader, want elf.Machine) error {
	if eh.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("not little-endian")
	}
	if eh.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable elf")
	}
	if eh.Machine != want {
		return fmt.Errorf("e_machine = %v, want %v", eh.Machine, want)
	}
	return nil
}

// e_entry lives at a fixed byte offset in every ELF64 header: 16 bytes
// of e_ident, then e_type(2) + e_machine(2) + e_version(4) = 24.
const entryOffset64 = 24

func main() {
	archFlag := flag.String("arch", "amd64", "target architecture: amd64, arm64, riscv64")
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: chentry [-arch amd64|arm64|riscv64] <filename> <addr>\n")
		os.Exit(1)
	}

	want, ok := archMachine[*archFlag]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown -arch %q\n", *archFlag)
		os.Exit(1)
	}

	fn := args[0]
	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid address %q: %v\n", args[1], err)
		os.Exit(1)
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if ef.Class != elf.ELFCLASS64 {
		fmt.Fprintln(os.Stderr, "only 64-bit images are supported")
		os.Exit(1)
	}
	if err := chkELF(&ef.FileHeader, want); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("using address 0x%x\n", addr)

	var entry [8]byte
	binary.LittleEndian.PutUint64(entry[:], addr)
	if _, err := f.WriteAt(entry[:], entryOffset64); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
