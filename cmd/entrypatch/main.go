// Command entrypatch modifies the entry address of a linked kernel image.
//
// The bootloader jumps to whatever e_entry names, which must be the kernel's
// rt0 stub rather than the entry symbol the Go linker recorded. Before
// rewriting the header, entrypatch disassembles the first instructions at
// the requested address as a sanity check that it actually lands on code.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"golang.org/x/arch/x86/x86asm"
)

// entryOffset is the file offset of e_entry in an ELF64 header: 16 ident
// bytes, u16 type, u16 machine, u32 version.
const entryOffset = 24

// maxInsts bounds how many instructions the sanity-check disassembly emits.
const maxInsts = 4

// usage prints a small help message and terminates the program.
func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// checkELF validates the ELF file header to ensure we are modifying the
// correct type of binary.
func checkELF(eh *elf.FileHeader) error {
	if eh.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("not little-endian?")
	}
	if eh.Class != elf.ELFCLASS64 {
		return fmt.Errorf("not a 64 bit elf")
	}
	if eh.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable elf")
	}
	if eh.Machine != elf.EM_X86_64 {
		return fmt.Errorf("not an x86_64 elf")
	}
	return nil
}

// parseAddr converts the supplied string into a uint64 address. The syntax
// matches that of C's strtoul with a base of 0, allowing both decimal and
// hexadecimal numbers.
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}

// codeAt returns up to n bytes of the image's contents at virtual address
// addr, located via the PT_LOAD program headers.
func codeAt(ef *elf.File, addr uint64, n int) ([]byte, error) {
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || addr >= prog.Vaddr+prog.Filesz {
			continue
		}

		avail := prog.Vaddr + prog.Filesz - addr
		if uint64(n) > avail {
			n = int(avail)
		}

		buf := make([]byte, n)
		if _, err := prog.ReadAt(buf, int64(addr-prog.Vaddr)); err != nil {
			return nil, err
		}
		return buf, nil
	}

	return nil, fmt.Errorf("address 0x%x is not covered by any PT_LOAD segment", addr)
}

// disasm decodes up to maxInsts 64-bit instructions from code and returns
// one "address: mnemonic" line per instruction.
func disasm(code []byte, addr uint64) ([]string, error) {
	var lines []string

	for len(code) > 0 && len(lines) < maxInsts {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return lines, fmt.Errorf("cannot decode instruction at 0x%x: %v", addr, err)
		}

		lines = append(lines, fmt.Sprintf("0x%x: %s", addr, inst.String()))
		code = code[inst.Len:]
		addr += uint64(inst.Len)
	}

	return lines, nil
}

// patchEntry rewrites e_entry in the file at path.
func patchEntry(path string, addr uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(entryOffset, 0); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, addr)
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry is 64bit pointer; bootloader will perish")
	}

	ef, err := elf.Open(fn)
	if err != nil {
		log.Fatal(err)
	}
	if err = checkELF(&ef.FileHeader); err != nil {
		ef.Close()
		log.Fatal(err)
	}

	code, err := codeAt(ef, addr, 32)
	if err != nil {
		ef.Close()
		log.Fatal(err)
	}
	lines, err := disasm(code, addr)
	if err != nil {
		ef.Close()
		log.Fatal(err)
	}
	ef.Close()

	fmt.Printf("using address 0x%x\n", addr)
	for _, line := range lines {
		fmt.Printf("  %s\n", line)
	}

	if err := patchEntry(fn, addr); err != nil {
		log.Fatal(err)
	}
}
