//go:build amd64
// +build amd64

package vmm

import "ringzero/kernel/mem"

const (
	// pageLevels is the number of page table levels the amd64 MMU walks
	// for a 4KB page: PML4, PDPT, PD and PT.
	pageLevels = 4

	// ptePhysPageMask isolates the physical frame bits of a page table
	// entry, excluding the flag bits at the low end and the reserved/NX
	// bits at the high end.
	ptePhysPageMask = 0x000ffffffffff000
)

var (
	// pageLevelShifts holds, for each page table level, the bit offset of
	// the 9-bit index used to select an entry at that level.
	pageLevelShifts = [pageLevels]uint{39, 30, 21, 12}

	// pageLevelBits holds the number of bits that make up the index at
	// each page table level.
	pageLevelBits = [pageLevels]uint{9, 9, 9, 9}
)

// Page describes a virtual memory page index.
type Page uintptr

// PageFromAddress returns the Page that contains the given virtual address.
// Non page-aligned addresses are rounded down to the page that contains
// them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}

// Address returns the virtual memory address for the start of this page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}
