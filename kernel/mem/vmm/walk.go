package vmm

import (
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
	"unsafe"
)

var (
	// ptePtrFn resolves a page table entry's physical address to a
	// pointer. It is mocked by tests and is automatically inlined by the
	// compiler when compiling the kernel.
	//
	// This works because the kernel retains an identity mapping of low
	// physical memory: a physical address is also a
	// valid, directly-dereferenceable virtual address, so map_page_in can
	// walk any address space's page tables without switching CR3.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address inside the
// address space whose top-level table (PML4) lives at the physical frame
// root. It calls the supplied walkFn with the page table entry that
// corresponds to each page table level, from PML4 down to the leaf PT entry.
//
// Since root and every intermediate table are addressed physically, walk
// works regardless of which address space is currently installed in CR3 -
// this is what makes map_page_in possible.
func walk(root pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := root.Address()

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mem.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		// The next table's physical address is whatever frame this
		// entry now points to (the caller may have just installed one).
		tableAddr = pte.Frame().Address()
	}
}
