package vmm

import (
	"ringzero/kernel"
	"ringzero/kernel/cpu"
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// flushTLBEntryFn is mocked by tests, which would otherwise fault
	// trying to execute an invlpg instruction.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code when new physical frames need to be allocated, e.g. to
// back a newly-created intermediate page table.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// MapPageIn establishes a mapping between a virtual page and a physical
// frame inside the address space as, without requiring as to be the
// currently active one. It walks PML4->PDP->PD->PT, creating any missing
// intermediate table with a freshly zeroed frame, and finally installs the
// leaf entry as paddr | flags | Present.
//
// Every internal (non-leaf) entry created along the way is given
// Present|Writable|User regardless of the permissions requested for the
// leaf: the walker never restricts access at an internal level, so the
// leaf's own flags are the sole authority over a page's permissions.
func MapPageIn(as AddressSpace, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(as.PML4Frame(), page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := frameAllocator()
			if allocErr != nil {
				err = allocErr
				return false
			}

			memsetFn(newTableFrame.Address(), 0, uintptr(mem.PageSize))

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
		}

		return true
	})

	return err
}

// MapPage establishes a mapping between a virtual page and a physical frame
// using the currently active address space.
func MapPage(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return MapPageIn(GetCR3(), page, frame, flags)
}

// UnmapPageIn zeroes the leaf entry for page within as and flushes its TLB
// entry. It does not prune now-empty intermediate tables; that is left to a
// future reclaim pass.
func UnmapPageIn(as AddressSpace, page Page) *kernel.Error {
	var err *kernel.Error

	walk(as.PML4Frame(), page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// UnmapPage removes a mapping previously installed via MapPage from the
// currently active address space.
func UnmapPage(page Page) *kernel.Error {
	return UnmapPageIn(GetCR3(), page)
}

// TranslateIn returns the physical address that corresponds to virtAddr
// within the address space as, or ErrInvalidMapping if it is not mapped.
func TranslateIn(as AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(as.PML4Frame(), virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Translate returns the physical address that corresponds to virtAddr within
// the currently active address space.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return TranslateIn(GetCR3(), virtAddr)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
