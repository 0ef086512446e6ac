package vmm

import (
	"ringzero/kernel"
	"ringzero/kernel/cpu"
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
)

var (
	// readCR3Fn and writeCR3Fn wrap the CR3 read/write primitives.
	// They are mocked by tests and automatically inlined by the compiler
	// when compiling the kernel.
	readCR3Fn  = cpu.ReadCR3
	writeCR3Fn = cpu.WriteCR3

	// memsetFn is mocked by tests; real kernel builds use kernel.Memset
	// directly against the identity-mapped physical address.
	memsetFn = kernel.Memset
)

// AddressSpace represents a complete 4-level page table tree, identified by
// the physical frame that holds its PML4.
type AddressSpace struct {
	pml4 pmm.Frame
}

// GetCR3 returns the address space that is currently installed in CR3.
func GetCR3() AddressSpace {
	return AddressSpace{pml4: pmm.FrameFromAddress(readCR3Fn())}
}

// SetCR3 installs as as the active address space.
func SetCR3(as AddressSpace) {
	writeCR3Fn(as.pml4.Address())
}

// PML4Frame returns the physical frame backing this address space's
// top-level page table.
func (as AddressSpace) PML4Frame() pmm.Frame {
	return as.pml4
}

// NewAddressSpace allocates and zeroes a fresh PML4 frame, returning the
// address space rooted at it. The address space starts out completely
// empty: no entries, kernel or otherwise, are present.
func NewAddressSpace() (AddressSpace, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return AddressSpace{}, err
	}

	memsetFn(frame.Address(), 0, uintptr(mem.PageSize))
	return AddressSpace{pml4: frame}, nil
}

// CloneAddressSpace allocates a
// fresh, empty PML4 and deliberately does not copy any entries from src,
// kernel mappings included. A cloned address space only gains mappings
// through explicit calls to MapPage/MapPageIn made by the process loader or
// its caller; this is what prevents a user process from ever being handed a
// PML4 entry that points back into the kernel image.
func CloneAddressSpace(src AddressSpace) (AddressSpace, *kernel.Error) {
	return NewAddressSpace()
}
