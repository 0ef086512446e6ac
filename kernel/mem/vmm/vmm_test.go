package vmm

import (
	"ringzero/kernel"
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// fakePhysMem fakes physical memory one page-sized buffer per frame: tests
// stand in these byte slices for PML4/PDP/PD/PT storage and register ptePtrFn/memsetFn
// shims that translate the "physical" frame addresses the walker computes
// into offsets inside those slices.
type fakePhysMem struct {
	pages map[uintptr][]byte
}

func newFakePhysMem() *fakePhysMem {
	return &fakePhysMem{pages: make(map[uintptr][]byte)}
}

// alloc hands back the next frame, backed by a zeroed page-sized buffer.
func (f *fakePhysMem) alloc() (pmm.Frame, *kernel.Error) {
	frameIdx := pmm.Frame(len(f.pages) + 1)
	f.pages[frameIdx.Address()] = make([]byte, mem.PageSize)
	return frameIdx, nil
}

func (f *fakePhysMem) ptePtr(entryAddr uintptr) unsafe.Pointer {
	frameBase := entryAddr & ^(uintptr(mem.PageSize - 1))
	offset := entryAddr - frameBase

	page, ok := f.pages[frameBase]
	if !ok {
		page = make([]byte, mem.PageSize)
		f.pages[frameBase] = page
	}
	return unsafe.Pointer(&page[offset])
}

func (f *fakePhysMem) memset(addr uintptr, value byte, size uintptr) {
	frameBase := addr & ^(uintptr(mem.PageSize - 1))
	page, ok := f.pages[frameBase]
	if !ok {
		page = make([]byte, mem.PageSize)
		f.pages[frameBase] = page
	}
	for i := uintptr(0); i < size; i++ {
		page[i] = value
	}
}

func setupFakeMem(t *testing.T) *fakePhysMem {
	t.Helper()

	fm := newFakePhysMem()

	origPtePtr, origMemset, origAlloc := ptePtrFn, memsetFn, frameAllocator
	origFlushTLB := flushTLBEntryFn
	t.Cleanup(func() {
		ptePtrFn = origPtePtr
		memsetFn = origMemset
		frameAllocator = origAlloc
		flushTLBEntryFn = origFlushTLB
	})

	ptePtrFn = fm.ptePtr
	memsetFn = fm.memset
	flushTLBEntryFn = func(uintptr) {}
	SetFrameAllocator(fm.alloc)

	return fm
}

func TestMapPageRoundTrip(t *testing.T) {
	fm := setupFakeMem(t)

	root, err := fm.alloc()
	if err != nil {
		t.Fatalf("unexpected error allocating root: %v", err)
	}
	as := AddressSpace{pml4: root}

	const vaddr = uintptr(0x8080604400)
	dataFrame, err := fm.alloc()
	if err != nil {
		t.Fatalf("unexpected error allocating data frame: %v", err)
	}

	if err := MapPageIn(as, PageFromAddress(vaddr), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error mapping page: %v", err)
	}

	pte, err := pteForAddress(root, vaddr)
	if err != nil {
		t.Fatalf("unexpected error resolving mapped pte: %v", err)
	}

	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Error("expected leaf entry to carry Present|RW")
	}
	if got := pte.Frame(); got != dataFrame {
		t.Errorf("expected leaf entry to point at frame %v; got %v", dataFrame, got)
	}

	if err := UnmapPageIn(as, PageFromAddress(vaddr)); err != nil {
		t.Fatalf("unexpected error unmapping page: %v", err)
	}

	if _, err := pteForAddress(root, vaddr); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}
}

func TestMapPageCreatesInternalEntriesWithFullPermissions(t *testing.T) {
	fm := setupFakeMem(t)

	root, _ := fm.alloc()
	as := AddressSpace{pml4: root}

	const vaddr = uintptr(0x1000)
	dataFrame, _ := fm.alloc()

	if err := MapPageIn(as, PageFromAddress(vaddr), dataFrame, FlagPresent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	walk(root, vaddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			return true
		}
		if !pte.HasFlags(FlagPresent | FlagRW | FlagUser) {
			t.Errorf("expected internal entry at level %d to carry Present|RW|User", level)
		}
		return true
	})
}

func TestCloneAddressSpaceIsolation(t *testing.T) {
	fm := setupFakeMem(t)

	src, _ := NewAddressSpace()
	dataFrame, _ := fm.alloc()
	const vaddr = uintptr(0x2000)

	if err := MapPageIn(src, PageFromAddress(vaddr), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error mapping in src: %v", err)
	}

	clone, err := CloneAddressSpace(src)
	if err != nil {
		t.Fatalf("unexpected error cloning address space: %v", err)
	}

	if clone.PML4Frame() == src.PML4Frame() {
		t.Fatal("expected clone to use a distinct PML4 frame")
	}

	if _, err := pteForAddress(clone.PML4Frame(), vaddr); err != ErrInvalidMapping {
		t.Fatalf("expected clone to have no mapping for vaddr; got err=%v", err)
	}

	otherFrame, _ := fm.alloc()
	if err := MapPageIn(clone, PageFromAddress(vaddr), otherFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error mapping in clone: %v", err)
	}

	srcPte, err := pteForAddress(src.PML4Frame(), vaddr)
	if err != nil {
		t.Fatalf("unexpected error resolving src mapping: %v", err)
	}
	if got := srcPte.Frame(); got != dataFrame {
		t.Errorf("expected src mapping to be unaffected by clone mapping; got frame %v", got)
	}
}

func TestMapPageInDoesNotRequireActiveAddressSpace(t *testing.T) {
	fm := setupFakeMem(t)

	inactive, _ := NewAddressSpace()
	dataFrame, _ := fm.alloc()
	const vaddr = uintptr(0x3000)

	if err := MapPageIn(inactive, PageFromAddress(vaddr), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error mapping into inactive address space: %v", err)
	}

	pte, err := pteForAddress(inactive.PML4Frame(), vaddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pte.Frame(); got != dataFrame {
		t.Errorf("expected mapping to target frame %v; got %v", dataFrame, got)
	}
}

func TestTranslate(t *testing.T) {
	fm := setupFakeMem(t)

	root, _ := fm.alloc()
	as := AddressSpace{pml4: root}
	dataFrame, _ := fm.alloc()

	const vaddr = uintptr(0x500123)
	if err := MapPageIn(as, PageFromAddress(vaddr), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := TranslateIn(as, vaddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exp := dataFrame.Address() + PageOffset(vaddr)
	if got != exp {
		t.Errorf("expected translated address %x; got %x", exp, got)
	}
}
