// Package heap implements the kernel's general-purpose, variable-size
// allocator: a first-fit free list layered on top of the PMM and VMM.
//
// The heap occupies a contiguous virtual region starting at a fixed
// canonical higher-half address. A singly linked list of headers (size,
// successor, free flag) spans the mapped portion; each payload follows its
// header and is 8-byte aligned, while headers themselves are aligned to
// pointer size.
package heap

import (
	"ringzero/kernel"
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
	"ringzero/kernel/mem/vmm"
	"ringzero/kernel/sync"
	"unsafe"
)

// header precedes every block (free or allocated) in the heap.
type header struct {
	// size is the size, in bytes, of the payload that follows this
	// header. It does not include the header itself.
	size uintptr

	// next points at the header of the following block, or nil if this
	// is the last block in the heap.
	next *header

	// free is true if this block is not currently handed out to a
	// caller.
	free bool
}

const headerSize = unsafe.Sizeof(header{})

var (
	// head is always present once Init has run; it anchors the free
	// list even when every block is currently allocated.
	head *header

	// heapEnd is the next virtual address expand will map pages at.
	heapEnd uintptr

	// frameAllocFn and mapPageFn are mocked by tests and automatically
	// inlined by the compiler when compiling the kernel.
	frameAllocFn = pmm.AllocFrame
	mapPageFn    = vmm.MapPage

	// lock serializes free-list updates against drivers that allocate
	// from IRQ context.
	lock sync.Spinlock
)

// Init records the fixed virtual address the heap starts at. The region is
// unmapped until the first call to alloc triggers expand.
func Init(base uintptr) {
	heapEnd = base
	head = nil
}

func align8(n uintptr) uintptr {
	return (n + 7) &^ 7
}

// Alloc reserves size bytes and returns a pointer to the payload, or nil if
// the heap could not satisfy the request even after expanding.
func Alloc(size uintptr) unsafe.Pointer {
	lock.Acquire()
	ptr := alloc(size)
	lock.Release()
	return ptr
}

func alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	size = align8(size)

	if p := firstFit(size); p != nil {
		return p
	}

	if err := expand(size + headerSize); err != nil {
		return nil
	}

	return firstFit(size)
}

// firstFit scans the free list for the first free block large enough to
// satisfy size, splitting it if enough slack remains to host another
// header and at least 8 bytes of payload.
func firstFit(size uintptr) unsafe.Pointer {
	for h := head; h != nil; h = h.next {
		if !h.free || h.size < size {
			continue
		}

		if h.size >= size+headerSize+8 {
			split(h, size)
		}

		h.free = false
		return payloadOf(h)
	}

	return nil
}

// split carves a new free block out of the tail of h, leaving h with
// exactly size bytes of payload.
func split(h *header, size uintptr) {
	tailAddr := uintptr(unsafe.Pointer(h)) + headerSize + size
	tail := (*header)(unsafe.Pointer(tailAddr))
	tail.size = h.size - size - headerSize
	tail.free = true
	tail.next = h.next

	h.size = size
	h.next = tail
}

// expand asks the PMM for enough frames to cover byteCount, maps them
// Present|Writable at the end of the heap's virtual region and appends a
// single trailing free block spanning the newly mapped pages.
func expand(byteCount uintptr) *kernel.Error {
	pageCount := (byteCount + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize)
	if pageCount == 0 {
		pageCount = 1
	}

	startAddr := heapEnd
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}

		page := vmm.PageFromAddress(heapEnd)
		if err := mapPageFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}

		heapEnd += uintptr(mem.PageSize)
	}

	newBlock := (*header)(unsafe.Pointer(startAddr))
	newBlock.size = pageCount*uintptr(mem.PageSize) - headerSize
	newBlock.free = true
	newBlock.next = nil

	if head == nil {
		head = newBlock
		return nil
	}

	tail := head
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = newBlock

	return nil
}

// Free releases a block previously returned by Alloc, then walks the free
// list once coalescing each pair of physically adjacent free blocks.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	lock.Acquire()
	free(ptr)
	lock.Release()
}

func free(ptr unsafe.Pointer) {
	h := headerOf(ptr)
	h.free = true

	for cur := head; cur != nil && cur.next != nil; {
		if cur.free && cur.next.free && isAdjacent(cur) {
			cur.size += headerSize + cur.next.size
			cur.next = cur.next.next
			continue
		}
		cur = cur.next
	}
}

// isAdjacent reports whether cur.next begins exactly where cur's payload
// ends, i.e. the two blocks are physically contiguous in the heap.
func isAdjacent(cur *header) bool {
	expectedNextAddr := uintptr(unsafe.Pointer(cur)) + headerSize + cur.size
	return uintptr(unsafe.Pointer(cur.next)) == expectedNextAddr
}

func payloadOf(h *header) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + headerSize)
}

func headerOf(ptr unsafe.Pointer) *header {
	return (*header)(unsafe.Pointer(uintptr(ptr) - headerSize))
}

// AllocAligned reserves size bytes whose returned address is a multiple of
// alignment. It works by over-allocating by alignment plus one pointer's
// width and storing the real block's payload pointer one word before the
// aligned address it hands back; FreeAligned reads that word back to
// recover it.
func AllocAligned(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	raw := Alloc(size + alignment + unsafe.Sizeof(uintptr(0)))
	if raw == nil {
		return nil
	}

	rawAddr := uintptr(raw) + unsafe.Sizeof(uintptr(0))
	alignedAddr := (rawAddr + alignment - 1) &^ (alignment - 1)

	*(*uintptr)(unsafe.Pointer(alignedAddr - unsafe.Sizeof(uintptr(0)))) = uintptr(raw)
	return unsafe.Pointer(alignedAddr)
}

// FreeAligned releases a block previously returned by AllocAligned.
func FreeAligned(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	rawAddr := *(*uintptr)(unsafe.Pointer(uintptr(ptr) - unsafe.Sizeof(uintptr(0))))
	Free(unsafe.Pointer(rawAddr))
}
