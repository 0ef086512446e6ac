// Package pmm implements the kernel's physical memory manager: frame
// bookkeeping for every page of physical RAM the bootloader reports.
//
// Allocation happens in two stages. Early in boot, before the bitmap that
// backs the long-lived allocator has anywhere to live, a bootMemAllocator
// hands out frames by scanning the bootloader-reported memory map directly.
// Once enough frames have been carved out to host the bitmap itself, Init
// hands control to a bitmapAllocator, which replays the boot allocator's
// prior allocations so it never double-issues a frame.
package pmm

import (
	"ringzero/kernel"
	"ringzero/kernel/sync"
)

var (
	allocator bitmapAllocator

	// lock serializes bitmap updates against drivers that allocate
	// frames from IRQ context.
	lock sync.Spinlock
)

// Init bootstraps the physical memory manager. kernelStart and kernelEnd
// mark the extent of the loaded kernel image so its frames are excluded
// from both allocators; multiboot.SetInfoPtr must already have been called.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bootAllocator.init(kernelStart, kernelEnd)
	bootAllocator.printMemoryMap()

	return allocator.init()
}

// AllocFrame reserves and returns the next available physical frame.
func AllocFrame() (Frame, *kernel.Error) {
	lock.Acquire()
	frame, err := allocator.AllocFrame()
	lock.Release()
	return frame, err
}

// FreeFrame releases a previously allocated physical frame back to the
// allocator. Freeing a frame that is not currently allocated is a fatal
// error.
func FreeFrame(f Frame) *kernel.Error {
	lock.Acquire()
	err := allocator.FreeFrame(f)
	lock.Release()
	return err
}

// TotalFrames returns the number of physical frames tracked by the
// allocator, including both free and allocated ones.
func TotalFrames() uint32 {
	return allocator.frameCount
}

// FreeFrameCount returns the number of frames that are currently free.
func FreeFrameCount() uint32 {
	return allocator.freeCount
}

// FindZero returns the index of the first unallocated frame at or after
// startIndex, scanning the underlying bitmap one word at a time; if no frame
// at or after startIndex is free, the scan wraps around to the start of the
// bitmap and returns the first free frame below startIndex. It does not
// allocate the frame; callers that want it reserved must still call
// AllocFrame or mark it allocated explicitly.
func FindZero(startIndex uint32) (uint32, bool) {
	lock.Acquire()
	idx, ok := allocator.findZero(startIndex)
	lock.Release()
	return idx, ok
}
