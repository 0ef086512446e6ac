package pmm

import (
	"math/bits"
	"reflect"
	"unsafe"

	"ringzero/kernel"
	"ringzero/kernel/hal/multiboot"
	"ringzero/kernel/kfmt"
	"ringzero/kernel/mem"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// bitmapAllocator is the standard physical frame allocator used once the
// kernel has bootstrapped enough state to track every frame in the system
// with a single bitmap, one bit per frame (set = allocated).
//
// The bitmap itself lives in frames reserved from the boot allocator, so it
// is carved out before bitmapAllocator.init ever completes.
type bitmapAllocator struct {
	// startFrame is the frame number the bitmap's bit 0 corresponds to.
	startFrame Frame

	// frameCount is the total number of frames tracked by the bitmap.
	frameCount uint32

	// freeCount tracks the number of currently free frames.
	freeCount uint32

	// cursor is the word index the next scan starts from. It only ever
	// advances, wrapping at most once per AllocFrame call, which keeps
	// allocation O(1) amortized instead of O(n) from always scanning
	// from word 0.
	cursor uint32

	bitmap []uint64
}

// init reserves, from the boot allocator, enough frames to hold one bit per
// physical frame in the system and then marks every frame initially
// allocated, freeing only those the bootloader reported as available.
func (b *bitmapAllocator) init() *kernel.Error {
	var highestFrame Frame
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		end := Frame((region.PhysAddress + region.Length) >> mem.PageShift)
		if end > highestFrame {
			highestFrame = end
		}
		return true
	})

	b.startFrame = 0
	b.frameCount = uint32(highestFrame)

	words := (uint64(b.frameCount) + 63) / 64
	if err := b.allocateBitmapStorage(words); err != nil {
		return err
	}

	// Step 1: mark every frame allocated.
	for i := range b.bitmap {
		b.bitmap[i] = ^uint64(0)
	}
	b.freeCount = 0

	// Step 2: free the frames the bootloader reports as available.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start := Frame((region.PhysAddress + uint64(mem.PageSize) - 1) >> mem.PageShift)
		end := Frame((region.PhysAddress + region.Length) >> mem.PageShift)
		for f := start; f < end && f < Frame(b.frameCount); f++ {
			b.markFree(f)
		}
		return true
	})

	// Step 3: re-reserve the frames the boot allocator already handed out
	// (bitmap storage itself) by replaying its allocations, then the frames
	// holding the kernel image.
	b.reserveBootAllocatorFrames()
	for f := bootAllocator.kernelStartFrame; f <= bootAllocator.kernelEndFrame && f < Frame(b.frameCount); f++ {
		b.markReserved(f)
	}

	kfmt.Printf("[pmm] bitmap allocator: %d/%d pages free\n", b.freeCount, b.frameCount)
	return nil
}

// allocateBitmapStorage reserves `words` 64-bit words worth of frames from
// the boot allocator and overlays the bitmap slice on top of them using an
// identity-mapped physical address via the usual reflect.SliceHeader
// overlay.
func (b *bitmapAllocator) allocateBitmapStorage(words uint64) *kernel.Error {
	bytesNeeded := words * 8
	framesNeeded := (bytesNeeded + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	var firstFrame Frame
	for i := uint64(0); i < framesNeeded; i++ {
		f, err := bootAllocator.AllocFrame()
		if err != nil {
			return err
		}
		if i == 0 {
			firstFrame = f
		}
	}

	hdr := reflect.SliceHeader{
		Data: firstFrame.Address(),
		Len:  int(words),
		Cap:  int(words),
	}
	b.bitmap = *(*[]uint64)(unsafe.Pointer(&hdr))
	return nil
}

// reserveBootAllocatorFrames replays every allocation the boot allocator
// performed (including the frames just reserved for the bitmap itself) and
// marks the corresponding bits allocated, so the bitmap allocator never
// re-issues a frame the boot allocator already handed out.
func (b *bitmapAllocator) reserveBootAllocatorFrames() {
	count := bootAllocator.allocCount
	bootAllocator.allocCount, bootAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < count; i++ {
		f, _ := bootAllocator.AllocFrame()
		b.markReserved(f)
	}
}

func (b *bitmapAllocator) markReserved(f Frame) {
	idx := uint32(f) - uint32(b.startFrame)
	word, bit := idx/64, idx%64
	if b.bitmap[word]&(1<<bit) == 0 {
		b.bitmap[word] |= 1 << bit
		b.freeCount--
	}
}

func (b *bitmapAllocator) markFree(f Frame) {
	idx := uint32(f) - uint32(b.startFrame)
	word, bit := idx/64, idx%64
	if b.bitmap[word]&(1<<bit) != 0 {
		b.bitmap[word] &^= 1 << bit
		b.freeCount++
	}
}

// findZero scans the bitmap, starting at startIndex, for the first cleared
// bit and returns its frame index. The word-at-a-time, count-trailing-ones
// scan is also usable by callers that need contiguous-free runs (e.g. DMA).
func (b *bitmapAllocator) findZero(startIndex uint32) (uint32, bool) {
	totalWords := uint32(len(b.bitmap))
	if totalWords == 0 {
		return 0, false
	}

	startWord := startIndex / 64
	// The start word is visited twice: first with the bits below startIndex
	// masked off, and again, unmasked, once the scan has wrapped.
	for pass := uint32(0); pass <= totalWords; pass++ {
		word := (startWord + pass) % totalWords
		w := b.bitmap[word]
		if pass == 0 {
			w |= (uint64(1) << (startIndex % 64)) - 1
		}
		if w == ^uint64(0) {
			continue
		}

		// bits.TrailingZeros64 on the inverted word finds the lowest
		// cleared bit position in O(1).
		bit := bits.TrailingZeros64(^w)
		idx := word*64 + uint32(bit)
		if idx >= b.frameCount {
			continue
		}
		return idx, true
	}

	return 0, false
}

// AllocFrame scans the bitmap for the first free frame at or after the
// cursor, marks it allocated and returns it. The cursor advances so repeated
// allocations are O(1) amortized; it wraps at most once per call.
func (b *bitmapAllocator) AllocFrame() (Frame, *kernel.Error) {
	idx, ok := b.findZero(b.cursor * 64)
	if !ok {
		return InvalidFrame, errOutOfMemory
	}

	word, bit := idx/64, idx%64
	b.bitmap[word] |= 1 << bit
	b.freeCount--
	b.cursor = word + 1
	if b.cursor >= uint32(len(b.bitmap)) {
		b.cursor = 0
	}

	return b.startFrame + Frame(idx), nil
}

// FreeFrame clears the bit for f. Double-free is a programming error and
// is fatal rather than silently tolerated.
func (b *bitmapAllocator) FreeFrame(f Frame) *kernel.Error {
	idx := uint32(f) - uint32(b.startFrame)
	if idx >= b.frameCount {
		return &kernel.Error{Module: "pmm", Message: "free of frame outside managed range"}
	}

	word, bit := idx/64, idx%64
	if b.bitmap[word]&(1<<bit) == 0 {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "double free of physical frame"})
		return nil
	}

	b.bitmap[word] &^= 1 << bit
	b.freeCount++
	return nil
}
