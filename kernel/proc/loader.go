// Package proc implements the kernel's process loader: it materializes a
// runnable user task from an in-memory image.
package proc

import (
	"ringzero/kernel"
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
	"ringzero/kernel/mem/vmm"
	"ringzero/kernel/sched"
	"unsafe"
)

// Segment describes one contiguous piece of a process image: the bytes to
// copy into memory, the user virtual address they start at, and the
// permissions the mapping should carry (vmm.FlagUser and vmm.FlagPresent
// are added automatically and need not be included here).
type Segment struct {
	VirtAddr uintptr
	Data     []byte
	Flags    vmm.PageTableEntryFlag
}

// stackPages is the number of frames reserved for a new process's initial
// user stack.
const stackPages = 4

// stackTopVirtAddr is the highest page the loader ever maps for a user
// stack: one page below the top of the lower canonical half, so no user
// mapping ever occupies the address immediately above 0x00007fffffffffff.
const stackTopVirtAddr = uintptr(0x00007ffffffff000)

var (
	cloneAddressSpaceFn = vmm.CloneAddressSpace
	getCR3Fn            = vmm.GetCR3
	mapPageInFn         = vmm.MapPageIn
	frameAllocFn        = pmm.AllocFrame
	frameFreeFn         = pmm.FreeFrame
	memcopyFn           = kernel.Memcopy
	memsetFn            = kernel.Memset
	spawnUserProcessFn  = sched.SpawnUserProcess
	lookupFn            = sched.Lookup
)

// Load builds a fresh address space, maps every segment of the image into
// it, maps a private stack, and spawns a user task that begins executing at
// entryRIP. It returns the spawned task's identifier.
//
// The loader owns every physical frame it allocates here until the process
// is reaped: each one is recorded against the new task via
// sched.Task.AddOwnedFrame so the scheduler's reap returns them to the PMM
// when the task is reaped. If any step fails, every frame already allocated in
// this call is freed before the error is returned.
func Load(entryRIP uintptr, segments []Segment) (sched.TaskId, *kernel.Error) {
	as, err := cloneAddressSpaceFn(getCR3Fn())
	if err != nil {
		return 0, err
	}

	var owned []pmm.Frame
	rollback := func() {
		for _, f := range owned {
			frameFreeFn(f)
		}
	}

	for _, seg := range segments {
		if err := mapSegment(as, seg, &owned); err != nil {
			rollback()
			return 0, err
		}
	}

	stackTop, err := mapStack(as, &owned)
	if err != nil {
		rollback()
		return 0, err
	}

	id, err := spawnUserProcessFn(entryRIP, stackTop, as)
	if err != nil {
		rollback()
		return 0, err
	}

	if t := lookupFn(id); t != nil {
		for _, f := range owned {
			t.AddOwnedFrame(f)
		}
	}

	return id, nil
}

// mapSegment allocates one frame per page covered by seg.Data, copies the
// corresponding bytes into each frame via the kernel's identity-mapped view
// of physical memory, and maps it into as with User and Present ORed onto
// whatever permissions the segment requested.
func mapSegment(as vmm.AddressSpace, seg Segment, owned *[]pmm.Frame) *kernel.Error {
	pageCount := (mem.Size(len(seg.Data)) + mem.PageSize - 1) / mem.PageSize
	if pageCount == 0 {
		pageCount = 1
	}

	for i := mem.Size(0); i < pageCount; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return err
		}
		*owned = append(*owned, frame)

		memsetFn(frame.Address(), 0, uintptr(mem.PageSize))

		off := uintptr(i) * uintptr(mem.PageSize)
		if off < uintptr(len(seg.Data)) {
			remaining := uintptr(len(seg.Data)) - off
			if remaining > uintptr(mem.PageSize) {
				remaining = uintptr(mem.PageSize)
			}
			srcAddr := uintptr(unsafe.Pointer(&seg.Data[off]))
			memcopyFn(srcAddr, frame.Address(), remaining)
		}

		page := vmm.PageFromAddress(seg.VirtAddr + off)
		if err := mapPageInFn(as, page, frame, seg.Flags|vmm.FlagUser|vmm.FlagPresent); err != nil {
			return err
		}
	}

	return nil
}

// mapStack allocates stackPages frames, maps them User|Writable at a fixed
// location just below the user canonical-half ceiling, and returns the
// 16-byte aligned top of the highest mapped page as the initial user RSP.
func mapStack(as vmm.AddressSpace, owned *[]pmm.Frame) (uintptr, *kernel.Error) {
	baseVirtAddr := stackTopVirtAddr - uintptr(stackPages-1)*uintptr(mem.PageSize)

	for i := 0; i < stackPages; i++ {
		frame, err := frameAllocFn()
		if err != nil {
			return 0, err
		}
		*owned = append(*owned, frame)

		memsetFn(frame.Address(), 0, uintptr(mem.PageSize))

		page := vmm.PageFromAddress(baseVirtAddr + uintptr(i)*uintptr(mem.PageSize))
		if err := mapPageInFn(as, page, frame, vmm.FlagUser|vmm.FlagRW|vmm.FlagPresent); err != nil {
			return 0, err
		}
	}

	top := (stackTopVirtAddr + uintptr(mem.PageSize)) &^ 0xf
	return top, nil
}
