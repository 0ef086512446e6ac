// Package kmain wires together every piece of the kernel's execution
// substrate and exposes the single Go entry point the assembly rt0 stub
// calls into once it has built a minimal stack and g0.
package kmain

import (
	"ringzero/kernel"
	"ringzero/kernel/cpu"
	"ringzero/kernel/gdt"
	"ringzero/kernel/goruntime"
	"ringzero/kernel/hal/multiboot"
	"ringzero/kernel/heap"
	"ringzero/kernel/irq"
	"ringzero/kernel/kfmt"
	"ringzero/kernel/mem/pmm"
	"ringzero/kernel/mem/vmm"
	"ringzero/kernel/sched"
	"ringzero/kernel/syscall"
)

// heapBase is the fixed higher-half virtual address the kernel heap grows
// upward from.
const heapBase = uintptr(0xffff800000000000)

// Kmain is the only Go symbol visible to the rt0 assembly. It is invoked
// once, after rt0 has loaded a temporary GDT and built a 4KB bootstrap
// stack: everything from the real GDT/TSS onward is initialized here, in
// the order each stage's invariants require.
//
// The rt0 stub passes the physical address of the multiboot2 info
// structure and the physical extent of the loaded kernel image.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	gdt.Init()
	irq.Init()

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	vmm.SetFrameAllocator(pmm.AllocFrame)
	vmm.Init()

	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	heap.Init(heapBase)

	// The boot command line is the kernel's only configuration surface.
	// heapEager=on maps the heap's first pages up front instead of
	// leaving it to the first allocation to trigger expand.
	for k, v := range multiboot.GetBootCmdLine() {
		if k == "heapEager" && v == "on" {
			heap.Free(heap.Alloc(8))
		}
	}

	sched.Init()
	syscall.Init()

	kfmt.Printf("[kmain] kernel execution substrate ready\n")

	// The boot task (allocated by sched.Init) is the one executing this
	// code right now. From here it idles with interrupts enabled: every
	// timer tick either resumes this loop or, once other tasks exist,
	// hands the CPU to one of them. Kmain itself never returns.
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}
