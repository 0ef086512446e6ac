package sched

import (
	"ringzero/kernel/gdt"
	"ringzero/kernel/irq"
	"unsafe"
)

// funcval mirrors the layout the Go runtime gives every func value: a
// pointer to a struct whose first word is the function's code address,
// followed by whatever the closure captured. A kernel-thread entry function
// never captures anything that matters here; only the code address is read.
type funcval struct {
	fn uintptr
}

// codePtr extracts the code address a func value points to.
func codePtr(f func()) uintptr {
	return (*funcval)(*(*unsafe.Pointer)(unsafe.Pointer(&f))).fn
}

// kernelThreadTrampoline is the landing pad every freshly spawned kernel
// thread's crafted StackFrame points RIP at. It finds the entry function's
// code address in RDI (placed there by buildKernelThreadFrame) and tail
// calls it; when the entry function returns, it marks the running task
// Zombie and halts until the next timer tick reschedules away from it.
func kernelThreadTrampoline()

// threadReturned marks the currently running task Zombie. It is called
// from kernelThreadTrampoline's assembly once a kernel thread's entry
// function returns; the task keeps occupying the CPU in a halt loop until
// the next timer tick's Switch moves away from it, and a later Switch reaps it.
//
//go:nosplit
func threadReturned() {
	current.state = Zombie
}

// buildKernelThreadFrame writes the initial StackFrame a new kernel thread's
// stack must hold so that the common return path can IRET straight into
// kernelThreadTrampoline with RDI already holding entry's code address.
func buildKernelThreadFrame(stackTop uintptr, entry func()) *irq.StackFrame {
	sf := (*irq.StackFrame)(unsafe.Pointer(stackTop - unsafe.Sizeof(irq.StackFrame{})))
	*sf = irq.StackFrame{}
	sf.RDI = uint64(codePtr(entry))
	sf.RIP = uint64(codePtr(kernelThreadTrampoline))
	sf.CS = uint64(gdt.KernelCodeSelector)
	sf.RFlags = 0x202
	sf.RSP = uint64(stackTop)
	sf.SS = uint64(gdt.KernelDataSelector)
	return sf
}
