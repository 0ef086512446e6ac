package vmm

import (
	"ringzero/kernel"
	"ringzero/kernel/cpu"
	"ringzero/kernel/irq"
	"ringzero/kernel/kfmt"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleVectorFn = irq.HandleVector
	readCR2Fn      = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

	// onUserFault, if set, is invoked instead of a kernel panic when a
	// page or general-protection fault originates from user-mode code
	// (CS RPL == 3). It receives the faulting StackFrame and returns the
	// frame of whatever task should run next, exactly like the
	// scheduler's Switch, so the faulting task can be retired within the
	// same trap rather than being resumed and immediately re-faulting.
	// kernel/sched wires this to terminate the task.
	onUserFault func(*irq.StackFrame) *irq.StackFrame
)

// Init wires up the vmm package's page-fault and general-protection-fault
// handlers. It must be called after the IDT has been installed and a frame
// allocator has been registered via SetFrameAllocator.
func Init() {
	handleVectorFn(uint8(irq.PageFaultException), pageFaultHandler)
	handleVectorFn(uint8(irq.GPFException), generalProtectionFaultHandler)
}

// SetUserFaultHandler registers the callback onUserFault is dispatched to.
func SetUserFaultHandler(fn func(*irq.StackFrame) *irq.StackFrame) {
	onUserFault = fn
}

func isUserModeFrame(frame *irq.Frame) bool {
	return frame.CS&0x3 == 0x3
}

func pageFaultHandler(sf *irq.StackFrame) *irq.StackFrame {
	if isUserModeFrame(&sf.Frame) && onUserFault != nil {
		kfmt.Printf("[vmm] page fault in user task at rip=0x%x, terminating\n", sf.RIP)
		return onUserFault(sf)
	}

	nonRecoverablePageFault(uintptr(readCR2Fn()), sf.ErrorCode, &sf.Frame, &sf.Regs, errUnrecoverableFault)
	return sf
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panic(err)
}

func generalProtectionFaultHandler(sf *irq.StackFrame) *irq.StackFrame {
	if isUserModeFrame(&sf.Frame) && onUserFault != nil {
		kfmt.Printf("[vmm] general protection fault in user task at rip=0x%x, terminating\n", sf.RIP)
		return onUserFault(sf)
	}

	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	sf.Regs.Print()
	sf.Frame.Print()

	panic(errUnrecoverableFault)
}
