package irq

import "ringzero/kernel/kfmt"

// StackFrame is the exact layout the entry stub leaves on a task's kernel
// stack before calling into Dispatch: the fifteen saved general-purpose
// registers, the pushed error code (0 if the vector has none), the vector
// number, and finally the five-word IRET frame the CPU itself pushes. This
// is the one ABI the entry stub, Dispatch and the scheduler's Switch all
// agree on; every consumer reads the named fields below,
// never a raw offset into the stack.
type StackFrame struct {
	Regs
	ErrorCode uint64
	Vector    uint64
	Frame
}

// Handler processes one vector dispatch. Returning the same pointer it was
// given resumes the interrupted task unchanged; returning a different
// pointer tells the assembly return path to install a different task's
// address space and resume its saved stack instead. Only the scheduler's
// timer handler and a fault handler that terminates the current task ever
// return a different pointer.
type Handler func(*StackFrame) *StackFrame

// TimerVector is the interrupt vector the timer fires on, and therefore the
// scheduler's only preemption point.
const TimerVector uint8 = 32

// SyscallVector is the software interrupt vector ring-3 code uses to enter
// the kernel.
const SyscallVector uint8 = 0x80

var vectorHandlers [256]Handler

// HandleVector registers handler as the target for vector, replacing
// whatever was registered before. It is the primitive HandleException,
// HandleExceptionWithCode, the scheduler's timer handler and the syscall
// dispatcher all build on.
func HandleVector(vector uint8, handler Handler) {
	vectorHandlers[vector] = handler
}

// Dispatch is the Go-level entry point the assembly trampoline calls with a
// pointer to the StackFrame it just built on the interrupted task's kernel
// stack. It looks up the handler registered for the frame's vector and
// returns whatever frame pointer that handler returns; an unregistered
// vector is logged and otherwise leaves the interrupted task untouched.
func Dispatch(sf *StackFrame) *StackFrame {
	if h := vectorHandlers[uint8(sf.Vector)]; h != nil {
		return h(sf)
	}

	kfmt.Printf("[irq] unhandled vector %d\n", sf.Vector)
	return sf
}
