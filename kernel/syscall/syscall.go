// Package syscall implements the kernel's ring-3 -> ring-0 entry point: a
// dispatcher registered against irq.SyscallVector that reads the call
// number and up to three argument words out of the trapping task's
// StackFrame and returns its result the same way.
package syscall

import (
	"ringzero/kernel/irq"
	"ringzero/kernel/kfmt"
	"ringzero/kernel/sched"
	"unsafe"
)

// Number identifies one of the kernel's fixed system-call numbers. Callers
// pass the number in RAX and up to three arguments in RDI, RSI, RDX; the
// return value comes back in RAX.
type Number uint64

// The system-call numbers are a fixed part of the kernel ABI;
// new numbers are never inserted ahead of existing ones.
const (
	Print   Number = 0
	Exit    Number = 1
	Getchar Number = 2
	Open    Number = 3
	Read    Number = 4
	Write   Number = 5
	Close   Number = 6
)

// badSyscall is the unspecified error value returned in RAX for a call
// number outside the fixed set, or for one of the set not backed by any
// functionality this kernel implements (filesystem, TTY input: both
// explicit Non-goals).
const badSyscall = ^uint64(0)

// maxPrintLen bounds how many bytes Print will copy out of user memory
// looking for a NUL terminator, so a missing terminator can never turn one
// syscall into an unbounded read.
const maxPrintLen = 4096

var (
	// userOut decorates everything user processes print so their lines
	// are distinguishable from kernel log output on the shared console.
	userOut = &kfmt.PrefixWriter{Sink: kfmt.Output, Prefix: []byte("[user] ")}

	// outputSink is where Print's bytes are written. It defaults to
	// userOut layered over kfmt's own sink, so syscall output interleaves
	// with kernel log output on whatever the booted system's console
	// turns out to be; tests substitute their own sink via SetOutputSink.
	outputSink = defaultOutputSink

	exitCurrentFn = sched.ExitCurrent
)

func defaultOutputSink(format string, args ...interface{}) {
	kfmt.Fprintf(userOut, format, args...)
}

// SetOutputSink overrides where Print's bytes are written. Passing nil
// restores the default prefixed console output.
func SetOutputSink(w func(format string, args ...interface{})) {
	if w == nil {
		w = defaultOutputSink
	}
	outputSink = w
}

// Init registers Dispatch against the kernel's fixed syscall entry vector.
func Init() {
	irq.HandleVector(irq.SyscallVector, Dispatch)
}

// Dispatch is the Handler registered against irq.SyscallVector. It never
// redirects execution to a different task; the syscalled task always
// resumes at the instruction after the trap, with its result in RAX.
func Dispatch(sf *irq.StackFrame) *irq.StackFrame {
	var result uint64

	switch Number(sf.RAX) {
	case Print:
		result = doPrint(uintptr(sf.RDI))
	case Exit:
		result = doExit(sf.RDI)
	case Getchar, Open, Read, Write, Close:
		// No TTY input or filesystem backing exists in this kernel;
		// every call in the fixed number space
		// that reaches here returns the same unspecified error a
		// genuinely unknown number would.
		result = badSyscall
	default:
		result = badSyscall
	}

	sf.RAX = result
	return sf
}

// doPrint copies bytes from the calling task's own address space starting
// at ptr up to the first NUL (or maxPrintLen, whichever comes first) and
// writes them to outputSink. Reading directly through ptr is safe: the
// syscall entry stub does not switch CR3, so the dispatcher runs inside the
// very address space that owns ptr.
func doPrint(ptr uintptr) uint64 {
	if ptr == 0 {
		return badSyscall
	}

	n := 0
	for ; n < maxPrintLen; n++ {
		if *(*byte)(unsafe.Pointer(ptr + uintptr(n))) == 0 {
			break
		}
	}

	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
	}

	outputSink("%s", string(buf))
	return uint64(n)
}

// doExit marks the calling task Zombie. The task still occupies the CPU
// until the next timer tick switches away from it; a later scheduling scan
// reaps it (sched.ExitCurrent, sched.pickNext).
func doExit(code uint64) uint64 {
	exitCurrentFn()
	return code
}
