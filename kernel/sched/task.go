// Package sched implements the kernel's round-robin preemptive scheduler: a
// circular list of kernel threads and user processes, advanced only by the
// timer interrupt, with no locks of its own because it only ever runs with
// interrupts disabled inside the IRQ dispatcher.
package sched

import (
	"ringzero/kernel/mem/pmm"
	"ringzero/kernel/mem/vmm"
)

// TaskId uniquely identifies a task for the lifetime of the kernel.
type TaskId uint64

// State is the lifecycle stage of a Task.
type State uint8

const (
	// Runnable tasks are eligible for selection but not currently executing.
	Runnable State = iota
	// Running is held by at most one task: the one current points to.
	Running
	// Zombie tasks have finished executing and are pending reap.
	Zombie
)

// Type distinguishes a kernel thread, which shares the kernel address space
// and runs at CPL 0, from a user process, which owns its own address space
// and runs at CPL 3 until it traps back in.
type Type uint8

const (
	// KernelTask threads run in the kernel's own address space at ring 0.
	KernelTask Type = iota
	// UserTask processes run in a private address space at ring 3.
	UserTask
)

// Accnt holds the per-task CPU accounting the scheduler maintains. It is
// bumped once per timer tick the task was Running for, giving a cheap
// approximation of consumed CPU time without a high-resolution clock.
type Accnt struct {
	// Ticks is the number of timer interrupts this task was Running for.
	Ticks uint64
}

// Task is one schedulable entity: either a kernel thread or a user process.
// Tasks are allocated from the kernel heap, never with Go's new or make, so
// that the scheduler's bookkeeping is visible as ordinary heap usage to the
// rest of the kernel.
type Task struct {
	id    TaskId
	next  *Task
	state State
	typ   Type

	// savedRSP is the address of this task's saved StackFrame on its own
	// kernel stack. It is only meaningful while the task is not Running:
	// the Running task's registers live on the live kernel stack, not
	// here.
	savedRSP uintptr

	// addrSpace is the address space this task runs in. Kernel threads
	// all share the kernel's own address space.
	addrSpace vmm.AddressSpace

	// kernelStackBase/kernelStackTop bound the one frame reserved for
	// this task's kernel stack. kernelStackTop is loaded into TSS.RSP0
	// whenever this task is a user task about to run, so that a later
	// ring-3 to ring-0 trap lands on a stack private to this task.
	kernelStackBase uintptr
	kernelStackTop  uintptr

	// userRIP/userRSP record the entry point and initial stack pointer a
	// user task was created with. They are informative only; the live
	// values during execution are whatever the saved StackFrame holds.
	userRIP uintptr
	userRSP uintptr

	// ownedFrames lists every physical frame this task (or the loader
	// that built it) is responsible for. They are returned to the PMM
	// when the task is reaped.
	ownedFrames []pmm.Frame

	accnt Accnt
}

// ID returns the task's identifier.
func (t *Task) ID() TaskId { return t.id }

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// Type returns whether this is a kernel thread or a user process.
func (t *Task) Type() Type { return t.typ }

// Accounting returns a copy of the task's CPU accounting counters.
func (t *Task) Accounting() Accnt { return t.accnt }

// AddOwnedFrame records f as a frame this task owns, returning it to the PMM
// when the task is reaped. The process loader calls this for every frame it
// maps into a user task's address space.
func (t *Task) AddOwnedFrame(f pmm.Frame) {
	t.ownedFrames = append(t.ownedFrames, f)
}
