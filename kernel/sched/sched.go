package sched

import (
	"ringzero/kernel"
	"ringzero/kernel/gdt"
	"ringzero/kernel/heap"
	"ringzero/kernel/irq"
	"ringzero/kernel/kfmt"
	"ringzero/kernel/mem"
	"ringzero/kernel/mem/pmm"
	"ringzero/kernel/mem/vmm"
	"unsafe"
)

// maxHops bounds pickNext's linear scan so a corrupted list can never spin
// the kernel forever; a belt-and-braces check, not an expected code path.
const maxHops = 1 << 20

var (
	// current is the task occupying the CPU right now. It is only valid
	// to read/write from inside Switch or one of its helpers, since
	// those are the only code paths the scheduler's interrupts-disabled
	// contract covers.
	current *Task

	// taskList anchors the circular list. It always points at some task
	// once Init has run; it is updated in place if the task it happens
	// to point at is reaped.
	taskList *Task

	// NextCR3 is published by Switch immediately before it returns, for
	// the assembly return path to install with MOV CR3 right before
	// IRET. It is the one piece of scheduler state consumed outside this
	// package.
	NextCR3 vmm.AddressSpace

	lastID TaskId

	errOutOfMemory    = &kernel.Error{Module: "sched", Message: "out of memory"}
	errNoRunnableTask = &kernel.Error{Module: "sched", Message: "no runnable task"}

	// The following are mocked by tests and automatically inlined by the
	// compiler when compiling the kernel.
	heapAllocFn           = heap.Alloc
	heapFreeFn            = heap.Free
	frameAllocFn          = pmm.AllocFrame
	frameFreeFn           = pmm.FreeFrame
	setRSP0Fn             = gdt.SetRSP0
	loadUserDataSegsFn    = gdt.LoadUserDataSegments
	handleVectorFn        = irq.HandleVector
	setUserFaultHandlerFn = vmm.SetUserFaultHandler
	getCR3Fn              = vmm.GetCR3
)

func nextID() TaskId {
	lastID++
	return lastID
}

// Init creates the Running task that represents the already-executing boot
// context, so that the first preemption has a valid current to save into.
// It must run after the GDT, IDT and VMM are all initialized.
func Init() {
	t, err := allocTask()
	if err != nil {
		kfmt.Panic(err)
	}

	*t = Task{
		id:        nextID(),
		state:     Running,
		typ:       KernelTask,
		addrSpace: getCR3Fn(),
	}
	t.next = t

	taskList = t
	current = t
	NextCR3 = t.addrSpace
	irq.PendingAddrSpace = t.addrSpace.PML4Frame().Address()

	handleVectorFn(irq.TimerVector, Switch)
	setUserFaultHandlerFn(killCurrentOnFault)
}

// Current returns the task currently occupying the CPU.
func Current() *Task {
	return current
}

// Lookup scans the circular task list for id, returning nil if no task with
// that identifier is present (it may already have been reaped). Callers
// that need to attach bookkeeping to a task right after spawning it, such
// as the process loader recording the frames it mapped, use this rather
// than keeping their own pointer into scheduler-owned memory.
func Lookup(id TaskId) *Task {
	t := taskList
	for {
		if t.id == id {
			return t
		}
		t = t.next
		if t == taskList {
			return nil
		}
	}
}

func allocTask() (*Task, *kernel.Error) {
	ptr := heapAllocFn(unsafe.Sizeof(Task{}))
	if ptr == nil {
		return nil, errOutOfMemory
	}

	return (*Task)(ptr), nil
}

func freeTask(t *Task) {
	heapFreeFn(unsafe.Pointer(t))
}

func allocKernelStack() (base, top uintptr, err *kernel.Error) {
	frame, err := frameAllocFn()
	if err != nil {
		return 0, 0, err
	}

	base = frame.Address()
	return base, base + uintptr(mem.PageSize), nil
}

// insert appends t to the circular list, just behind taskList's current
// tail.
func insert(t *Task) {
	tail := taskList
	for tail.next != taskList {
		tail = tail.next
	}
	tail.next = t
	t.next = taskList
}

// SpawnKernelThread allocates a task and a one-frame kernel stack for entry,
// builds its initial StackFrame, and inserts it Runnable into the task list.
func SpawnKernelThread(entry func()) (TaskId, *kernel.Error) {
	t, err := allocTask()
	if err != nil {
		return 0, err
	}

	base, top, err := allocKernelStack()
	if err != nil {
		freeTask(t)
		return 0, err
	}

	sf := buildKernelThreadFrame(top, entry)

	*t = Task{
		id:              nextID(),
		state:           Runnable,
		typ:             KernelTask,
		addrSpace:       getCR3Fn(),
		kernelStackBase: base,
		kernelStackTop:  top,
		savedRSP:        uintptr(unsafe.Pointer(sf)),
	}

	insert(t)
	return t.id, nil
}

// SpawnUserProcess allocates a task and a one-frame kernel stack, and builds
// an initial StackFrame whose IRET words select the user descriptors so the
// common return path drops straight to ring 3 at entryRIP with RSP =
// userStackTop in address space as.
func SpawnUserProcess(entryRIP, userStackTop uintptr, as vmm.AddressSpace) (TaskId, *kernel.Error) {
	t, err := allocTask()
	if err != nil {
		return 0, err
	}

	base, top, err := allocKernelStack()
	if err != nil {
		freeTask(t)
		return 0, err
	}

	sf := (*irq.StackFrame)(unsafe.Pointer(top - unsafe.Sizeof(irq.StackFrame{})))
	*sf = irq.StackFrame{}
	sf.RIP = uint64(entryRIP)
	sf.CS = uint64(gdt.UserCodeSelector)
	sf.RFlags = 0x202
	sf.RSP = uint64(userStackTop)
	sf.SS = uint64(gdt.UserDataSelector)

	*t = Task{
		id:              nextID(),
		state:           Runnable,
		typ:             UserTask,
		addrSpace:       as,
		kernelStackBase: base,
		kernelStackTop:  top,
		savedRSP:        uintptr(unsafe.Pointer(sf)),
		userRIP:         entryRIP,
		userRSP:         userStackTop,
	}

	insert(t)
	return t.id, nil
}

// ExitCurrent marks the running task Zombie. It is called by the syscall
// exit handler; the task keeps occupying the CPU until the next timer tick
// moves the CPU to another task. Because Switch's scan starts after the
// current task, it is reaped by a later tick whose scan passes over it.
func ExitCurrent() {
	current.state = Zombie
}

// Switch is the only path into scheduling. It is registered against the
// timer vector; the common dispatcher calls it with a pointer to the
// preempted task's saved register area on its own kernel stack.
func Switch(sf *irq.StackFrame) *irq.StackFrame {
	if uint8(sf.Vector) != irq.TimerVector {
		return sf
	}

	current.savedRSP = uintptr(unsafe.Pointer(sf))
	if current.state == Running {
		current.state = Runnable
		current.accnt.Ticks++
	}

	return installNext(pickNext())
}

// killCurrentOnFault is wired to vmm.SetUserFaultHandler: a page or
// general-protection fault raised by user code terminates the offending
// task immediately rather than waiting for the next timer tick to notice
// it, since resuming the faulting RIP would only fault again.
func killCurrentOnFault(sf *irq.StackFrame) *irq.StackFrame {
	current.state = Zombie
	current.savedRSP = uintptr(unsafe.Pointer(sf))

	return installNext(pickNext())
}

// installNext publishes next's address space; for a user task it also
// loads the task's kernel stack into TSS.RSP0 and reloads the data segment
// registers with the user data selector. It marks next Running and returns
// its saved frame pointer.
func installNext(next *Task) *irq.StackFrame {
	NextCR3 = next.addrSpace
	irq.PendingAddrSpace = next.addrSpace.PML4Frame().Address()
	if next.typ == UserTask {
		setRSP0Fn(next.kernelStackTop)
		loadUserDataSegsFn()
	}
	next.state = Running
	current = next
	return (*irq.StackFrame)(unsafe.Pointer(next.savedRSP))
}

// pickNext walks forward from current.next, reaping every Zombie it passes
// over inline, until it finds a Runnable or Running task or has made a full
// revolution back to current. Exceeding maxHops without finding one is
// treated as a corrupted list and is fatal.
func pickNext() *Task {
	prev := current
	cur := current.next

	for hops := 0; hops < maxHops; hops++ {
		if cur == current {
			if current.state == Zombie {
				kfmt.Panic(errNoRunnableTask)
			}
			return current
		}

		if cur.state == Zombie {
			dead := cur
			prev.next = cur.next
			if dead == taskList {
				taskList = cur.next
			}
			cur = prev.next
			reap(dead)
			continue
		}

		if cur.state == Runnable || cur.state == Running {
			return cur
		}

		prev = cur
		cur = cur.next
	}

	kfmt.Panic(errNoRunnableTask)
	return nil
}

// reap returns a Zombie task's kernel stack frame, every frame the process
// loader recorded against it, and the task object itself back to the
// allocators they came from.
func reap(t *Task) {
	if t.kernelStackBase != 0 {
		frameFreeFn(pmm.FrameFromAddress(t.kernelStackBase))
	}
	for _, f := range t.ownedFrames {
		frameFreeFn(f)
	}
	freeTask(t)
}
