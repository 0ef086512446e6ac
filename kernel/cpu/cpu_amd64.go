// Package cpu wraps the privileged amd64 instructions the rest of the
// kernel needs as ordinary Go functions: interrupt masking, control
// register access, TLB maintenance, CPUID and port I/O. Every function with
// no body is backed by a stub in cpu_amd64.s.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// WriteCR3 installs the address space rooted at the page table whose
// physical address is pml4PhysAddr, flushing all non-global TLB entries.
func WriteCR3(pml4PhysAddr uintptr)

// ReadCR3 returns the physical address of the active top-level page table.
func ReadCR3() uintptr

// ReadCR2 returns the faulting address recorded by the CPU for the most
// recent page fault.
func ReadCR2() uint64

// PortReadByte reads one byte from the given I/O port.
func PortReadByte(port uint16) uint8

// PortWriteByte writes value to the given I/O port.
func PortWriteByte(port uint16, value uint8)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
