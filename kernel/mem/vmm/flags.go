package vmm

const (
	// FlagPresent indicates that a page table entry points to a valid
	// page or page table.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW indicates that the mapped region is writable.
	FlagRW

	// FlagUser indicates that the mapped region is accessible from
	// ring 3.
	FlagUser

	// FlagWriteThrough selects write-through caching for the mapped
	// region.
	FlagWriteThrough

	// FlagCacheDisable disables caching for the mapped region.
	FlagCacheDisable

	// FlagAccessed is set by the CPU the first time the entry is used
	// for a translation.
	FlagAccessed

	// FlagDirty is set by the CPU the first time a write occurs through
	// this entry. Only meaningful for leaf entries.
	FlagDirty

	// FlagHugePage indicates that a PD or PDPT entry is itself a leaf
	// mapping a 2MB or 1GB page. The kernel does not support huge pages;
	// the flag exists so the walker can detect and reject one.
	FlagHugePage

	// FlagGlobal marks a leaf entry as global, exempting it from TLB
	// flushes that do not also flip CR4.PGE.
	FlagGlobal
)

const (
	// FlagNoExecute prevents instruction fetches from the mapped region.
	// It occupies bit 63 of the entry rather than following the
	// low-order iota sequence above.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
