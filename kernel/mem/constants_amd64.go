//go:build amd64
// +build amd64

package mem

const (
	// PointerShift is log2 of the pointer size on this architecture;
	// page table index arithmetic multiplies by the pointer size via
	// shifts with it.
	PointerShift = 3

	// PageShift is log2(PageSize), used to convert between physical
	// addresses and frame numbers.
	PageShift = 12

	// PageSize is the MMU page granularity: 4KB frames and pages.
	PageSize = Size(1 << PageShift)
)
