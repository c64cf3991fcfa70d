package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in a page table at any level.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// windowFrames is the number of frames reachable through the physical
	// memory window: every frame a page table entry can address.
	windowFrames = uint64(ptePhysPageMask>>12) + 1
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagRW is set if the page can be written to.
	FlagRW PageTableEntryFlag = 1 << 1

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage PageTableEntryFlag = 1 << 7

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
