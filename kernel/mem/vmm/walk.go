package vmm

import (
	"unsafe"

	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// pageTable is a single table of entries at any paging level.
type pageTable [entriesPerTable]pageTableEntry

// table returns the page table stored in frame.
func (pt *PageTable) table(frame pmm.Frame) *pageTable {
	region := pt.memory.Region(frame.Address(), mem.PageSize)
	return (*pageTable)(unsafe.Pointer(&region[0]))
}

// walk performs a page table walk for the given virtual address. It calls
// the supplied walkFn with the page table entry that corresponds to each
// page table level. The walk descends into the table the entry points to
// once walkFn returns, so walkFn may install a missing table.
func (pt *PageTable) walk(virtAddr mem.VirtualAddress, walkFn pageTableWalker) {
	tableFrame := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		pte := &pt.table(tableFrame)[virtAddr.TableIndex(level)]
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
