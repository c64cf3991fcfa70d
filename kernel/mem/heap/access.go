package heap

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/mem/vmm"
)

// Stats summarizes the state of the block map.
type Stats struct {
	MetaPages   uint64
	Pages       uint64
	MappedPages uint64
	UsedBlocks  uint64
}

// PhysicalMemoryWindow returns the virtual address through which physAddr
// is reachable.
func (a *Allocator) PhysicalMemoryWindow(physAddr mem.PhysicalAddress) mem.VirtualAddress {
	a.addrLock.Acquire()
	defer a.addrLock.Release()

	return a.addressor.MappedPage().Address().Add(uintptr(physAddr))
}

// PageCount returns the number of heap pages the block map tracks.
func (a *Allocator) PageCount() uint64 {
	a.mapLock.RAcquire()
	defer a.mapLock.RRelease()

	return a.pageCount()
}

// IsAllocated returns true if the block containing addr is in use.
func (a *Allocator) IsAllocated(addr mem.VirtualAddress) bool {
	block := uint64(addr) / BlockSize

	a.mapLock.RAcquire()
	defer a.mapLock.RRelease()

	if block >= a.pageCount()*blocksPerPage {
		return false
	}

	page := a.blockPage(block / blocksPerPage)
	bit := block % blocksPerPage
	return page[bit/sectionLen]&(1<<(bit%sectionLen)) != 0
}

// Stats returns a snapshot of the block map.
func (a *Allocator) Stats() Stats {
	a.mapLock.RAcquire()
	defer a.mapLock.RRelease()

	stats := Stats{MetaPages: uint64(len(a.metaPages)), Pages: a.pageCount()}
	for index := uint64(0); index < stats.Pages; index++ {
		page := a.blockPage(index)
		if !page.IsEmpty() {
			stats.MappedPages++
			stats.UsedBlocks += uint64(page.UsedBlocks())
		}
	}

	return stats
}

// Read copies heap memory starting at addr into buf.
func (a *Allocator) Read(addr mem.VirtualAddress, buf []byte) {
	a.access(addr, len(buf), func(offset int, chunk []byte) {
		kernel.Memcopy(chunk, buf[offset:])
	})
}

// Write copies data into heap memory starting at addr.
func (a *Allocator) Write(addr mem.VirtualAddress, data []byte) {
	a.access(addr, len(data), func(offset int, chunk []byte) {
		kernel.Memcopy(data[offset:], chunk)
	})
}

// access resolves the size bytes at addr page by page and passes each
// physical chunk to fn along with its offset from addr. Touching an unmapped
// page halts the kernel.
func (a *Allocator) access(addr mem.VirtualAddress, size int, fn func(offset int, chunk []byte)) {
	a.addrLock.Acquire()
	defer a.addrLock.Release()

	for offset := 0; offset < size; {
		cur := addr.Add(uintptr(offset))
		frame, err := a.addressor.Translate(vmm.PageFromAddress(cur))
		if err != nil {
			log.Error().Uint64("addr", uint64(cur)).Msg("heap access through unmapped page")
			kfmt.Panic(errUnmappedAccess)
		}

		chunkLen := min(size-offset, int(mem.PageSize)-int(cur.PageOffset()))
		chunk := a.memory.Region(frame.Address().Add(cur.PageOffset()), mem.Size(chunkLen))
		fn(offset, chunk)
		offset += chunkLen
	}
}
