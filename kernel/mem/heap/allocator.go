// Package heap implements the kernel's general purpose allocator. Heap
// memory is handed out in 16-byte blocks; a bitmap with one bit per block
// tracks which blocks are in use and a heap page is backed by a physical
// frame only while at least one of its blocks is in use.
package heap

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
	"kmem/kernel/mem/vmm"
	"kmem/kernel/sync"
)

var (
	errDoubleAlloc       = &kernel.Error{Module: "heap", Message: "block is already allocated"}
	errDoubleFree        = &kernel.Error{Module: "heap", Message: "block is not allocated"}
	errMisalignedPointer = &kernel.Error{Module: "heap", Message: "pointer is not block aligned"}
	errInvalidPointer    = &kernel.Error{Module: "heap", Message: "pointer lies outside the heap"}
	errIdentityMapInUse  = &kernel.Error{Module: "heap", Message: "identity mapped page is already in use"}
	errEmptyFrameRun     = &kernel.Error{Module: "heap", Message: "frame run is empty"}
	errOutOfMemory       = &kernel.Error{Module: "heap", Message: "out of physical memory"}
	errUnmappedAccess    = &kernel.Error{Module: "heap", Message: "access to unmapped heap memory"}
	errAllocTooLarge     = &kernel.Error{Module: "heap", Message: "allocation does not fit in the heap address space"}

	log = kfmt.Logger("heap")
)

// FrameAllocator is the physical frame allocator backing the heap.
type FrameAllocator interface {
	LockNext() (pmm.Frame, bool)
	Lock(frame pmm.Frame)
	Free(frame pmm.Frame)
	State(frame pmm.Frame) pmm.FrameState
	VisitFrames(visitor pmm.FrameVisitor)
}

// Allocator is the kernel heap. Heap addresses are virtual addresses of the
// address space the allocator manages: block b lives at address b*16.
//
// Lock order: mapLock, then addrLock, then the frame allocator's lock.
type Allocator struct {
	frames FrameAllocator
	memory pmm.Memory

	// mapLock guards the block map.
	mapLock sync.RWSpinlock

	// metaPages holds the block map: BlockPage i tracks heap page i. Each
	// entry overlays a frame listed in metaFrames.
	metaPages  []*metaPage
	metaFrames []pmm.Frame

	// addrLock guards addressor.
	addrLock  sync.Spinlock
	addressor vmm.Addressor
}

// New returns a heap whose block map is empty. Init must be called before
// the heap can serve allocations.
func New(frames FrameAllocator, memory pmm.Memory) *Allocator {
	return &Allocator{frames: frames, memory: memory}
}

// blocksFor returns the number of blocks needed to hold size bytes. Zero
// sized requests occupy one block so that every allocation has a distinct
// address.
func blocksFor(size mem.Size) uint64 {
	blocks := uint64(size / BlockSize)
	if size%BlockSize != 0 {
		blocks++
	}
	return max(1, blocks)
}

// maxBlocks is the number of blocks addressable below the block map.
const maxBlocks = uint64(metadataBase) / BlockSize

// pageCount returns the number of heap pages tracked by the block map.
func (a *Allocator) pageCount() uint64 {
	return uint64(len(a.metaPages)) * blockPagesPerMetaPage
}

// blockPage returns the BlockPage tracking heap page index.
func (a *Allocator) blockPage(index uint64) *BlockPage {
	return &a.metaPages[index/blockPagesPerMetaPage][index%blockPagesPerMetaPage]
}

// MinimumAlignment returns the alignment every heap address satisfies.
func (a *Allocator) MinimumAlignment() mem.Size {
	return BlockSize
}

// Alloc reserves size bytes aligned to align and returns their address.
// Alignments that are not a multiple of the block size are raised to the
// block size. The block map grows until the request fits; running out of
// physical memory halts the kernel. The caller must pass the same size to
// Dealloc.
func (a *Allocator) Alloc(size, align mem.Size) mem.VirtualAddress {
	blocks := blocksFor(size)
	alignBlocks := uint64(1)
	if align != 0 && align%BlockSize == 0 {
		alignBlocks = uint64(align / BlockSize)
	}
	if blocks > maxBlocks || alignBlocks > maxBlocks {
		log.Error().Uint64("size", uint64(size)).Uint64("align", uint64(align)).Msg("alloc larger than the heap")
		kfmt.Panic(errAllocTooLarge)
	}

	a.mapLock.Acquire()
	defer a.mapLock.Release()

	for {
		if start, ok := a.findRun(blocks, alignBlocks); ok {
			a.claimBlocks(start, start+blocks)

			addr := mem.VirtualAddress(start * BlockSize)
			log.Trace().Uint64("addr", uint64(addr)).Uint64("size", uint64(size)).Msg("alloc")
			return addr
		}

		a.grow(blocks)
	}
}

// Dealloc releases the size bytes at addr. Releasing blocks that are not
// allocated halts the kernel.
func (a *Allocator) Dealloc(addr mem.VirtualAddress, size mem.Size) {
	if !addr.IsAligned(BlockSize) {
		log.Error().Uint64("addr", uint64(addr)).Msg("dealloc of misaligned pointer")
		kfmt.Panic(errMisalignedPointer)
	}

	start := uint64(addr) / BlockSize
	blocks := blocksFor(size)

	a.mapLock.Acquire()
	defer a.mapLock.Release()

	limit := a.pageCount() * blocksPerPage
	if start >= limit || blocks > limit-start {
		log.Error().Uint64("addr", uint64(addr)).Uint64("size", uint64(size)).Msg("dealloc outside the heap")
		kfmt.Panic(errInvalidPointer)
	}

	a.releaseBlocks(start, start+blocks)
	log.Trace().Uint64("addr", uint64(addr)).Uint64("size", uint64(size)).Msg("dealloc")
}

// AllocTo maps the remaining frames of the run onto fresh heap pages, in
// order, and returns the address of the first page. The frames are not
// cleared. The iterator is consumed.
func (a *Allocator) AllocTo(frames *pmm.FrameIterator) mem.VirtualAddress {
	count := frames.Remaining()
	if count == 0 {
		kfmt.Panic(errEmptyFrameRun)
	}

	a.mapLock.Acquire()
	defer a.mapLock.Release()

	for {
		if start, ok := a.findEmptyPages(count); ok {
			for index := start; index < start+count; index++ {
				frame, _ := frames.Next()
				a.blockPage(index).SetFull()
				a.mapPage(vmm.Page(index), frame)
			}

			addr := vmm.Page(start).Address()
			log.Debug().Uint64("addr", uint64(addr)).Uint64("pages", count).Msg("alloc to frames")
			return addr
		}

		a.grow(count * blocksPerPage)
	}
}

// IdentityMap claims the heap page whose index equals frame. If doMap is set
// the page is also mapped onto frame; otherwise the mapping is assumed to
// exist already. Claiming a page that is in use halts the kernel.
func (a *Allocator) IdentityMap(frame pmm.Frame, doMap bool) {
	a.mapLock.Acquire()
	defer a.mapLock.Release()

	index := uint64(frame)
	if count := a.pageCount(); index >= count {
		a.grow((index - count + 1) * blocksPerPage)
	}

	page := a.blockPage(index)
	if !page.IsEmpty() {
		log.Error().Uint64("frame", index).Msg("identity map of a page in use")
		kfmt.Panic(errIdentityMapInUse)
	}
	page.SetFull()

	if doMap {
		a.addrLock.Acquire()
		defer a.addrLock.Release()
		if err := a.addressor.IdentityMap(frame); err != nil {
			kfmt.Panic(err)
		}
	}
}

// findRun returns the first block of the lowest run of count free blocks
// whose first block is a multiple of alignBlocks. Full pages and full
// sections are skipped without inspecting individual bits. The caller must
// hold mapLock.
func (a *Allocator) findRun(count, alignBlocks uint64) (uint64, bool) {
	var block, run uint64

	for pageIndex := uint64(0); pageIndex < a.pageCount(); pageIndex++ {
		page := a.blockPage(pageIndex)
		if page.IsFull() {
			run = 0
			block += blocksPerPage
			continue
		}

		for _, section := range page {
			if section == ^uint64(0) {
				run = 0
				block += sectionLen
				continue
			}

			for bit := uint64(0); bit < sectionLen; bit++ {
				switch {
				case section&(1<<bit) != 0:
					run = 0
				case run > 0 || block%alignBlocks == 0:
					run++
				}
				block++

				if run == count {
					return block - count, true
				}
			}
		}
	}

	return 0, false
}

// findEmptyPages returns the index of the first run of count empty heap
// pages. The caller must hold mapLock.
func (a *Allocator) findEmptyPages(count uint64) (uint64, bool) {
	var run uint64

	for pageIndex := uint64(0); pageIndex < a.pageCount(); pageIndex++ {
		if !a.blockPage(pageIndex).IsEmpty() {
			run = 0
			continue
		}

		if run++; run == count {
			return pageIndex + 1 - count, true
		}
	}

	return 0, false
}

// checkBlocks halts the kernel unless every block in [start, end) is in use
// (used) or free (!used). The caller must hold mapLock.
func (a *Allocator) checkBlocks(start, end uint64, used bool) {
	for pageIndex := start / blocksPerPage; pageIndex*blocksPerPage < end; pageIndex++ {
		page := a.blockPage(pageIndex)
		for section := range page {
			mask := sectionMask(start, end, pageIndex*blocksPerPage+uint64(section)*sectionLen)
			switch {
			case used && page[section]&mask != mask:
				log.Error().Uint64("page", pageIndex).Int("section", section).Msg("block released twice")
				kfmt.Panic(errDoubleFree)
			case !used && page[section]&mask != 0:
				log.Error().Uint64("page", pageIndex).Int("section", section).Msg("block claimed twice")
				kfmt.Panic(errDoubleAlloc)
			}
		}
	}
}

// claimBlocks marks the blocks [start, end) as in use and backs every page
// that stops being empty with a fresh frame. The block map is left untouched
// if any block in the range is already in use. The caller must hold mapLock.
func (a *Allocator) claimBlocks(start, end uint64) {
	a.checkBlocks(start, end, false)

	var states [sectionCount]sectionState
	for pageIndex := start / blocksPerPage; pageIndex*blocksPerPage < end; pageIndex++ {
		page := a.blockPage(pageIndex)
		for section := range page {
			mask := sectionMask(start, end, pageIndex*blocksPerPage+uint64(section)*sectionLen)
			states[section].hadBits = page[section] != 0
			page[section] |= mask
			states[section].hasBits = page[section] != 0
		}

		if shouldAlloc(states[:]) {
			a.backPage(vmm.Page(pageIndex))
		}
	}
}

// releaseBlocks clears the blocks [start, end) and returns the frame of
// every page that becomes empty. The block map is left untouched if any
// block in the range is free. The caller must hold mapLock.
func (a *Allocator) releaseBlocks(start, end uint64) {
	a.checkBlocks(start, end, true)

	var states [sectionCount]sectionState
	for pageIndex := start / blocksPerPage; pageIndex*blocksPerPage < end; pageIndex++ {
		page := a.blockPage(pageIndex)
		for section := range page {
			mask := sectionMask(start, end, pageIndex*blocksPerPage+uint64(section)*sectionLen)
			states[section].hadBits = page[section] != 0
			page[section] &^= mask
			states[section].hasBits = page[section] != 0
		}

		if shouldDealloc(states[:]) {
			a.unbackPage(vmm.Page(pageIndex))
		}
	}
}

// backPage maps page onto a fresh zeroed frame.
func (a *Allocator) backPage(page vmm.Page) {
	frame, ok := a.frames.LockNext()
	if !ok {
		log.Error().Uint64("page", uint64(page)).Msg("no frame left to back heap page")
		kfmt.Panic(errOutOfMemory)
	}

	kernel.Memset(a.memory.Region(frame.Address(), mem.PageSize), 0)
	a.mapPage(page, frame)
}

// mapPage maps page onto frame.
func (a *Allocator) mapPage(page vmm.Page, frame pmm.Frame) {
	a.addrLock.Acquire()
	defer a.addrLock.Release()

	if err := a.addressor.Map(page, frame); err != nil {
		kfmt.Panic(err)
	}
}

// unbackPage unmaps page and frees the frame behind it.
func (a *Allocator) unbackPage(page vmm.Page) {
	a.addrLock.Acquire()
	defer a.addrLock.Release()

	frame, err := a.addressor.Translate(page)
	if err != nil {
		kfmt.Panic(err)
	}
	if err = a.addressor.Unmap(page); err != nil {
		kfmt.Panic(err)
	}

	a.frames.Free(frame)
}
