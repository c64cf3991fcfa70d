package heap

import (
	"unsafe"

	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/mem/vmm"
)

// metadataBase is the virtual address where the block map is mapped. It
// lies far above any heap address the block map can describe.
const metadataBase = mem.VirtualAddress(0x0000_5000_0000_0000)

// Grow extends the block map so that it tracks at least required more
// blocks than it does now.
func (a *Allocator) Grow(required uint64) {
	a.mapLock.Acquire()
	defer a.mapLock.Release()

	a.grow(required)
}

// grow raises the number of metadata pages to the next power of two that
// covers the current map plus required blocks. Metadata frames come straight
// from the frame allocator. Existing metadata pages are not moved so block
// map entries, and therefore previously returned addresses, stay valid. The
// caller must hold mapLock.
func (a *Allocator) grow(required uint64) {
	current := uint64(len(a.metaPages))
	target := nextPowerOfTwo(current + (required+blocksPerMetaPage-1)/blocksPerMetaPage)

	for index := current; index < target; index++ {
		frame, ok := a.frames.LockNext()
		if !ok {
			log.Error().Uint64("meta_pages", index).Msg("no frame left to grow the block map")
			kfmt.Panic(errOutOfMemory)
		}

		a.addrLock.Acquire()
		err := a.addressor.Map(vmm.PageFromAddress(metadataBase).Offset(index), frame)
		a.addrLock.Release()
		if err != nil {
			kfmt.Panic(err)
		}

		region := a.memory.Region(frame.Address(), mem.PageSize)
		kernel.Memset(region, 0)

		a.metaPages = append(a.metaPages, (*metaPage)(unsafe.Pointer(&region[0])))
		a.metaFrames = append(a.metaFrames, frame)
	}

	log.Debug().Uint64("meta_pages", target).Uint64("heap_pages", a.pageCount()).Msg("block map grown")
}
