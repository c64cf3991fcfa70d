package vmm

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
)

var log = kfmt.Logger("vmm")

// PageTable is a 4-level amd64 address space whose paging structures live in
// physical memory. It implements Addressor.
type PageTable struct {
	frames FrameSource
	memory pmm.Memory
	mmu    MMU

	// root is the frame holding the P4 table.
	root pmm.Frame

	// mappedPage is the start of the physical memory window. Until
	// windowSet is true the window is not mapped.
	mappedPage Page
	windowSet  bool
}

// NewPageTable allocates an empty address space.
func NewPageTable(frames FrameSource, memory pmm.Memory, mmu MMU) (*PageTable, *kernel.Error) {
	pt := &PageTable{frames: frames, memory: memory, mmu: mmu}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}
	pt.root = root

	log.Debug().Uint64("root", uint64(root)).Msg("created address space")
	return pt, nil
}

// allocTable obtains a zeroed frame for a page table.
func (pt *PageTable) allocTable() (pmm.Frame, *kernel.Error) {
	frame, ok := pt.frames.LockNext()
	if !ok {
		return pmm.InvalidFrame, errOutOfFrames
	}

	kernel.Memset(pt.memory.Region(frame.Address(), mem.PageSize), 0)
	return frame, nil
}

// Root returns the frame holding the top-level page table.
func (pt *PageTable) Root() pmm.Frame {
	return pt.root
}

// active returns true if this address space is installed in the MMU.
func (pt *PageTable) active() bool {
	return pt.mmu.ActivePDT() == uintptr(pt.root.Address())
}

// Map establishes a mapping between a virtual page and a physical memory
// frame, allocating any missing intermediate page tables. Mapping a page
// that is already mapped returns ErrAlreadyMapped.
func (pt *PageTable) Map(page Page, frame pmm.Frame) *kernel.Error {
	return pt.MapWithFlags(page, frame, FlagPresent|FlagRW|FlagNoExecute)
}

// MapWithFlags is Map with explicit entry flags.
func (pt *PageTable) MapWithFlags(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if _, ok := pt.windowFrame(page); ok {
		return ErrAlreadyMapped
	}

	var err *kernel.Error

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a cleared frame for it.
		if !pte.HasFlags(FlagPresent) {
			var tableFrame pmm.Frame
			if tableFrame, err = pt.allocTable(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	if err == nil {
		log.Trace().Uint64("page", uint64(page)).Uint64("frame", uint64(frame)).Msg("map")
	}
	return err
}

// IdentityMap maps the page whose index equals frame onto frame.
func (pt *PageTable) IdentityMap(frame pmm.Frame) *kernel.Error {
	return pt.Map(Page(frame), frame)
}

// Unmap removes a mapping previously installed via a call to Map.
func (pt *PageTable) Unmap(page Page) *kernel.Error {
	if _, ok := pt.windowFrame(page); ok {
		return errWindowUnmap
	}

	var err *kernel.Error

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			if pt.active() {
				pt.mmu.FlushTLBEntry(uintptr(page.Address()))
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err == nil {
		log.Trace().Uint64("page", uint64(page)).Msg("unmap")
	}
	return err
}

// Translate returns the frame that page is mapped onto or ErrInvalidMapping
// if the page is not mapped. Pages inside the physical memory window resolve
// to the frame at the same offset from the window start.
func (pt *PageTable) Translate(page Page) (pmm.Frame, *kernel.Error) {
	if frame, ok := pt.windowFrame(page); ok {
		return frame, nil
	}

	var (
		frame = pmm.InvalidFrame
		err   *kernel.Error
	)

	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
		}
		return true
	})

	return frame, err
}

// TranslateAddress returns the physical address that corresponds to the
// supplied virtual address.
func (pt *PageTable) TranslateAddress(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, *kernel.Error) {
	frame, err := pt.Translate(PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + mem.PhysicalAddress(virtAddr.PageOffset()), nil
}

// windowFrame returns the frame page reaches through the physical memory
// window, if it lies inside the window.
func (pt *PageTable) windowFrame(page Page) (pmm.Frame, bool) {
	if !pt.windowSet || page < pt.mappedPage || uint64(page-pt.mappedPage) >= windowFrames {
		return pmm.InvalidFrame, false
	}
	return pmm.Frame(page - pt.mappedPage), true
}

// ModifyMappedPage implements Addressor. The window pages do not use page
// table entries; they behave like a linear mapping set up by the loader.
func (pt *PageTable) ModifyMappedPage(page Page) {
	pt.mappedPage = page
	pt.windowSet = true
	log.Debug().Uint64("page", uint64(page)).Msg("moved physical memory window")
}

// MappedPage implements Addressor.
func (pt *PageTable) MappedPage() Page {
	return pt.mappedPage
}

// SwapInto loads the address space into the MMU.
func (pt *PageTable) SwapInto() {
	pt.mmu.SwitchPDT(uintptr(pt.root.Address()))
	log.Debug().Uint64("root", uint64(pt.root)).Msg("activated address space")
}
