// Package vmm manages virtual address spaces: the mapping of virtual pages
// onto physical frames.
package vmm

import (
	"kmem/kernel"
	"kmem/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when mapping a page that is already mapped.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errOutOfFrames       = &kernel.Error{Module: "vmm", Message: "no free frame for a page table"}
	errWindowUnmap       = &kernel.Error{Module: "vmm", Message: "physical memory window pages cannot be unmapped"}
)

// Addressor maps virtual pages of an address space onto physical frames.
// Implementations are not safe for concurrent use; callers serialize access.
type Addressor interface {
	// IdentityMap maps the page with the same index as frame onto frame.
	IdentityMap(frame pmm.Frame) *kernel.Error

	// Map maps page onto frame.
	Map(page Page, frame pmm.Frame) *kernel.Error

	// Unmap removes the mapping for page.
	Unmap(page Page) *kernel.Error

	// Translate returns the frame page is mapped onto.
	Translate(page Page) (pmm.Frame, *kernel.Error)

	// ModifyMappedPage relocates the window through which all of physical
	// memory is accessible so that it starts at page. Translate resolves
	// page+n to frame n once the window is set.
	ModifyMappedPage(page Page)

	// MappedPage returns the first page of the physical memory window.
	MappedPage() Page

	// SwapInto installs the address space as the active one.
	SwapInto()
}

// FrameSource supplies frames for new page tables.
type FrameSource interface {
	LockNext() (pmm.Frame, bool)
}

// MMU is the CPU state an address space touches when it is modified or
// activated.
type MMU interface {
	SwitchPDT(pdtPhysAddr uintptr)
	ActivePDT() uintptr
	FlushTLBEntry(virtAddr uintptr)
}
