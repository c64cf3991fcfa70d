package vmm

import "kmem/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() mem.VirtualAddress {
	return mem.VirtualAddress(p << mem.PageShift)
}

// Offset returns the page that lies n pages after p.
func (p Page) Offset(n uint64) Page {
	return p + Page(n)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr mem.VirtualAddress) Page {
	return Page(virtAddr >> mem.PageShift)
}
