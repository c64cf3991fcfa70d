package vmm

import (
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
)

// pageTableEntry is one 8-byte slot of a page table held in simulated RAM.
// Bits 12-51 hold the address of the frame the slot refers to; the
// remaining bits hold PageTableEntryFlag values.
type pageTableEntry uintptr

// HasFlags reports whether every bit of flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag reports whether at least one bit of flags is set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets flags, leaving the frame bits alone.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears flags, leaving the frame bits alone.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame extracts the frame bits.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame replaces the frame bits with frame. Flags are kept.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | uintptr(frame.Address()))
}
