package mem

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
)

var (
	errNonCanonicalPhysical = &kernel.Error{Module: "mem", Message: "non-canonical physical address"}
	errNonCanonicalVirtual  = &kernel.Error{Module: "mem", Message: "non-canonical virtual address"}
	errAddressOverflow      = &kernel.Error{Module: "mem", Message: "address arithmetic overflow"}
)

// PhysicalAddress is an address in the physical address space. Only the low
// 52 bits of a physical address may be set.
type PhysicalAddress uintptr

// NewPhysicalAddress validates addr and returns it as a PhysicalAddress.
// Calls to NewPhysicalAddress with a non-canonical address halt the kernel.
func NewPhysicalAddress(addr uintptr) PhysicalAddress {
	if uint64(addr)>>physicalAddressBits != 0 {
		kfmt.Logger("mem").Error().Uint64("addr", uint64(addr)).Msg("physical address has bits set above bit 52")
		kfmt.Panic(errNonCanonicalPhysical)
	}

	return PhysicalAddress(addr)
}

// NewPhysicalAddressTruncate discards the bits of addr that do not fit in a
// physical address.
func NewPhysicalAddressTruncate(addr uintptr) PhysicalAddress {
	return PhysicalAddress(uint64(addr) & (1<<physicalAddressBits - 1))
}

// Add returns a+offset.
func (a PhysicalAddress) Add(offset uintptr) PhysicalAddress {
	sum := uintptr(a) + offset
	if sum < uintptr(a) {
		kfmt.Panic(errAddressOverflow)
	}
	return NewPhysicalAddress(sum)
}

// Sub returns a-offset.
func (a PhysicalAddress) Sub(offset uintptr) PhysicalAddress {
	if offset > uintptr(a) {
		kfmt.Panic(errAddressOverflow)
	}
	return NewPhysicalAddress(uintptr(a) - offset)
}

// AlignUp rounds a up to a multiple of align (a power of two).
func (a PhysicalAddress) AlignUp(align Size) PhysicalAddress {
	return NewPhysicalAddress((uintptr(a) + uintptr(align) - 1) &^ (uintptr(align) - 1))
}

// AlignDown rounds a down to a multiple of align (a power of two).
func (a PhysicalAddress) AlignDown(align Size) PhysicalAddress {
	return PhysicalAddress(uintptr(a) &^ (uintptr(align) - 1))
}

// IsAligned returns true if a is a multiple of align.
func (a PhysicalAddress) IsAligned(align Size) bool {
	return uintptr(a)&(uintptr(align)-1) == 0
}

// IsNull returns true for the zero address.
func (a PhysicalAddress) IsNull() bool { return a == 0 }

// PageOffset returns the offset of a within its frame.
func (a PhysicalAddress) PageOffset() uintptr {
	return uintptr(a) & uintptr(PageSize-1)
}

// VirtualAddress is an address in the virtual address space. Virtual
// addresses are canonical: bits [47, 64) are all equal.
type VirtualAddress uintptr

// NewVirtualAddress validates addr and returns it as a VirtualAddress. If
// only bit 47 is set among the upper bits the address is sign-extended; any
// other non-canonical address halts the kernel.
func NewVirtualAddress(addr uintptr) VirtualAddress {
	switch uint64(addr) >> (virtualAddressBits - 1) {
	case 0, 0x1ffff:
		return VirtualAddress(addr)
	case 1:
		return NewVirtualAddressTruncate(addr)
	default:
		kfmt.Logger("mem").Error().Uint64("addr", uint64(addr)).Msg("virtual address is not sign-extended")
		kfmt.Panic(errNonCanonicalVirtual)
		return 0
	}
}

// NewVirtualAddressTruncate sign-extends bit 47 of addr into the upper bits.
func NewVirtualAddressTruncate(addr uintptr) VirtualAddress {
	const shift = 64 - virtualAddressBits
	return VirtualAddress(uintptr(int64(uint64(addr)<<shift) >> shift))
}

// Add returns a+offset.
func (a VirtualAddress) Add(offset uintptr) VirtualAddress {
	sum := uintptr(a) + offset
	if sum < uintptr(a) {
		kfmt.Panic(errAddressOverflow)
	}
	return NewVirtualAddress(sum)
}

// Sub returns a-offset.
func (a VirtualAddress) Sub(offset uintptr) VirtualAddress {
	if offset > uintptr(a) {
		kfmt.Panic(errAddressOverflow)
	}
	return NewVirtualAddress(uintptr(a) - offset)
}

// AlignUp rounds a up to a multiple of align (a power of two).
func (a VirtualAddress) AlignUp(align Size) VirtualAddress {
	return NewVirtualAddress((uintptr(a) + uintptr(align) - 1) &^ (uintptr(align) - 1))
}

// AlignDown rounds a down to a multiple of align (a power of two).
func (a VirtualAddress) AlignDown(align Size) VirtualAddress {
	return VirtualAddress(uintptr(a) &^ (uintptr(align) - 1))
}

// IsAligned returns true if a is a multiple of align.
func (a VirtualAddress) IsAligned(align Size) bool {
	return uintptr(a)&(uintptr(align)-1) == 0
}

// IsNull returns true for the zero address.
func (a VirtualAddress) IsNull() bool { return a == 0 }

// PageOffset returns the offset of a within its page.
func (a VirtualAddress) PageOffset() uintptr {
	return uintptr(a) & uintptr(PageSize-1)
}

// TableIndex returns the index into the page table at the given level
// (0 for the P4 table, 3 for the P1 table) that a resolves through.
func (a VirtualAddress) TableIndex(level uint8) uintptr {
	shift := PageShift + 9*(3-uint(level))
	return (uintptr(a) >> shift) & 511
}
