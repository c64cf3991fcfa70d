package bootinfo

import "kmem/kernel/mem"

// MemoryType defines the type of a MemoryDescriptor. Values follow the UEFI
// EFI_MEMORY_TYPE enumeration; the loader adds two custom types for the
// regions holding the kernel image.
type MemoryType uint32

// nolint
const (
	MemReserved MemoryType = iota
	MemLoaderCode
	MemLoaderData
	MemBootServicesCode
	MemBootServicesData
	MemRuntimeServicesCode
	MemRuntimeServicesData
	MemConventional
	MemUnusable
	MemACPIReclaimable
	MemACPINonVolatile
	MemMMIO
	MemMMIOPortSpace
	MemPalCode
	MemPersistent

	MemKernelCode MemoryType = 0xFFFFFF00
	MemKernelData MemoryType = 0xFFFFFF01
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemReserved:
		return "reserved"
	case MemLoaderCode:
		return "loader code"
	case MemLoaderData:
		return "loader data"
	case MemBootServicesCode:
		return "boot services code"
	case MemBootServicesData:
		return "boot services data"
	case MemRuntimeServicesCode:
		return "runtime services code"
	case MemRuntimeServicesData:
		return "runtime services data"
	case MemConventional:
		return "conventional"
	case MemUnusable:
		return "unusable"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemACPINonVolatile:
		return "ACPI NVS"
	case MemMMIO:
		return "MMIO"
	case MemMMIOPortSpace:
		return "MMIO port space"
	case MemPalCode:
		return "PAL code"
	case MemPersistent:
		return "persistent"
	case MemKernelCode:
		return "kernel code"
	case MemKernelData:
		return "kernel data"
	default:
		return "unknown"
	}
}

// IsReserved returns true if the frames of a region with this type must
// never be handed out by the frame allocator. Boot services memory and the
// loader's code become free once the kernel takes over; everything else
// (including unknown types) stays reserved.
func (t MemoryType) IsReserved() bool {
	switch t {
	case MemConventional, MemBootServicesCode, MemBootServicesData, MemLoaderCode:
		return false
	default:
		return true
	}
}

// IsUsable returns true if a region with this type holds no data the kernel
// must preserve and can host kernel structures right away.
func (t MemoryType) IsUsable() bool {
	return t == MemConventional
}

// MemoryDescriptor describes a region of physical memory reported by the
// firmware.
type MemoryDescriptor struct {
	// The type of this region.
	Type MemoryType

	// The physical address where the region starts.
	PhysicalStart mem.PhysicalAddress

	// The length of the region in pages.
	PageCount uint64
}

// Size returns the length of the region in bytes.
func (d MemoryDescriptor) Size() mem.Size {
	return mem.Size(d.PageCount) << mem.PageShift
}

// End returns the first physical address past the region.
func (d MemoryDescriptor) End() mem.PhysicalAddress {
	return d.PhysicalStart + mem.PhysicalAddress(d.Size())
}

// Contains returns true if addr lies within the region.
func (d MemoryDescriptor) Contains(addr mem.PhysicalAddress) bool {
	return addr >= d.PhysicalStart && addr < d.End()
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region in the memory map. The visitor must
// return true to continue or false to abort the scan.
type MemRegionVisitor func(desc *MemoryDescriptor) bool
