package pmm

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
)

var errRegionOutOfBounds = &kernel.Error{Module: "pmm", Message: "physical memory access out of bounds"}

// Memory provides byte-level access to physical memory.
type Memory interface {
	// Region returns the bytes backing the physical range [start,
	// start+size). Writes to the returned slice update physical memory.
	Region(start mem.PhysicalAddress, size mem.Size) []byte
}

// RAM is a block of simulated physical memory starting at physical address
// zero.
type RAM struct {
	data []byte
}

// NewRAM reserves size bytes (rounded up to a whole number of frames) of
// zeroed simulated physical memory.
func NewRAM(size mem.Size) (*RAM, error) {
	data, err := allocRAM(int(size.AlignUp(mem.PageSize)))
	if err != nil {
		return nil, err
	}

	return &RAM{data: data}, nil
}

// Size returns the amount of simulated physical memory.
func (r *RAM) Size() mem.Size {
	return mem.Size(len(r.data))
}

// Region implements Memory. Accesses outside the simulated memory halt the
// kernel.
func (r *RAM) Region(start mem.PhysicalAddress, size mem.Size) []byte {
	end := uint64(start) + uint64(size)
	if end < uint64(start) || end > uint64(len(r.data)) {
		kfmt.Logger("pmm").Error().
			Uint64("start", uint64(start)).
			Uint64("size", uint64(size)).
			Uint64("ram", uint64(len(r.data))).
			Msg("access past the end of physical memory")
		kfmt.Panic(errRegionOutOfBounds)
	}

	return r.data[start:end:end]
}

// Close releases the simulated memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	data := r.data
	r.data = nil
	return freeRAM(data)
}
