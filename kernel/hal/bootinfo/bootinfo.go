// Package bootinfo decodes the block of information the loader hands to the
// kernel: the firmware memory map, the firmware configuration table and the
// framebuffer set up during boot.
package bootinfo

import (
	"encoding/binary"

	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
)

// Magic tags a valid boot info block. A mismatch means the loader and the
// kernel disagree on the layout of the block.
const Magic uint32 = 0xAABB11FF

const (
	headerSize     = 56
	descriptorSize = 24
)

var (
	errBadMagic  = &kernel.Error{Module: "bootinfo", Message: "boot info magic mismatch"}
	errTruncated = &kernel.Error{Module: "bootinfo", Message: "boot info block is truncated"}
)

// ConfigTable points to the firmware configuration table.
type ConfigTable struct {
	// Physical address of the first table entry.
	Address mem.PhysicalAddress

	// Number of entries in the table.
	Entries uint64
}

// FramebufferInfo provides information about the framebuffer initialized by
// the loader.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr mem.PhysicalAddress

	// Width and height in pixels.
	Width, Height uint64
}

// Info is the boot info block.
type Info struct {
	Magic       uint32
	MemoryMap   []MemoryDescriptor
	ConfigTable ConfigTable

	// Framebuffer is nil if the loader did not set up a framebuffer.
	Framebuffer *FramebufferInfo
}

// New returns a boot info block tagged with Magic.
func New(memoryMap []MemoryDescriptor, configTable ConfigTable, fb *FramebufferInfo) *Info {
	return &Info{
		Magic:       Magic,
		MemoryMap:   memoryMap,
		ConfigTable: configTable,
		Framebuffer: fb,
	}
}

// Validate halts the kernel if the block does not carry the expected magic.
func (i *Info) Validate() {
	if i.Magic != Magic {
		kfmt.Logger("bootinfo").Error().
			Uint32("expected", Magic).
			Uint32("got", i.Magic).
			Msg("loader and kernel ABI mismatch")
		kfmt.Panic(errBadMagic)
	}
}

// VisitMemRegions invokes the supplied visitor for each memory region in
// the memory map.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for index := range i.MemoryMap {
		if !visitor(&i.MemoryMap[index]) {
			return
		}
	}
}

// FindStackDescriptor returns the memory map entry containing the stack
// pointer sp.
func (i *Info) FindStackDescriptor(sp uintptr) (MemoryDescriptor, bool) {
	var (
		found MemoryDescriptor
		ok    bool
	)

	i.VisitMemRegions(func(desc *MemoryDescriptor) bool {
		if desc.Contains(mem.PhysicalAddress(sp)) {
			found, ok = *desc, true
			return false
		}
		return true
	})

	return found, ok
}

// Encode serializes the block into its little-endian wire layout: a fixed
// header followed by the memory map descriptors.
func (i *Info) Encode() []byte {
	buf := make([]byte, headerSize+descriptorSize*len(i.MemoryMap))
	le := binary.LittleEndian

	le.PutUint32(buf[0:], i.Magic)
	le.PutUint32(buf[4:], uint32(len(i.MemoryMap)))
	le.PutUint64(buf[8:], uint64(i.ConfigTable.Address))
	le.PutUint64(buf[16:], i.ConfigTable.Entries)
	if fb := i.Framebuffer; fb != nil {
		le.PutUint64(buf[24:], 1)
		le.PutUint64(buf[32:], uint64(fb.PhysAddr))
		le.PutUint64(buf[40:], fb.Width)
		le.PutUint64(buf[48:], fb.Height)
	}

	for index, desc := range i.MemoryMap {
		entry := buf[headerSize+index*descriptorSize:]
		le.PutUint32(entry[0:], uint32(desc.Type))
		le.PutUint64(entry[8:], uint64(desc.PhysicalStart))
		le.PutUint64(entry[16:], desc.PageCount)
	}

	return buf
}

// Decode parses a block produced by Encode. Decode does not check the magic
// value; callers must invoke Validate before trusting the contents.
func Decode(raw []byte) (*Info, *kernel.Error) {
	if len(raw) < headerSize {
		return nil, errTruncated
	}

	le := binary.LittleEndian
	count := int(le.Uint32(raw[4:]))
	if len(raw) < headerSize+count*descriptorSize {
		return nil, errTruncated
	}

	info := &Info{
		Magic: le.Uint32(raw[0:]),
		ConfigTable: ConfigTable{
			Address: mem.PhysicalAddress(le.Uint64(raw[8:])),
			Entries: le.Uint64(raw[16:]),
		},
		MemoryMap: make([]MemoryDescriptor, count),
	}

	if le.Uint64(raw[24:]) != 0 {
		info.Framebuffer = &FramebufferInfo{
			PhysAddr: mem.PhysicalAddress(le.Uint64(raw[32:])),
			Width:    le.Uint64(raw[40:]),
			Height:   le.Uint64(raw[48:]),
		}
	}

	for index := range info.MemoryMap {
		entry := raw[headerSize+index*descriptorSize:]
		info.MemoryMap[index] = MemoryDescriptor{
			Type:          MemoryType(le.Uint32(entry[0:])),
			PhysicalStart: mem.PhysicalAddress(le.Uint64(entry[8:])),
			PageCount:     le.Uint64(entry[16:]),
		}
	}

	return info, nil
}
