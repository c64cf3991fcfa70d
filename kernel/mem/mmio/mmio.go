// Package mmio provides access to device memory regions. A region starts out
// Unmapped, describing the physical frames a device decodes, and becomes
// Mapped once its frames are placed into the kernel heap address space.
package mmio

import (
	"encoding/binary"

	"kmem/kernel"
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
)

// ErrOffsetOverrun is returned for accesses past the end of a region.
var ErrOffsetOverrun = &kernel.Error{Module: "mmio", Message: "offset lies outside the mapped region"}

// Mapper places caller-owned frames into the heap address space and gives
// access to the mapped memory.
type Mapper interface {
	AllocTo(frames *pmm.FrameIterator) mem.VirtualAddress
	Read(addr mem.VirtualAddress, buf []byte)
	Write(addr mem.VirtualAddress, data []byte)
}

// Unmapped is a device region that is not yet accessible.
type Unmapped struct {
	frames pmm.FrameIterator
}

// NewUnmapped returns an unmapped region covering frames.
func NewUnmapped(frames *pmm.FrameIterator) *Unmapped {
	run := *frames
	run.Reset()
	return &Unmapped{frames: run}
}

// Frames returns the frames backing the region.
func (u *Unmapped) Frames() *pmm.FrameIterator {
	run := u.frames
	run.Reset()
	return &run
}

// Map maps the region's frames through m, in order and without clearing
// their contents.
func (u *Unmapped) Map(m Mapper) *Mapped {
	run := u.frames
	addr := m.AllocTo(&run)

	return &Mapped{frames: u.frames, addr: addr, mapper: m}
}

// Mapped is a device region that can be read and written.
type Mapped struct {
	frames pmm.FrameIterator
	addr   mem.VirtualAddress
	mapper Mapper
}

// Frames returns the frames backing the region.
func (m *Mapped) Frames() *pmm.FrameIterator {
	run := m.frames
	run.Reset()
	return &run
}

// Addr returns the virtual address of the first byte of the region.
func (m *Mapped) Addr() mem.VirtualAddress {
	return m.addr
}

// Size returns the length of the region.
func (m *Mapped) Size() mem.Size {
	return mem.Size(m.frames.Len()) * mem.PageSize
}

func (m *Mapped) check(offset uintptr, length int) *kernel.Error {
	if offset >= uintptr(m.Size()) || uintptr(length) > uintptr(m.Size())-offset {
		return ErrOffsetOverrun
	}
	return nil
}

// Read fills buf with the region contents starting at offset.
func (m *Mapped) Read(offset uintptr, buf []byte) *kernel.Error {
	if err := m.check(offset, len(buf)); err != nil {
		return err
	}

	m.mapper.Read(m.addr.Add(offset), buf)
	return nil
}

// Write copies data into the region starting at offset.
func (m *Mapped) Write(offset uintptr, data []byte) *kernel.Error {
	if err := m.check(offset, len(data)); err != nil {
		return err
	}

	m.mapper.Write(m.addr.Add(offset), data)
	return nil
}

// ReadUint8 reads the byte at offset.
func (m *Mapped) ReadUint8(offset uintptr) (uint8, *kernel.Error) {
	var buf [1]byte
	err := m.Read(offset, buf[:])
	return buf[0], err
}

// ReadUint16 reads the little endian 16-bit value at offset.
func (m *Mapped) ReadUint16(offset uintptr) (uint16, *kernel.Error) {
	var buf [2]byte
	if err := m.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads the little endian 32-bit value at offset.
func (m *Mapped) ReadUint32(offset uintptr) (uint32, *kernel.Error) {
	var buf [4]byte
	if err := m.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads the little endian 64-bit value at offset.
func (m *Mapped) ReadUint64(offset uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := m.Read(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint8 writes value at offset.
func (m *Mapped) WriteUint8(offset uintptr, value uint8) *kernel.Error {
	return m.Write(offset, []byte{value})
}

// WriteUint16 writes value at offset in little endian order.
func (m *Mapped) WriteUint16(offset uintptr, value uint16) *kernel.Error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return m.Write(offset, buf[:])
}

// WriteUint32 writes value at offset in little endian order.
func (m *Mapped) WriteUint32(offset uintptr, value uint32) *kernel.Error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return m.Write(offset, buf[:])
}

// WriteUint64 writes value at offset in little endian order.
func (m *Mapped) WriteUint64(offset uintptr, value uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(offset, buf[:])
}
