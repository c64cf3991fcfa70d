// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"kmem/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(f << mem.PageShift)
}

// Index returns the frame number.
func (f Frame) Index() uint64 {
	return uint64(f)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr mem.PhysicalAddress) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameIterator walks a contiguous run of frames. It can be reset to replay
// the run after partial consumption.
type FrameIterator struct {
	start  Frame
	count  uint64
	cursor uint64
}

// NewFrameIterator returns an iterator over count frames beginning at start.
func NewFrameIterator(start Frame, count uint64) *FrameIterator {
	return &FrameIterator{start: start, count: count}
}

// Next returns the next frame in the run. The second return value is false
// once the run is exhausted.
func (it *FrameIterator) Next() (Frame, bool) {
	if it.cursor >= it.count {
		return InvalidFrame, false
	}

	frame := it.start + Frame(it.cursor)
	it.cursor++
	return frame, true
}

// Reset rewinds the iterator to the first frame of the run.
func (it *FrameIterator) Reset() {
	it.cursor = 0
}

// Remaining returns the number of frames Next has yet to return.
func (it *FrameIterator) Remaining() uint64 {
	return it.count - it.cursor
}

// Len returns the total number of frames in the run.
func (it *FrameIterator) Len() uint64 {
	return it.count
}

// Start returns the first frame of the run.
func (it *FrameIterator) Start() Frame {
	return it.start
}

// Contains returns true if frame belongs to the run.
func (it *FrameIterator) Contains(frame Frame) bool {
	return frame >= it.start && uint64(frame-it.start) < it.count
}
