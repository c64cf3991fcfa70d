package pmm

import (
	"unsafe"

	"kmem/kernel/mem"
)

// FrameState describes the ownership of a physical frame. Each state is
// stored in 2 bits of the frame allocator's state bitmap.
type FrameState uint8

const (
	// Unallocated frames are free to be handed out.
	Unallocated FrameState = iota

	// Allocated frames are owned by a kernel component.
	Allocated

	// Reserved frames hold firmware data, kernel structures or do not
	// exist; they are never handed out.
	Reserved

	// Corrupted frames failed a memory test.
	Corrupted
)

const (
	stateBits     = 2
	stateMask     = 1<<stateBits - 1
	statesPerWord = 64 / stateBits

	// lowBitsMask has the low bit of every 2-bit state set.
	lowBitsMask = 0x5555555555555555
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Allocated:
		return "allocated"
	case Reserved:
		return "reserved"
	default:
		return "corrupted"
	}
}

// stateBitmap packs one FrameState per 2 bits; frame i lives in word i/32 at
// bit offset (i%32)*2.
type stateBitmap []uint64

// stateBitmapBytes returns the number of bytes needed to track frameCount
// frames.
func stateBitmapBytes(frameCount uint64) mem.Size {
	return mem.Size((frameCount+statesPerWord-1)/statesPerWord) << mem.PointerShift
}

// overlayStateBitmap interprets region as a stateBitmap. The region must be
// 8-byte aligned and its length a multiple of 8.
func overlayStateBitmap(region []byte) stateBitmap {
	if len(region) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&region[0])), len(region)>>mem.PointerShift)
}

func (b stateBitmap) get(index uint64) FrameState {
	shift := (index % statesPerWord) * stateBits
	return FrameState((b[index/statesPerWord] >> shift) & stateMask)
}

func (b stateBitmap) set(index uint64, state FrameState) {
	shift := (index % statesPerWord) * stateBits
	word := &b[index/statesPerWord]
	*word = (*word &^ (stateMask << shift)) | uint64(state)<<shift
}

// compareAndSet stores state for the given index only if the current state
// equals expected. It reports whether the store happened.
func (b stateBitmap) compareAndSet(index uint64, state, expected FrameState) bool {
	if b.get(index) != expected {
		return false
	}
	b.set(index, state)
	return true
}

// hasUnallocated returns true if any 2-bit state in word is Unallocated.
func hasUnallocated(word uint64) bool {
	return (word|word>>1)&lowBitsMask != lowBitsMask
}
