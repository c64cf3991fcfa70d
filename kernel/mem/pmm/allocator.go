package pmm

import (
	"kmem/kernel"
	"kmem/kernel/hal/bootinfo"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/sync"
)

var (
	errNoMemoryMap      = &kernel.Error{Module: "pmm", Message: "empty memory map"}
	errNoBitmapRegion   = &kernel.Error{Module: "pmm", Message: "no memory region large enough for the frame state bitmap"}
	errFrameOutOfRange  = &kernel.Error{Module: "pmm", Message: "frame index exceeds physical memory"}
	errFreeNotAllocated = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated"}
	errLockNotFree      = &kernel.Error{Module: "pmm", Message: "attempted to lock a frame that is not free"}
	errReserveNotFree   = &kernel.Error{Module: "pmm", Message: "attempted to reserve a frame that is not free"}

	log = kfmt.Logger("pmm")
)

// FrameVisitor is invoked by VisitFrames for every frame. The visitor must
// return true to continue or false to abort the scan. Visitors must not call
// back into the allocator.
type FrameVisitor func(frame Frame, state FrameState) bool

// FrameAllocator is the ground truth of physical frame ownership. It keeps
// a FrameState for every frame of physical memory in a bitmap that lives in
// physical memory itself.
type FrameAllocator struct {
	// lock guards the state bitmap and the memory counters.
	lock sync.RWSpinlock

	states     stateBitmap
	frameCount uint64

	// bitmapFrames is the run of frames hosting the state bitmap.
	bitmapFrames FrameIterator

	totalMemory    mem.Size
	freeMemory     mem.Size
	usedMemory     mem.Size
	reservedMemory mem.Size
}

// NewFrameAllocator builds a frame allocator covering every frame described
// by memoryMap. The state bitmap is placed in the first usable region large
// enough to host it. The null frame, the frames backing the bitmap, frames
// of reserved regions and frames not described by the map start out
// Reserved; all other frames start out Unallocated.
//
// A memory map without a region that can host the bitmap halts the kernel.
func NewFrameAllocator(memoryMap []bootinfo.MemoryDescriptor, memory Memory) *FrameAllocator {
	if len(memoryMap) == 0 {
		kfmt.Panic(errNoMemoryMap)
	}

	var totalMemory mem.PhysicalAddress
	for _, desc := range memoryMap {
		if end := desc.End(); end > totalMemory {
			totalMemory = end
		}
	}

	frameCount := uint64(totalMemory >> mem.PageShift)
	bitmapPages := stateBitmapBytes(frameCount).Pages()

	bitmapStart, found := InvalidFrame, false
	for _, desc := range memoryMap {
		if !desc.Type.IsUsable() {
			continue
		}

		start, pageCount := FrameFromAddress(desc.PhysicalStart.AlignUp(mem.PageSize)), desc.PageCount
		if start == 0 && pageCount > 0 {
			// Never place the bitmap on the null frame.
			start, pageCount = 1, pageCount-1
		}

		if pageCount >= bitmapPages {
			bitmapStart, found = start, true
			break
		}
	}

	if !found {
		log.Error().
			Uint64("frames", frameCount).
			Uint64("bitmap_pages", bitmapPages).
			Msg("cannot place frame state bitmap")
		kfmt.Panic(errNoBitmapRegion)
	}

	region := memory.Region(bitmapStart.Address(), mem.Size(bitmapPages)<<mem.PageShift)
	kernel.Memset(region, 0)

	alloc := &FrameAllocator{
		states:       overlayStateBitmap(region),
		frameCount:   frameCount,
		bitmapFrames: FrameIterator{start: bitmapStart, count: bitmapPages},
		totalMemory:  mem.Size(frameCount) << mem.PageShift,
		freeMemory:   mem.Size(frameCount) << mem.PageShift,
	}

	alloc.Reserve(Frame(0))
	alloc.ReserveRange(&FrameIterator{start: bitmapStart, count: bitmapPages})

	for _, desc := range memoryMap {
		if desc.Type.IsReserved() {
			alloc.reserveUntracked(FrameFromAddress(desc.PhysicalStart), desc.PageCount)
		}
	}
	alloc.reserveHoles(memoryMap)

	log.Info().
		Uint64("frames", frameCount).
		Uint64("bitmap_frame", uint64(bitmapStart)).
		Uint64("bitmap_pages", bitmapPages).
		Uint64("total_kb", uint64(alloc.totalMemory/mem.Kb)).
		Uint64("reserved_kb", uint64(alloc.reservedMemory/mem.Kb)).
		Msg("frame allocator initialized")

	return alloc
}

// reserveUntracked reserves every frame of the run that is not already
// reserved.
func (alloc *FrameAllocator) reserveUntracked(start Frame, count uint64) {
	for frame := start; frame < start+Frame(count); frame++ {
		if alloc.State(frame) != Reserved {
			alloc.Reserve(frame)
		}
	}
}

// reserveHoles reserves the frames that no memory map entry describes.
func (alloc *FrameAllocator) reserveHoles(memoryMap []bootinfo.MemoryDescriptor) {
	for frame := Frame(0); uint64(frame) < alloc.frameCount; frame++ {
		described := false
		for _, desc := range memoryMap {
			if desc.Contains(frame.Address()) {
				described = true
				break
			}
		}

		if !described && alloc.State(frame) != Reserved {
			alloc.Reserve(frame)
		}
	}
}

// checkFrame halts the kernel if frame lies past the end of physical memory.
func (alloc *FrameAllocator) checkFrame(frame Frame) {
	if uint64(frame) >= alloc.frameCount {
		log.Error().Uint64("frame", uint64(frame)).Uint64("frames", alloc.frameCount).Msg("frame out of range")
		kfmt.Panic(errFrameOutOfRange)
	}
}

// transition moves frame from the expected state to next, halting the
// kernel if the frame is in any other state. The caller must hold the write
// lock.
func (alloc *FrameAllocator) transition(frame Frame, next, expected FrameState, err *kernel.Error) {
	alloc.checkFrame(frame)

	if !alloc.states.compareAndSet(uint64(frame), next, expected) {
		log.Error().
			Uint64("frame", uint64(frame)).
			Stringer("state", alloc.states.get(uint64(frame))).
			Stringer("expected", expected).
			Stringer("next", next).
			Msg("invalid frame state transition")
		kfmt.Panic(err)
	}

	switch expected {
	case Allocated:
		alloc.usedMemory -= mem.PageSize
	case Unallocated:
		alloc.freeMemory -= mem.PageSize
	}

	switch next {
	case Unallocated:
		alloc.freeMemory += mem.PageSize
	case Allocated:
		alloc.usedMemory += mem.PageSize
	case Reserved:
		alloc.reservedMemory += mem.PageSize
	}

	log.Trace().Uint64("frame", uint64(frame)).Stringer("state", next).Msg("frame transition")
}

// Free returns an Allocated frame to the pool. Freeing a frame in any other
// state halts the kernel.
func (alloc *FrameAllocator) Free(frame Frame) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	alloc.transition(frame, Unallocated, Allocated, errFreeNotAllocated)
}

// Lock claims an Unallocated frame. Locking a frame in any other state halts
// the kernel.
func (alloc *FrameAllocator) Lock(frame Frame) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	alloc.transition(frame, Allocated, Unallocated, errLockNotFree)
}

// Reserve permanently withdraws an Unallocated frame from the pool.
// Reserving a frame in any other state halts the kernel.
func (alloc *FrameAllocator) Reserve(frame Frame) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	alloc.transition(frame, Reserved, Unallocated, errReserveNotFree)
}

// FreeRange frees every remaining frame of the iterator.
func (alloc *FrameAllocator) FreeRange(frames *FrameIterator) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
		alloc.transition(frame, Unallocated, Allocated, errFreeNotAllocated)
	}
}

// LockRange locks every remaining frame of the iterator.
func (alloc *FrameAllocator) LockRange(frames *FrameIterator) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
		alloc.transition(frame, Allocated, Unallocated, errLockNotFree)
	}
}

// ReserveRange reserves every remaining frame of the iterator.
func (alloc *FrameAllocator) ReserveRange(frames *FrameIterator) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
		alloc.transition(frame, Reserved, Unallocated, errReserveNotFree)
	}
}

// LockNext locks and returns the lowest Unallocated frame. The second
// return value is false if physical memory is exhausted.
func (alloc *FrameAllocator) LockNext() (Frame, bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for wordIndex, word := range alloc.states {
		if !hasUnallocated(word) {
			continue
		}

		for index := uint64(wordIndex) * statesPerWord; index < uint64(wordIndex+1)*statesPerWord && index < alloc.frameCount; index++ {
			if alloc.states.get(index) == Unallocated {
				alloc.transition(Frame(index), Allocated, Unallocated, errLockNotFree)
				return Frame(index), true
			}
		}
	}

	return InvalidFrame, false
}

// LockNextCount locks the lowest run of count contiguous Unallocated frames
// and returns an iterator over it. The second return value is false if no
// such run exists; no frame changes state in that case.
func (alloc *FrameAllocator) LockNextCount(count uint64) (*FrameIterator, bool) {
	if count == 0 {
		return nil, false
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for start := uint64(0); start+count <= alloc.frameCount; {
		run := uint64(0)
		for run < count && alloc.states.get(start+run) == Unallocated {
			run++
		}

		if run == count {
			for index := start; index < start+count; index++ {
				alloc.transition(Frame(index), Allocated, Unallocated, errLockNotFree)
			}
			return &FrameIterator{start: Frame(start), count: count}, true
		}

		// The frame at start+run is occupied; no run can include it.
		start += run + 1
	}

	return nil, false
}

// State returns the current state of frame.
func (alloc *FrameAllocator) State(frame Frame) FrameState {
	alloc.checkFrame(frame)

	alloc.lock.RAcquire()
	defer alloc.lock.RRelease()
	return alloc.states.get(uint64(frame))
}

// VisitFrames invokes visitor for each frame in index order while holding
// the read lock.
func (alloc *FrameAllocator) VisitFrames(visitor FrameVisitor) {
	alloc.lock.RAcquire()
	defer alloc.lock.RRelease()

	for index := uint64(0); index < alloc.frameCount; index++ {
		if !visitor(Frame(index), alloc.states.get(index)) {
			return
		}
	}
}

// FrameCount returns the number of frames tracked by the allocator.
func (alloc *FrameAllocator) FrameCount() uint64 {
	return alloc.frameCount
}

// BitmapFrames returns the run of frames that host the state bitmap.
func (alloc *FrameAllocator) BitmapFrames() *FrameIterator {
	it := alloc.bitmapFrames
	it.Reset()
	return &it
}

// TotalMemory returns the amount of physical memory tracked.
func (alloc *FrameAllocator) TotalMemory() mem.Size {
	return alloc.totalMemory
}

// FreeMemory returns the amount of memory in Unallocated frames.
func (alloc *FrameAllocator) FreeMemory() mem.Size {
	alloc.lock.RAcquire()
	defer alloc.lock.RRelease()
	return alloc.freeMemory
}

// UsedMemory returns the amount of memory in Allocated frames.
func (alloc *FrameAllocator) UsedMemory() mem.Size {
	alloc.lock.RAcquire()
	defer alloc.lock.RRelease()
	return alloc.usedMemory
}

// ReservedMemory returns the amount of memory in Reserved frames.
func (alloc *FrameAllocator) ReservedMemory() mem.Size {
	alloc.lock.RAcquire()
	defer alloc.lock.RRelease()
	return alloc.reservedMemory
}
