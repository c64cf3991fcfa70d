package pmm

import (
	"sort"
	"sync"
	"testing"

	"kmem/kernel/hal/bootinfo"
	"kmem/kernel/mem"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newTestAllocator builds a frame allocator over simulated RAM sized to fit
// the memory map.
func newTestAllocator(t *testing.T, memoryMap []bootinfo.MemoryDescriptor) (*FrameAllocator, *RAM) {
	t.Helper()

	var end mem.PhysicalAddress
	for _, desc := range memoryMap {
		if desc.End() > end {
			end = desc.End()
		}
	}

	ram, err := NewRAM(mem.Size(end))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ram.Close() })

	return NewFrameAllocator(memoryMap, ram), ram
}

// reservedRegionMap describes 64 KiB of firmware-reserved memory followed by
// 1 MiB of usable memory.
var reservedRegionMap = []bootinfo.MemoryDescriptor{
	{Type: bootinfo.MemReserved, PhysicalStart: 0, PageCount: 16},
	{Type: bootinfo.MemConventional, PhysicalStart: 0x10000, PageCount: 256},
}

func TestNewFrameAllocator(t *testing.T) {
	alloc, _ := newTestAllocator(t, reservedRegionMap)

	require.Equal(t, uint64(272), alloc.FrameCount())
	require.Equal(t, mem.Size(272)*mem.PageSize, alloc.TotalMemory())

	// 16 frames of firmware memory plus one frame for the state bitmap.
	require.Equal(t, mem.Size(17)*mem.PageSize, alloc.ReservedMemory())
	require.Equal(t, alloc.TotalMemory()-alloc.ReservedMemory(), alloc.FreeMemory())
	require.Zero(t, alloc.UsedMemory())

	bitmapFrames := alloc.BitmapFrames()
	require.Equal(t, Frame(16), bitmapFrames.Start())
	require.Equal(t, uint64(1), bitmapFrames.Len())

	for frame := Frame(0); frame <= 16; frame++ {
		require.Equalf(t, Reserved, alloc.State(frame), "frame %d", frame)
	}
	for frame := Frame(17); frame < 272; frame++ {
		require.Equalf(t, Unallocated, alloc.State(frame), "frame %d", frame)
	}
}

func TestNewFrameAllocatorSkipsNullFrame(t *testing.T) {
	alloc, _ := newTestAllocator(t, []bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, PageCount: 64},
	})

	require.Equal(t, Frame(1), alloc.BitmapFrames().Start())
	require.Equal(t, Reserved, alloc.State(0))
	require.Equal(t, Reserved, alloc.State(1))
	require.Equal(t, Unallocated, alloc.State(2))
	require.Equal(t, mem.Size(2)*mem.PageSize, alloc.ReservedMemory())
}

func TestNewFrameAllocatorReservesHoles(t *testing.T) {
	alloc, _ := newTestAllocator(t, []bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, PageCount: 8},
		{Type: bootinfo.MemConventional, PhysicalStart: 0x10000, PageCount: 8},
	})

	for frame := Frame(8); frame < 16; frame++ {
		require.Equalf(t, Reserved, alloc.State(frame), "frame %d", frame)
	}
	require.Equal(t, Unallocated, alloc.State(16))
}

func TestNewFrameAllocatorBitmapPlacement(t *testing.T) {
	// 64 MiB of memory needs a 4 KiB bitmap; the first usable region is too
	// small and the boot services region may not host it.
	alloc, _ := newTestAllocator(t, []bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, PageCount: 1},
		{Type: bootinfo.MemBootServicesData, PhysicalStart: 0x1000, PageCount: 15},
		{Type: bootinfo.MemConventional, PhysicalStart: 0x10000, PageCount: 16368},
	})

	require.Equal(t, Frame(16), alloc.BitmapFrames().Start())
	require.Equal(t, Unallocated, alloc.State(1))
}

func TestNewFrameAllocatorErrors(t *testing.T) {
	ram, err := NewRAM(mem.Mb)
	require.NoError(t, err)
	defer ram.Close()

	require.PanicsWithValue(t, errNoMemoryMap, func() {
		NewFrameAllocator(nil, ram)
	})

	require.PanicsWithValue(t, errNoBitmapRegion, func() {
		NewFrameAllocator([]bootinfo.MemoryDescriptor{
			{Type: bootinfo.MemReserved, PhysicalStart: 0, PageCount: 256},
		}, ram)
	})
}

func TestFrameTransitions(t *testing.T) {
	alloc, _ := newTestAllocator(t, reservedRegionMap)
	free := alloc.FreeMemory()

	alloc.Lock(100)
	require.Equal(t, Allocated, alloc.State(100))
	require.Equal(t, free-mem.PageSize, alloc.FreeMemory())
	require.Equal(t, mem.PageSize, alloc.UsedMemory())

	require.PanicsWithValue(t, errLockNotFree, func() { alloc.Lock(100) })
	require.PanicsWithValue(t, errReserveNotFree, func() { alloc.Reserve(100) })

	alloc.Free(100)
	require.Equal(t, Unallocated, alloc.State(100))
	require.Equal(t, free, alloc.FreeMemory())
	require.Zero(t, alloc.UsedMemory())

	require.PanicsWithValue(t, errFreeNotAllocated, func() { alloc.Free(100) })
	require.PanicsWithValue(t, errFreeNotAllocated, func() { alloc.Free(0) })
	require.PanicsWithValue(t, errLockNotFree, func() { alloc.Lock(0) })
	require.PanicsWithValue(t, errFrameOutOfRange, func() { alloc.Lock(272) })
	require.PanicsWithValue(t, errFrameOutOfRange, func() { alloc.State(InvalidFrame) })

	reserved := alloc.ReservedMemory()
	alloc.Reserve(200)
	require.Equal(t, Reserved, alloc.State(200))
	require.Equal(t, reserved+mem.PageSize, alloc.ReservedMemory())
	require.Equal(t, free-mem.PageSize, alloc.FreeMemory())
}

func TestFrameRangeTransitions(t *testing.T) {
	alloc, _ := newTestAllocator(t, reservedRegionMap)
	free := alloc.FreeMemory()

	frames := NewFrameIterator(100, 10)
	alloc.LockRange(frames)
	require.Zero(t, frames.Remaining())
	require.Equal(t, 10*mem.PageSize, alloc.UsedMemory())

	frames.Reset()
	alloc.FreeRange(frames)
	require.Equal(t, free, alloc.FreeMemory())

	// A range that runs into an allocated frame halts midway.
	alloc.Lock(105)
	frames.Reset()
	require.PanicsWithValue(t, errReserveNotFree, func() { alloc.ReserveRange(frames) })
	require.Equal(t, Reserved, alloc.State(104))
}

func TestLockNext(t *testing.T) {
	alloc, _ := newTestAllocator(t, reservedRegionMap)

	frame, ok := alloc.LockNext()
	require.True(t, ok)
	require.Equal(t, Frame(17), frame)

	frame, ok = alloc.LockNext()
	require.True(t, ok)
	require.Equal(t, Frame(18), frame)

	alloc.Free(17)
	frame, ok = alloc.LockNext()
	require.True(t, ok)
	require.Equal(t, Frame(17), frame)

	// Drain physical memory.
	for remaining := alloc.FreeMemory() / mem.PageSize; remaining > 0; remaining-- {
		_, ok = alloc.LockNext()
		require.True(t, ok)
	}

	frame, ok = alloc.LockNext()
	require.False(t, ok)
	require.Equal(t, InvalidFrame, frame)
	require.Zero(t, alloc.FreeMemory())
}

func TestLockNextCount(t *testing.T) {
	alloc, _ := newTestAllocator(t, reservedRegionMap)

	alloc.Lock(20)
	alloc.Lock(26)

	// Frames 17-19 and 21-25 are too short for a run of 6.
	frames, ok := alloc.LockNextCount(6)
	require.True(t, ok)
	require.Equal(t, Frame(27), frames.Start())
	require.Equal(t, uint64(6), frames.Len())
	for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
		require.Equal(t, Allocated, alloc.State(frame))
	}

	frames, ok = alloc.LockNextCount(3)
	require.True(t, ok)
	require.Equal(t, Frame(17), frames.Start())

	used := alloc.UsedMemory()
	_, ok = alloc.LockNextCount(alloc.FrameCount())
	require.False(t, ok)
	require.Equal(t, used, alloc.UsedMemory(), "a failed search must not change any frame")

	_, ok = alloc.LockNextCount(0)
	require.False(t, ok)
}

func TestLockNextCountConcurrent(t *testing.T) {
	alloc, _ := newTestAllocator(t, []bootinfo.MemoryDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, PageCount: 4096},
	})

	var (
		mu     sync.Mutex
		claims []*FrameIterator
		group  errgroup.Group
	)

	for worker := 0; worker < 8; worker++ {
		runLen := uint64(worker%4 + 1)
		group.Go(func() error {
			for i := 0; i < 50; i++ {
				frames, ok := alloc.LockNextCount(runLen)
				if !ok {
					continue
				}
				mu.Lock()
				claims = append(claims, frames)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	sort.Slice(claims, func(i, j int) bool { return claims[i].Start() < claims[j].Start() })

	var claimed uint64
	for i, frames := range claims {
		claimed += frames.Len()
		if i > 0 {
			prev := claims[i-1]
			require.LessOrEqualf(t, uint64(prev.Start())+prev.Len(), uint64(frames.Start()), "runs %d and %d overlap", i-1, i)
		}
	}

	require.Equal(t, mem.Size(claimed)*mem.PageSize, alloc.UsedMemory())
}

func TestVisitFrames(t *testing.T) {
	alloc, _ := newTestAllocator(t, reservedRegionMap)

	var reserved []Frame
	alloc.VisitFrames(func(frame Frame, state FrameState) bool {
		if state == Reserved {
			reserved = append(reserved, frame)
		}
		return true
	})
	require.Len(t, reserved, 17)
	require.Equal(t, Frame(16), reserved[16])

	visited := 0
	alloc.VisitFrames(func(Frame, FrameState) bool {
		visited++
		return visited < 5
	})
	require.Equal(t, 5, visited)
}

func TestStateBitmapLivesInPhysicalMemory(t *testing.T) {
	alloc, ram := newTestAllocator(t, reservedRegionMap)

	alloc.Lock(33)

	// Frame 33 is state 1 at bit offset 2 of the second word.
	bitmap := ram.Region(Frame(16).Address(), 16)
	require.Equal(t, byte(Allocated)<<2, bitmap[8]&0x0c)
}
