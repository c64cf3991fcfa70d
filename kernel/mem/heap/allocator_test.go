package heap

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"kmem/kernel"
	"kmem/kernel/cpu"
	"kmem/kernel/hal/bootinfo"
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
	"kmem/kernel/mem/vmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var _ FrameAllocator = (*pmm.FrameAllocator)(nil)

const (
	testStackTop    = 0x18000
	testStackMarker = uint64(0xcafe_f00d_dead_beef)
)

// testMemoryMap describes 64 KiB of firmware memory, a 32 KiB boot stack and
// usable memory up to 4 MiB.
var testMemoryMap = []bootinfo.MemoryDescriptor{
	{Type: bootinfo.MemReserved, PhysicalStart: 0, PageCount: 16},
	{Type: bootinfo.MemBootServicesData, PhysicalStart: 0x10000, PageCount: 8},
	{Type: bootinfo.MemConventional, PhysicalStart: 0x18000, PageCount: 1000},
}

type testMachine struct {
	heap   *Allocator
	frames *pmm.FrameAllocator
	ram    *pmm.RAM
	regs   *cpu.Registers
}

// newTestMachine boots a heap over simulated RAM. The boot stack holds a
// marker right below the stack pointer.
func newTestMachine(t *testing.T, stackSize mem.Size) *testMachine {
	t.Helper()

	ram, err := pmm.NewRAM(4 * mem.Mb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ram.Close() })

	m := &testMachine{
		frames: pmm.NewFrameAllocator(testMemoryMap, ram),
		ram:    ram,
		regs:   cpu.NewRegisters(testStackTop - 8),
	}
	binary.LittleEndian.PutUint64(ram.Region(testStackTop-8, 8), testStackMarker)

	m.heap = New(m.frames, ram)
	kerr := m.heap.Init(func() (vmm.Addressor, *kernel.Error) {
		return vmm.NewPageTable(m.frames, ram, m.regs)
	}, pmm.NewFrameIterator(16, 8), m.regs, stackSize)
	require.Nil(t, kerr)

	return m
}

func TestBlocksFor(t *testing.T) {
	specs := []struct {
		size mem.Size
		exp  uint64
	}{
		{0, 1},
		{1, 1},
		{16, 1},
		{17, 2},
		{100, 7},
		{4096, 256},
		{math.MaxUint64 - 5, 1 << 60},
		{math.MaxUint64, 1 << 60},
	}

	for specIndex, spec := range specs {
		if got := blocksFor(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected blocksFor(%d) = %d; got %d", specIndex, spec.size, spec.exp, got)
		}
	}
}

func TestInit(t *testing.T) {
	m := newTestMachine(t, 64*mem.Kb)

	t.Run("reserved frames are identity mapped", func(t *testing.T) {
		for _, frame := range []pmm.Frame{0, 15, m.frames.BitmapFrames().Start()} {
			got, err := m.heap.addressor.Translate(vmm.Page(frame))
			require.Nil(t, err)
			require.Equal(t, frame, got)
			require.True(t, m.heap.IsAllocated(vmm.Page(frame).Address()))
		}
	})

	t.Run("address space is active", func(t *testing.T) {
		pt := m.heap.addressor.(*vmm.PageTable)
		require.Equal(t, uintptr(pt.Root().Address()), m.regs.ActivePDT())
		require.Equal(t, vmm.PageFromAddress(PhysicalWindowBase), pt.MappedPage())
	})

	t.Run("stack is relocated", func(t *testing.T) {
		sp := mem.VirtualAddress(m.regs.StackPointer())
		require.NotEqual(t, mem.VirtualAddress(testStackTop-8), sp)
		require.True(t, m.heap.IsAllocated(sp))

		buf := make([]byte, 8)
		m.heap.Read(sp, buf)
		require.Equal(t, testStackMarker, binary.LittleEndian.Uint64(buf))

		// The boot stack is copied to the top of the new stack.
		require.True(t, m.heap.IsAllocated(sp.Sub(uintptr(56*mem.Kb))))
		require.True(t, m.heap.IsAllocated(sp.Add(7)))
		require.False(t, m.heap.IsAllocated(sp.Add(8)))
	})

	t.Run("boot stack frames are released", func(t *testing.T) {
		for frame := pmm.Frame(16); frame < 24; frame++ {
			require.Equalf(t, pmm.Unallocated, m.frames.State(frame), "frame %d", frame)
			require.False(t, m.heap.IsAllocated(vmm.Page(frame).Address()))

			_, err := m.heap.addressor.Translate(vmm.Page(frame))
			require.Equal(t, vmm.ErrInvalidMapping, err)
		}
	})
}

func TestInitErrors(t *testing.T) {
	ram, err := pmm.NewRAM(4 * mem.Mb)
	require.NoError(t, err)
	defer func() { _ = ram.Close() }()

	frames := pmm.NewFrameAllocator(testMemoryMap, ram)
	heap := New(frames, ram)
	regs := cpu.NewRegisters(testStackTop - 8)

	require.PanicsWithValue(t, errNoBootStack, func() {
		_ = heap.Init(nil, pmm.NewFrameIterator(16, 0), regs, mem.PageSize)
	})

	expErr := &kernel.Error{Module: "test", Message: "no address space"}
	kerr := heap.Init(func() (vmm.Addressor, *kernel.Error) {
		return nil, expErr
	}, pmm.NewFrameIterator(16, 8), regs, mem.PageSize)
	require.Equal(t, expErr, kerr)
}

func TestAllocDealloc(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	p1 := m.heap.Alloc(100, 16)
	p2 := m.heap.Alloc(16, 16)
	require.Equal(t, p1.Add(112), p2)

	for offset := uintptr(0); offset < 112; offset += BlockSize {
		require.True(t, m.heap.IsAllocated(p1.Add(offset)))
	}

	m.heap.Dealloc(p1, 100)
	for offset := uintptr(0); offset < 112; offset += BlockSize {
		require.False(t, m.heap.IsAllocated(p1.Add(offset)))
	}
	require.True(t, m.heap.IsAllocated(p2))

	// The page still holds p2 and stays mapped.
	_, err := m.heap.addressor.Translate(vmm.PageFromAddress(p2))
	require.Nil(t, err)

	// The freed range is reused first.
	require.Equal(t, p1, m.heap.Alloc(32, 16))
}

func TestDeallocFreesFrame(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	usedBefore := m.frames.UsedMemory()
	ptr := m.heap.Alloc(mem.PageSize, mem.PageSize)
	require.Equal(t, usedBefore+mem.PageSize, m.frames.UsedMemory())

	frame, err := m.heap.addressor.Translate(vmm.PageFromAddress(ptr))
	require.Nil(t, err)
	require.Equal(t, pmm.Allocated, m.frames.State(frame))

	freeBefore := m.frames.FreeMemory()
	m.heap.Dealloc(ptr, mem.PageSize)
	require.Equal(t, freeBefore+mem.PageSize, m.frames.FreeMemory())
	require.Equal(t, pmm.Unallocated, m.frames.State(frame))

	_, err = m.heap.addressor.Translate(vmm.PageFromAddress(ptr))
	require.Equal(t, vmm.ErrInvalidMapping, err)
}

func TestAllocZeroesNewPages(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	ptr := m.heap.Alloc(64, 16)
	m.heap.Write(ptr, []byte{1, 2, 3, 4})
	m.heap.Dealloc(ptr, 64)

	ptr = m.heap.Alloc(64, 16)
	buf := make([]byte, 4)
	m.heap.Read(ptr, buf)
	require.Equal(t, []byte{0, 0, 0, 0}, buf)
}

func TestDeallocErrors(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	ptr := m.heap.Alloc(48, 16)
	m.heap.Dealloc(ptr, 48)

	require.PanicsWithValue(t, errDoubleFree, func() { m.heap.Dealloc(ptr, 48) })
	require.PanicsWithValue(t, errMisalignedPointer, func() { m.heap.Dealloc(ptr.Add(3), 16) })
	require.PanicsWithValue(t, errInvalidPointer, func() {
		m.heap.Dealloc(vmm.Page(m.heap.PageCount()).Address(), 16)
	})

	// A panic must not leave the block map locked.
	require.Equal(t, ptr, m.heap.Alloc(16, 16))
}

func TestAllocTooLarge(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)
	statsBefore := m.heap.Stats()

	require.PanicsWithValue(t, errAllocTooLarge, func() { m.heap.Alloc(math.MaxUint64-5, 16) })
	require.PanicsWithValue(t, errAllocTooLarge, func() { m.heap.Alloc(16, 1<<63) })
	require.Equal(t, statsBefore, m.heap.Stats())

	ptr := m.heap.Alloc(16, 16)
	require.PanicsWithValue(t, errInvalidPointer, func() { m.heap.Dealloc(ptr, math.MaxUint64-5) })
	require.True(t, m.heap.IsAllocated(ptr))
	m.heap.Dealloc(ptr, 16)
	require.Equal(t, statsBefore, m.heap.Stats())
}

func TestDeallocPartiallyFreeRange(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	ptr := m.heap.Alloc(48, 16)
	frame, err := m.heap.addressor.Translate(vmm.PageFromAddress(ptr))
	require.Nil(t, err)
	statsBefore := m.heap.Stats()

	// Only the first three blocks of the range are in use.
	require.PanicsWithValue(t, errDoubleFree, func() { m.heap.Dealloc(ptr, 128) })

	require.Equal(t, statsBefore, m.heap.Stats())
	for offset := uintptr(0); offset < 48; offset += BlockSize {
		require.True(t, m.heap.IsAllocated(ptr.Add(offset)))
	}
	got, err := m.heap.addressor.Translate(vmm.PageFromAddress(ptr))
	require.Nil(t, err)
	require.Equal(t, frame, got)
	require.Equal(t, pmm.Allocated, m.frames.State(frame))

	m.heap.Dealloc(ptr, 48)
	require.False(t, m.heap.IsAllocated(ptr))
}

func TestAllocAlignment(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)
	rng := rand.New(rand.NewSource(42))

	type allocation struct {
		addr mem.VirtualAddress
		size mem.Size
	}
	var live []allocation

	for iteration := 0; iteration < 200; iteration++ {
		size := mem.Size(rng.Intn(3000))
		align := mem.Size(16) << uint(rng.Intn(9))

		addr := m.heap.Alloc(size, align)
		require.Truef(t, addr.IsAligned(align), "alloc(%d, %d) = %x", size, align, addr)
		for offset := uintptr(0); offset < uintptr(blocksFor(size)*BlockSize); offset += BlockSize {
			require.True(t, m.heap.IsAllocated(addr.Add(offset)))
		}
		live = append(live, allocation{addr, size})

		if rng.Intn(3) == 0 {
			victim := rng.Intn(len(live))
			m.heap.Dealloc(live[victim].addr, live[victim].size)
			live = append(live[:victim], live[victim+1:]...)
		}
	}

	for _, a := range live {
		m.heap.Dealloc(a.addr, a.size)
	}
}

func TestAllocUnalignedRequests(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	for _, align := range []mem.Size{0, 1, 8, 24} {
		ptr := m.heap.Alloc(8, align)
		require.True(t, ptr.IsAligned(m.heap.MinimumAlignment()))
		m.heap.Dealloc(ptr, 8)
	}
}

func TestAllocSpanningPages(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	ptr := m.heap.Alloc(3*mem.PageSize+48, 16)
	data := make([]byte, 3*mem.PageSize+48)
	for i := range data {
		data[i] = byte(i * 7)
	}
	m.heap.Write(ptr, data)

	got := make([]byte, len(data))
	m.heap.Read(ptr, got)
	require.Equal(t, data, got)

	require.PanicsWithValue(t, errUnmappedAccess, func() {
		m.heap.Read(vmm.Page(m.heap.PageCount()-1).Address(), got[:1])
	})
}

func TestGrowKeepsAllocations(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	ptr := m.heap.Alloc(32, 16)
	m.heap.Write(ptr, []byte("persist"))

	pagesBefore := m.heap.PageCount()
	statsBefore := m.heap.Stats()

	m.heap.Grow(blocksPerMetaPage + 1)
	require.Equal(t, 4*pagesBefore, m.heap.PageCount())

	stats := m.heap.Stats()
	require.Equal(t, uint64(4), stats.MetaPages)
	require.Equal(t, statsBefore.UsedBlocks, stats.UsedBlocks)
	require.True(t, m.heap.IsAllocated(ptr))

	buf := make([]byte, 7)
	m.heap.Read(ptr, buf)
	require.Equal(t, "persist", string(buf))
}

func TestAllocGrowsMap(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)
	require.Equal(t, uint64(blockPagesPerMetaPage), m.heap.PageCount())
	mappedBefore := m.heap.Stats().MappedPages

	// 150 pages need five more metadata pages; the map doubles to eight.
	ptr := m.heap.Alloc(600*mem.Kb, mem.PageSize)
	require.Equal(t, uint64(8*blockPagesPerMetaPage), m.heap.PageCount())
	require.True(t, m.heap.IsAllocated(ptr.Add(uintptr(600*mem.Kb-1))))
	require.Equal(t, mappedBefore+150, m.heap.Stats().MappedPages)
}

func TestIdentityMapGrowsMap(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	require.Equal(t, uint64(blockPagesPerMetaPage), m.heap.PageCount())

	m.heap.IdentityMap(pmm.Frame(blockPagesPerMetaPage+5), false)
	require.Equal(t, uint64(2*blockPagesPerMetaPage), m.heap.PageCount())
	require.True(t, m.heap.IsAllocated(vmm.Page(blockPagesPerMetaPage+5).Address()))
}

func TestAllocTo(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	run, ok := m.frames.LockNextCount(3)
	require.True(t, ok)

	for index := uint64(0); index < 3; index++ {
		frame := run.Start() + pmm.Frame(index)
		kernel.Memset(m.ram.Region(frame.Address(), mem.PageSize), byte(0xa0+index))
	}

	ptr := m.heap.AllocTo(run)
	require.True(t, ptr.IsAligned(mem.PageSize))
	require.Zero(t, run.Remaining())

	for index := uint64(0); index < 3; index++ {
		page := vmm.PageFromAddress(ptr).Offset(index)
		frame, err := m.heap.addressor.Translate(page)
		require.Nil(t, err)
		require.Equal(t, run.Start()+pmm.Frame(index), frame)

		// Contents are preserved.
		buf := make([]byte, 2)
		m.heap.Read(page.Address().Add(100), buf)
		require.Equal(t, []byte{byte(0xa0 + index), byte(0xa0 + index)}, buf)
	}

	m.heap.Write(ptr.Add(uintptr(mem.PageSize)), []byte{0x55})
	require.Equal(t, byte(0x55), m.ram.Region((run.Start() + 1).Address(), 1)[0])

	require.PanicsWithValue(t, errEmptyFrameRun, func() {
		m.heap.AllocTo(pmm.NewFrameIterator(0, 0))
	})
}

func TestIdentityMap(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	frame, ok := m.frames.LockNext()
	require.True(t, ok)

	m.heap.IdentityMap(frame, true)
	got, err := m.heap.addressor.Translate(vmm.Page(frame))
	require.Nil(t, err)
	require.Equal(t, frame, got)

	require.PanicsWithValue(t, errIdentityMapInUse, func() { m.heap.IdentityMap(frame, false) })
}

func TestPhysicalMemoryWindow(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)

	require.Equal(t, mem.Size(BlockSize), m.heap.MinimumAlignment())
	require.Equal(t, PhysicalWindowBase, m.heap.PhysicalMemoryWindow(0))
	require.Equal(t, mem.VirtualAddress(0xFFFF_8000_0012_3456), m.heap.PhysicalMemoryWindow(0x12_3456))

	t.Run("read", func(t *testing.T) {
		copy(m.ram.Region(0x3f0000, 8), []byte("physical"))

		buf := make([]byte, 8)
		m.heap.Read(m.heap.PhysicalMemoryWindow(0x3f0000), buf)
		require.Equal(t, []byte("physical"), buf)
	})

	t.Run("write across a page boundary", func(t *testing.T) {
		addr := mem.PhysicalAddress(0x3f1000 - 4)
		m.heap.Write(m.heap.PhysicalMemoryWindow(addr), []byte("boundary"))
		require.Equal(t, []byte("boundary"), m.ram.Region(addr, 8))
	})

	t.Run("window pages are not heap pages", func(t *testing.T) {
		require.False(t, m.heap.IsAllocated(m.heap.PhysicalMemoryWindow(0x3f0000)))
	})
}

func TestConcurrentAlloc(t *testing.T) {
	m := newTestMachine(t, 16*mem.Kb)
	usedBefore := m.heap.Stats().UsedBlocks

	type allocation struct {
		addr mem.VirtualAddress
		size mem.Size
	}
	results := make([][]allocation, 8)

	var group errgroup.Group
	for worker := range results {
		worker := worker
		group.Go(func() error {
			rng := rand.New(rand.NewSource(int64(worker)))
			for iteration := 0; iteration < 50; iteration++ {
				size := mem.Size(1 + rng.Intn(512))
				addr := m.heap.Alloc(size, 16)

				tag := []byte{byte(worker), byte(iteration)}
				m.heap.Write(addr, tag)
				results[worker] = append(results[worker], allocation{addr, size})
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	seen := make(map[mem.VirtualAddress]bool)
	for worker, allocs := range results {
		for iteration, a := range allocs {
			assert.False(t, seen[a.addr], "address %x handed out twice", a.addr)
			seen[a.addr] = true

			buf := make([]byte, 2)
			m.heap.Read(a.addr, buf)
			assert.Equal(t, []byte{byte(worker), byte(iteration)}, buf)
		}
	}

	for _, allocs := range results {
		for _, a := range allocs {
			m.heap.Dealloc(a.addr, a.size)
		}
	}
	require.Equal(t, usedBefore, m.heap.Stats().UsedBlocks)
}
