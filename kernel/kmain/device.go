package kmain

import (
	"kmem/kernel"
	"kmem/kernel/mem"
	"kmem/kernel/mem/mmio"
	"kmem/kernel/mem/pmm"
)

var (
	errNoFramebuffer = &kernel.Error{Module: "kmain", Message: "loader did not set up a framebuffer"}
	errDeviceInUse   = &kernel.Error{Module: "kmain", Message: "device memory is owned by another consumer"}
	errEmptyDevice   = &kernel.Error{Module: "kmain", Message: "device memory region is empty"}
)

// framebufferDepth is the number of bytes per framebuffer pixel.
const framebufferDepth = 4

// MapDevice maps the size bytes of device memory at physAddr into the
// kernel address space. Frames the firmware did not report as reserved are
// locked in the frame allocator first; frames that are already allocated
// belong to someone else and are refused.
func (ctx *Context) MapDevice(physAddr mem.PhysicalAddress, size mem.Size) (*mmio.Mapped, *kernel.Error) {
	if size == 0 {
		return nil, errEmptyDevice
	}

	start := pmm.FrameFromAddress(physAddr)
	end := pmm.FrameFromAddress(physAddr.Add(uintptr(size)).AlignUp(mem.PageSize))
	frames := pmm.NewFrameIterator(start, uint64(end-start))

	for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
		if state := ctx.Frames.State(frame); state != pmm.Reserved && state != pmm.Unallocated {
			log.Error().Uint64("frame", uint64(frame)).Str("state", state.String()).Msg("refusing to map device frame")
			return nil, errDeviceInUse
		}
	}

	frames.Reset()
	for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
		if ctx.Frames.State(frame) == pmm.Unallocated {
			ctx.Frames.Lock(frame)
		}
	}

	region := mmio.NewUnmapped(frames).Map(ctx.Heap)
	log.Debug().
		Uint64("phys", uint64(physAddr)).
		Uint64("virt", uint64(region.Addr())).
		Uint64("pages", frames.Len()).
		Msg("mapped device memory")
	return region, nil
}

// MapFramebuffer maps the framebuffer the loader set up.
func (ctx *Context) MapFramebuffer() (*mmio.Mapped, *kernel.Error) {
	fb := ctx.Info.Framebuffer
	if fb == nil {
		return nil, errNoFramebuffer
	}

	return ctx.MapDevice(fb.PhysAddr, mem.Size(fb.Width*fb.Height*framebufferDepth))
}

// ReadPhysical copies the physical memory at physAddr into buf through the
// physical memory window of the kernel address space.
func (ctx *Context) ReadPhysical(physAddr mem.PhysicalAddress, buf []byte) {
	ctx.Heap.Read(ctx.Heap.PhysicalMemoryWindow(physAddr), buf)
}
