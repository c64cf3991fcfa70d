package heap

import (
	"kmem/kernel"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"
	"kmem/kernel/mem/vmm"
)

// PhysicalWindowBase is the first virtual address of the window through
// which all of physical memory is reachable once the heap is initialized.
const PhysicalWindowBase = mem.VirtualAddress(0xFFFF_8000_0000_0000)

var errNoBootStack = &kernel.Error{Module: "heap", Message: "boot stack region is empty"}

// StackPointer is the register state that stack relocation rewrites.
type StackPointer interface {
	StackPointer() uintptr
	AdjustStackPointer(delta int64)
}

// AddressorFactory creates the address space the heap maps its pages into.
type AddressorFactory func() (vmm.Addressor, *kernel.Error)

// Init builds the kernel address space and moves execution off the boot
// stack. It identity maps every reserved frame and every boot stack frame,
// installs the address space, copies the boot stack into a heap allocated
// stack of at least stackSize bytes and adjusts the stack pointer by the
// distance between the two. Boot stack frames the frame allocator considered
// free are released once the copy is done.
func (a *Allocator) Init(newAddressor AddressorFactory, stack *pmm.FrameIterator, sp StackPointer, stackSize mem.Size) *kernel.Error {
	if stack.Len() == 0 {
		kfmt.Panic(errNoBootStack)
	}

	// The boot stack may sit in memory the firmware handed over as usable.
	// Claim it before anything else can allocate from it.
	var claimed []pmm.Frame
	stack.Reset()
	for frame, ok := stack.Next(); ok; frame, ok = stack.Next() {
		if a.frames.State(frame) == pmm.Unallocated {
			a.frames.Lock(frame)
			claimed = append(claimed, frame)
		}
	}

	addressor, err := newAddressor()
	if err != nil {
		return err
	}
	a.addressor = addressor

	var reserved []pmm.Frame
	a.frames.VisitFrames(func(frame pmm.Frame, state pmm.FrameState) bool {
		if state == pmm.Reserved {
			reserved = append(reserved, frame)
		}
		return true
	})
	for _, frame := range reserved {
		a.IdentityMap(frame, true)
	}

	stack.Reset()
	for frame, ok := stack.Next(); ok; frame, ok = stack.Next() {
		if a.frames.State(frame) != pmm.Reserved {
			a.IdentityMap(frame, true)
		}
	}

	a.addressor.ModifyMappedPage(vmm.PageFromAddress(PhysicalWindowBase))
	a.addressor.SwapInto()

	log.Info().
		Int("reserved_frames", len(reserved)).
		Uint64("stack_frames", stack.Len()).
		Msg("kernel address space installed")

	a.relocateStack(stack, sp, stackSize)

	for _, frame := range claimed {
		a.releaseIdentityPage(frame)
	}

	return nil
}

// relocateStack copies the boot stack to the top of a new heap allocated
// stack and moves the stack pointer along with it.
func (a *Allocator) relocateStack(stack *pmm.FrameIterator, sp StackPointer, stackSize mem.Size) {
	oldSize := mem.Size(stack.Len()) * mem.PageSize
	size := max(stackSize.AlignUp(mem.PageSize), oldSize)

	base := a.Alloc(size, mem.PageSize)
	copyBase := base.Add(uintptr(size - oldSize))

	stack.Reset()
	for index := uintptr(0); ; index++ {
		frame, ok := stack.Next()
		if !ok {
			break
		}

		a.Write(copyBase.Add(index*uintptr(mem.PageSize)), a.memory.Region(frame.Address(), mem.PageSize))
	}

	oldBase := vmm.Page(stack.Start()).Address()
	delta := int64(copyBase) - int64(oldBase)
	sp.AdjustStackPointer(delta)

	log.Info().
		Uint64("old_base", uint64(oldBase)).
		Uint64("new_base", uint64(base)).
		Uint64("size", uint64(size)).
		Int64("delta", delta).
		Msg("relocated kernel stack")
}

// releaseIdentityPage drops the identity mapping of frame and returns it to
// the frame allocator.
func (a *Allocator) releaseIdentityPage(frame pmm.Frame) {
	a.mapLock.Acquire()
	defer a.mapLock.Release()

	a.blockPage(uint64(frame)).SetEmpty()
	a.unbackPage(vmm.Page(frame))
}
