// Package kmain brings up the memory-management core of the kernel.
package kmain

import (
	"kmem/kernel"
	"kmem/kernel/cpu"
	"kmem/kernel/hal/bootinfo"
	"kmem/kernel/kfmt"
	"kmem/kernel/mem"
	"kmem/kernel/mem/heap"
	"kmem/kernel/mem/pmm"
	"kmem/kernel/mem/vmm"

	"github.com/rs/zerolog"
)

// DefaultStackSize is the size of the kernel stack allocated on the heap
// during boot.
const DefaultStackSize = 1 * mem.Mb

var (
	errNoStackRegion = &kernel.Error{Module: "kmain", Message: "stack pointer is not inside any memory region"}

	log = kfmt.Logger("kmain")
)

// Config holds the kernel boot parameters.
type Config struct {
	// StackSize is the minimum size of the relocated kernel stack.
	StackSize mem.Size

	// LogLevel is the verbosity of kernel logging.
	LogLevel zerolog.Level
}

// DefaultConfig returns the boot parameters used when the loader supplies
// none.
func DefaultConfig() Config {
	return Config{StackSize: DefaultStackSize, LogLevel: zerolog.InfoLevel}
}

// Context holds the long-lived kernel subsystems. It is created once by
// Kmain and passed to every subsystem that allocates memory or manages
// frames.
type Context struct {
	Info      *bootinfo.Info
	CPU       *cpu.Registers
	Memory    pmm.Memory
	Frames    *pmm.FrameAllocator
	Addressor *vmm.PageTable
	Heap      *heap.Allocator
}

// Kmain boots the memory-management core from the raw boot info block the
// loader placed in memory. Any failure halts the kernel.
//
// On return the kernel runs on a heap allocated stack inside its own address
// space.
func Kmain(rawInfo []byte, memory pmm.Memory, regs *cpu.Registers, cfg Config) *Context {
	kfmt.SetLevel(cfg.LogLevel)

	info, err := bootinfo.Decode(rawInfo)
	if err != nil {
		kfmt.Panic(err)
	}
	info.Validate()

	ctx := &Context{Info: info, CPU: regs, Memory: memory}

	stackDesc, found := info.FindStackDescriptor(regs.StackPointer())
	if !found {
		log.Error().Uint64("sp", uint64(regs.StackPointer())).Msg("cannot locate boot stack")
		kfmt.Panic(errNoStackRegion)
	}

	ctx.Frames = pmm.NewFrameAllocator(info.MemoryMap, memory)
	ctx.Heap = heap.New(ctx.Frames, memory)

	stack := pmm.NewFrameIterator(pmm.FrameFromAddress(stackDesc.PhysicalStart), stackDesc.PageCount)
	if err = ctx.Heap.Init(func() (vmm.Addressor, *kernel.Error) {
		pt, err := vmm.NewPageTable(ctx.Frames, memory, regs)
		ctx.Addressor = pt
		return pt, err
	}, stack, regs, cfg.StackSize); err != nil {
		kfmt.Panic(err)
	}

	ctx.logStats()
	return ctx
}

func (ctx *Context) logStats() {
	stats := ctx.Heap.Stats()
	log.Info().
		Uint64("total_kb", uint64(ctx.Frames.TotalMemory()/mem.Kb)).
		Uint64("free_kb", uint64(ctx.Frames.FreeMemory()/mem.Kb)).
		Uint64("used_kb", uint64(ctx.Frames.UsedMemory()/mem.Kb)).
		Uint64("reserved_kb", uint64(ctx.Frames.ReservedMemory()/mem.Kb)).
		Uint64("heap_pages", stats.Pages).
		Uint64("heap_mapped_pages", stats.MappedPages).
		Msg("memory subsystem ready")
}
