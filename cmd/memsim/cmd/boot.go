package cmd

import (
	"fmt"
	"io"

	"kmem/kernel/kfmt"
	"kmem/kernel/mem"

	"github.com/spf13/cobra"
)

func newBootCmd(config *baseConfiguration) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the machine and print the memory map and allocator statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return bootCmd(cmd, config)
		},
	}
}

func bootCmd(cmd *cobra.Command, config *baseConfiguration) error {
	desc, err := loadMachine(config.MachineFile)
	if err != nil {
		return err
	}

	m, err := boot(desc, config.kernelConfig())
	if err != nil {
		return err
	}
	defer m.Close()

	out := &kfmt.PrefixWriter{Sink: cmd.OutOrStdout(), Prefix: []byte("[memsim] ")}
	writeMemoryMap(out, m)
	writeConfigTable(out, m)
	if err := paintFramebuffer(out, m); err != nil {
		return err
	}
	writeStats(out, m)
	return nil
}

func writeMemoryMap(out io.Writer, m *machine) {
	fmt.Fprintln(out, "memory map:")
	for _, desc := range m.kernel.Info.MemoryMap {
		fmt.Fprintf(out, "  %#012x - %#012x %8d KiB  %s\n",
			uint64(desc.PhysicalStart), uint64(desc.End()), uint64(desc.Size()/mem.Kb), desc.Type)
	}
}

// configTablePeek is the number of config table bytes printed by boot.
const configTablePeek = 16

// writeConfigTable dumps the head of the firmware config table as seen
// through the physical memory window.
func writeConfigTable(out io.Writer, m *machine) {
	table := m.kernel.Info.ConfigTable
	if table.Entries == 0 || uint64(table.Address)+configTablePeek > uint64(m.ram.Size()) {
		return
	}

	head := make([]byte, configTablePeek)
	m.kernel.ReadPhysical(table.Address, head)
	fmt.Fprintf(out, "config table: %d entries at %#x via %#x: % x\n",
		table.Entries, uint64(table.Address), uint64(m.kernel.Heap.PhysicalMemoryWindow(table.Address)), head)
}

func writeStats(out io.Writer, m *machine) {
	frames := m.kernel.Frames
	fmt.Fprintf(out, "frames: total %d KiB, free %d KiB, used %d KiB, reserved %d KiB\n",
		uint64(frames.TotalMemory()/mem.Kb),
		uint64(frames.FreeMemory()/mem.Kb),
		uint64(frames.UsedMemory()/mem.Kb),
		uint64(frames.ReservedMemory()/mem.Kb))

	stats := m.kernel.Heap.Stats()
	fmt.Fprintf(out, "heap: %d pages tracked by %d metadata pages, %d pages in use, %d blocks in use\n",
		stats.Pages, stats.MetaPages, stats.MappedPages, stats.UsedBlocks)
	fmt.Fprintf(out, "stack pointer: %#x\n", m.kernel.CPU.StackPointer())
}

// paintFramebuffer maps the framebuffer, if the loader set one up, and fills
// it with a gradient.
func paintFramebuffer(out io.Writer, m *machine) error {
	fbInfo := m.kernel.Info.Framebuffer
	if fbInfo == nil {
		return nil
	}

	fb, kerr := m.kernel.MapFramebuffer()
	if kerr != nil {
		return kerr
	}

	row := make([]byte, fbInfo.Width*4)
	for y := uint64(0); y < fbInfo.Height; y++ {
		for x := uint64(0); x < fbInfo.Width; x++ {
			row[x*4] = byte(x * 255 / fbInfo.Width)
			row[x*4+1] = byte(y * 255 / fbInfo.Height)
			row[x*4+2] = 0x80
		}
		if kerr = fb.Write(uintptr(y*fbInfo.Width*4), row); kerr != nil {
			return kerr
		}
	}

	fmt.Fprintf(out, "framebuffer: %dx%d at %#x mapped to %#x\n",
		fbInfo.Width, fbInfo.Height, uint64(fbInfo.PhysAddr), uint64(fb.Addr()))
	return nil
}
