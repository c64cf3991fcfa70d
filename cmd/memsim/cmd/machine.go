package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"kmem/kernel/cpu"
	"kmem/kernel/hal/bootinfo"
	"kmem/kernel/kmain"
	"kmem/kernel/mem"
	"kmem/kernel/mem/pmm"

	"gopkg.in/yaml.v3"
)

type (
	// machineDescription is the YAML description of a simulated machine:
	// the memory map the firmware reports and the state the loader leaves
	// behind.
	machineDescription struct {
		MemoryMap    []regionDescription     `yaml:"memory_map"`
		StackPointer uint64                  `yaml:"stack_pointer"`
		ConfigTable  configTableDescription  `yaml:"config_table"`
		Framebuffer  *framebufferDescription `yaml:"framebuffer,omitempty"`
	}

	regionDescription struct {
		Type  string `yaml:"type"`
		Start uint64 `yaml:"start"`
		Pages uint64 `yaml:"pages"`
	}

	configTableDescription struct {
		Address uint64 `yaml:"address"`
		Entries uint64 `yaml:"entries"`
	}

	framebufferDescription struct {
		Address uint64 `yaml:"address"`
		Width   uint64 `yaml:"width"`
		Height  uint64 `yaml:"height"`
	}
)

var knownMemoryTypes = []bootinfo.MemoryType{
	bootinfo.MemReserved,
	bootinfo.MemLoaderCode,
	bootinfo.MemLoaderData,
	bootinfo.MemBootServicesCode,
	bootinfo.MemBootServicesData,
	bootinfo.MemRuntimeServicesCode,
	bootinfo.MemRuntimeServicesData,
	bootinfo.MemConventional,
	bootinfo.MemUnusable,
	bootinfo.MemACPIReclaimable,
	bootinfo.MemACPINonVolatile,
	bootinfo.MemMMIO,
	bootinfo.MemMMIOPortSpace,
	bootinfo.MemPalCode,
	bootinfo.MemPersistent,
	bootinfo.MemKernelCode,
	bootinfo.MemKernelData,
}

// defaultMachine is a 16 MiB machine with firmware memory below 64 KiB, the
// kernel image at 1 MiB followed by the boot stack, and a framebuffer in the
// last MiB.
func defaultMachine() *machineDescription {
	return &machineDescription{
		MemoryMap: []regionDescription{
			{Type: "reserved", Start: 0, Pages: 16},
			{Type: "conventional", Start: 0x10000, Pages: 240},
			{Type: "kernel code", Start: 0x100000, Pages: 192},
			{Type: "kernel data", Start: 0x1c0000, Pages: 64},
			{Type: "boot services data", Start: 0x200000, Pages: 16},
			{Type: "conventional", Start: 0x210000, Pages: 3312},
			{Type: "mmio", Start: 0xf00000, Pages: 256},
		},
		StackPointer: 0x210000 - 16,
		ConfigTable:  configTableDescription{Address: 0xe000, Entries: 8},
		Framebuffer:  &framebufferDescription{Address: 0xf00000, Width: 320, Height: 200},
	}
}

// loadMachine reads a machine description from path, or returns the
// built-in machine if path is empty.
func loadMachine(path string) (*machineDescription, error) {
	if path == "" {
		return defaultMachine(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading machine description: %w", err)
	}

	machine := &machineDescription{}
	if err := yaml.Unmarshal(data, machine); err != nil {
		return nil, fmt.Errorf("decoding machine description %q: %w", path, err)
	}
	if err := machine.validate(); err != nil {
		return nil, fmt.Errorf("invalid machine description %q: %w", path, err)
	}

	return machine, nil
}

func (m *machineDescription) validate() error {
	if len(m.MemoryMap) == 0 {
		return errors.New("memory map is empty")
	}

	var errs []error
	for index, region := range m.MemoryMap {
		if _, err := parseMemoryType(region.Type); err != nil {
			errs = append(errs, fmt.Errorf("region %d: %w", index, err))
		}
		if region.Pages == 0 {
			errs = append(errs, fmt.Errorf("region %d: no pages", index))
		}
		if region.Start%uint64(mem.PageSize) != 0 {
			errs = append(errs, fmt.Errorf("region %d: start %#x is not page aligned", index, region.Start))
		}
	}
	if m.StackPointer >= uint64(m.memorySize()) {
		errs = append(errs, fmt.Errorf("stack pointer %#x lies outside memory", m.StackPointer))
	}

	return errors.Join(errs...)
}

func parseMemoryType(name string) (bootinfo.MemoryType, error) {
	normalized := strings.ToLower(strings.ReplaceAll(name, "_", " "))
	for _, memType := range knownMemoryTypes {
		if strings.ToLower(memType.String()) == normalized {
			return memType, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", name)
}

// memorySize returns the amount of RAM needed to back every region.
func (m *machineDescription) memorySize() mem.Size {
	var end uint64
	for _, region := range m.MemoryMap {
		end = max(end, region.Start+region.Pages*uint64(mem.PageSize))
	}
	return mem.Size(end)
}

// bootInfo returns the boot info block the loader hands to the kernel.
func (m *machineDescription) bootInfo() (*bootinfo.Info, error) {
	memoryMap := make([]bootinfo.MemoryDescriptor, 0, len(m.MemoryMap))
	for _, region := range m.MemoryMap {
		memType, err := parseMemoryType(region.Type)
		if err != nil {
			return nil, err
		}

		memoryMap = append(memoryMap, bootinfo.MemoryDescriptor{
			Type:          memType,
			PhysicalStart: mem.PhysicalAddress(region.Start),
			PageCount:     region.Pages,
		})
	}

	var fb *bootinfo.FramebufferInfo
	if m.Framebuffer != nil {
		fb = &bootinfo.FramebufferInfo{
			PhysAddr: mem.PhysicalAddress(m.Framebuffer.Address),
			Width:    m.Framebuffer.Width,
			Height:   m.Framebuffer.Height,
		}
	}

	configTable := bootinfo.ConfigTable{Address: mem.PhysicalAddress(m.ConfigTable.Address), Entries: m.ConfigTable.Entries}
	return bootinfo.New(memoryMap, configTable, fb), nil
}

// machine is a booted simulated machine.
type machine struct {
	ram    *pmm.RAM
	kernel *kmain.Context
}

// Close releases the simulated RAM.
func (m *machine) Close() error {
	return m.ram.Close()
}

// boot powers on the described machine and runs the kernel boot sequence. A
// kernel halt during boot is reported as an error.
func boot(desc *machineDescription, cfg kmain.Config) (m *machine, err error) {
	info, err := desc.bootInfo()
	if err != nil {
		return nil, err
	}

	ram, err := pmm.NewRAM(desc.memorySize())
	if err != nil {
		return nil, fmt.Errorf("allocating machine memory: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = ram.Close()
			m, err = nil, fmt.Errorf("kernel halted during boot: %v", r)
		}
	}()

	regs := cpu.NewRegisters(uintptr(desc.StackPointer))
	ctx := kmain.Kmain(info.Encode(), ram, regs, cfg)

	return &machine{ram: ram, kernel: ctx}, nil
}
