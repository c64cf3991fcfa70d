//go:build linux || darwin

package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRAM backs simulated physical memory with an anonymous private
// mapping so that frames are page-aligned and lazily committed by the host.
func allocRAM(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return data, nil
}

func freeRAM(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
