//go:build unix

package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// newRAM backs physical memory with an anonymous private mapping so frames
// are page-aligned and untouched pages cost nothing until first use.
func newRAM(size int) ([]byte, func() error, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes of ram: %w", size, err)
	}
	return b, func() error { return unix.Munmap(b) }, nil
}
