//go:build unix

package imageaccess

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is an ImageAccess over a read-only memory mapping of a file.
// MapToMem returns windows into the mapping without copying.
type Mapped struct {
	Memory
	data []byte
}

var _ ImageAccess = &Mapped{}

// OpenMapped maps path read-only.
func OpenMapped(path string) (ImageAccess, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	size := info.Size()
	if size > math.MaxInt {
		return nil, fmt.Errorf("image %q too large to map (%d bytes)", path, size)
	}
	if size == 0 {
		return &Mapped{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap image: %w", err)
	}
	return &Mapped{Memory: Memory{buf: data}, data: data}, nil
}

func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	m.buf = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap image: %w", err)
	}
	return nil
}
