package physmem

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when an arena cannot satisfy a request.
var ErrOutOfMemory = errors.New("arena out of memory")

const (
	allocAlignment = 8
	PageSize       = 0x1000
)

// Arena is a bump allocator over a fixed physical range. A boot stage owns
// one arena for its lifetime; nothing is ever freed individually.
type Arena struct {
	mem     Memory
	base    uint64
	current uint64
	top     uint64
}

// NewArena creates an arena handing out addresses in [base, base+size) of mem.
func NewArena(mem Memory, base, size uint64) (*Arena, error) {
	if base+size < base {
		return nil, fmt.Errorf("arena [%#x, +%#x) wraps the address space", base, size)
	}
	if mem != nil && (base < mem.Base() || base+size > mem.Base()+mem.Size()) {
		return nil, fmt.Errorf("arena [%#x, %#x) outside RAM [%#x, %#x)", base, base+size, mem.Base(), mem.Base()+mem.Size())
	}
	return &Arena{mem: mem, base: base, current: base, top: base + size}, nil
}

// Alloc returns size zeroed bytes aligned to 8 bytes.
func (a *Arena) Alloc(size uint64) (uint64, error) {
	return a.alloc(size, allocAlignment)
}

// AllocPages returns pages zeroed 4 KiB pages aligned to a page boundary.
func (a *Arena) AllocPages(pages uint64) (uint64, error) {
	return a.alloc(pages*PageSize, PageSize)
}

func (a *Arena) alloc(size, align uint64) (uint64, error) {
	addr := AlignUp(a.current, align)
	if addr < a.current || addr+size < addr || addr+size > a.top {
		return 0, fmt.Errorf("%w: request %#x at %#x, top %#x", ErrOutOfMemory, size, addr, a.top)
	}
	if a.mem != nil {
		if err := Zero(a.mem, addr, size); err != nil {
			return 0, fmt.Errorf("zero arena allocation: %w", err)
		}
	}
	a.current = addr + size
	return addr, nil
}

// Base returns the first address managed by the arena.
func (a *Arena) Base() uint64 { return a.base }

// Used returns the number of bytes consumed, including alignment padding.
func (a *Arena) Used() uint64 { return a.current - a.base }

// Remaining returns the number of bytes left above the cursor.
func (a *Arena) Remaining() uint64 { return a.top - a.current }

// AlignUp aligns value up to align, which must be a power of two.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// AlignDown aligns value down to align, which must be a power of two.
func AlignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
