package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrOutOfRange is returned when an access falls outside the backing RAM.
var ErrOutOfRange = errors.New("physical address out of range")

// Memory is a flat physical address space. Offsets passed to ReadAt and
// WriteAt are physical addresses, not offsets from Base.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	Base() uint64
	Size() uint64
}

// RAM is a contiguous block of host memory standing in for physical RAM
// starting at a fixed base address.
type RAM struct {
	base uint64
	mem  []byte
}

// NewRAM allocates size bytes of zeroed RAM mapped at base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size > math.MaxInt {
		return nil, fmt.Errorf("RAM size %#x exceeds host limits", size)
	}
	if base+size < base {
		return nil, fmt.Errorf("RAM [%#x, +%#x) wraps the address space", base, size)
	}
	return &RAM{base: base, mem: make([]byte, size)}, nil
}

// WrapRAM exposes an existing buffer as RAM mapped at base.
func WrapRAM(base uint64, buf []byte) *RAM {
	return &RAM{base: base, mem: buf}
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.mem)) }

// Bytes returns the whole backing buffer.
func (r *RAM) Bytes() []byte { return r.mem }

func (r *RAM) offset(addr int64, n int) (int, error) {
	if addr < 0 || uint64(addr) < r.base {
		return 0, fmt.Errorf("%w: %#x below RAM base %#x", ErrOutOfRange, addr, r.base)
	}
	off := uint64(addr) - r.base
	if off > uint64(len(r.mem)) || uint64(n) > uint64(len(r.mem))-off {
		return 0, fmt.Errorf("%w: [%#x, +%#x) beyond RAM end %#x", ErrOutOfRange, addr, n, r.base+uint64(len(r.mem)))
	}
	return int(off), nil
}

// ReadAt implements io.ReaderAt over physical addresses.
func (r *RAM) ReadAt(p []byte, addr int64) (int, error) {
	off, err := r.offset(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.mem[off:]), nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (r *RAM) WriteAt(p []byte, addr int64) (int, error) {
	off, err := r.offset(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.mem[off:], p), nil
}

// Slice returns a window of n bytes at addr without copying.
func (r *RAM) Slice(addr, n uint64) ([]byte, error) {
	if addr > math.MaxInt64 || n > math.MaxInt {
		return nil, fmt.Errorf("%w: [%#x, +%#x)", ErrOutOfRange, addr, n)
	}
	off, err := r.offset(int64(addr), int(n))
	if err != nil {
		return nil, err
	}
	return r.mem[off : off+int(n)], nil
}

const zeroChunk = 64 * 1024

var zeroes [zeroChunk]byte

// Zero clears n bytes starting at addr.
func Zero(mem Memory, addr, n uint64) error {
	for n > 0 {
		chunk := n
		if chunk > zeroChunk {
			chunk = zeroChunk
		}
		if _, err := mem.WriteAt(zeroes[:chunk], toOffset(addr)); err != nil {
			return err
		}
		addr += chunk
		n -= chunk
	}
	return nil
}

// Copy writes src to mem at addr.
func Copy(mem Memory, addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	_, err := mem.WriteAt(src, toOffset(addr))
	return err
}

// Read fills dst from mem at addr.
func Read(mem Memory, addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	_, err := mem.ReadAt(dst, toOffset(addr))
	return err
}

func ReadUint16(mem Memory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := Read(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func ReadUint32(mem Memory, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := Read(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func ReadUint64(mem Memory, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := Read(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteUint32(mem Memory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return Copy(mem, addr, buf[:])
}

func WriteUint64(mem Memory, addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return Copy(mem, addr, buf[:])
}

// toOffset converts a physical address into an io offset. Addresses above
// MaxInt64 become negative and are rejected by every Memory implementation.
func toOffset(addr uint64) int64 {
	return int64(addr)
}
