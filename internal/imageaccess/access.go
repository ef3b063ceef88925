// Package imageaccess abstracts the byte source an executable image is
// loaded from. Every accessor clamps requests to the bytes that remain in
// the source; short results are never reported as errors here, callers that
// need an exact count compare the returned length.
package imageaccess

// ImageAccess is a read-only view of an image.
type ImageAccess interface {
	// Size returns the total number of bytes in the source.
	Size() uint64

	// Read copies up to len(dst) bytes starting at off into dst and returns
	// the number of bytes copied.
	Read(dst []byte, off uint64) int

	// MapToMem exposes up to n bytes starting at off. The returned slice
	// must be treated as read-only and stays valid until Close.
	MapToMem(off, n uint64) []byte

	Close() error
}

// clamp returns the number of bytes available at off when n are requested
// from a source of the given size.
func clamp(size, off, n uint64) uint64 {
	if off >= size {
		return 0
	}
	if rest := size - off; n > rest {
		return rest
	}
	return n
}

// Memory is an ImageAccess over a buffer that is already addressable.
type Memory struct {
	buf []byte
}

var _ ImageAccess = &Memory{}

// NewMemory wraps buf. No copy is made.
func NewMemory(buf []byte) *Memory {
	return &Memory{buf: buf}
}

func (m *Memory) Size() uint64 { return uint64(len(m.buf)) }

func (m *Memory) Read(dst []byte, off uint64) int {
	n := clamp(m.Size(), off, uint64(len(dst)))
	if n == 0 {
		return 0
	}
	return copy(dst, m.buf[off:off+n])
}

func (m *Memory) MapToMem(off, n uint64) []byte {
	n = clamp(m.Size(), off, n)
	if n == 0 {
		return nil
	}
	return m.buf[off : off+n : off+n]
}

func (m *Memory) Close() error { return nil }

// ReadFull reads exactly len(dst) bytes or reports false.
func ReadFull(img ImageAccess, dst []byte, off uint64) bool {
	return img.Read(dst, off) == len(dst)
}

// MapFull maps exactly n bytes or reports false.
func MapFull(img ImageAccess, off, n uint64) ([]byte, bool) {
	buf := img.MapToMem(off, n)
	return buf, uint64(len(buf)) == n
}
