package imageaccess

import (
	"fmt"
	"io"
	"os"
)

type windowKey struct {
	off uint64
	n   uint64
}

// File is an ImageAccess over an io.ReaderAt. Mapped windows are read into
// private buffers and cached by (offset, length) until Close.
type File struct {
	r      io.ReaderAt
	size   uint64
	closer io.Closer

	windows map[windowKey][]byte
}

var _ ImageAccess = &File{}

// NewFile wraps r, whose logical length is size. The caller keeps ownership
// of r.
func NewFile(r io.ReaderAt, size int64) *File {
	if size < 0 {
		size = 0
	}
	return &File{
		r:       r,
		size:    uint64(size),
		windows: make(map[windowKey][]byte),
	}
}

// NewRegion exposes size bytes of r starting at base, such as an image a
// previous stage left in physical memory.
func NewRegion(r io.ReaderAt, base, size uint64) *File {
	return NewFile(io.NewSectionReader(r, int64(base), int64(size)), int64(size))
}

// OpenFile opens path and returns an accessor that closes it on Close.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	fa := NewFile(f, info.Size())
	fa.closer = f
	return fa, nil
}

func (f *File) Size() uint64 { return f.size }

func (f *File) Read(dst []byte, off uint64) int {
	n := clamp(f.size, off, uint64(len(dst)))
	if n == 0 {
		return 0
	}
	// A short read is reported through the count; io.EOF carries no
	// additional information here.
	got, _ := f.r.ReadAt(dst[:n], int64(off))
	return got
}

func (f *File) MapToMem(off, n uint64) []byte {
	key := windowKey{off: off, n: n}
	if buf, ok := f.windows[key]; ok {
		return buf
	}
	avail := clamp(f.size, off, n)
	buf := make([]byte, avail)
	got := f.Read(buf, off)
	buf = buf[:got:got]
	f.windows[key] = buf
	return buf
}

// Cached returns the number of windows currently held.
func (f *File) Cached() int { return len(f.windows) }

func (f *File) Close() error {
	clear(f.windows)
	if f.closer != nil {
		err := f.closer.Close()
		f.closer = nil
		return err
	}
	return nil
}
