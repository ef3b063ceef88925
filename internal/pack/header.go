// Package pack reads and writes the packed boot image: a starter blob that
// embeds a file mapping header, followed by the loader, startap, hypervisor
// and optional secondary guest binaries.
package pack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"
)

const (
	MappingMagic0 = 0x1B3D5F78
	MappingMagic1 = 0x2A4C6E89

	BootMagic   = 0x6d6d76656967616d
	BootVersion = 1

	// RtMemBase and LdrMemBase are the preferred bases written into the
	// boot header.
	RtMemBase  = 0x12C00000
	LdrMemBase = 0x10000000

	MappingHeaderSize = 12 + 8*int(MaxComponents)
	BootHeaderSize    = 52
)

var (
	ErrNoMappingHeader = errors.New("file mapping header not found")
	ErrNoBootHeader    = errors.New("boot header not found")
)

// Component indexes a binary carried after the starter.
type Component int

const (
	Loader Component = iota
	StartAP
	Hypervisor
	SecondaryGuest

	MaxComponents
)

var componentNames = [...]string{"loader", "startap", "hypervisor", "secondary guest"}

func (c Component) String() string {
	if c < 0 || c >= MaxComponents {
		return fmt.Sprintf("component(%d)", int(c))
	}
	return componentNames[c]
}

// Flag is the presence bit of c in the mapping header.
func (c Component) Flag() uint32 { return 1 << uint(c) }

// Required reports whether a package is unusable without c.
func (c Component) Required() bool { return c != SecondaryGuest }

// FileEntry locates one component relative to the package start.
type FileEntry struct {
	Offset uint32
	Size   uint32
}

// FileMappingHeader is embedded in the starter and filled by the packer.
type FileMappingHeader struct {
	Magic0 uint32
	Magic1 uint32
	Flags  uint32
	Files  [MaxComponents]FileEntry
}

func (h FileMappingHeader) Has(c Component) bool { return h.Flags&c.Flag() != 0 }

type mappingWire struct {
	Magic0 uint32
	Magic1 uint32
	Flags  uint32
	Files  [2 * MaxComponents]uint32
}

// MarshalBinary encodes h in its little-endian on-disk form.
func (h FileMappingHeader) MarshalBinary() ([]byte, error) {
	w := mappingWire{Magic0: h.Magic0, Magic1: h.Magic1, Flags: h.Flags}
	for i, f := range h.Files {
		w.Files[2*i] = f.Offset
		w.Files[2*i+1] = f.Size
	}
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, &w, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("encode file mapping header: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMapping(b []byte) (FileMappingHeader, error) {
	var w mappingWire
	if err := struc.UnpackWithOrder(bytes.NewReader(b), &w, binary.LittleEndian); err != nil {
		return FileMappingHeader{}, fmt.Errorf("decode file mapping header: %w", err)
	}
	h := FileMappingHeader{Magic0: w.Magic0, Magic1: w.Magic1, Flags: w.Flags}
	for i := range h.Files {
		h.Files[i] = FileEntry{Offset: w.Files[2*i], Size: w.Files[2*i+1]}
	}
	return h, nil
}

// BootHeader tells an external boot loader where to place the package and
// how much runtime memory to reserve.
type BootHeader struct {
	Magic         uint64
	Size          uint32
	Version       uint32
	Reserved1     uint32
	Entry64Offset uint32
	Reserved2     uint32
	Reserved3     uint32
	RtMemBase     uint32
	RtMemSize     uint32
	LdrMemBase    uint32
	LdrMemSize    uint32
	ImageSize     uint32
}

func (h BootHeader) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, &h, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("encode boot header: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBoot(b []byte) (BootHeader, error) {
	var h BootHeader
	if err := struc.UnpackWithOrder(bytes.NewReader(b), &h, binary.LittleEndian); err != nil {
		return BootHeader{}, fmt.Errorf("decode boot header: %w", err)
	}
	return h, nil
}

// FindFileMappingHeader scans data on 4-byte boundaries for the mapping
// header magics.
func FindFileMappingHeader(data []byte) (int, FileMappingHeader, error) {
	for off := 0; off+MappingHeaderSize <= len(data); off += 4 {
		if binary.LittleEndian.Uint32(data[off:]) != MappingMagic0 ||
			binary.LittleEndian.Uint32(data[off+4:]) != MappingMagic1 {
			continue
		}
		h, err := decodeMapping(data[off : off+MappingHeaderSize])
		if err != nil {
			return 0, FileMappingHeader{}, err
		}
		return off, h, nil
	}
	return 0, FileMappingHeader{}, ErrNoMappingHeader
}

// FindBootHeader scans data on 8-byte boundaries for the boot header magic.
func FindBootHeader(data []byte) (int, BootHeader, error) {
	for off := 0; off+BootHeaderSize <= len(data); off += 8 {
		if binary.LittleEndian.Uint64(data[off:]) != BootMagic {
			continue
		}
		h, err := decodeBoot(data[off : off+BootHeaderSize])
		if err != nil {
			return 0, BootHeader{}, err
		}
		return off, h, nil
	}
	return 0, BootHeader{}, ErrNoBootHeader
}

// EmptyMappingHeader is the placeholder a starter carries before packing.
func EmptyMappingHeader() FileMappingHeader {
	return FileMappingHeader{Magic0: MappingMagic0, Magic1: MappingMagic1}
}

// EmptyBootHeader is the placeholder a starter carries before packing.
func EmptyBootHeader(entry64Offset uint32) BootHeader {
	return BootHeader{
		Magic:         BootMagic,
		Size:          BootHeaderSize,
		Entry64Offset: entry64Offset,
	}
}
