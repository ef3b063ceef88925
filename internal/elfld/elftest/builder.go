// Package elftest builds small ELF32 and ELF64 x86 images for loader tests.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// Segment describes one program header and its file bytes.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Paddr uint64
	// Vaddr defaults to Paddr.
	Vaddr uint64
	Data  []byte
	// Memsz defaults to len(Data).
	Memsz uint64
	// CarriesHeaders places the segment at file offset 0 and overlays the ELF
	// and program headers onto the start of Data.
	CarriesHeaders bool
}

// Section describes one section header. Data is written to the file when
// present; Size defaults to len(Data).
type Section struct {
	Type  elf.SectionType
	Addr  uint64
	Data  []byte
	Size  uint64
	Align uint64
}

// Image is a synthetic executable.
type Image struct {
	Class   elf.Class
	Type    elf.Type
	Machine elf.Machine
	Entry   uint64

	Segments []Segment
	// Sections are emitted after a leading SHT_NULL entry.
	Sections []Section
}

type layout struct {
	ehsize    uint64
	phentsize uint64
	shentsize uint64
}

func layoutFor(class elf.Class) (layout, error) {
	switch class {
	case elf.ELFCLASS32:
		return layout{ehsize: 52, phentsize: 32, shentsize: 40}, nil
	case elf.ELFCLASS64:
		return layout{ehsize: 64, phentsize: 56, shentsize: 64}, nil
	default:
		return layout{}, fmt.Errorf("unsupported ELF class %v", class)
	}
}

// HeaderSize returns the bytes taken by the ELF header and n program headers.
func HeaderSize(class elf.Class, n int) uint64 {
	l, err := layoutFor(class)
	if err != nil {
		return 0
	}
	return l.ehsize + uint64(n)*l.phentsize
}

func (img Image) withDefaults() Image {
	if img.Class == elf.ELFCLASSNONE {
		img.Class = elf.ELFCLASS64
	}
	if img.Type == elf.ET_NONE {
		img.Type = elf.ET_EXEC
	}
	if img.Machine == elf.EM_NONE {
		img.Machine = elf.EM_X86_64
		if img.Class == elf.ELFCLASS32 {
			img.Machine = elf.EM_386
		}
	}
	return img
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func grow(buf []byte, n uint64) []byte {
	if uint64(len(buf)) < n {
		buf = append(buf, make([]byte, n-uint64(len(buf)))...)
	}
	return buf
}

// Build encodes the image.
func (img Image) Build() ([]byte, error) {
	img = img.withDefaults()
	l, err := layoutFor(img.Class)
	if err != nil {
		return nil, err
	}

	headers := l.ehsize + uint64(len(img.Segments))*l.phentsize
	out := make([]byte, headers)
	cursor := headers

	offsets := make([]uint64, len(img.Segments))
	for i, seg := range img.Segments {
		if seg.CarriesHeaders {
			if uint64(len(seg.Data)) < headers {
				return nil, fmt.Errorf("segment %d: %d bytes cannot hold %d bytes of headers", i, len(seg.Data), headers)
			}
			offsets[i] = 0
			out = grow(out, uint64(len(seg.Data)))
			copy(out[headers:], seg.Data[headers:])
			cursor = max(cursor, uint64(len(seg.Data)))
			continue
		}
		cursor = alignUp(cursor, 16)
		offsets[i] = cursor
		out = grow(out, cursor+uint64(len(seg.Data)))
		copy(out[cursor:], seg.Data)
		cursor += uint64(len(seg.Data))
	}

	sections := append([]Section{{Type: elf.SHT_NULL}}, img.Sections...)
	secOffsets := make([]uint64, len(sections))
	for i, s := range sections {
		if len(s.Data) == 0 {
			continue
		}
		align := max(s.Align, 1)
		cursor = alignUp(cursor, align)
		secOffsets[i] = cursor
		out = grow(out, cursor+uint64(len(s.Data)))
		copy(out[cursor:], s.Data)
		cursor += uint64(len(s.Data))
	}

	shoff := alignUp(cursor, 8)
	out = grow(out, shoff+uint64(len(sections))*l.shentsize)

	img.putHeader(out, l, shoff, len(sections))
	for i, seg := range img.Segments {
		img.putProg(out[l.ehsize+uint64(i)*l.phentsize:], seg, offsets[i])
	}
	for i, s := range sections {
		img.putSection(out[shoff+uint64(i)*l.shentsize:], s, secOffsets[i])
	}
	return out, nil
}

func (img Image) putHeader(b []byte, l layout, shoff uint64, shnum int) {
	copy(b, elf.ELFMAG)
	b[elf.EI_CLASS] = byte(img.Class)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(b[16:], uint16(img.Type))
	le.PutUint16(b[18:], uint16(img.Machine))
	le.PutUint32(b[20:], uint32(elf.EV_CURRENT))

	phnum := uint16(len(img.Segments))
	if img.Class == elf.ELFCLASS32 {
		le.PutUint32(b[24:], uint32(img.Entry))
		le.PutUint32(b[28:], uint32(l.ehsize))
		le.PutUint32(b[32:], uint32(shoff))
		le.PutUint16(b[40:], uint16(l.ehsize))
		le.PutUint16(b[42:], uint16(l.phentsize))
		le.PutUint16(b[44:], phnum)
		le.PutUint16(b[46:], uint16(l.shentsize))
		le.PutUint16(b[48:], uint16(shnum))
		return
	}
	le.PutUint64(b[24:], img.Entry)
	le.PutUint64(b[32:], l.ehsize)
	le.PutUint64(b[40:], shoff)
	le.PutUint16(b[52:], uint16(l.ehsize))
	le.PutUint16(b[54:], uint16(l.phentsize))
	le.PutUint16(b[56:], phnum)
	le.PutUint16(b[58:], uint16(l.shentsize))
	le.PutUint16(b[60:], uint16(shnum))
}

func (img Image) putProg(b []byte, seg Segment, off uint64) {
	vaddr := seg.Vaddr
	if vaddr == 0 {
		vaddr = seg.Paddr
	}
	filesz := uint64(len(seg.Data))
	memsz := seg.Memsz
	if memsz == 0 {
		memsz = filesz
	}
	flags := seg.Flags
	if flags == 0 {
		flags = elf.PF_R | elf.PF_W | elf.PF_X
	}
	if img.Class == elf.ELFCLASS32 {
		le.PutUint32(b[0:], uint32(seg.Type))
		le.PutUint32(b[4:], uint32(off))
		le.PutUint32(b[8:], uint32(vaddr))
		le.PutUint32(b[12:], uint32(seg.Paddr))
		le.PutUint32(b[16:], uint32(filesz))
		le.PutUint32(b[20:], uint32(memsz))
		le.PutUint32(b[24:], uint32(flags))
		le.PutUint32(b[28:], 0x1000)
		return
	}
	le.PutUint32(b[0:], uint32(seg.Type))
	le.PutUint32(b[4:], uint32(flags))
	le.PutUint64(b[8:], off)
	le.PutUint64(b[16:], vaddr)
	le.PutUint64(b[24:], seg.Paddr)
	le.PutUint64(b[32:], filesz)
	le.PutUint64(b[40:], memsz)
	le.PutUint64(b[48:], 0x1000)
}

func (img Image) putSection(b []byte, s Section, off uint64) {
	size := s.Size
	if size == 0 {
		size = uint64(len(s.Data))
	}
	if img.Class == elf.ELFCLASS32 {
		le.PutUint32(b[4:], uint32(s.Type))
		le.PutUint32(b[12:], uint32(s.Addr))
		le.PutUint32(b[16:], uint32(off))
		le.PutUint32(b[20:], uint32(size))
		le.PutUint32(b[32:], uint32(s.Align))
		return
	}
	le.PutUint32(b[4:], uint32(s.Type))
	le.PutUint64(b[16:], s.Addr)
	le.PutUint64(b[24:], off)
	le.PutUint64(b[32:], size)
	le.PutUint64(b[48:], s.Align)
}
