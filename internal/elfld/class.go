package elfld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"math"
)

var le = binary.LittleEndian

// header is the width-independent view of an ELF file header.
type header struct {
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Phentsize uint64
	Phnum     uint64
	Shentsize uint64
	Shnum     uint64
}

// prog is a decoded program header.
type prog struct {
	Type   elf.ProgType
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
}

// section is a decoded section header.
type section struct {
	Addr      uint64
	Offset    uint64
	Size      uint64
	Addralign uint64
}

type dyn struct {
	Tag elf.DynTag
	Val uint64
}

// reloc covers both REL and RELA entries. Addend is zero for REL.
type reloc struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend uint64
}

// Class describes one ELF address width. The loader runs the same algorithm
// for both widths and asks the Class for every size, offset and encoding.
type Class interface {
	Ident() elf.Class
	Machine() elf.Machine

	// Mask truncates an address to the width of the class.
	Mask() uint64

	HeaderSize() uint64
	ProgSize() uint64
	SectionSize() uint64
	DynSize() uint64
	RelaSize() uint64
	RelSize() uint64
	SymSize() uint64
	WordSize() uint64

	// AbsReloc and RelativeReloc are the two supported relocation types.
	AbsReloc() uint32
	RelativeReloc() uint32

	decodeHeader(b []byte) header
	decodeProg(b []byte) prog
	putProgAddrs(b []byte, vaddr, paddr uint64)
	decodeSection(b []byte) section
	putSectionAddr(b []byte, addr uint64)
	putShoff(b []byte, off uint64)
	decodeDyn(b []byte) dyn
	decodeRela(b []byte) reloc
	decodeRel(b []byte) reloc
	symValue(b []byte) uint64
	putWord(b []byte, v uint64)
	word(b []byte) uint64
}

var (
	// ELF32 handles EM_386 images.
	ELF32 Class = elf32Class{}
	// ELF64 handles EM_X86_64 images.
	ELF64 Class = elf64Class{}
)

// headerValid reports whether b starts with an ELF header of the given class
// that targets the class machine in little-endian byte order.
func headerValid(cls Class, b []byte) bool {
	if uint64(len(b)) < cls.HeaderSize() {
		return false
	}
	if !bytes.Equal(b[:elf.EI_CLASS], []byte(elf.ELFMAG)) {
		return false
	}
	if elf.Class(b[elf.EI_CLASS]) != cls.Ident() {
		return false
	}
	if elf.Data(b[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return false
	}
	return elf.Machine(le.Uint16(b[18:])) == cls.Machine()
}

type elf32Class struct{}

func (elf32Class) Ident() elf.Class { return elf.ELFCLASS32 }
func (elf32Class) Machine() elf.Machine { return elf.EM_386 }
func (elf32Class) Mask() uint64 { return math.MaxUint32 }
func (elf32Class) HeaderSize() uint64 { return 52 }
func (elf32Class) ProgSize() uint64 { return 32 }
func (elf32Class) SectionSize() uint64 { return 40 }
func (elf32Class) DynSize() uint64 { return 8 }
func (elf32Class) RelaSize() uint64 { return 12 }
func (elf32Class) RelSize() uint64 { return 8 }
func (elf32Class) SymSize() uint64 { return 16 }
func (elf32Class) WordSize() uint64 { return 4 }
func (elf32Class) AbsReloc() uint32 { return uint32(elf.R_386_32) }
func (elf32Class) RelativeReloc() uint32 { return uint32(elf.R_386_RELATIVE) }
func (elf32Class) word(b []byte) uint64 { return uint64(le.Uint32(b)) }
func (elf32Class) putWord(b []byte, v uint64) { le.PutUint32(b, uint32(v)) }

func (elf32Class) decodeHeader(b []byte) header {
	return header{
		Type:      elf.Type(le.Uint16(b[16:])),
		Machine:   elf.Machine(le.Uint16(b[18:])),
		Entry:     uint64(le.Uint32(b[24:])),
		Phoff:     uint64(le.Uint32(b[28:])),
		Shoff:     uint64(le.Uint32(b[32:])),
		Phentsize: uint64(le.Uint16(b[42:])),
		Phnum:     uint64(le.Uint16(b[44:])),
		Shentsize: uint64(le.Uint16(b[46:])),
		Shnum:     uint64(le.Uint16(b[48:])),
	}
}

func (elf32Class) decodeProg(b []byte) prog {
	return prog{
		Type:   elf.ProgType(le.Uint32(b[0:])),
		Offset: uint64(le.Uint32(b[4:])),
		Vaddr:  uint64(le.Uint32(b[8:])),
		Paddr:  uint64(le.Uint32(b[12:])),
		Filesz: uint64(le.Uint32(b[16:])),
		Memsz:  uint64(le.Uint32(b[20:])),
	}
}

func (elf32Class) putProgAddrs(b []byte, vaddr, paddr uint64) {
	le.PutUint32(b[8:], uint32(vaddr))
	le.PutUint32(b[12:], uint32(paddr))
}

func (elf32Class) decodeSection(b []byte) section {
	return section{
		Addr:      uint64(le.Uint32(b[12:])),
		Offset:    uint64(le.Uint32(b[16:])),
		Size:      uint64(le.Uint32(b[20:])),
		Addralign: uint64(le.Uint32(b[32:])),
	}
}

func (elf32Class) putSectionAddr(b []byte, addr uint64) { le.PutUint32(b[12:], uint32(addr)) }
func (elf32Class) putShoff(b []byte, off uint64) { le.PutUint32(b[32:], uint32(off)) }

func (elf32Class) decodeDyn(b []byte) dyn {
	return dyn{
		Tag: elf.DynTag(int32(le.Uint32(b[0:]))),
		Val: uint64(le.Uint32(b[4:])),
	}
}

func (elf32Class) decodeRela(b []byte) reloc {
	info := le.Uint32(b[4:])
	return reloc{
		Offset: uint64(le.Uint32(b[0:])),
		Type:   info & 0xff,
		Sym:    info >> 8,
		Addend: uint64(int64(int32(le.Uint32(b[8:])))),
	}
}

func (elf32Class) decodeRel(b []byte) reloc {
	info := le.Uint32(b[4:])
	return reloc{
		Offset: uint64(le.Uint32(b[0:])),
		Type:   info & 0xff,
		Sym:    info >> 8,
	}
}

func (elf32Class) symValue(b []byte) uint64 { return uint64(le.Uint32(b[4:])) }

type elf64Class struct{}

func (elf64Class) Ident() elf.Class { return elf.ELFCLASS64 }
func (elf64Class) Machine() elf.Machine { return elf.EM_X86_64 }
func (elf64Class) Mask() uint64 { return math.MaxUint64 }
func (elf64Class) HeaderSize() uint64 { return 64 }
func (elf64Class) ProgSize() uint64 { return 56 }
func (elf64Class) SectionSize() uint64 { return 64 }
func (elf64Class) DynSize() uint64 { return 16 }
func (elf64Class) RelaSize() uint64 { return 24 }
func (elf64Class) RelSize() uint64 { return 16 }
func (elf64Class) SymSize() uint64 { return 24 }
func (elf64Class) WordSize() uint64 { return 8 }
func (elf64Class) AbsReloc() uint32 { return uint32(elf.R_X86_64_32) }
func (elf64Class) RelativeReloc() uint32 { return uint32(elf.R_X86_64_RELATIVE) }
func (elf64Class) word(b []byte) uint64 { return le.Uint64(b) }
func (elf64Class) putWord(b []byte, v uint64) { le.PutUint64(b, v) }

func (elf64Class) decodeHeader(b []byte) header {
	return header{
		Type:      elf.Type(le.Uint16(b[16:])),
		Machine:   elf.Machine(le.Uint16(b[18:])),
		Entry:     le.Uint64(b[24:]),
		Phoff:     le.Uint64(b[32:]),
		Shoff:     le.Uint64(b[40:]),
		Phentsize: uint64(le.Uint16(b[54:])),
		Phnum:     uint64(le.Uint16(b[56:])),
		Shentsize: uint64(le.Uint16(b[58:])),
		Shnum:     uint64(le.Uint16(b[60:])),
	}
}

func (elf64Class) decodeProg(b []byte) prog {
	return prog{
		Type:   elf.ProgType(le.Uint32(b[0:])),
		Offset: le.Uint64(b[8:]),
		Vaddr:  le.Uint64(b[16:]),
		Paddr:  le.Uint64(b[24:]),
		Filesz: le.Uint64(b[32:]),
		Memsz:  le.Uint64(b[40:]),
	}
}

func (elf64Class) putProgAddrs(b []byte, vaddr, paddr uint64) {
	le.PutUint64(b[16:], vaddr)
	le.PutUint64(b[24:], paddr)
}

func (elf64Class) decodeSection(b []byte) section {
	return section{
		Addr:      le.Uint64(b[16:]),
		Offset:    le.Uint64(b[24:]),
		Size:      le.Uint64(b[32:]),
		Addralign: le.Uint64(b[48:]),
	}
}

func (elf64Class) putSectionAddr(b []byte, addr uint64) { le.PutUint64(b[16:], addr) }
func (elf64Class) putShoff(b []byte, off uint64) { le.PutUint64(b[40:], off) }

func (elf64Class) decodeDyn(b []byte) dyn {
	return dyn{
		Tag: elf.DynTag(int64(le.Uint64(b[0:]))),
		Val: le.Uint64(b[8:]),
	}
}

func (elf64Class) decodeRela(b []byte) reloc {
	info := le.Uint64(b[8:])
	return reloc{
		Offset: le.Uint64(b[0:]),
		Type:   uint32(info),
		Sym:    uint32(info >> 32),
		Addend: le.Uint64(b[16:]),
	}
}

func (elf64Class) decodeRel(b []byte) reloc {
	info := le.Uint64(b[8:])
	return reloc{
		Offset: le.Uint64(b[0:]),
		Type:   uint32(info),
		Sym:    uint32(info >> 32),
	}
}

func (elf64Class) symValue(b []byte) uint64 { return le.Uint64(b[8:]) }
