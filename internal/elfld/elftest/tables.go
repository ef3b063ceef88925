package elftest

import "debug/elf"

// Dyn is one dynamic section entry.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// Reloc is one relocation entry. Addend is ignored by EncodeRel.
type Reloc struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// EncodeDynamic encodes entries followed by DT_NULL.
func EncodeDynamic(class elf.Class, entries ...Dyn) []byte {
	entries = append(entries, Dyn{Tag: elf.DT_NULL})
	if class == elf.ELFCLASS32 {
		out := make([]byte, 8*len(entries))
		for i, d := range entries {
			le.PutUint32(out[i*8:], uint32(d.Tag))
			le.PutUint32(out[i*8+4:], uint32(d.Val))
		}
		return out
	}
	out := make([]byte, 16*len(entries))
	for i, d := range entries {
		le.PutUint64(out[i*16:], uint64(d.Tag))
		le.PutUint64(out[i*16+8:], d.Val)
	}
	return out
}

// RelaSize and RelSize return the entry sizes for class.
func RelaSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return 12
	}
	return 24
}

func RelSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return 8
	}
	return 16
}

// SymSize returns the symbol entry size for class.
func SymSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return 16
	}
	return 24
}

func (r Reloc) info(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return uint64(r.Sym)<<8 | uint64(r.Type&0xff)
	}
	return uint64(r.Sym)<<32 | uint64(r.Type)
}

// EncodeRela encodes explicit-addend relocations.
func EncodeRela(class elf.Class, entries ...Reloc) []byte {
	size := RelaSize(class)
	out := make([]byte, size*uint64(len(entries)))
	for i, r := range entries {
		b := out[uint64(i)*size:]
		if class == elf.ELFCLASS32 {
			le.PutUint32(b[0:], uint32(r.Offset))
			le.PutUint32(b[4:], uint32(r.info(class)))
			le.PutUint32(b[8:], uint32(int32(r.Addend)))
			continue
		}
		le.PutUint64(b[0:], r.Offset)
		le.PutUint64(b[8:], r.info(class))
		le.PutUint64(b[16:], uint64(r.Addend))
	}
	return out
}

// EncodeRel encodes implicit-addend relocations.
func EncodeRel(class elf.Class, entries ...Reloc) []byte {
	size := RelSize(class)
	out := make([]byte, size*uint64(len(entries)))
	for i, r := range entries {
		b := out[uint64(i)*size:]
		if class == elf.ELFCLASS32 {
			le.PutUint32(b[0:], uint32(r.Offset))
			le.PutUint32(b[4:], uint32(r.info(class)))
			continue
		}
		le.PutUint64(b[0:], r.Offset)
		le.PutUint64(b[8:], r.info(class))
	}
	return out
}

// EncodeSymbols encodes a symbol table holding only values.
func EncodeSymbols(class elf.Class, values ...uint64) []byte {
	size := SymSize(class)
	out := make([]byte, size*uint64(len(values)))
	for i, v := range values {
		b := out[uint64(i)*size:]
		if class == elf.ELFCLASS32 {
			le.PutUint32(b[4:], uint32(v))
			continue
		}
		le.PutUint64(b[8:], v)
	}
	return out
}
