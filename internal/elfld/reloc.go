package elfld

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

// table locates one relocation or symbol table through the dynamic segment.
type table struct {
	addr    uint64
	hasAddr bool
	size    uint64
	entsize uint64
}

func (t table) usable(entsize uint64) bool {
	return t.hasAddr && t.size > 0 && t.entsize == entsize
}

type dynamicInfo struct {
	rela   table
	rel    table
	symtab table
}

func scanDynamic(img imageaccess.ImageAccess, cls Class, p prog) (dynamicInfo, error) {
	var di dynamicInfo
	buf, ok := imageaccess.MapFull(img, p.Offset, p.Filesz)
	if !ok {
		return di, fmt.Errorf("%w: dynamic segment at %#x", ErrShortRead, p.Offset)
	}
	for i := uint64(0); i+cls.DynSize() <= uint64(len(buf)); i += cls.DynSize() {
		d := cls.decodeDyn(buf[i:])
		switch d.Tag {
		case elf.DT_RELA:
			di.rela.addr, di.rela.hasAddr = d.Val, true
		case elf.DT_RELASZ:
			di.rela.size = d.Val
		case elf.DT_RELAENT:
			di.rela.entsize = d.Val
		case elf.DT_REL:
			di.rel.addr, di.rel.hasAddr = d.Val, true
		case elf.DT_RELSZ:
			di.rel.size = d.Val
		case elf.DT_RELENT:
			di.rel.entsize = d.Val
		case elf.DT_SYMTAB:
			di.symtab.addr, di.symtab.hasAddr = d.Val, true
		case elf.DT_SYMENT:
			di.symtab.entsize = d.Val
		}
	}
	return di, nil
}

// relocator applies entries of one table to the loaded image. Tables and
// targets are addressed through the loaded copy, never the source.
type relocator struct {
	cls    Class
	mem    physmem.Memory
	off    uint64
	symtab table
}

func (r *relocator) addr(a uint64) uint64 { return (a + r.off) & r.cls.Mask() }

func (r *relocator) symbol(idx uint32) (uint64, error) {
	if !r.symtab.hasAddr || r.symtab.entsize != r.cls.SymSize() {
		return 0, fmt.Errorf("%w: symbol %d", ErrMissingSymbolTable, idx)
	}
	buf := make([]byte, r.cls.SymSize())
	at := r.addr(r.symtab.addr + uint64(idx)*r.symtab.entsize)
	if err := physmem.Read(r.mem, at, buf); err != nil {
		return 0, fmt.Errorf("read symbol %d: %w", idx, err)
	}
	return r.cls.symValue(buf), nil
}

func (r *relocator) readWord(at uint64, size uint64) (uint64, error) {
	buf := make([]byte, size)
	if err := physmem.Read(r.mem, at, buf); err != nil {
		return 0, fmt.Errorf("%w: relocation target %#x: %v", ErrOutOfRange, at, err)
	}
	if size == 4 {
		return uint64(le.Uint32(buf)), nil
	}
	return le.Uint64(buf), nil
}

func (r *relocator) writeWord(at uint64, size uint64, v uint64) error {
	var err error
	if size == 4 {
		err = physmem.WriteUint32(r.mem, at, uint32(v))
	} else {
		err = physmem.WriteUint64(r.mem, at, v)
	}
	if err != nil {
		return fmt.Errorf("%w: relocation target %#x: %v", ErrOutOfRange, at, err)
	}
	return nil
}

// apply handles one entry. explicit selects RELA semantics; REL entries take
// their addend from the target.
func (r *relocator) apply(e reloc, explicit bool) error {
	target := r.addr(e.Offset)
	switch e.Type {
	case 0:
		return nil
	case r.cls.RelativeReloc():
		size := r.cls.WordSize()
		addend := e.Addend
		if !explicit {
			v, err := r.readWord(target, size)
			if err != nil {
				return err
			}
			addend = v
		}
		return r.writeWord(target, size, addend+r.off)
	case r.cls.AbsReloc():
		// R_386_32 and R_X86_64_32 both patch a 32-bit field.
		addend := e.Addend
		if !explicit {
			v, err := r.readWord(target, 4)
			if err != nil {
				return err
			}
			addend = v
		}
		value, err := r.symbol(e.Sym)
		if err != nil {
			return err
		}
		return r.writeWord(target, 4, addend+r.off+value)
	default:
		return fmt.Errorf("%w: %d at %#x", ErrUnsupportedRelocation, e.Type, e.Offset)
	}
}

// applyRelocations processes the relocation table named by the dynamic
// segment. RELA wins when both forms are complete; a dynamic segment without
// any usable table is an error.
func applyRelocations(img imageaccess.ImageAccess, cls Class, mem physmem.Memory, info *LoadInfo, p prog) error {
	di, err := scanDynamic(img, cls, p)
	if err != nil {
		return err
	}

	var (
		tab      table
		explicit bool
		decode   func([]byte) reloc
	)
	switch {
	case di.rela.usable(cls.RelaSize()):
		tab, explicit, decode = di.rela, true, cls.decodeRela
	case di.rel.usable(cls.RelSize()):
		tab, explicit, decode = di.rel, false, cls.decodeRel
	default:
		return ErrNoRelocationTable
	}

	r := &relocator{cls: cls, mem: mem, off: info.RelocationOffset, symtab: di.symtab}
	count := tab.size / tab.entsize
	if err := checkSpan("relocation table", count*tab.entsize, mem, info); err != nil {
		return err
	}
	buf := make([]byte, count*tab.entsize)
	if err := physmem.Read(mem, r.addr(tab.addr), buf); err != nil {
		return fmt.Errorf("%w: relocation table at %#x: %v", ErrOutOfRange, tab.addr, err)
	}

	counts := map[uint32]int{}
	for i := uint64(0); i < count; i++ {
		e := decode(buf[i*tab.entsize:])
		if err := r.apply(e, explicit); err != nil {
			return err
		}
		counts[e.Type]++
	}
	info.log().Debug("elf relocations applied",
		"explicit", explicit,
		"entries", count,
		"relative", counts[cls.RelativeReloc()],
		"abs32", counts[cls.AbsReloc()],
		"none", counts[0])
	return nil
}
