package elfld

import (
	"fmt"

	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

func readSections(img imageaccess.ImageAccess, cls Class, hdr header) ([]section, error) {
	tab, err := readTable(img, "section header", hdr.Shoff, hdr.Shnum, hdr.Shentsize, cls.SectionSize())
	if err != nil {
		return nil, err
	}
	sections := make([]section, hdr.Shnum)
	for i := range sections {
		sections[i] = cls.decodeSection(tab[uint64(i)*hdr.Shentsize:])
	}
	return sections, nil
}

// loadedHeader reads the ELF header back from the start of the loaded image.
func loadedHeader(cls Class, mem physmem.Memory, info *LoadInfo) ([]byte, header, error) {
	buf := make([]byte, cls.HeaderSize())
	if err := physmem.Read(mem, info.StartAddr, buf); err != nil || !headerValid(cls, buf) {
		return nil, header{}, ErrHeaderNotInTarget
	}
	return buf, cls.decodeHeader(buf), nil
}

// copySectionHeaderTable places the section header table at SectionsAddr and
// points the loaded header's e_shoff at it.
func copySectionHeaderTable(img imageaccess.ImageAccess, cls Class, mem physmem.Memory, info *LoadInfo) error {
	hbuf, hdr, err := loadedHeader(cls, mem, info)
	if err != nil {
		return err
	}
	size := hdr.Shnum * hdr.Shentsize
	tab, ok := imageaccess.MapFull(img, hdr.Shoff, size)
	if !ok {
		return fmt.Errorf("%w: section header table at %#x", ErrShortRead, hdr.Shoff)
	}
	if err := physmem.Copy(mem, info.SectionsAddr, tab); err != nil {
		return fmt.Errorf("copy section headers to %#x: %w", info.SectionsAddr, err)
	}

	cls.putShoff(hbuf, (info.SectionsAddr-info.StartAddr)&cls.Mask())
	if err := physmem.Copy(mem, info.StartAddr, hbuf); err != nil {
		return fmt.Errorf("update loaded header: %w", err)
	}
	info.log().Debug("elf section headers copied",
		"addr", fmt.Sprintf("%#x", info.SectionsAddr),
		"count", hdr.Shnum)
	return nil
}

// copySections walks the relocated section header table. Sections that
// already have an address were loaded with their segment and are rebased;
// the rest are packed after the table honouring their alignment.
func copySections(img imageaccess.ImageAccess, cls Class, mem physmem.Memory, info *LoadInfo) error {
	_, hdr, err := loadedHeader(cls, mem, info)
	if err != nil {
		return err
	}
	if hdr.Shnum == 0 {
		return nil
	}
	if hdr.Shentsize < cls.SectionSize() {
		return fmt.Errorf("%w: section entry size %d", ErrWrongFormat, hdr.Shentsize)
	}

	mask := cls.Mask()
	size := hdr.Shnum * hdr.Shentsize
	if err := checkSpan("section header table", size, mem, info); err != nil {
		return err
	}
	tab := make([]byte, size)
	if err := physmem.Read(mem, info.SectionsAddr, tab); err != nil {
		return fmt.Errorf("read section headers at %#x: %w", info.SectionsAddr, err)
	}

	cursor := (info.SectionsAddr + size) & mask
	for i := uint64(0); i < hdr.Shnum; i++ {
		ent := tab[i*hdr.Shentsize:]
		s := cls.decodeSection(ent)
		if s.Addr != 0 {
			cls.putSectionAddr(ent, (s.Addr+info.RelocationOffset)&mask)
			continue
		}
		if s.Size == 0 {
			continue
		}
		if s.Addralign > 1 {
			cursor = alignUp(cursor, s.Addralign, mask)
		}
		data, ok := imageaccess.MapFull(img, s.Offset, s.Size)
		if !ok {
			return fmt.Errorf("%w: section %d at %#x", ErrShortRead, i, s.Offset)
		}
		if err := physmem.Copy(mem, cursor, data); err != nil {
			return fmt.Errorf("copy section %d to %#x: %w", i, cursor, err)
		}
		cls.putSectionAddr(ent, cursor)
		info.log().Debug("elf section packed",
			"index", i,
			"addr", fmt.Sprintf("%#x", cursor),
			"size", fmt.Sprintf("%#x", s.Size))
		cursor = (cursor + s.Size) & mask
	}

	if err := physmem.Copy(mem, info.SectionsAddr, tab); err != nil {
		return fmt.Errorf("write section headers at %#x: %w", info.SectionsAddr, err)
	}
	return nil
}
