package elfld

import (
	"debug/elf"
	"fmt"

	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

// LoadExecutable copies the loadable segments of img into mem at their
// physical addresses shifted by info.RelocationOffset, zeroes BSS, fixes up
// the copied program headers, applies dynamic relocations and optionally
// preserves section headers and orphan sections.
//
// A failed load leaves the destination undefined.
func LoadExecutable(img imageaccess.ImageAccess, cls Class, mem physmem.Memory, info *LoadInfo) error {
	hdr, err := readHeader(img, cls)
	if err != nil {
		return err
	}
	progs, err := readProgs(img, cls, hdr)
	if err != nil {
		return err
	}

	log := info.log()
	mask := cls.Mask()
	off := info.RelocationOffset

	var dynamic *prog
	for i := range progs {
		p := &progs[i]
		if p.Type == elf.PT_DYNAMIC {
			dynamic = p
			continue
		}
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		filesz := min(p.Filesz, p.Memsz)
		dst := (p.Paddr + off) & mask
		data, ok := imageaccess.MapFull(img, p.Offset, filesz)
		if !ok {
			return fmt.Errorf("%w: segment at file offset %#x", ErrShortRead, p.Offset)
		}
		if err := physmem.Copy(mem, dst, data); err != nil {
			return fmt.Errorf("copy segment to %#x: %w", dst, err)
		}
		if bss := p.Memsz - filesz; bss > 0 {
			if err := physmem.Zero(mem, dst+filesz, bss); err != nil {
				return fmt.Errorf("zero bss at %#x: %w", dst+filesz, err)
			}
		}
		log.Debug("elf load",
			"dst", fmt.Sprintf("%#x", dst),
			"filesz", fmt.Sprintf("%#x", filesz),
			"bss", fmt.Sprintf("%#x", p.Memsz-filesz))
	}

	if err := fixupProgramHeaders(cls, mem, info); err != nil {
		return err
	}

	if dynamic != nil {
		if err := applyRelocations(img, cls, mem, info, *dynamic); err != nil {
			return err
		}
	}

	if info.copySections() {
		if err := copySectionHeaderTable(img, cls, mem, info); err != nil {
			return err
		}
	}
	if info.CopySymbolTables {
		if err := copySections(img, cls, mem, info); err != nil {
			return err
		}
	}
	return nil
}

// fixupProgramHeaders rewrites the program header table inside the loaded
// image so non-empty segments report their relocated addresses. Images whose
// first page does not carry the ELF header have nothing to fix.
func fixupProgramHeaders(cls Class, mem physmem.Memory, info *LoadInfo) error {
	hbuf := make([]byte, cls.HeaderSize())
	if err := physmem.Read(mem, info.StartAddr, hbuf); err != nil {
		return fmt.Errorf("read loaded header: %w", err)
	}
	if !headerValid(cls, hbuf) {
		info.log().Debug("elf header not loaded, skipping program header fixup")
		return nil
	}
	hdr := cls.decodeHeader(hbuf)
	if hdr.Phnum == 0 || hdr.Phentsize < cls.ProgSize() {
		return nil
	}

	mask := cls.Mask()
	addr := (info.StartAddr + hdr.Phoff) & mask
	if err := checkSpan("loaded program header table", hdr.Phnum*hdr.Phentsize, mem, info); err != nil {
		return err
	}
	tab := make([]byte, hdr.Phnum*hdr.Phentsize)
	if err := physmem.Read(mem, addr, tab); err != nil {
		return fmt.Errorf("read loaded program headers: %w", err)
	}
	for i := uint64(0); i < hdr.Phnum; i++ {
		ent := tab[i*hdr.Phentsize:]
		p := cls.decodeProg(ent)
		if p.Memsz == 0 {
			continue
		}
		cls.putProgAddrs(ent,
			(p.Vaddr+info.RelocationOffset)&mask,
			(p.Paddr+info.RelocationOffset)&mask)
	}
	if err := physmem.Copy(mem, addr, tab); err != nil {
		return fmt.Errorf("write loaded program headers: %w", err)
	}
	return nil
}

// checkSpan rejects a table that cannot fit in the loaded image or in mem
// before a buffer is allocated for it.
func checkSpan(what string, size uint64, mem physmem.Memory, info *LoadInfo) error {
	if size > info.LoadSize() || size > mem.Size() {
		return fmt.Errorf("%w: %s of %#x bytes exceeds loaded image of %#x bytes", ErrOutOfRange, what, size, info.LoadSize())
	}
	return nil
}
