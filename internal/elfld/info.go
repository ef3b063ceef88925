package elfld

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/xmonboot/internal/imageaccess"
)

const (
	pageMask          = 0xfff
	sectionTableAlign = 16
)

// LoadInfo is the load plan of one image. GetLoadInfo fills the computed
// fields, Relocate moves them to the destination, LoadExecutable consumes
// them.
type LoadInfo struct {
	Machine elf.Machine

	// Inputs.
	CopySectionHeaders bool
	CopySymbolTables   bool
	Logger             *slog.Logger

	StartAddr    uint64
	EndAddr      uint64
	EntryAddr    uint64
	SectionsAddr uint64

	// RelocationOffset is destination minus natural load address, modulo the
	// class address width.
	RelocationOffset uint64

	relocated bool
}

func (li *LoadInfo) log() *slog.Logger {
	if li.Logger != nil {
		return li.Logger
	}
	return slog.Default()
}

func (li *LoadInfo) copySections() bool {
	return li.CopySectionHeaders || li.CopySymbolTables
}

// LoadSize is the number of destination bytes the image occupies.
func (li *LoadInfo) LoadSize() uint64 { return li.EndAddr - li.StartAddr }

// Relocate moves the plan so the image starts at dest. Every address field is
// shifted by the same offset exactly once.
func (li *LoadInfo) Relocate(dest uint64) error {
	if li.relocated {
		return ErrAlreadyRelocated
	}
	mask := maskFor(li.Machine)
	off := (dest - li.StartAddr) & mask
	li.RelocationOffset = off
	li.StartAddr = (li.StartAddr + off) & mask
	li.EndAddr = (li.EndAddr + off) & mask
	li.EntryAddr = (li.EntryAddr + off) & mask
	li.SectionsAddr = (li.SectionsAddr + off) & mask
	li.relocated = true
	return nil
}

func maskFor(m elf.Machine) uint64 {
	if m == elf.EM_386 {
		return math.MaxUint32
	}
	return math.MaxUint64
}

// readHeader maps and validates the ELF header of img.
func readHeader(img imageaccess.ImageAccess, cls Class) (header, error) {
	buf, ok := imageaccess.MapFull(img, 0, cls.HeaderSize())
	if !ok {
		return header{}, fmt.Errorf("%w: ELF header", ErrShortRead)
	}
	if !headerValid(cls, buf) {
		return header{}, ErrWrongFormat
	}
	hdr := cls.decodeHeader(buf)
	if hdr.Type != elf.ET_EXEC && hdr.Type != elf.ET_DYN {
		return header{}, fmt.Errorf("%w: type %v", ErrNotExecutable, hdr.Type)
	}
	return hdr, nil
}

// readTable maps n entries of entsize bytes at off. Entries must be at least
// minSize bytes long.
func readTable(img imageaccess.ImageAccess, what string, off, n, entsize, minSize uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if entsize < minSize {
		return nil, fmt.Errorf("%w: %s entry size %d", ErrWrongFormat, what, entsize)
	}
	buf, ok := imageaccess.MapFull(img, off, n*entsize)
	if !ok {
		return nil, fmt.Errorf("%w: %s table at %#x", ErrShortRead, what, off)
	}
	return buf, nil
}

func readProgs(img imageaccess.ImageAccess, cls Class, hdr header) ([]prog, error) {
	tab, err := readTable(img, "program header", hdr.Phoff, hdr.Phnum, hdr.Phentsize, cls.ProgSize())
	if err != nil {
		return nil, err
	}
	progs := make([]prog, hdr.Phnum)
	for i := range progs {
		progs[i] = cls.decodeProg(tab[uint64(i)*hdr.Phentsize:])
	}
	return progs, nil
}

// GetLoadInfo computes the destination footprint of img: the lowest and
// highest loadable physical addresses plus room for the section header table
// and orphan sections when the plan asks to preserve them. No memory is
// touched.
func GetLoadInfo(img imageaccess.ImageAccess, cls Class, info *LoadInfo) error {
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
	low := mask
	high := uint64(0)
	loadable := 0
	for _, p := range progs {
		log.Debug("elf segment",
			"start", fmt.Sprintf("%#x", p.Paddr),
			"end", fmt.Sprintf("%#x", (p.Paddr+p.Memsz)&mask),
			"offset", fmt.Sprintf("%#x", p.Offset),
			"filesz", fmt.Sprintf("%#x", p.Filesz),
			"memsz", fmt.Sprintf("%#x", p.Memsz),
			"type", p.Type)
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		loadable++
		if p.Paddr < low {
			low = p.Paddr
		}
		if end := (p.Paddr + p.Memsz) & mask; end > high {
			high = end
		}
	}
	if loadable == 0 {
		return ErrNoLoadableSegments
	}
	if low&pageMask != 0 {
		return fmt.Errorf("%w: %#x", ErrUnalignedStart, low)
	}

	info.SectionsAddr = 0
	if info.copySections() {
		high = alignUp(high, sectionTableAlign, mask)
		info.SectionsAddr = high
		high = (high + hdr.Shnum*hdr.Shentsize) & mask

		if info.CopySymbolTables {
			sections, err := readSections(img, cls, hdr)
			if err != nil {
				return err
			}
			for _, s := range sections {
				if s.Size == 0 || s.Addr != 0 {
					continue
				}
				if s.Addralign > 1 {
					high = alignUp(high, s.Addralign, mask)
				}
				high = (high + s.Size) & mask
			}
		}
	}

	info.Machine = cls.Machine()
	info.StartAddr = low
	info.EndAddr = high
	info.EntryAddr = hdr.Entry
	info.RelocationOffset = 0
	info.relocated = false
	return nil
}

func alignUp(v, align, mask uint64) uint64 {
	return (v + align - 1) &^ (align - 1) & mask
}
