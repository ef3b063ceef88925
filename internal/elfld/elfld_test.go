package elfld

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tinyrange/xmonboot/internal/elfld/elftest"
	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

func build(t *testing.T, img elftest.Image) []byte {
	t.Helper()
	raw, err := img.Build()
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	return raw
}

func newRAM(t *testing.T, size uint64, fill byte) *physmem.RAM {
	t.Helper()
	ram, err := physmem.NewRAM(0, size)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	buf := ram.Bytes()
	for i := range buf {
		buf[i] = fill
	}
	return ram
}

func classFor(c elf.Class) Class {
	if c == elf.ELFCLASS32 {
		return ELF32
	}
	return ELF64
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i*13)
	}
	return buf
}

func permutations(segs []elftest.Segment) [][]elftest.Segment {
	if len(segs) <= 1 {
		return [][]elftest.Segment{append([]elftest.Segment(nil), segs...)}
	}
	var out [][]elftest.Segment
	for i := range segs {
		rest := make([]elftest.Segment, 0, len(segs)-1)
		rest = append(rest, segs[:i]...)
		rest = append(rest, segs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]elftest.Segment{segs[i]}, p...))
		}
	}
	return out
}

func TestGetLoadInfoIgnoresProgramHeaderOrder(t *testing.T) {
	segs := []elftest.Segment{
		{Type: elf.PT_LOAD, Paddr: 0x3000, Data: pattern(0x100, 1), Memsz: 0x800},
		{Type: elf.PT_LOAD, Paddr: 0x1000, Data: pattern(0x80, 2)},
		{Type: elf.PT_LOAD, Paddr: 0x5000, Data: pattern(0x40, 3), Memsz: 0x2000},
		// Neither of these may lower the start address.
		{Type: elf.PT_NOTE, Paddr: 0x0, Data: pattern(0x10, 4)},
		{Type: elf.PT_LOAD, Paddr: 0x0},
	}
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		for i, order := range permutations(segs) {
			raw := build(t, elftest.Image{Class: class, Entry: 0x1040, Segments: order})
			var info LoadInfo
			if err := GetLoadInfo(imageaccess.NewMemory(raw), classFor(class), &info); err != nil {
				t.Fatalf("%v order %d: GetLoadInfo: %v", class, i, err)
			}
			if info.StartAddr != 0x1000 || info.EndAddr != 0x7000 {
				t.Fatalf("%v order %d: span = [%#x, %#x), want [0x1000, 0x7000)", class, i, info.StartAddr, info.EndAddr)
			}
			if info.EntryAddr != 0x1040 {
				t.Fatalf("%v order %d: entry = %#x", class, i, info.EntryAddr)
			}
		}
	}
}

func TestUnalignedStartDoesNotTouchMemory(t *testing.T) {
	raw := build(t, elftest.Image{
		Segments: []elftest.Segment{{Type: elf.PT_LOAD, Paddr: 0x1010, Data: pattern(0x100, 9)}},
	})
	var info LoadInfo
	err := GetLoadInfo(imageaccess.NewMemory(raw), ELF64, &info)
	if !errors.Is(err, ErrUnalignedStart) {
		t.Fatalf("GetLoadInfo error = %v, want ErrUnalignedStart", err)
	}

	ram := newRAM(t, 0x4000, 0xcc)
	if _, err := Load(imageaccess.NewMemory(raw), ram, 0x1000, Options{}); !errors.Is(err, ErrUnalignedStart) {
		t.Fatalf("Load error = %v, want ErrUnalignedStart", err)
	}
	if !bytes.Equal(ram.Bytes(), bytes.Repeat([]byte{0xcc}, 0x4000)) {
		t.Fatalf("failed load modified memory")
	}
}

func TestRejectsImages(t *testing.T) {
	good := elftest.Image{Segments: []elftest.Segment{{Type: elf.PT_LOAD, Paddr: 0x1000, Data: pattern(16, 0)}}}

	bigEndian := build(t, good)
	bigEndian[elf.EI_DATA] = byte(elf.ELFDATA2MSB)

	wrongMachine := good
	wrongMachine.Machine = elf.EM_AARCH64

	relocatable := good
	relocatable.Type = elf.ET_REL

	noLoad := elftest.Image{Segments: []elftest.Segment{{Type: elf.PT_NOTE, Paddr: 0x1000, Data: pattern(16, 0)}}}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"garbage", pattern(128, 7), ErrWrongFormat},
		{"empty", nil, ErrWrongFormat},
		{"big endian", bigEndian, ErrWrongFormat},
		{"wrong machine", build(t, wrongMachine), ErrWrongFormat},
		{"relocatable", build(t, relocatable), ErrNotExecutable},
		{"no loadable segments", build(t, noLoad), ErrNoLoadableSegments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GetImageInfoBytes(tt.raw, uint64(len(tt.raw))); !errors.Is(err, tt.want) {
				t.Fatalf("GetImageInfoBytes error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTwoSegmentLoad(t *testing.T) {
	seg1 := pattern(0x1800, 0x11)
	seg2 := pattern(0x1000, 0x22)
	raw := build(t, elftest.Image{
		Entry: 0x1200,
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Paddr: 0x1000, Data: seg1, Memsz: 0x2000, CarriesHeaders: true},
			{Type: elf.PT_LOAD, Paddr: 0x4000, Data: seg2},
		},
	})

	ram := newRAM(t, 0x8000, 0xcc)
	info, err := Load(imageaccess.NewMemory(raw), ram, 0x1000, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.StartAddr != 0x1000 || info.EndAddr != 0x5000 {
		t.Fatalf("span = [%#x, %#x), want [0x1000, 0x5000)", info.StartAddr, info.EndAddr)
	}
	if info.RelocationOffset != 0 || info.EntryAddr != 0x1200 {
		t.Fatalf("offset = %#x entry = %#x", info.RelocationOffset, info.EntryAddr)
	}

	mem := ram.Bytes()
	if !bytes.Equal(mem[0x1000:0x2800], raw[:0x1800]) {
		t.Fatalf("first segment content differs from file")
	}
	if !bytes.Equal(mem[0x2800:0x3000], make([]byte, 0x800)) {
		t.Fatalf("bss not zeroed")
	}
	if !bytes.Equal(mem[0x3000:0x4000], bytes.Repeat([]byte{0xcc}, 0x1000)) {
		t.Fatalf("gap between segments was written")
	}
	if !bytes.Equal(mem[0x4000:0x5000], seg2) {
		t.Fatalf("second segment content differs from file")
	}
}

func TestRelocatedLoadFixesProgramHeaders(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		t.Run(class.String(), func(t *testing.T) {
			cls := classFor(class)
			raw := build(t, elftest.Image{
				Class: class,
				Entry: 0x1010,
				Segments: []elftest.Segment{
					{Type: elf.PT_LOAD, Paddr: 0x1000, Data: pattern(0x400, 1), Memsz: 0x1000, CarriesHeaders: true},
					{Type: elf.PT_LOAD, Paddr: 0x2000, Data: pattern(0x100, 2)},
					{Type: elf.PT_NOTE, Paddr: 0x2100},
				},
			})

			ram := newRAM(t, 0x20000, 0)
			entry, err := LoadImage(raw, ram, 0x10000, uint64(len(raw)))
			if err != nil {
				t.Fatalf("LoadImage: %v", err)
			}
			if entry != 0x10010 {
				t.Fatalf("entry = %#x, want 0x10010", entry)
			}

			mem := ram.Bytes()
			hdr := cls.decodeHeader(mem[0x10000:])
			var got []prog
			for i := uint64(0); i < hdr.Phnum; i++ {
				p := cls.decodeProg(mem[0x10000+hdr.Phoff+i*hdr.Phentsize:])
				got = append(got, prog{Type: p.Type, Vaddr: p.Vaddr, Paddr: p.Paddr})
			}
			want := []prog{
				{Type: elf.PT_LOAD, Vaddr: 0x10000, Paddr: 0x10000},
				{Type: elf.PT_LOAD, Vaddr: 0x11000, Paddr: 0x11000},
				{Type: elf.PT_NOTE, Vaddr: 0x2100, Paddr: 0x2100},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("loaded program headers (-want +got):\n%s", diff)
			}
			if !bytes.Equal(mem[0x11000:0x11100], pattern(0x100, 2)) {
				t.Fatalf("second segment not at relocated address")
			}
		})
	}
}

// relocImage lays out a position-independent image linked at 0: headers,
// a relocation table at 0x400, symbols at 0x600 and targets from 0x800.
func relocImage(t *testing.T, class elf.Class, table []byte, dyn []elftest.Dyn, targets map[uint64][]byte) []byte {
	t.Helper()
	body := make([]byte, 0x1000)
	copy(body[0x400:], table)
	copy(body[0x600:], elftest.EncodeSymbols(class, 0, 0x2000))
	for off, b := range targets {
		copy(body[off:], b)
	}
	return build(t, elftest.Image{
		Class: class,
		Type:  elf.ET_DYN,
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Paddr: 0, Data: body, CarriesHeaders: true},
			{Type: elf.PT_DYNAMIC, Paddr: 0xf00, Data: elftest.EncodeDynamic(class, dyn...)},
		},
	})
}

func relaDyn(class elf.Class, n int) []elftest.Dyn {
	return []elftest.Dyn{
		{Tag: elf.DT_RELA, Val: 0x400},
		{Tag: elf.DT_RELASZ, Val: uint64(n) * elftest.RelaSize(class)},
		{Tag: elf.DT_RELAENT, Val: elftest.RelaSize(class)},
		{Tag: elf.DT_SYMTAB, Val: 0x600},
		{Tag: elf.DT_SYMENT, Val: elftest.SymSize(class)},
	}
}

func TestRelaRelocations(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		cls := classFor(class)
		table := elftest.EncodeRela(class,
			elftest.Reloc{Offset: 0x800, Type: cls.RelativeReloc(), Addend: 0x100},
			elftest.Reloc{Offset: 0x810, Type: cls.AbsReloc(), Sym: 1, Addend: 0x10},
			elftest.Reloc{Offset: 0x820, Type: 0},
		)
		raw := relocImage(t, class, table, relaDyn(class, 3), map[uint64][]byte{
			0x820: bytes.Repeat([]byte{0x5a}, 8),
		})

		for _, dest := range []uint64{0, 0x20000} {
			ram := newRAM(t, 0x30000, 0)
			if _, err := LoadImage(raw, ram, dest, uint64(len(raw))); err != nil {
				t.Fatalf("%v dest %#x: LoadImage: %v", class, dest, err)
			}
			mem := ram.Bytes()

			rel := cls.word(mem[dest+0x800:])
			if want := 0x100 + dest; rel != want {
				t.Fatalf("%v dest %#x: relative = %#x, want %#x", class, dest, rel, want)
			}
			abs := uint64(le.Uint32(mem[dest+0x810:]))
			if want := 0x10 + dest + 0x2000; abs != want {
				t.Fatalf("%v dest %#x: abs32 = %#x, want %#x", class, dest, abs, want)
			}
			if !bytes.Equal(mem[dest+0x820:dest+0x828], bytes.Repeat([]byte{0x5a}, 8)) {
				t.Fatalf("%v dest %#x: type 0 entry modified its target", class, dest)
			}
		}
	}
}

func TestUnsupportedRelocationFails(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		cls := classFor(class)
		table := elftest.EncodeRela(class,
			elftest.Reloc{Offset: 0x800, Type: cls.RelativeReloc(), Addend: 0x100},
			elftest.Reloc{Offset: 0x810, Type: 2},
		)
		raw := relocImage(t, class, table, relaDyn(class, 2), nil)
		ram := newRAM(t, 0x30000, 0)
		if _, err := LoadImage(raw, ram, 0x10000, uint64(len(raw))); !errors.Is(err, ErrUnsupportedRelocation) {
			t.Fatalf("%v: error = %v, want ErrUnsupportedRelocation", class, err)
		}
	}
}

func TestRelFallback(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		cls := classFor(class)
		table := elftest.EncodeRel(class,
			elftest.Reloc{Offset: 0x800, Type: cls.RelativeReloc()},
			elftest.Reloc{Offset: 0x810, Type: cls.AbsReloc(), Sym: 1},
			elftest.Reloc{Offset: 0x820, Type: 0},
		)
		word := func(v uint64) []byte {
			b := make([]byte, cls.WordSize())
			cls.putWord(b, v)
			return b
		}
		abs := func(v uint32) []byte {
			b := make([]byte, 4)
			le.PutUint32(b, v)
			return b
		}
		dyn := []elftest.Dyn{
			// Incomplete RELA triple must not shadow the REL table.
			{Tag: elf.DT_RELA, Val: 0x400},
			{Tag: elf.DT_RELAENT, Val: elftest.RelaSize(class)},
			{Tag: elf.DT_REL, Val: 0x400},
			{Tag: elf.DT_RELSZ, Val: uint64(len(table))},
			{Tag: elf.DT_RELENT, Val: elftest.RelSize(class)},
			{Tag: elf.DT_SYMTAB, Val: 0x600},
			{Tag: elf.DT_SYMENT, Val: elftest.SymSize(class)},
		}
		raw := relocImage(t, class, table, dyn, map[uint64][]byte{
			0x800: word(0x140),
			0x810: abs(0x8),
			0x820: abs(0xdeadbeef),
		})

		ram := newRAM(t, 0x30000, 0)
		if _, err := LoadImage(raw, ram, 0x10000, uint64(len(raw))); err != nil {
			t.Fatalf("%v: LoadImage: %v", class, err)
		}
		mem := ram.Bytes()
		if got := cls.word(mem[0x10800:]); got != 0x10140 {
			t.Fatalf("%v: relative = %#x, want 0x10140", class, got)
		}
		if got := le.Uint32(mem[0x10810:]); got != 0x8+0x10000+0x2000 {
			t.Fatalf("%v: abs32 = %#x, want %#x", class, got, 0x8+0x10000+0x2000)
		}
		if got := le.Uint32(mem[0x10814:]); got != 0 {
			t.Fatalf("%v: abs32 wrote past its 4-byte target: %#x", class, got)
		}
		if got := le.Uint32(mem[0x10820:]); got != 0xdeadbeef {
			t.Fatalf("%v: type 0 target = %#x", class, got)
		}
	}
}

func TestOversizedRelocationTable(t *testing.T) {
	tests := []struct {
		class elf.Class
		size  uint64
	}{
		{elf.ELFCLASS32, 0xfffffff0},
		{elf.ELFCLASS64, 1 << 62},
	}
	for _, tt := range tests {
		dyn := relaDyn(tt.class, 1)
		dyn[1].Val = tt.size
		table := elftest.EncodeRela(tt.class, elftest.Reloc{Offset: 0x800, Type: classFor(tt.class).RelativeReloc()})
		raw := relocImage(t, tt.class, table, dyn, nil)
		ram := newRAM(t, 0x30000, 0)
		if _, err := LoadImage(raw, ram, 0x10000, uint64(len(raw))); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("%v: error = %v, want ErrOutOfRange", tt.class, err)
		}
	}
}

func TestFileSizeClampedToMemSize(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		data := pattern(0x100, 7)
		raw := build(t, elftest.Image{
			Class:    class,
			Entry:    0x1000,
			Segments: []elftest.Segment{{Type: elf.PT_LOAD, Paddr: 0x1000, Data: data, Memsz: 0x80}},
		})
		ram := newRAM(t, 0x4000, 0xcc)
		info, err := Load(imageaccess.NewMemory(raw), ram, 0x2000, Options{})
		if err != nil {
			t.Fatalf("%v: Load: %v", class, err)
		}
		if info.LoadSize() != 0x80 {
			t.Fatalf("%v: load size = %#x, want 0x80", class, info.LoadSize())
		}
		mem := ram.Bytes()
		if !bytes.Equal(mem[0x2000:0x2080], data[:0x80]) {
			t.Fatalf("%v: segment bytes mismatch", class)
		}
		if !bytes.Equal(mem[0x2080:0x2100], bytes.Repeat([]byte{0xcc}, 0x80)) {
			t.Fatalf("%v: bytes past memsz were written", class)
		}
	}
}

func TestDynamicWithoutTables(t *testing.T) {
	tests := []struct {
		name string
		dyn  []elftest.Dyn
		rela []elftest.Reloc
		want error
	}{
		{
			name: "no relocation table",
			dyn:  []elftest.Dyn{{Tag: elf.DT_SYMTAB, Val: 0x600}},
			want: ErrNoRelocationTable,
		},
		{
			name: "abs32 without symbols",
			dyn: []elftest.Dyn{
				{Tag: elf.DT_RELA, Val: 0x400},
				{Tag: elf.DT_RELASZ, Val: elftest.RelaSize(elf.ELFCLASS64)},
				{Tag: elf.DT_RELAENT, Val: elftest.RelaSize(elf.ELFCLASS64)},
			},
			rela: []elftest.Reloc{{Offset: 0x800, Type: uint32(elf.R_X86_64_32), Sym: 1}},
			want: ErrMissingSymbolTable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := relocImage(t, elf.ELFCLASS64, elftest.EncodeRela(elf.ELFCLASS64, tt.rela...), tt.dyn, nil)
			ram := newRAM(t, 0x30000, 0)
			if _, err := LoadImage(raw, ram, 0x10000, uint64(len(raw))); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSectionPreservation(t *testing.T) {
	symtab := elftest.EncodeSymbols(elf.ELFCLASS64, 0, 0x1010)
	strtab := []byte("\x00foo\x00")
	raw := build(t, elftest.Image{
		Entry: 0x1000,
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Paddr: 0x1000, Data: pattern(0x400, 3), Memsz: 0x1000, CarriesHeaders: true},
		},
		Sections: []elftest.Section{
			{Type: elf.SHT_PROGBITS, Addr: 0x1000, Size: 0x100},
			{Type: elf.SHT_SYMTAB, Data: symtab, Align: 8},
			{Type: elf.SHT_NOBITS},
			{Type: elf.SHT_STRTAB, Data: strtab, Align: 1},
		},
	})
	img := imageaccess.NewMemory(raw)

	var info LoadInfo
	info.CopySymbolTables = true
	if err := GetLoadInfo(img, ELF64, &info); err != nil {
		t.Fatalf("GetLoadInfo: %v", err)
	}
	// Table of five headers at 0x2000, then symtab and strtab packed after it.
	want := LoadInfo{
		Machine:          elf.EM_X86_64,
		CopySymbolTables: true,
		StartAddr:        0x1000,
		EndAddr:          0x2140 + 48 + 5,
		EntryAddr:        0x1000,
		SectionsAddr:     0x2000,
	}
	if diff := cmp.Diff(want, info, cmpopts.IgnoreUnexported(LoadInfo{}), cmpopts.IgnoreFields(LoadInfo{}, "Logger")); diff != "" {
		t.Fatalf("load info (-want +got):\n%s", diff)
	}

	ram := newRAM(t, 0x20000, 0xcc)
	loaded, err := Load(img, ram, 0x10000, Options{CopySymbolTables: true})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.SectionsAddr != 0x11000 || loaded.EndAddr != 0x11175 {
		t.Fatalf("sections at %#x end %#x", loaded.SectionsAddr, loaded.EndAddr)
	}

	mem := ram.Bytes()
	hdr := ELF64.decodeHeader(mem[0x10000:])
	if hdr.Shoff != 0x1000 {
		t.Fatalf("e_shoff = %#x, want 0x1000", hdr.Shoff)
	}
	var addrs []uint64
	for i := uint64(0); i < hdr.Shnum; i++ {
		addrs = append(addrs, ELF64.decodeSection(mem[0x11000+i*hdr.Shentsize:]).Addr)
	}
	if diff := cmp.Diff([]uint64{0, 0x10000, 0x11140, 0, 0x11170}, addrs); diff != "" {
		t.Fatalf("section addresses (-want +got):\n%s", diff)
	}
	if !bytes.Equal(mem[0x11140:0x11140+48], symtab) {
		t.Fatalf("symtab not packed")
	}
	if !bytes.Equal(mem[0x11170:0x11175], strtab) {
		t.Fatalf("strtab not packed")
	}
}

func TestSectionHeadersNeedLoadedHeader(t *testing.T) {
	raw := build(t, elftest.Image{
		Segments: []elftest.Segment{{Type: elf.PT_LOAD, Paddr: 0x1000, Data: pattern(0x100, 5)}},
		Sections: []elftest.Section{{Type: elf.SHT_SYMTAB, Data: pattern(24, 1)}},
	})
	ram := newRAM(t, 0x4000, 0)
	_, err := Load(imageaccess.NewMemory(raw), ram, 0x1000, Options{CopySectionHeaders: true})
	if !errors.Is(err, ErrHeaderNotInTarget) {
		t.Fatalf("error = %v, want ErrHeaderNotInTarget", err)
	}
}

func TestImageInfoAndCapacity(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		raw := build(t, elftest.Image{
			Class: class,
			Segments: []elftest.Segment{
				{Type: elf.PT_LOAD, Paddr: 0x100000, Data: pattern(0x300, 1), Memsz: 0x3000},
			},
		})
		info, err := GetImageInfoBytes(raw, uint64(len(raw)))
		if err != nil {
			t.Fatalf("%v: GetImageInfoBytes: %v", class, err)
		}
		wantMachine := MachineEM64T
		if class == elf.ELFCLASS32 {
			wantMachine = MachineX86
		}
		if info.Machine != wantMachine || info.LoadSize != 0x3000 {
			t.Fatalf("%v: info = %+v", class, info)
		}

		// Cutting the source inside the segment data must fail the load.
		ram := newRAM(t, 0x10000, 0)
		if _, err := LoadImage(raw, ram, 0x1000, uint64(len(raw))-0x100); !errors.Is(err, ErrShortRead) {
			t.Fatalf("%v: truncated load error = %v, want ErrShortRead", class, err)
		}
		if _, err := GetImageInfoBytes(raw, 20); !errors.Is(err, ErrWrongFormat) {
			t.Fatalf("%v: header-only capacity error = %v, want ErrWrongFormat", class, err)
		}
	}
}

func TestRelocateOnce(t *testing.T) {
	info := LoadInfo{Machine: elf.EM_386, StartAddr: 0x1000, EndAddr: 0x3000, EntryAddr: 0x1800, SectionsAddr: 0x2000}
	if err := info.Relocate(0x800000); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if info.StartAddr != 0x800000 || info.EndAddr != 0x802000 || info.EntryAddr != 0x800800 || info.SectionsAddr != 0x801000 {
		t.Fatalf("relocated plan = %+v", info)
	}
	if err := info.Relocate(0x900000); !errors.Is(err, ErrAlreadyRelocated) {
		t.Fatalf("second Relocate error = %v, want ErrAlreadyRelocated", err)
	}

	down := LoadInfo{Machine: elf.EM_386, StartAddr: 0x10000000, EndAddr: 0x10001000}
	if err := down.Relocate(0x1000); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if down.RelocationOffset != 0xF0001000 || down.StartAddr != 0x1000 || down.EndAddr != 0x2000 {
		t.Fatalf("downward relocation = %+v", down)
	}
}
