package boot

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"github.com/tinyrange/xmonboot/internal/e820"
	"github.com/tinyrange/xmonboot/internal/elfld"
	"github.com/tinyrange/xmonboot/internal/elfld/elftest"
	"github.com/tinyrange/xmonboot/internal/layout"
	"github.com/tinyrange/xmonboot/internal/pack"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

const (
	ramBase    = 0x100000
	ramSize    = 0x40000
	loaderBase = 0x100000

	// Derived from testSizes.
	loaderImgBase  = 0x110000
	descriptorBase = 0x124000
	startapBase    = 0x125000
	guestBase      = 0x129000
	hvBase         = 0x12b000
	runtimeSize    = 0xe000
)

var testSizes = layout.Sizes{
	LoaderBin:       0x10000,
	LoaderImg:       0x4000,
	Heap:            0x10000,
	Descriptor:      0x1000,
	StartAPImg:      0x4000,
	SecondaryGuest:  0x2000,
	HypervisorTotal: 0x8000,
}

var testMap = e820.Map{
	{Base: 0, Length: 0x9f000, Type: e820.Memory},
	{Base: 0xf0000, Length: 0x10000, Type: e820.Reserved},
	{Base: ramBase, Length: ramSize, Type: e820.Memory},
}

func build(t *testing.T, img elftest.Image) []byte {
	t.Helper()
	raw, err := img.Build()
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	return raw
}

type images struct {
	loader, startap, hypervisor, guest []byte
}

func defaultImages(t *testing.T) images {
	t.Helper()
	class := elf.ELFCLASS64

	body := make([]byte, 0x1000)
	copy(body[0x400:], elftest.EncodeRela(class,
		elftest.Reloc{Offset: 0x800, Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x200},
	))
	hv := build(t, elftest.Image{
		Class: class,
		Type:  elf.ET_DYN,
		Entry: 0x40,
		Segments: []elftest.Segment{
			{Type: elf.PT_LOAD, Data: body, CarriesHeaders: true},
			{Type: elf.PT_DYNAMIC, Paddr: 0xf00, Data: elftest.EncodeDynamic(class,
				elftest.Dyn{Tag: elf.DT_RELA, Val: 0x400},
				elftest.Dyn{Tag: elf.DT_RELASZ, Val: elftest.RelaSize(class)},
				elftest.Dyn{Tag: elf.DT_RELAENT, Val: elftest.RelaSize(class)},
			)},
		},
	})

	return images{
		loader: build(t, elftest.Image{
			Entry:    0x100,
			Segments: []elftest.Segment{{Type: elf.PT_LOAD, Data: make([]byte, 0x2000), Memsz: 0x3000, CarriesHeaders: true}},
		}),
		startap: build(t, elftest.Image{
			Entry:    0x80,
			Segments: []elftest.Segment{{Type: elf.PT_LOAD, Data: make([]byte, 0x1000), CarriesHeaders: true}},
		}),
		hypervisor: hv,
		guest:      bytes.Repeat([]byte{0x5a, 0xa5}, 0x400),
	}
}

func starterBlob(t *testing.T) []byte {
	t.Helper()
	blob := make([]byte, 0x200)
	mapping, err := pack.EmptyMappingHeader().MarshalBinary()
	if err != nil {
		t.Fatalf("mapping header: %v", err)
	}
	copy(blob[0x40:], mapping)
	boot, err := pack.EmptyBootHeader(0).MarshalBinary()
	if err != nil {
		t.Fatalf("boot header: %v", err)
	}
	copy(blob[0x100:], boot)
	return blob
}

func packImages(t *testing.T, imgs images) []byte {
	t.Helper()
	pkg, err := pack.Pack(pack.PackInput{
		Starter:    starterBlob(t),
		Components: [pack.MaxComponents][]byte{imgs.loader, imgs.startap, imgs.hypervisor, imgs.guest},
		Sizes:      testSizes,
	})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return pkg
}

func testEnv(t *testing.T, pkg []byte) (Env, *physmem.RAM, *Recorder) {
	t.Helper()
	ram, err := physmem.NewRAM(ramBase, ramSize)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	rec := &Recorder{}
	env := Env{
		Mem:           ram,
		Magic:         BootloaderMagic,
		LoaderMemAddr: loaderBase,
		Sizes:         testSizes,
		MemoryMap:     testMap,
		CPUs:          4,
		Launcher:      rec,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if pkg != nil {
		if err := PlacePackage(env, pkg); err != nil {
			t.Fatalf("PlacePackage: %v", err)
		}
	}
	return env, ram, rec
}

func TestFullBootChain(t *testing.T) {
	defer goleak.VerifyNone(t)

	imgs := defaultImages(t)
	env, ram, rec := testEnv(t, packImages(t, imgs))
	var console bytes.Buffer
	env.Console = &console
	env.CmdLine = "quiet iobase=3f8"

	desc, err := RunStarter(context.Background(), env)
	if err != nil {
		t.Fatalf("RunStarter: %v", err)
	}

	if desc.LoaderEntry != loaderImgBase+0x100 {
		t.Fatalf("loader entry = %#x, want %#x", desc.LoaderEntry, loaderImgBase+0x100)
	}
	wantHV := ImageRecord{
		Base:      hvBase,
		TotalSize: testSizes.HypervisorTotal,
		Info:      elfld.ImageInfo{Machine: elfld.MachineEM64T, LoadSize: 0x1000},
		Entry:     hvBase + 0x40,
	}
	if diff := cmp.Diff(wantHV, desc.Hypervisor); diff != "" {
		t.Fatalf("hypervisor record mismatch (-want +got):\n%s", diff)
	}
	if desc.StartAP.Entry != startapBase+0x80 {
		t.Fatalf("startap entry = %#x, want %#x", desc.StartAP.Entry, startapBase+0x80)
	}

	launches := rec.Launches()
	if len(launches) != 4 {
		t.Fatalf("launches = %d, want 4", len(launches))
	}
	if last := launches[len(launches)-1]; last.CPU != 0 {
		t.Fatalf("last launch on cpu %d, want the bootstrap processor", last.CPU)
	}
	var cpus []int
	for _, l := range launches {
		if l.Entry != wantHV.Entry || l.Startup != desc.StartupAddr {
			t.Fatalf("launch %+v, want entry %#x startup %#x", l, wantHV.Entry, desc.StartupAddr)
		}
		cpus = append(cpus, l.CPU)
	}
	sort.Ints(cpus)
	if diff := cmp.Diff([]int{0, 1, 2, 3}, cpus); diff != "" {
		t.Fatalf("cpus mismatch (-want +got):\n%s", diff)
	}

	// The RELATIVE relocation was applied against the runtime base.
	got, err := physmem.ReadUint64(ram, hvBase+0x800)
	if err != nil {
		t.Fatalf("ReadUint64: %v", err)
	}
	if got != hvBase+0x200 {
		t.Fatalf("relocated word = %#x, want %#x", got, hvBase+0x200)
	}

	guest := make([]byte, len(imgs.guest))
	if err := physmem.Read(ram, guestBase, guest); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(guest, imgs.guest) {
		t.Fatalf("secondary guest not copied to %#x", guestBase)
	}

	stored, err := ReadDescriptor(ram, descriptorBase)
	if err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}
	if diff := cmp.Diff(desc, stored, cmpopts.IgnoreFields(Descriptor{}, "Startup")); diff != "" {
		t.Fatalf("stored descriptor mismatch (-want +got):\n%s", diff)
	}

	startup := stored.Startup
	if startup.ProcessorsAtBoot != 4 {
		t.Fatalf("processors at boot = %d, want 4", startup.ProcessorsAtBoot)
	}
	wantDebug := DebugParams{
		Verbosity: DefaultVerbosity,
		PortType:  DebugPortSerial,
		IdentType: DebugIdentIO,
		IOBase:    0x3f8,
		Mask:      ^uint64(0),
	}
	if diff := cmp.Diff(wantDebug, startup.Debug); diff != "" {
		t.Fatalf("debug params mismatch (-want +got):\n%s", diff)
	}
	if startup.Size != uint16(StartupStructSize) || startup.SecondaryGuests != 1 {
		t.Fatalf("startup size %d guests %d", startup.Size, startup.SecondaryGuests)
	}
	if startup.Hypervisor.ImageSize != 0x1000 || startup.StartAP.Base != startapBase {
		t.Fatalf("startup layouts = %+v %+v", startup.Hypervisor, startup.StartAP)
	}

	raw := make([]byte, 4+8*e820.EntrySize)
	if err := physmem.Read(ram, startup.E820, raw); err != nil {
		t.Fatalf("Read e820: %v", err)
	}
	m, err := e820.Decode(raw)
	if err != nil {
		t.Fatalf("Decode e820: %v", err)
	}
	want := e820.Map{
		{Base: 0, Length: 0x9f000, Type: e820.Memory},
		{Base: 0xf0000, Length: 0x10000, Type: e820.Reserved},
		{Base: ramBase, Length: startapBase - ramBase, Type: e820.Memory},
		{Base: startapBase, Length: runtimeSize, Type: e820.Reserved},
		{Base: startapBase + runtimeSize, Length: ramBase + ramSize - startapBase - runtimeSize, Type: e820.Memory},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("e820 map mismatch (-want +got):\n%s", diff)
	}

	if !strings.Contains(console.String(), "starting startap") {
		t.Fatalf("console output = %q", console.String())
	}
}

func TestSingleProcessor(t *testing.T) {
	env, ram, rec := testEnv(t, packImages(t, defaultImages(t)))
	env.CPUs = 1
	var console bytes.Buffer
	env.Console = &console

	desc, err := RunStarter(context.Background(), env)
	if err != nil {
		t.Fatalf("RunStarter: %v", err)
	}
	if got := rec.Launches(); len(got) != 1 || got[0].CPU != 0 {
		t.Fatalf("launches = %+v, want only cpu 0", got)
	}
	startup, err := ReadStartup(ram, desc.StartupAddr)
	if err != nil {
		t.Fatalf("ReadStartup: %v", err)
	}
	if startup.ProcessorsAtBoot != 1 || startup.Debug.PortType != DebugPortNone {
		t.Fatalf("startup = %+v", startup)
	}
	if console.Len() != 0 {
		t.Fatalf("console written without iobase: %q", console.String())
	}
}

func TestBootFailures(t *testing.T) {
	apFault := errors.New("AP did not respond")

	for _, tt := range []struct {
		name   string
		images func(*images)
		pkg    func([]byte) []byte
		env    func(*Env)
		want   Status
	}{
		{
			name: "no mapping header",
			pkg:  func([]byte) []byte { return bytes.Repeat([]byte{0xee}, 0x1000) },
			want: StarterNoFileMappingHeader,
		},
		{
			name: "loader and runtime overlap",
			env:  func(e *Env) { e.RuntimeMemAddr = loaderBase + 0x2000 },
			want: StarterLoaderRuntimeOverlap,
		},
		{
			name: "runtime outside RAM",
			env:  func(e *Env) { e.RuntimeMemAddr = ramBase + ramSize },
			want: StarterNoRuntimeMemory,
		},
		{
			name: "runtime memory not usable",
			env: func(e *Env) {
				e.MemoryMap = e820.Map{{Base: ramBase, Length: startapBase - ramBase, Type: e820.Memory}}
			},
			want: StarterNoRuntimeMemory,
		},
		{
			name:   "32-bit loader",
			images: func(i *images) { i.loader = build32(i.loader) },
			want:   StarterLoaderImageInfoFailed,
		},
		{
			name:   "loader too large",
			images: func(i *images) { i.loader = bigImage(0x5000) },
			want:   StarterLoaderImageInfoFailed,
		},
		{
			name:   "hypervisor too large",
			images: func(i *images) { i.hypervisor = bigImage(0x9000) },
			want:   LoaderHypervisorImageInfoFailed,
		},
		{
			name:   "startap not ELF",
			images: func(i *images) { i.startap = bytes.Repeat([]byte{1}, 0x100) },
			want:   LoaderStartAPImageInfoFailed,
		},
		{
			name: "unknown boot protocol",
			env:  func(e *Env) { e.Magic = 0x2badb002 },
			want: LoaderProtocolOpsFailed,
		},
		{
			name: "command line value too long",
			env:  func(e *Env) { e.CmdLine = "iobase=" + strings.Repeat("f", 80) },
			want: CmdlineValueTooLong,
		},
		{
			name: "no memory map",
			env:  func(e *Env) { e.MemoryMap = nil },
			want: LoaderStartupEnvFailed,
		},
		{
			name: "AP bring-up fails",
			env: func(e *Env) {
				e.InitAP = func(ctx context.Context, cpu int) error {
					if cpu == 2 {
						return apFault
					}
					return nil
				}
			},
			want: LoaderThunkFailed,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			imgs := defaultImages(t)
			if tt.images != nil {
				tt.images(&imgs)
			}
			pkg := packImages(t, imgs)
			if tt.pkg != nil {
				pkg = tt.pkg(pkg)
			}
			env, _, rec := testEnv(t, pkg)
			if tt.env != nil {
				tt.env(&env)
			}

			_, err := RunStarter(context.Background(), env)
			if !errors.Is(err, tt.want) {
				t.Fatalf("RunStarter error = %v, want status %v", err, tt.want)
			}
			if got := StatusOf(err); got != tt.want {
				t.Fatalf("StatusOf = %v, want %v", got, tt.want)
			}
			if tt.want != LoaderThunkFailed && len(rec.Launches()) != 0 {
				t.Fatalf("hypervisor launched after failure: %+v", rec.Launches())
			}
			if tt.want == LoaderThunkFailed && !errors.Is(err, apFault) {
				t.Fatalf("error %v does not wrap the AP fault", err)
			}
		})
	}
}

// build32 flips the class byte so the image no longer parses as ELF64.
func build32(raw []byte) []byte {
	out := append([]byte(nil), raw...)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	return out
}

func bigImage(memsz uint64) []byte {
	raw, err := elftest.Image{
		Segments: []elftest.Segment{{Type: elf.PT_LOAD, Data: make([]byte, 0x200), Memsz: memsz, CarriesHeaders: true}},
	}.Build()
	if err != nil {
		panic(err)
	}
	return raw
}

func TestStatusOf(t *testing.T) {
	if got := StatusOf(nil); got != Success {
		t.Fatalf("StatusOf(nil) = %v", got)
	}
	if got := StatusOf(errors.New("plain")); got != CodingError {
		t.Fatalf("StatusOf(plain) = %v, want CodingError", got)
	}
	err := fail(StarterBinaryMissing, errors.New("startap"))
	if got := StatusOf(err); got != StarterBinaryMissing {
		t.Fatalf("StatusOf = %v", got)
	}
	if got, want := err.Error(), "boot status 0xdead000c (some binary missing): startap"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got := StatusOf(LoaderHeapOutOfMemory); got != LoaderHeapOutOfMemory {
		t.Fatalf("StatusOf(Status) = %v", got)
	}
}

func TestStartupStructEncoding(t *testing.T) {
	s := StartupStruct{
		Size:             uint16(StartupStructSize),
		Version:          StartupStructVersion,
		ProcessorsAtBoot: 3,
		E820:             0x114000,
		Hypervisor:       ImageLayout{Base: 0x1000, Entry: 0x1040, ImageSize: 0x2000, TotalSize: 0x8000},
		Debug:            DebugParams{Verbosity: 4, IOBase: 0x2f8},
	}
	raw, err := s.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) != StartupStructSize {
		t.Fatalf("encoded %d bytes, want %d", len(raw), StartupStructSize)
	}
	if got := binary.LittleEndian.Uint16(raw[6:]); got != 3 {
		t.Fatalf("processors at boot field = %d, want 3", got)
	}
	var back StartupStruct
	if err := back.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(s, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStartAPWithoutWakeupPage(t *testing.T) {
	env, _, _ := testEnv(t, nil)
	err := RunStartAP(context.Background(), env, Init32{NumOfAPs: 2}, 0, 0)
	if !errors.Is(err, LoaderNoAPWakeupAddress) {
		t.Fatalf("RunStartAP error = %v, want %v", err, LoaderNoAPWakeupAddress)
	}
}
