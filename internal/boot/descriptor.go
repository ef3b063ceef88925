package boot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/tinyrange/xmonboot/internal/elfld"
	"github.com/tinyrange/xmonboot/internal/pack"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

const (
	StartupStructVersion = 1
	DefaultStackPages    = 10
	DefaultVerbosity     = 4

	// FlagPostOSLaunch marks a launch after the OS is running. Startap then
	// leaves the processor count alone.
	FlagPostOSLaunch = 1 << 0
)

// Debug port identification stored in DebugParams.
const (
	DebugPortNone   = 0
	DebugPortSerial = 1

	DebugIdentDefault = 0
	DebugIdentIO      = 1

	DebugVirtNone = 0
)

// ImageLayout describes one image the hypervisor owns at runtime.
type ImageLayout struct {
	Base      uint64
	Entry     uint64
	ImageSize uint64
	TotalSize uint64
}

type DebugParams struct {
	Verbosity uint8
	PortType  uint8
	IdentType uint8
	VirtMode  uint8
	IOBase    uint16
	Mask      uint64
}

// StartupStruct is handed to the hypervisor entry on every CPU.
type StartupStruct struct {
	Size                 uint16
	Version              uint16
	ProcessorsAtInstall  uint16
	ProcessorsAtBoot     uint16
	SecondaryGuests      uint16
	StackPages           uint16
	Flags                uint32
	PrimaryGuestState    uint64
	SecondaryGuestStates uint64
	E820                 uint64
	Hypervisor           ImageLayout
	StartAP              ImageLayout
	Debug                DebugParams
}

type startupWire struct {
	Size                 uint16
	Version              uint16
	ProcessorsAtInstall  uint16
	ProcessorsAtBoot     uint16
	SecondaryGuests      uint16
	StackPages           uint16
	Flags                uint32
	PrimaryGuestState    uint64
	SecondaryGuestStates uint64
	E820                 uint64
	Layouts              [8]uint64
	Verbosity            uint8
	PortType             uint8
	IdentType            uint8
	VirtMode             uint8
	IOBase               uint16
	Reserved             uint16
	Mask                 uint64
}

func sizeof(v any) int {
	n, err := struc.Sizeof(v)
	if err != nil {
		panic(fmt.Sprintf("boot: sizeof %T: %v", v, err))
	}
	return n
}

// StartupStructSize is the encoded size of StartupStruct.
var StartupStructSize = sizeof(&startupWire{})

func (l ImageLayout) words() [4]uint64 {
	return [4]uint64{l.Base, l.Entry, l.ImageSize, l.TotalSize}
}

func layoutFrom(w []uint64) ImageLayout {
	return ImageLayout{Base: w[0], Entry: w[1], ImageSize: w[2], TotalSize: w[3]}
}

func (s StartupStruct) MarshalBinary() ([]byte, error) {
	w := startupWire{
		Size:                 s.Size,
		Version:              s.Version,
		ProcessorsAtInstall:  s.ProcessorsAtInstall,
		ProcessorsAtBoot:     s.ProcessorsAtBoot,
		SecondaryGuests:      s.SecondaryGuests,
		StackPages:           s.StackPages,
		Flags:                s.Flags,
		PrimaryGuestState:    s.PrimaryGuestState,
		SecondaryGuestStates: s.SecondaryGuestStates,
		E820:                 s.E820,
		Verbosity:            s.Debug.Verbosity,
		PortType:             s.Debug.PortType,
		IdentType:            s.Debug.IdentType,
		VirtMode:             s.Debug.VirtMode,
		IOBase:               s.Debug.IOBase,
		Mask:                 s.Debug.Mask,
	}
	hv, ap := s.Hypervisor.words(), s.StartAP.words()
	copy(w.Layouts[:4], hv[:])
	copy(w.Layouts[4:], ap[:])
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, &w, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("encode startup struct: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *StartupStruct) UnmarshalBinary(b []byte) error {
	var w startupWire
	if err := struc.UnpackWithOrder(bytes.NewReader(b), &w, binary.LittleEndian); err != nil {
		return fmt.Errorf("decode startup struct: %w", err)
	}
	*s = StartupStruct{
		Size:                 w.Size,
		Version:              w.Version,
		ProcessorsAtInstall:  w.ProcessorsAtInstall,
		ProcessorsAtBoot:     w.ProcessorsAtBoot,
		SecondaryGuests:      w.SecondaryGuests,
		StackPages:           w.StackPages,
		Flags:                w.Flags,
		PrimaryGuestState:    w.PrimaryGuestState,
		SecondaryGuestStates: w.SecondaryGuestStates,
		E820:                 w.E820,
		Hypervisor:           layoutFrom(w.Layouts[:4]),
		StartAP:              layoutFrom(w.Layouts[4:]),
		Debug: DebugParams{
			Verbosity: w.Verbosity,
			PortType:  w.PortType,
			IdentType: w.IdentType,
			VirtMode:  w.VirtMode,
			IOBase:    w.IOBase,
			Mask:      w.Mask,
		},
	}
	return nil
}

// ReadStartup decodes the startup struct stored at addr.
func ReadStartup(mem physmem.Memory, addr uint64) (StartupStruct, error) {
	var s StartupStruct
	buf := make([]byte, StartupStructSize)
	if err := physmem.Read(mem, addr, buf); err != nil {
		return s, fmt.Errorf("read startup struct: %w", err)
	}
	err := s.UnmarshalBinary(buf)
	return s, err
}

// WriteStartup stores s at addr.
func WriteStartup(mem physmem.Memory, addr uint64, s StartupStruct) error {
	raw, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if err := physmem.Copy(mem, addr, raw); err != nil {
		return fmt.Errorf("write startup struct: %w", err)
	}
	return nil
}

// FileInfo is where a packed component sits in physical memory.
type FileInfo struct {
	Addr uint64
	Size uint64
}

// ImageRecord is a loaded ELF image and the area reserved for it.
type ImageRecord struct {
	Base      uint64
	TotalSize uint64 // at least Info.LoadSize
	Info      elfld.ImageInfo
	Entry     uint64
}

// Init32 tells startap where to put the AP wakeup code and how many APs to
// wake.
type Init32 struct {
	LowMemoryPage uint32
	NumOfAPs      uint32
}

type GuestInfo struct {
	Base      uint64
	TotalSize uint64
	Entry     uint64
}

// Descriptor is the state the stages hand to each other. The starter fills
// the memory addresses and files; the loader fills the rest.
type Descriptor struct {
	// Magic is the boot protocol value the boot loader left in RAX.
	Magic uint32

	LoaderMemAddr  uint64
	RuntimeMemAddr uint64
	Files          [pack.MaxComponents]FileInfo

	LoaderEntry uint64

	// StartupAddr locates the encoded startup struct; Startup is a copy.
	StartupAddr uint64
	Startup     StartupStruct

	StartAP        ImageRecord
	Init32         Init32
	Hypervisor     ImageRecord
	SecondaryGuest GuestInfo
}

type descriptorWire struct {
	Magic          uint64
	LoaderMemAddr  uint64
	RuntimeMemAddr uint64
	Files          [2 * pack.MaxComponents]uint64
	LoaderEntry    uint64
	StartupAddr    uint64
	StartAP        [5]uint64
	Init32         [2]uint32
	Hypervisor     [5]uint64
	SecondaryGuest [3]uint64
}

// DescriptorSize is the encoded size of a Descriptor.
var DescriptorSize = sizeof(&descriptorWire{})

func (r ImageRecord) words() [5]uint64 {
	return [5]uint64{r.Base, r.TotalSize, uint64(r.Info.Machine), r.Info.LoadSize, r.Entry}
}

func recordFrom(w [5]uint64) ImageRecord {
	return ImageRecord{
		Base:      w[0],
		TotalSize: w[1],
		Info:      elfld.ImageInfo{Machine: elfld.MachineType(w[2]), LoadSize: w[3]},
		Entry:     w[4],
	}
}

func (d *Descriptor) MarshalBinary() ([]byte, error) {
	w := descriptorWire{
		Magic:          uint64(d.Magic),
		LoaderMemAddr:  d.LoaderMemAddr,
		RuntimeMemAddr: d.RuntimeMemAddr,
		LoaderEntry:    d.LoaderEntry,
		StartupAddr:    d.StartupAddr,
		StartAP:        d.StartAP.words(),
		Init32:         [2]uint32{d.Init32.LowMemoryPage, d.Init32.NumOfAPs},
		Hypervisor:     d.Hypervisor.words(),
		SecondaryGuest: [3]uint64{d.SecondaryGuest.Base, d.SecondaryGuest.TotalSize, d.SecondaryGuest.Entry},
	}
	for i, f := range d.Files {
		w.Files[2*i] = f.Addr
		w.Files[2*i+1] = f.Size
	}
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, &w, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadDescriptor decodes the descriptor stored at addr. Startup is filled
// from StartupAddr when that is set.
func ReadDescriptor(mem physmem.Memory, addr uint64) (*Descriptor, error) {
	buf := make([]byte, DescriptorSize)
	if err := physmem.Read(mem, addr, buf); err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var w descriptorWire
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), &w, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	d := &Descriptor{
		Magic:          uint32(w.Magic),
		LoaderMemAddr:  w.LoaderMemAddr,
		RuntimeMemAddr: w.RuntimeMemAddr,
		LoaderEntry:    w.LoaderEntry,
		StartupAddr:    w.StartupAddr,
		StartAP:        recordFrom(w.StartAP),
		Init32:         Init32{LowMemoryPage: w.Init32[0], NumOfAPs: w.Init32[1]},
		Hypervisor:     recordFrom(w.Hypervisor),
		SecondaryGuest: GuestInfo{Base: w.SecondaryGuest[0], TotalSize: w.SecondaryGuest[1], Entry: w.SecondaryGuest[2]},
	}
	for i := range d.Files {
		d.Files[i] = FileInfo{Addr: w.Files[2*i], Size: w.Files[2*i+1]}
	}
	if d.StartupAddr != 0 {
		s, err := ReadStartup(mem, d.StartupAddr)
		if err != nil {
			return nil, err
		}
		d.Startup = s
	}
	return d, nil
}

func writeDescriptor(mem physmem.Memory, addr uint64, d *Descriptor) error {
	raw, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	if err := physmem.Copy(mem, addr, raw); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}
