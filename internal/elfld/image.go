// Package elfld loads 32- and 64-bit x86 ELF executables into physical
// memory at an arbitrary page-aligned destination.
//
// Loading is two-phase: GetLoadInfo computes the footprint without touching
// memory so the caller can place the image, then LoadExecutable copies,
// relocates and optionally preserves section metadata. Load and LoadImage run
// both phases for callers that already own the destination.
package elfld

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

// MachineType is the architecture an image was built for.
type MachineType int

const (
	MachineUnknown MachineType = iota
	MachineX86
	MachineEM64T
)

func (m MachineType) String() string {
	switch m {
	case MachineX86:
		return "x86"
	case MachineEM64T:
		return "x86-64"
	default:
		return "unknown"
	}
}

func machineType(m elf.Machine) MachineType {
	switch m {
	case elf.EM_386:
		return MachineX86
	case elf.EM_X86_64:
		return MachineEM64T
	default:
		return MachineUnknown
	}
}

// ImageInfo is the advisory result of GetImageInfo.
type ImageInfo struct {
	Machine  MachineType
	LoadSize uint64
}

// Options configure a full load.
type Options struct {
	CopySectionHeaders bool
	CopySymbolTables   bool
	Logger             *slog.Logger
}

// DetectClass inspects the header of img and returns the matching Class.
func DetectClass(img imageaccess.ImageAccess) (Class, error) {
	buf := img.MapToMem(0, ELF64.HeaderSize())
	for _, cls := range []Class{ELF32, ELF64} {
		if headerValid(cls, buf) {
			return cls, nil
		}
	}
	return nil, ErrWrongFormat
}

// GetImageInfo reports the machine and destination size of img.
func GetImageInfo(img imageaccess.ImageAccess) (ImageInfo, error) {
	cls, err := DetectClass(img)
	if err != nil {
		return ImageInfo{}, err
	}
	var info LoadInfo
	if err := GetLoadInfo(img, cls, &info); err != nil {
		return ImageInfo{}, err
	}
	return ImageInfo{
		Machine:  machineType(info.Machine),
		LoadSize: info.LoadSize(),
	}, nil
}

// Load places img at dest in mem and returns the relocated plan.
func Load(img imageaccess.ImageAccess, mem physmem.Memory, dest uint64, opts Options) (LoadInfo, error) {
	info := LoadInfo{
		CopySectionHeaders: opts.CopySectionHeaders,
		CopySymbolTables:   opts.CopySymbolTables,
		Logger:             opts.Logger,
	}
	cls, err := DetectClass(img)
	if err != nil {
		return info, err
	}
	if err := GetLoadInfo(img, cls, &info); err != nil {
		return info, fmt.Errorf("get load info: %w", err)
	}
	if err := info.Relocate(dest); err != nil {
		return info, err
	}
	if err := LoadExecutable(img, cls, mem, &info); err != nil {
		return info, fmt.Errorf("load executable at %#x: %w", dest, err)
	}
	return info, nil
}

func window(data []byte, capacity uint64) []byte {
	if capacity < uint64(len(data)) {
		return data[:capacity]
	}
	return data
}

// GetImageInfoBytes is GetImageInfo over the first capacity bytes of data.
func GetImageInfoBytes(data []byte, capacity uint64) (ImageInfo, error) {
	return GetImageInfo(imageaccess.NewMemory(window(data, capacity)))
}

// LoadImage loads the first capacity bytes of data at dest and returns the
// relocated entry point.
func LoadImage(data []byte, mem physmem.Memory, dest, capacity uint64) (uint64, error) {
	info, err := Load(imageaccess.NewMemory(window(data, capacity)), mem, dest, Options{})
	if err != nil {
		return 0, err
	}
	return info.EntryAddr, nil
}
