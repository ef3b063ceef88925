// Package layout describes where each boot component lives in physical
// memory, both while the loader runs and once the hypervisor owns the
// machine.
package layout

import (
	"errors"
	"fmt"
)

const (
	PageSize = 0x1000

	// StarterDefaultLoadAddr is where a boot loader places the package when
	// the boot header does not say otherwise.
	StarterDefaultLoadAddr = 0x10000000

	LoaderBinSize      = 0x7D000
	LoaderBinSizeDebug = 0xE1000
	LoaderImgSize      = 0xC000
	LoaderHeapSize     = 0x2000000
	StarterStackSize   = 0x2000

	StartAPImgSize           = 0x20000
	StartupAPStackSize       = 0x400
	SecondaryGuestSize       = 0x800000
	HypervisorTotalSize      = 0xA00000
	HypervisorTotalSizeDebug = 0xD00000

	// APWakeupCodeAddr is the real-mode page the AP wakeup trampoline is
	// copied to.
	APWakeupCodeAddr = 0x90000

	DescriptorSize = PageSize
)

var (
	ErrOverlap    = errors.New("memory regions overlap")
	ErrOutsideRAM = errors.New("memory region outside RAM")
)

// Region is a named physical address range.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

func (r Region) Overlaps(o Region) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}
	return r.Base < o.End() && o.Base < r.End()
}

// Contains reports whether [addr, addr+n) lies inside r.
func (r Region) Contains(addr, n uint64) bool {
	return addr >= r.Base && addr <= r.End() && n <= r.End()-addr
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", r.Name, r.Base, r.End())
}

// Sizes are the region sizes a layout is built from.
type Sizes struct {
	LoaderBin       uint64
	LoaderImg       uint64
	Heap            uint64
	Descriptor      uint64
	StartAPImg      uint64
	SecondaryGuest  uint64
	HypervisorTotal uint64
}

// DefaultSizes returns the stock sizes. Debug builds carry larger binaries.
func DefaultSizes(debug bool) Sizes {
	s := Sizes{
		LoaderBin:       LoaderBinSize,
		LoaderImg:       LoaderImgSize,
		Heap:            LoaderHeapSize,
		Descriptor:      DescriptorSize,
		StartAPImg:      StartAPImgSize,
		SecondaryGuest:  SecondaryGuestSize,
		HypervisorTotal: HypervisorTotalSize,
	}
	if debug {
		s.LoaderBin = LoaderBinSizeDebug
		s.HypervisorTotal = HypervisorTotalSizeDebug
	}
	return s
}

func pages(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Loader is the memory used only until the hypervisor starts: the package
// as delivered, the running loader image, its heap and the boot descriptor.
type Loader struct {
	Bin        Region
	LoaderImg  Region
	Heap       Region
	Descriptor Region
}

// NewLoader lays the loader regions out back to back from base, each padded
// to whole pages.
func NewLoader(base uint64, s Sizes) Loader {
	var l Loader
	next := base
	place := func(name string, size uint64) Region {
		r := Region{Name: name, Base: next, Size: pages(size)}
		next = r.End()
		return r
	}
	l.Bin = place("loader package", s.LoaderBin)
	l.LoaderImg = place("loader image", s.LoaderImg)
	l.Heap = place("loader heap", s.Heap)
	l.Descriptor = place("boot descriptor", s.Descriptor)
	return l
}

func (l Loader) Regions() []Region {
	return []Region{l.Bin, l.LoaderImg, l.Heap, l.Descriptor}
}

func (l Loader) Base() uint64 { return l.Bin.Base }
func (l Loader) Size() uint64 { return l.Descriptor.End() - l.Bin.Base }

// Runtime is the memory the hypervisor keeps after boot. It must be hidden
// from the guest memory map.
type Runtime struct {
	StartAP        Region
	SecondaryGuest Region
	Hypervisor     Region
}

func NewRuntime(base uint64, s Sizes) Runtime {
	var r Runtime
	r.StartAP = Region{Name: "startap image", Base: base, Size: pages(s.StartAPImg)}
	r.SecondaryGuest = Region{Name: "secondary guest", Base: r.StartAP.End(), Size: pages(s.SecondaryGuest)}
	r.Hypervisor = Region{Name: "hypervisor", Base: r.SecondaryGuest.End(), Size: pages(s.HypervisorTotal)}
	return r
}

func (r Runtime) Regions() []Region {
	return []Region{r.StartAP, r.SecondaryGuest, r.Hypervisor}
}

func (r Runtime) Base() uint64 { return r.StartAP.Base }
func (r Runtime) Size() uint64 { return r.Hypervisor.End() - r.StartAP.Base }

// Validate checks that no two regions overlap and that every region lies
// inside RAM. The loader does not check placement itself, so this must hold
// before any image is loaded.
func Validate(l Loader, r Runtime, ram Region) error {
	var all []Region
	all = append(all, l.Regions()...)
	all = append(all, r.Regions()...)
	wakeup := Region{Name: "AP wakeup code", Base: APWakeupCodeAddr, Size: PageSize}
	all = append(all, wakeup)

	for i, a := range all {
		if a.Base&(PageSize-1) != 0 {
			return fmt.Errorf("%v is not page aligned", a)
		}
		if a.End() < a.Base {
			return fmt.Errorf("%w: %v wraps the address space", ErrOutsideRAM, a)
		}
		if a != wakeup && !ram.Contains(a.Base, a.Size) {
			return fmt.Errorf("%w: %v not in %v", ErrOutsideRAM, a, ram)
		}
		for _, b := range all[i+1:] {
			if a.Overlaps(b) {
				return fmt.Errorf("%w: %v and %v", ErrOverlap, a, b)
			}
		}
	}
	return nil
}
