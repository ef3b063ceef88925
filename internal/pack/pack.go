package pack

import (
	"errors"
	"fmt"

	"github.com/tinyrange/xmonboot/internal/layout"
)

var (
	ErrMissingComponent = errors.New("required component missing")
	ErrTooLarge         = errors.New("package exceeds loader binary size")
	ErrStarterFilled    = errors.New("starter mapping header already has flags set")
)

// PackInput lists the blobs to pack. The starter must embed an empty file
// mapping header; it may embed a boot header.
type PackInput struct {
	Starter    []byte
	Components [MaxComponents][]byte

	// Sizes drives the size limit and the memory sizes advertised in the boot
	// header. The zero value selects layout.DefaultSizes(false).
	Sizes layout.Sizes

	RtMemBase  uint32
	LdrMemBase uint32
}

func (in PackInput) withDefaults() PackInput {
	if in.Sizes == (layout.Sizes{}) {
		in.Sizes = layout.DefaultSizes(false)
	}
	if in.RtMemBase == 0 {
		in.RtMemBase = RtMemBase
	}
	if in.LdrMemBase == 0 {
		in.LdrMemBase = LdrMemBase
	}
	return in
}

func align4K(n uint64) uint64 {
	return (n + layout.PageSize - 1) &^ (layout.PageSize - 1)
}

// Pack concatenates the starter and the components, records their placement
// in the starter's mapping header, fills the boot header and pads the result
// to a whole page.
func Pack(in PackInput) ([]byte, error) {
	in = in.withDefaults()
	if len(in.Starter) == 0 {
		return nil, fmt.Errorf("%w: starter", ErrMissingComponent)
	}
	hdrOff, hdr, err := FindFileMappingHeader(in.Starter)
	if err != nil {
		return nil, fmt.Errorf("starter: %w", err)
	}
	if hdr.Flags != 0 {
		return nil, ErrStarterFilled
	}

	total := uint64(len(in.Starter))
	for c := Loader; c < MaxComponents; c++ {
		blob := in.Components[c]
		if len(blob) == 0 && c.Required() {
			return nil, fmt.Errorf("%w: %v", ErrMissingComponent, c)
		}
		hdr.Files[c] = FileEntry{Offset: uint32(total), Size: uint32(len(blob))}
		if len(blob) > 0 {
			hdr.Flags |= c.Flag()
		}
		total += uint64(len(blob))
	}
	if total > in.Sizes.LoaderBin {
		return nil, fmt.Errorf("%w: need %#x, have %#x", ErrTooLarge, total, in.Sizes.LoaderBin)
	}

	out := make([]byte, 0, align4K(total))
	out = append(out, in.Starter...)
	for _, blob := range in.Components {
		out = append(out, blob...)
	}

	raw, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(out[hdrOff:], raw)

	if bootOff, boot, err := FindBootHeader(out); err == nil {
		boot.Version = BootVersion
		boot.RtMemBase = in.RtMemBase
		boot.RtMemSize = uint32(layout.NewRuntime(0, in.Sizes).Size())
		boot.LdrMemBase = in.LdrMemBase
		boot.LdrMemSize = uint32(layout.NewLoader(0, in.Sizes).Size())
		boot.ImageSize = uint32(align4K(total))
		raw, err := boot.MarshalBinary()
		if err != nil {
			return nil, err
		}
		copy(out[bootOff:], raw)
	} else if !errors.Is(err, ErrNoBootHeader) {
		return nil, err
	}

	return out[:align4K(total)], nil
}

// Package is a parsed packed image.
type Package struct {
	MappingOffset int
	Mapping       FileMappingHeader

	// Boot is nil when the starter carries no boot header.
	Boot       *BootHeader
	BootOffset int

	Starter    []byte
	Components [MaxComponents][]byte
}

// Unpack locates every component of a packed image. The returned slices
// alias data.
func Unpack(data []byte) (*Package, error) {
	off, hdr, err := FindFileMappingHeader(data)
	if err != nil {
		return nil, err
	}
	pkg := &Package{MappingOffset: off, Mapping: hdr}

	starterEnd := uint64(len(data))
	for c := Loader; c < MaxComponents; c++ {
		if !hdr.Has(c) {
			if c.Required() {
				return nil, fmt.Errorf("%w: %v", ErrMissingComponent, c)
			}
			continue
		}
		f := hdr.Files[c]
		end := uint64(f.Offset) + uint64(f.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%v at [%#x, %#x) beyond package end %#x", c, f.Offset, end, len(data))
		}
		pkg.Components[c] = data[f.Offset:end]
		starterEnd = min(starterEnd, uint64(f.Offset))
	}
	pkg.Starter = data[:starterEnd]

	if boff, boot, err := FindBootHeader(data); err == nil {
		pkg.Boot = &boot
		pkg.BootOffset = boff
	}
	return pkg, nil
}
