package boot

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/xmonboot/internal/elfld"
	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/layout"
	"github.com/tinyrange/xmonboot/internal/pack"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

var fileMissing = [pack.MaxComponents]Status{
	pack.Loader:     StarterLoaderFileMissing,
	pack.StartAP:    StarterStartAPFileMissing,
	pack.Hypervisor: StarterHypervisorFileMissing,
}

// RunStarter is the first stage. It checks the memory layout, finds the
// components through the mapping header of the package at LoaderMemAddr,
// loads the loader image and runs the loader stage. The returned descriptor
// holds whatever the stages filled in before returning, including on error.
func RunStarter(ctx context.Context, env Env) (*Descriptor, error) {
	env = env.withDefaults()
	log := env.Logger.With("stage", "starter")
	ldr, rt := env.layouts()

	desc := &Descriptor{
		Magic:          env.Magic,
		LoaderMemAddr:  ldr.Base(),
		RuntimeMemAddr: rt.Base(),
	}

	ram := layout.Region{Name: "RAM", Base: env.Mem.Base(), Size: env.Mem.Size()}
	if err := layout.Validate(ldr, rt, ram); err != nil {
		switch {
		case errors.Is(err, layout.ErrOverlap):
			return desc, fail(StarterLoaderRuntimeOverlap, err)
		case !ram.Contains(ldr.Base(), ldr.Size()):
			return desc, fail(StarterNoLoaderMemory, err)
		}
		return desc, fail(StarterNoRuntimeMemory, err)
	}
	if len(env.MemoryMap) > 0 {
		if _, ok := env.MemoryMap.FindAvailable(ldr.Base(), ldr.Size()); !ok {
			return desc, failf(StarterNoLoaderMemory, "loader memory [%#x, +%#x) not usable", ldr.Base(), ldr.Size())
		}
		if _, ok := env.MemoryMap.FindAvailable(rt.Base(), rt.Size()); !ok {
			return desc, failf(StarterNoRuntimeMemory, "runtime memory [%#x, +%#x) not usable", rt.Base(), rt.Size())
		}
	}

	bin := make([]byte, ldr.Bin.Size)
	if err := physmem.Read(env.Mem, ldr.Bin.Base, bin); err != nil {
		return desc, fail(StarterInvalidLoaderAddr, err)
	}
	off, hdr, err := pack.FindFileMappingHeader(bin)
	if err != nil {
		return desc, fail(StarterNoFileMappingHeader, err)
	}
	log.Debug("found file mapping header", "offset", fmt.Sprintf("%#x", off), "flags", fmt.Sprintf("%#x", hdr.Flags))

	for c := pack.Loader; c < pack.MaxComponents; c++ {
		if !hdr.Has(c) {
			if c.Required() {
				return desc, failf(StarterBinaryMissing, "%v", c)
			}
			continue
		}
		f := hdr.Files[c]
		if f.Size == 0 {
			if c.Required() {
				return desc, failf(fileMissing[c], "%v is empty", c)
			}
			continue
		}
		if uint64(f.Offset)+uint64(f.Size) > ldr.Bin.Size {
			return desc, failf(StarterModuleOverlapsLoader, "%v at [%#x, +%#x) runs past %v", c, f.Offset, f.Size, ldr.Bin)
		}
		desc.Files[c] = FileInfo{Addr: ldr.Bin.Base + uint64(f.Offset), Size: uint64(f.Size)}
	}

	if uint64(DescriptorSize) > ldr.Descriptor.Size {
		return desc, failf(StarterStructureSizeMismatch, "descriptor of %#x bytes exceeds %v", DescriptorSize, ldr.Descriptor)
	}

	if err := runLoaderImage(desc, env, ldr); err != nil {
		return desc, err
	}
	return desc, RunLoader(ctx, env, desc)
}

func runLoaderImage(desc *Descriptor, env Env, ldr layout.Loader) error {
	file := desc.Files[pack.Loader]
	if file.Addr == 0 {
		return failf(StarterInvalidLoaderAddr, "loader file address is zero")
	}
	img := imageaccess.NewRegion(env.Mem, file.Addr, file.Size)
	defer img.Close()

	info, err := elfld.GetImageInfo(img)
	if err != nil {
		return fail(StarterLoaderImageInfoFailed, err)
	}
	if err := checkImage(info, ldr.LoaderImg.Size); err != nil {
		return fail(StarterLoaderImageInfoFailed, err)
	}

	li, err := elfld.Load(img, env.Mem, ldr.LoaderImg.Base, elfld.Options{Logger: env.Logger})
	if err != nil {
		return fail(StarterLoaderRelocateFailed, err)
	}
	desc.LoaderEntry = li.EntryAddr
	env.Logger.Info("loader relocated", "base", fmt.Sprintf("%#x", ldr.LoaderImg.Base), "entry", fmt.Sprintf("%#x", li.EntryAddr))

	if err := writeDescriptor(env.Mem, ldr.Descriptor.Base, desc); err != nil {
		return fail(CodingError, err)
	}
	return nil
}

// checkImage accepts 64-bit images whose footprint is non-zero and fits in
// limit bytes.
func checkImage(info elfld.ImageInfo, limit uint64) error {
	if info.Machine != elfld.MachineEM64T {
		return fmt.Errorf("machine %v, want %v", info.Machine, elfld.MachineEM64T)
	}
	if info.LoadSize == 0 || info.LoadSize > limit {
		return fmt.Errorf("load size %#x not in (0, %#x]", info.LoadSize, limit)
	}
	return nil
}
