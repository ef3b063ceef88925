package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/xmonboot/internal/cmdline"
	"github.com/tinyrange/xmonboot/internal/diag"
	"github.com/tinyrange/xmonboot/internal/elfld"
	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/layout"
	"github.com/tinyrange/xmonboot/internal/pack"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

// RunLoader is the second stage. It loads the hypervisor and startap images
// into the runtime layout, copies the secondary guest, hides runtime memory
// from the guest memory map, builds the startup struct on its heap and
// hands over to startap.
func RunLoader(ctx context.Context, env Env, desc *Descriptor) error {
	env = env.withDefaults()
	ldr, rt := env.layouts()

	if desc.Magic != BootloaderMagic {
		return failf(LoaderProtocolOpsFailed, "boot protocol magic %#x", desc.Magic)
	}

	opts := cmdline.DefaultOptions()
	if err := cmdline.Parse(env.CmdLine, opts); err != nil {
		return fail(CmdlineValueTooLong, err)
	}
	iobase := cmdline.IOBase(opts)
	console := diag.NewLogger(diag.NewSerial(iobase, env.Console), slog.LevelInfo).With("stage", "loader")

	heap, err := physmem.NewArena(env.Mem, ldr.Heap.Base, ldr.Heap.Size)
	if err != nil {
		return fail(LoaderHeapOutOfMemory, err)
	}

	desc.Hypervisor = ImageRecord{Base: rt.Hypervisor.Base, TotalSize: rt.Hypervisor.Size}
	if err := loadComponent(env, desc.Files[pack.Hypervisor], &desc.Hypervisor,
		LoaderHypervisorImageInfoFailed, LoaderHypervisorLoadFailed); err != nil {
		return err
	}

	desc.StartAP = ImageRecord{Base: rt.StartAP.Base, TotalSize: rt.StartAP.Size}
	if err := loadComponent(env, desc.Files[pack.StartAP], &desc.StartAP,
		LoaderStartAPImageInfoFailed, LoaderStartAPLoadFailed); err != nil {
		return err
	}

	guests, err := placeSecondaryGuest(env, desc, rt.SecondaryGuest)
	if err != nil {
		return err
	}

	if len(env.MemoryMap) == 0 {
		return failf(LoaderStartupEnvFailed, "no E820 memory map")
	}
	if _, ok := env.MemoryMap.FindAvailable(rt.Base(), rt.Size()); !ok {
		return failf(HideRuntimeMemoryFailed, "runtime memory [%#x, +%#x) not in a usable range", rt.Base(), rt.Size())
	}
	e820Addr, err := storeMemoryMap(env, heap, rt)
	if err != nil {
		return err
	}

	startup := newStartup(desc, e820Addr, iobase, guests)
	desc.StartupAddr, err = heap.Alloc(uint64(StartupStructSize))
	if err != nil {
		return fail(LoaderHeapOutOfMemory, err)
	}
	if err := WriteStartup(env.Mem, desc.StartupAddr, startup); err != nil {
		return fail(LoaderStartupEnvFailed, err)
	}
	desc.Startup = startup

	desc.Init32 = Init32{LowMemoryPage: layout.APWakeupCodeAddr, NumOfAPs: uint32(env.CPUs - 1)}
	if err := writeDescriptor(env.Mem, ldr.Descriptor.Base, desc); err != nil {
		return fail(CodingError, err)
	}

	console.Info("starting startap",
		"hypervisor", fmt.Sprintf("%#x", desc.Hypervisor.Entry),
		"startap", fmt.Sprintf("%#x", desc.StartAP.Entry),
		"heap_used", heap.Used())

	if err := RunStartAP(ctx, env, desc.Init32, desc.StartupAddr, desc.Hypervisor.Entry); err != nil {
		var be *Error
		if errors.As(err, &be) {
			return err
		}
		return fail(LoaderThunkFailed, err)
	}
	return nil
}

// loadComponent loads a packed 64-bit ELF at rec.Base. The image must fit in
// rec.TotalSize.
func loadComponent(env Env, file FileInfo, rec *ImageRecord, infoStatus, loadStatus Status) error {
	img := imageaccess.NewRegion(env.Mem, file.Addr, file.Size)
	defer img.Close()

	info, err := elfld.GetImageInfo(img)
	if err != nil {
		return fail(infoStatus, err)
	}
	rec.Info = info
	if err := checkImage(info, rec.TotalSize); err != nil {
		return fail(infoStatus, err)
	}

	li, err := elfld.Load(img, env.Mem, rec.Base, elfld.Options{Logger: env.Logger})
	if err != nil {
		return fail(loadStatus, err)
	}
	rec.Entry = li.EntryAddr
	env.Logger.Debug("image loaded",
		"base", fmt.Sprintf("%#x", rec.Base),
		"size", fmt.Sprintf("%#x", info.LoadSize),
		"entry", fmt.Sprintf("%#x", rec.Entry))
	return nil
}

// placeSecondaryGuest copies the optional secondary guest image verbatim to
// its runtime region and returns the number of secondary guests.
func placeSecondaryGuest(env Env, desc *Descriptor, region layout.Region) (uint16, error) {
	file := desc.Files[pack.SecondaryGuest]
	if file.Size == 0 {
		return 0, nil
	}
	if file.Size > region.Size {
		return 0, failf(SecondaryGuestEnvFailed, "secondary guest of %#x bytes exceeds %v", file.Size, region)
	}
	buf := make([]byte, file.Size)
	if err := physmem.Read(env.Mem, file.Addr, buf); err != nil {
		return 0, fail(SecondaryGuestEnvFailed, err)
	}
	if err := physmem.Copy(env.Mem, region.Base, buf); err != nil {
		return 0, fail(SecondaryGuestEnvFailed, err)
	}
	desc.SecondaryGuest = GuestInfo{Base: region.Base, TotalSize: region.Size, Entry: region.Base}
	return 1, nil
}

// storeMemoryMap hides the runtime layout from the memory map and copies the
// encoded result onto the heap.
func storeMemoryMap(env Env, heap *physmem.Arena, rt layout.Runtime) (uint64, error) {
	m := env.MemoryMap.Hide(rt.Base(), rt.Size())
	raw, err := m.Encode()
	if err != nil {
		return 0, fail(LoaderStartupEnvFailed, err)
	}
	addr, err := heap.Alloc(uint64(len(raw)))
	if err != nil {
		return 0, fail(LoaderHeapOutOfMemory, err)
	}
	if err := physmem.Copy(env.Mem, addr, raw); err != nil {
		return 0, fail(LoaderStartupEnvFailed, err)
	}
	return addr, nil
}

func newStartup(desc *Descriptor, e820Addr uint64, iobase uint16, guests uint16) StartupStruct {
	s := StartupStruct{
		Size:                uint16(StartupStructSize),
		Version:             StartupStructVersion,
		ProcessorsAtInstall: 1,
		ProcessorsAtBoot:    1,
		SecondaryGuests:     guests,
		StackPages:          DefaultStackPages,
		E820:                e820Addr,
		Hypervisor: ImageLayout{
			Base:      desc.Hypervisor.Base,
			Entry:     desc.Hypervisor.Entry,
			ImageSize: physmem.AlignUp(desc.Hypervisor.Info.LoadSize, physmem.PageSize),
			TotalSize: desc.Hypervisor.TotalSize,
		},
		StartAP: ImageLayout{
			Base:      desc.StartAP.Base,
			Entry:     desc.StartAP.Entry,
			ImageSize: physmem.AlignUp(desc.StartAP.Info.LoadSize, physmem.PageSize),
			TotalSize: desc.StartAP.TotalSize,
		},
		Debug: DebugParams{Verbosity: DefaultVerbosity, VirtMode: DebugVirtNone},
	}
	if guests > 0 {
		s.SecondaryGuestStates = desc.SecondaryGuest.Base
	}
	if iobase == 0 {
		s.Debug.PortType = DebugPortNone
		s.Debug.IdentType = DebugIdentDefault
	} else {
		s.Debug.PortType = DebugPortSerial
		s.Debug.IdentType = DebugIdentIO
		s.Debug.IOBase = iobase
		s.Debug.Mask = ^uint64(0)
	}
	return s
}
