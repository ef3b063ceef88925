// Package boot runs the stages that bring up the hypervisor: the starter
// locates the packed components and loads the loader, the loader places the
// hypervisor and startap images and builds the startup struct, and startap
// wakes the application processors and enters the hypervisor on every CPU.
package boot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/xmonboot/internal/e820"
	"github.com/tinyrange/xmonboot/internal/layout"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

// BootloaderMagic is the only boot protocol value the loader accepts.
const BootloaderMagic = 0x4857b815

// Launcher enters the hypervisor on one CPU. Cpu 0 is the bootstrap
// processor.
type Launcher interface {
	Launch(ctx context.Context, cpu int, entry, startup uint64) error
}

type LauncherFunc func(ctx context.Context, cpu int, entry, startup uint64) error

func (f LauncherFunc) Launch(ctx context.Context, cpu int, entry, startup uint64) error {
	return f(ctx, cpu, entry, startup)
}

// Launch is one recorded hypervisor entry.
type Launch struct {
	CPU     int
	Entry   uint64
	Startup uint64
}

// Recorder is a Launcher that only records the launches.
type Recorder struct {
	mu       sync.Mutex
	launches []Launch
}

func (r *Recorder) Launch(ctx context.Context, cpu int, entry, startup uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launches = append(r.launches, Launch{CPU: cpu, Entry: entry, Startup: startup})
	return nil
}

// Launches returns the recorded launches in arrival order.
func (r *Recorder) Launches() []Launch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Launch(nil), r.launches...)
}

// Env is the machine the stages run on.
type Env struct {
	Mem physmem.Memory

	// Magic is the boot protocol value found in RAX at entry.
	Magic uint32

	// LoaderMemAddr is where the boot loader placed the package. It starts
	// the loader-time layout.
	LoaderMemAddr  uint64
	RuntimeMemAddr uint64
	Sizes          layout.Sizes

	CmdLine   string
	MemoryMap e820.Map

	// CPUs counts the bootstrap processor.
	CPUs int

	// InitAP runs on each AP before it parks, standing in for the INIT-SIPI
	// sequence.
	InitAP   func(ctx context.Context, cpu int) error
	Launcher Launcher

	// Console receives serial output when the command line selects a port.
	Console io.Writer
	Logger  *slog.Logger
}

func (e Env) withDefaults() Env {
	if e.Sizes == (layout.Sizes{}) {
		e.Sizes = layout.DefaultSizes(false)
	}
	if e.LoaderMemAddr == 0 {
		e.LoaderMemAddr = layout.StarterDefaultLoadAddr
	}
	if e.RuntimeMemAddr == 0 {
		ldr := layout.NewLoader(e.LoaderMemAddr, e.Sizes)
		e.RuntimeMemAddr = ldr.Base() + ldr.Size()
	}
	if e.CPUs <= 0 {
		e.CPUs = 1
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

func (e Env) layouts() (layout.Loader, layout.Runtime) {
	return layout.NewLoader(e.LoaderMemAddr, e.Sizes), layout.NewRuntime(e.RuntimeMemAddr, e.Sizes)
}

// PlacePackage copies a packed image to where a boot loader would leave it.
func PlacePackage(env Env, pkg []byte) error {
	env = env.withDefaults()
	ldr, _ := env.layouts()
	if uint64(len(pkg)) > ldr.Bin.Size {
		return fmt.Errorf("package of %#x bytes exceeds %v", len(pkg), ldr.Bin)
	}
	if err := physmem.Copy(env.Mem, ldr.Bin.Base, pkg); err != nil {
		return fmt.Errorf("place package: %w", err)
	}
	return nil
}
