// Command xmonboot inspects boot images and runs the boot chain of a
// package in simulated physical memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/xmonboot/internal/boot"
	"github.com/tinyrange/xmonboot/internal/config"
	"github.com/tinyrange/xmonboot/internal/diag"
	"github.com/tinyrange/xmonboot/internal/elfld"
	"github.com/tinyrange/xmonboot/internal/imageaccess"
	"github.com/tinyrange/xmonboot/internal/pack"
	"github.com/tinyrange/xmonboot/internal/physmem"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-debug] <command> [flags]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  info <elf>...        print machine type and load size")
	fmt.Fprintln(os.Stderr, "  unpack <package>     list the components of a package")
	fmt.Fprintln(os.Stderr, "  boot -config <yaml>  run the boot chain in simulated memory")
}

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(flag.Args()); err != nil {
		slog.Error("xmonboot failed", "err", err)
		var be *boot.Error
		if errors.As(err, &be) {
			fmt.Fprintf(os.Stderr, "status %#010x\n", uint32(be.Status))
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("no command")
	}
	switch args[0] {
	case "info":
		return runInfo(args[1:])
	case "unpack":
		return runUnpack(args[1:])
	case "boot":
		return runBoot(args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runInfo(paths []string) error {
	if len(paths) == 0 {
		return errors.New("info: no images given")
	}
	for _, path := range paths {
		img, err := imageaccess.OpenMapped(path)
		if err != nil {
			return err
		}
		info, err := elfld.GetImageInfo(img)
		img.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %v, load size %#x (%s)\n", path, info.Machine, info.LoadSize, humanize.IBytes(info.LoadSize))
	}
	return nil
}

func runUnpack(args []string) error {
	if len(args) != 1 {
		return errors.New("unpack: expected one package")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	pkg, err := pack.Unpack(data)
	if err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	fmt.Printf("mapping header at %#x, flags %#x\n", pkg.MappingOffset, pkg.Mapping.Flags)
	for c := pack.Loader; c < pack.MaxComponents; c++ {
		if !pkg.Mapping.Has(c) {
			fmt.Printf("  %-16s absent\n", c)
			continue
		}
		f := pkg.Mapping.Files[c]
		fmt.Printf("  %-16s offset %#08x size %s\n", c, f.Offset, humanize.IBytes(uint64(f.Size)))
		if info, err := elfld.GetImageInfoBytes(pkg.Components[c], uint64(f.Size)); err == nil {
			fmt.Printf("  %-16s %v, load size %#x\n", "", info.Machine, info.LoadSize)
		}
	}
	if b := pkg.Boot; b != nil {
		fmt.Printf("boot header at %#x: runtime %#x+%s, loader %#x+%s, image %s\n",
			pkg.BootOffset,
			b.RtMemBase, humanize.IBytes(uint64(b.RtMemSize)),
			b.LdrMemBase, humanize.IBytes(uint64(b.LdrMemSize)),
			humanize.IBytes(uint64(b.ImageSize)))
	}
	return nil
}

func runBoot(args []string) error {
	fs := flag.NewFlagSet("boot", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML boot configuration")
	pkgPath := fs.String("package", "", "Package to boot (default: package.output from the config)")
	cpus := fs.Int("cpus", 0, "Override the number of CPUs")
	cmdline := fs.String("cmdline", "", "Override the command line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("boot: -config flag is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if *cmdline != "" {
		cfg.CmdLine = *cmdline
	}
	if *pkgPath == "" {
		*pkgPath = cfg.Package.Output
	}
	if *pkgPath == "" {
		return errors.New("boot: no package given")
	}

	pkg, err := readPackage(*pkgPath)
	if err != nil {
		return err
	}
	memoryMap, err := cfg.E820()
	if err != nil {
		return err
	}
	ram, err := physmem.NewRAM(uint64(cfg.RAM.Base), uint64(cfg.RAM.Size))
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	slog.Info("simulated RAM", "base", fmt.Sprintf("%#x", ram.Base()), "size", humanize.IBytes(ram.Size()))

	var console io.Writer = os.Stdout
	if ram.Base() <= diag.VGABase && diag.VGABase+diag.VGAColumns*diag.VGARows*2 <= ram.Base()+ram.Size() {
		vga, err := diag.NewVGA(ram)
		if err != nil {
			return err
		}
		console = diag.Tee(os.Stdout, vga)
	}

	rec := &boot.Recorder{}
	env := boot.Env{
		Mem:            ram,
		Magic:          boot.BootloaderMagic,
		LoaderMemAddr:  uint64(cfg.LoaderBase),
		RuntimeMemAddr: uint64(cfg.RuntimeBase),
		Sizes:          cfg.LayoutSizes(),
		CmdLine:        cfg.CmdLine,
		MemoryMap:      memoryMap,
		CPUs:           cfg.CPUs,
		Launcher:       rec,
		Console:        console,
		Logger:         slog.Default(),
	}
	if err := boot.PlacePackage(env, pkg); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	desc, err := boot.RunStarter(ctx, env)
	if err != nil {
		return err
	}

	fmt.Printf("loader entry     %#x\n", desc.LoaderEntry)
	fmt.Printf("startap entry    %#x\n", desc.StartAP.Entry)
	fmt.Printf("hypervisor entry %#x (image %s of %s)\n", desc.Hypervisor.Entry,
		humanize.IBytes(desc.Hypervisor.Info.LoadSize), humanize.IBytes(desc.Hypervisor.TotalSize))
	fmt.Printf("startup struct   %#x\n", desc.StartupAddr)
	for _, l := range rec.Launches() {
		fmt.Printf("cpu %d entered hypervisor at %#x\n", l.CPU, l.Entry)
	}
	return nil
}

func readPackage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	var r io.Reader = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), "read "+path)
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("boot: read package: %w", err)
	}
	return data, nil
}
