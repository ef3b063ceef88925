// Command xmon-packer concatenates the starter, loader, startap and
// hypervisor binaries into one bootable package.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/xmonboot/internal/config"
	"github.com/tinyrange/xmonboot/internal/layout"
	"github.com/tinyrange/xmonboot/internal/pack"
)

func main() {
	if err := run(); err != nil {
		slog.Error("xmon-packer failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config naming the component files")
	starter := flag.String("starter", "", "Path to the starter binary")
	loader := flag.String("loader", "", "Path to the loader ELF")
	startap := flag.String("startap", "", "Path to the startap ELF")
	hypervisor := flag.String("hypervisor", "", "Path to the hypervisor ELF")
	sguest := flag.String("sguest", "", "Path to an optional secondary guest image")
	output := flag.String("o", "", "Output package path")
	debugSizes := flag.Bool("debug-sizes", false, "Use debug build region sizes")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	files := config.Package{
		Starter:        *starter,
		Loader:         *loader,
		StartAP:        *startap,
		Hypervisor:     *hypervisor,
		SecondaryGuest: *sguest,
		Output:         *output,
	}
	sizes := layout.DefaultSizes(*debugSizes)
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		files = merge(files, cfg.Package)
		sizes = cfg.LayoutSizes()
	}
	if files.Output == "" {
		return errors.New("xmon-packer: -o flag is required")
	}

	in := pack.PackInput{Sizes: sizes}
	var err error
	if in.Starter, err = readFile("starter", files.Starter, true); err != nil {
		return err
	}
	for c, path := range map[pack.Component]string{
		pack.Loader:         files.Loader,
		pack.StartAP:        files.StartAP,
		pack.Hypervisor:     files.Hypervisor,
		pack.SecondaryGuest: files.SecondaryGuest,
	} {
		if in.Components[c], err = readFile(c.String(), path, c.Required()); err != nil {
			return err
		}
	}

	out, err := pack.Pack(in)
	if err != nil {
		return fmt.Errorf("xmon-packer: %w", err)
	}
	if err := writeOutput(files.Output, out); err != nil {
		return err
	}

	slog.Info("package written",
		"path", files.Output,
		"size", humanize.IBytes(uint64(len(out))),
		"limit", humanize.IBytes(sizes.LoaderBin))
	return nil
}

// merge keeps paths given on the command line over those in the config.
func merge(flags, cfg config.Package) config.Package {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return config.Package{
		Starter:        pick(flags.Starter, cfg.Starter),
		Loader:         pick(flags.Loader, cfg.Loader),
		StartAP:        pick(flags.StartAP, cfg.StartAP),
		Hypervisor:     pick(flags.Hypervisor, cfg.Hypervisor),
		SecondaryGuest: pick(flags.SecondaryGuest, cfg.SecondaryGuest),
		Output:         pick(flags.Output, cfg.Output),
	}
}

func readFile(what, path string, required bool) ([]byte, error) {
	if path == "" {
		if required {
			return nil, fmt.Errorf("xmon-packer: no %s binary given", what)
		}
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xmon-packer: read %s: %w", what, err)
	}
	slog.Debug("read component", "component", what, "path", path, "size", humanize.IBytes(uint64(len(data))))
	return data, nil
}

func writeOutput(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("xmon-packer: create output: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(len(data)), "write "+path)
		defer bar.Close()
		w = io.MultiWriter(f, bar)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("xmon-packer: write output: %w", err)
	}
	return f.Close()
}
