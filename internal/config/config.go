// Package config loads the YAML description of a simulated boot: the
// machine, the memory layout and the files that make up the package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/xmonboot/internal/e820"
	"github.com/tinyrange/xmonboot/internal/layout"
)

// Size is a byte count or address. YAML accepts integers, hex or decimal
// strings and human sizes such as "32MiB".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(v)
	return nil
}

// ParseSize parses the forms accepted by Size.
func ParseSize(str string) (uint64, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, nil
	}
	if v, err := strconv.ParseUint(str, 0, 64); err == nil {
		return v, nil
	}
	v, err := humanize.ParseBytes(str)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", str, err)
	}
	return v, nil
}

// RAM is the simulated physical memory.
type RAM struct {
	Base Size `yaml:"base"`
	Size Size `yaml:"size"` // default: loader and runtime layouts
}

// Sizes overrides layout region sizes. Zero keeps the default.
type Sizes struct {
	LoaderBin       Size `yaml:"loader_bin"`
	LoaderImg       Size `yaml:"loader_img"`
	Heap            Size `yaml:"heap"`
	StartAPImg      Size `yaml:"startap_img"`
	SecondaryGuest  Size `yaml:"secondary_guest"`
	HypervisorTotal Size `yaml:"hypervisor_total"`
}

// MapEntry is one memory map range. Type is memory, reserved, acpi or nvs.
type MapEntry struct {
	Base   Size   `yaml:"base"`
	Length Size   `yaml:"length"`
	Type   string `yaml:"type"`
}

// Package names the component files.
type Package struct {
	Starter        string `yaml:"starter"`
	Loader         string `yaml:"loader"`
	StartAP        string `yaml:"startap"`
	Hypervisor     string `yaml:"hypervisor"`
	SecondaryGuest string `yaml:"secondary_guest"`
	Output         string `yaml:"output"`
}

type Config struct {
	RAM         RAM        `yaml:"ram"`
	LoaderBase  Size       `yaml:"loader_base"`  // default: 256MiB
	RuntimeBase Size       `yaml:"runtime_base"` // default: end of the loader layout
	CPUs        int        `yaml:"cpus"`
	CmdLine     string     `yaml:"cmdline"`
	Debug       bool       `yaml:"debug"` // debug build region sizes
	Sizes       Sizes      `yaml:"sizes"`
	MemoryMap   []MapEntry `yaml:"memory_map"`
	Package     Package    `yaml:"package"`
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults
	if cfg.LoaderBase == 0 {
		cfg.LoaderBase = layout.StarterDefaultLoadAddr
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	sizes := cfg.LayoutSizes()
	ldr := layout.NewLoader(uint64(cfg.LoaderBase), sizes)
	if cfg.RuntimeBase == 0 {
		cfg.RuntimeBase = Size(ldr.Base() + ldr.Size())
	}
	if cfg.RAM.Size == 0 {
		rt := layout.NewRuntime(uint64(cfg.RuntimeBase), sizes)
		if cfg.RAM.Base == 0 {
			cfg.RAM.Base = Size(min(ldr.Base(), rt.Base()))
		}
		cfg.RAM.Size = Size(max(ldr.Base()+ldr.Size(), rt.Base()+rt.Size()) - uint64(cfg.RAM.Base))
	}
	if _, err := cfg.E820(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LayoutSizes returns the region sizes with overrides applied.
func (c *Config) LayoutSizes() layout.Sizes {
	s := layout.DefaultSizes(c.Debug)
	set := func(dst *uint64, v Size) {
		if v != 0 {
			*dst = uint64(v)
		}
	}
	set(&s.LoaderBin, c.Sizes.LoaderBin)
	set(&s.LoaderImg, c.Sizes.LoaderImg)
	set(&s.Heap, c.Sizes.Heap)
	set(&s.StartAPImg, c.Sizes.StartAPImg)
	set(&s.SecondaryGuest, c.Sizes.SecondaryGuest)
	set(&s.HypervisorTotal, c.Sizes.HypervisorTotal)
	return s
}

var mapTypes = map[string]e820.Type{
	"memory":   e820.Memory,
	"usable":   e820.Memory,
	"reserved": e820.Reserved,
	"acpi":     e820.ACPI,
	"nvs":      e820.NVS,
}

// E820 returns the configured memory map. Without one, conventional low
// memory and the whole of RAM are usable.
func (c *Config) E820() (e820.Map, error) {
	if len(c.MemoryMap) == 0 {
		m := e820.Map{
			{Base: 0, Length: 0x9f000, Type: e820.Memory},
			{Base: uint64(c.RAM.Base), Length: uint64(c.RAM.Size), Type: e820.Memory},
		}
		m.Sort()
		return m, nil
	}
	m := make(e820.Map, 0, len(c.MemoryMap))
	for i, e := range c.MemoryMap {
		t, ok := mapTypes[strings.ToLower(e.Type)]
		if !ok {
			return nil, fmt.Errorf("memory_map[%d]: unknown type %q", i, e.Type)
		}
		if e.Length == 0 {
			return nil, fmt.Errorf("memory_map[%d]: zero length", i)
		}
		m = append(m, e820.Entry{Base: uint64(e.Base), Length: uint64(e.Length), Type: t})
	}
	m.Sort()
	return m, nil
}
