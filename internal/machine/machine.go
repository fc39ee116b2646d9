// Package machine loads YAML machine descriptions and builds simulated
// firmware from them.
package machine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyrange/kboot/internal/firmware"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "machine.yaml"

	defaultMemoryBase = 0x1000
	defaultMemoryMB   = 256
	defaultPoolBase   = 0x0800_0000
	defaultPoolMB     = 32
	defaultFrameBase  = 0x0c00_0000
	defaultKernelBase = 0x0010_0000
	defaultKernel     = "splash"
)

// Machine describes a simulated machine.
type Machine struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Memory   MemoryConfig `yaml:"memory"`
	Pool     PoolConfig   `yaml:"pool"`
	Displays []Display    `yaml:"displays"`
	Volumes  []Volume     `yaml:"volumes"`
	Map      []MapEntry   `yaml:"memoryMap,omitempty"`

	// Kernel selects what runs when control reaches the loaded kernel:
	// "splash", "blank" or "none".
	Kernel string `yaml:"kernel"`

	dir string
}

type MemoryConfig struct {
	Base   uint64 `yaml:"base"`
	SizeMB uint64 `yaml:"sizeMB"`
}

type PoolConfig struct {
	Base   uint64 `yaml:"base"`
	SizeMB uint64 `yaml:"sizeMB"`
}

type Display struct {
	FrameBuffer uint64 `yaml:"framebuffer"`
	Modes       []Mode `yaml:"modes"`
}

type Mode struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	Format string `yaml:"format,omitempty"`
	Stride uint32 `yaml:"stride,omitempty"`
	// Mask is required for the "bitmask" format.
	Mask *Mask `yaml:"mask,omitempty"`
}

// Mask is the channel layout of a bitmask mode.
type Mask struct {
	Red      uint32 `yaml:"red"`
	Green    uint32 `yaml:"green"`
	Blue     uint32 `yaml:"blue"`
	Reserved uint32 `yaml:"reserved,omitempty"`
}

type Volume struct {
	Label string `yaml:"label,omitempty"`
	Files []File `yaml:"files"`
}

// File is one file on a volume. Exactly one of Source, Data and Builtin
// supplies the contents.
type File struct {
	Path string `yaml:"path"`
	// Source is a host path, relative to the machine file.
	Source string `yaml:"source,omitempty"`
	Data   string `yaml:"data,omitempty"`
	// Builtin "kernel" generates a demonstration kernel image.
	Builtin     string `yaml:"builtin,omitempty"`
	LoadAddress uint64 `yaml:"loadAddress,omitempty"`
}

// MapEntry is one memory map descriptor.
type MapEntry struct {
	Type      string `yaml:"type"`
	Start     uint64 `yaml:"start"`
	Pages     uint64 `yaml:"pages"`
	Attribute uint64 `yaml:"attribute,omitempty"`
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Name == "" {
		m.Name = "kboot"
	}
	if m.Memory.Base == 0 {
		m.Memory.Base = defaultMemoryBase
	}
	if m.Memory.SizeMB == 0 {
		m.Memory.SizeMB = defaultMemoryMB
	}
	if m.Pool.Base == 0 {
		m.Pool.Base = defaultPoolBase
	}
	if m.Pool.SizeMB == 0 {
		m.Pool.SizeMB = defaultPoolMB
	}
	if m.Kernel == "" {
		m.Kernel = defaultKernel
	}
	for i := range m.Displays {
		for j := range m.Displays[i].Modes {
			if m.Displays[i].Modes[j].Format == "" {
				m.Displays[i].Modes[j].Format = firmware.PixelBlueGreenRedReserved8Bit.String()
			}
		}
	}
	for i := range m.Volumes {
		for j := range m.Volumes[i].Files {
			f := &m.Volumes[i].Files[j]
			if f.Builtin != "" && f.LoadAddress == 0 {
				f.LoadAddress = defaultKernelBase
			}
		}
	}
}

// Default returns the machine used when no description is given: one
// adapter with a handful of common modes and a boot volume holding the
// demonstration kernel.
func Default() Machine {
	m := Machine{
		Name:        "default",
		Description: "single adapter, single boot volume",
		Displays: []Display{{
			FrameBuffer: defaultFrameBase,
			Modes: []Mode{
				{Width: 640, Height: 480},
				{Width: 800, Height: 600},
				{Width: 1024, Height: 768},
				{Width: 1280, Height: 720},
				{Width: 1920, Height: 1080, Format: firmware.PixelBltOnly.String()},
			},
		}},
		Volumes: []Volume{
			{Label: "DATA", Files: []File{{Path: `readme.txt`, Data: "not a boot volume\n"}}},
			{Label: "ESP", Files: []File{{Path: `System\Kernel.sys`, Builtin: "kernel"}}},
		},
	}
	m.normalize()
	return m
}

// Parse decodes a machine description. Relative file sources resolve
// against dir.
func Parse(data []byte, dir string) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, err
	}
	m.normalize()
	m.dir = dir
	return m, nil
}

// Load reads the machine description at path.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return Machine{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// WriteTemplate writes m as YAML to path.
func WriteTemplate(path string, m Machine) error {
	m.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
