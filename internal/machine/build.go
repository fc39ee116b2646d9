package machine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/tinyrange/kboot/internal/elf64/elftest"
	"github.com/tinyrange/kboot/internal/firmware"
	"github.com/tinyrange/kboot/internal/firmware/sim"
	"github.com/tinyrange/kboot/internal/kernel"
)

// haltLoop is cli; hlt; jmp back to hlt.
var haltLoop = []byte{0xfa, 0xf4, 0xeb, 0xfd}

// Options adjusts how a machine is built.
type Options struct {
	// Progress receives every byte read from the machine's volumes.
	Progress io.Writer
	Logger   *slog.Logger
}

// Build creates the simulated firmware for m. Close the firmware to release
// its memory.
func (m Machine) Build(opts Options) (*sim.Firmware, error) {
	m.normalize()

	entry, err := m.kernelFunc()
	if err != nil {
		return nil, err
	}
	descs, err := m.memoryMap()
	if err != nil {
		return nil, err
	}

	mem, err := sim.NewArena(m.Memory.Base, m.Memory.SizeMB<<20)
	if err != nil {
		return nil, err
	}
	fw, err := sim.New(sim.Config{
		Memory:    mem,
		PoolBase:  m.Pool.Base,
		PoolSize:  m.Pool.SizeMB << 20,
		MemoryMap: descs,
		Kernel:    entry,
		Logger:    opts.Logger,
	})
	if err != nil {
		mem.Close()
		return nil, err
	}

	for i, d := range m.Displays {
		disp, err := d.build(mem)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("display %d: %w", i, err)
		}
		fw.AddDisplay(disp)
	}
	for i, v := range m.Volumes {
		files := make(map[string][]byte, len(v.Files))
		for _, f := range v.Files {
			data, err := f.contents(m.dir)
			if err != nil {
				fw.Close()
				return nil, fmt.Errorf("volume %d: %s: %w", i, f.Path, err)
			}
			files[f.Path] = data
		}
		fw.AddVolume(&sim.Volume{Label: v.Label, Files: files, Progress: opts.Progress})
	}
	return fw, nil
}

func (m Machine) kernelFunc() (sim.Kernel, error) {
	switch m.Kernel {
	case "splash":
		return kernel.Splash, nil
	case "blank":
		return kernel.Blank, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown kernel %q", m.Kernel)
	}
}

func (md Mode) mask() firmware.PixelBitmask {
	if md.Mask == nil {
		return firmware.PixelBitmask{}
	}
	return firmware.PixelBitmask{Red: md.Mask.Red, Green: md.Mask.Green, Blue: md.Mask.Blue, Reserved: md.Mask.Reserved}
}

// bytesPerPixel is zero for blt-only modes and bitmask modes without a mask.
func (md Mode) bytesPerPixel() uint64 {
	switch md.Format {
	case firmware.PixelBltOnly.String():
		return 0
	case firmware.PixelBitMask.String():
		return uint64(firmware.ModeInfo{PixelFormat: firmware.PixelBitMask, PixelInformation: md.mask()}.BytesPerPixel())
	default:
		return 4
	}
}

// frameBufferSize is the largest framebuffer any linear mode needs.
func (d Display) frameBufferSize() uint64 {
	var size uint64
	for _, md := range d.Modes {
		stride := uint64(max(md.Stride, md.Width))
		size = max(size, stride*uint64(md.Height)*md.bytesPerPixel())
	}
	return size
}

func (d Display) build(mem *sim.Arena) (*sim.Display, error) {
	if len(d.Modes) == 0 {
		return nil, fmt.Errorf("no modes")
	}
	if size := d.frameBufferSize(); size > 0 && !mem.Contains(d.FrameBuffer, size) {
		return nil, fmt.Errorf("framebuffer %#x+%#x outside memory", d.FrameBuffer, size)
	}
	disp := &sim.Display{FrameBufferBase: d.FrameBuffer}
	for _, md := range d.Modes {
		format, err := firmware.ParsePixelFormat(md.Format)
		if err != nil {
			return nil, err
		}
		if format == firmware.PixelBitMask && md.bytesPerPixel() == 0 {
			return nil, fmt.Errorf("bitmask mode %dx%d has no channel mask", md.Width, md.Height)
		}
		disp.Modes = append(disp.Modes, sim.Mode{Width: md.Width, Height: md.Height, Format: format, Stride: md.Stride, Mask: md.mask()})
	}
	return disp, nil
}

func (f File) contents(dir string) ([]byte, error) {
	set := 0
	for _, s := range []string{f.Source, f.Data, f.Builtin} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of source, data and builtin must be set")
	}

	switch {
	case f.Source != "":
		path := f.Source
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		return os.ReadFile(path)
	case f.Data != "":
		return []byte(f.Data), nil
	case f.Builtin == "kernel":
		return elftest.Kernel(f.LoadAddress, haltLoop, firmware.PageSize), nil
	default:
		return nil, fmt.Errorf("unknown builtin %q", f.Builtin)
	}
}

type span struct {
	start uint64
	end   uint64
	typ   firmware.MemoryType
}

func pageAlignUp(v uint64) uint64 {
	return (v + firmware.PageSize - 1) &^ (firmware.PageSize - 1)
}

// memoryMap returns the configured map, or derives one from the layout: the
// pool heap is boot services data, framebuffers are memory-mapped I/O and
// the rest of memory is conventional.
func (m Machine) memoryMap() ([]firmware.MemoryDescriptor, error) {
	if len(m.Map) > 0 {
		var out []firmware.MemoryDescriptor
		for i, e := range m.Map {
			typ, err := firmware.ParseMemoryType(e.Type)
			if err != nil {
				return nil, fmt.Errorf("memory map entry %d: %w", i, err)
			}
			out = append(out, firmware.MemoryDescriptor{
				Type:          typ,
				PhysicalStart: e.Start,
				VirtualStart:  e.Start,
				NumberOfPages: e.Pages,
				Attribute:     e.Attribute,
			})
		}
		return out, nil
	}

	base := m.Memory.Base &^ (firmware.PageSize - 1)
	end := m.Memory.Base + m.Memory.SizeMB<<20
	reserved := []span{{
		start: m.Pool.Base,
		end:   pageAlignUp(m.Pool.Base + m.Pool.SizeMB<<20),
		typ:   firmware.BootServicesData,
	}}
	for _, d := range m.Displays {
		if size := d.frameBufferSize(); size > 0 {
			reserved = append(reserved, span{start: d.FrameBuffer, end: pageAlignUp(d.FrameBuffer + size), typ: firmware.MemoryMappedIO})
		}
	}
	sort.Slice(reserved, func(i, j int) bool { return reserved[i].start < reserved[j].start })

	var out []firmware.MemoryDescriptor
	add := func(start, end uint64, typ firmware.MemoryType) {
		if end > start {
			out = append(out, firmware.MemoryDescriptor{
				Type:          typ,
				PhysicalStart: start,
				VirtualStart:  start,
				NumberOfPages: (end - start) / firmware.PageSize,
			})
		}
	}
	cur := base
	for _, r := range reserved {
		if r.start < cur || r.start%firmware.PageSize != 0 {
			return nil, fmt.Errorf("region %#x-%#x overlaps or is unaligned", r.start, r.end)
		}
		add(cur, r.start, firmware.ConventionalMemory)
		add(r.start, r.end, r.typ)
		cur = r.end
	}
	if cur > end {
		return nil, fmt.Errorf("region ending at %#x outside memory ending at %#x", cur, end)
	}
	add(cur, end, firmware.ConventionalMemory)
	return out, nil
}
