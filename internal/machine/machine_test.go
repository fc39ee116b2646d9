package machine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/kboot/internal/console"
	"github.com/tinyrange/kboot/internal/firmware"
	"github.com/tinyrange/kboot/internal/handoff"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "kernel.bin"), []byte("ELF?"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	yamlContent := `name: test
memory:
  base: 0x1000
  sizeMB: 64
displays:
  - framebuffer: 0x2000000
    modes:
      - {width: 640, height: 480}
      - {width: 800, height: 600, format: blt}
volumes:
  - label: ESP
    files:
      - path: 'System\Kernel.sys'
        source: kernel.bin
      - path: notes.txt
        data: hello
      - path: demo.sys
        builtin: kernel
kernel: none
`
	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Version != 1 || m.Memory.SizeMB != 64 || m.Pool.Base != defaultPoolBase || m.Kernel != "none" {
		t.Fatalf("machine = %+v", m)
	}
	if m.Displays[0].Modes[0].Format != "bgrx" {
		t.Fatalf("default format = %q", m.Displays[0].Modes[0].Format)
	}
	if m.Volumes[0].Files[2].LoadAddress != defaultKernelBase {
		t.Fatalf("builtin load address = %#x", m.Volumes[0].Files[2].LoadAddress)
	}

	data, err := m.Volumes[0].Files[0].contents(m.dir)
	if err != nil || string(data) != "ELF?" {
		t.Fatalf("source contents = %q, %v", data, err)
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFilename)
	if err := WriteTemplate(path, Default()); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.dir = filepath.Dir(path)
	if diff := cmp.Diff(want, m, cmp.AllowUnexported(Machine{})); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestDerivedMemoryMap(t *testing.T) {
	m := Default()
	descs, err := m.memoryMap()
	if err != nil {
		t.Fatalf("memoryMap: %v", err)
	}
	var types []firmware.MemoryType
	next := m.Memory.Base
	for _, d := range descs {
		if d.PhysicalStart != next {
			t.Fatalf("gap before %#x, expected %#x", d.PhysicalStart, next)
		}
		next = d.PhysicalEnd()
		types = append(types, d.Type)
	}
	if next != m.Memory.Base+m.Memory.SizeMB<<20 {
		t.Fatalf("map ends at %#x", next)
	}
	want := []firmware.MemoryType{
		firmware.ConventionalMemory,
		firmware.BootServicesData,
		firmware.ConventionalMemory,
		firmware.MemoryMappedIO,
		firmware.ConventionalMemory,
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("types (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsBadDescriptions(t *testing.T) {
	for name, mutate := range map[string]func(*Machine){
		"unknown kernel":       func(m *Machine) { m.Kernel = "linux" },
		"framebuffer outside":  func(m *Machine) { m.Displays[0].FrameBuffer = 0x4000_0000 },
		"unknown format":       func(m *Machine) { m.Displays[0].Modes[0].Format = "yuv" },
		"two sources":          func(m *Machine) { m.Volumes[0].Files[0].Source = "x" },
		"bad map type":         func(m *Machine) { m.Map = []MapEntry{{Type: "ram", Pages: 1}} },
		"bitmask without mask": func(m *Machine) { m.Displays[0].Modes[0].Format = "bitmask" },
	} {
		t.Run(name, func(t *testing.T) {
			m := Default()
			mutate(&m)
			if fw, err := m.Build(Options{}); err == nil {
				fw.Close()
				t.Fatalf("Build succeeded")
			}
		})
	}
}

func TestBitmaskModeBoots(t *testing.T) {
	m := Default()
	m.Kernel = "none"
	m.Displays[0].Modes = []Mode{{
		Width:  800,
		Height: 600,
		Format: "bitmask",
		Mask:   &Mask{Red: 0xf800, Green: 0x07e0, Blue: 0x001f},
	}}
	fw, err := m.Build(Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer fw.Close()

	res, err := (&handoff.Loader{Services: fw.Services(&console.Transcript{})}).Boot(context.Background())
	if !errors.Is(err, handoff.ErrKernelReturned) {
		t.Fatalf("Boot = %v, want ErrKernelReturned", err)
	}
	if size := res.Record.Framebuffer.Size; size != 800*600*2 {
		t.Fatalf("framebuffer size = %d, want %d", size, 800*600*2)
	}
}

func TestDefaultMachineBoots(t *testing.T) {
	fw, err := Default().Build(Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer fw.Close()

	con := &console.Transcript{}
	l := &handoff.Loader{Services: fw.Services(con)}
	res, err := l.Boot(context.Background())
	if !errors.Is(err, handoff.ErrKernelReturned) {
		t.Fatalf("Boot = %v, want ErrKernelReturned", err)
	}
	fb := res.Record.Framebuffer
	if fb.Width != 1024 || fb.Height != 768 {
		t.Fatalf("framebuffer = %s, want 1024x768", fb)
	}
	if res.Entry != defaultKernelBase {
		t.Fatalf("entry = %#x", res.Entry)
	}

	// The splash kernel leaves a white corner.
	px := make([]byte, 4)
	if _, err := fw.Memory().ReadAt(px, int64(fb.Address)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if px[0] != 0xff || px[1] != 0xff || px[2] != 0xff {
		t.Fatalf("corner pixel = % x", px)
	}
}
