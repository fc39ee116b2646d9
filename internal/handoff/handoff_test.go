package handoff

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/kboot/internal/console"
	"github.com/tinyrange/kboot/internal/display"
	"github.com/tinyrange/kboot/internal/elf64"
	"github.com/tinyrange/kboot/internal/elf64/elftest"
	"github.com/tinyrange/kboot/internal/firmware"
	"github.com/tinyrange/kboot/internal/firmware/sim"
	"github.com/tinyrange/kboot/internal/framebuffer"
	"github.com/tinyrange/kboot/internal/loader"
	"github.com/tinyrange/kboot/internal/trace"
	"github.com/tinyrange/kboot/internal/volume"
)

const (
	ramBase    = 0x1000
	ramSize    = 0x100_0000
	poolBase   = 0x80_0000
	poolSize   = 0x40_0000
	fbBase     = 0x20_0000
	kernelBase = 0x10_0000
)

// faultyBoot fails selected boot services and passes the rest through.
type faultyBoot struct {
	*sim.Firmware
	mapErr  error
	exitErr error
}

func (b *faultyBoot) GetMemoryMap(buf []byte) (firmware.MemoryMapInfo, error) {
	if b.mapErr != nil {
		return firmware.MemoryMapInfo{}, b.mapErr
	}
	return b.Firmware.GetMemoryMap(buf)
}

func (b *faultyBoot) ExitBootServices(mapKey uint64) error {
	if b.exitErr != nil {
		return b.exitErr
	}
	return b.Firmware.ExitBootServices(mapKey)
}

type machine struct {
	fw      *sim.Firmware
	boot    *faultyBoot
	display *sim.Display
	con     *console.Transcript
	kernel  []byte
	calls   int
	entry   uint64
	record  Record
}

func newMachine(t *testing.T, kernel []byte, volumes ...map[string][]byte) *machine {
	t.Helper()
	mem, err := sim.NewArena(ramBase, ramSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	m := &machine{con: &console.Transcript{}, kernel: kernel}
	m.fw, err = sim.New(sim.Config{
		Memory:   mem,
		PoolBase: poolBase,
		PoolSize: poolSize,
		MemoryMap: []firmware.MemoryDescriptor{
			{Type: firmware.ConventionalMemory, PhysicalStart: ramBase, NumberOfPages: (fbBase - ramBase) / firmware.PageSize},
			{Type: firmware.MemoryMappedIO, PhysicalStart: fbBase, NumberOfPages: 0x300},
			{Type: firmware.BootServicesData, PhysicalStart: poolBase, NumberOfPages: poolSize / firmware.PageSize},
		},
		Kernel: func(mem firmware.PhysicalMemory, entry, arg uint64) error {
			m.calls++
			m.entry = entry
			rec, err := ReadRecord(mem, arg)
			if err != nil {
				return err
			}
			m.record = rec
			return nil
		},
	})
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	m.display = &sim.Display{
		FrameBufferBase: fbBase,
		Modes: []sim.Mode{
			{Width: 800, Height: 600, Format: firmware.PixelBlueGreenRedReserved8Bit},
			{Width: 1024, Height: 600, Format: firmware.PixelBlueGreenRedReserved8Bit},
			{Width: 1024, Height: 768, Format: firmware.PixelBlueGreenRedReserved8Bit, Stride: 1088},
			{Width: 1280, Height: 720, Format: firmware.PixelBlueGreenRedReserved8Bit},
			{Width: 1920, Height: 1080, Format: firmware.PixelBltOnly},
		},
	}
	m.boot = &faultyBoot{Firmware: m.fw}
	m.fw.AddDisplay(m.display)
	for _, files := range volumes {
		m.fw.AddVolume(&sim.Volume{Files: files})
	}
	return m
}

func (m *machine) loader(tr *trace.Log) *Loader {
	services := m.fw.Services(m.con)
	services.Boot = m.boot
	return &Loader{Services: services, Trace: tr}
}

func TestBootHandsOffToKernel(t *testing.T) {
	code := bytes.Repeat([]byte{0x90}, 300)
	kernel := elftest.Kernel(kernelBase, code, 0x2000)
	m := newMachine(t, kernel,
		map[string][]byte{`EFI\Boot\BootX64.efi`: []byte("loader")},
		map[string][]byte{KernelPath: kernel},
	)
	// Dirty the destination so zero-fill is observable.
	junk := bytes.Repeat([]byte{0xcc}, 0x3000)
	m.fw.Memory().WriteAt(junk, kernelBase)

	buf := new(trace.Buffer)
	res, err := m.loader(trace.New(buf)).Boot(context.Background())
	if !errors.Is(err, ErrKernelReturned) {
		t.Fatalf("Boot = %v, want ErrKernelReturned", err)
	}
	var berr *Error
	if !errors.As(err, &berr) || berr.Phase != PhaseEntry {
		t.Fatalf("Boot error = %#v, want entry phase", err)
	}

	if m.calls != 1 {
		t.Fatalf("kernel entered %d times, want 1", m.calls)
	}
	if m.entry != kernelBase || res.Entry != kernelBase {
		t.Fatalf("entry = %#x (result %#x), want %#x", m.entry, res.Entry, kernelBase)
	}

	wantFB := framebuffer.Descriptor{
		Address:           fbBase,
		Size:              1088 * 768 * 4,
		Width:             1024,
		Height:            768,
		PixelsPerScanLine: 1088,
	}
	if diff := cmp.Diff(wantFB, m.record.Framebuffer); diff != "" {
		t.Fatalf("record seen by kernel (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantFB, res.Record.Framebuffer); diff != "" {
		t.Fatalf("result record (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{2}, m.display.SetModeCalls()); diff != "" {
		t.Fatalf("SetMode calls (-want +got):\n%s", diff)
	}

	placed := make([]byte, 300+0x2000+16)
	m.fw.Memory().ReadAt(placed, kernelBase)
	if !bytes.Equal(placed[:300], code) {
		t.Fatalf("code not placed")
	}
	if !bytes.Equal(placed[300:300+0x2000], make([]byte, 0x2000)) {
		t.Fatalf("bss not zeroed")
	}
	if placed[300+0x2000] != 0xcc {
		t.Fatalf("zero fill ran past the segment")
	}
	if len(res.Segments) != 1 || res.Segments[0].MemSize != 300+0x2000 {
		t.Fatalf("segments = %+v", res.Segments)
	}

	s := m.fw.Stats()
	if !s.Exited || s.OpenProtocols != 0 || s.OpenFiles != 0 {
		t.Fatalf("firmware stats = %+v", s)
	}
	// Only the handoff record survives.
	if s.LivePools != 1 {
		t.Fatalf("live pools = %d, want 1", s.LivePools)
	}

	want := []string{
		Banner,
		"Successfully obtained framebuffer.",
		"Loading kernel...",
		"Successfully loaded kernel.",
		"Loading memory map...",
		"Successfully loaded memory map.",
		"Jumping to kernel...",
	}
	if diff := cmp.Diff(want, m.con.Text()); diff != "" {
		t.Fatalf("console (-want +got):\n%s", diff)
	}
	if m.con.Keys() != 0 {
		t.Fatalf("waited for a key after handoff")
	}

	r, err := trace.NewReader(buf, buf.Size())
	if err != nil {
		t.Fatalf("trace.NewReader: %v", err)
	}
	if r.Len() < 4 {
		t.Fatalf("trace has %d entries", r.Len())
	}
}

func TestBootFailures(t *testing.T) {
	valid := elftest.Kernel(kernelBase, []byte{0xf4}, 0)

	corrupt := append([]byte(nil), valid...)
	corrupt[4] = 1 // 32-bit class

	shrinking := elftest.Image{
		Entry: kernelBase,
		Segments: []elftest.Segment{{
			Type:    elf64.ProgramLoad,
			PAddr:   kernelBase,
			Data:    make([]byte, 64),
			MemSize: 32,
		}},
	}.Build()

	for _, tt := range []struct {
		name    string
		setup   func(m *machine)
		kernel  []byte
		phase   Phase
		kind    Kind
		target  error
		message string
	}{
		{
			name:    "no kernel",
			kernel:  nil,
			phase:   PhaseKernel,
			kind:    KindResourceNotFound,
			target:  volume.ErrKernelNotFound,
			message: "Loading kernel failed.",
		},
		{
			name:    "invalid image",
			kernel:  corrupt,
			phase:   PhaseFormat,
			kind:    KindFormat,
			target:  elf64.ErrInvalidImage,
			message: "Kernel file is invalid.",
		},
		{
			name:    "segment larger on disk",
			kernel:  shrinking,
			phase:   PhaseFormat,
			kind:    KindInvariant,
			target:  loader.ErrSegmentSize,
			message: "Kernel file is invalid.",
		},
		{
			name:    "no usable mode",
			kernel:  valid,
			setup:   func(m *machine) { m.display.Modes = []sim.Mode{{Width: 640, Height: 480, Format: firmware.PixelBltOnly}} },
			phase:   PhaseDisplay,
			kind:    KindResourceNotFound,
			target:  display.ErrNoUsableMode,
			message: "Failed to get framebuffer. Cannot boot.",
		},
		{
			name:    "set mode fails",
			kernel:  valid,
			setup:   func(m *machine) { m.display.SetModeErr = firmware.StatusDeviceError },
			phase:   PhaseDisplay,
			kind:    KindTransport,
			target:  firmware.StatusDeviceError,
			message: "Failed to get framebuffer. Cannot boot.",
		},
		{
			name:    "memory map fails",
			kernel:  valid,
			setup:   func(m *machine) { m.boot.mapErr = firmware.StatusDeviceError },
			phase:   PhaseMemoryMap,
			kind:    KindTransport,
			target:  firmware.StatusDeviceError,
			message: "Loading memory map failed.",
		},
		{
			name:    "exit fails",
			kernel:  valid,
			setup:   func(m *machine) { m.boot.exitErr = firmware.StatusInvalidParameter },
			phase:   PhaseExit,
			kind:    KindTransport,
			target:  firmware.StatusInvalidParameter,
			message: "Failed to exit boot services.",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var volumes []map[string][]byte
			if tt.kernel != nil {
				volumes = append(volumes, map[string][]byte{KernelPath: tt.kernel})
			} else {
				volumes = append(volumes, map[string][]byte{"readme.txt": []byte("hi")})
			}
			m := newMachine(t, tt.kernel, volumes...)
			if tt.setup != nil {
				tt.setup(m)
			}

			_, err := m.loader(nil).Boot(context.Background())
			var berr *Error
			if !errors.As(err, &berr) {
				t.Fatalf("Boot = %v, want *Error", err)
			}
			if berr.Phase != tt.phase || berr.Kind() != tt.kind || !errors.Is(err, tt.target) {
				t.Fatalf("Boot = %v (phase %s, kind %s), want phase %s kind %s wrapping %v", err, berr.Phase, berr.Kind(), tt.phase, tt.kind, tt.target)
			}

			if m.calls != 0 {
				t.Fatalf("kernel entered after a failure")
			}
			s := m.fw.Stats()
			if s.Exited || s.LivePools != 0 || s.OpenProtocols != 0 || s.OpenFiles != 0 {
				t.Fatalf("firmware stats after failure = %+v", s)
			}

			lines := m.con.Lines()
			if len(lines) < 2 {
				t.Fatalf("console = %v", lines)
			}
			failure := lines[len(lines)-2]
			if failure.Text != tt.message || failure.Attr != firmware.AttributeError {
				t.Fatalf("failure line = %+v, want %q", failure, tt.message)
			}
			if lines[len(lines)-1].Text != "Press any key to continue..." || m.con.Keys() != 1 {
				t.Fatalf("no acknowledgement prompt: %v", lines)
			}
		})
	}
}

func TestBootAcceptsBitmaskMode(t *testing.T) {
	kernel := elftest.Kernel(kernelBase, []byte{0xf4}, 0)
	m := newMachine(t, kernel, map[string][]byte{KernelPath: kernel})
	m.display.Modes = []sim.Mode{{
		Width:  1024,
		Height: 768,
		Format: firmware.PixelBitMask,
		Mask:   firmware.PixelBitmask{Red: 0xf800, Green: 0x07e0, Blue: 0x001f},
	}}

	_, err := m.loader(nil).Boot(context.Background())
	if !errors.Is(err, ErrKernelReturned) {
		t.Fatalf("Boot = %v, want ErrKernelReturned", err)
	}
	want := framebuffer.Descriptor{
		Address:           fbBase,
		Size:              1024 * 768 * 2,
		Width:             1024,
		Height:            768,
		PixelsPerScanLine: 1024,
	}
	if diff := cmp.Diff(want, m.record.Framebuffer); diff != "" {
		t.Fatalf("record seen by kernel (-want +got):\n%s", diff)
	}
	if m.calls != 1 {
		t.Fatalf("kernel entered %d times, want 1", m.calls)
	}
}

func TestRecordLayout(t *testing.T) {
	rec := Record{Framebuffer: framebuffer.Descriptor{
		Address:           0x1122334455667788,
		Size:              2,
		Width:             3,
		Height:            4,
		PixelsPerScanLine: 5,
	}}
	raw, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	want := []byte{
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		2, 0, 0, 0, 0, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0,
		4, 0, 0, 0, 0, 0, 0, 0,
		5, 0, 0, 0, 0, 0, 0, 0,
	}
	if diff := cmp.Diff(want, raw); diff != "" {
		t.Fatalf("encoding (-want +got):\n%s", diff)
	}
	var back Record
	if err := back.UnmarshalBinary(raw[:RecordSize-1]); err == nil {
		t.Fatalf("UnmarshalBinary accepted a truncated record")
	}
}
