package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/kboot/internal/firmware"
)

func newTestFirmware(t *testing.T) *Firmware {
	t.Helper()
	mem, err := NewArena(0x1000, 0x40_0000)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	fw, err := New(Config{
		Memory:   mem,
		PoolBase: 0x10_0000,
		PoolSize: 0x10_0000,
		MemoryMap: []firmware.MemoryDescriptor{
			{Type: firmware.BootServicesData, PhysicalStart: 0x1000, NumberOfPages: 0xff},
			{Type: firmware.ConventionalMemory, PhysicalStart: 0x10_0000, NumberOfPages: 0x300},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fw
}

func TestPoolAllocation(t *testing.T) {
	fw := newTestFirmware(t)
	key := fw.Stats().MapKey

	a, err := fw.AllocatePool(firmware.LoaderData, 100)
	if err != nil {
		t.Fatalf("AllocatePool: %v", err)
	}
	b, err := fw.AllocatePool(firmware.LoaderData, 16)
	if err != nil {
		t.Fatalf("AllocatePool: %v", err)
	}
	if len(a.Bytes) != 100 || a.Address%poolAlign != 0 || b.Address < a.Address+100 {
		t.Fatalf("pools a=%#x+%d b=%#x", a.Address, len(a.Bytes), b.Address)
	}

	// Pool bytes alias physical memory.
	copy(a.Bytes, "hello")
	got := make([]byte, 5)
	if _, err := fw.Memory().ReadAt(got, int64(a.Address)); err != nil || string(got) != "hello" {
		t.Fatalf("ReadAt = %q, %v", got, err)
	}

	if err := fw.FreePool(a); err != nil {
		t.Fatalf("FreePool: %v", err)
	}
	if err := fw.FreePool(a); !errors.Is(err, firmware.StatusInvalidParameter) {
		t.Fatalf("double FreePool = %v", err)
	}
	c, err := fw.AllocatePool(firmware.LoaderData, 64)
	if err != nil {
		t.Fatalf("AllocatePool: %v", err)
	}
	if c.Address != a.Address {
		t.Fatalf("freed block not reused: %#x, want %#x", c.Address, a.Address)
	}
	if !bytes.Equal(c.Bytes, make([]byte, 64)) {
		t.Fatalf("reused pool not zeroed")
	}
	if s := fw.Stats(); s.LivePools != 2 || s.MapKey != key+4 {
		t.Fatalf("stats = %+v, want 2 live pools and key %d", s, key+4)
	}

	if _, err := fw.AllocatePool(firmware.LoaderData, 0x20_0000); !errors.Is(err, firmware.StatusOutOfResources) {
		t.Fatalf("oversized AllocatePool = %v", err)
	}
}

func TestMemoryMapAndExit(t *testing.T) {
	fw := newTestFirmware(t)

	info, err := fw.GetMemoryMap(nil)
	if !errors.Is(err, firmware.StatusBufferTooSmall) || info.Size != 2*DescriptorStride {
		t.Fatalf("GetMemoryMap(nil) = %+v, %v", info, err)
	}
	buf := make([]byte, info.Size)
	info, err = fw.GetMemoryMap(buf)
	if err != nil {
		t.Fatalf("GetMemoryMap: %v", err)
	}
	d, err := firmware.DecodeMemoryDescriptor(buf[DescriptorStride:])
	if err != nil {
		t.Fatalf("DecodeMemoryDescriptor: %v", err)
	}
	if d.Type != firmware.ConventionalMemory || d.NumberOfPages != 0x300 {
		t.Fatalf("descriptor 1 = %+v", d)
	}

	pool, _ := fw.AllocatePool(firmware.LoaderData, 8)
	if err := fw.ExitBootServices(info.MapKey); !errors.Is(err, firmware.StatusInvalidParameter) {
		t.Fatalf("ExitBootServices with stale key = %v", err)
	}
	if err := fw.Transfer(0x10_0000, 0); err == nil {
		t.Fatalf("Transfer before exit succeeded")
	}

	info, _ = fw.GetMemoryMap(buf)
	if err := fw.ExitBootServices(info.MapKey); err != nil {
		t.Fatalf("ExitBootServices: %v", err)
	}
	for name, err := range map[string]error{
		"FreePool":      fw.FreePool(pool),
		"ExitBoot":      fw.ExitBootServices(info.MapKey),
		"CloseProtocol": fw.CloseProtocol(1, firmware.GraphicsOutputProtocolGUID),
	} {
		if !errors.Is(err, firmware.ErrServicesExited) {
			t.Fatalf("%s after exit = %v", name, err)
		}
	}
	if _, err := fw.GetMemoryMap(buf); !errors.Is(err, firmware.ErrServicesExited) {
		t.Fatalf("GetMemoryMap after exit = %v", err)
	}

	var gotEntry, gotArg uint64
	fw.cfg.Kernel = func(_ firmware.PhysicalMemory, entry, arg uint64) error {
		gotEntry, gotArg = entry, arg
		return nil
	}
	if err := fw.Transfer(0x10_0000, 0x2000); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if gotEntry != 0x10_0000 || gotArg != 0x2000 || fw.Stats().Transfers != 1 {
		t.Fatalf("kernel saw entry %#x arg %#x", gotEntry, gotArg)
	}
	if err := fw.Transfer(0x9000_0000, 0); !errors.Is(err, firmware.StatusLoadError) {
		t.Fatalf("Transfer outside memory = %v", err)
	}
}

func TestProtocols(t *testing.T) {
	fw := newTestFirmware(t)
	disp := &Display{
		FrameBufferBase: 0x20_0000,
		Modes: []Mode{
			{Width: 640, Height: 480, Format: firmware.PixelBlueGreenRedReserved8Bit},
			{Width: 800, Height: 600, Format: firmware.PixelBltOnly},
		},
	}
	vol := &Volume{Files: map[string][]byte{`System\Kernel.sys`: []byte("kernel")}}
	hd := fw.AddDisplay(disp)
	hv := fw.AddVolume(vol)

	hb, err := fw.LocateHandleBuffer(firmware.SimpleFileSystemProtocolGUID)
	if err != nil {
		t.Fatalf("LocateHandleBuffer: %v", err)
	}
	if diff := cmp.Diff([]firmware.Handle{hv}, hb.Handles); diff != "" {
		t.Fatalf("handles (-want +got):\n%s", diff)
	}
	if err := fw.FreePool(hb.Pool); err != nil {
		t.Fatalf("FreePool(handle buffer): %v", err)
	}
	if _, err := fw.OpenProtocol(hd, firmware.SimpleFileSystemProtocolGUID); !errors.Is(err, firmware.StatusUnsupported) {
		t.Fatalf("OpenProtocol wrong protocol = %v", err)
	}

	gop, err := firmware.OpenGraphicsOutput(fw, hd)
	if err != nil {
		t.Fatalf("OpenGraphicsOutput: %v", err)
	}
	if gop.Mode().MaxMode != 2 {
		t.Fatalf("MaxMode = %d", gop.Mode().MaxMode)
	}
	if err := gop.SetMode(0); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if m := gop.Mode(); m.FrameBufferSize != 640*480*4 || m.FrameBufferBase != 0x20_0000 {
		t.Fatalf("Mode = %+v", m)
	}

	sfs, err := firmware.OpenSimpleFileSystem(fw, hv)
	if err != nil {
		t.Fatalf("OpenSimpleFileSystem: %v", err)
	}
	root, err := sfs.OpenVolume()
	if err != nil {
		t.Fatalf("OpenVolume: %v", err)
	}
	if _, err := root.Open(`\SYSTEM\kernel.SYS`, firmware.FileModeWrite, 0); !errors.Is(err, firmware.StatusWriteProtected) {
		t.Fatalf("Open for write = %v", err)
	}
	if _, err := root.Open(`System\Missing.sys`, firmware.FileModeRead, 0); !errors.Is(err, firmware.StatusNotFound) {
		t.Fatalf("Open missing = %v", err)
	}
	f, err := root.Open(`\SYSTEM\kernel.SYS`, firmware.FileModeRead, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 16)
	n, err := f.Read(buf)
	if err != nil || string(buf[:n]) != "kernel" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if n, err := f.Read(buf); n != 0 || err != nil {
		t.Fatalf("Read at EOF = %d, %v", n, err)
	}

	s := fw.Stats()
	if s.OpenProtocols != 2 || s.OpenFiles != 2 {
		t.Fatalf("stats = %+v", s)
	}
	f.Close()
	root.Close()
	fw.CloseProtocol(hd, firmware.GraphicsOutputProtocolGUID)
	fw.CloseProtocol(hv, firmware.SimpleFileSystemProtocolGUID)
	if s := fw.Stats(); s.OpenProtocols != 0 || s.OpenFiles != 0 {
		t.Fatalf("stats after close = %+v", s)
	}
	if err := fw.CloseProtocol(hv, firmware.SimpleFileSystemProtocolGUID); !errors.Is(err, firmware.StatusNotFound) {
		t.Fatalf("CloseProtocol when not open = %v", err)
	}
}

func TestBitmaskModeReportsPixelSize(t *testing.T) {
	fw := newTestFirmware(t)
	rgb565 := firmware.PixelBitmask{Red: 0xf800, Green: 0x07e0, Blue: 0x001f}
	disp := &Display{
		FrameBufferBase: 0x20_0000,
		Modes:           []Mode{{Width: 320, Height: 200, Format: firmware.PixelBitMask, Mask: rgb565}},
	}
	fw.AddDisplay(disp)

	info, _, err := disp.QueryMode(0)
	if err != nil {
		t.Fatalf("QueryMode: %v", err)
	}
	if info.PixelInformation != rgb565 || info.BytesPerPixel() != 2 {
		t.Fatalf("mode info = %+v", info)
	}
	if err := disp.SetMode(0); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if size := disp.Mode().FrameBufferSize; size != 320*200*2 {
		t.Fatalf("FrameBufferSize = %d, want %d", size, 320*200*2)
	}
}

func TestCleanPath(t *testing.T) {
	for in, want := range map[string]string{
		`System\Kernel.sys`:  "system/kernel.sys",
		`\System\Kernel.sys`: "system/kernel.sys",
		`System\..\Kernel`:   "kernel",
		"system/kernel.sys":  "system/kernel.sys",
	} {
		if got := CleanPath(in); got != want {
			t.Fatalf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}
