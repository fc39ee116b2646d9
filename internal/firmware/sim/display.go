package sim

import (
	"github.com/tinyrange/kboot/internal/firmware"
)

// Mode is one mode offered by a simulated adapter.
type Mode struct {
	Width  uint32
	Height uint32
	Format firmware.PixelFormat
	// Stride in pixels; zero means Width.
	Stride uint32
	// Mask gives the channel layout of a PixelBitMask mode.
	Mask firmware.PixelBitmask
	// QueryErr, if set, is returned by QueryMode for this mode.
	QueryErr error
}

func (m Mode) info() firmware.ModeInfo {
	stride := m.Stride
	if stride == 0 {
		stride = m.Width
	}
	info := firmware.ModeInfo{
		HorizontalResolution: m.Width,
		VerticalResolution:   m.Height,
		PixelFormat:          m.Format,
		PixelsPerScanLine:    stride,
	}
	if m.Format == firmware.PixelBitMask {
		info.PixelInformation = m.Mask
	}
	return info
}

// Display is a simulated graphics output adapter with a linear framebuffer
// at FrameBufferBase.
type Display struct {
	Modes           []Mode
	FrameBufferBase uint64

	// SetModeErr, if set, is returned by SetMode.
	SetModeErr error

	fw      *Firmware
	current firmware.GraphicsMode
	sets    []uint32
}

var _ firmware.GraphicsOutput = (*Display)(nil)

func (d *Display) QueryMode(index uint32) (firmware.ModeInfo, uint64, error) {
	if d.fw.exitedNow() {
		return firmware.ModeInfo{}, 0, firmware.ErrServicesExited
	}
	if int(index) >= len(d.Modes) {
		return firmware.ModeInfo{}, 0, firmware.StatusInvalidParameter
	}
	m := d.Modes[index]
	if m.QueryErr != nil {
		return firmware.ModeInfo{}, 0, m.QueryErr
	}
	return m.info(), firmware.ModeInfoSize, nil
}

// SetMode switches modes and clears the framebuffer to black.
func (d *Display) SetMode(index uint32) error {
	if d.fw.exitedNow() {
		return firmware.ErrServicesExited
	}
	if int(index) >= len(d.Modes) {
		return firmware.StatusUnsupported
	}
	if d.SetModeErr != nil {
		return d.SetModeErr
	}
	m := d.Modes[index]
	info := m.info()
	size := uint64(info.PixelsPerScanLine) * uint64(info.VerticalResolution) * uint64(info.BytesPerPixel())
	if m.Format == firmware.PixelBltOnly {
		size = 0
	}
	if size > 0 {
		fb, err := d.fw.Memory().Slice(d.FrameBufferBase, size)
		if err != nil {
			return firmware.StatusDeviceError
		}
		clear(fb)
	}
	d.current = firmware.GraphicsMode{
		Mode:            index,
		Info:            info,
		SizeOfInfo:      firmware.ModeInfoSize,
		FrameBufferBase: d.FrameBufferBase,
		FrameBufferSize: size,
	}
	d.sets = append(d.sets, index)
	return nil
}

func (d *Display) Mode() firmware.GraphicsMode {
	m := d.current
	m.MaxMode = uint32(len(d.Modes))
	return m
}

// SetModeCalls returns every mode index passed to a successful SetMode.
func (d *Display) SetModeCalls() []uint32 {
	return append([]uint32(nil), d.sets...)
}
