package firmware

import (
	"fmt"
	"math/bits"
)

// PixelFormat describes how a graphics mode lays out pixels.
type PixelFormat uint32

const (
	PixelRedGreenBlueReserved8Bit PixelFormat = iota
	PixelBlueGreenRedReserved8Bit
	PixelBitMask
	// PixelBltOnly modes have no linear framebuffer.
	PixelBltOnly
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRedGreenBlueReserved8Bit:
		return "rgbx"
	case PixelBlueGreenRedReserved8Bit:
		return "bgrx"
	case PixelBitMask:
		return "bitmask"
	case PixelBltOnly:
		return "blt"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint32(f))
	}
}

// ParsePixelFormat is the inverse of PixelFormat.String.
func ParsePixelFormat(s string) (PixelFormat, error) {
	for f := PixelRedGreenBlueReserved8Bit; f <= PixelBltOnly; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", s)
}

// PixelBitmask holds the channel masks of a PixelBitMask mode.
type PixelBitmask struct {
	Red      uint32
	Green    uint32
	Blue     uint32
	Reserved uint32
}

// ModeInfo is the information returned by QueryMode.
type ModeInfo struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          PixelFormat
	PixelInformation     PixelBitmask
	PixelsPerScanLine    uint32
}

// ModeInfoSize is the size of the firmware's mode information structure.
const ModeInfoSize = 36

// BytesPerPixel returns the pixel size of a mode with a linear framebuffer.
func (m ModeInfo) BytesPerPixel() int {
	if m.PixelFormat != PixelBitMask {
		return 4
	}
	mask := m.PixelInformation.Red | m.PixelInformation.Green | m.PixelInformation.Blue | m.PixelInformation.Reserved
	n := bits.Len32(mask)
	return (n + 7) / 8
}

// GraphicsMode is the adapter's current mode.
type GraphicsMode struct {
	MaxMode         uint32
	Mode            uint32
	Info            ModeInfo
	SizeOfInfo      uint64
	FrameBufferBase uint64
	FrameBufferSize uint64
}

// GraphicsOutput is the graphics output protocol.
type GraphicsOutput interface {
	QueryMode(index uint32) (ModeInfo, uint64, error)
	SetMode(index uint32) error
	Mode() GraphicsMode
}

// OpenGraphicsOutput opens the graphics output protocol on handle.
func OpenGraphicsOutput(bs BootServices, handle Handle) (GraphicsOutput, error) {
	iface, err := bs.OpenProtocol(handle, GraphicsOutputProtocolGUID)
	if err != nil {
		return nil, err
	}
	gop, ok := iface.(GraphicsOutput)
	if !ok {
		_ = bs.CloseProtocol(handle, GraphicsOutputProtocolGUID)
		return nil, fmt.Errorf("graphics output on handle %#x: %w", uint64(handle), ErrUnexpectedProtocol)
	}
	return gop, nil
}
