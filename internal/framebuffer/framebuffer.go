// Package framebuffer describes the linear framebuffer handed to the kernel
// and provides pixel access on top of it.
package framebuffer

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
)

// BytesPerPixel is the pixel size of every mode the loader commits.
const BytesPerPixel = 4

// Descriptor locates a linear framebuffer. Address is a physical byte
// address; Width, Height and PixelsPerScanLine count pixels.
type Descriptor struct {
	Address           uint64
	Size              uint64
	Width             uint64
	Height            uint64
	PixelsPerScanLine uint64
}

// Stride returns the scan line length in pixels.
func (d Descriptor) Stride() uint64 {
	if d.PixelsPerScanLine == 0 {
		return d.Width
	}
	return d.PixelsPerScanLine
}

// Validate checks that the geometry fits in Size with 32-bit pixels.
func (d Descriptor) Validate() error {
	return d.ValidateDepth(BytesPerPixel)
}

// ValidateDepth checks that the geometry fits in Size with pixels of
// bytesPerPixel bytes.
func (d Descriptor) ValidateDepth(bytesPerPixel uint64) error {
	if d.Address == 0 {
		return fmt.Errorf("framebuffer address is zero")
	}
	if d.Width == 0 || d.Height == 0 {
		return fmt.Errorf("framebuffer has empty geometry %dx%d", d.Width, d.Height)
	}
	if bytesPerPixel == 0 {
		return fmt.Errorf("framebuffer pixel size is zero")
	}
	if d.Stride() < d.Width {
		return fmt.Errorf("framebuffer stride %d below width %d", d.Stride(), d.Width)
	}
	need := d.Stride() * d.Height * bytesPerPixel
	if need/bytesPerPixel/d.Height != d.Stride() || need > d.Size {
		return fmt.Errorf("framebuffer %dx%d stride %d at %d bytes per pixel needs %d bytes, has %d", d.Width, d.Height, d.Stride(), bytesPerPixel, need, d.Size)
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%dx%d stride %d at %#x (%d bytes)", d.Width, d.Height, d.Stride(), d.Address, d.Size)
}

// Sink is a surface the kernel can draw on.
type Sink interface {
	Width() int
	Height() int
	Pixel(x, y int) (uint32, error)
	SetPixel(x, y int, c uint32) error
	Clear(c uint32) error
}

// Memory is the physical memory a Linear framebuffer lives in.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Linear draws directly into a framebuffer in physical memory. Pixels are
// 32-bit blue-green-red-reserved words.
type Linear struct {
	desc Descriptor
	mem  Memory
}

// NewLinear returns a sink over the framebuffer described by desc.
func NewLinear(desc Descriptor, mem Memory) (*Linear, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &Linear{desc: desc, mem: mem}, nil
}

func (l *Linear) Width() int  { return int(l.desc.Width) }
func (l *Linear) Height() int { return int(l.desc.Height) }

func (l *Linear) offset(x, y int) (int64, error) {
	if x < 0 || y < 0 || x >= l.Width() || y >= l.Height() {
		return 0, fmt.Errorf("pixel (%d, %d) outside %dx%d", x, y, l.Width(), l.Height())
	}
	return int64(l.desc.Address + (uint64(y)*l.desc.Stride()+uint64(x))*BytesPerPixel), nil
}

func (l *Linear) Pixel(x, y int) (uint32, error) {
	off, err := l.offset(x, y)
	if err != nil {
		return 0, err
	}
	var buf [BytesPerPixel]byte
	if _, err := l.mem.ReadAt(buf[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (l *Linear) SetPixel(x, y int, c uint32) error {
	off, err := l.offset(x, y)
	if err != nil {
		return err
	}
	var buf [BytesPerPixel]byte
	binary.LittleEndian.PutUint32(buf[:], c)
	_, err = l.mem.WriteAt(buf[:], off)
	return err
}

// Clear fills every visible pixel with c, one scan line per write.
func (l *Linear) Clear(c uint32) error {
	row := make([]byte, l.Width()*BytesPerPixel)
	for x := 0; x < l.Width(); x++ {
		binary.LittleEndian.PutUint32(row[x*BytesPerPixel:], c)
	}
	return l.writeRows(func(y int, dst []byte) { copy(dst, row) })
}

func (l *Linear) writeRows(fill func(y int, row []byte)) error {
	row := make([]byte, l.Width()*BytesPerPixel)
	for y := 0; y < l.Height(); y++ {
		fill(y, row)
		off, _ := l.offset(0, y)
		if _, err := l.mem.WriteAt(row, off); err != nil {
			return fmt.Errorf("write scan line %d: %w", y, err)
		}
	}
	return nil
}

// Blit copies img into the framebuffer, converting RGBA to BGRX. img is
// clipped to the framebuffer.
func (l *Linear) Blit(img *image.RGBA) error {
	b := img.Bounds()
	w := min(b.Dx(), l.Width())
	return l.writeRows(func(y int, row []byte) {
		clear(row)
		if y >= b.Dy() {
			return
		}
		src := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			row[x*4+0] = src[x*4+2]
			row[x*4+1] = src[x*4+1]
			row[x*4+2] = src[x*4+0]
			row[x*4+3] = 0
		}
	})
}

// RGB packs a colour into a framebuffer pixel.
func RGB(r, g, b uint8) uint32 {
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

// ToRGBA reads every pixel of s into an image.
func ToRGBA(s Sink) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.Width(), s.Height()))
	for y := 0; y < s.Height(); y++ {
		for x := 0; x < s.Width(); x++ {
			p, err := s.Pixel(x, y)
			if err != nil {
				return nil, err
			}
			img.SetRGBA(x, y, color.RGBA{R: uint8(p >> 16), G: uint8(p >> 8), B: uint8(p), A: 0xff})
		}
	}
	return img, nil
}
