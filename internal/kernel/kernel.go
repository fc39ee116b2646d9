// Package kernel is the demonstration kernel the simulator enters after the
// handoff. It reads the handoff record and draws a splash screen on the
// framebuffer it describes.
package kernel

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/fogleman/gg"
	"github.com/tinyrange/kboot/internal/firmware"
	"github.com/tinyrange/kboot/internal/framebuffer"
	"github.com/tinyrange/kboot/internal/handoff"
)

// Screen opens the framebuffer named by the record at recordAddr.
func Screen(mem firmware.PhysicalMemory, recordAddr uint64) (*framebuffer.Linear, error) {
	rec, err := handoff.ReadRecord(mem, recordAddr)
	if err != nil {
		return nil, err
	}
	fb, err := framebuffer.NewLinear(rec.Framebuffer, mem)
	if err != nil {
		return nil, fmt.Errorf("handoff framebuffer: %w", err)
	}
	return fb, nil
}

// Blank clears the screen to white.
func Blank(mem firmware.PhysicalMemory, entry, recordAddr uint64) error {
	fb, err := Screen(mem, recordAddr)
	if err != nil {
		return err
	}
	return fb.Clear(framebuffer.RGB(0xff, 0xff, 0xff))
}

// Splash renders a white screen with a red ring and a caption into an RGBA
// backbuffer and flushes it to the framebuffer.
func Splash(mem firmware.PhysicalMemory, entry, recordAddr uint64) error {
	fb, err := Screen(mem, recordAddr)
	if err != nil {
		return err
	}
	w, h := float64(fb.Width()), float64(fb.Height())

	dc := gg.NewContext(fb.Width(), fb.Height())
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(1, 0, 0)
	dc.SetLineWidth(max(2, h/100))
	dc.DrawCircle(w/2, h/2, h/4)
	dc.Stroke()

	dc.SetRGB(0.2, 0.2, 0.2)
	dc.DrawStringAnchored(fmt.Sprintf("kboot: entered at %#x", entry), w/2, h*7/8, 0.5, 0.5)

	im, ok := dc.Image().(*image.RGBA)
	if !ok {
		return fmt.Errorf("backbuffer is %T, not RGBA", dc.Image())
	}
	slog.Debug("kernel splash", "width", fb.Width(), "height", fb.Height())
	return fb.Blit(im)
}

// Capture reads the framebuffer named by the record at recordAddr back into
// an image.
func Capture(mem firmware.PhysicalMemory, recordAddr uint64) (*image.RGBA, error) {
	fb, err := Screen(mem, recordAddr)
	if err != nil {
		return nil, err
	}
	return framebuffer.ToRGBA(fb)
}

// SavePNG writes the framebuffer named by the record at recordAddr to path.
func SavePNG(path string, mem firmware.PhysicalMemory, recordAddr uint64) error {
	img, err := Capture(mem, recordAddr)
	if err != nil {
		return err
	}
	return gg.SavePNG(path, img)
}
