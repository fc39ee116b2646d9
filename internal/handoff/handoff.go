// Package handoff sequences the boot stage: it commits a display mode, reads
// and places the kernel, snapshots the memory map, exits boot services and
// jumps to the kernel with a handoff record.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kboot/internal/display"
	"github.com/tinyrange/kboot/internal/elf64"
	"github.com/tinyrange/kboot/internal/firmware"
	"github.com/tinyrange/kboot/internal/loader"
	"github.com/tinyrange/kboot/internal/memmap"
	"github.com/tinyrange/kboot/internal/trace"
	"github.com/tinyrange/kboot/internal/volume"
)

// KernelPath is where the kernel image lives on the boot volume.
const KernelPath = `System\Kernel.sys`

// Banner is printed once a framebuffer has been obtained.
const Banner = "kboot UEFI loader"

// Result describes a completed handoff.
type Result struct {
	Record        Record
	RecordAddress uint64
	Entry         uint64
	Segments      []loader.Segment
	Snapshot      *memmap.Snapshot
}

// Loader runs one boot attempt.
type Loader struct {
	Services firmware.Services
	Logger   *slog.Logger
	// Trace, if set, receives one entry per boot step.
	Trace *trace.Log

	exited bool
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loader) say(attr firmware.Attribute, msg string) {
	if l.exited {
		return
	}
	con := l.Services.Console
	_ = con.SetAttribute(attr)
	_ = con.OutputString(msg + "\r\n")
	_ = con.SetAttribute(firmware.AttributeDefault)
}

// fail reports a failed step on the console and waits for acknowledgement.
// After boot services are gone nothing can be printed, so only the log sees
// the failure.
func (l *Loader) fail(ctx context.Context, phase Phase, msg string, err error) error {
	berr := &Error{Phase: phase, Err: err}
	l.logger().Error("boot failed", "phase", phase, "kind", berr.Kind(), "err", err)
	_ = l.Trace.Source("handoff").Writef("%s failed: %v", phase, err)
	if !l.exited {
		l.say(firmware.AttributeError, msg)
		l.say(firmware.AttributeDefault, "Press any key to continue...")
		if werr := l.Services.Console.WaitForKey(ctx); werr != nil {
			l.logger().Warn("wait for key", "err", werr)
		}
	}
	return berr
}

// Boot runs the boot sequence. Each step runs only if the previous one
// succeeded. Boot does not return on success; an entry transfer that comes
// back is reported as ErrKernelReturned together with the result.
func (l *Loader) Boot(ctx context.Context) (*Result, error) {
	if err := l.Services.Validate(); err != nil {
		return nil, err
	}
	l.exited = false
	bs := l.Services.Boot
	tr := l.Trace.Source("handoff")
	res := &Result{}

	fb, err := (&display.Negotiator{Boot: bs, Logger: l.Logger}).Negotiate(ctx)
	l.say(firmware.AttributeInfo, Banner)
	if err != nil {
		return nil, l.fail(ctx, PhaseDisplay, "Failed to get framebuffer. Cannot boot.", err)
	}
	res.Record.Framebuffer = fb
	_ = tr.Writef("framebuffer %s", fb)
	l.say(firmware.AttributeSuccess, "Successfully obtained framebuffer.")

	l.say(firmware.AttributeDefault, "Loading kernel...")
	if err := l.loadKernel(ctx, res); err != nil {
		return nil, err
	}
	l.say(firmware.AttributeSuccess, "Successfully loaded kernel.")

	l.say(firmware.AttributeDefault, "Loading memory map...")
	pool, err := bs.AllocatePool(firmware.LoaderData, RecordSize)
	if err != nil {
		return nil, l.fail(ctx, PhaseMemoryMap, "Failed to allocate boot data.", err)
	}
	raw := res.Record.encode()
	if _, err := l.Services.Memory.WriteAt(raw, int64(pool.Address)); err != nil {
		_ = bs.FreePool(pool)
		return nil, l.fail(ctx, PhaseMemoryMap, "Failed to write boot data.", err)
	}
	res.RecordAddress = pool.Address
	_ = tr.WriteBytes(raw)

	snap, err := memmap.Collect(bs)
	if err != nil {
		_ = bs.FreePool(pool)
		return nil, l.fail(ctx, PhaseMemoryMap, "Loading memory map failed.", err)
	}
	res.Snapshot = snap
	_ = tr.Writef("memory map: %d descriptors, stride %d, key %d", snap.Count, snap.Stride, snap.Key)
	l.say(firmware.AttributeSuccess, "Successfully loaded memory map.")

	l.say(firmware.AttributeDefault, "Jumping to kernel...")
	if err := bs.ExitBootServices(snap.Key); err != nil {
		_ = bs.FreePool(pool)
		return nil, l.fail(ctx, PhaseExit, "Failed to exit boot services.", err)
	}
	l.exited = true
	_ = tr.Writef("boot services exited, entering %#x", res.Entry)
	l.logger().Info("entering kernel",
		"entry", fmt.Sprintf("%#x", res.Entry),
		"record", fmt.Sprintf("%#x", res.RecordAddress),
	)

	err = l.Services.Entry.Transfer(res.Entry, res.RecordAddress)
	if err == nil {
		err = ErrKernelReturned
	}
	return res, l.fail(ctx, PhaseEntry, "", err)
}

// loadKernel reads, validates and places the kernel image. The file buffer
// is freed before returning.
func (l *Loader) loadKernel(ctx context.Context, res *Result) (err error) {
	bs := l.Services.Boot
	file, err := (&volume.Reader{Boot: bs, Logger: l.Logger}).ReadFile(ctx, KernelPath)
	if err != nil {
		return l.fail(ctx, PhaseKernel, "Loading kernel failed.", err)
	}
	defer func() {
		if ferr := bs.FreePool(file.Pool); ferr != nil && err == nil {
			err = l.fail(ctx, PhaseKernel, "Failed to release kernel buffer.", ferr)
		}
	}()
	buf := file.Bytes()

	if !elf64.Validate(buf) {
		return l.fail(ctx, PhaseFormat, "Kernel file is invalid.", elf64.ErrInvalidImage)
	}
	im, err := elf64.New(buf)
	if err != nil {
		return l.fail(ctx, PhaseFormat, "Kernel file is invalid.", err)
	}

	segs, err := loader.LoadSegments(im, l.Services.Memory, loader.Physical)
	if err != nil {
		phase, msg := PhaseKernel, "Failed to place kernel segments."
		if errors.Is(err, loader.ErrSegmentSize) || errors.Is(err, elf64.ErrInvalidImage) || errors.Is(err, elf64.ErrOutOfRange) {
			phase, msg = PhaseFormat, "Kernel file is invalid."
		}
		return l.fail(ctx, phase, msg, err)
	}
	res.Entry = im.Entry()
	res.Segments = segs

	lo, hi := loader.Span(segs)
	_ = l.Trace.Source("handoff").Writef("kernel %d segments %#x-%#x entry %#x", len(segs), lo, hi, res.Entry)
	l.logger().Info("kernel placed",
		"segments", len(segs),
		"start", fmt.Sprintf("%#x", lo),
		"end", fmt.Sprintf("%#x", hi),
		"entry", fmt.Sprintf("%#x", res.Entry),
	)
	return nil
}
