// Package display negotiates a graphics mode with the firmware and records
// the resulting linear framebuffer.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/kboot/internal/firmware"
	"github.com/tinyrange/kboot/internal/framebuffer"
)

var (
	ErrNoAdapter    = errors.New("display: no graphics adapter")
	ErrNoUsableMode = errors.New("display: adapter has no mode with a linear framebuffer")
)

// State is the position of a negotiation.
type State int

const (
	Idle State = iota
	Enumerating
	RankingCandidates
	Committing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Enumerating:
		return "enumerating"
	case RankingCandidates:
		return "ranking"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Candidate is one mode reported by the adapter.
type Candidate struct {
	Index    uint32
	Width    uint32
	Height   uint32
	Format   firmware.PixelFormat
	InfoSize uint64
}

func (c Candidate) String() string {
	return fmt.Sprintf("mode %d %dx%d %s", c.Index, c.Width, c.Height, c.Format)
}

// Usable reports whether the mode exposes a linear framebuffer.
func (c Candidate) Usable() bool {
	return c.Format != firmware.PixelBltOnly
}

// Dominates reports whether c is at least as large as other on both axes.
func (c Candidate) Dominates(other Candidate) bool {
	return c.Width >= other.Width && c.Height >= other.Height
}

// Ranker keeps the best candidate seen so far. The first usable candidate
// becomes the initial best; later ones replace it only if they dominate it.
type Ranker struct {
	best Candidate
	ok   bool
}

// Offer considers c and reports whether it became the new best.
func (r *Ranker) Offer(c Candidate) bool {
	if !c.Usable() {
		return false
	}
	if r.ok && !c.Dominates(r.best) {
		return false
	}
	r.best, r.ok = c, true
	return true
}

// Best returns the winning candidate, if any usable candidate was offered.
func (r *Ranker) Best() (Candidate, bool) {
	return r.best, r.ok
}

// SelectBest ranks candidates in order.
func SelectBest(candidates []Candidate) (Candidate, error) {
	var r Ranker
	for _, c := range candidates {
		r.Offer(c)
	}
	best, ok := r.Best()
	if !ok {
		return Candidate{}, ErrNoUsableMode
	}
	return best, nil
}

// Negotiator drives one display negotiation.
type Negotiator struct {
	Boot   firmware.BootServices
	Logger *slog.Logger

	// OnState, if set, observes every state transition.
	OnState func(State)

	state State
}

// State returns the state the last negotiation reached.
func (n *Negotiator) State() State {
	return n.state
}

func (n *Negotiator) enter(s State) {
	n.state = s
	if n.OnState != nil {
		n.OnState(s)
	}
}

func (n *Negotiator) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Negotiate picks the largest mode on the first graphics adapter, commits it
// and returns the committed framebuffer. The framebuffer is checked against
// the committed mode's own pixel size. Firmware status errors are returned
// unchanged inside the wrap.
func (n *Negotiator) Negotiate(ctx context.Context) (fb framebuffer.Descriptor, err error) {
	n.enter(Idle)
	defer func() {
		if err != nil {
			n.enter(Failed)
		}
	}()

	scope := firmware.NewScope(n.Boot)
	defer func() {
		if cerr := scope.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	n.enter(Enumerating)
	handles, err := scope.LocateHandleBuffer(firmware.GraphicsOutputProtocolGUID)
	if errors.Is(err, firmware.StatusNotFound) || (err == nil && len(handles) == 0) {
		return framebuffer.Descriptor{}, ErrNoAdapter
	}
	if err != nil {
		return framebuffer.Descriptor{}, fmt.Errorf("locate graphics adapters: %w", err)
	}

	handle := handles[0]
	gop, err := firmware.OpenGraphicsOutput(n.Boot, handle)
	if err != nil {
		return framebuffer.Descriptor{}, fmt.Errorf("open graphics adapter %#x: %w", uint64(handle), err)
	}
	scope.CloseProtocolOnExit(handle, firmware.GraphicsOutputProtocolGUID)

	n.enter(RankingCandidates)
	var ranker Ranker
	maxMode := gop.Mode().MaxMode
	for i := uint32(0); i < maxMode; i++ {
		if err := ctx.Err(); err != nil {
			return framebuffer.Descriptor{}, err
		}
		info, size, err := gop.QueryMode(i)
		if err != nil {
			n.logger().Debug("skipping mode", "index", i, "err", err)
			continue
		}
		c := Candidate{
			Index:    i,
			Width:    info.HorizontalResolution,
			Height:   info.VerticalResolution,
			Format:   info.PixelFormat,
			InfoSize: size,
		}
		if ranker.Offer(c) {
			n.logger().Debug("new best mode", "mode", c.String())
		}
	}
	best, ok := ranker.Best()
	if !ok {
		return framebuffer.Descriptor{}, fmt.Errorf("%d modes on adapter %#x: %w", maxMode, uint64(handle), ErrNoUsableMode)
	}

	n.enter(Committing)
	if err := gop.SetMode(best.Index); err != nil {
		return framebuffer.Descriptor{}, fmt.Errorf("set %s: %w", best, err)
	}
	mode := gop.Mode()
	fb = framebuffer.Descriptor{
		Address:           mode.FrameBufferBase,
		Size:              mode.FrameBufferSize,
		Width:             uint64(mode.Info.HorizontalResolution),
		Height:            uint64(mode.Info.VerticalResolution),
		PixelsPerScanLine: uint64(mode.Info.PixelsPerScanLine),
	}
	depth := mode.Info.BytesPerPixel()
	if err := fb.ValidateDepth(uint64(depth)); err != nil {
		return framebuffer.Descriptor{}, fmt.Errorf("committed %s: %w", best, err)
	}
	n.logger().Info("display mode committed",
		"mode", best.Index,
		"width", fb.Width,
		"height", fb.Height,
		"stride", fb.PixelsPerScanLine,
		"depth", depth,
		"framebuffer", fmt.Sprintf("%#x", fb.Address),
	)
	n.enter(Done)
	return fb, nil
}
