package handoff

import (
	"errors"

	"github.com/tinyrange/kboot/internal/display"
	"github.com/tinyrange/kboot/internal/elf64"
	"github.com/tinyrange/kboot/internal/loader"
	"github.com/tinyrange/kboot/internal/volume"
)

// ErrKernelReturned is reported when the entry transfer gives control back.
var ErrKernelReturned = errors.New("handoff: kernel returned")

// Phase names the boot step that failed.
type Phase string

const (
	PhaseDisplay   Phase = "display"
	PhaseKernel    Phase = "kernel"
	PhaseFormat    Phase = "format"
	PhaseMemoryMap Phase = "memory-map"
	PhaseExit      Phase = "exit"
	PhaseEntry     Phase = "entry"
)

// Kind classifies a boot failure.
type Kind int

const (
	KindTransport Kind = iota
	KindResourceNotFound
	KindFormat
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindResourceNotFound:
		return "resource not found"
	case KindFormat:
		return "format"
	case KindInvariant:
		return "invariant violation"
	default:
		return "transport"
	}
}

// Error is a failed boot attempt.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return "handoff: " + string(e.Phase) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind classifies the underlying failure.
func (e *Error) Kind() Kind {
	switch {
	case errors.Is(e.Err, loader.ErrSegmentSize):
		return KindInvariant
	case errors.Is(e.Err, elf64.ErrInvalidImage), errors.Is(e.Err, elf64.ErrOutOfRange):
		return KindFormat
	case errors.Is(e.Err, display.ErrNoAdapter),
		errors.Is(e.Err, display.ErrNoUsableMode),
		errors.Is(e.Err, volume.ErrKernelNotFound):
		return KindResourceNotFound
	default:
		return KindTransport
	}
}
