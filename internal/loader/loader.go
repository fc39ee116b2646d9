// Package loader places the loadable segments of a validated ELF image into
// memory.
package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tinyrange/kboot/internal/elf64"
)

// ErrSegmentSize is returned for a segment whose memory size is smaller than
// its file size.
var ErrSegmentSize = errors.New("loader: segment memory size below file size")

// Placement selects which segment address is used as the destination.
type Placement int

const (
	Physical Placement = iota
	Virtual
)

func (p Placement) String() string {
	switch p {
	case Physical:
		return "physical"
	case Virtual:
		return "virtual"
	default:
		return fmt.Sprintf("Placement(%d)", int(p))
	}
}

// zeroChunk bounds the size of each zero-fill write.
const zeroChunk = 64 * 1024

var zeros [zeroChunk]byte

// Segment records where one loadable segment was placed.
type Segment struct {
	Index    int
	Address  uint64
	FileSize uint64
	MemSize  uint64
}

// End returns the first address after the segment.
func (s Segment) End() uint64 {
	return s.Address + s.MemSize
}

// Plan checks every loadable segment of im and returns where each will be
// placed. Nothing is written.
func Plan(im *elf64.Image, placement Placement) ([]Segment, error) {
	phs, err := im.ProgramHeaders()
	if err != nil {
		return nil, err
	}
	var segments []Segment
	for i, ph := range phs {
		if ph.Type != elf64.ProgramLoad {
			continue
		}
		if ph.MemSize < ph.FileSize {
			return nil, fmt.Errorf("segment %d: file size %#x, memory size %#x: %w", i, ph.FileSize, ph.MemSize, ErrSegmentSize)
		}
		if _, err := im.SegmentData(ph); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		addr := ph.PAddr
		if placement == Virtual {
			addr = ph.VAddr
		}
		if addr > math.MaxInt64 || ph.MemSize > math.MaxInt64-addr {
			return nil, fmt.Errorf("segment %d [%#x, +%#x) out of addressable range", i, addr, ph.MemSize)
		}
		segments = append(segments, Segment{
			Index:    i,
			Address:  addr,
			FileSize: ph.FileSize,
			MemSize:  ph.MemSize,
		})
	}
	return segments, nil
}

// LoadSegments copies the file bytes of every loadable segment of im to its
// destination in dst and zero-fills the rest of the segment's memory size.
//
// Every segment is checked before the first byte is written. Destinations are
// not checked against each other or against usable memory; that is up to the
// caller.
func LoadSegments(im *elf64.Image, dst io.WriterAt, placement Placement) ([]Segment, error) {
	segments, err := Plan(im, placement)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		ph, err := im.ProgramHeader(seg.Index)
		if err != nil {
			return nil, err
		}
		data, err := im.SegmentData(ph)
		if err != nil {
			return nil, err
		}
		if err := place(dst, seg, data); err != nil {
			return nil, err
		}
		slog.Debug("placed segment",
			"index", seg.Index,
			"placement", placement,
			"addr", fmt.Sprintf("%#x", seg.Address),
			"filesz", seg.FileSize,
			"memsz", seg.MemSize,
		)
	}
	return segments, nil
}

func place(dst io.WriterAt, seg Segment, data []byte) error {
	if len(data) > 0 {
		if _, err := dst.WriteAt(data, int64(seg.Address)); err != nil {
			return fmt.Errorf("write segment %d at %#x: %w", seg.Index, seg.Address, err)
		}
	}
	return zeroFill(dst, seg.Address+seg.FileSize, seg.MemSize-seg.FileSize)
}

func zeroFill(dst io.WriterAt, addr, n uint64) error {
	for n > 0 {
		chunk := n
		if chunk > zeroChunk {
			chunk = zeroChunk
		}
		if _, err := dst.WriteAt(zeros[:chunk], int64(addr)); err != nil {
			return fmt.Errorf("zero fill at %#x: %w", addr, err)
		}
		addr += chunk
		n -= chunk
	}
	return nil
}

// Span returns the lowest and highest addresses covered by segments.
func Span(segments []Segment) (lo, hi uint64) {
	for i, seg := range segments {
		if i == 0 || seg.Address < lo {
			lo = seg.Address
		}
		if end := seg.End(); end > hi {
			hi = end
		}
	}
	return lo, hi
}
