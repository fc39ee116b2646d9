package handoff

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/kboot/internal/framebuffer"
)

// RecordSize is the size of the encoded handoff record: five little-endian
// 64-bit words.
const RecordSize = 5 * 8

// Record is the only data passed from the loader to the kernel.
type Record struct {
	Framebuffer framebuffer.Descriptor
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r Record) MarshalBinary() ([]byte, error) {
	return r.encode(), nil
}

func (r Record) encode() []byte {
	buf := make([]byte, RecordSize)
	fb := r.Framebuffer
	for i, v := range []uint64{fb.Address, fb.Size, fb.Width, fb.Height, fb.PixelsPerScanLine} {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("handoff record truncated: %d bytes", len(data))
	}
	r.Framebuffer = framebuffer.Descriptor{
		Address:           binary.LittleEndian.Uint64(data[0:]),
		Size:              binary.LittleEndian.Uint64(data[8:]),
		Width:             binary.LittleEndian.Uint64(data[16:]),
		Height:            binary.LittleEndian.Uint64(data[24:]),
		PixelsPerScanLine: binary.LittleEndian.Uint64(data[32:]),
	}
	return nil
}

// ReadRecord reads the record the loader placed at addr.
func ReadRecord(mem io.ReaderAt, addr uint64) (Record, error) {
	var buf [RecordSize]byte
	if _, err := mem.ReadAt(buf[:], int64(addr)); err != nil {
		return Record{}, fmt.Errorf("read handoff record at %#x: %w", addr, err)
	}
	var r Record
	if err := r.UnmarshalBinary(buf[:]); err != nil {
		return Record{}, err
	}
	return r, nil
}
