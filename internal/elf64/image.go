package elf64

import (
	"fmt"
	"math"
)

// Image is a validated ELF image held in memory.
type Image struct {
	Header Header
	data   []byte
}

// New parses and validates the image in buf. The image keeps a reference to
// buf.
func New(buf []byte) (*Image, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if !h.Valid() {
		return nil, fmt.Errorf("magic % x class %d: %w", h.Ident.Magic[:], h.Ident.Class, ErrInvalidImage)
	}
	return &Image{Header: h, data: buf}, nil
}

// Bytes returns the raw image.
func (im *Image) Bytes() []byte {
	return im.data
}

// Entry returns the entry point virtual address.
func (im *Image) Entry() uint64 {
	return im.Header.Entry
}

// tableEntry returns the bytes of entry index in the table at off.
func (im *Image) tableEntry(what string, off uint64, entSize, num uint16, minSize int, index int) ([]byte, error) {
	if index < 0 || index >= int(num) {
		return nil, fmt.Errorf("%s %d of %d: %w", what, index, num, ErrOutOfRange)
	}
	if int(entSize) < minSize {
		return nil, fmt.Errorf("%s entry size %d below %d: %w", what, entSize, minSize, ErrInvalidImage)
	}
	start, ok := addOffset(off, uint64(index)*uint64(entSize))
	if !ok {
		return nil, fmt.Errorf("%s %d offset overflows: %w", what, index, ErrOutOfRange)
	}
	b, err := im.slice(start, uint64(minSize))
	if err != nil {
		return nil, fmt.Errorf("%s %d: %w", what, index, err)
	}
	return b, nil
}

// ProgramHeader returns program header index.
func (im *Image) ProgramHeader(index int) (ProgramHeader, error) {
	h := im.Header
	b, err := im.tableEntry("program header", h.PhOff, h.PhEntSize, h.PhNum, ProgramHeaderSize, index)
	if err != nil {
		return ProgramHeader{}, err
	}
	return decodeProgramHeader(b), nil
}

// SectionHeader returns section header index.
func (im *Image) SectionHeader(index int) (SectionHeader, error) {
	h := im.Header
	b, err := im.tableEntry("section header", h.ShOff, h.ShEntSize, h.ShNum, SectionHeaderSize, index)
	if err != nil {
		return SectionHeader{}, err
	}
	return decodeSectionHeader(b), nil
}

// ProgramHeaders returns every program header in table order.
func (im *Image) ProgramHeaders() ([]ProgramHeader, error) {
	out := make([]ProgramHeader, 0, im.Header.PhNum)
	for i := 0; i < int(im.Header.PhNum); i++ {
		ph, err := im.ProgramHeader(i)
		if err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, nil
}

// SegmentData returns the file bytes of ph.
func (im *Image) SegmentData(ph ProgramHeader) ([]byte, error) {
	b, err := im.slice(ph.Offset, ph.FileSize)
	if err != nil {
		return nil, fmt.Errorf("%s segment at %#x: %w", ph.Type, ph.Offset, err)
	}
	return b, nil
}

func (im *Image) slice(off, size uint64) ([]byte, error) {
	end, ok := addOffset(off, size)
	if !ok || end > uint64(len(im.data)) {
		return nil, fmt.Errorf("[%#x, +%#x) outside %d byte image: %w", off, size, len(im.data), ErrOutOfRange)
	}
	return im.data[off:end], nil
}

func addOffset(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}
